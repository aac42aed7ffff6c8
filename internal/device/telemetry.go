package device

import (
	"encoding/json"
	"strconv"
	"time"
)

// TelemetryFromInfo extracts telemetry from the structured device-info map a
// device returns with GET_DEVICE_INFO and LOCATE_DEVICE results.
//
// Location may be nested under "location" or given as top-level
// latitude/longitude. Keys are accepted in camelCase or snake_case.
// Unrecognised keys are kept in Info. Out-of-range coordinates are dropped.
func TelemetryFromInfo(info map[string]any, reportedAt time.Time) Telemetry {
	t := Telemetry{ReportedAt: reportedAt}
	if len(info) == 0 {
		return t
	}

	consumed := make(map[string]bool)

	locSrc := info
	if nested, ok := info["location"].(map[string]any); ok {
		locSrc = nested
		consumed["location"] = true
	}
	lat, latOK := numberField(locSrc, "latitude", "lat")
	lon, lonOK := numberField(locSrc, "longitude", "lng", "lon")
	if latOK && lonOK {
		loc := Location{Latitude: lat, Longitude: lon, RecordedAt: reportedAt}
		if acc, ok := numberField(locSrc, "accuracy"); ok {
			loc.Accuracy = &acc
		}
		if loc.Valid() {
			t.Location = &loc
		}
		if !consumed["location"] {
			for _, k := range []string{"latitude", "lat", "longitude", "lng", "lon", "accuracy"} {
				consumed[k] = true
			}
		}
	}

	if lvl, ok := numberField(info, "batteryLevel", "battery_level", "battery"); ok && lvl >= 0 && lvl <= 100 {
		b := int(lvl)
		t.BatteryLevel = &b
		consumed["batteryLevel"], consumed["battery_level"], consumed["battery"] = true, true, true
	}
	if v, ok := stringField(info, "osVersion", "os_version"); ok {
		t.OSVersion = &v
		consumed["osVersion"], consumed["os_version"] = true, true
	}
	if v, ok := stringField(info, "model"); ok {
		t.Model = &v
		consumed["model"] = true
	}

	for k, v := range info {
		if consumed[k] {
			continue
		}
		if t.Info == nil {
			t.Info = make(map[string]any)
		}
		t.Info[k] = deepCopyValue(v)
	}
	return t
}

func numberField(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		v, ok := m[k]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return n, true
		case float32:
			return float64(n), true
		case int:
			return float64(n), true
		case int64:
			return float64(n), true
		case json.Number:
			f, err := n.Float64()
			if err == nil {
				return f, true
			}
		case string:
			f, err := strconv.ParseFloat(n, 64)
			if err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func stringField(m map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}
