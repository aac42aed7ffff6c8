package device

import (
	"math"
	"time"
)

// Status is the enrollment status of a device.
type Status string

// Enrollment statuses.
const (
	StatusEnrolled Status = "ENROLLED"
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
	StatusLost     Status = "LOST"
	StatusRetired  Status = "RETIRED"
)

// AllStatuses returns every recognised enrollment status.
func AllStatuses() []Status {
	return []Status{StatusEnrolled, StatusActive, StatusInactive, StatusLost, StatusRetired}
}

// AcceptsCommands reports whether devices in this status may be targeted by
// new commands. Only ENROLLED and ACTIVE devices are eligible.
func (s Status) AcceptsCommands() bool {
	return s == StatusEnrolled || s == StatusActive
}

// Platform is the operating system family of a device.
type Platform string

// Supported platforms.
const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
	PlatformWindows Platform = "windows"
	PlatformLinux   Platform = "linux"
)

// AllPlatforms returns every supported platform.
func AllPlatforms() []Platform {
	return []Platform{PlatformAndroid, PlatformIOS, PlatformWindows, PlatformLinux}
}

// Location is the last position reported by a device.
type Location struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Accuracy   *float64  `json:"accuracy,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Valid reports whether the coordinates are within WGS84 bounds.
func (l Location) Valid() bool {
	return !math.IsNaN(l.Latitude) && !math.IsNaN(l.Longitude) &&
		l.Latitude >= -90 && l.Latitude <= 90 &&
		l.Longitude >= -180 && l.Longitude <= 180
}

// Device is a managed endpoint in the fleet.
//
// Status is the administrative enrollment state. Connected and LastSeen are
// live transport state written by the command gateway; a device can be
// ACTIVE while disconnected, in which case commands queue until it returns.
type Device struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	SerialNumber *string        `json:"serial_number,omitempty"`
	Platform     Platform       `json:"platform"`
	Model        *string        `json:"model,omitempty"`
	OSVersion    *string        `json:"os_version,omitempty"`
	Status       Status         `json:"status"`
	Connected    bool           `json:"connected"`
	LastSeen     *time.Time     `json:"last_seen,omitempty"`
	Location     *Location      `json:"location,omitempty"`
	BatteryLevel *int           `json:"battery_level,omitempty"`
	Info         map[string]any `json:"info,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// DeepCopy creates an independent copy of the Device so cached entries
// cannot be mutated through returned values.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}

	cpy := *d
	cpy.Info = deepCopyMap(d.Info)

	if d.Location != nil {
		loc := *d.Location
		if d.Location.Accuracy != nil {
			acc := *d.Location.Accuracy
			loc.Accuracy = &acc
		}
		cpy.Location = &loc
	}
	if d.BatteryLevel != nil {
		lvl := *d.BatteryLevel
		cpy.BatteryLevel = &lvl
	}
	if d.LastSeen != nil {
		ts := *d.LastSeen
		cpy.LastSeen = &ts
	}

	return &cpy
}

// Telemetry is the subset of device state that command results may update.
// Nil fields are left untouched.
type Telemetry struct {
	Location     *Location
	BatteryLevel *int
	OSVersion    *string
	Model        *string
	Info         map[string]any
	ReportedAt   time.Time
}

// Empty reports whether the telemetry carries nothing to apply.
func (t Telemetry) Empty() bool {
	return t.Location == nil && t.BatteryLevel == nil &&
		t.OSVersion == nil && t.Model == nil && len(t.Info) == 0
}

// Stats summarises the registry contents.
type Stats struct {
	Total     int            `json:"total"`
	Connected int            `json:"connected"`
	ByStatus  map[Status]int `json:"by_status"`
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}
