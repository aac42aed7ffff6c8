package influxdb

import (
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
)

// Measurement names written by Fleet Core.
const (
	MeasurementCommandLifecycle = "command_lifecycle"
	MeasurementCommandDispatch  = "command_dispatch"
	MeasurementDeviceTelemetry  = "device_telemetry"
	MeasurementQueueSweep       = "queue_sweep"
)

// CommandPoint describes one command state change.
type CommandPoint struct {
	CommandID string
	DeviceID  string
	Type      string
	Status    string
	Priority  string

	// Latency is the time from creation to this state. Zero omits the field.
	Latency time.Duration
	At      time.Time
}

// WriteCommandLifecycle records a command reaching a status.
func (c *Client) WriteCommandLifecycle(p CommandPoint) {
	fields := map[string]interface{}{
		"command_id": p.CommandID,
		"count":      1,
	}
	if p.Latency > 0 {
		fields["latency_ms"] = p.Latency.Milliseconds()
	}
	c.WritePointWithTime(MeasurementCommandLifecycle, map[string]string{
		"device_id": p.DeviceID,
		"type":      p.Type,
		"status":    p.Status,
		"priority":  p.Priority,
	}, fields, p.At)
}

// WriteDispatch records one delivery attempt and how long the send took.
func (c *Client) WriteDispatch(deviceID, commandType string, delivered bool, took time.Duration, at time.Time) {
	c.WritePointWithTime(MeasurementCommandDispatch, map[string]string{
		"device_id": deviceID,
		"type":      commandType,
	}, map[string]interface{}{
		"delivered":   delivered,
		"duration_ms": float64(took.Microseconds()) / 1000,
	}, at)
}

// WriteDeviceTelemetry records numeric telemetry reported by a device.
// Nothing is written when values is empty.
func (c *Client) WriteDeviceTelemetry(deviceID string, values map[string]float64, at time.Time) {
	if len(values) == 0 {
		return
	}
	fields := make(map[string]interface{}, len(values))
	for k, v := range values {
		fields[k] = v
	}
	c.WritePointWithTime(MeasurementDeviceTelemetry, map[string]string{
		"device_id": deviceID,
	}, fields, at)
}

// WriteSweep records the outcome of one queue sweep pass.
func (c *Client) WriteSweep(examined, delivered, timedOut, remaining int, took time.Duration, at time.Time) {
	c.WritePointWithTime(MeasurementQueueSweep, nil, map[string]interface{}{
		"examined":    examined,
		"delivered":   delivered,
		"timed_out":   timedOut,
		"remaining":   remaining,
		"duration_ms": float64(took.Microseconds()) / 1000,
	}, at)
}

// WritePoint writes a point stamped with the current time.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a point with an explicit timestamp. Empty tag
// values are dropped. The call is a no-op when the client is closed.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, ts time.Time) {
	if !c.IsConnected() || len(fields) == 0 {
		return
	}
	clean := make(map[string]string, len(tags))
	for k, v := range tags {
		if v != "" {
			clean[k] = v
		}
	}
	c.writeAPI.WritePoint(influxdb2.NewPoint(measurement, clean, fields, ts))
}
