// Package telemetry forwards command pipeline signals to Prometheus and
// InfluxDB.
package telemetry

import (
	"time"

	"github.com/nerrad567/fleetcore/internal/command"
	"github.com/nerrad567/fleetcore/internal/device"
	"github.com/nerrad567/fleetcore/internal/infrastructure/influxdb"
	"github.com/nerrad567/fleetcore/internal/infrastructure/metrics"
)

// PointWriter is the subset of *influxdb.Client the observer writes through.
type PointWriter interface {
	WriteCommandLifecycle(p influxdb.CommandPoint)
	WriteDispatch(deviceID, commandType string, delivered bool, took time.Duration, at time.Time)
	WriteDeviceTelemetry(deviceID string, values map[string]float64, at time.Time)
	WriteSweep(examined, delivered, timedOut, remaining int, took time.Duration, at time.Time)
}

// Observer implements command.Observer. Either sink may be nil.
type Observer struct {
	metrics *metrics.Metrics
	points  PointWriter
	now     func() time.Time
}

var _ command.Observer = (*Observer)(nil)

// NewObserver creates an observer over the given sinks.
func NewObserver(m *metrics.Metrics, points PointWriter) *Observer {
	return &Observer{metrics: m, points: points, now: time.Now}
}

// CommandCreated counts the new command by type and writes its PENDING point.
func (o *Observer) CommandCreated(cmd *command.Command) {
	if o.metrics != nil {
		o.metrics.IncCreated(string(cmd.Type))
	}
	if o.points != nil {
		o.points.WriteCommandLifecycle(lifecyclePoint(cmd, cmd.CreatedAt))
	}
}

// CommandDispatched records the dispatch outcome and its duration.
func (o *Observer) CommandDispatched(cmd *command.Command, delivered bool, took time.Duration) {
	if o.metrics != nil {
		o.metrics.ObserveDispatch(delivered, took)
	}
	if o.points != nil {
		o.points.WriteDispatch(cmd.DeviceID, string(cmd.Type), delivered, took, o.now())
	}
}

// CommandTransitioned counts the new status and writes a lifecycle point
// with the latency since creation.
func (o *Observer) CommandTransitioned(cmd *command.Command) {
	if o.metrics != nil {
		o.metrics.IncTransition(string(cmd.Status))
	}
	if o.points != nil {
		o.points.WriteCommandLifecycle(lifecyclePoint(cmd, cmd.UpdatedAt))
	}
}

// SweepCompleted records the sweep duration and timeouts. Empty passes
// write no point.
func (o *Observer) SweepCompleted(report command.SweepReport, took time.Duration) {
	if o.metrics != nil {
		o.metrics.ObserveSweep(report.TimedOut, took)
	}
	if o.points != nil && report.Examined > 0 {
		o.points.WriteSweep(report.Examined, report.Delivered, report.TimedOut, report.Remaining, took, o.now())
	}
}

// TelemetryRecorded writes the numeric fields of a device report.
func (o *Observer) TelemetryRecorded(deviceID string, info map[string]any, at time.Time) {
	if o.metrics != nil {
		o.metrics.IncTelemetry()
	}
	if o.points != nil {
		o.points.WriteDeviceTelemetry(deviceID, NumericValues(device.TelemetryFromInfo(info, at)), at)
	}
}

// lifecyclePoint stamps cmd's current status at at. Latency runs from
// creation to at and is omitted for PENDING.
func lifecyclePoint(cmd *command.Command, at time.Time) influxdb.CommandPoint {
	p := influxdb.CommandPoint{
		CommandID: cmd.ID,
		DeviceID:  cmd.DeviceID,
		Type:      string(cmd.Type),
		Status:    string(cmd.Status),
		Priority:  string(cmd.Priority),
		At:        at,
	}
	if cmd.Status != command.StatusPending && at.After(cmd.CreatedAt) {
		p.Latency = at.Sub(cmd.CreatedAt)
	}
	return p
}

// NumericValues flattens the numeric parts of t into influx field values.
func NumericValues(t device.Telemetry) map[string]float64 {
	out := make(map[string]float64)
	if t.BatteryLevel != nil {
		out["battery_level"] = float64(*t.BatteryLevel)
	}
	if t.Location != nil {
		out["latitude"] = t.Location.Latitude
		out["longitude"] = t.Location.Longitude
		if t.Location.Accuracy != nil {
			out["accuracy"] = *t.Location.Accuracy
		}
	}
	for k, v := range t.Info {
		switch n := v.(type) {
		case float64:
			out[k] = n
		case int:
			out[k] = float64(n)
		case int64:
			out[k] = float64(n)
		}
	}
	return out
}
