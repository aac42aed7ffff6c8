package command

import "time"

// Logger defines the logging interface used by the command package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Notifier receives commandUpdate notifications. Delivery is fire-and-forget:
// implementations must not block and have no way to report failure.
type Notifier interface {
	CommandUpdated(update Update)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Update)

// CommandUpdated calls f(update).
func (f NotifierFunc) CommandUpdated(update Update) { f(update) }

// MultiNotifier fans an update out to several notifiers in order.
type MultiNotifier []Notifier

// CommandUpdated forwards update to every notifier.
func (m MultiNotifier) CommandUpdated(update Update) {
	for _, n := range m {
		if n != nil {
			n.CommandUpdated(update)
		}
	}
}

// Observer receives lifecycle signals for metrics and telemetry sinks.
type Observer interface {
	CommandCreated(cmd *Command)
	CommandDispatched(cmd *Command, delivered bool, took time.Duration)
	CommandTransitioned(cmd *Command)
	SweepCompleted(report SweepReport, took time.Duration)
	TelemetryRecorded(deviceID string, info map[string]any, at time.Time)
}

// NopObserver implements Observer with no-ops. Embed it to implement only
// the signals of interest.
type NopObserver struct{}

func (NopObserver) CommandCreated(*Command)                             {}
func (NopObserver) CommandDispatched(*Command, bool, time.Duration)     {}
func (NopObserver) CommandTransitioned(*Command)                        {}
func (NopObserver) SweepCompleted(SweepReport, time.Duration)           {}
func (NopObserver) TelemetryRecorded(string, map[string]any, time.Time) {}

// MultiObserver fans signals out to several observers.
type MultiObserver []Observer

// CommandCreated forwards to every observer in order.
func (m MultiObserver) CommandCreated(cmd *Command) {
	for _, o := range m {
		o.CommandCreated(cmd)
	}
}

// CommandDispatched forwards to every observer in order.
func (m MultiObserver) CommandDispatched(cmd *Command, delivered bool, took time.Duration) {
	for _, o := range m {
		o.CommandDispatched(cmd, delivered, took)
	}
}

// CommandTransitioned forwards to every observer in order.
func (m MultiObserver) CommandTransitioned(cmd *Command) {
	for _, o := range m {
		o.CommandTransitioned(cmd)
	}
}

// SweepCompleted forwards to every observer in order.
func (m MultiObserver) SweepCompleted(report SweepReport, took time.Duration) {
	for _, o := range m {
		o.SweepCompleted(report, took)
	}
}

// TelemetryRecorded forwards to every observer in order.
func (m MultiObserver) TelemetryRecorded(deviceID string, info map[string]any, at time.Time) {
	for _, o := range m {
		o.TelemetryRecorded(deviceID, info, at)
	}
}
