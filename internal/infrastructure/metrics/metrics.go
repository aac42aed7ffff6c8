// Package metrics exposes Fleet Core's Prometheus collectors.
//
// Collectors live on a per-instance registry so tests and multiple servers
// in one process never collide on the global default registerer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricPrefix = "fleetcore_"

// Dispatch result label values.
const (
	DispatchDelivered   = "delivered"
	DispatchUndelivered = "undelivered"
)

// Metrics bundles the command pipeline collectors.
type Metrics struct {
	registry *prometheus.Registry

	commandsCreated    *prometheus.CounterVec
	dispatchTotal      *prometheus.CounterVec
	dispatchLatency    *prometheus.HistogramVec
	transitions        *prometheus.CounterVec
	sweepDuration      prometheus.Histogram
	sweepTimeouts      prometheus.Counter
	telemetryReports   prometheus.Counter
	notificationsTotal *prometheus.CounterVec
}

// New constructs the collectors and registers them, together with the Go
// runtime and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commandsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "commands_created_total",
				Help: "Total commands created by type",
			},
			[]string{"type"},
		),
		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_dispatch_total",
				Help: "Total delivery attempts by result",
			},
			[]string{"result"},
		),
		dispatchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "command_dispatch_seconds",
				Help:    "Delivery attempt latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_transitions_total",
				Help: "Total command status transitions by target status",
			},
			[]string{"status"},
		),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    metricPrefix + "sweep_duration_seconds",
			Help:    "Queue sweep pass duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		sweepTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "command_timeouts_total",
			Help: "Total commands failed by the sweeper as unreachable",
		}),
		telemetryReports: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "telemetry_reports_total",
			Help: "Total device telemetry reports recorded",
		}),
		notificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "notifications_total",
				Help: "Total commandUpdate notifications by sink",
			},
			[]string{"sink"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.commandsCreated,
		m.dispatchTotal,
		m.dispatchLatency,
		m.transitions,
		m.sweepDuration,
		m.sweepTimeouts,
		m.telemetryReports,
		m.notificationsTotal,
	)
	return m
}

// RegisterGauge adds a gauge whose value is read from fn at scrape time.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: metricPrefix + name, Help: help},
		fn,
	))
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// IncCreated counts a created command.
func (m *Metrics) IncCreated(commandType string) {
	m.commandsCreated.WithLabelValues(orUnknown(commandType)).Inc()
}

// ObserveDispatch records one delivery attempt.
func (m *Metrics) ObserveDispatch(delivered bool, took time.Duration) {
	result := DispatchUndelivered
	if delivered {
		result = DispatchDelivered
	}
	m.dispatchTotal.WithLabelValues(result).Inc()
	m.dispatchLatency.WithLabelValues(result).Observe(took.Seconds())
}

// IncTransition counts a transition into status.
func (m *Metrics) IncTransition(status string) {
	m.transitions.WithLabelValues(orUnknown(status)).Inc()
}

// ObserveSweep records a sweep pass.
func (m *Metrics) ObserveSweep(timedOut int, took time.Duration) {
	m.sweepDuration.Observe(took.Seconds())
	if timedOut > 0 {
		m.sweepTimeouts.Add(float64(timedOut))
	}
}

// IncTelemetry counts a recorded telemetry report.
func (m *Metrics) IncTelemetry() {
	m.telemetryReports.Inc()
}

// IncNotification counts a commandUpdate fanned out to sink.
func (m *Metrics) IncNotification(sink string) {
	m.notificationsTotal.WithLabelValues(orUnknown(sink)).Inc()
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
