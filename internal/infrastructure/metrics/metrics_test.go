package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.IncCreated("LOCK_DEVICE")
	m.IncCreated("LOCK_DEVICE")
	m.IncCreated("")
	m.ObserveDispatch(true, 3*time.Millisecond)
	m.ObserveDispatch(false, time.Millisecond)
	m.ObserveDispatch(false, time.Millisecond)
	m.IncTransition("EXECUTED")
	m.ObserveSweep(2, 50*time.Millisecond)
	m.ObserveSweep(0, 10*time.Millisecond)
	m.IncTelemetry()
	m.IncNotification("websocket")

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"created LOCK_DEVICE", testutil.ToFloat64(m.commandsCreated.WithLabelValues("LOCK_DEVICE")), 2},
		{"created unknown", testutil.ToFloat64(m.commandsCreated.WithLabelValues("unknown")), 1},
		{"delivered", testutil.ToFloat64(m.dispatchTotal.WithLabelValues(DispatchDelivered)), 1},
		{"undelivered", testutil.ToFloat64(m.dispatchTotal.WithLabelValues(DispatchUndelivered)), 2},
		{"transitions", testutil.ToFloat64(m.transitions.WithLabelValues("EXECUTED")), 1},
		{"timeouts", testutil.ToFloat64(m.sweepTimeouts), 2},
		{"telemetry", testutil.ToFloat64(m.telemetryReports), 1},
		{"notifications", testutil.ToFloat64(m.notificationsTotal.WithLabelValues("websocket")), 1},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestMetrics_GaugeAndHandler(t *testing.T) {
	m := New()
	pending := 7.0
	m.RegisterGauge("commands_pending", "Commands awaiting delivery", func() float64 { return pending })
	m.IncCreated("REBOOT")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		"fleetcore_commands_pending 7",
		`fleetcore_commands_created_total{type="REBOOT"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestNew_IndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.IncTelemetry()
	if testutil.ToFloat64(b.telemetryReports) != 0 {
		t.Error("metrics instances share state")
	}
}
