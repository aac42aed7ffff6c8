package telemetry

import (
	"github.com/nerrad567/fleetcore/internal/command"
	"github.com/nerrad567/fleetcore/internal/infrastructure/metrics"
)

// CountingNotifier wraps next and counts each update under sink.
func CountingNotifier(m *metrics.Metrics, sink string, next command.Notifier) command.Notifier {
	if m == nil {
		return next
	}
	return command.NotifierFunc(func(u command.Update) {
		m.IncNotification(sink)
		next.CommandUpdated(u)
	})
}
