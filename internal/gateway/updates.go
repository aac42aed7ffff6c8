package gateway

import (
	"context"
	"sync/atomic"

	"github.com/nerrad567/fleetcore/internal/command"
	"github.com/nerrad567/fleetcore/internal/infrastructure/mqtt"
)

const defaultUpdateBuffer = 256

// Publisher is the part of *mqtt.Client the update publisher uses.
type Publisher interface {
	PublishJSON(topic string, v any, retained bool) error
}

// UpdatePublisher publishes commandUpdate notifications to MQTT. It
// implements command.Notifier: CommandUpdated only enqueues, and a
// background goroutine publishes. Updates are dropped when the queue is full.
type UpdatePublisher struct {
	pub    Publisher
	topic  string
	logger Logger

	queue   chan command.Update
	dropped atomic.Int64
}

var _ command.Notifier = (*UpdatePublisher)(nil)

// NewUpdatePublisher creates a publisher with the given queue size.
func NewUpdatePublisher(pub Publisher, buffer int, logger Logger) *UpdatePublisher {
	if buffer <= 0 {
		buffer = defaultUpdateBuffer
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &UpdatePublisher{
		pub:    pub,
		topic:  mqtt.Topics{}.CommandUpdates(),
		logger: logger,
		queue:  make(chan command.Update, buffer),
	}
}

// CommandUpdated queues u for publishing.
func (p *UpdatePublisher) CommandUpdated(u command.Update) {
	select {
	case p.queue <- u:
	default:
		p.dropped.Add(1)
		p.logger.Warn("commandUpdate dropped, publish queue full", "command_id", u.CommandID)
	}
}

// Run publishes queued updates until ctx is cancelled, then drains what is
// left.
func (p *UpdatePublisher) Run(ctx context.Context) {
	for {
		select {
		case u := <-p.queue:
			p.publish(u)
		case <-ctx.Done():
			for {
				select {
				case u := <-p.queue:
					p.publish(u)
				default:
					return
				}
			}
		}
	}
}

// Dropped returns how many updates were discarded because the queue was full.
func (p *UpdatePublisher) Dropped() int64 {
	return p.dropped.Load()
}

func (p *UpdatePublisher) publish(u command.Update) {
	if err := p.pub.PublishJSON(p.topic, u, false); err != nil {
		p.logger.Warn("commandUpdate publish failed", "command_id", u.CommandID, "error", err)
	}
}
