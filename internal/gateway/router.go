package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/fleetcore/internal/command"
)

const defaultIdleTimeout = time.Minute

// Service is the part of command.Service that transport events drive.
type Service interface {
	DeviceConnected(ctx context.Context, deviceID string, ch command.Channel) error
	DeviceDisconnected(ctx context.Context, ch command.Channel)
	Heartbeat(ctx context.Context, deviceID string)
	ReportResult(ctx context.Context, deviceID, commandID string, result command.Result) (*command.Command, error)
}

// Logger defines the logging interface used by the gateway.
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

// EventKind identifies a transport event.
type EventKind string

// Transport event kinds.
const (
	EventIdentify   EventKind = "identify"
	EventHeartbeat  EventKind = "heartbeat"
	EventResult     EventKind = "commandResult"
	EventDisconnect EventKind = "disconnect"
)

// Event is one inbound transport event for a device.
type Event struct {
	Kind     EventKind
	DeviceID string

	// Channel is set for identify and disconnect.
	Channel command.Channel

	// CommandID and Result are set for commandResult.
	CommandID string
	Result    command.Result

	// Done, if set, is called on the device's worker with the outcome.
	Done func(err error)
}

// RouterConfig configures a Router.
type RouterConfig struct {
	// IdleTimeout is how long a device worker waits for events before exiting.
	IdleTimeout time.Duration
	Logger      Logger
}

// Router serialises transport events per device.
//
// Each device id gets a mailbox drained by its own goroutine, created on the
// first event and stopped after IdleTimeout without events. Events for one
// device are handled in submission order; different devices run in parallel.
type Router struct {
	svc    Service
	idle   time.Duration
	logger Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	workers map[string]*mailbox
	closed  bool
	wg      sync.WaitGroup
}

type mailbox struct {
	queue []Event
	wake  chan struct{}
}

// NewRouter creates a router delivering events to svc.
func NewRouter(svc Service, cfg RouterConfig) *Router {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		svc:     svc,
		idle:    cfg.IdleTimeout,
		logger:  cfg.Logger,
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[string]*mailbox),
	}
}

// Submit queues ev on its device's mailbox. It never blocks on handling.
func (r *Router) Submit(ev Event) error {
	if ev.DeviceID == "" || ev.Kind == "" {
		return ErrInvalidEvent
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRouterClosed
	}
	mb, ok := r.workers[ev.DeviceID]
	if !ok {
		mb = &mailbox{wake: make(chan struct{}, 1)}
		r.workers[ev.DeviceID] = mb
		r.wg.Add(1)
		go r.run(ev.DeviceID, mb)
	}
	mb.queue = append(mb.queue, ev)
	r.mu.Unlock()

	select {
	case mb.wake <- struct{}{}:
	default:
	}
	return nil
}

// ActiveWorkers returns the number of live device workers.
func (r *Router) ActiveWorkers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// Close stops accepting events, waits for queued events to be handled and
// stops every worker.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, mb := range r.workers {
		select {
		case mb.wake <- struct{}{}:
		default:
		}
	}
	r.mu.Unlock()

	r.wg.Wait()
	r.cancel()
}

func (r *Router) run(deviceID string, mb *mailbox) {
	defer r.wg.Done()

	timer := time.NewTimer(r.idle)
	defer timer.Stop()

	for {
		r.mu.Lock()
		if len(mb.queue) > 0 {
			ev := mb.queue[0]
			mb.queue[0] = Event{}
			mb.queue = mb.queue[1:]
			r.mu.Unlock()
			r.handle(ev)
			continue
		}
		if r.closed {
			delete(r.workers, deviceID)
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()

		timer.Reset(r.idle)
		select {
		case <-mb.wake:
		case <-timer.C:
			r.mu.Lock()
			if len(mb.queue) == 0 {
				delete(r.workers, deviceID)
				r.mu.Unlock()
				return
			}
			r.mu.Unlock()
		}
	}
}

func (r *Router) handle(ev Event) {
	var err error
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic handling device event", "device_id", ev.DeviceID, "kind", ev.Kind, "panic", p)
			err = fmt.Errorf("panic handling %s: %v", ev.Kind, p)
		}
		if ev.Done != nil {
			ev.Done(err)
		}
	}()

	switch ev.Kind {
	case EventIdentify:
		err = r.svc.DeviceConnected(r.ctx, ev.DeviceID, ev.Channel)
	case EventDisconnect:
		r.svc.DeviceDisconnected(r.ctx, ev.Channel)
	case EventHeartbeat:
		r.svc.Heartbeat(r.ctx, ev.DeviceID)
	case EventResult:
		_, err = r.svc.ReportResult(r.ctx, ev.DeviceID, ev.CommandID, ev.Result)
	default:
		err = fmt.Errorf("%w: kind %q", ErrInvalidEvent, ev.Kind)
	}

	if err != nil {
		r.logger.Warn("device event rejected", "device_id", ev.DeviceID, "kind", ev.Kind, "error", err)
	}
}
