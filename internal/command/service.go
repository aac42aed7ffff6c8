package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/fleetcore/internal/audit"
	"github.com/nerrad567/fleetcore/internal/device"
)

// DeviceStore is what the command pipeline needs from the device registry.
// *device.Registry satisfies it.
type DeviceStore interface {
	GetDevice(ctx context.Context, id string) (*device.Device, error)
	ResolveEligible(ctx context.Context, ids []string) (eligible []device.Device, skipped int, err error)
	MarkConnected(ctx context.Context, id string) error
	MarkDisconnected(ctx context.Context, id string) error
	Heartbeat(ctx context.Context, id string) error
	ApplyTelemetry(ctx context.Context, id string, t device.Telemetry) error
}

// Config holds the pipeline's tunables.
type Config struct {
	// UnreachableTimeout is how long an undelivered command may stay PENDING
	// before the sweeper fails it.
	UnreachableTimeout time.Duration

	// SweepBatchSize bounds the PENDING records examined per sweep.
	SweepBatchSize int

	// DispatchConcurrency bounds how many devices are pushed to at once.
	DispatchConcurrency int
}

const (
	defaultUnreachableTimeout  = 5 * time.Minute
	defaultSweepBatchSize      = 100
	defaultDispatchConcurrency = 16
)

func (c Config) withDefaults() Config {
	if c.UnreachableTimeout <= 0 {
		c.UnreachableTimeout = defaultUnreachableTimeout
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = defaultSweepBatchSize
	}
	if c.DispatchConcurrency <= 0 {
		c.DispatchConcurrency = defaultDispatchConcurrency
	}
	return c
}

// Deps holds the dependencies of a Service.
type Deps struct {
	Repo        Repository       // required
	Devices     DeviceStore      // required
	Events      audit.Repository // required, for connection events
	Connections *Connections     // created if nil
	Notifier    Notifier         // optional
	Observer    Observer         // optional
	Logger      Logger           // optional
	Config      Config
	Clock       func() time.Time // defaults to time.Now
}

// Service is the command pipeline: intake, dispatch, result handling,
// cancellation, bulk operations and statistics.
//
// Thread Safety: all methods are safe for concurrent use. Status changes are
// conditional writes in the store, so concurrent callers racing on the same
// command resolve to one winner and conflicts for the rest.
type Service struct {
	repo       Repository
	devices    DeviceStore
	events     audit.Repository
	conns      *Connections
	notifier   Notifier
	observer   Observer
	logger     Logger
	cfg        Config
	now        func() time.Time
	dispatcher *Dispatcher
}

// NewService creates a command service.
func NewService(deps Deps) (*Service, error) {
	if deps.Repo == nil {
		return nil, errors.New("command repository is required")
	}
	if deps.Devices == nil {
		return nil, errors.New("device store is required")
	}
	if deps.Events == nil {
		return nil, errors.New("event repository is required")
	}

	s := &Service{
		repo:     deps.Repo,
		devices:  deps.Devices,
		events:   deps.Events,
		conns:    deps.Connections,
		notifier: deps.Notifier,
		observer: deps.Observer,
		logger:   deps.Logger,
		cfg:      deps.Config.withDefaults(),
		now:      deps.Clock,
	}
	if s.conns == nil {
		s.conns = NewConnections()
	}
	if s.notifier == nil {
		s.notifier = MultiNotifier(nil)
	}
	if s.observer == nil {
		s.observer = NopObserver{}
	}
	if s.logger == nil {
		s.logger = noopLogger{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	clock := s.now
	s.now = func() time.Time { return clock().UTC() }

	s.dispatcher = &Dispatcher{
		repo:     s.repo,
		conns:    s.conns,
		notifier: s.notifier,
		observer: s.observer,
		logger:   s.logger,
		now:      s.now,
	}
	return s, nil
}

// Connections returns the connection registry shared with the transports.
func (s *Service) Connections() *Connections {
	return s.conns
}

// Dispatcher returns the service's dispatcher.
func (s *Service) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// CreateResult reports the outcome of CreateCommands.
type CreateResult struct {
	Commands         []Command `json:"commands"`
	DevicesRequested int       `json:"devices_requested"`
	DevicesFound     int       `json:"devices_found"`
	Skipped          int       `json:"skipped"`
	Failed           int       `json:"failed"`
	Dispatched       int       `json:"dispatched"`
}

// CreateCommands creates one PENDING command per eligible device and pushes
// each to its device if it is connected and the command is not deferred.
//
// Unknown and ineligible devices are skipped and counted. The request fails
// with ErrNoValidDevices only when no device is eligible. Per-device writes
// are independent: a failed insert is logged and counted, the rest stand.
func (s *Service) CreateCommands(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	now := s.now()
	if err := req.Validate(now); err != nil {
		return nil, err
	}

	eligible, skipped, err := s.devices.ResolveEligible(ctx, req.DeviceIDs)
	if err != nil {
		return nil, err
	}
	if len(eligible) == 0 {
		return nil, ErrNoValidDevices
	}

	res := &CreateResult{
		Commands:         make([]Command, 0, len(eligible)),
		DevicesRequested: len(req.DeviceIDs),
		DevicesFound:     len(eligible),
		Skipped:          skipped,
	}

	for _, d := range eligible {
		cmd := &Command{
			ID:         NewID(),
			DeviceID:   d.ID,
			Type:       req.Type,
			Parameters: copyParameters(req.Parameters),
			Status:     StatusPending,
			Priority:   req.Priority,
			CreatedBy:  req.CreatedBy,
			ExecuteAt:  utcPtr(req.ExecuteAt),
			ExpiresAt:  utcPtr(req.ExpiresAt),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := s.repo.Create(ctx, cmd); err != nil {
			res.Failed++
			s.logger.Error("failed to create command",
				"device_id", d.ID,
				"type", req.Type,
				"error", err,
			)
			continue
		}
		s.observer.CommandCreated(cmd)
		res.Commands = append(res.Commands, *cmd)
	}

	if len(res.Commands) == 0 {
		return nil, fmt.Errorf("creating commands: all %d writes failed", res.Failed)
	}

	res.Dispatched = s.dispatchAll(ctx, res.Commands)

	s.logger.Info("commands created",
		"type", req.Type,
		"created", len(res.Commands),
		"skipped", skipped,
		"dispatched", res.Dispatched,
	)
	return res, nil
}

// dispatchAll pushes cmds concurrently across devices and sequentially
// within a device, updating the slice in place. It returns the number
// delivered.
func (s *Service) dispatchAll(ctx context.Context, cmds []Command) int {
	byDevice := make(map[string][]int)
	var order []string
	for i := range cmds {
		id := cmds[i].DeviceID
		if _, ok := byDevice[id]; !ok {
			order = append(order, id)
		}
		byDevice[id] = append(byDevice[id], i)
	}

	delivered := make([]bool, len(cmds))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.DispatchConcurrency)

	for _, id := range order {
		indexes := byDevice[id]
		g.Go(func() error {
			for _, i := range indexes {
				ok, err := s.dispatcher.Dispatch(gctx, &cmds[i])
				if err != nil {
					s.logger.Error("dispatch failed", "command_id", cmds[i].ID, "error", err)
				}
				delivered[i] = ok
				if !ok {
					// Keep per-device order: later commands wait for the sweep.
					return nil
				}
			}
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // tasks never return errors

	n := 0
	for _, ok := range delivered {
		if ok {
			n++
		}
	}
	return n
}

// GetCommand returns a command by ID.
func (s *Service) GetCommand(ctx context.Context, id string) (*Command, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns a page of commands matching filter.
func (s *Service) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if err := filter.Normalize(); err != nil {
		return nil, err
	}
	return s.repo.List(ctx, filter)
}

// PendingCount returns the number of PENDING commands.
func (s *Service) PendingCount(ctx context.Context) (int, error) {
	return s.repo.CountByStatus(ctx, StatusPending)
}

// NewID returns a new command ID.
func NewID() string {
	return "cmd-" + uuid.NewString()
}

func copyParameters(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
