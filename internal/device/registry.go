package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
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

// Registry provides device lookups with an in-memory cache in front of the
// Repository. Writes go to the repository first and update the cache only
// on success.
//
// All public methods are thread-safe.
type Registry struct {
	repo    Repository
	cache   map[string]*Device
	cacheMu sync.RWMutex
	logger  Logger
	now     func() time.Time
}

// NewRegistry creates a new device registry.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:   repo,
		cache:  make(map[string]*Device),
		logger: noopLogger{},
		now:    time.Now,
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RefreshCache reloads all devices from the repository into the cache.
func (r *Registry) RefreshCache(ctx context.Context) error {
	devices, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	r.cache = make(map[string]*Device, len(devices))
	for i := range devices {
		r.cache[devices[i].ID] = devices[i].DeepCopy()
	}

	r.logger.Info("device cache refreshed", "count", len(devices))
	return nil
}

// GetDevice retrieves a device by ID. The returned device is a deep copy.
func (r *Registry) GetDevice(ctx context.Context, id string) (*Device, error) {
	r.cacheMu.RLock()
	cached, ok := r.cache[id]
	r.cacheMu.RUnlock()
	if ok {
		return cached.DeepCopy(), nil
	}

	d, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	r.cache[id] = d.DeepCopy()
	r.cacheMu.Unlock()

	return d, nil
}

// ListDevices retrieves all devices from the repository.
func (r *Registry) ListDevices(ctx context.Context) ([]Device, error) {
	return r.repo.List(ctx)
}

// CreateDevice validates and persists a new device. A missing ID or status
// is filled in.
func (r *Registry) CreateDevice(ctx context.Context, d *Device) error {
	if d.ID == "" {
		d.ID = NewID()
	}
	if d.Status == "" {
		d.Status = StatusEnrolled
	}
	if d.Platform == "" {
		d.Platform = PlatformAndroid
	}

	if err := ValidateDevice(d); err != nil {
		return err
	}
	if err := r.repo.Create(ctx, d); err != nil {
		return err
	}

	r.cacheMu.Lock()
	r.cache[d.ID] = d.DeepCopy()
	r.cacheMu.Unlock()

	r.logger.Info("device enrolled", "id", d.ID, "name", d.Name)
	return nil
}

// SetStatus changes a device's enrollment status.
func (r *Registry) SetStatus(ctx context.Context, id string, status Status) error {
	if !ValidStatus(status) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if err := r.repo.UpdateStatus(ctx, id, status); err != nil {
		return err
	}
	r.mutateCached(id, func(d *Device) { d.Status = status })
	r.logger.Info("device status changed", "id", id, "status", status)
	return nil
}

// ResolveEligible looks up each id and returns the devices that exist and
// accept commands, in input order with duplicates removed. Unknown and
// ineligible ids are counted in skipped. Only repository failures are errors.
func (r *Registry) ResolveEligible(ctx context.Context, ids []string) (eligible []Device, skipped int, err error) {
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		d, err := r.GetDevice(ctx, id)
		if err != nil {
			if errors.Is(err, ErrDeviceNotFound) {
				skipped++
				continue
			}
			return nil, 0, fmt.Errorf("resolving device %s: %w", id, err)
		}
		if !d.Status.AcceptsCommands() {
			skipped++
			continue
		}
		eligible = append(eligible, *d)
	}
	return eligible, skipped, nil
}

// MarkConnected records that the device opened a command channel.
func (r *Registry) MarkConnected(ctx context.Context, id string) error {
	at := r.now().UTC()
	if err := r.repo.SetConnection(ctx, id, true, at); err != nil {
		return err
	}
	r.mutateCached(id, func(d *Device) {
		d.Connected = true
		d.LastSeen = &at
		if d.Status == StatusEnrolled {
			d.Status = StatusActive
		}
	})
	r.logger.Debug("device connected", "id", id)
	return nil
}

// MarkDisconnected records that the device's command channel closed.
// Enrollment status is unchanged.
func (r *Registry) MarkDisconnected(ctx context.Context, id string) error {
	at := r.now().UTC()
	if err := r.repo.SetConnection(ctx, id, false, at); err != nil {
		return err
	}
	r.mutateCached(id, func(d *Device) {
		d.Connected = false
		d.LastSeen = &at
	})
	r.logger.Debug("device disconnected", "id", id)
	return nil
}

// Heartbeat refreshes the device's last-seen time.
func (r *Registry) Heartbeat(ctx context.Context, id string) error {
	at := r.now().UTC()
	if err := r.repo.Touch(ctx, id, at); err != nil {
		return err
	}
	r.mutateCached(id, func(d *Device) { d.LastSeen = &at })
	return nil
}

// ApplyTelemetry writes reported telemetry to the device record.
func (r *Registry) ApplyTelemetry(ctx context.Context, id string, t Telemetry) error {
	if t.Empty() {
		return nil
	}
	if t.ReportedAt.IsZero() {
		t.ReportedAt = r.now().UTC()
	}
	if err := r.repo.UpdateTelemetry(ctx, id, t); err != nil {
		return err
	}

	// Reload rather than replay the merge rules against the cached copy.
	d, err := r.repo.GetByID(ctx, id)
	if err != nil {
		r.invalidate(id)
		return nil
	}
	r.cacheMu.Lock()
	r.cache[id] = d
	r.cacheMu.Unlock()

	r.logger.Debug("device telemetry updated", "id", id, "has_location", t.Location != nil)
	return nil
}

// GetStats summarises the cached devices.
func (r *Registry) GetStats() Stats {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	stats := Stats{
		Total:    len(r.cache),
		ByStatus: make(map[Status]int),
	}
	for _, d := range r.cache {
		stats.ByStatus[d.Status]++
		if d.Connected {
			stats.Connected++
		}
	}
	return stats
}

func (r *Registry) mutateCached(id string, fn func(d *Device)) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	if d, ok := r.cache[id]; ok {
		fn(d)
	}
}

func (r *Registry) invalidate(id string) {
	r.cacheMu.Lock()
	delete(r.cache, id)
	r.cacheMu.Unlock()
}
