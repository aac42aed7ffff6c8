package command

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/fleetcore/internal/audit"
	"github.com/nerrad567/fleetcore/internal/device"
	"github.com/nerrad567/fleetcore/internal/infrastructure/database"
	"github.com/nerrad567/fleetcore/migrations"
)

var testEpoch = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: testEpoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// mockChannel records pushed messages.
type mockChannel struct {
	id string

	mu      sync.Mutex
	sent    []Message
	sendErr error
	closed  bool
	// block, when set, is waited on inside Send.
	block chan struct{}
}

func newMockChannel(id string) *mockChannel {
	return &mockChannel{id: id}
}

func (m *mockChannel) DeviceID() string { return m.id }

func (m *mockChannel) Send(ctx context.Context, msg Message) error {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	if m.closed {
		return errors.New("channel closed")
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockChannel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockChannel) messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *mockChannel) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// recordingNotifier captures commandUpdate notifications.
type recordingNotifier struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recordingNotifier) CommandUpdated(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recordingNotifier) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, len(r.updates))
	for i, u := range r.updates {
		out[i] = u.Status
	}
	return out
}

// testEnv wires a Service against an in-memory database.
type testEnv struct {
	db       *database.DB
	svc      *Service
	repo     *SQLiteRepository
	events   *audit.SQLiteRepository
	devices  *device.Registry
	clock    *fakeClock
	notifier *recordingNotifier
}

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.Open(database.Config{Path: database.MemoryPath})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		db.Close()
		t.Fatalf("failed to migrate test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := setupTestDB(t)
	events := audit.NewSQLiteRepository(db.DB)
	repo := NewSQLiteRepository(db.DB, events)
	devices := device.NewRegistry(device.NewSQLiteRepository(db.DB))
	clock := newFakeClock()
	notifier := &recordingNotifier{}

	svc, err := NewService(Deps{
		Repo:     repo,
		Devices:  devices,
		Events:   events,
		Notifier: notifier,
		Config:   Config{UnreachableTimeout: 5 * time.Minute, SweepBatchSize: 100, DispatchConcurrency: 4},
		Clock:    clock.Now,
	})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	return &testEnv{
		db:       db,
		svc:      svc,
		repo:     repo,
		events:   events,
		devices:  devices,
		clock:    clock,
		notifier: notifier,
	}
}

// enroll creates devices with the given ids in status ENROLLED.
func (e *testEnv) enroll(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := e.devices.CreateDevice(context.Background(), &device.Device{ID: id, Name: "Device " + id}); err != nil {
			t.Fatalf("CreateDevice(%s) error = %v", id, err)
		}
	}
}

// connect registers a mock channel for id through the service.
func (e *testEnv) connect(t *testing.T, id string) *mockChannel {
	t.Helper()
	ch := newMockChannel(id)
	if err := e.svc.DeviceConnected(context.Background(), id, ch); err != nil {
		t.Fatalf("DeviceConnected(%s) error = %v", id, err)
	}
	return ch
}

// create issues one command and returns the record for the first device.
func (e *testEnv) create(t *testing.T, cmdType Type, params map[string]any, ids ...string) []Command {
	t.Helper()
	res, err := e.svc.CreateCommands(context.Background(), CreateRequest{
		DeviceIDs:  ids,
		Type:       cmdType,
		Parameters: params,
	})
	if err != nil {
		t.Fatalf("CreateCommands() error = %v", err)
	}
	return res.Commands
}

func (e *testEnv) get(t *testing.T, id string) *Command {
	t.Helper()
	cmd, err := e.svc.GetCommand(context.Background(), id)
	if err != nil {
		t.Fatalf("GetCommand(%s) error = %v", id, err)
	}
	return cmd
}

func (e *testEnv) eventTypes(t *testing.T, commandID string) []audit.EventType {
	t.Helper()
	res, err := e.events.List(context.Background(), audit.Filter{CommandID: commandID, Limit: 200})
	if err != nil {
		t.Fatalf("events.List() error = %v", err)
	}
	// List is newest first; return oldest first.
	out := make([]audit.EventType, len(res.Events))
	for i, ev := range res.Events {
		out[len(res.Events)-1-i] = ev.Type
	}
	return out
}

func equalEvents(got, want []audit.EventType) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
