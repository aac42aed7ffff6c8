package command

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/fleetcore/internal/audit"
)

func newStoredCommand(t *testing.T, env *testEnv, deviceID string, at time.Time) *Command {
	t.Helper()
	cmd := &Command{
		ID:         NewID(),
		DeviceID:   deviceID,
		Type:       TypeInstallApp,
		Parameters: map[string]any{"packageName": "com.example.app", "version": 3.0},
		Status:     StatusPending,
		Priority:   PriorityHigh,
		CreatedBy:  "admin",
		CreatedAt:  at,
		UpdatedAt:  at,
	}
	if err := env.repo.Create(context.Background(), cmd); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return cmd
}

func TestSQLiteRepository_CreateAndGet(t *testing.T) {
	env := newTestEnv(t)
	env.enroll(t, "dev-1")
	cmd := newStoredCommand(t, env, "dev-1", testEpoch)

	got, err := env.repo.GetByID(context.Background(), cmd.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Type != TypeInstallApp || got.Priority != PriorityHigh || got.CreatedBy != "admin" {
		t.Errorf("GetByID() = %+v", got)
	}
	if got.Parameters["packageName"] != "com.example.app" || got.Parameters["version"] != 3.0 {
		t.Errorf("Parameters = %v", got.Parameters)
	}
	if !got.CreatedAt.Equal(testEpoch) || got.Result != nil || got.SentAt != nil {
		t.Errorf("timestamps/result = %v %v %v", got.CreatedAt, got.Result, got.SentAt)
	}

	if got := env.eventTypes(t, cmd.ID); !equalEvents(got, []audit.EventType{audit.EventCommandCreated}) {
		t.Errorf("events = %v", got)
	}

	if _, err := env.repo.GetByID(context.Background(), "cmd-missing"); !errors.Is(err, ErrCommandNotFound) {
		t.Errorf("GetByID(missing) error = %v", err)
	}
}

func TestSQLiteRepository_CreateUnknownDevice(t *testing.T) {
	env := newTestEnv(t)
	cmd := &Command{ID: NewID(), DeviceID: "ghost", Type: TypeLockDevice, Status: StatusPending,
		Priority: PriorityNormal, CreatedAt: testEpoch, UpdatedAt: testEpoch}

	if err := env.repo.Create(context.Background(), cmd); err == nil {
		t.Fatal("Create() for unknown device should fail")
	}
	res, _ := env.events.List(context.Background(), audit.Filter{CommandID: cmd.ID})
	if res.Total != 0 {
		t.Error("CREATED event written for a failed insert")
	}
}

func TestSQLiteRepository_Transition(t *testing.T) {
	env := newTestEnv(t)
	env.enroll(t, "dev-1", "dev-2")
	ctx := context.Background()
	at := testEpoch.Add(time.Minute)

	tests := []struct {
		name    string
		setup   func(id string)
		tr      Transition
		wantErr error
		check   func(t *testing.T, c *Command)
	}{
		{
			name: "pending to sent",
			tr:   Transition{From: []Status{StatusPending}, To: StatusSent, At: at, Event: audit.EventCommandSent},
			check: func(t *testing.T, c *Command) {
				if c.Status != StatusSent || c.SentAt == nil || !c.SentAt.Equal(at) || !c.UpdatedAt.Equal(at) {
					t.Errorf("after SENT: %+v", c)
				}
			},
		},
		{
			name:    "wrong source status",
			tr:      Transition{From: []Status{StatusSent}, To: StatusExecuted, At: at, Result: &Result{Success: true}},
			wantErr: ErrConflict,
		},
		{
			name:    "wrong device",
			tr:      Transition{From: []Status{StatusPending}, To: StatusSent, At: at, DeviceID: "dev-2"},
			wantErr: ErrDeviceMismatch,
		},
		{
			name:    "edge not in state machine",
			tr:      Transition{From: []Status{StatusPending}, To: StatusExecuted, At: at, Result: &Result{Success: true}},
			wantErr: ErrConflict,
		},
		{
			name: "failed with result",
			tr: Transition{From: []Status{StatusPending}, To: StatusFailed, At: at,
				Result: &Result{Success: false, Message: "boom"}, Event: audit.EventCommandFailed},
			check: func(t *testing.T, c *Command) {
				if c.Status != StatusFailed || c.Result == nil || c.Result.Message != "boom" || c.CompletedAt == nil {
					t.Errorf("after FAILED: %+v", c)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newStoredCommand(t, env, "dev-1", testEpoch)
			got, err := env.repo.Transition(ctx, cmd.ID, tt.tr)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Transition() error = %v, want %v", err, tt.wantErr)
				}
				if stored, _ := env.repo.GetByID(ctx, cmd.ID); stored.Status != StatusPending {
					t.Errorf("failed transition changed status to %s", stored.Status)
				}
				return
			}
			if err != nil {
				t.Fatalf("Transition() error = %v", err)
			}
			tt.check(t, got)

			events := env.eventTypes(t, cmd.ID)
			if tt.tr.Event != "" && events[len(events)-1] != tt.tr.Event {
				t.Errorf("events = %v, want trailing %s", events, tt.tr.Event)
			}
		})
	}

	if _, err := env.repo.Transition(ctx, "cmd-missing", Transition{
		From: []Status{StatusPending}, To: StatusCancelled, At: at,
	}); !errors.Is(err, ErrCommandNotFound) {
		t.Errorf("Transition(missing) error = %v", err)
	}
}

func TestSQLiteRepository_TransitionRace(t *testing.T) {
	env := newTestEnv(t)
	env.enroll(t, "dev-1")
	cmd := newStoredCommand(t, env, "dev-1", testEpoch)
	ctx := context.Background()

	// A sweeper timeout and a cancel race on one record; exactly one wins.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	transitions := []Transition{
		{From: []Status{StatusPending}, To: StatusFailed, At: testEpoch,
			Result: &Result{Message: TimeoutMessage}, Event: audit.EventCommandFailed},
		{From: []Status{StatusPending}, To: StatusCancelled, At: testEpoch, Event: audit.EventCommandCancelled},
	}
	for i, tr := range transitions {
		wg.Add(1)
		go func(i int, tr Transition) {
			defer wg.Done()
			_, errs[i] = env.repo.Transition(ctx, cmd.ID, tr)
		}(i, tr)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case !errors.Is(err, ErrConflict):
			t.Errorf("unexpected error %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("winners = %d, want exactly 1", wins)
	}
	if n := len(env.eventTypes(t, cmd.ID)); n != 2 {
		t.Errorf("events = %d, want CREATED plus one transition", n)
	}
}

func TestSQLiteRepository_ListPending(t *testing.T) {
	env := newTestEnv(t)
	env.enroll(t, "dev-1", "dev-2")
	ctx := context.Background()

	c1 := newStoredCommand(t, env, "dev-2", testEpoch)
	c2 := newStoredCommand(t, env, "dev-1", testEpoch.Add(time.Second))
	deferred := &Command{ID: NewID(), DeviceID: "dev-1", Type: TypeLockDevice, Status: StatusPending,
		Priority: PriorityNormal, CreatedAt: testEpoch, UpdatedAt: testEpoch}
	later := testEpoch.Add(time.Hour)
	deferred.ExecuteAt = &later
	if err := env.repo.Create(ctx, deferred); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	pending, err := env.repo.ListPending(ctx, testEpoch.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("ListPending() error = %v", err)
	}
	if len(pending) != 2 || pending[0].ID != c1.ID || pending[1].ID != c2.ID {
		t.Errorf("ListPending() = %v, want [c1 c2]", ids(pending))
	}

	limited, _ := env.repo.ListPending(ctx, testEpoch.Add(2*time.Hour), 1)
	if len(limited) != 1 || limited[0].ID != c1.ID {
		t.Errorf("ListPending(limit 1) = %v", ids(limited))
	}

	byDevice, _ := env.repo.ListPendingByDevice(ctx, "dev-1", testEpoch.Add(2*time.Hour))
	if len(byDevice) != 2 || byDevice[0].ID != deferred.ID {
		t.Errorf("ListPendingByDevice() = %v, want deferred first once due", ids(byDevice))
	}

	n, err := env.repo.CountByStatus(ctx, StatusPending)
	if err != nil || n != 3 {
		t.Errorf("CountByStatus(PENDING) = %d, %v", n, err)
	}
}

func TestSQLiteRepository_BulkTransition(t *testing.T) {
	env := newTestEnv(t)
	env.enroll(t, "dev-1")
	ctx := context.Background()

	a := newStoredCommand(t, env, "dev-1", testEpoch)
	b := newStoredCommand(t, env, "dev-1", testEpoch)
	if _, err := env.repo.Transition(ctx, b.ID, Transition{From: []Status{StatusPending}, To: StatusSent, At: testEpoch}); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}

	changed, err := env.repo.BulkTransition(ctx, []string{a.ID, b.ID, "cmd-missing"}, Transition{
		From: []Status{StatusPending}, To: StatusCancelled, At: testEpoch, Event: audit.EventCommandCancelled,
	})
	if err != nil {
		t.Fatalf("BulkTransition() error = %v", err)
	}
	if len(changed) != 1 || changed[0].ID != a.ID || changed[0].Status != StatusCancelled {
		t.Errorf("changed = %+v", changed)
	}

	empty, err := env.repo.BulkTransition(ctx, nil, Transition{From: []Status{StatusPending}, To: StatusCancelled})
	if err != nil || len(empty) != 0 {
		t.Errorf("BulkTransition(nil) = %v, %v", empty, err)
	}
}

func ids(cmds []Command) []string {
	out := make([]string, len(cmds))
	for i, c := range cmds {
		out[i] = c.ID
	}
	return out
}

func TestSQLiteRepository_ListBefore(t *testing.T) {
	env := newTestEnv(t)
	env.enroll(t, "dev-1")
	ctx := context.Background()

	// Two rows share a timestamp so the id tie-break is exercised.
	older := newStoredCommand(t, env, "dev-1", testEpoch)
	a := newStoredCommand(t, env, "dev-1", testEpoch.Add(time.Minute))
	b := newStoredCommand(t, env, "dev-1", testEpoch.Add(time.Minute))

	first, err := env.repo.ListBefore(ctx, Filter{}, nil, 2)
	if err != nil {
		t.Fatalf("ListBefore() error = %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("first page = %v, want 2 rows", ids(first))
	}
	for _, cmd := range first {
		if cmd.ID == older.ID {
			t.Fatalf("first page = %v, oldest row should come last", ids(first))
		}
	}

	// A row inserted between pages must not shift the next page.
	newStoredCommand(t, env, "dev-1", testEpoch.Add(time.Hour))

	last := first[len(first)-1]
	next, err := env.repo.ListBefore(ctx, Filter{}, &Cursor{CreatedAt: last.CreatedAt, ID: last.ID}, 2)
	if err != nil {
		t.Fatalf("ListBefore() error = %v", err)
	}
	if len(next) != 1 || next[0].ID != older.ID {
		t.Errorf("next page = %v, want [%s]", ids(next), older.ID)
	}

	seen := map[string]bool{}
	for _, cmd := range append(first, next...) {
		if seen[cmd.ID] {
			t.Errorf("row %s returned twice", cmd.ID)
		}
		seen[cmd.ID] = true
	}
	if !seen[a.ID] || !seen[b.ID] {
		t.Errorf("pages %v missed a same-timestamp row", seen)
	}
}
