package command

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/fleetcore/internal/audit"
	"github.com/nerrad567/fleetcore/internal/device"
)

func TestNewService_RequiredDeps(t *testing.T) {
	if _, err := NewService(Deps{}); err == nil {
		t.Error("NewService() without repository should fail")
	}
}

// A connected device receives its command immediately.
func TestCreateCommands_ConnectedDeviceIsSentImmediately(t *testing.T) {
	env := newTestEnv(t)
	env.enroll(t, "dev-1")
	ch := env.connect(t, "dev-1")

	res, err := env.svc.CreateCommands(context.Background(), CreateRequest{
		DeviceIDs: []string{"dev-1"},
		Type:      TypeLockDevice,
	})
	if err != nil {
		t.Fatalf("CreateCommands() error = %v", err)
	}
	if res.Dispatched != 1 || len(res.Commands) != 1 {
		t.Fatalf("result = %+v, want 1 dispatched", res)
	}

	cmd := env.get(t, res.Commands[0].ID)
	if cmd.Status != StatusSent || cmd.SentAt == nil {
		t.Errorf("Status = %s SentAt = %v, want SENT with sent_at", cmd.Status, cmd.SentAt)
	}
	if res.Commands[0].Status != StatusSent {
		t.Errorf("returned record status = %s, want SENT", res.Commands[0].Status)
	}

	msgs := ch.messages()
	if len(msgs) != 1 || msgs[0].CommandID != cmd.ID || msgs[0].Type != TypeLockDevice {
		t.Errorf("pushed messages = %+v", msgs)
	}

	want := []audit.EventType{audit.EventCommandCreated, audit.EventCommandSent}
	if got := env.eventTypes(t, cmd.ID); !equalEvents(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestCreateCommands_PartialDevices(t *testing.T) {
	env := newTestEnv(t)
	env.enroll(t, "dev-1", "dev-2", "dev-3")
	if err := env.devices.SetStatus(context.Background(), "dev-3", device.StatusRetired); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}

	res, err := env.svc.CreateCommands(context.Background(), CreateRequest{
		DeviceIDs: []string{"dev-1", "missing", "dev-2", "dev-3"},
		Type:      TypeRebootDevice,
	})
	if err != nil {
		t.Fatalf("CreateCommands() error = %v", err)
	}

	if res.DevicesRequested != 4 || res.DevicesFound != 2 || res.Skipped != 2 {
		t.Errorf("counts = requested %d found %d skipped %d, want 4/2/2",
			res.DevicesRequested, res.DevicesFound, res.Skipped)
	}
	if res.Dispatched != 0 {
		t.Errorf("Dispatched = %d for offline devices, want 0", res.Dispatched)
	}
	for _, cmd := range res.Commands {
		if cmd.Status != StatusPending || cmd.Priority != PriorityNormal {
			t.Errorf("command %s = %s/%s, want PENDING/NORMAL", cmd.ID, cmd.Status, cmd.Priority)
		}
		if got := env.eventTypes(t, cmd.ID); !equalEvents(got, []audit.EventType{audit.EventCommandCreated}) {
			t.Errorf("events for %s = %v, want one CREATED", cmd.ID, got)
		}
	}
}

func TestCreateCommands_Rejections(t *testing.T) {
	env := newTestEnv(t)
	env.enroll(t, "dev-1")
	retired := "dev-r"
	env.enroll(t, retired)
	if err := env.devices.SetStatus(context.Background(), retired, device.StatusRetired); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}

	tests := []struct {
		name    string
		req     CreateRequest
		wantErr error
	}{
		{"install without package", CreateRequest{DeviceIDs: []string{"dev-1"}, Type: TypeInstallApp}, ErrInvalidParameters},
		{"no devices", CreateRequest{Type: TypeLockDevice}, ErrNoDevices},
		{"unknown type", CreateRequest{DeviceIDs: []string{"dev-1"}, Type: "FORMAT_C"}, ErrInvalidType},
		{"no valid devices", CreateRequest{DeviceIDs: []string{"missing", retired}, Type: TypeLockDevice}, ErrNoValidDevices},
		{"bad priority", CreateRequest{DeviceIDs: []string{"dev-1"}, Type: TypeLockDevice, Priority: "ASAP"}, ErrInvalidPriority},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.CreateCommands(context.Background(), tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("CreateCommands() error = %v, want %v", err, tt.wantErr)
			}
			if !IsValidation(err) {
				t.Errorf("IsValidation(%v) = false", err)
			}
		})
	}

	list, err := env.svc.List(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if list.Total != 0 {
		t.Errorf("rejected requests created %d records", list.Total)
	}
}

func TestCreateCommands_DeferredIsNotDispatched(t *testing.T) {
	env := newTestEnv(t)
	env.enroll(t, "dev-1")
	ch := env.connect(t, "dev-1")

	later := env.clock.Now().Add(time.Hour)
	res, err := env.svc.CreateCommands(context.Background(), CreateRequest{
		DeviceIDs: []string{"dev-1"},
		Type:      TypeSyncSettings,
		ExecuteAt: &later,
	})
	if err != nil {
		t.Fatalf("CreateCommands() error = %v", err)
	}
	if res.Dispatched != 0 || len(ch.messages()) != 0 {
		t.Fatalf("deferred command dispatched: %+v", res)
	}

	sweeper := NewSweeper(env.svc, time.Second)
	env.clock.Advance(30 * time.Minute)
	if _, err := sweeper.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if got := env.get(t, res.Commands[0].ID).Status; got != StatusPending {
		t.Errorf("Status before execute_at = %s, want PENDING", got)
	}

	env.clock.Advance(31 * time.Minute)
	report, err := sweeper.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if report.Delivered != 1 {
		t.Errorf("report = %+v, want 1 delivered", report)
	}
	if got := env.get(t, res.Commands[0].ID).Status; got != StatusSent {
		t.Errorf("Status after execute_at = %s, want SENT", got)
	}
}

func TestCreateCommands_SlowDeviceDoesNotBlockOthers(t *testing.T) {
	env := newTestEnv(t)
	env.enroll(t, "slow", "fast")

	slow := newMockChannel("slow")
	slow.block = make(chan struct{})
	env.svc.Connections().Register(slow)
	fast := newMockChannel("fast")
	env.svc.Connections().Register(fast)

	done := make(chan *CreateResult)
	go func() {
		res, err := env.svc.CreateCommands(context.Background(), CreateRequest{
			DeviceIDs: []string{"slow", "fast"},
			Type:      TypeRingDevice,
		})
		if err != nil {
			t.Errorf("CreateCommands() error = %v", err)
		}
		done <- res
	}()

	deadline := time.After(2 * time.Second)
	for len(fast.messages()) == 0 {
		select {
		case <-deadline:
			t.Fatal("fast device not served while slow device blocked")
		case <-time.After(5 * time.Millisecond):
		}
	}

	close(slow.block)
	res := <-done
	if res == nil || res.Dispatched != 2 {
		t.Errorf("result = %+v, want 2 dispatched", res)
	}
}

func TestDeviceConnected_FlushesBacklogInOrder(t *testing.T) {
	env := newTestEnv(t)
	env.enroll(t, "dev-1")

	var ids []string
	for _, ct := range []Type{TypeLockDevice, TypeRingDevice, TypeRebootDevice} {
		cmds := env.create(t, ct, nil, "dev-1")
		ids = append(ids, cmds[0].ID)
		env.clock.Advance(time.Second)
	}

	ch := env.connect(t, "dev-1")

	msgs := ch.messages()
	if len(msgs) != 3 {
		t.Fatalf("flushed %d messages, want 3", len(msgs))
	}
	for i, msg := range msgs {
		if msg.CommandID != ids[i] {
			t.Errorf("message %d = %s, want %s", i, msg.CommandID, ids[i])
		}
		if got := env.get(t, ids[i]).Status; got != StatusSent {
			t.Errorf("command %d status = %s, want SENT", i, got)
		}
	}

	d, err := env.devices.GetDevice(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if !d.Connected || d.Status != device.StatusActive {
		t.Errorf("device after connect = connected %v status %s", d.Connected, d.Status)
	}
}

func TestDeviceConnected_StopsFlushAtFirstUndelivered(t *testing.T) {
	env := newTestEnv(t)
	env.enroll(t, "dev-1")
	first := env.create(t, TypeLockDevice, nil, "dev-1")[0]
	env.clock.Advance(time.Second)
	second := env.create(t, TypeRingDevice, nil, "dev-1")[0]

	ch := newMockChannel("dev-1")
	ch.sendErr = errors.New("buffer full")
	if err := env.svc.DeviceConnected(context.Background(), "dev-1", ch); err != nil {
		t.Fatalf("DeviceConnected() error = %v", err)
	}

	for _, id := range []string{first.ID, second.ID} {
		if got := env.get(t, id).Status; got != StatusPending {
			t.Errorf("command %s = %s, want PENDING", id, got)
		}
	}
}

func TestDeviceConnected_UnknownDevice(t *testing.T) {
	env := newTestEnv(t)

	err := env.svc.DeviceConnected(context.Background(), "ghost", newMockChannel("ghost"))
	if !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("DeviceConnected(unknown) error = %v, want ErrUnknownDevice", err)
	}
	if env.svc.Connections().Count() != 0 {
		t.Error("unknown device was registered")
	}
}

func TestDeviceConnected_DuplicateEvictsPrevious(t *testing.T) {
	env := newTestEnv(t)
	env.enroll(t, "dev-1")
	ctx := context.Background()

	old := env.connect(t, "dev-1")
	current := env.connect(t, "dev-1")

	if !old.isClosed() {
		t.Error("previous channel should be closed on duplicate identify")
	}

	// The evicted session's disconnect must not remove the new one.
	env.svc.DeviceDisconnected(ctx, old)
	if ch, ok := env.svc.Connections().Lookup("dev-1"); !ok || ch != current {
		t.Fatal("stale disconnect removed the current channel")
	}

	cmd := env.create(t, TypeLockDevice, nil, "dev-1")[0]
	if len(current.messages()) != 1 || len(old.messages()) != 0 {
		t.Errorf("message routing: current %d old %d", len(current.messages()), len(old.messages()))
	}
	if env.get(t, cmd.ID).Status != StatusSent {
		t.Error("command not sent through current channel")
	}

	env.svc.DeviceDisconnected(ctx, current)
	if env.svc.Connections().Count() != 0 {
		t.Error("current channel still registered after disconnect")
	}
	d, _ := env.devices.GetDevice(ctx, "dev-1")
	if d.Connected {
		t.Error("device still marked connected")
	}

	res, err := env.events.List(ctx, audit.Filter{DeviceID: "dev-1", Type: audit.EventDeviceDisconnected})
	if err != nil {
		t.Fatalf("events.List() error = %v", err)
	}
	if res.Total != 1 {
		t.Errorf("DEVICE_DISCONNECTED events = %d, want 1", res.Total)
	}
}

func TestService_Heartbeat(t *testing.T) {
	env := newTestEnv(t)
	env.enroll(t, "dev-1")
	ctx := context.Background()

	env.svc.Heartbeat(ctx, "dev-1")
	d, _ := env.devices.GetDevice(ctx, "dev-1")
	if d.LastSeen == nil {
		t.Error("heartbeat did not set last_seen")
	}

	// Unknown devices are logged, not fatal.
	env.svc.Heartbeat(ctx, "ghost")
}

func TestService_List(t *testing.T) {
	env := newTestEnv(t)
	env.enroll(t, "dev-1", "dev-2")
	for i := 0; i < 5; i++ {
		env.create(t, TypeLockDevice, nil, "dev-1")
		env.clock.Advance(time.Minute)
	}
	env.create(t, TypeRingDevice, nil, "dev-2")

	ctx := context.Background()
	page, err := env.svc.List(ctx, Filter{DeviceID: "dev-1", Limit: 2, Page: 2})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if page.Total != 5 || page.TotalPages != 3 || len(page.Commands) != 2 {
		t.Errorf("page = total %d pages %d len %d, want 5/3/2", page.Total, page.TotalPages, len(page.Commands))
	}

	all, _ := env.svc.List(ctx, Filter{})
	if all.Commands[0].DeviceID != "dev-2" {
		t.Error("List() should return newest first")
	}

	if _, err := env.svc.List(ctx, Filter{Status: "DONE"}); !errors.Is(err, ErrInvalidFilter) {
		t.Errorf("List(bad status) error = %v", err)
	}
}

func TestService_Export(t *testing.T) {
	env := newTestEnv(t)
	env.enroll(t, "dev-1", "dev-2")
	for i := 0; i < 7; i++ {
		env.create(t, TypeLockDevice, nil, "dev-1")
		env.clock.Advance(time.Second)
	}
	env.create(t, TypeRingDevice, nil, "dev-2")
	ctx := context.Background()

	all, err := env.svc.Export(ctx, Filter{DeviceID: "dev-1", Limit: 1, Page: 3}, 100)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if len(all) != 7 {
		t.Errorf("Export() returned %d rows, want 7 with paging ignored", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].CreatedAt.After(all[i-1].CreatedAt) {
			t.Fatalf("Export() not newest first at row %d", i)
		}
	}

	capped, err := env.svc.Export(ctx, Filter{}, 3)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if len(capped) != 3 || capped[0].DeviceID != "dev-2" {
		t.Errorf("capped export = %d rows first %s, want 3 starting with dev-2", len(capped), capped[0].DeviceID)
	}

	if _, err := env.svc.Export(ctx, Filter{Type: "FORMAT_C"}, 10); !errors.Is(err, ErrInvalidFilter) {
		t.Errorf("Export(bad type) error = %v", err)
	}
}
