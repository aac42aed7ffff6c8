package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/fleetcore/internal/command"
)

// fakeService records every call in arrival order.
type fakeService struct {
	mu    sync.Mutex
	calls []string

	known     map[string]bool
	resultErr error
	channels  map[string]command.Channel

	// onConnect runs inside DeviceConnected, after registration.
	onConnect func(ch command.Channel)
	// delay is slept inside each call to widen race windows.
	delay time.Duration
}

func newFakeService(known ...string) *fakeService {
	f := &fakeService{known: make(map[string]bool), channels: make(map[string]command.Channel)}
	for _, id := range known {
		f.known[id] = true
	}
	return f
}

func (f *fakeService) record(call string) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeService) DeviceConnected(_ context.Context, deviceID string, ch command.Channel) error {
	f.record("connect:" + deviceID)
	if !f.known[deviceID] {
		return command.ErrUnknownDevice
	}
	f.mu.Lock()
	f.channels[deviceID] = ch
	hook := f.onConnect
	f.mu.Unlock()
	if hook != nil {
		hook(ch)
	}
	return nil
}

func (f *fakeService) DeviceDisconnected(_ context.Context, ch command.Channel) {
	f.record("disconnect:" + ch.DeviceID())
	f.mu.Lock()
	if f.channels[ch.DeviceID()] == ch {
		delete(f.channels, ch.DeviceID())
	}
	f.mu.Unlock()
}

func (f *fakeService) Heartbeat(_ context.Context, deviceID string) {
	f.record("heartbeat:" + deviceID)
}

func (f *fakeService) ReportResult(_ context.Context, deviceID, commandID string, r command.Result) (*command.Command, error) {
	f.record("result:" + deviceID + ":" + commandID)
	if f.resultErr != nil {
		return nil, f.resultErr
	}
	status := command.StatusExecuted
	if !r.Success {
		status = command.StatusFailed
	}
	return &command.Command{ID: commandID, DeviceID: deviceID, Status: status}, nil
}

func (f *fakeService) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeService) channel(deviceID string) command.Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels[deviceID]
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func contains(calls []string, want string) bool {
	for _, c := range calls {
		if c == want {
			return true
		}
	}
	return false
}
