package api

import (
	"net/http"
	"testing"

	"github.com/nerrad567/fleetcore/internal/audit"
	"github.com/nerrad567/fleetcore/internal/auth"
	"github.com/nerrad567/fleetcore/internal/command"
	"github.com/nerrad567/fleetcore/internal/device"
)

func TestDeviceEnrollAndRead(t *testing.T) {
	env := newTestEnv(t)

	var dev device.Device
	resp := env.do(t, auth.RoleAdmin, http.MethodPost, "/api/v1/devices",
		map[string]any{"id": "tablet-1", "name": "Front Desk", "platform": "ios"}, &dev)
	if resp.StatusCode != http.StatusCreated || dev.Status != device.StatusEnrolled {
		t.Fatalf("create = %d %+v", resp.StatusCode, dev)
	}

	if resp := env.do(t, auth.RoleAdmin, http.MethodPost, "/api/v1/devices",
		map[string]any{"id": "tablet-1", "name": "Dup"}, nil); resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", resp.StatusCode)
	}
	if resp := env.do(t, auth.RoleAdmin, http.MethodPost, "/api/v1/devices",
		map[string]any{"name": ""}, nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty name status = %d, want 400", resp.StatusCode)
	}

	var got device.Device
	resp = env.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/devices/tablet-1", nil, &got)
	if resp.StatusCode != http.StatusOK || got.Name != "Front Desk" {
		t.Errorf("get = %d %+v", resp.StatusCode, got)
	}
	if resp := env.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/devices/nope", nil, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing status = %d, want 404", resp.StatusCode)
	}

	var list struct {
		Count int `json:"count"`
	}
	env.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/devices?status=ENROLLED&connected=false", nil, &list)
	if list.Count != 1 {
		t.Errorf("filtered count = %d, want 1", list.Count)
	}
	env.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/devices?connected=true", nil, &list)
	if list.Count != 0 {
		t.Errorf("connected count = %d, want 0", list.Count)
	}

	var stats device.Stats
	env.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/devices/stats", nil, &stats)
	if stats.Total != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestDeviceEvents(t *testing.T) {
	env := newTestEnv(t)
	env.enroll(t, "dev-1")
	cmd := env.createCommand(t, command.TypeLockDevice, "dev-1").Commands[0]
	env.do(t, auth.RoleOperator, http.MethodPost, "/api/v1/commands/"+cmd.ID+"/cancel", nil, nil)

	var res audit.ListResult
	resp := env.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/devices/dev-1/events?command_id="+cmd.ID, nil, &res)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if res.Total != 2 || res.Events[0].Type != audit.EventCommandCancelled {
		t.Errorf("events = %+v", res)
	}

	if resp := env.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/devices/ghost/events", nil, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown device status = %d, want 404", resp.StatusCode)
	}
}

func TestIssueDeviceToken(t *testing.T) {
	env := newTestEnv(t)
	env.enroll(t, "dev-1")

	var out struct {
		DeviceID string `json:"device_id"`
		Token    string `json:"token"`
	}
	resp := env.do(t, auth.RoleAdmin, http.MethodPost, "/api/v1/devices/dev-1/token", map[string]any{"ttl_hours": 2}, &out)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if err := auth.VerifyDeviceToken(out.Token, testSecret, "dev-1"); err != nil {
		t.Errorf("VerifyDeviceToken() error = %v", err)
	}

	if err := env.devices.SetStatus(t.Context(), "dev-1", device.StatusRetired); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	if resp := env.do(t, auth.RoleAdmin, http.MethodPost, "/api/v1/devices/dev-1/token", nil, nil); resp.StatusCode != http.StatusConflict {
		t.Errorf("retired device status = %d, want 409", resp.StatusCode)
	}
	if resp := env.do(t, auth.RoleOperator, http.MethodPost, "/api/v1/devices/dev-1/token", nil, nil); resp.StatusCode != http.StatusForbidden {
		t.Errorf("operator status = %d, want 403", resp.StatusCode)
	}
}
