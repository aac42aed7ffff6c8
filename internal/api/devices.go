package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/fleetcore/internal/audit"
	"github.com/nerrad567/fleetcore/internal/auth"
	"github.com/nerrad567/fleetcore/internal/device"
)

// createDeviceRequest is the body of POST /devices.
type createDeviceRequest struct {
	ID           string          `json:"id,omitempty"`
	Name         string          `json:"name"`
	SerialNumber *string         `json:"serial_number,omitempty"`
	Platform     device.Platform `json:"platform,omitempty"`
	Model        *string         `json:"model,omitempty"`
	OSVersion    *string         `json:"os_version,omitempty"`
	Status       device.Status   `json:"status,omitempty"`
}

// deviceTokenRequest is the optional body of POST /devices/{id}/token.
type deviceTokenRequest struct {
	TTLHours int `json:"ttl_hours,omitempty"`
}

// handleListDevices returns all enrolled devices.
//
// Query parameters:
//   - status: filter by enrollment status
//   - connected: "true" or "false"
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.devices.ListDevices(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	q := r.URL.Query()
	status := device.Status(q.Get("status"))
	if status != "" && !device.ValidStatus(status) {
		writeBadRequest(w, "unknown status "+string(status))
		return
	}
	connected := q.Get("connected")

	filtered := make([]device.Device, 0, len(devices))
	for _, d := range devices {
		if status != "" && d.Status != status {
			continue
		}
		if connected != "" && (connected == "true") != d.Connected {
			continue
		}
		filtered = append(filtered, d)
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": filtered, "count": len(filtered)})
}

// handleGetDevice returns a single device by ID.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.devices.GetDevice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

// handleCreateDevice enrolls a new device.
func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req createDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	dev := &device.Device{
		ID:           req.ID,
		Name:         req.Name,
		SerialNumber: req.SerialNumber,
		Platform:     req.Platform,
		Model:        req.Model,
		OSVersion:    req.OSVersion,
		Status:       req.Status,
	}
	if err := s.devices.CreateDevice(r.Context(), dev); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, dev)
}

// handleDeviceStats returns registry counts.
func (s *Server) handleDeviceStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.devices.GetStats())
}

// handleListDeviceEvents returns the audit trail of one device.
//
// Query parameters:
//   - type: event type
//   - command_id: restrict to one command
//   - limit, offset: paging (default 50, max 200)
func (s *Server) handleListDeviceEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.devices.GetDevice(r.Context(), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	q := r.URL.Query()
	limit, err := intParam(q, "limit")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	offset, err := intParam(q, "offset")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	res, err := s.events.List(r.Context(), audit.Filter{
		DeviceID:  id,
		CommandID: q.Get("command_id"),
		Type:      audit.EventType(q.Get("type")),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleIssueDeviceToken mints the credential a device presents on identify.
func (s *Server) handleIssueDeviceToken(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	dev, err := s.devices.GetDevice(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if !dev.Status.AcceptsCommands() {
		writeError(w, http.StatusConflict, ErrCodeConflict, "device is "+string(dev.Status))
		return
	}

	var req deviceTokenRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeBadRequest(w, "invalid JSON body")
			return
		}
	}
	if req.TTLHours < 0 {
		writeValidationError(w, "ttl_hours must be positive")
		return
	}

	ttl := time.Duration(req.TTLHours) * time.Hour
	token, err := auth.GenerateDeviceToken(dev.ID, s.secCfg.JWT.Secret, ttl)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.logger.Info("device token issued", "device_id", dev.ID, "by", claimsFromContext(r.Context()).Subject)
	writeJSON(w, http.StatusCreated, map[string]any{
		"device_id": dev.ID,
		"token":     token,
	})
}
