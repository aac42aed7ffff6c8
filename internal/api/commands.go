package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/fleetcore/internal/command"
)

// bulkRequest is the body of POST /commands/bulk.
type bulkRequest struct {
	Operation  command.BulkOperation `json:"operation"`
	CommandIDs []string              `json:"command_ids"`
}

// resultRequest is the body of POST /commands/{id}/result, used by devices
// that report over HTTP instead of a live channel.
type resultRequest struct {
	DeviceID string         `json:"device_id"`
	Result   command.Result `json:"result"`
}

// handleCreateCommands issues one command per eligible device.
func (s *Server) handleCreateCommands(w http.ResponseWriter, r *http.Request) {
	var req command.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if claims := claimsFromContext(r.Context()); claims != nil {
		req.CreatedBy = claims.Subject
	}

	res, err := s.commands.CreateCommands(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// handleListCommands returns a page of commands, newest first.
//
// Query parameters:
//   - device_id, type, status: exact filters
//   - from, to: RFC 3339 bounds on created_at
//   - page, limit: paging (default 1 / 20, max limit 100)
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	filter, err := parseCommandFilter(r.URL.Query())
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	s.listCommands(w, r, filter)
}

// handleListDeviceCommands is handleListCommands scoped to one device.
func (s *Server) handleListDeviceCommands(w http.ResponseWriter, r *http.Request) {
	filter, err := parseCommandFilter(r.URL.Query())
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	filter.DeviceID = chi.URLParam(r, "id")
	s.listCommands(w, r, filter)
}

func (s *Server) listCommands(w http.ResponseWriter, r *http.Request, filter command.Filter) {
	res, err := s.commands.List(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleGetCommand returns a single command by ID.
func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := s.commands.GetCommand(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

// handleCancelCommand cancels a PENDING command. Any other status is a conflict.
func (s *Server) handleCancelCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := s.commands.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

// handleReportResult records a device outcome received over HTTP.
func (s *Server) handleReportResult(w http.ResponseWriter, r *http.Request) {
	var req resultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.DeviceID == "" {
		writeValidationError(w, "device_id is required")
		return
	}

	cmd, err := s.commands.ReportResult(r.Context(), req.DeviceID, chi.URLParam(r, "id"), req.Result)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

// handleBulkCommands cancels or retries a set of commands.
func (s *Server) handleBulkCommands(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	affected, err := s.commands.Bulk(r.Context(), req.Operation, req.CommandIDs)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"operation": req.Operation,
		"requested": len(req.CommandIDs),
		"affected":  affected,
	})
}

// handleCommandStats returns aggregates over a trailing window.
//
// Query parameters:
//   - device_id: restrict to one device
//   - days: window length (default 7)
func (s *Server) handleCommandStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	days, err := intParam(q, "days")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	stats, err := s.commands.Stats(r.Context(), command.StatsQuery{
		DeviceID: q.Get("device_id"),
		Days:     days,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleSweep runs one queue sweep immediately.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.sweeper == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "sweeper not configured")
		return
	}
	report, err := s.sweeper.RunOnce(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// parseCommandFilter reads list filters from the query string. Type and
// status values are validated by the service.
func parseCommandFilter(q url.Values) (command.Filter, error) {
	f := command.Filter{
		DeviceID: q.Get("device_id"),
		Type:     command.Type(q.Get("type")),
		Status:   command.Status(q.Get("status")),
	}

	var err error
	if f.From, err = timeParam(q, "from"); err != nil {
		return f, err
	}
	if f.To, err = timeParam(q, "to"); err != nil {
		return f, err
	}
	if f.Page, err = intParam(q, "page"); err != nil {
		return f, err
	}
	if f.Limit, err = intParam(q, "limit"); err != nil {
		return f, err
	}
	return f, nil
}

func intParam(q url.Values, key string) (int, error) {
	v := q.Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}

func timeParam(q url.Values, key string) (*time.Time, error) {
	v := q.Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("%s must be an RFC 3339 timestamp", key)
	}
	return &t, nil
}
