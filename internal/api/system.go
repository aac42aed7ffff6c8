package api

import (
	"context"
	"net/http"
	"runtime"
	"sort"
	"time"
)

// healthCheckTimeout bounds each component check in /health.
const healthCheckTimeout = 2 * time.Second

// SystemMetrics is the JSON snapshot served at /system/metrics.
type SystemMetrics struct {
	Timestamp     string         `json:"timestamp"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Runtime       RuntimeMetrics `json:"runtime"`
	Dashboard     WSMetrics      `json:"dashboard"`
	Devices       DeviceMetrics  `json:"devices"`
	Commands      CommandMetrics `json:"commands"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains dashboard hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// DeviceMetrics contains device registry statistics.
type DeviceMetrics struct {
	Total     int            `json:"total"`
	Connected int            `json:"connected"`
	Channels  int            `json:"channels"`
	ByStatus  map[string]int `json:"by_status"`
}

// CommandMetrics contains queue statistics.
type CommandMetrics struct {
	Pending int `json:"pending"`
}

// handleHealth reports ok when every registered component passes its check.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.health))
	for name := range s.health {
		names = append(names, name)
	}
	sort.Strings(names)

	status := "ok"
	components := make(map[string]string, len(names))
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := s.health[name].HealthCheck(ctx)
		cancel()
		if err != nil {
			components[name] = err.Error()
			status = "degraded"
			continue
		}
		components[name] = "ok"
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"version":    s.version,
		"components": components,
	})
}

// handleSystemMetrics returns a JSON snapshot of runtime and fleet state.
func (s *Server) handleSystemMetrics(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	pending, err := s.commands.PendingCount(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	regStats := s.devices.GetStats()
	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		Dashboard: WSMetrics{ConnectedClients: s.hub.ClientCount()},
		Devices: DeviceMetrics{
			Total:     regStats.Total,
			Connected: regStats.Connected,
			Channels:  s.commands.Connections().Count(),
			ByStatus:  make(map[string]int, len(regStats.ByStatus)),
		},
		Commands: CommandMetrics{Pending: pending},
	}
	for st, count := range regStats.ByStatus {
		metrics.Devices.ByStatus[string(st)] = count
	}

	writeJSON(w, http.StatusOK, metrics)
}
