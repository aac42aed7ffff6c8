package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/fleetcore/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	if s.metrics != nil && s.metricsPath != "" {
		r.Method(http.MethodGet, s.metricsPath, s.metrics.Handler())
	}
	if s.deviceGateway != nil && s.gatewayPath != "" {
		r.Method(http.MethodGet, s.gatewayPath, s.deviceGateway)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Dashboard socket authenticates from the query string.
		r.Get("/ws", s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Route("/commands", func(r chi.Router) {
				r.With(s.requirePermission(auth.PermCommandRead)).Get("/", s.handleListCommands)
				r.With(s.requirePermission(auth.PermCommandIssue)).Post("/", s.handleCreateCommands)
				r.With(s.requirePermission(auth.PermCommandRead)).Get("/stats", s.handleCommandStats)
				r.With(s.requirePermission(auth.PermCommandRead)).Get("/export", s.handleExportCommands)
				r.With(s.requirePermission(auth.PermCommandManage)).Post("/bulk", s.handleBulkCommands)
				r.With(s.requirePermission(auth.PermCommandManage)).Post("/sweep", s.handleSweep)

				r.Route("/{id}", func(r chi.Router) {
					r.With(s.requirePermission(auth.PermCommandRead)).Get("/", s.handleGetCommand)
					r.With(s.requirePermission(auth.PermCommandManage)).Post("/cancel", s.handleCancelCommand)
					r.With(s.requirePermission(auth.PermCommandManage)).Post("/result", s.handleReportResult)
				})
			})

			r.Route("/devices", func(r chi.Router) {
				r.With(s.requirePermission(auth.PermDeviceRead)).Get("/", s.handleListDevices)
				r.With(s.requirePermission(auth.PermDeviceEnroll)).Post("/", s.handleCreateDevice)
				r.With(s.requirePermission(auth.PermDeviceRead)).Get("/stats", s.handleDeviceStats)

				r.Route("/{id}", func(r chi.Router) {
					r.With(s.requirePermission(auth.PermDeviceRead)).Get("/", s.handleGetDevice)
					r.With(s.requirePermission(auth.PermDeviceRead)).Get("/events", s.handleListDeviceEvents)
					r.With(s.requirePermission(auth.PermCommandRead)).Get("/commands", s.handleListDeviceCommands)
					r.With(s.requirePermission(auth.PermDeviceEnroll)).Post("/token", s.handleIssueDeviceToken)
				})
			})

			r.With(s.requirePermission(auth.PermCommandRead)).Get("/system/metrics", s.handleSystemMetrics)
		})
	})

	return r
}
