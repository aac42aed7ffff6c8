package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/fleetcore/internal/audit"
	"github.com/nerrad567/fleetcore/internal/command"
	"github.com/nerrad567/fleetcore/internal/device"
	"github.com/nerrad567/fleetcore/internal/infrastructure/config"
	"github.com/nerrad567/fleetcore/internal/infrastructure/logging"
	"github.com/nerrad567/fleetcore/internal/infrastructure/metrics"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// HealthChecker is a component whose liveness is reported by /health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger

	Commands *command.Service
	Devices  *device.Registry
	Events   audit.Repository

	// Sweeper enables POST /commands/sweep. Optional.
	Sweeper *command.Sweeper

	// Hub receives commandUpdate broadcasts. When nil the server creates
	// its own, but then nothing feeds it; pass the hub wired as the
	// service's notifier.
	Hub *Hub

	// DeviceGateway is mounted at GatewayPath when both are set.
	DeviceGateway http.Handler
	GatewayPath   string

	// Metrics is exposed at MetricsPath when both are set.
	Metrics     *metrics.Metrics
	MetricsPath string

	// Health lists components checked by /health, by name.
	Health map[string]HealthChecker

	Version string
}

// Server is the HTTP API server for Fleet Core.
type Server struct {
	cfg      config.APIConfig
	wsCfg    config.WebSocketConfig
	secCfg   config.SecurityConfig
	logger   *logging.Logger
	commands *command.Service
	devices  *device.Registry
	events   audit.Repository
	sweeper  *command.Sweeper
	hub      *Hub
	ownHub   bool

	deviceGateway http.Handler
	gatewayPath   string
	metrics       *metrics.Metrics
	metricsPath   string
	health        map[string]HealthChecker

	version   string
	startedAt time.Time
	server    *http.Server
	cancel    context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Commands == nil {
		return nil, fmt.Errorf("command service is required")
	}
	if deps.Devices == nil {
		return nil, fmt.Errorf("device registry is required")
	}
	if deps.Events == nil {
		return nil, fmt.Errorf("event repository is required")
	}
	if deps.Security.JWT.Secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}

	s := &Server{
		cfg:           deps.Config,
		wsCfg:         deps.WS,
		secCfg:        deps.Security,
		logger:        deps.Logger,
		commands:      deps.Commands,
		devices:       deps.Devices,
		events:        deps.Events,
		sweeper:       deps.Sweeper,
		hub:           deps.Hub,
		deviceGateway: deps.DeviceGateway,
		gatewayPath:   deps.GatewayPath,
		metrics:       deps.Metrics,
		metricsPath:   deps.MetricsPath,
		health:        deps.Health,
		version:       deps.Version,
		startedAt:     time.Now(),
	}
	if s.hub == nil {
		s.hub = NewHub(deps.WS, deps.Logger)
		s.ownHub = true
	}
	return s, nil
}

// Handler returns the fully wired router. Start serves it; tests use it
// directly with httptest.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections in a background goroutine.
// The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if s.ownHub {
		go s.hub.Run(srvCtx)
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server, waiting up to 10 seconds for
// in-flight requests.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
