// Fleet Core - remote command dispatch for managed mobile devices.
//
// This is the main entry point. It wires the command pipeline to its
// stores, the device gateway (WebSocket, optionally MQTT), the operator
// REST API and the observability sinks, then runs until SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/fleetcore/internal/api"
	"github.com/nerrad567/fleetcore/internal/audit"
	"github.com/nerrad567/fleetcore/internal/command"
	"github.com/nerrad567/fleetcore/internal/device"
	"github.com/nerrad567/fleetcore/internal/gateway"
	"github.com/nerrad567/fleetcore/internal/infrastructure/config"
	"github.com/nerrad567/fleetcore/internal/infrastructure/database"
	"github.com/nerrad567/fleetcore/internal/infrastructure/influxdb"
	"github.com/nerrad567/fleetcore/internal/infrastructure/logging"
	"github.com/nerrad567/fleetcore/internal/infrastructure/metrics"
	"github.com/nerrad567/fleetcore/internal/infrastructure/mqtt"
	"github.com/nerrad567/fleetcore/internal/telemetry"
	"github.com/nerrad567/fleetcore/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// gaugeTimeout bounds the database read behind the pending gauge.
const gaugeTimeout = 2 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // linear wiring of every component
	log := logging.Default()
	log.Info("starting Fleet Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	// Stores
	events := audit.NewSQLiteRepository(db.DB)
	devices := device.NewRegistry(device.NewSQLiteRepository(db.DB))
	devices.SetLogger(log.Component("device"))
	if refreshErr := devices.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading device registry: %w", refreshErr)
	}
	log.Info("device registry initialised", "devices", devices.GetStats().Total)

	// Observability sinks
	var prom *metrics.Metrics
	if cfg.Metrics.Enabled {
		prom = metrics.New()
	}

	var points telemetry.PointWriter
	influxClient, err := influxdb.Connect(cfg.InfluxDB)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
	case err != nil:
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	default:
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		points = influxClient
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	}

	// MQTT (optional): update fan-out and the MQTT device transport
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.Component("mqtt"))
		mqttClient.SetOnConnect(func() { log.Info("MQTT reconnected") })
		mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	// Background loops share one group; they all stop on ctx.
	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	bg, bgCtx := errgroup.WithContext(bgCtx)

	hub := api.NewHub(cfg.WebSocket, log.Component("dashboard"))
	bg.Go(func() error { hub.Run(bgCtx); return nil })

	notifiers := command.MultiNotifier{telemetry.CountingNotifier(prom, "dashboard", hub)}
	var updates *gateway.UpdatePublisher
	if mqttClient != nil {
		updates = gateway.NewUpdatePublisher(mqttClient, 0, log.Component("updates"))
		notifiers = append(notifiers, telemetry.CountingNotifier(prom, "mqtt", updates))
		bg.Go(func() error { updates.Run(bgCtx); return nil })
	}

	// Command pipeline
	svc, err := command.NewService(command.Deps{
		Repo:     command.NewSQLiteRepository(db.DB, events),
		Devices:  devices,
		Events:   events,
		Notifier: notifiers,
		Observer: telemetry.NewObserver(prom, points),
		Logger:   log.Component("command"),
		Config: command.Config{
			UnreachableTimeout:  cfg.Commands.UnreachableTimeout,
			SweepBatchSize:      cfg.Commands.SweepBatchSize,
			DispatchConcurrency: cfg.Commands.DispatchConcurrency,
		},
	})
	if err != nil {
		return fmt.Errorf("creating command service: %w", err)
	}

	sweeper := command.NewSweeper(svc, cfg.Commands.SweepInterval)
	bg.Go(func() error { sweeper.Run(bgCtx); return nil })
	log.Info("queue sweeper started",
		"interval", cfg.Commands.SweepInterval,
		"unreachable_timeout", cfg.Commands.UnreachableTimeout,
	)

	// Device gateway
	router := gateway.NewRouter(svc, gateway.RouterConfig{
		IdleTimeout: cfg.Gateway.WorkerIdleTimeout,
		Logger:      log.Component("gateway"),
	})
	wsGateway := gateway.NewWSGateway(router, gateway.WSConfig{
		SendBuffer:     cfg.Gateway.SendBuffer,
		MaxMessageSize: int64(cfg.WebSocket.MaxMessageSize),
		PingInterval:   time.Duration(cfg.WebSocket.PingInterval) * time.Second,
		PongTimeout:    time.Duration(cfg.WebSocket.PongTimeout) * time.Second,
		RequireToken:   cfg.Gateway.RequireDeviceToken,
		TokenSecret:    cfg.Security.JWT.Secret,
	}, log.Component("gateway.ws"))

	var mqttTransport *gateway.MQTTTransport
	if cfg.Gateway.MQTTDevices && mqttClient != nil {
		mqttTransport = gateway.NewMQTTTransport(mqttClient, router, gateway.MQTTConfig{
			QoS:          byte(cfg.MQTT.QoS), //nolint:gosec // validated to 0..2
			RequireToken: cfg.Gateway.RequireDeviceToken,
			TokenSecret:  cfg.Security.JWT.Secret,
		}, log.Component("gateway.mqtt"))
		if startErr := mqttTransport.Start(); startErr != nil {
			return fmt.Errorf("starting MQTT device transport: %w", startErr)
		}
		log.Info("MQTT device transport started")
	}

	if prom != nil {
		registerGauges(prom, svc, wsGateway, mqttTransport, updates)
	}

	// Operator API
	health := map[string]api.HealthChecker{"database": db}
	if mqttClient != nil {
		health["mqtt"] = mqttClient
	}
	if influxClient != nil {
		health["influxdb"] = influxClient
	}
	if checkErr := healthCheck(ctx, health); checkErr != nil {
		return fmt.Errorf("health check failed: %w", checkErr)
	}
	log.Info("all health checks passed")

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}

	server, err := api.New(api.Deps{
		Config:        cfg.API,
		WS:            cfg.WebSocket,
		Security:      cfg.Security,
		Logger:        log.Component("api"),
		Commands:      svc,
		Sweeper:       sweeper,
		Devices:       devices,
		Events:        events,
		Hub:           hub,
		DeviceGateway: wsGateway,
		GatewayPath:   cfg.Gateway.WebSocketPath,
		Metrics:       prom,
		MetricsPath:   metricsPath,
		Health:        health,
		Version:       version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}

	log.Info("initialisation complete, waiting for shutdown signal",
		"api", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		"gateway_path", cfg.Gateway.WebSocketPath,
	)

	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Stop intake first, then sessions, then the loops that feed them.
	if closeErr := server.Close(); closeErr != nil {
		log.Error("error closing API server", "error", closeErr)
	}
	wsGateway.Close()
	if mqttTransport != nil {
		if stopErr := mqttTransport.Stop(); stopErr != nil {
			log.Error("error stopping MQTT device transport", "error", stopErr)
		}
	}
	router.Close()

	stopBackground()
	if waitErr := bg.Wait(); waitErr != nil {
		log.Error("background loop error", "error", waitErr)
	}

	// Deferred Close() calls run in reverse order: MQTT, InfluxDB, database.
	log.Info("Fleet Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses FLEETCORE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("FLEETCORE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies every infrastructure connection, in name order,
// and returns the first failure.
func healthCheck(ctx context.Context, checks map[string]api.HealthChecker) error {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := checks[name].HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// registerGauges exposes queue and connection state read at scrape time.
func registerGauges(m *metrics.Metrics, svc *command.Service, ws *gateway.WSGateway, mt *gateway.MQTTTransport, updates *gateway.UpdatePublisher) {
	m.RegisterGauge("commands_pending", "Commands waiting for delivery.", func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), gaugeTimeout)
		defer cancel()
		n, err := svc.PendingCount(ctx)
		if err != nil {
			return -1
		}
		return float64(n)
	})
	m.RegisterGauge("connected_devices", "Devices with a live command channel.", func() float64 {
		return float64(svc.Connections().Count())
	})
	m.RegisterGauge("gateway_ws_sessions", "Open device WebSocket sessions.", func() float64 {
		return float64(ws.SessionCount())
	})
	if mt != nil {
		m.RegisterGauge("gateway_mqtt_channels", "Devices identified over MQTT.", func() float64 {
			return float64(mt.ChannelCount())
		})
	}
	if updates != nil {
		m.RegisterGauge("updates_dropped", "commandUpdate messages dropped before MQTT publish.", func() float64 {
			return float64(updates.Dropped())
		})
	}
}
