package main

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/parklink-core/internal/api"
	"github.com/nerrad567/parklink-core/internal/bridges/gate"
	"github.com/nerrad567/parklink-core/internal/bridges/sensor"
	"github.com/nerrad567/parklink-core/internal/catalog"
	"github.com/nerrad567/parklink-core/internal/infrastructure/config"
	"github.com/nerrad567/parklink-core/internal/infrastructure/database"
	"github.com/nerrad567/parklink-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/parklink-core/internal/infrastructure/logging"
	"github.com/nerrad567/parklink-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/parklink-core/internal/notify"
	"github.com/nerrad567/parklink-core/internal/status"
	"github.com/nerrad567/parklink-core/migrations"
)

// run is the daemon, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - configPath: YAML configuration file
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, configPath string) error { //nolint:gocognit,gocyclo // linear startup sequence
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting parklink", "version", version, "commit", commit, "build_date", date)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	defer log.Sync() //nolint:errcheck // Best-effort flush on exit
	log.Info("configuration loaded", "path", configPath, "site", cfg.Site.ID)

	db, repo, err := openCatalog(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	checks := map[string]api.HealthChecker{"database": db}

	// MQTT is optional; without it notifications reach WebSocket clients only.
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT, cfg.Site.ID)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		mqttClient.SetLogger(log.Named("mqtt"))
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		checks["mqtt"] = mqttClient
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		checks["influxdb"] = influxClient
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	hub := api.NewHub(cfg.WebSocket, log.Named("ws"))

	notifyOpts := []notify.Option{
		notify.WithBroadcaster(hub),
		notify.WithLogger(log.Named("notify")),
	}
	if mqttClient != nil {
		notifyOpts = append(notifyOpts,
			notify.WithMQTT(mqttClient, mqttClient.Topics().Scoped, byte(cfg.MQTT.QoS))) //nolint:gosec // validated 0..2
	}
	notifier := notify.New(notifyOpts...)

	statusOpts := []status.Option{status.WithLogger(log.Named("status"))}
	if influxClient != nil {
		statusOpts = append(statusOpts, status.WithRecorder(influxClient))
	}
	synchronizer := status.New(repo, notifier, statusOpts...)
	if err := synchronizer.Seed(ctx); err != nil {
		return err
	}
	log.Info("device status seeded", "endpoints", len(synchronizer.Snapshot()))

	sensorBridge, gateBridge, err := newBridges(cfg, repo, synchronizer, notifier, influxClient, log)
	if err != nil {
		return err
	}

	var connections []api.ConnectionSource
	if sensorBridge != nil {
		connections = append(connections, sensorBridge.Registry())
	}
	if gateBridge != nil {
		connections = append(connections, gateBridge.Registry())
	}

	server, err := api.New(api.Deps{
		Config:      cfg.API,
		WS:          cfg.WebSocket,
		Logger:      log.Named("api"),
		Status:      synchronizer,
		Connections: connections,
		Checks:      checks,
		Hub:         hub,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	if mqttClient != nil {
		router := &commandRouter{
			ctx:     ctx,
			topics:  mqttClient.Topics(),
			catalog: repo,
			logger:  log.Named("commands"),
		}
		if sensorBridge != nil {
			router.sensor = sensorBridge
		}
		if gateBridge != nil {
			router.gate = gateBridge
		}
		if err := router.subscribe(mqttClient, byte(cfg.MQTT.QoS)); err != nil { //nolint:gosec // validated 0..2
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.Start(gctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		<-gctx.Done()
		return server.Close()
	})

	if sensorBridge != nil {
		g.Go(func() error {
			if err := sensorBridge.Start(gctx); err != nil {
				return fmt.Errorf("starting sensor bridge: %w", err)
			}
			log.Info("sensor bridge started", "poll_interval", cfg.Devices.Sensor.PollInterval)
			<-gctx.Done()
			log.Info("stopping sensor bridge")
			sensorBridge.Stop()
			return nil
		})
	}

	if gateBridge != nil {
		g.Go(func() error {
			if err := gateBridge.Start(gctx); err != nil {
				return fmt.Errorf("starting gate bridge: %w", err)
			}
			log.Info("gate bridge started", "idle_timeout", cfg.Devices.Gate.IdleTimeout())
			<-gctx.Done()
			log.Info("stopping gate bridge")
			gateBridge.Stop()
			return nil
		})
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info("parklink stopped")
	return nil
}

// openCatalog opens and migrates the device catalog database.
func openCatalog(ctx context.Context, cfg config.DatabaseConfig, log *logging.Logger) (*database.DB, *catalog.SQLiteRepository, error) {
	db, err := database.Open(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}

	applied, err := db.Migrate(ctx, migrations.FS)
	if err != nil {
		db.Close() //nolint:errcheck // Already failing
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database ready", "path", db.Path(), "migrations_applied", applied)

	return db, catalog.NewSQLiteRepository(db.DB), nil
}

// newBridges creates the enabled protocol bridges. A disabled protocol
// yields a nil bridge.
func newBridges(
	cfg *config.Config,
	repo *catalog.SQLiteRepository,
	synchronizer *status.Synchronizer,
	notifier *notify.Notifier,
	influxClient *influxdb.Client,
	log *logging.Logger,
) (*sensor.Bridge, *gate.Bridge, error) {
	var (
		sensorBridge *sensor.Bridge
		gateBridge   *gate.Bridge
		err          error
	)

	if cfg.Devices.Sensor.Enabled {
		opts := sensor.Options{
			Config:  cfg.Devices.Sensor,
			Status:  synchronizer,
			Events:  notifier,
			Catalog: repo,
			Logger:  log.Named("sensor"),
		}
		if influxClient != nil {
			opts.Recorder = influxClient
		}
		sensorBridge, err = sensor.New(opts)
		if err != nil {
			return nil, nil, fmt.Errorf("creating sensor bridge: %w", err)
		}
	} else {
		log.Info("sensor bridge disabled")
	}

	if cfg.Devices.Gate.Enabled {
		opts := gate.Options{
			Config:  cfg.Devices.Gate,
			Status:  synchronizer,
			Events:  notifier,
			Store:   repo,
			Catalog: repo,
			Logger:  log.Named("gate"),
		}
		if influxClient != nil {
			opts.Recorder = influxClient
		}
		gateBridge, err = gate.New(opts)
		if err != nil {
			return nil, nil, fmt.Errorf("creating gate bridge: %w", err)
		}
	} else {
		log.Info("gate bridge disabled")
	}

	return sensorBridge, gateBridge, nil
}
