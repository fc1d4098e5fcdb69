package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	factoryengine "github.com/factoryops/factory-engine"
	"github.com/factoryops/factory-engine/internal/alerting"
	"github.com/factoryops/factory-engine/internal/api"
	"github.com/factoryops/factory-engine/internal/cache"
	"github.com/factoryops/factory-engine/internal/config"
	"github.com/factoryops/factory-engine/internal/database"
	"github.com/factoryops/factory-engine/internal/identity"
	"github.com/factoryops/factory-engine/internal/ingest"
	"github.com/factoryops/factory-engine/internal/metrics"
	"github.com/factoryops/factory-engine/internal/mqttclient"
	"github.com/factoryops/factory-engine/internal/queue"
	"github.com/factoryops/factory-engine/internal/timeseries"
)

// version, commit, and buildTime are injected at build time via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	// CLI flags
	var overrides config.Overrides
	var showVersion bool
	flag.StringVar(&overrides.EnvFile, "env-file", "", "Path to .env file (default: .env)")
	flag.StringVar(&overrides.HTTPAddr, "listen", "", "HTTP listen address (overrides HTTP_ADDR)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
	flag.StringVar(&overrides.DatabaseURL, "database-url", "", "PostgreSQL connection URL (overrides DATABASE_URL)")
	flag.StringVar(&overrides.MQTTBrokerURL, "mqtt-url", "", "MQTT broker URL (overrides MQTT_BROKER_URL)")
	flag.StringVar(&overrides.RedisURL, "redis-url", "", "Redis URL (overrides REDIS_URL)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s (commit=%s, built=%s)\n", version, commit, buildTime)
		os.Exit(0)
	}

	startTime := time.Now()

	// Config (loads .env automatically, then env vars, then CLI overrides)
	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("invalid config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", buildTime).
		Str("log_level", level.String()).
		Msg("factory-engine starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	dbLog := log.With().Str("component", "database").Logger()
	db, err := database.Connect(ctx, cfg.DatabaseURL, database.PoolOptions{
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	}, dbLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	// Auto-apply schema on fresh database (no-op if tables already exist)
	if err := db.InitSchema(ctx, factoryengine.SchemaSQL); err != nil {
		log.Fatal().Err(err).Msg("schema initialization failed")
	}

	// Shared cache
	cacheLog := log.With().Str("component", "cache").Logger()
	shared, err := cache.Connect(ctx, cfg.RedisURL, cacheLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer shared.Close()

	// Identity resolver (C1)
	resolver := identity.NewResolver(db, shared, cfg.AutoCreateDevices, log)

	// Time-series writer (C3) with disk spool fallback
	sink := timeseries.NewInfluxSink(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket)
	defer sink.Close()
	spool, err := timeseries.NewSpool(cfg.SpoolDir, cfg.SpoolMaxBytes, sink, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize time-series spool")
	}
	spool.StartDrainer(ctx)
	defer spool.StopDrainer()

	tsWriter := timeseries.NewWriter(sink, spool, timeseries.Options{
		BatchSize:     cfg.TSBatchSize,
		FlushInterval: cfg.TSFlushInterval,
		MaxRetries:    cfg.TSMaxRetries,
	}, log)

	// Work queues (C7)
	broker := queue.NewBroker(shared.Client(), queue.Options{
		MaxRetries:        cfg.QueueMaxRetries,
		VisibilityTimeout: cfg.VisibilityTimeout,
		PendingLimit:      int64(cfg.IngestQueueDepth),
	}, log)

	// Alerting worker (C6) and notification hand-off
	alertWorker := alerting.NewWorker(db, broker, log)
	alertWorker.Start(ctx)
	notifConsumer := alerting.NewNotificationConsumer(db, alerting.LogNotifier{Log: log}, broker, log)
	notifConsumer.Start(ctx)

	// Invalidation fan-in: CRUD events clear identity entries and rule caches.
	shared.SubscribeInvalidations(ctx, func(message string) {
		resolver.HandleInvalidation(message)
		alertWorker.HandleInvalidation(message)
	})

	// Last-seen tracker with debounced writes
	lastSeen := ingest.NewLastSeenTracker(db, shared, cfg.LastSeenDebounce, log)
	lastSeen.Start(ctx)

	// Ingest coordinator (C4)
	pipeline := ingest.NewPipeline(ingest.PipelineOptions{
		Identity:         resolver,
		Discovery:        ingest.NewDiscovery(resolver, db, log),
		TimeSeries:       tsWriter,
		Queues:           broker,
		LastSeen:         lastSeen,
		Workers:          cfg.IngestWorkers,
		QueueDepth:       cfg.IngestQueueDepth,
		RetryMax:         cfg.IngestRetryMax,
		RuleDispatchWait: cfg.RuleDispatchWait,
		DeadLetterFile:   cfg.DeadLetterFile,
		Log:              log,
	})
	pipeline.Start()

	// Scrape-time gauges: db pool occupancy + identity cache footprint.
	prometheus.MustRegister(metrics.NewCollector(db.Pool, pipeline))

	// MQTT
	mqttLog := log.With().Str("component", "mqtt").Logger()
	mqtt, err := mqttclient.Connect(mqttclient.Options{
		BrokerURL: cfg.MQTTBrokerURL,
		ClientID:  cfg.MQTTClientID,
		Topic:     ingest.TopicPattern,
		QoS:       byte(cfg.MQTTQoS),
		Username:  cfg.MQTTUsername,
		Password:  cfg.MQTTPassword,
		Log:       mqttLog,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
	}
	mqtt.SetMessageHandler(pipeline.HandleMessage)
	log.Info().Str("broker", cfg.MQTTBrokerURL).Str("client_id", cfg.MQTTClientID).Msg("mqtt connected")

	// HTTP API
	server := api.NewServer(api.ServerOptions{
		Config:    cfg,
		DB:        db,
		Shared:    shared,
		MQTT:      mqtt,
		Version:   version,
		StartTime: startTime,
		Log:       log.With().Str("component", "api").Logger(),
	})
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			log.Error().Err(err).Msg("http server failed")
		}
	}

	// Shutdown order: stop intake, drain in-flight work, flush buffers,
	// stop consumers, then close the HTTP surface and pools.
	mqtt.StopIntake()
	pipeline.Stop(cfg.ShutdownGrace)
	lastSeen.Stop()
	tsWriter.Stop()
	broker.Stop()
	mqtt.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}

	log.Info().Msg("factory-engine stopped")
}
