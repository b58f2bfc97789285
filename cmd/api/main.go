package main

import (
	"context"
	"encoding/json"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ahrav/catalog-ingest/internal/api"
	appingest "github.com/ahrav/catalog-ingest/internal/app/ingestion"
	"github.com/ahrav/catalog-ingest/internal/config/fileloader"
	"github.com/ahrav/catalog-ingest/internal/domain/ingestion"
	"github.com/ahrav/catalog-ingest/internal/infra/eventbus/kafka"
	ingestStore "github.com/ahrav/catalog-ingest/internal/infra/storage/ingestion/postgres"
	"github.com/ahrav/catalog-ingest/internal/infra/stepper"
	"github.com/ahrav/catalog-ingest/pkg/common/logger"
	"github.com/ahrav/catalog-ingest/pkg/common/otel"
)

const serviceType = "ingest-api"

func main() {
	// Set the correct number of threads for the service
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		stdlog.Fatalf("failed to get hostname: %v", err)
	}

	var log *logger.Logger

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}

			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n",
				r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("INGEST-API-%s", hostname)
	metadata := map[string]string{
		"service":   svcName,
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"app":       serviceType,
	}

	log = logger.NewWithMetadata(os.Stdout, logger.LevelInfo, svcName, traceIDFn, logEvents, metadata)

	ctx := context.Background()

	if err := run(ctx, log, hostname); err != nil {
		log.Error(ctx, "startup", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *logger.Logger, hostname string) error {
	// -------------------------------------------------------------------------
	// GOMAXPROCS
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0))

	// -------------------------------------------------------------------------
	// Configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := fileloader.NewFileLoader(configPath).Load(ctx)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// -------------------------------------------------------------------------
	// Start Tracing Support
	var tracer trace.Tracer
	if cfg.Telemetry.Enabled {
		log.Info(ctx, "startup", "status", "initializing tracing support")

		excluded := make(map[string]struct{})
		for _, route := range strings.Split(cfg.Telemetry.ExcludedURLs, ",") {
			if route = strings.TrimSpace(route); route != "" {
				excluded[route] = struct{}{}
			}
		}

		traceProvider, teardown, err := otel.InitTelemetry(log, otel.Config{
			ServiceName:      serviceType,
			ExporterEndpoint: cfg.Telemetry.Host,
			ExcludedRoutes:   excluded,
			Probability:      cfg.Telemetry.Probability,
			ResourceAttributes: map[string]string{
				"library.language": "go",
				"k8s.pod.name":     os.Getenv("POD_NAME"),
				"k8s.namespace":    os.Getenv("POD_NAMESPACE"),
				"k8s.container.id": hostname,
			},
			InsecureExporter: true,
		})
		if err != nil {
			return fmt.Errorf("starting tracing: %w", err)
		}
		defer teardown(ctx)

		tracer = traceProvider.Tracer(serviceType)
	} else {
		tracer = noop.NewTracerProvider().Tracer(serviceType)
	}

	// -------------------------------------------------------------------------
	// Database Support
	log.Info(ctx, "startup", "status", "initializing database support")

	poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.DSN())
	if err != nil {
		return fmt.Errorf("parsing db config: %w", err)
	}
	poolCfg.MaxConns = cfg.Postgres.MaxConns
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("creating db pool: %w", err)
	}
	defer pool.Close()

	if err := runMigrations(pool); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	// -------------------------------------------------------------------------
	// Delta Publisher
	var publisher ingestion.DeltaPublisher
	if cfg.Kafka.Enabled {
		log.Info(ctx, "startup", "status", "connecting delta publisher",
			"brokers", cfg.Kafka.Brokers)

		kafkaPublisher, err := kafka.ConnectWithRetry(&kafka.Config{
			Brokers:  cfg.Kafka.Brokers,
			ClientID: cfg.Kafka.ClientID,
		}, log, tracer)
		if err != nil {
			return fmt.Errorf("connecting delta publisher: %w", err)
		}
		defer kafkaPublisher.Close()
		publisher = kafkaPublisher
	} else {
		// Delta requests will fail with publish-unavailable until enabled.
		publisher = kafka.NewDeltaPublisher(nil, log, tracer)
	}

	// -------------------------------------------------------------------------
	// Ingestion Services
	log.Info(ctx, "startup", "status", "initializing ingestion services")

	records := ingestStore.NewRecordStore(pool, tracer)
	marks := ingestStore.NewMarkStore(pool, tracer)

	var step ingestion.Stepper
	if cfg.Ingestion.StepEndpoint != "" {
		var stepOpts []stepper.StepperOption
		if cfg.Ingestion.StepRateLimit > 0 {
			stepOpts = append(stepOpts, stepper.WithRateLimit(cfg.Ingestion.StepRateLimit, 1))
		}
		step = stepper.NewHTTPStepper(cfg.Ingestion.StepEndpoint, log, stepOpts...)
	} else {
		step = stepper.Exhausted()
	}

	controller := appingest.NewController(records, marks, step, appingest.ControllerConfig{
		RestPeriod:     cfg.Ingestion.RestPeriod,
		CancelCooldown: cfg.Ingestion.CancelCooldown,
		StepInterval:   cfg.Ingestion.StepInterval,
	}, log, tracer)

	health := appingest.NewHealthMonitor(records, log, tracer)
	cleanup := appingest.NewCleanupService(records, marks, cfg.Ingestion.CancelCooldown, log, tracer,
		appingest.WithMarkRetention(cfg.Ingestion.MarkRetention))

	// -------------------------------------------------------------------------
	// Start API Service
	log.Info(ctx, "startup", "status", "initializing API support")

	metrics, err := api.NewAPIMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("creating metrics collector: %w", err)
	}

	server := api.NewServer(
		cfg.API.Addr(),
		log,
		tracer,
		controller,
		health,
		cleanup,
		publisher,
		metrics,
		func(ctx context.Context) error { return pool.Ping(ctx) },
	)

	serverCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return server.Start(serverCtx)
}

// runMigrations uses golang-migrate to apply all up migrations from
// db/migrations before the service starts serving.
func runMigrations(pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create pgx driver: %w", err)
	}

	migrationsPath := os.Getenv("MIGRATIONS_PATH")
	if migrationsPath == "" {
		migrationsPath = "file://db/migrations"
	}

	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up failed: %w", err)
	}

	return nil
}
