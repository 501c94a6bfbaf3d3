// Package main is the entry point for the recordflow server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/recordflow/internal/config"
	"github.com/pitabwire/recordflow/internal/definition"
	"github.com/pitabwire/recordflow/internal/forms"
	"github.com/pitabwire/recordflow/internal/observability"
	"github.com/pitabwire/recordflow/internal/storage"
	"github.com/pitabwire/recordflow/internal/transport"
	"github.com/pitabwire/recordflow/internal/uploads"
	"github.com/pitabwire/recordflow/internal/workflow"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "recordflow", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	metrics := observability.InitMetrics(registry)

	readiness := observability.ReadinessChecks{}

	// Step 4: Open persistence.
	st, err := buildStores(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}
	if st.pool != nil {
		readiness["database"] = storage.PoolChecker{Pool: st.pool}
	}

	// Step 5: Build the notifier and blob store.
	notifier, notifierCloser := buildNotifier(cfg.Notify, logger)
	if hc, ok := notifier.(observability.HealthChecker); ok {
		readiness["notifier"] = hc
	}

	blobs, baseURL, err := buildBlobStore(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Error("blob store initialization failed", zap.Error(err))
		return 1
	}
	readiness["blob_store"] = blobs

	// Step 6: Build services.
	engine := workflow.NewEngine(st.definitions, st.instances, notifier, logger, metrics)
	definitions := definition.NewService(st.definitions, st.forms, st.instances, logger, metrics)
	formService := forms.NewService(st.forms, engine, st.definitions, logger, metrics)
	uploadService := uploads.NewService(blobs, st.media, baseURL, logger, metrics)

	// Step 7: Seed workflow definitions from disk.
	seeds, err := definition.NewLoader().LoadAll(cfg.Definitions.Directories)
	if err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}
	seeded, err := definitions.Seed(ctx, seeds)
	if err != nil {
		logger.Error("definition seeding failed", zap.Error(err))
		return 1
	}

	// Step 8: Build HTTP router.
	var jwks *transport.JWKSClient
	if cfg.Identity.JWKSURL != "" {
		jwks = transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)
	}
	auth, err := transport.NewAuthenticator(cfg.Identity, jwks)
	if err != nil {
		logger.Error("authenticator initialization failed", zap.Error(err))
		return 1
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Authenticate: auth.Middleware,
		Definitions:  definitions,
		Engine:       engine,
		Forms:        formService,
		Uploads:      uploadService,
		Metrics:      metrics,
		Gatherer:     registry,
		Readiness:    readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 9: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("database", cfg.Database.Driver),
		zap.String("storage", cfg.Storage.Driver),
		zap.Int("definitions_seeded", seeded),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		exitCode = 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Close stores.
	if st.pool != nil {
		st.pool.Close()
	}
	if notifierCloser != nil {
		if err := notifierCloser(); err != nil {
			logger.Warn("notifier close error", zap.Error(err))
		}
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return exitCode
}

// stores bundles the persistence layer for one database driver.
type stores struct {
	pool        *pgxpool.Pool
	definitions definition.Store
	instances   workflow.InstanceStore
	forms       forms.Store
	media       uploads.MediaStore
}

// buildStores opens the configured database driver. The postgres driver
// applies pending migrations first when cfg.Migrate is set.
func buildStores(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (stores, error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Warn("using in-memory stores; data is lost on restart")
		return stores{
			definitions: definition.NewMemoryStore(),
			instances:   workflow.NewMemoryStore(),
			forms:       forms.NewMemoryStore(),
			media:       uploads.NewMemoryMediaStore(),
		}, nil
	case "postgres":
		if cfg.Migrate {
			if err := storage.Migrate(cfg.DSN); err != nil {
				return stores{}, err
			}
			logger.Info("database migrations applied")
		}
		pool, err := storage.Open(ctx, cfg)
		if err != nil {
			return stores{}, err
		}
		return stores{
			pool:        pool,
			definitions: definition.NewPgStore(pool),
			instances:   workflow.NewPgStore(pool),
			forms:       forms.NewPgStore(pool),
			media:       uploads.NewPgMediaStore(pool),
		}, nil
	default:
		return stores{}, fmt.Errorf("unsupported database driver: %q", cfg.Driver)
	}
}

// buildNotifier returns the step event notifier and an optional closer.
func buildNotifier(cfg config.NotifyConfig, logger *zap.Logger) (workflow.Notifier, func() error) {
	switch cfg.Driver {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
			DB:   cfg.RedisDB,
		})
		logger.Info("publishing step events to redis",
			zap.String("addr", cfg.RedisAddr),
			zap.String("channel", cfg.Channel),
		)
		publisher := workflow.NewRedisNotifier(client, cfg.Channel)
		return workflow.NewBreakerNotifier(publisher, cfg.BreakerFailures, cfg.BreakerCooldown, logger), client.Close
	default:
		return workflow.NewLogNotifier(logger), nil
	}
}

// buildBlobStore returns the upload blob store and the public base URL of
// stored objects.
func buildBlobStore(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (uploads.BlobStore, string, error) {
	switch cfg.Driver {
	case "s3":
		store, err := uploads.NewS3Store(ctx, cfg)
		if err != nil {
			return nil, "", err
		}
		return store, uploads.PublicBaseURL(cfg), nil
	default:
		logger.Warn("using in-memory blob store; uploads are lost on restart")
		return uploads.NewMemoryBlobStore(), "/files/" + cfg.Bucket, nil
	}
}
