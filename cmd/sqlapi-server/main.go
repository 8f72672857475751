package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sqlapi/sqlapi/internal/api"
	"github.com/sqlapi/sqlapi/internal/auth"
	"github.com/sqlapi/sqlapi/internal/batch"
	"github.com/sqlapi/sqlapi/internal/config"
	"github.com/sqlapi/sqlapi/internal/jobstore"
	"github.com/sqlapi/sqlapi/internal/jobstore/objectstore"
	jobpostgres "github.com/sqlapi/sqlapi/internal/jobstore/postgres"
	"github.com/sqlapi/sqlapi/internal/jobstore/sqlite"
	"github.com/sqlapi/sqlapi/internal/migrations"
	"github.com/sqlapi/sqlapi/internal/observability"
	"github.com/sqlapi/sqlapi/internal/query"
	"github.com/sqlapi/sqlapi/internal/query/duckdb"
	"github.com/sqlapi/sqlapi/internal/query/postgres"
	"github.com/sqlapi/sqlapi/internal/requestlog"
	"github.com/sqlapi/sqlapi/internal/retention"
	s3store "github.com/sqlapi/sqlapi/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv("sqlapi-server")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	if err := run(cfg, logger); err != nil {
		logger.Error("sqlapi server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

type jobStore struct {
	jobstore.Store
	health func(ctx context.Context) error
	close  func() error
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.Observability.OTLPEndpoint, cfg.Service.Name)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	backendDB, engine, err := openBackend(ctx, cfg.Backend)
	if err != nil {
		return err
	}
	defer func() { _ = backendDB.Close() }()

	store, err := openJobStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.close() }()

	scheduler := batch.NewScheduler(engine, store, batch.Config{
		MaxConcurrentJobs:   cfg.Batch.MaxConcurrentJobs,
		MaxConcurrentLeaves: cfg.Batch.MaxConcurrentLeaves,
		StatementTimeout:    cfg.Backend.StatementTimeout,
	}, logger)

	purger := &retention.Service{
		Store: store,
		Config: retention.Config{
			Schedule: cfg.Batch.RetentionSchedule,
			TTL:      cfg.Batch.RetentionTTL,
		},
		Logger: logger,
	}

	deps := api.Dependencies{
		Logger: logger,
		Readiness: api.CombineReadinessChecks(
			api.CheckDatabase(backendDB.PingContext),
			api.CheckDatabase(store.health),
		),
		DependencyTimeout: time.Second,
		QueryEngine:       engine,
		Jobs:              scheduler,
		RequestLog:        requestlog.NewReporter(cfg.Observability.LogQueries),
		JobRateLimiter:    api.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		StatementTimeout:  cfg.Backend.StatementTimeout,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			return fmt.Errorf("parse static auth keys: %w", err)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      api.NewHandler(cfg, deps),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("starting sqlapi server",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("backend", cfg.Backend.Driver),
			slog.String("job_store", cfg.Batch.JobStore),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		return purger.Run(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down sqlapi server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			_ = server.Close()
			logger.Error("graceful shutdown failed", slog.Any("error", err))
		}

		drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.Batch.DrainTimeout)
		defer cancelDrain()
		if err := scheduler.Drain(drainCtx); err != nil {
			logger.Warn("batch drain cut short", slog.Any("error", err))
		}
		return nil
	})

	return group.Wait()
}

func openBackend(ctx context.Context, cfg config.BackendConfig) (*sql.DB, query.Engine, error) {
	switch cfg.Driver {
	case config.BackendPostgres:
		db, err := postgres.Open(ctx, postgres.DBConfig{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxIdleTime: cfg.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
		if err != nil {
			return nil, nil, err
		}
		return db, postgres.NewEngine(db, cfg.RowLimit), nil
	case config.BackendDuckDB:
		db, err := duckdb.Open(ctx, duckdb.Config{Path: cfg.DuckDBPath, Threads: cfg.DuckDBThreads})
		if err != nil {
			return nil, nil, err
		}
		return db, duckdb.NewEngine(db, cfg.RowLimit), nil
	default:
		return nil, nil, fmt.Errorf("unsupported backend driver %q", cfg.Driver)
	}
}

func openJobStore(ctx context.Context, cfg config.Config) (*jobStore, error) {
	noop := func() error { return nil }
	healthy := func(context.Context) error { return nil }

	switch cfg.Batch.JobStore {
	case config.JobStoreMemory:
		return &jobStore{Store: jobstore.NewMemory(), health: healthy, close: noop}, nil
	case config.JobStorePostgres:
		db, err := postgres.Open(ctx, postgres.DBConfig{
			DSN:             cfg.Batch.JobStoreDSN,
			MaxOpenConns:    cfg.Backend.MaxOpenConns,
			MaxIdleConns:    cfg.Backend.MaxIdleConns,
			ConnMaxIdleTime: cfg.Backend.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.Backend.ConnMaxLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("open job store: %w", err)
		}
		if _, err := migrations.NewRunner().Up(ctx, db, 0); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate job store: %w", err)
		}
		repo := jobpostgres.NewRepository(db)
		return &jobStore{Store: repo, health: repo.HealthCheck, close: db.Close}, nil
	case config.JobStoreSQLite:
		store, err := sqlite.Open(ctx, cfg.Batch.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open job store: %w", err)
		}
		return &jobStore{Store: store, health: store.HealthCheck, close: store.Close}, nil
	case config.JobStoreS3:
		objects, err := s3store.New(ctx, s3store.Config{
			Endpoint:         cfg.ObjectStore.Endpoint,
			Region:           cfg.ObjectStore.Region,
			Bucket:           cfg.ObjectStore.Bucket,
			AccessKeyID:      cfg.ObjectStore.AccessKeyID,
			SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
			UseSSL:           cfg.ObjectStore.UseSSL,
			Prefix:           cfg.ObjectStore.Prefix,
			AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
		})
		if err != nil {
			return nil, fmt.Errorf("open object store: %w", err)
		}
		archive, err := objectstore.NewArchive(objects)
		if err != nil {
			return nil, err
		}
		return &jobStore{Store: archive, health: archive.HealthCheck, close: noop}, nil
	default:
		return nil, fmt.Errorf("unsupported job store %q", cfg.Batch.JobStore)
	}
}
