// Command pgbridge runs the schema and data sync service: an HTTP API over
// a worker pool that copies tables between registered Postgres databases.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/dbforge/pgbridge/internal/artifact"
	artifactminio "github.com/dbforge/pgbridge/internal/artifact/minio"
	"github.com/dbforge/pgbridge/internal/batch"
	"github.com/dbforge/pgbridge/internal/config"
	"github.com/dbforge/pgbridge/internal/database"
	"github.com/dbforge/pgbridge/internal/database/postgres"
	"github.com/dbforge/pgbridge/internal/logger"
	"github.com/dbforge/pgbridge/internal/progress"
	"github.com/dbforge/pgbridge/internal/server"
	"github.com/dbforge/pgbridge/internal/syncjob"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	// A local .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.New(nil).Fatal().Err(err).Msg("loading configuration")
	}

	lc := cfg.LoggerConfig()
	log := logger.New(&lc)
	log.Info().Str("config", cfg.String()).Msg("pgbridge starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error().Err(err).Msg("pgbridge exited with error")
		os.Exit(1)
	}
	log.Info().Msg("pgbridge stopped")
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	artifacts, err := openArtifacts(ctx, cfg, log)
	if err != nil {
		return err
	}
	if artifacts != nil {
		defer artifacts.Close()
	}

	provider := syncjob.NewStaticProvider(cfg.Connections)
	defer provider.Close()

	broker := progress.NewBroker()
	orch := syncjob.NewOrchestrator(store, provider, broker, log, batch.Config{
		MinBatchSize:      cfg.Jobs.MinBatchSize,
		MaxBatchSize:      cfg.Jobs.MaxBatchSize,
		MaxMemoryMB:       cfg.Jobs.MaxMemoryMB,
		TargetBatchTimeMs: cfg.Jobs.TargetBatchTimeMs,
	})

	if artifacts != nil {
		orch.SetArtifactStore(artifacts)
	}

	pool := syncjob.NewPool(orch, log, cfg.Jobs.Workers, cfg.Jobs.QueueDepth)
	pool.Start(ctx)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.New(orch, pool, store, artifacts, log).Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("http server listening")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown")
	}

	// Workers observe the same signal context; running jobs land in failed
	// status through the orchestrator and resume from their checkpoint on
	// the next start.
	pool.Wait()

	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// openStore selects the job store: Postgres when storeDSN is configured,
// in-memory otherwise.
func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (syncjob.Store, func(), error) {
	if cfg.StoreDSN == "" {
		log.Warn().Msg("no storeDSN configured; job state is in-memory and lost on restart")
		return syncjob.NewMemoryStore(), func() {}, nil
	}

	db, err := postgres.New(ctx, database.DefaultConfig(cfg.StoreDSN))
	if err != nil {
		return nil, nil, err
	}
	store := syncjob.NewPgStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	log.Info().Msg("job store ready (postgres)")
	return store, db.Close, nil
}

// openArtifacts connects object storage when configured; the service runs
// without it, minus script downloads.
func openArtifacts(ctx context.Context, cfg *config.Config, log *logger.Logger) (artifact.Store, error) {
	if !cfg.Artifacts.Enabled() {
		log.Info().Msg("artifact storage not configured; script downloads disabled")
		return nil, nil
	}
	store, err := artifactminio.New(ctx, cfg.Artifacts)
	if err != nil {
		return nil, err
	}
	if err := store.Ping(ctx); err != nil {
		store.Close()
		return nil, err
	}
	log.Info().Str("bucket", cfg.Artifacts.Bucket).Msg("artifact storage ready")
	return store, nil
}
