// Package app builds the long-lived services of an ETL run from configuration
// and owns their shutdown.
package app

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/JakeFAU/usajobs-etl/internal/backoff"
	"github.com/JakeFAU/usajobs-etl/internal/clock/system"
	"github.com/JakeFAU/usajobs-etl/internal/config"
	"github.com/JakeFAU/usajobs-etl/internal/id/uuid"
	"github.com/JakeFAU/usajobs-etl/internal/listing"
	"github.com/JakeFAU/usajobs-etl/internal/metrics"
	"github.com/JakeFAU/usajobs-etl/internal/pipeline"
	"github.com/JakeFAU/usajobs-etl/internal/policy/ratelimit"
	"github.com/JakeFAU/usajobs-etl/internal/publisher/pubsub"
	"github.com/JakeFAU/usajobs-etl/internal/storage"
	"github.com/JakeFAU/usajobs-etl/internal/storage/gcs"
	"github.com/JakeFAU/usajobs-etl/internal/storage/local"
	"github.com/JakeFAU/usajobs-etl/internal/storage/postgres"
	"github.com/JakeFAU/usajobs-etl/internal/usajobs"
)

// App holds the services shared by the CLI commands.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	store   *postgres.ListingStore
	archive *storage.PageArchive
	notify  *pubsub.Publisher
	closers []io.Closer
}

// New wires the optional archive and notifier. It fails fast when an
// enabled integration cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		store:  postgres.NewListingStore(cfg.DB.SchemaPath, logger),
	}

	var blobs storage.BlobStore
	switch {
	case cfg.Archive.GCSBucket != "":
		logger.Info("archiving raw pages to GCS", zap.String("bucket", cfg.Archive.GCSBucket))
		gs, err := gcs.Open(ctx, cfg.Archive.GCSBucket)
		if err != nil {
			return nil, fmt.Errorf("initialize archive: %w", err)
		}
		a.closers = append(a.closers, gs)
		blobs = gs
	case cfg.Archive.LocalDir != "":
		logger.Info("archiving raw pages locally", zap.String("dir", cfg.Archive.LocalDir))
		ls, err := local.New(cfg.Archive.LocalDir)
		if err != nil {
			return nil, fmt.Errorf("initialize archive: %w", err)
		}
		blobs = ls
	}
	if blobs != nil {
		a.archive = storage.NewPageArchive(blobs, cfg.Archive.Prefix, logger)
	}

	if cfg.PubSub.TopicName != "" {
		logger.Info("publishing run notifications", zap.String("topic", cfg.PubSub.TopicName))
		pub, err := pubsub.Open(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("initialize notifier: %w", err)
		}
		a.closers = append(a.closers, pub)
		a.notify = pub
	}

	return a, nil
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Store returns the Postgres listing store.
func (a *App) Store() *postgres.ListingStore {
	return a.store
}

// Connect opens the single connection used by one run.
func (a *App) Connect(ctx context.Context) (pipeline.Conn, error) {
	if a.cfg.DB.DSN == "" {
		return nil, config.ErrMissingDSN
	}
	conn, err := postgres.Connect(ctx, a.cfg.DB.DSN)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Pipeline assembles a pipeline for one run.
func (a *App) Pipeline() (*pipeline.Pipeline, error) {
	cfg := a.cfg
	retry := backoff.New(cfg.Retry.MaxRetries, cfg.Retry.InitialDelay, cfg.Retry.MaxDelay)
	pacer := ratelimit.New(cfg.API.MinRequestInterval).WithObserver(metrics.ObservePacerWait)
	client := usajobs.New(usajobs.Config{
		BaseURL:   cfg.API.BaseURL,
		APIKey:    cfg.API.Key,
		UserAgent: cfg.API.UserAgent,
		Keyword:   cfg.API.Keyword,
		Location:  cfg.Location.Target,
		PageSize:  cfg.API.PageSize,
		Timeout:   cfg.API.RequestTimeout,
	}, retry, a.logger, usajobs.WithPacer(pacer))

	deps := pipeline.Deps{
		Fetcher:     client,
		Transformer: listing.NewTransformer(cfg.Location.Target, cfg.Location.DefaultState),
		Store:       a.store,
		Clock:       system.New(),
		IDs:         uuid.New(),
		Logger:      a.logger,
	}
	if !cfg.Run.DryRun {
		deps.Connect = a.Connect
	}
	// Typed nils must not leak into the optional interfaces.
	if a.archive != nil {
		deps.Archive = a.archive
	}
	if a.notify != nil {
		deps.Notifier = a.notify
	}

	return pipeline.New(pipeline.Options{
		MaxPages:        cfg.API.MaxPages,
		BatchCommitSize: cfg.DB.BatchCommitSize,
		DryRun:          cfg.Run.DryRun,
		Target:          cfg.Location.Target,
		NotifyTopic:     cfg.PubSub.TopicName,
	}, deps)
}

// PushMetrics sends the run's metrics to the configured Pushgateway, if any.
func (a *App) PushMetrics(ctx context.Context) {
	url := a.cfg.Metrics.PushgatewayURL
	if url == "" {
		return
	}
	if err := metrics.Push(ctx, url, a.cfg.Metrics.JobName); err != nil {
		a.logger.Warn("metrics push failed", zap.String("url", url), zap.Error(err))
		return
	}
	a.logger.Debug("metrics pushed", zap.String("url", url))
}

// Close releases cloud clients and flushes the logger.
func (a *App) Close() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.logger.Warn("error closing service", zap.Error(err))
		}
	}
	a.closers = nil
	// Sync fails on non-file sinks like stderr; nothing useful to do about it.
	_ = a.logger.Sync()
}
