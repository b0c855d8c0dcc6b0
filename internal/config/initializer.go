package config

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/turbolytics/mapfiles/internal"
	"github.com/turbolytics/mapfiles/internal/acs"
	"github.com/turbolytics/mapfiles/internal/census"
	"github.com/turbolytics/mapfiles/internal/local"
	"github.com/turbolytics/mapfiles/internal/notify"
	"github.com/turbolytics/mapfiles/internal/notify/kafka"
	"github.com/turbolytics/mapfiles/internal/parquet"
	"github.com/turbolytics/mapfiles/internal/processor"
	"github.com/turbolytics/mapfiles/internal/s3"
	"github.com/turbolytics/mapfiles/internal/shapefile"
	"github.com/turbolytics/mapfiles/internal/store"
)

// App holds the components built from a config.
type App struct {
	Store      *store.Store
	Repository internal.Repository
	Notifier   notify.Notifier
	Census     *census.Client
	ACS        *acs.Processor
	Shapefile  *shapefile.Importer
	Processor  *processor.Processor
	Exporter   *parquet.Exporter
}

func (a *App) Close(ctx context.Context) error {
	nerr := a.Notifier.Close(ctx)
	if err := a.Store.Close(); err != nil {
		return err
	}
	return nerr
}

func NewLogger(c *Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Global.Logger.Level)
	if err != nil {
		return nil, err
	}

	zc := zap.NewDevelopmentConfig()
	if c.Global.Logger.Format == "json" {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func InitializeRepository(c *Config, logger *zap.Logger) (internal.Repository, error) {
	switch c.Repository.Type {
	case "local":
		path, err := filepath.Abs(c.Repository.Local.Path)
		if err != nil {
			return nil, err
		}
		return local.New(path,
			local.WithPrefix(c.Repository.Local.Prefix),
			local.WithLogger(logger.Named("repository.local")),
		), nil
	case "s3":
		repo, err := s3.New(
			s3.WithBucket(c.Repository.S3.Bucket),
			s3.WithRegion(c.Repository.S3.Region),
			s3.WithPrefix(c.Repository.S3.Prefix),
			s3.WithEndpoint(c.Repository.S3.Endpoint),
			s3.WithForcePathStyle(c.Repository.S3.ForcePathStyle),
			s3.WithLogger(logger.Named("repository.s3")),
		)
		if err != nil {
			return nil, err
		}
		return repo, nil
	}
	return nil, fmt.Errorf("unsupported repository type: %q", c.Repository.Type)
}

func InitializeNotifier(ctx context.Context, c *Config, logger *zap.Logger) (notify.Notifier, error) {
	if c.Notifier.URL == "" {
		return notify.Nop{}, nil
	}

	u, err := url.Parse(c.Notifier.URL)
	if err != nil {
		return nil, err
	}

	n, err := kafka.NewNotifier(u, logger.Named("notifier.kafka"))
	if err != nil {
		return nil, err
	}
	if err := n.Connect(ctx); err != nil {
		return nil, err
	}
	return n, nil
}

// Initialize wires the store, repository, census client, processors and notifier.
func Initialize(ctx context.Context, c *Config, logger *zap.Logger) (*App, error) {
	st, err := store.Open(ctx, c.Database.Driver, c.Database.DSN,
		store.WithLogger(logger.Named("store")),
	)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	repo, err := InitializeRepository(c, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	notifier, err := InitializeNotifier(ctx, c, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	client := census.NewClient(
		census.WithBaseURL(c.Census.BaseURL),
		census.WithRetryMax(c.Census.RetryMax),
		census.WithLogger(logger.Named("census")),
	)

	acsProcessor := acs.New(st, client, repo, acs.WithLogger(logger.Named("acs")))
	shapefiles := shapefile.New(st, repo, shapefile.WithLogger(logger.Named("shapefile")))

	return &App{
		Store:      st,
		Repository: repo,
		Notifier:   notifier,
		Census:     client,
		ACS:        acsProcessor,
		Shapefile:  shapefiles,
		Processor: processor.New(st, acsProcessor, shapefiles, repo,
			processor.WithLogger(logger.Named("processor")),
			processor.WithNotifier(notifier),
			processor.WithWorkers(c.Processor.Workers),
			processor.WithQueueSize(c.Processor.QueueSize),
		),
		Exporter: parquet.New(repo, parquet.WithLogger(logger.Named("parquet"))),
	}, nil
}
