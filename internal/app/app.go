// Package app builds the pipeline and its collaborators from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/docparser/internal/artifacts"
	"github.com/Lllllllleong/docparser/internal/config"
	"github.com/Lllllllleong/docparser/internal/extraction"
	"github.com/Lllllllleong/docparser/internal/gcp"
	"github.com/Lllllllleong/docparser/internal/metadata"
	"github.com/Lllllllleong/docparser/internal/records"
	"github.com/Lllllllleong/docparser/internal/services"
	"github.com/Lllllllleong/docparser/internal/source"
)

// App owns every long-lived client. Close releases them.
type App struct {
	Config   *config.Config
	Store    records.Store
	Resolver *source.Resolver
	Pipeline *services.Pipeline

	closers []func() error
}

// OpenStore connects to the configured record store.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig) (records.Store, error) {
	switch cfg.Driver {
	case "firestore":
		client, err := gcp.NewFirestoreClient(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, err
		}
		return records.NewFirestoreStore(client, cfg.CollectionPrefix), nil
	case "postgres", "sqlite":
		s, err := records.OpenSQL(cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// New wires the pipeline. Remote sources are registered only when
// configured: Drive when a credentials file is set, GCS when enabled.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{Config: cfg}

	store, err := OpenStore(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)

	sources := []source.Source{source.NewLocal()}
	if cfg.Drive.CredentialsFile != "" {
		svc, err := gcp.NewDriveService(ctx, cfg.Drive.CredentialsFile)
		if err != nil {
			a.Close()
			return nil, err
		}
		sources = append(sources, source.NewDrive(svc))
	}

	var storageClient *storage.Client
	if cfg.GCS.Enabled || cfg.Storage.Mirror.Kind == "gcs" {
		storageClient, err = gcp.NewStorageClient(ctx, cfg.Drive.CredentialsFile)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, storageClient.Close)
	}
	if cfg.GCS.Enabled {
		sources = append(sources, source.NewGCS(storageClient))
	}
	a.Resolver = source.NewResolver(cfg.Storage.DownloadDir, sources...)

	var cleaner *artifacts.Cleaner
	if cfg.Storage.StripWatermarks {
		cleaner = artifacts.NewCleaner(cfg.Storage.ExtraMarkers...)
	}
	arts := artifacts.NewStore(cfg.Storage.Root, cleaner)

	var opts []services.Option
	switch cfg.Storage.Mirror.Kind {
	case "gcs":
		opts = append(opts, services.WithMirror(artifacts.NewGCSMirror(storageClient, cfg.Storage.Mirror.Bucket)))
	case "minio":
		m, err := artifacts.NewMinioMirror(cfg.Storage.Mirror)
		if err != nil {
			a.Close()
			return nil, err
		}
		if err := m.EnsureBucket(ctx); err != nil {
			a.Close()
			return nil, err
		}
		opts = append(opts, services.WithMirror(m))
	}

	provider, err := metadata.New(ctx, cfg.Metadata)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create metadata provider: %w", err)
	}
	if provider != nil {
		opts = append(opts, services.WithMetadata(provider))
		a.closers = append(a.closers, provider.Close)
	}

	a.Pipeline = services.NewPipeline(a.Resolver, store, extraction.NewClient(cfg.TextIn), arts, services.PipelineConfig{
		ExtractTimeout:  cfg.Pipeline.ExtractTimeout,
		MetadataTimeout: cfg.Metadata.Timeout,
		MetadataChars:   cfg.Metadata.ContextChars,
		MirrorPrefix:    cfg.Storage.Mirror.Prefix,
	}, opts...)

	slog.Info("Pipeline initialized.",
		"database", cfg.Database.Driver,
		"sources", len(sources),
		"mirror", cfg.Storage.Mirror.Kind,
		"metadata", cfg.Metadata.Provider,
	)
	return a, nil
}

// Close releases clients in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
