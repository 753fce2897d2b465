// Package app builds the long-lived services of a sync run from configuration and
// shuts them down in order.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	gcsapi "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-sync/internal/api"
	"github.com/JakeFAU/catalog-sync/internal/catalog"
	"github.com/JakeFAU/catalog-sync/internal/clock/system"
	"github.com/JakeFAU/catalog-sync/internal/config"
	collyfetcher "github.com/JakeFAU/catalog-sync/internal/fetcher/colly"
	"github.com/JakeFAU/catalog-sync/internal/metrics"
	"github.com/JakeFAU/catalog-sync/internal/mirror"
	"github.com/JakeFAU/catalog-sync/internal/policy/jitter"
	"github.com/JakeFAU/catalog-sync/internal/policy/ratelimit"
	gcppublisher "github.com/JakeFAU/catalog-sync/internal/publisher/pubsub"
	"github.com/JakeFAU/catalog-sync/internal/retry"
	"github.com/JakeFAU/catalog-sync/internal/storage"
	gcsstorage "github.com/JakeFAU/catalog-sync/internal/storage/gcs"
	localstorage "github.com/JakeFAU/catalog-sync/internal/storage/local"
	memorystorage "github.com/JakeFAU/catalog-sync/internal/storage/memory"
	pgstore "github.com/JakeFAU/catalog-sync/internal/storage/postgres"
	s3storage "github.com/JakeFAU/catalog-sync/internal/storage/s3"
	"github.com/JakeFAU/catalog-sync/internal/syncer"
)

const shutdownTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	clock        *system.Clock
	store        catalog.Store
	pgStore      *pgstore.CatalogStore
	fetcher      *collyfetcher.Fetcher
	adapter      *storage.Adapter
	assets       *mirror.Mirror
	gcsClient    *gcsapi.Client
	pubsubClient *pubsub.Client
	publisher    *gcppublisher.Publisher
	syncer       *syncer.Syncer
	apiServer    *api.Server
}

// Build creates the application's dependencies. On error everything built so far
// is closed.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	a := &App{cfg: cfg, logger: logger, clock: system.New()}
	a.logger.Info("building application dependencies",
		zap.String("state_id", cfg.Sync.StateID),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("assets_enabled", cfg.Assets.Enabled),
	)

	steps := []func(context.Context) error{
		a.setupStore,
		a.setupFetcher,
		a.setupAssets,
		a.setupPublisher,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}
	a.setupSyncer()
	a.apiServer = api.NewServer(a.store, cfg.Sync.StateID, logger)
	return a, nil
}

// BuildStore creates only the Persistent State Store, for commands that read the
// run state without syncing.
func BuildStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, clock: system.New()}
	if err := a.setupStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Store returns the Persistent State Store.
func (a *App) Store() catalog.Store {
	return a.store
}

// Syncer returns the orchestrator.
func (a *App) Syncer() *syncer.Syncer {
	return a.syncer
}

// Run executes the sync and, when server.addr is set, serves the status API for
// the duration of the run.
func (a *App) Run(ctx context.Context) (catalog.SyncState, error) {
	if a.cfg.Server.Addr != "" {
		srv := &http.Server{
			Addr:              a.cfg.Server.Addr,
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("status server started", zap.String("addr", a.cfg.Server.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("status server error", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn("status server shutdown failed", zap.Error(err))
			}
		}()
	}
	return a.syncer.Run(ctx)
}

// Close gracefully shuts down the application.
func (a *App) Close() {
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	a.logger.Info("shutdown complete")
}

func (a *App) setupStore(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no database DSN configured, using in-memory catalog store")
		a.store = memorystorage.NewCatalogStore()
		return nil
	}
	pg, err := pgstore.New(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("catalog store init failed: %w", err)
	}
	a.pgStore = pg
	a.store = pg
	if a.cfg.Database.EnsureSchema {
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	a.logger.Info("postgres catalog store initialized")
	return nil
}

func (a *App) setupFetcher(context.Context) error {
	pacer := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: a.cfg.HTTP.RequestsPerSecond,
		Burst:             a.cfg.HTTP.Burst,
	})
	a.fetcher = collyfetcher.New(collyfetcher.Config{
		ListURL:       a.cfg.API.ListURL,
		DetailBaseURL: a.cfg.API.DetailBaseURL,
		Env:           a.cfg.API.Env,
		User:          a.cfg.API.User,
		Index:         a.cfg.API.Index,
		Narrow:        a.cfg.API.Narrow,
		OrderBy:       a.cfg.API.OrderBy,
		PageType:      a.cfg.API.PageType,
		Tag:           a.cfg.API.Tag,
		View:          a.cfg.API.View,
		UserAgent:     a.cfg.API.UserAgent,
		Headers:       a.cfg.API.Headers,
		Timeout:       a.cfg.Timeout(),
		MaxBodyBytes:  a.cfg.API.MaxBodyBytes,
		MaxAssetBytes: a.cfg.Assets.MaxBytes,
	}, pacer)
	a.logger.Info("using colly catalog client",
		zap.String("list_url", a.cfg.API.ListURL),
		zap.Float64("requests_per_second", a.cfg.HTTP.RequestsPerSecond),
	)
	return nil
}

func (a *App) objectStore(ctx context.Context) (storage.ObjectStore, error) {
	sc := a.cfg.Storage
	switch sc.Backend {
	case config.BackendGCS:
		client, err := gcsapi.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: sc.Bucket, PublicBaseURL: sc.PublicBaseURL})
		if err != nil {
			return nil, fmt.Errorf("gcs object store init failed: %w", err)
		}
		a.logger.Info("using GCS storage backend", zap.String("bucket", sc.Bucket))
		return store, nil
	case config.BackendS3:
		s3cfg := s3storage.Config{
			Bucket:         sc.Bucket,
			Region:         sc.S3.Region,
			Endpoint:       sc.S3.Endpoint,
			ForcePathStyle: sc.S3.ForcePathStyle,
			PublicBaseURL:  sc.PublicBaseURL,
		}
		client, err := s3storage.NewClient(ctx, s3cfg)
		if err != nil {
			return nil, fmt.Errorf("s3 client init failed: %w", err)
		}
		store, err := s3storage.New(client, s3cfg)
		if err != nil {
			return nil, fmt.Errorf("s3 object store init failed: %w", err)
		}
		a.logger.Info("using S3 storage backend", zap.String("bucket", sc.Bucket), zap.String("region", sc.S3.Region))
		return store, nil
	case config.BackendLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: sc.Local.BaseDir, PublicBaseURL: sc.PublicBaseURL})
		if err != nil {
			return nil, fmt.Errorf("local object store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", sc.Local.BaseDir))
		return store, nil
	default:
		a.logger.Info("no object store configured, assets are only downloaded")
		return nil, nil
	}
}

func (a *App) setupAssets(ctx context.Context) error {
	objects, err := a.objectStore(ctx)
	if err != nil {
		return err
	}
	a.adapter = storage.NewAdapter(storage.Config{
		DownloadEnabled: a.cfg.Assets.DownloadEnabled,
		UploadEnabled:   a.cfg.Assets.UploadEnabled,
		Overwrite:       a.cfg.Assets.Overwrite,
	}, a.fetcher, objects, a.logger)

	mirrorBase := a.cfg.Assets.MirrorBaseURL
	if mirrorBase == "" {
		mirrorBase = a.adapter.BaseURL()
	}
	a.assets = mirror.New(mirror.Config{
		Enabled:       a.cfg.Assets.Enabled,
		DownloadDir:   a.cfg.Assets.DownloadDir,
		KeyPrefix:     a.cfg.Assets.KeyPrefix,
		EntityType:    a.cfg.Assets.EntityType,
		MirrorBaseURL: mirrorBase,
	}, a.adapter, a.policy(), a.clock, a.logger)
	a.logger.Info("asset mirror configured",
		zap.Bool("enabled", a.assets.Enabled()),
		zap.String("mirror_base_url", mirrorBase),
	)
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("no Pub/Sub topic configured, detail notifications disabled")
		return nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.publisher = gcppublisher.New(client)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return nil
}

func (a *App) setupSyncer() {
	var publisher catalog.Publisher
	if a.publisher != nil {
		publisher = a.publisher
	}
	a.syncer = syncer.New(
		a.fetcher,
		a.store,
		a.assets,
		jitter.New(a.cfg.JitterConfig(), a.clock),
		publisher,
		a.clock,
		a.policy(),
		syncer.Config{
			StateID:         a.cfg.Sync.StateID,
			Queries:         a.cfg.Sync.Queries,
			Limit:           a.cfg.API.Limit,
			MaxResultWindow: a.cfg.API.MaxResultWindow,
			MaxPages:        a.cfg.Sync.MaxPages,
			SkipExisting:    a.cfg.Sync.SkipExisting,
			OnlyMissing:     a.cfg.Sync.OnlyMissing,
			ForceResume:     a.cfg.Sync.ForceResume,
			PublishTopic:    a.cfg.PubSub.TopicName,
		},
		a.logger,
	)
}

func (a *App) policy() *retry.Policy {
	return retry.New(retry.Config{
		MaxAttempts:    a.cfg.HTTP.MaxRetries,
		RetryDelay:     a.cfg.RetryDelay(),
		RateLimitDelay: a.cfg.RateLimitDelay(),
	}, a.store, a.clock, a.logger.Named("retry"))
}
