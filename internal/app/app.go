// Package app builds the long-lived services behind each command from a
// loaded config.Config and owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/marmelspade/internal/api"
	"github.com/JakeFAU/marmelspade/internal/archive"
	"github.com/JakeFAU/marmelspade/internal/clock/system"
	"github.com/JakeFAU/marmelspade/internal/config"
	"github.com/JakeFAU/marmelspade/internal/crawler"
	"github.com/JakeFAU/marmelspade/internal/engine"
	"github.com/JakeFAU/marmelspade/internal/engine/meili"
	memoryengine "github.com/JakeFAU/marmelspade/internal/engine/memory"
	collyfetcher "github.com/JakeFAU/marmelspade/internal/fetcher/colly"
	"github.com/JakeFAU/marmelspade/internal/hash/sha256"
	"github.com/JakeFAU/marmelspade/internal/id/uuid"
	"github.com/JakeFAU/marmelspade/internal/indexsync"
	"github.com/JakeFAU/marmelspade/internal/metrics"
	"github.com/JakeFAU/marmelspade/internal/pipeline"
	"github.com/JakeFAU/marmelspade/internal/policy/ratelimit"
	"github.com/JakeFAU/marmelspade/internal/progress"
	progresssinks "github.com/JakeFAU/marmelspade/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/marmelspade/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/marmelspade/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/marmelspade/internal/storage/gcs"
	localstorage "github.com/JakeFAU/marmelspade/internal/storage/local"
	memorystorage "github.com/JakeFAU/marmelspade/internal/storage/memory"
	pgstore "github.com/JakeFAU/marmelspade/internal/storage/postgres"
	"github.com/JakeFAU/marmelspade/internal/store"
)

// Options carries process-level settings that do not live in the config file.
type Options struct {
	// ConfigPath is where a rotated search key is written back. Commands
	// that rotate keys against a real engine fail when it is empty.
	ConfigPath string
	// Registerer receives the progress collectors. Nil uses the default
	// registry.
	Registerer prometheus.Registerer
}

// HarvestOptions are the per-invocation switches of the harvest command.
type HarvestOptions struct {
	// DryRun synchronizes into an in-memory engine and never persists keys.
	DryRun   bool
	SkipSync bool
	// Strategy overrides search.strategy when set.
	Strategy string
}

// App holds the shared services and closes them in Close.
type App struct {
	cfg    config.Config
	opts   Options
	logger *zap.Logger

	gcs         *storage.Client
	history     *pgstore.HistoryStore
	progressHub *progress.Hub
	notifier    *gcppublisher.Publisher
	dryEngine   *memoryengine.Engine
}

// New returns an App for cfg. Nothing is dialed until a Build method runs.
func New(cfg config.Config, opts Options, logger *zap.Logger) (*App, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}
	metrics.Init()
	logger.Info("creating application",
		zap.String("index", cfg.Search.IndexName),
		zap.String("search_url", cfg.Search.URL()),
		zap.String("archive", cfg.Archive.Provider),
		zap.String("notify", cfg.Notify.Provider),
		zap.Bool("history", cfg.History.Enabled()),
		zap.Bool("harvest_auth", cfg.Harvest.AuthToken != ""),
	)
	return &App{cfg: cfg, opts: opts, logger: logger}, nil
}

// DryRunEngine returns the in-memory engine used by a dry-run pipeline, or
// nil when the pipeline targets Meilisearch.
func (a *App) DryRunEngine() *memoryengine.Engine {
	return a.dryEngine
}

// BuildPipeline wires a harvest run: fetcher, pacing, harvester, archive,
// synchronizer, notice and progress.
func (a *App) BuildPipeline(ctx context.Context, opts HarvestOptions) (*pipeline.Pipeline, error) {
	needsEngine := !opts.DryRun && !opts.SkipSync
	if err := a.cfg.ValidateHarvest(needsEngine); err != nil {
		return nil, err
	}

	if err := a.setupHistory(ctx); err != nil {
		return nil, err
	}
	emitter, err := a.setupProgress()
	if err != nil {
		return nil, err
	}
	harvester, err := a.setupHarvester(emitter)
	if err != nil {
		return nil, err
	}
	archiver, err := a.setupArchive(ctx)
	if err != nil {
		return nil, err
	}

	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}

	var synchronizer pipeline.Synchronizer
	if !opts.SkipSync {
		s, err := a.setupSynchronizer(opts)
		if err != nil {
			return nil, err
		}
		synchronizer = s
	}

	cfg := pipeline.Config{
		Roots:    a.cfg.Harvest.InventoryPaths,
		Topic:    a.cfg.Notify.Topic,
		SkipSync: opts.SkipSync,
	}
	if publisher == nil {
		cfg.Topic = ""
	}
	var archiveStep pipeline.Archiver
	if archiver != nil {
		archiveStep = archiver
	}
	return pipeline.New(
		cfg,
		harvester,
		archiveStep,
		synchronizer,
		publisher,
		emitter,
		uuid.NewGenerator(),
		system.New(),
		a.logger,
	)
}

// BuildGateway wires the search gateway with the search-only key.
func (a *App) BuildGateway(ctx context.Context) (*api.Server, error) {
	if err := a.cfg.ValidateServe(); err != nil {
		return nil, err
	}
	searcher, err := a.meiliEngine(a.cfg.Search.SearchKey)
	if err != nil {
		return nil, err
	}
	if err := a.setupHistory(ctx); err != nil {
		return nil, err
	}
	var history store.HistoryRepository
	if a.history != nil {
		history = a.history
	}
	return api.NewServer(searcher, history, uuid.NewGenerator(), api.Config{
		Index:          a.cfg.Search.IndexName,
		RequestTimeout: a.cfg.Server.RequestTimeout,
		RateLimitRPS:   a.cfg.Server.RateLimitRPS,
		RateLimitBurst: a.cfg.Server.RateLimitBurst,
	}, a.logger)
}

// BuildRotator wires a synchronizer for key rotation only.
func (a *App) BuildRotator() (*indexsync.Synchronizer, error) {
	if a.cfg.Search.MasterKey == "" {
		return nil, errors.New("search.master_key is required to rotate keys")
	}
	admin, err := a.meiliEngine(a.cfg.Search.MasterKey)
	if err != nil {
		return nil, err
	}
	keys, err := a.keyStore()
	if err != nil {
		return nil, err
	}
	return indexsync.New(a.syncConfig(""), admin, keys, a.logger)
}

// Close releases every service that was built. It is safe to call once per App.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("progress hub: %w", err))
		}
	}
	if a.notifier != nil {
		if err := a.notifier.Close(); err != nil {
			errs = append(errs, fmt.Errorf("pubsub: %w", err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("gcs client: %w", err))
		}
	}
	if a.history != nil {
		a.history.Close()
	}
	err := errors.Join(errs...)
	if err != nil {
		a.logger.Warn("shutdown finished with errors", zap.Error(err))
	}
	return err
}

func (a *App) setupHarvester(emitter progress.Emitter) (*crawler.Harvester, error) {
	hc := a.cfg.Harvest
	assets, err := crawler.NewAssetNormalizer(hc.AssetBase, hc.AssetExtensions...)
	if err != nil {
		return nil, fmt.Errorf("asset normalizer: %w", err)
	}
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: hc.UserAgent,
		Timeout:   hc.RequestTimeout,
		AuthUser:  hc.AuthUser,
		AuthToken: hc.AuthToken,
	})
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   hc.RequestsPerSecond,
		DefaultBurst: 1,
		OnDelay:      metrics.ObserveRateLimitDelay,
	})
	retry := crawler.NewExponentialRetryPolicy(hc.MaxAttempts, hc.BackoffInitial, hc.BackoffMax)
	a.logger.Info("harvester configured",
		zap.String("api_base", hc.APIBase),
		zap.Int("roots", len(hc.InventoryPaths)),
		zap.Float64("requests_per_second", hc.RequestsPerSecond),
		zap.Int("max_attempts", hc.MaxAttempts),
		zap.Int("root_workers", hc.RootWorkers),
	)
	return crawler.NewHarvester(crawler.Config{
		APIBase:          hc.APIBase,
		Separator:        hc.PathSeparator,
		RootWorkers:      hc.RootWorkers,
		MaxFrontier:      hc.MaxFrontier,
		DropFields:       hc.DropFields,
		DuplicateSamples: hc.DuplicateReportLimit,
	}, fetcher, assets, limiter, retry, emitter, a.logger)
}

func (a *App) setupArchive(ctx context.Context) (*archive.Archiver, error) {
	var blobs archive.BlobStore
	switch a.cfg.Archive.Provider {
	case config.ArchiveNone, "":
		a.logger.Info("archiving disabled")
		return nil, nil
	case config.ArchiveGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcs = client
		blobs, err = gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Archive.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("archiving to gcs", zap.String("bucket", a.cfg.Archive.GCSBucket))
	case config.ArchiveLocal:
		local, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		blobs = local
		a.logger.Info("archiving to local disk", zap.String("path", a.cfg.Archive.BaseDir))
	case config.ArchiveMemory:
		blobs = memorystorage.NewBlobStore()
		a.logger.Info("archiving in memory")
	default:
		return nil, fmt.Errorf("unknown archive provider %q", a.cfg.Archive.Provider)
	}
	return archive.New(blobs, sha256.New(), system.New(), archive.Config{Prefix: a.cfg.Archive.Prefix}, a.logger)
}

func (a *App) setupHistory(ctx context.Context) error {
	if a.history != nil || !a.cfg.History.Enabled() {
		return nil
	}
	hs, err := pgstore.NewHistoryStore(ctx, pgstore.HistoryStoreConfig{
		DSN:      a.cfg.History.DSN,
		MaxConns: a.cfg.History.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("history store init failed: %w", err)
	}
	if err := hs.EnsureSchema(ctx); err != nil {
		hs.Close()
		return fmt.Errorf("history schema: %w", err)
	}
	a.history = hs
	a.logger.Info("run history enabled")
	return nil
}

func (a *App) setupProgress() (progress.Emitter, error) {
	sinkList := []progress.Sink{progresssinks.NewLogSink(a.logger.Named("progress_log"))}
	promSink, err := progresssinks.NewPrometheusSink(a.opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("progress prometheus sink: %w", err)
	}
	sinkList = append(sinkList, promSink)
	if a.history != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(a.history, a.logger.Named("progress_store")))
	}
	a.progressHub = progress.NewHub(progress.Config{Logger: a.logger.Named("progress_hub")}, sinkList...)
	a.logger.Debug("progress hub initialized", zap.Int("sinks", len(sinkList)))
	return a.progressHub, nil
}

func (a *App) setupPublisher(ctx context.Context) (pipeline.Publisher, error) {
	switch a.cfg.Notify.Provider {
	case config.NotifyNone, "":
		return nil, nil
	case config.NotifyMemory:
		a.logger.Info("completion notices recorded in memory", zap.String("topic", a.cfg.Notify.Topic))
		return memorypublisher.New(), nil
	case config.NotifyPubSub:
		p, err := gcppublisher.Dial(ctx, a.cfg.Notify.ProjectID, map[string]string{"source": "marmelspade"})
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.notifier = p
		a.logger.Info("pubsub publisher initialized",
			zap.String("project", a.cfg.Notify.ProjectID),
			zap.String("topic", a.cfg.Notify.Topic),
		)
		return p, nil
	default:
		return nil, fmt.Errorf("unknown notify provider %q", a.cfg.Notify.Provider)
	}
}

func (a *App) setupSynchronizer(opts HarvestOptions) (*indexsync.Synchronizer, error) {
	var (
		admin engine.Admin
		keys  indexsync.KeyStore
	)
	if opts.DryRun {
		a.dryEngine = memoryengine.New()
		admin = a.dryEngine
		keys = indexsync.DiscardKeyStore{}
		a.logger.Info("dry run: synchronizing into an in-memory engine")
	} else {
		m, err := a.meiliEngine(a.cfg.Search.MasterKey)
		if err != nil {
			return nil, err
		}
		admin = m
		keys, err = a.keyStore()
		if err != nil {
			return nil, err
		}
	}
	return indexsync.New(a.syncConfig(opts.Strategy), admin, keys, a.logger)
}

func (a *App) syncConfig(strategy string) indexsync.Config {
	if strategy == "" {
		strategy = a.cfg.Search.Strategy
	}
	return indexsync.Config{
		Index:          a.cfg.Search.IndexName,
		Strategy:       indexsync.Strategy(strategy),
		SettleInterval: a.cfg.Search.SettleInterval,
	}
}

func (a *App) meiliEngine(key string) (*meili.Engine, error) {
	e, err := meili.New(meili.Config{
		Host:         a.cfg.Search.URL(),
		APIKey:       key,
		PollInterval: a.cfg.Search.TaskPollInterval,
		TaskTimeout:  a.cfg.Search.TaskTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("meilisearch client: %w", err)
	}
	return e, nil
}

func (a *App) keyStore() (indexsync.KeyStore, error) {
	if a.opts.ConfigPath == "" {
		return nil, errors.New("a config file is required to persist the rotated search key")
	}
	ks, err := config.NewFileKeyStore(a.opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("key store: %w", err)
	}
	return ks, nil
}
