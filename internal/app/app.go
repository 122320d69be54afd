// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/utility-tariff-monitor/internal/change"
	"github.com/JakeFAU/utility-tariff-monitor/internal/clock/system"
	"github.com/JakeFAU/utility-tariff-monitor/internal/config"
	"github.com/JakeFAU/utility-tariff-monitor/internal/discovery"
	collyfetcher "github.com/JakeFAU/utility-tariff-monitor/internal/fetcher/colly"
	"github.com/JakeFAU/utility-tariff-monitor/internal/fetcher/headless"
	"github.com/JakeFAU/utility-tariff-monitor/internal/hash/sha256"
	"github.com/JakeFAU/utility-tariff-monitor/internal/headless/detector"
	"github.com/JakeFAU/utility-tariff-monitor/internal/id/uuid"
	"github.com/JakeFAU/utility-tariff-monitor/internal/ledger"
	memoryledger "github.com/JakeFAU/utility-tariff-monitor/internal/ledger/memory"
	"github.com/JakeFAU/utility-tariff-monitor/internal/ledger/postgres"
	"github.com/JakeFAU/utility-tariff-monitor/internal/ledger/sqlite"
	"github.com/JakeFAU/utility-tariff-monitor/internal/metrics"
	"github.com/JakeFAU/utility-tariff-monitor/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/utility-tariff-monitor/internal/publisher/memory"
	"github.com/JakeFAU/utility-tariff-monitor/internal/publisher/pubsub"
	"github.com/JakeFAU/utility-tariff-monitor/internal/reconcile"
	"github.com/JakeFAU/utility-tariff-monitor/internal/selector"
	"github.com/JakeFAU/utility-tariff-monitor/internal/storage/gcs"
	"github.com/JakeFAU/utility-tariff-monitor/internal/storage/local"
	memorystorage "github.com/JakeFAU/utility-tariff-monitor/internal/storage/memory"
	"github.com/JakeFAU/utility-tariff-monitor/internal/tariff"
)

const pageAccept = "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8"

// App holds the shared services of one process: the ledger, the driver and
// the report of the most recent run.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	ledger  *ledger.Ledger
	driver  *reconcile.Driver
	closers []func() error

	mu     sync.RWMutex
	latest *reconcile.RunReport
}

// Option overrides a collaborator, mostly for tests.
type Option func(*overrides)

type overrides struct {
	backend   ledger.Backend
	selector  selector.Selector
	blobStore tariff.BlobStore
	publisher tariff.Publisher
	clock     tariff.Clock
	ids       tariff.IDGenerator
}

// WithLedgerBackend replaces the configured ledger backend.
func WithLedgerBackend(b ledger.Backend) Option {
	return func(o *overrides) { o.backend = b }
}

// WithSelector replaces the configured selection oracle.
func WithSelector(s selector.Selector) Option {
	return func(o *overrides) { o.selector = s }
}

// WithBlobStore replaces the configured archive.
func WithBlobStore(s tariff.BlobStore) Option {
	return func(o *overrides) { o.blobStore = s }
}

// WithPublisher replaces the configured notification publisher.
func WithPublisher(p tariff.Publisher) Option {
	return func(o *overrides) { o.publisher = p }
}

// WithClock replaces the system clock.
func WithClock(c tariff.Clock) Option {
	return func(o *overrides) { o.clock = c }
}

// WithIDs replaces the run id generator.
func WithIDs(g tariff.IDGenerator) Option {
	return func(o *overrides) { o.ids = g }
}

// New creates and initializes every service the reconciliation needs. It
// fails fast if any of them cannot be built; whatever was opened is closed.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o overrides
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = system.New()
	}
	if o.ids == nil {
		o.ids = uuid.New()
	}

	a := &App{cfg: cfg, logger: logger}
	if err := a.build(ctx, o); err != nil {
		if cerr := a.Close(); cerr != nil {
			logger.Warn("cleanup after failed init", zap.Error(cerr))
		}
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, o overrides) error {
	cfg := a.cfg
	logger := a.logger
	logger.Info("initializing application services")

	led, err := openLedger(ctx, cfg, o.backend, o.clock, logger)
	if err != nil {
		return err
	}
	a.ledger = led
	a.closers = append(a.closers, led.Close)

	limiter := ratelimit.New(ratelimit.Config{RPS: cfg.HTTP.RatePerHost, Burst: cfg.HTTP.Burst})
	docs := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Crawler.UserAgent,
		RespectRobots: cfg.Crawler.RespectRobots,
		FetchTimeout:  cfg.HTTP.FetchTimeout,
		ProbeTimeout:  cfg.HTTP.ProbeTimeout,
		MaxBodyBytes:  cfg.HTTP.MaxDocumentBytes,
	}, limiter)

	pages, err := a.pageSource(cfg, limiter)
	if err != nil {
		return err
	}
	disc, err := discovery.New(pages, discovery.Config{
		LinkPattern: cfg.Crawler.LinkPattern,
		MaxLinks:    cfg.Crawler.MaxLinks,
	}, logger.Named("discovery"))
	if err != nil {
		return fmt.Errorf("init discovery: %w", err)
	}
	if cfg.Crawler.HeadlessFallback && !cfg.Crawler.Headless {
		renderer, err := a.renderer(cfg)
		if err != nil {
			return err
		}
		disc.WithRenderer(renderer, detector.NewHeuristic(cfg.Headless.PromotionThreshold, cfg.Headless.Markers...))
	}

	sel := o.selector
	if sel == nil {
		sel, err = buildSelector(cfg.Selector, logger.Named("selector"))
		if err != nil {
			return err
		}
	}

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	oracle := change.New(led, docs, change.Config{
		ProbeEnabled: cfg.Change.ProbeEnabled,
		Location:     loc,
	}, logger.Named("change"))

	deps := reconcile.Dependencies{
		Discoverer: disc,
		Selector:   sel,
		Normalizer: tariff.NewNormalizer(tariff.NormalizerConfig{
			VolatileParams: cfg.Normalize.VolatileParams,
			Schemes:        cfg.Normalize.Schemes,
		}),
		Oracle:  oracle,
		Fetcher: docs,
		Hasher:  sha256.New(),
		Ledger:  led,
		Clock:   o.clock,
		IDs:     o.ids,
	}
	deps.BlobStore = o.blobStore
	if deps.BlobStore == nil {
		if deps.BlobStore, err = a.blobStore(ctx, cfg.Storage); err != nil {
			return err
		}
	}
	deps.Publisher = o.publisher
	if deps.Publisher == nil {
		if deps.Publisher, err = a.publisher(ctx, cfg.PubSub); err != nil {
			return err
		}
	}

	topic := ""
	if deps.Publisher != nil {
		topic = cfg.PubSub.TopicName
	}
	driver, err := reconcile.New(deps, reconcile.Config{
		AcceptedContentTypes: cfg.Fetch.AcceptedContentTypes,
		RetireUnmatched:      cfg.Reconcile.RetireUnmatched,
		ArchivePrefix:        cfg.Storage.Prefix,
		Topic:                topic,
	}, logger.Named("reconcile"))
	if err != nil {
		return fmt.Errorf("init driver: %w", err)
	}
	a.driver = driver
	return nil
}

// OpenLedger opens and migrates only the configured ledger, for read-only
// commands that do not reconcile.
func OpenLedger(ctx context.Context, cfg config.Config, logger *zap.Logger) (*ledger.Ledger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return openLedger(ctx, cfg, nil, system.New(), logger)
}

func openLedger(
	ctx context.Context,
	cfg config.Config,
	backend ledger.Backend,
	clock tariff.Clock,
	logger *zap.Logger,
) (*ledger.Ledger, error) {
	if backend == nil {
		var err error
		backend, err = buildBackend(ctx, cfg.Ledger)
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		logger.Info("ledger opened", zap.String("provider", cfg.Ledger.Provider))
	}
	led := ledger.New(backend, clock, logger.Named("ledger"))
	if err := led.Migrate(ctx); err != nil {
		if cerr := led.Close(); cerr != nil {
			logger.Warn("close ledger after failed migration", zap.Error(cerr))
		}
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return led, nil
}

func buildBackend(ctx context.Context, cfg config.LedgerConfig) (ledger.Backend, error) {
	switch cfg.Provider {
	case config.LedgerSQLite:
		return sqlite.Open(sqlite.Config{Path: cfg.DSN, Table: cfg.Table})
	case config.LedgerPostgres:
		return postgres.Open(ctx, postgres.Config{
			DSN:             cfg.DSN,
			Table:           cfg.Table,
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
		})
	case config.LedgerMemory:
		return memoryledger.New(), nil
	default:
		return nil, fmt.Errorf("unknown ledger provider %q", cfg.Provider)
	}
}

func (a *App) renderer(cfg config.Config) (*headless.Renderer, error) {
	r, err := headless.NewChromedp(headless.Config{
		MaxParallel:       cfg.Headless.MaxParallel,
		UserAgent:         cfg.Crawler.UserAgent,
		NavigationTimeout: cfg.Headless.NavTimeout,
		Settle:            cfg.Headless.SettleTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("init headless renderer: %w", err)
	}
	a.closers = append(a.closers, func() error {
		r.Close()
		return nil
	})
	a.logger.Info("headless renderer ready",
		zap.Bool("always", cfg.Crawler.Headless),
		zap.Int("max_parallel", cfg.Headless.MaxParallel),
	)
	return r, nil
}

func (a *App) pageSource(cfg config.Config, limiter *ratelimit.Limiter) (tariff.Fetcher, error) {
	if cfg.Crawler.Headless {
		return a.renderer(cfg)
	}
	return collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Crawler.UserAgent,
		RespectRobots: cfg.Crawler.RespectRobots,
		FetchTimeout:  cfg.HTTP.PageTimeout,
		ProbeTimeout:  cfg.HTTP.ProbeTimeout,
		Accept:        pageAccept,
	}, limiter), nil
}

func buildSelector(cfg config.SelectorConfig, logger *zap.Logger) (selector.Selector, error) {
	switch cfg.Provider {
	case config.SelectorKeyword:
		logger.Info("using keyword selector")
		return selector.NewKeyword(cfg.Keywords, cfg.MaxChoices), nil
	case config.SelectorAnthropic:
		completer, err := selector.NewAnthropic(selector.AnthropicConfig{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			Timeout:   cfg.Timeout,
			BaseURL:   cfg.BaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("init anthropic selector: %w", err)
		}
		logger.Info("using anthropic selector", zap.String("model", cfg.Model))
		sel, err := selector.NewLLM(completer, selector.LLMConfig{
			Target:     cfg.Target,
			MaxChoices: cfg.MaxChoices,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("init llm selector: %w", err)
		}
		return sel, nil
	default:
		return nil, fmt.Errorf("unknown selector provider %q", cfg.Provider)
	}
}

func (a *App) blobStore(ctx context.Context, cfg config.StorageConfig) (tariff.BlobStore, error) {
	switch cfg.Provider {
	case config.ProviderNone, "":
		return nil, nil
	case config.ProviderMemory:
		return memorystorage.NewBlobStore(), nil
	case config.ProviderLocal:
		s, err := local.New(local.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("init local archive: %w", err)
		}
		a.logger.Info("archiving to local directory", zap.String("dir", cfg.LocalDir))
		return s, nil
	case config.ProviderGCS:
		s, err := gcs.Open(ctx, gcs.Config{Bucket: cfg.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs archive: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		a.logger.Info("archiving to GCS", zap.String("bucket", cfg.GCSBucket))
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}
}

func (a *App) publisher(ctx context.Context, cfg config.PubSubConfig) (tariff.Publisher, error) {
	switch cfg.Provider {
	case config.ProviderNone, "":
		return nil, nil
	case config.ProviderMemory:
		return memorypublisher.New(), nil
	case config.ProviderPubSub:
		p, err := pubsub.Open(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("init pubsub publisher: %w", err)
		}
		a.closers = append(a.closers, p.Close)
		a.logger.Info("publishing changes", zap.String("project", cfg.ProjectID), zap.String("topic", cfg.TopicName))
		return p, nil
	default:
		return nil, fmt.Errorf("unknown pubsub provider %q", cfg.Provider)
	}
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Ledger exposes the document ledger.
func (a *App) Ledger() *ledger.Ledger {
	return a.ledger
}

// Run reconciles the configured seeds, remembers the report and, when
// configured, writes the metrics textfile.
func (a *App) Run(ctx context.Context) reconcile.RunReport {
	return a.RunSeeds(ctx, a.cfg.Seeds)
}

// RunSeeds reconciles the given seeds.
func (a *App) RunSeeds(ctx context.Context, seeds []reconcile.Seed) reconcile.RunReport {
	report := a.driver.Run(ctx, seeds)

	a.mu.Lock()
	a.latest = &report
	a.mu.Unlock()

	if path := a.cfg.Metrics.TextfilePath; path != "" {
		if err := metrics.WriteTextfile(path); err != nil {
			a.logger.Warn("writing metrics textfile failed", zap.String("path", path), zap.Error(err))
		}
	}
	return report
}

// Latest returns the report of the most recent run, if any.
func (a *App) Latest() (reconcile.RunReport, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.latest == nil {
		return reconcile.RunReport{}, false
	}
	return *a.latest, true
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if len(errs) > 0 {
		return fmt.Errorf("close app: %w", errors.Join(errs...))
	}
	return nil
}
