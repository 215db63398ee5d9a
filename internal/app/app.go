// Package app initializes and holds long-lived application services, acting as a dependency
// injection container for the commands in cmd/registry-fetcher.
package app

import (
	"context"
	"errors"
	"fmt"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/registry-fetcher/internal/api"
	"github.com/JakeFAU/registry-fetcher/internal/browser"
	"github.com/JakeFAU/registry-fetcher/internal/clock/system"
	"github.com/JakeFAU/registry-fetcher/internal/config"
	"github.com/JakeFAU/registry-fetcher/internal/extract"
	"github.com/JakeFAU/registry-fetcher/internal/fetch"
	"github.com/JakeFAU/registry-fetcher/internal/freshness"
	"github.com/JakeFAU/registry-fetcher/internal/id/uuid"
	"github.com/JakeFAU/registry-fetcher/internal/lookup"
	"github.com/JakeFAU/registry-fetcher/internal/mcpserver"
	"github.com/JakeFAU/registry-fetcher/internal/metrics"
	"github.com/JakeFAU/registry-fetcher/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/registry-fetcher/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/registry-fetcher/internal/publisher/pubsub"
	"github.com/JakeFAU/registry-fetcher/internal/registry"
	"github.com/JakeFAU/registry-fetcher/internal/storage/gcs"
	"github.com/JakeFAU/registry-fetcher/internal/storage/local"
	"github.com/JakeFAU/registry-fetcher/internal/storage/memory"
	"github.com/JakeFAU/registry-fetcher/internal/storage/postgres"
	"github.com/JakeFAU/registry-fetcher/internal/storage/sqlite"
	"github.com/JakeFAU/registry-fetcher/internal/telemetry"
)

// Option customizes App construction.
type Option func(*options)

type options struct {
	driver  browser.Driver
	tracing bool
}

// WithDriver replaces the configured browser engine.
func WithDriver(d browser.Driver) Option {
	return func(o *options) { o.driver = d }
}

// WithoutTracing skips tracer provider setup.
func WithoutTracing() Option {
	return func(o *options) { o.tracing = false }
}

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// App holds every shared service. It is built once at startup and closed on exit.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	pool    *browser.Pool
	limiter *ratelimit.Limiter
	lookup  *lookup.Service
	ids     *uuid.Generator

	closers []closer
}

// New builds the service graph from cfg. Nothing is launched: the browser starts on the
// first fetch or an explicit Start.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	o := options{tracing: true}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger, ids: uuid.New()}
	ready := false
	defer func() {
		if !ready {
			if err := a.Close(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("cleanup after failed init", zap.Error(err))
			}
		}
	}()

	if o.tracing {
		tp, terr := telemetry.InitTracerProvider(ctx, cfg.Tracing.ServiceName, cfg.Tracing.SampleRatio)
		if terr != nil {
			return nil, fmt.Errorf("init tracing: %w", terr)
		}
		a.onClose("tracer provider", func(ctx context.Context) error { return shutdownTracer(ctx, tp) })
	}

	driver := o.driver
	if driver == nil {
		d, err := newDriver(cfg.Browser)
		if err != nil {
			return nil, err
		}
		driver = d
	}
	a.pool = browser.NewPool(browser.Config{
		MaxSessions:     cfg.Browser.MaxSessions,
		MaxAge:          cfg.Browser.MaxAge,
		RestartCooldown: cfg.Browser.RestartCooldown,
	}, driver, logger)
	a.onClose("session pool", func(context.Context) error { return a.pool.CloseAll() })

	a.limiter = ratelimit.New(ratelimit.Config{
		Capacity:       cfg.RateLimit.Capacity,
		RefillTokens:   cfg.RateLimit.RefillTokens,
		RefillInterval: cfg.RateLimit.RefillInterval,
	})

	fetcher, err := fetch.New(fetch.Config{
		BaseURL:       cfg.Source.BaseURL,
		SearchPath:    cfg.Source.SearchPath,
		SearchParam:   cfg.Source.SearchParam,
		SourceID:      cfg.Source.ID,
		SearchTimeout: cfg.Fetch.SearchTimeout,
		PageTimeout:   cfg.Fetch.PageTimeout,
		BoardScan:     fetch.BoardScan(cfg.Fetch.BoardScan),
		MaxAttempts:   cfg.Retry.MaxAttempts,
		Backoff: ratelimit.Backoff{
			Initial:    cfg.Retry.InitialDelay,
			Multiplier: cfg.Retry.Multiplier,
			Max:        cfg.Retry.MaxDelay,
			Jitter:     cfg.Retry.Jitter,
		},
	}, a.pool, a.limiter, extract.NewParser(), logger,
		fetch.WithPacer(fetch.RandomPacer{Min: cfg.Pacing.MinDelay, Max: cfg.Pacing.MaxDelay}),
	)
	if err != nil {
		return nil, fmt.Errorf("init orchestrator: %w", err)
	}

	cache, err := a.newCache(ctx)
	if err != nil {
		return nil, err
	}

	lookupOpts := []lookup.Option{lookup.WithIDGenerator(a.ids)}
	snapshots, err := a.newSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	if snapshots != nil {
		lookupOpts = append(lookupOpts, lookup.WithSnapshots(snapshots))
	}
	events, err := a.newPublisher(ctx)
	if err != nil {
		return nil, err
	}
	if events != nil {
		lookupOpts = append(lookupOpts, lookup.WithPublisher(events))
	}

	policy := freshness.New(cache, system.New(), cfg.Cache.StaleAfterDays)
	svc, err := lookup.New(lookup.Config{
		ServeStaleOnError: cfg.Cache.ServeStaleOnError,
		SnapshotPrefix:    cfg.Snapshots.Prefix,
		EventTopic:        cfg.Events.Topic,
	}, policy, fetcher, cache, logger, lookupOpts...)
	if err != nil {
		return nil, fmt.Errorf("init lookup service: %w", err)
	}
	a.lookup = svc

	logger.Info("application services initialized",
		zap.String("engine", cfg.Browser.Engine),
		zap.String("cache", cfg.Cache.Driver),
		zap.String("snapshots", cfg.Snapshots.Backend),
		zap.String("events", cfg.Events.Backend))
	ready = true
	return a, nil
}

func newDriver(cfg config.BrowserConfig) (browser.Driver, error) {
	switch cfg.Engine {
	case "chromedp":
		return browser.NewChromedp(browser.ChromedpConfig{
			Headless:          cfg.Headless,
			ExecPath:          cfg.ExecPath,
			NavigationTimeout: cfg.NavTimeout,
		}), nil
	case "rod":
		return browser.NewRod(browser.RodConfig{
			Headless:          cfg.Headless,
			ExecPath:          cfg.ExecPath,
			ControlURL:        cfg.ControlURL,
			NavigationTimeout: cfg.NavTimeout,
		}), nil
	default:
		return nil, fmt.Errorf("unknown browser engine: %s", cfg.Engine)
	}
}

func (a *App) newCache(ctx context.Context) (registry.CacheStore, error) {
	switch a.cfg.Cache.Driver {
	case "sqlite":
		store, err := sqlite.Open(ctx, a.cfg.Cache.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite cache: %w", err)
		}
		a.onClose("sqlite cache", func(context.Context) error { return store.Close() })
		a.logger.Info("using sqlite cache", zap.String("path", store.Path()))
		return store, nil
	case "postgres":
		store, err := postgres.NewCacheStore(ctx, postgres.Config{
			DSN:             a.cfg.Cache.DSN,
			MaxConns:        a.cfg.Cache.MaxConns,
			MaxConnLifetime: a.cfg.Cache.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("connect postgres cache: %w", err)
		}
		a.onClose("postgres cache", func(context.Context) error {
			store.Close()
			return nil
		})
		if err := store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate postgres cache: %w", err)
		}
		a.logger.Info("using postgres cache")
		return store, nil
	case "memory":
		a.logger.Info("using in-memory cache; records are lost on exit")
		return memory.NewCacheStore(), nil
	default:
		return nil, fmt.Errorf("unknown cache driver: %s", a.cfg.Cache.Driver)
	}
}

func (a *App) newSnapshots(ctx context.Context) (registry.SnapshotStore, error) {
	switch a.cfg.Snapshots.Backend {
	case "none":
		return nil, nil
	case "memory":
		return memory.NewBlobStore(), nil
	case "local":
		store, err := local.New(local.Config{BaseDir: a.cfg.Snapshots.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("init local snapshots: %w", err)
		}
		return store, nil
	case "gcs":
		store, err := gcs.Dial(ctx, gcs.Config{Bucket: a.cfg.Snapshots.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs snapshots: %w", err)
		}
		a.onClose("gcs snapshots", func(context.Context) error { return store.Close() })
		a.logger.Info("archiving snapshots to gcs", zap.String("bucket", a.cfg.Snapshots.GCSBucket))
		return store, nil
	default:
		return nil, fmt.Errorf("unknown snapshots backend: %s", a.cfg.Snapshots.Backend)
	}
}

func (a *App) newPublisher(ctx context.Context) (registry.Publisher, error) {
	switch a.cfg.Events.Backend {
	case "none":
		return nil, nil
	case "memory":
		return memorypublisher.New(), nil
	case "pubsub":
		pub, err := pubsubpublisher.Dial(ctx, a.cfg.Events.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("init pubsub publisher: %w", err)
		}
		a.onClose("pubsub publisher", func(context.Context) error { return pub.Close() })
		a.logger.Info("publishing refresh events to pubsub", zap.String("topic", a.cfg.Events.Topic))
		return pub, nil
	default:
		return nil, fmt.Errorf("unknown events backend: %s", a.cfg.Events.Backend)
	}
}

func (a *App) onClose(name string, fn func(ctx context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func shutdownTracer(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if err := tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	return nil
}

// Start launches the browser ahead of the first request.
func (a *App) Start(ctx context.Context) error {
	return a.pool.Init(ctx)
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Lookup returns the lookup service.
func (a *App) Lookup() *lookup.Service {
	return a.lookup
}

// Pool returns the browser session pool.
func (a *App) Pool() *browser.Pool {
	return a.pool
}

// Limiter returns the registry rate limiter.
func (a *App) Limiter() *ratelimit.Limiter {
	return a.limiter
}

// HTTPServer builds the HTTP API over the App's services.
func (a *App) HTTPServer() *api.Server {
	return api.NewServer(api.Deps{
		Lookup:   a.lookup,
		Limiter:  a.limiter,
		Pool:     a.pool,
		IDs:      a.ids,
		SourceID: a.cfg.Source.ID,
	}, a.cfg, a.logger.Named("api"))
}

// MCPServer builds the MCP tool surface over the App's services.
func (a *App) MCPServer() *mcpserver.Server {
	return mcpserver.New(a.lookup, a.limiter, a.pool, a.cfg.Source.ID, a.logger.Named("mcp"))
}

// Close shuts services down in reverse construction order. It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("error closing service", zap.String("service", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
