// Package app builds the long-lived pagefeed services from configuration and
// tears them down in reverse order.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	gcsclient "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagefeed/internal/api"
	"github.com/JakeFAU/pagefeed/internal/browser"
	"github.com/JakeFAU/pagefeed/internal/clock/system"
	"github.com/JakeFAU/pagefeed/internal/config"
	"github.com/JakeFAU/pagefeed/internal/enrich"
	"github.com/JakeFAU/pagefeed/internal/feed"
	"github.com/JakeFAU/pagefeed/internal/feedgen"
	collyfetcher "github.com/JakeFAU/pagefeed/internal/fetcher/colly"
	"github.com/JakeFAU/pagefeed/internal/fetchcache"
	"github.com/JakeFAU/pagefeed/internal/id/uuid"
	"github.com/JakeFAU/pagefeed/internal/policy/ratelimit"
	"github.com/JakeFAU/pagefeed/internal/publisher"
	gcppublisher "github.com/JakeFAU/pagefeed/internal/publisher/pubsub"
	"github.com/JakeFAU/pagefeed/internal/source"
	"github.com/JakeFAU/pagefeed/internal/source/page"
	"github.com/JakeFAU/pagefeed/internal/source/rss"
	"github.com/JakeFAU/pagefeed/internal/storage"
	gcsstorage "github.com/JakeFAU/pagefeed/internal/storage/gcs"
	localstorage "github.com/JakeFAU/pagefeed/internal/storage/local"
	memorystorage "github.com/JakeFAU/pagefeed/internal/storage/memory"
	pgstore "github.com/JakeFAU/pagefeed/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/pagefeed/internal/storage/sqlite"
)

const readyProbePath = "healthz/probe"

// App holds the shared services. Browser is nil when the browser is disabled.
type App struct {
	Config   config.Config
	Logger   *zap.Logger
	Blobs    storage.BlobStore
	Browser  *browser.Manager
	Queue    *enrich.Queue
	Registry *source.Registry
	Feeds    *feedgen.Orchestrator
	Server   *api.Server

	closers []closer
}

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// New wires every service. On failure, whatever was already started is closed.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}
	if err := a.build(ctx); err != nil {
		if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil {
			logger.Warn("cleanup after failed start", zap.Error(cerr))
		}
		return nil, err
	}
	logger.Info("application services initialized",
		zap.String("storage", cfg.Storage.Backend),
		zap.Bool("browser", a.Browser != nil),
		zap.Int("sources", len(a.Registry.Descriptors())),
	)
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config
	clock := system.New()

	blobs, err := a.buildBlobs(ctx)
	if err != nil {
		return err
	}
	a.Blobs = blobs

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Fetch.RateLimitRPS,
		DefaultBurst: cfg.Fetch.RateLimitBurst,
		HostRPS:      cfg.Fetch.HostRPS(),
	})
	static := collyfetcher.New(collyfetcher.Config{
		UserAgent:      cfg.Fetch.UserAgent,
		AcceptLanguage: cfg.Fetch.AcceptLanguage,
		RespectRobots:  cfg.Fetch.RespectRobots,
		Timeout:        cfg.Fetch.Timeout,
	})

	fetchCfg := fetchcache.Config{
		Store:   fetchcache.NewStore(blobs, cfg.Cache.FetchMaxAge, clock),
		Static:  static,
		Limiter: limiter,
		Clock:   clock,
		Window:  config.Window(cfg.Cache.FetchWindow),
		Logger:  a.Logger,
	}
	if cfg.Browser.Enabled {
		a.Browser = a.buildBrowser(limiter)
		fetchCfg.Renderer = a.Browser
		a.onClose("browser", a.Browser.Shutdown)
	}
	pages := fetchcache.NewFetcher(fetchCfg)

	a.Queue = enrich.New(enrich.Config{
		Concurrency:    cfg.Enrich.Concurrency,
		MaxRetries:     cfg.Enrich.MaxRetries,
		RetryBaseDelay: cfg.Enrich.RetryBaseDelay,
		RetryMaxDelay:  cfg.Enrich.RetryMaxDelay,
		ItemTimeout:    cfg.Enrich.ItemTimeout,
		MaxTasks:       cfg.Enrich.MaxTasks,
	}, uuid.New(), clock, a.Logger)
	a.onClose("enrich queue", a.Queue.Close)

	a.Registry = source.NewRegistry(a.Logger)
	a.Registry.Load(a.sources()...)

	sinks, err := a.buildSinks(ctx, blobs)
	if err != nil {
		return err
	}

	a.Feeds = feedgen.New(feedgen.Config{
		DefaultWindow:   config.Window(cfg.Cache.DefaultWindow),
		GenerateTimeout: cfg.Feed.GenerateTimeout,
		MaxEntries:      cfg.Feed.MaxEntries,
		Runtime: source.Runtime{
			CacheDir: cfg.Cache.Dir,
			Headless: cfg.Browser.Headless,
			Proxy:    cfg.Browser.Proxy,
			Pages:    pages,
		},
	}, a.Registry, a.Queue, feedgen.NewSnapshotStore(blobs), sinks, clock, a.Logger)

	a.Server = api.NewServer(a.Feeds, a.Queue, a.Registry, a.Ready, cfg.Auth, a.Logger)
	return nil
}

func (a *App) buildBlobs(ctx context.Context) (storage.BlobStore, error) {
	cfg := a.Config.Storage
	switch cfg.Backend {
	case "gcs":
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.onClose("gcs client", func(context.Context) error { return client.Close() })
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs blob store: %w", err)
		}
		a.Logger.Info("using gcs blob store", zap.String("bucket", cfg.GCSBucket))
		return blobs, nil
	case "memory":
		a.Logger.Info("using in-memory blob store; cache will not survive restarts")
		return memorystorage.NewBlobStore(), nil
	default:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.Config.Cache.Dir})
		if err != nil {
			return nil, fmt.Errorf("init local blob store: %w", err)
		}
		a.Logger.Info("using local blob store", zap.String("dir", a.Config.Cache.Dir))
		return blobs, nil
	}
}

func (a *App) buildBrowser(limiter *ratelimit.Limiter) *browser.Manager {
	cfg := a.Config
	profileDir := cfg.Browser.ProfileDir
	if profileDir == "" {
		profileDir = filepath.Join(cfg.Cache.Dir, "browser-profile")
	}
	launcher := browser.NewChromedpLauncher(browser.ChromedpConfig{
		ExecPath:      cfg.Browser.ExecPath,
		LaunchTimeout: cfg.Browser.LaunchTimeout,
	})
	return browser.NewManager(browser.Config{
		ProfileDir:        profileDir,
		UserAgent:         cfg.Fetch.UserAgent,
		AcceptLanguage:    cfg.Fetch.AcceptLanguage,
		NavigationTimeout: cfg.Browser.NavigationTimeout,
		PingTimeout:       cfg.Browser.PingTimeout,
		LockRetries:       cfg.Browser.LockRetries,
		LockRetryDelay:    cfg.Browser.LockRetryDelay,
		LaunchTimeout:     cfg.Browser.LaunchTimeout * time.Duration(cfg.Browser.LockRetries+2),
		AuthTimeout:       cfg.Browser.AuthTimeout,
		AuthPollInterval:  cfg.Browser.AuthPollInterval,
	}, launcher, a.Logger,
		browser.WithRecoverer(browser.NewReaper(cfg.Browser.ReapGrace, a.Logger)),
		browser.WithRateLimiter(limiter),
	)
}

// sources lists page adapters before the feed adapter so specific patterns
// win over the generic feed regexp.
func (a *App) sources() []source.Source {
	cfg := a.Config.Sources
	var auth page.Authenticator
	if a.Browser != nil {
		auth = a.Browser
	}
	out := make([]source.Source, 0, len(cfg.Pages)+1)
	for _, p := range cfg.Pages {
		pc := page.Config{
			ID:           p.ID,
			Pattern:      p.Pattern,
			Regexp:       p.Regexp,
			Refresh:      config.Window(p.Refresh),
			Proxy:        p.Proxy,
			Render:       p.Render,
			LinkSelector: p.LinkSelector,
			SameHost:     p.SameHost,
			Limit:        p.Limit,
		}
		if p.Auth != nil {
			pc.Auth = &browser.AuthFlow{Name: p.ID, LoginURL: p.Auth.LoginURL, CheckScript: p.Auth.CheckScript}
		}
		out = append(out, page.New(pc, auth))
	}
	if cfg.RSS.Enabled {
		out = append(out, rss.New(rss.Config{
			Regexp:  cfg.RSS.Regexp,
			Refresh: config.Window(cfg.RSS.Refresh),
			Proxy:   cfg.RSS.Proxy,
			Limit:   cfg.RSS.Limit,
			Render:  cfg.RSS.Render,
		}))
	}
	return out
}

func (a *App) buildSinks(ctx context.Context, blobs storage.BlobStore) (*feedgen.Sinks, error) {
	cfg := a.Config
	var sinks []any

	if cfg.Postgres.DSN != "" {
		pg, err := pgstore.NewItemStore(ctx, pgstore.Config{
			DSN:             cfg.Postgres.DSN,
			Table:           cfg.Postgres.Table,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("init postgres item store: %w", err)
		}
		a.onClose("postgres", func(context.Context) error { pg.Close(); return nil })
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure postgres schema: %w", err)
		}
		sinks = append(sinks, pg)
	}

	if cfg.SQLite.Path != "" {
		db, err := sqlitestore.Open(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("init sqlite item store: %w", err)
		}
		a.onClose("sqlite", func(context.Context) error { return db.Close() })
		sinks = append(sinks, db)
	}

	if cfg.Storage.WriteItems {
		w, err := storage.NewItemWriter(blobs, cfg.Storage.ItemPrefix)
		if err != nil {
			return nil, fmt.Errorf("init item writer: %w", err)
		}
		sinks = append(sinks, w)
	}

	if cfg.PubSub.ProjectID != "" {
		pub, client, err := gcppublisher.Connect(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
		if err != nil {
			return nil, fmt.Errorf("init pubsub publisher: %w", err)
		}
		a.onClose("pubsub", func(context.Context) error {
			pub.Close()
			return client.Close()
		})
		sinks = append(sinks, publisher.NewSink(pub, a.Logger))
	}

	return feedgen.NewSinks(a.Logger, sinks...), nil
}

type loginSource interface {
	AuthFlow() (browser.AuthFlow, bool)
}

// Login opens the login flow of source id in a visible browser window and
// waits until its check passes, so later headless fetches reuse the session.
func (a *App) Login(ctx context.Context, id string) error {
	src, ok := a.Registry.Lookup(id)
	if !ok {
		return fmt.Errorf("source %s: %w", id, feed.ErrNotFound)
	}
	var flow browser.AuthFlow
	ls, ok := src.(loginSource)
	if ok {
		flow, ok = ls.AuthFlow()
	}
	if !ok {
		return fmt.Errorf("source %s has no login flow: %w", id, feed.ErrConfiguration)
	}
	if a.Browser == nil {
		return fmt.Errorf("login %s: browser is disabled: %w", id, feed.ErrConfiguration)
	}
	a.Logger.Info("starting interactive login", zap.String("source", id), zap.String("url", flow.LoginURL))
	return a.Browser.EnsureAuth(ctx, flow, "")
}

// Ready reports whether the blob store answers. A missing probe object is
// fine; any other error is not.
func (a *App) Ready(ctx context.Context) error {
	if a.Blobs == nil {
		return errors.New("blob store not initialized")
	}
	if _, err := a.Blobs.GetObject(ctx, readyProbePath); err != nil && !errors.Is(err, feed.ErrNotFound) {
		return fmt.Errorf("blob store: %w", err)
	}
	return nil
}

func (a *App) onClose(name string, fn func(ctx context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Close shuts services down in reverse start order and returns every error.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.Logger.Warn("close failed", zap.String("service", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
