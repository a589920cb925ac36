package fetchcache

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/pagefeed/internal/browser"
	"github.com/JakeFAU/pagefeed/internal/cachekey"
	collyfetcher "github.com/JakeFAU/pagefeed/internal/fetcher/colly"
	"github.com/JakeFAU/pagefeed/internal/feed"
	"github.com/JakeFAU/pagefeed/internal/metrics"
)

// Renderer performs browser-rendered fetches.
type Renderer interface {
	FetchRendered(ctx context.Context, url string, opts browser.FetchOptions) (browser.Rendered, error)
}

// StaticFetcher performs plain HTTP fetches.
type StaticFetcher interface {
	Fetch(ctx context.Context, request collyfetcher.Request) (collyfetcher.Response, error)
}

// RateLimiter throttles live static fetches per host. Rendered fetches are
// throttled by the browser manager.
type RateLimiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Options selects how a page is fetched and cached.
type Options struct {
	Render  bool
	Window  cachekey.Window
	Headers http.Header
	Mode    browser.Mode
	WorkDir string
	Proxy   string
	// Bypass skips the cache read; the live result is still written.
	Bypass bool
}

const defaultFetchTimeout = 2 * time.Minute

// Fetcher is a read-through cache in front of the static and rendered fetchers.
type Fetcher struct {
	store    *Store
	renderer Renderer
	static   StaticFetcher
	limiter  RateLimiter
	clock    Clock
	window   cachekey.Window
	timeout  time.Duration
	logger   *zap.Logger
	group    singleflight.Group
}

// Config wires a Fetcher.
type Config struct {
	Store    *Store
	Renderer Renderer
	Static   StaticFetcher
	Limiter  RateLimiter
	Clock    Clock
	// Window is used when Options.Window is empty.
	Window cachekey.Window
	// Timeout bounds one shared live fetch, independent of any caller.
	Timeout time.Duration
	Logger  *zap.Logger
}

// NewFetcher builds a Fetcher.
func NewFetcher(cfg Config) *Fetcher {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &Fetcher{
		store:    cfg.Store,
		renderer: cfg.Renderer,
		static:   cfg.Static,
		limiter:  cfg.Limiter,
		clock:    cfg.Clock,
		window:   cfg.Window.Or(cachekey.DefaultWindow),
		timeout:  timeout,
		logger:   logger.Named("fetchcache"),
	}
}

// Fetch returns the cached record for url in the current window, fetching
// and storing it when missing. Concurrent identical fetches share one live
// request, which runs detached from any single caller's context. Transient
// responses (429, 5xx) are returned but never stored.
func (f *Fetcher) Fetch(ctx context.Context, url string, opts Options) (Record, error) {
	ref := url
	if opts.Render {
		ref = "render:" + url
	}
	key := cachekey.New(ref, opts.Window.Or(f.window), f.clock.Now())

	if !opts.Bypass {
		if rec, ok := f.lookup(ctx, key); ok {
			metrics.ObserveFetchCache(true)
			return rec, nil
		}
		metrics.ObserveFetchCache(false)
	}

	flight := key.String()
	if opts.Bypass {
		flight = "bypass:" + flight
	}
	ch := f.group.DoChan(flight, func() (any, error) {
		liveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
		defer cancel()
		// A flight that finished between our lookup and this call has
		// already stored the record.
		if !opts.Bypass {
			if rec, ok := f.lookup(liveCtx, key); ok {
				return rec, nil
			}
		}
		rec, err := f.live(liveCtx, url, opts)
		if err != nil {
			return Record{}, err
		}
		if !rec.Cacheable() {
			f.logger.Debug("not caching transient response",
				zap.String("url", url), zap.Int("status", rec.Status))
			return rec, nil
		}
		if err := f.store.Put(liveCtx, key, rec); err != nil {
			f.logger.Warn("fetch cache write failed", zap.String("key", key.String()), zap.Error(err))
		}
		return rec, nil
	})
	select {
	case <-ctx.Done():
		return Record{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Record{}, res.Err
		}
		return res.Val.(Record), nil
	}
}

func (f *Fetcher) lookup(ctx context.Context, key cachekey.Key) (Record, bool) {
	rec, ok, err := f.store.Get(ctx, key)
	if err != nil {
		f.logger.Warn("fetch cache read failed", zap.String("key", key.String()), zap.Error(err))
		return Record{}, false
	}
	return rec, ok
}

func (f *Fetcher) live(ctx context.Context, url string, opts Options) (Record, error) {
	if opts.Render {
		if f.renderer == nil {
			return Record{}, fmt.Errorf("rendered fetch of %s: no browser configured: %w", url, feed.ErrConfiguration)
		}
		r, err := f.renderer.FetchRendered(ctx, url, browser.FetchOptions{
			Mode:    opts.Mode,
			WorkDir: opts.WorkDir,
			Proxy:   opts.Proxy,
			Headers: opts.Headers,
		})
		if err != nil {
			return Record{}, err
		}
		return Record{
			FinalURL:   r.FinalURL,
			Status:     r.Status,
			StatusText: r.StatusText,
			Headers:    r.Headers,
			Body:       r.HTML,
			CachedAt:   f.clock.Now(),
		}, nil
	}

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, url); err != nil {
			return Record{}, err
		}
	}
	resp, err := f.static.Fetch(ctx, collyfetcher.Request{URL: url, Headers: opts.Headers, Proxy: opts.Proxy})
	if err != nil {
		return Record{}, fmt.Errorf("fetch %s: %w", url, err)
	}
	metrics.ObserveFetch(url, resp.StatusCode, len(resp.Body))
	return Record{
		FinalURL:   resp.FinalURL,
		Status:     resp.StatusCode,
		StatusText: resp.StatusText,
		Headers:    resp.Headers,
		Body:       string(resp.Body),
		CachedAt:   f.clock.Now(),
	}, nil
}
