// Package source defines the site adapter contract, the registry that
// validates adapters at load time, and helpers shared by the reference
// adapters.
package source

import (
	"context"
	"net/url"

	"github.com/JakeFAU/pagefeed/internal/browser"
	"github.com/JakeFAU/pagefeed/internal/cachekey"
	"github.com/JakeFAU/pagefeed/internal/feed"
	"github.com/JakeFAU/pagefeed/internal/fetchcache"
)

// Descriptor declares how refs are routed to an adapter and how long its
// feeds stay cached.
type Descriptor struct {
	ID string `json:"id"`
	// Pattern is a ref prefix. Regexp, when set, takes precedence.
	Pattern string `json:"pattern,omitempty"`
	Regexp  string `json:"regexp,omitempty"`
	// Refresh is the cache window; empty falls back to the configured default.
	Refresh cachekey.Window `json:"refresh,omitempty"`
	// Proxy routes this adapter's fetches through a proxy URL.
	Proxy string `json:"proxy,omitempty"`
}

// PageFetcher fetches pages through the fetch cache.
type PageFetcher interface {
	Fetch(ctx context.Context, url string, opts fetchcache.Options) (fetchcache.Record, error)
}

// Runtime is what adapters may use while fetching and enriching.
type Runtime struct {
	CacheDir string
	Headless bool
	Proxy    string
	Pages    PageFetcher
}

// Mode returns the browser mode matching rt.Headless.
func (rt Runtime) Mode() browser.Mode {
	if rt.Headless {
		return browser.Headless
	}
	return browser.Headful
}

// Source turns a ref into feed items.
type Source interface {
	Descriptor() Descriptor
	FetchItems(ctx context.Context, ref string, rt Runtime) ([]feed.Item, error)
}

// Enricher fills in full content for one item. Implementations must not
// change GUID or Link.
type Enricher interface {
	EnrichItem(ctx context.Context, item feed.Item, rt Runtime) (feed.Item, error)
}

// PreChecker runs before FetchItems, typically to verify a login. It may
// return feed.ErrAuthRequired.
type PreChecker interface {
	PreCheck(ctx context.Context, rt Runtime) error
}

// Meta is channel-level feed metadata.
type Meta struct {
	Title       string
	Link        string
	Description string
	Author      string
}

// Describer supplies channel metadata for a ref.
type Describer interface {
	FeedMeta(ref string) Meta
}

// DefaultMeta derives channel metadata from the ref itself.
func DefaultMeta(ref string) Meta {
	m := Meta{Title: ref, Link: ref, Description: "Generated feed for " + ref}
	if u, err := url.Parse(ref); err == nil && u.Host != "" {
		m.Title = u.Host + u.Path
	}
	return m
}
