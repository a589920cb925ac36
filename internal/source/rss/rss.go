// Package rss adapts existing RSS, Atom and JSON feeds, enriching each item
// with the readable content of its linked page.
package rss

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/JakeFAU/pagefeed/internal/cachekey"
	"github.com/JakeFAU/pagefeed/internal/feed"
	"github.com/JakeFAU/pagefeed/internal/fetchcache"
	"github.com/JakeFAU/pagefeed/internal/source"
)

// DefaultRegexp accepts refs that look like feed URLs.
const DefaultRegexp = `(?i)^https?://\S+(\.xml|\.rss|\.atom|/feed/?|/rss/?|/atom/?|/feed\.json)$`

// Config customizes the adapter.
type Config struct {
	ID      string
	Regexp  string
	Refresh cachekey.Window
	Proxy   string
	// Limit caps items per feed; zero keeps all.
	Limit int
	// Render fetches linked pages through the browser during enrichment.
	Render bool
}

// Source reads feeds with gofeed.
type Source struct {
	cfg    Config
	parser *gofeed.Parser

	mu   sync.RWMutex
	meta map[string]source.Meta
}

// New builds the adapter.
func New(cfg Config) *Source {
	if cfg.ID == "" {
		cfg.ID = "rss"
	}
	if cfg.Regexp == "" {
		cfg.Regexp = DefaultRegexp
	}
	if cfg.Refresh == "" {
		cfg.Refresh = cachekey.Window30Min
	}
	return &Source{cfg: cfg, parser: gofeed.NewParser(), meta: make(map[string]source.Meta)}
}

// Descriptor implements source.Source.
func (s *Source) Descriptor() source.Descriptor {
	return source.Descriptor{ID: s.cfg.ID, Regexp: s.cfg.Regexp, Refresh: s.cfg.Refresh, Proxy: s.cfg.Proxy}
}

// FetchItems downloads and parses the feed at ref.
func (s *Source) FetchItems(ctx context.Context, ref string, rt source.Runtime) ([]feed.Item, error) {
	rec, err := rt.Pages.Fetch(ctx, ref, fetchcache.Options{Proxy: s.proxy(rt)})
	if err != nil {
		return nil, fmt.Errorf("fetch feed %s: %w", ref, err)
	}
	if err := source.StatusError(rec); err != nil {
		return nil, err
	}
	parsed, err := s.parser.ParseString(rec.Body)
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", ref, err)
	}

	s.mu.Lock()
	s.meta[ref] = source.Meta{
		Title:       parsed.Title,
		Link:        firstNonEmpty(parsed.Link, ref),
		Description: parsed.Description,
		Author:      authorName(parsed.Author),
	}
	s.mu.Unlock()

	entries := parsed.Items
	if s.cfg.Limit > 0 && len(entries) > s.cfg.Limit {
		entries = entries[:s.cfg.Limit]
	}
	items := make([]feed.Item, 0, len(entries))
	for _, entry := range entries {
		items = append(items, toItem(entry, ref))
	}
	return items, nil
}

// EnrichItem fetches the item's link and replaces Content with its readable text.
func (s *Source) EnrichItem(ctx context.Context, item feed.Item, rt source.Runtime) (feed.Item, error) {
	if item.Link == "" {
		return item, nil
	}
	rec, err := rt.Pages.Fetch(ctx, item.Link, fetchcache.Options{
		Render: s.cfg.Render,
		Mode:   rt.Mode(),
		Proxy:  s.proxy(rt),
	})
	if err != nil {
		return item, fmt.Errorf("fetch article %s: %w", item.Link, err)
	}
	article, err := source.Extract(rec)
	if err != nil {
		return item, err
	}
	return source.ApplyArticle(item, article), nil
}

// FeedMeta implements source.Describer using the last parsed channel.
func (s *Source) FeedMeta(ref string) source.Meta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.meta[ref]; ok {
		return m
	}
	return source.DefaultMeta(ref)
}

func (s *Source) proxy(rt source.Runtime) string {
	if s.cfg.Proxy != "" {
		return s.cfg.Proxy
	}
	return rt.Proxy
}

func toItem(entry *gofeed.Item, ref string) feed.Item {
	var pub time.Time
	switch {
	case entry.PublishedParsed != nil:
		pub = *entry.PublishedParsed
	case entry.UpdatedParsed != nil:
		pub = *entry.UpdatedParsed
	}
	item := feed.Item{
		GUID:      entry.GUID,
		Title:     entry.Title,
		Link:      entry.Link,
		PubDate:   pub,
		Author:    authorName(entry.Author),
		Summary:   strings.TrimSpace(entry.Description),
		Content:   entry.Content,
		SourceRef: ref,
	}
	if len(entry.Categories) > 0 {
		item.Extra = map[string]any{"categories": append([]string(nil), entry.Categories...)}
	}
	return feed.Normalize(item, ref)
}

func authorName(p *gofeed.Person) string {
	if p == nil {
		return ""
	}
	return firstNonEmpty(p.Name, p.Email)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
