// Package page builds feeds from HTML listing pages: every matching link on
// the page becomes an item, and enrichment extracts each linked article.
package page

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/pagefeed/internal/browser"
	"github.com/JakeFAU/pagefeed/internal/cachekey"
	"github.com/JakeFAU/pagefeed/internal/feed"
	"github.com/JakeFAU/pagefeed/internal/fetchcache"
	"github.com/JakeFAU/pagefeed/internal/source"
)

// Authenticator checks whether the browser profile holds a live session.
type Authenticator interface {
	PreCheckAuth(ctx context.Context, flow browser.AuthFlow, workDir string) (bool, error)
}

// Config customizes the adapter.
type Config struct {
	ID      string
	Pattern string
	Regexp  string
	Refresh cachekey.Window
	Proxy   string
	// Render fetches pages through the browser instead of plain HTTP.
	Render bool
	// LinkSelector picks item anchors. Defaults to "a[href]".
	LinkSelector string
	// SameHost drops links pointing at other hosts.
	SameHost bool
	Limit    int
	// Auth, when set with an Authenticator, makes PreCheck verify the login.
	Auth *browser.AuthFlow
}

// Source scrapes listing pages with goquery.
type Source struct {
	cfg  Config
	auth Authenticator
}

// New builds the adapter. auth may be nil when cfg.Auth is unset.
func New(cfg Config, auth Authenticator) *Source {
	if cfg.ID == "" {
		cfg.ID = "page"
	}
	if cfg.Pattern == "" && cfg.Regexp == "" {
		cfg.Regexp = `^https?://`
	}
	if cfg.LinkSelector == "" {
		cfg.LinkSelector = "a[href]"
	}
	return &Source{cfg: cfg, auth: auth}
}

// Descriptor implements source.Source.
func (s *Source) Descriptor() source.Descriptor {
	return source.Descriptor{
		ID:      s.cfg.ID,
		Pattern: s.cfg.Pattern,
		Regexp:  s.cfg.Regexp,
		Refresh: s.cfg.Refresh,
		Proxy:   s.cfg.Proxy,
	}
}

// AuthFlow returns the configured login flow, if any.
func (s *Source) AuthFlow() (browser.AuthFlow, bool) {
	if s.cfg.Auth == nil {
		return browser.AuthFlow{}, false
	}
	return *s.cfg.Auth, true
}

// PreCheck verifies the configured login flow, if any.
func (s *Source) PreCheck(ctx context.Context, _ source.Runtime) error {
	if s.cfg.Auth == nil || s.auth == nil {
		return nil
	}
	ok, err := s.auth.PreCheckAuth(ctx, *s.cfg.Auth, "")
	if err != nil {
		return fmt.Errorf("auth precheck %s: %w", s.cfg.Auth.Name, err)
	}
	if !ok {
		return fmt.Errorf("%s needs an interactive login: %w", s.cfg.Auth.Name, feed.ErrAuthRequired)
	}
	return nil
}

// FetchItems turns the links on ref into items.
func (s *Source) FetchItems(ctx context.Context, ref string, rt source.Runtime) ([]feed.Item, error) {
	rec, err := rt.Pages.Fetch(ctx, ref, s.options(rt))
	if err != nil {
		return nil, fmt.Errorf("fetch page %s: %w", ref, err)
	}
	if err := source.StatusError(rec); err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rec.Body))
	if err != nil {
		return nil, fmt.Errorf("parse page %s: %w", ref, err)
	}
	base, err := url.Parse(rec.FinalURL)
	if err != nil || rec.FinalURL == "" {
		base, err = url.Parse(ref)
		if err != nil {
			return nil, fmt.Errorf("parse ref %s: %w", ref, err)
		}
	}
	return s.collect(doc, base, ref, rec), nil
}

func (s *Source) collect(doc *goquery.Document, base *url.URL, ref string, rec fetchcache.Record) []feed.Item {
	seen := make(map[string]struct{})
	var items []feed.Item
	doc.Find(s.cfg.LinkSelector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, ok := sel.Attr("href")
		if !ok {
			return true
		}
		link, ok := resolve(base, href)
		if !ok {
			return true
		}
		if s.cfg.SameHost && !strings.EqualFold(link.Host, base.Host) {
			return true
		}
		title := strings.Join(strings.Fields(sel.Text()), " ")
		if title == "" {
			title = strings.TrimSpace(sel.AttrOr("title", ""))
		}
		if title == "" {
			return true
		}
		abs := link.String()
		if _, dup := seen[abs]; dup {
			return true
		}
		seen[abs] = struct{}{}
		items = append(items, feed.Normalize(feed.Item{
			Title:     title,
			Link:      abs,
			PubDate:   rec.CachedAt,
			SourceRef: ref,
		}, ref))
		return s.cfg.Limit <= 0 || len(items) < s.cfg.Limit
	})
	return items
}

// EnrichItem fetches the item's link and extracts its readable content.
func (s *Source) EnrichItem(ctx context.Context, item feed.Item, rt source.Runtime) (feed.Item, error) {
	rec, err := rt.Pages.Fetch(ctx, item.Link, s.options(rt))
	if err != nil {
		return item, fmt.Errorf("fetch article %s: %w", item.Link, err)
	}
	article, err := source.Extract(rec)
	if err != nil {
		return item, err
	}
	return source.ApplyArticle(item, article), nil
}

func (s *Source) options(rt source.Runtime) fetchcache.Options {
	proxy := s.cfg.Proxy
	if proxy == "" {
		proxy = rt.Proxy
	}
	return fetchcache.Options{Render: s.cfg.Render, Mode: rt.Mode(), Proxy: proxy}
}

func resolve(base *url.URL, href string) (*url.URL, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return nil, false
	}
	u, err := base.Parse(href)
	if err != nil {
		return nil, false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, false
	}
	u.Fragment = ""
	return u, true
}
