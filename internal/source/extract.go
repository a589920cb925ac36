package source

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	readability "github.com/go-shiori/go-readability"

	"github.com/JakeFAU/pagefeed/internal/feed"
	"github.com/JakeFAU/pagefeed/internal/fetchcache"
)

// Article is the readable content extracted from a page.
type Article struct {
	Title   string
	Byline  string
	Excerpt string
	Content string
	Text    string
}

// Extract runs readability over a fetched page. Error statuses are
// classified: 5xx and 429 are transient, anything else non-2xx is not found.
func Extract(rec fetchcache.Record) (Article, error) {
	if err := StatusError(rec); err != nil {
		return Article{}, err
	}
	if strings.TrimSpace(rec.Body) == "" {
		return Article{}, fmt.Errorf("empty page %s", rec.FinalURL)
	}
	pageURL, _ := url.Parse(rec.FinalURL)
	article, err := readability.FromReader(strings.NewReader(rec.Body), pageURL)
	if err != nil {
		return Article{}, fmt.Errorf("extract content from %s: %w", rec.FinalURL, err)
	}
	if article.Content == "" {
		return Article{}, fmt.Errorf("no content extracted from %s", rec.FinalURL)
	}
	return Article{
		Title:   article.Title,
		Byline:  article.Byline,
		Excerpt: article.Excerpt,
		Content: article.Content,
		Text:    article.TextContent,
	}, nil
}

// StatusError maps a non-2xx record to the error taxonomy.
func StatusError(rec fetchcache.Record) error {
	switch {
	case rec.OK():
		return nil
	case rec.Status == http.StatusTooManyRequests || rec.Status >= 500:
		return fmt.Errorf("%s returned %d %s: %w", rec.FinalURL, rec.Status, rec.StatusText, feed.ErrTransient)
	case rec.Status == http.StatusUnauthorized || rec.Status == http.StatusForbidden:
		return fmt.Errorf("%s returned %d %s: %w", rec.FinalURL, rec.Status, rec.StatusText, feed.ErrAuthRequired)
	default:
		return fmt.Errorf("%s returned %d %s: %w", rec.FinalURL, rec.Status, rec.StatusText, feed.ErrNotFound)
	}
}

// ApplyArticle fills item content from an extracted article without
// overwriting fields the adapter already set, other than Content.
func ApplyArticle(item feed.Item, a Article) feed.Item {
	item.Content = a.Content
	if item.Author == "" {
		item.Author = strings.TrimSpace(a.Byline)
	}
	if item.Summary == "" {
		item.Summary = strings.TrimSpace(a.Excerpt)
	}
	if item.Title == "" {
		item.Title = strings.TrimSpace(a.Title)
	}
	return item
}
