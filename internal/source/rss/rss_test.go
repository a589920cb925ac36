package rss

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagefeed/internal/feed"
	"github.com/JakeFAU/pagefeed/internal/fetchcache"
	"github.com/JakeFAU/pagefeed/internal/source"
)

const sampleFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Example News</title>
  <link>https://example.com/</link>
  <description>All the news</description>
  <item>
    <title>First post</title>
    <link>https://example.com/posts/1</link>
    <description>Short summary</description>
    <pubDate>Mon, 06 May 2024 10:00:00 GMT</pubDate>
    <category>go</category>
  </item>
  <item>
    <title>Second post</title>
    <description>No link here</description>
  </item>
</channel>
</rss>`

func TestFetchItems(t *testing.T) {
	pages := &fakePages{records: map[string]fetchcache.Record{
		"https://example.com/feed.xml": {FinalURL: "https://example.com/feed.xml", Status: 200, Body: sampleFeed},
	}}
	src := New(Config{})
	rt := source.Runtime{Pages: pages, Headless: true}

	items, err := src.FetchItems(context.Background(), "https://example.com/feed.xml", rt)
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "First post", items[0].Title)
	assert.Equal(t, "https://example.com/posts/1", items[0].GUID)
	assert.Equal(t, time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC), items[0].PubDate)
	assert.Equal(t, "Short summary", items[0].Summary)
	assert.Equal(t, []string{"go"}, items[0].Extra["categories"])
	assert.True(t, strings.HasPrefix(items[1].GUID, "urn:sha256:"))
	assert.Equal(t, "https://example.com/feed.xml", items[1].SourceRef)

	meta := src.FeedMeta("https://example.com/feed.xml")
	assert.Equal(t, "Example News", meta.Title)
	assert.Equal(t, "https://example.com/", meta.Link)
}

func TestFetchItems_Limit(t *testing.T) {
	pages := &fakePages{records: map[string]fetchcache.Record{
		"https://example.com/rss": {Status: 200, Body: sampleFeed},
	}}
	items, err := New(Config{Limit: 1}).FetchItems(context.Background(), "https://example.com/rss", source.Runtime{Pages: pages})
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestFetchItems_ErrorStatus(t *testing.T) {
	pages := &fakePages{records: map[string]fetchcache.Record{
		"https://example.com/feed.xml": {FinalURL: "https://example.com/feed.xml", Status: 404, StatusText: "Not Found"},
	}}
	_, err := New(Config{}).FetchItems(context.Background(), "https://example.com/feed.xml", source.Runtime{Pages: pages})
	require.ErrorIs(t, err, feed.ErrNotFound)
}

func TestEnrichItem(t *testing.T) {
	para := strings.Repeat("Go makes concurrent feed enrichment straightforward and readable. ", 12)
	article := "<html><head><title>First post</title></head><body><nav>menu</nav><article><h1>First post</h1>" +
		"<p>" + para + "</p><p>" + para + "</p><p>" + para + "</p></article></body></html>"
	pages := &fakePages{records: map[string]fetchcache.Record{
		"https://example.com/posts/1": {FinalURL: "https://example.com/posts/1", Status: 200, Body: article},
	}}
	src := New(Config{})
	item := feed.Item{GUID: "https://example.com/posts/1", Link: "https://example.com/posts/1", Title: "First post"}

	got, err := src.EnrichItem(context.Background(), item, source.Runtime{Pages: pages, Headless: true})
	require.NoError(t, err)
	assert.Contains(t, got.Content, "concurrent feed enrichment")
	assert.Equal(t, item.GUID, got.GUID)
	assert.Equal(t, item.Link, got.Link)
}

func TestDescriptorMatchesFeedURLs(t *testing.T) {
	reg := source.NewRegistry(nil)
	require.NoError(t, reg.Register(New(Config{})))

	for _, ref := range []string{"https://example.com/feed.xml", "https://blog.example.com/feed/", "http://x.io/rss"} {
		_, _, err := reg.Resolve(ref)
		assert.NoError(t, err, ref)
	}
	_, _, err := reg.Resolve("https://example.com/list")
	assert.ErrorIs(t, err, source.ErrNoSource)
}

type fakePages struct {
	records map[string]fetchcache.Record
}

func (f *fakePages) Fetch(_ context.Context, url string, _ fetchcache.Options) (fetchcache.Record, error) {
	rec, ok := f.records[url]
	if !ok {
		return fetchcache.Record{FinalURL: url, Status: http.StatusNotFound, StatusText: "Not Found"}, nil
	}
	if rec.FinalURL == "" {
		rec.FinalURL = url
	}
	return rec, nil
}
