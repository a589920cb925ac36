package source

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagefeed/internal/feed"
	"github.com/JakeFAU/pagefeed/internal/fetchcache"
)

func TestStatusError(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{200, nil},
		{204, nil},
		{401, feed.ErrAuthRequired},
		{403, feed.ErrAuthRequired},
		{404, feed.ErrNotFound},
		{410, feed.ErrNotFound},
		{429, feed.ErrTransient},
		{503, feed.ErrTransient},
	}
	for _, tc := range tests {
		err := StatusError(fetchcache.Record{FinalURL: "https://example.com", Status: tc.status})
		if tc.want == nil {
			assert.NoError(t, err, tc.status)
			continue
		}
		assert.ErrorIs(t, err, tc.want, tc.status)
	}
}

func TestExtract(t *testing.T) {
	para := strings.Repeat("The enrichment queue fetches every article and keeps the readable part. ", 10)
	body := `<html><head><title>Queue notes</title></head><body>
<header><a href="/">Home</a></header>
<article><h1>Queue notes</h1><p class="byline">By Dana Lee</p><p>` + para + `</p><p>` + para + `</p></article>
<footer>copyright</footer></body></html>`

	a, err := Extract(fetchcache.Record{FinalURL: "https://example.com/notes", Status: 200, Body: body})
	require.NoError(t, err)
	assert.Contains(t, a.Content, "keeps the readable part")
	assert.Contains(t, a.Text, "enrichment queue")
}

func TestExtract_EmptyBody(t *testing.T) {
	_, err := Extract(fetchcache.Record{FinalURL: "https://example.com", Status: 200, Body: "  "})
	require.Error(t, err)
}

func TestApplyArticle(t *testing.T) {
	item := feed.Item{Title: "Kept", Summary: "kept summary"}
	got := ApplyArticle(item, Article{Title: "Other", Byline: " Dana ", Excerpt: "new", Content: "<p>x</p>"})
	assert.Equal(t, "Kept", got.Title)
	assert.Equal(t, "kept summary", got.Summary)
	assert.Equal(t, "Dana", got.Author)
	assert.Equal(t, "<p>x</p>", got.Content)
}
