package feedgen

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagefeed/internal/feed"
	"github.com/JakeFAU/pagefeed/internal/source"
)

func TestParseFormat(t *testing.T) {
	cases := map[string]Format{
		"":      FormatRSS,
		"RSS":   FormatRSS,
		"atom":  FormatAtom,
		" json": FormatJSON,
	}
	for raw, want := range cases {
		got, err := ParseFormat(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("yaml")
	assert.Error(t, err)
}

func TestRender(t *testing.T) {
	meta := source.Meta{Title: "Example", Link: "https://example.com/", Description: "desc", Author: "Ada"}
	items := []feed.Item{{
		GUID:    "https://example.com/a",
		Title:   "Hello",
		Link:    "https://example.com/a",
		Summary: "short",
		Content: "long body",
		PubDate: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}}
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	rss, err := Render(meta, items, FormatRSS, now)
	require.NoError(t, err)
	assert.Contains(t, rss, `<rss version="2.0"`)
	assert.Contains(t, rss, "<title>Hello</title>")

	atom, err := Render(meta, items, FormatAtom, now)
	require.NoError(t, err)
	assert.Contains(t, atom, "http://www.w3.org/2005/Atom")
	assert.Contains(t, atom, "https://example.com/a")

	js, err := Render(meta, items, FormatJSON, now)
	require.NoError(t, err)
	assert.Contains(t, js, "jsonfeed.org")
	assert.Contains(t, js, `"title": "Hello"`)
}

func TestRender_EmptyFeed(t *testing.T) {
	out, err := Render(source.DefaultMeta("https://example.com/"), nil, FormatRSS, time.Now())
	require.NoError(t, err)
	assert.Contains(t, out, "<channel>")
}
