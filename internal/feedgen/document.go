package feedgen

import (
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/feeds"

	"github.com/JakeFAU/pagefeed/internal/feed"
	"github.com/JakeFAU/pagefeed/internal/source"
)

// Format is an output document format.
type Format string

// Supported formats.
const (
	FormatRSS  Format = "rss"
	FormatAtom Format = "atom"
	FormatJSON Format = "json"
)

// ParseFormat validates a format name; empty means RSS.
func ParseFormat(raw string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(raw))); f {
	case "":
		return FormatRSS, nil
	case FormatRSS, FormatAtom, FormatJSON:
		return f, nil
	default:
		return "", fmt.Errorf("unknown feed format %q", raw)
	}
}

// ContentType returns the MIME type served for f.
func (f Format) ContentType() string {
	switch f {
	case FormatAtom:
		return "application/atom+xml; charset=utf-8"
	case FormatJSON:
		return "application/feed+json; charset=utf-8"
	default:
		return "application/rss+xml; charset=utf-8"
	}
}

// Render serializes items as a feed document.
func Render(meta source.Meta, items []feed.Item, format Format, updated time.Time) (string, error) {
	doc := &feeds.Feed{
		Id:          meta.Link,
		Title:       meta.Title,
		Link:        &feeds.Link{Href: meta.Link},
		Description: meta.Description,
		Updated:     updated,
		Created:     updated,
	}
	if meta.Author != "" {
		doc.Author = &feeds.Author{Name: meta.Author}
	}
	doc.Items = make([]*feeds.Item, 0, len(items))
	for _, item := range items {
		entry := &feeds.Item{
			Id:          item.GUID,
			Title:       item.Title,
			Link:        &feeds.Link{Href: item.Link},
			Description: item.Summary,
			Content:     item.Content,
			Created:     item.PubDate,
		}
		if item.Author != "" {
			entry.Author = &feeds.Author{Name: item.Author}
		}
		doc.Items = append(doc.Items, entry)
	}

	var (
		out string
		err error
	)
	switch format {
	case FormatAtom:
		out, err = doc.ToAtom()
	case FormatJSON:
		out, err = doc.ToJSON()
	default:
		out, err = doc.ToRss()
	}
	if err != nil {
		return "", fmt.Errorf("render %s feed: %w", format, err)
	}
	return out, nil
}
