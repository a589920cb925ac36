// Package feed defines the item model and error taxonomy shared by every
// pagefeed subsystem.
package feed

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Item is a single feed entry produced by a source adapter.
//
// FetchItems creates items, EnrichItem mutates them in place (never GUID or
// Link) and sinks persist them. PubDate serializes as RFC 3339.
type Item struct {
	GUID      string         `json:"guid"`
	Title     string         `json:"title"`
	Link      string         `json:"link"`
	PubDate   time.Time      `json:"pubDate"`
	Author    string         `json:"author,omitempty"`
	Summary   string         `json:"summary,omitempty"`
	Content   string         `json:"content,omitempty"`
	SourceRef string         `json:"sourceRef"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// DeriveGUID returns the link when present, otherwise a stable digest of the
// fields that identify the item within its source.
func DeriveGUID(item Item) string {
	if link := strings.TrimSpace(item.Link); link != "" {
		return link
	}
	h := sha256.New()
	h.Write([]byte(item.SourceRef))
	h.Write([]byte{0})
	h.Write([]byte(item.Title))
	h.Write([]byte{0})
	if !item.PubDate.IsZero() {
		h.Write([]byte(item.PubDate.UTC().Format(time.RFC3339)))
	}
	return "urn:sha256:" + hex.EncodeToString(h.Sum(nil))
}

// Normalize fills GUID and SourceRef and trims whitespace from text fields.
func Normalize(item Item, sourceRef string) Item {
	item.Title = strings.TrimSpace(item.Title)
	item.Link = strings.TrimSpace(item.Link)
	if item.SourceRef == "" {
		item.SourceRef = sourceRef
	}
	if item.GUID == "" {
		item.GUID = DeriveGUID(item)
	}
	if !item.PubDate.IsZero() {
		item.PubDate = item.PubDate.UTC()
	}
	return item
}

// Clone returns a deep copy of the item.
func (i Item) Clone() Item {
	cp := i
	if i.Extra != nil {
		cp.Extra = make(map[string]any, len(i.Extra))
		for k, v := range i.Extra {
			cp.Extra[k] = v
		}
	}
	return cp
}

// CloneItems deep-copies a slice of items.
func CloneItems(items []Item) []Item {
	if items == nil {
		return nil
	}
	out := make([]Item, len(items))
	for idx, item := range items {
		out[idx] = item.Clone()
	}
	return out
}
