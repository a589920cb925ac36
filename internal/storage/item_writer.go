package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JakeFAU/pagefeed/internal/feed"
	"github.com/JakeFAU/pagefeed/internal/hash/sha256"
)

// ItemWriter persists feed items as JSON objects on a BlobStore. Items of one
// source share a directory named after the hashed source ref.
type ItemWriter struct {
	blobs  BlobStore
	prefix string
}

// NewItemWriter builds an ItemWriter rooted at prefix.
func NewItemWriter(blobs BlobStore, prefix string) (*ItemWriter, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	return &ItemWriter{blobs: blobs, prefix: strings.Trim(prefix, "/")}, nil
}

// WriteItems stores every item plus an index document listing them in order.
func (w *ItemWriter) WriteItems(ctx context.Context, items []feed.Item) error {
	if len(items) == 0 {
		return nil
	}
	guids := make([]string, 0, len(items))
	for _, item := range items {
		if err := w.WriteItem(ctx, item); err != nil {
			return err
		}
		guids = append(guids, item.GUID)
	}
	index, err := json.Marshal(map[string]any{
		"sourceRef": items[0].SourceRef,
		"guids":     guids,
	})
	if err != nil {
		return fmt.Errorf("marshal item index: %w", err)
	}
	path := w.join(sha256.HexString(items[0].SourceRef), "index.json")
	if _, err := w.blobs.PutObject(ctx, path, "application/json", index); err != nil {
		return fmt.Errorf("write item index: %w", err)
	}
	return nil
}

// WriteItem stores a single item, overwriting any previous version.
func (w *ItemWriter) WriteItem(ctx context.Context, item feed.Item) error {
	if item.GUID == "" {
		return fmt.Errorf("item guid is required")
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}
	path := w.join(sha256.HexString(item.SourceRef), sha256.HexString(item.GUID)+".json")
	if _, err := w.blobs.PutObject(ctx, path, "application/json", payload); err != nil {
		return fmt.Errorf("write item %s: %w", item.GUID, err)
	}
	return nil
}

func (w *ItemWriter) join(parts ...string) string {
	if w.prefix == "" {
		return strings.Join(parts, "/")
	}
	return w.prefix + "/" + strings.Join(parts, "/")
}
