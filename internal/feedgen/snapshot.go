package feedgen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"github.com/JakeFAU/pagefeed/internal/cachekey"
	"github.com/JakeFAU/pagefeed/internal/feed"
	"github.com/JakeFAU/pagefeed/internal/storage"
)

// SnapshotStore persists generated item arrays as JSON at feeds/<key>.json.
type SnapshotStore struct {
	blobs storage.BlobStore
}

// NewSnapshotStore builds a SnapshotStore.
func NewSnapshotStore(blobs storage.BlobStore) *SnapshotStore {
	return &SnapshotStore{blobs: blobs}
}

// Save replaces the snapshot for key.
func (s *SnapshotStore) Save(ctx context.Context, key cachekey.Key, items []feed.Item) error {
	if items == nil {
		items = []feed.Item{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if _, err := s.blobs.PutObject(ctx, snapshotPath(key), "application/json", data); err != nil {
		return fmt.Errorf("write snapshot %s: %w", key, err)
	}
	return nil
}

// Load returns the snapshot for key; the boolean is false when none exists.
func (s *SnapshotStore) Load(ctx context.Context, key cachekey.Key) ([]feed.Item, bool, error) {
	data, err := s.blobs.GetObject(ctx, snapshotPath(key))
	if errors.Is(err, feed.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read snapshot %s: %w", key, err)
	}
	var items []feed.Item
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, false, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	return items, true, nil
}

func snapshotPath(key cachekey.Key) string {
	return path.Join("feeds", key.String()+".json")
}
