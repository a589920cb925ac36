// Package fetchcache stores raw page fetches under content-addressed,
// time-bucketed keys and serves them read-through to site adapters.
package fetchcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"time"

	"github.com/JakeFAU/pagefeed/internal/cachekey"
	"github.com/JakeFAU/pagefeed/internal/feed"
	"github.com/JakeFAU/pagefeed/internal/storage"
)

// Record is one cached fetch.
type Record struct {
	FinalURL   string      `json:"finalUrl"`
	Status     int         `json:"status"`
	StatusText string      `json:"statusText"`
	Headers    http.Header `json:"headers"`
	Body       string      `json:"body"`
	CachedAt   time.Time   `json:"cachedAt"`
}

// OK reports whether the record carries a 2xx status.
func (r Record) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Cacheable reports whether the record may be stored. Rate-limit and
// server-error responses are transient and must be fetched again.
func (r Record) Cacheable() bool {
	return r.Status != http.StatusTooManyRequests && r.Status < 500
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// Store persists records as JSON objects at <prefix>/<key>.json.
type Store struct {
	blobs  storage.BlobStore
	prefix string
	maxAge time.Duration
	clock  Clock
}

// NewStore builds a Store. A zero maxAge disables the age check, leaving
// expiry to the key's time bucket.
func NewStore(blobs storage.BlobStore, maxAge time.Duration, clock Clock) *Store {
	return &Store{blobs: blobs, prefix: "fetch", maxAge: maxAge, clock: clock}
}

// Get returns the record for key. The boolean is false on a miss, including
// records older than maxAge.
func (s *Store) Get(ctx context.Context, key cachekey.Key) (Record, bool, error) {
	data, err := s.blobs.GetObject(ctx, s.objectPath(key))
	if errors.Is(err, feed.ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("read fetch record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode fetch record %s: %w", key, err)
	}
	if s.maxAge > 0 && s.clock.Now().Sub(rec.CachedAt) > s.maxAge {
		return Record{}, false, nil
	}
	return rec, true, nil
}

// Put writes rec under key, replacing any previous record.
func (s *Store) Put(ctx context.Context, key cachekey.Key, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode fetch record: %w", err)
	}
	if _, err := s.blobs.PutObject(ctx, s.objectPath(key), "application/json", data); err != nil {
		return fmt.Errorf("write fetch record: %w", err)
	}
	return nil
}

func (s *Store) objectPath(key cachekey.Key) string {
	return path.Join(s.prefix, key.String()+".json")
}
