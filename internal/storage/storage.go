// Package storage defines the blob abstraction shared by the fetch cache, the
// feed snapshot store and the item file sink. Backends live in the memory,
// local and gcs subpackages; relational sinks live in postgres and sqlite.
package storage

import (
	"context"
)

// BlobStore reads and writes opaque objects addressed by slash-separated paths.
// GetObject wraps feed.ErrNotFound when the object does not exist.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
}
