// Package cachekey builds the content-addressed, time-bucketed keys shared by
// the fetch cache and the feed snapshot store.
//
// A window strategy buckets wall-clock time into fixed intervals. Entries
// expire implicitly when the clock crosses a bucket boundary because the key
// changes; no TTL bookkeeping is needed.
package cachekey

import (
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/pagefeed/internal/hash/sha256"
)

// Window is a cache-bucketing strategy.
type Window string

// Supported window strategies.
const (
	WindowForever Window = "forever"
	Window10Min   Window = "10min"
	Window30Min   Window = "30min"
	Window1Hour   Window = "1h"
	Window6Hour   Window = "6h"
	Window1Day    Window = "1day"
)

// DefaultWindow is used when neither the caller nor the source declares one.
const DefaultWindow = Window1Hour

var widths = map[Window]time.Duration{
	Window10Min: 10 * time.Minute,
	Window30Min: 30 * time.Minute,
	Window1Hour: time.Hour,
	Window6Hour: 6 * time.Hour,
	Window1Day:  24 * time.Hour,
}

// ParseWindow validates a window name. The empty string yields ("", nil) so
// callers can fall back to a default.
func ParseWindow(raw string) (Window, error) {
	w := Window(strings.ToLower(strings.TrimSpace(raw)))
	switch w {
	case "":
		return "", nil
	case WindowForever:
		return w, nil
	}
	if _, ok := widths[w]; ok {
		return w, nil
	}
	return "", fmt.Errorf("unknown cache window %q", raw)
}

// Valid reports whether w is a known strategy.
func (w Window) Valid() bool {
	if w == WindowForever {
		return true
	}
	_, ok := widths[w]
	return ok
}

// Width returns the bucket width, or zero for forever.
func (w Window) Width() time.Duration {
	return widths[w]
}

// Or returns w if set, otherwise fallback.
func (w Window) Or(fallback Window) Window {
	if w == "" {
		return fallback
	}
	return w
}

// Bucket returns the bucket label for now, or "" when the window has no bucket.
func (w Window) Bucket(now time.Time) string {
	width, ok := widths[w]
	if !ok {
		return ""
	}
	start := now.UTC().Truncate(width)
	if width >= 24*time.Hour {
		return start.Format("20060102")
	}
	return start.Format("200601021504")
}

// Key identifies a cached artifact: hash(ref) plus an optional bucket label.
type Key struct {
	Hash   string
	Bucket string
}

// New derives the key for ref under window w at time now.
func New(ref string, w Window, now time.Time) Key {
	return Key{
		Hash:   sha256.HexString(ref),
		Bucket: w.Bucket(now),
	}
}

// String renders the key as a filesystem-safe name.
func (k Key) String() string {
	if k.Bucket == "" {
		return k.Hash
	}
	return k.Hash + "_" + k.Bucket
}
