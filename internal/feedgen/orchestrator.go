// Package feedgen resolves a ref to its source adapter, generates the item
// array at most once per cache window, persists it, and renders feed
// documents. Enrichment is handed to the enrich queue and spliced back into
// the cached array as items settle.
package feedgen

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/pagefeed/internal/cachekey"
	"github.com/JakeFAU/pagefeed/internal/enrich"
	"github.com/JakeFAU/pagefeed/internal/feed"
	"github.com/JakeFAU/pagefeed/internal/metrics"
	"github.com/JakeFAU/pagefeed/internal/source"
)

const (
	defaultGenerateTimeout = 2 * time.Minute
	defaultSinkTimeout     = 30 * time.Second
	defaultMaxEntries      = 256
)

// Resolver routes a ref to its adapter.
type Resolver interface {
	Resolve(ref string) (source.Source, source.Descriptor, error)
}

// Submitter accepts enrichment work.
type Submitter interface {
	Submit(items []feed.Item, fn enrich.Func, opts enrich.SubmitOptions) (string, error)
}

// Clock supplies the time used for cache windows.
type Clock interface {
	Now() time.Time
}

// Config tunes the orchestrator.
type Config struct {
	// DefaultWindow applies when neither the request nor the source sets one.
	DefaultWindow cachekey.Window
	// GenerateTimeout bounds one FetchItems run, independent of the caller.
	GenerateTimeout time.Duration
	// SinkTimeout bounds persistence triggered by enrichment events.
	SinkTimeout time.Duration
	// MaxEntries caps the in-memory entry map.
	MaxEntries int
	// Runtime is handed to adapters; Proxy is overridden per source.
	Runtime source.Runtime
}

func (c Config) withDefaults() Config {
	if c.GenerateTimeout <= 0 {
		c.GenerateTimeout = defaultGenerateTimeout
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = defaultMaxEntries
	}
	return c
}

// Request carries per-call options.
type Request struct {
	// Refresh overrides the source's cache window.
	Refresh cachekey.Window
	// Enrich submits the generated items for enrichment.
	Enrich bool
	// Format selects the rendered document format.
	Format Format
	// Force skips cached entries and regenerates.
	Force bool
	// Repersist re-sends cached items to the batch sinks.
	Repersist bool
}

// Result is the outcome of GetFeed.
type Result struct {
	Key          cachekey.Key
	Document     string
	ContentType  string
	FromCache    bool
	Items        []feed.Item
	EnrichTaskID string
}

type entry struct {
	// gen is the generation that produced the items; zero for entries
	// restored from a snapshot.
	gen   uint64
	mu    sync.Mutex
	items []feed.Item
}

func (e *entry) snapshot() []feed.Item {
	e.mu.Lock()
	defer e.mu.Unlock()
	return feed.CloneItems(e.items)
}

type generation struct {
	items     []feed.Item
	taskID    string
	fromCache bool
}

// Orchestrator serves feeds.
type Orchestrator struct {
	cfg       Config
	resolver  Resolver
	queue     Submitter
	snapshots *SnapshotStore
	sinks     *Sinks
	clock     Clock
	logger    *zap.Logger

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry
	order   []string
	seq     uint64
	// latest maps a key to its newest generation, so listeners of a
	// superseded generation stop writing its snapshot.
	latest map[string]uint64
	// snapMu orders generation snapshot writes against listener writes.
	snapMu sync.Mutex
}

// New builds an Orchestrator. queue and sinks may be nil.
func New(
	cfg Config,
	resolver Resolver,
	queue Submitter,
	snapshots *SnapshotStore,
	sinks *Sinks,
	clock Clock,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:       cfg.withDefaults(),
		resolver:  resolver,
		queue:     queue,
		snapshots: snapshots,
		sinks:     sinks,
		clock:     clock,
		logger:    logger.Named("feedgen"),
		entries:   make(map[string]*entry),
		latest:    make(map[string]uint64),
	}
}

// GetFeed returns the feed for ref, generating it when the current window
// has no cached item array.
func (o *Orchestrator) GetFeed(ctx context.Context, ref string, req Request) (Result, error) {
	if req.Format == "" {
		req.Format = FormatRSS
	}
	src, desc, err := o.resolver.Resolve(ref)
	if err != nil {
		return Result{}, err
	}
	window := req.Refresh.Or(desc.Refresh).Or(o.cfg.DefaultWindow)
	now := o.clock.Now()
	key := cachekey.New(ref, window, now)
	logger := o.logger.With(zap.String("source", desc.ID), zap.String("ref", ref), zap.String("key", key.String()))

	res := Result{Key: key}
	if !req.Force {
		if items, ok := o.cached(ctx, key, logger); ok {
			if req.Repersist {
				o.sinks.Batch(ctx, items, true)
			}
			res.FromCache = true
			res.Items = items
			return o.render(res, src, ref, req.Format, now)
		}
	}
	metrics.ObserveFeedCache("miss")

	flight := key.String()
	if req.Force {
		flight = "force:" + flight
	}
	ch := o.group.DoChan(flight, func() (any, error) {
		// A generation that finished after our lookup has already stored
		// the entry.
		if !req.Force {
			if items, ok := o.cached(ctx, key, logger); ok {
				return &generation{items: items, fromCache: true}, nil
			}
		}
		return o.generate(ctx, ref, key, src, desc, req, logger)
	})
	var r singleflight.Result
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case r = <-ch:
	}
	if r.Shared {
		metrics.ObserveSharedGeneration()
	}
	if r.Err != nil {
		return Result{}, r.Err
	}
	gen := r.Val.(*generation)
	if gen.fromCache && req.Repersist {
		o.sinks.Batch(ctx, gen.items, true)
	}
	res.FromCache = gen.fromCache
	res.Items = feed.CloneItems(gen.items)
	res.EnrichTaskID = gen.taskID
	return o.render(res, src, ref, req.Format, now)
}

// cached looks in memory first, then in the snapshot store.
func (o *Orchestrator) cached(ctx context.Context, key cachekey.Key, logger *zap.Logger) ([]feed.Item, bool) {
	if e := o.entry(key); e != nil {
		metrics.ObserveFeedCache("memory")
		return e.snapshot(), true
	}
	if o.snapshots == nil {
		return nil, false
	}
	items, ok, err := o.snapshots.Load(ctx, key)
	if err != nil {
		logger.Warn("snapshot load failed", zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	metrics.ObserveFeedCache("snapshot")
	o.store(key, &entry{items: feed.CloneItems(items)})
	return items, true
}

func (o *Orchestrator) generate(
	ctx context.Context,
	ref string,
	key cachekey.Key,
	src source.Source,
	desc source.Descriptor,
	req Request,
	logger *zap.Logger,
) (*generation, error) {
	// Joiners share this run, so a leader that goes away must not cancel it.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.GenerateTimeout)
	defer cancel()

	rt := o.runtime(desc)
	start := o.clock.Now()
	if pc, ok := src.(source.PreChecker); ok {
		if err := pc.PreCheck(ctx, rt); err != nil {
			metrics.ObserveGeneration(desc.ID, outcome(err))
			return nil, fmt.Errorf("precheck %s: %w", desc.ID, err)
		}
	}
	items, err := src.FetchItems(ctx, ref, rt)
	if err != nil {
		metrics.ObserveGeneration(desc.ID, outcome(err))
		logger.Warn("fetch items failed", zap.Error(err))
		return nil, fmt.Errorf("fetch items from %s: %w", desc.ID, err)
	}
	for idx := range items {
		items[idx] = feed.Normalize(items[idx], ref)
	}
	metrics.ObserveGeneration(desc.ID, "ok")
	logger.Info("feed generated",
		zap.Int("items", len(items)),
		zap.Duration("duration", o.clock.Now().Sub(start)),
	)

	e := &entry{items: feed.CloneItems(items)}
	o.snapMu.Lock()
	o.storeGeneration(key, e)
	o.saveSnapshot(ctx, key, items, logger)
	o.snapMu.Unlock()
	o.sinks.Batch(ctx, items, true)

	gen := &generation{items: items}
	enricher, ok := src.(source.Enricher)
	if !req.Enrich || !ok || o.queue == nil || len(items) == 0 {
		return gen, nil
	}
	fn := func(ctx context.Context, item feed.Item) (feed.Item, error) {
		return enricher.EnrichItem(ctx, item, rt)
	}
	taskID, err := o.queue.Submit(items, fn, enrich.SubmitOptions{
		SourceRef: ref,
		Listener:  o.listener(key, e, logger),
	})
	if err != nil {
		logger.Warn("enrichment submit failed", zap.Error(err))
		return gen, nil
	}
	gen.taskID = taskID
	logger.Info("enrichment submitted", zap.String("task_id", taskID))
	return gen, nil
}

// listener splices enriched items into e and persists them. Events for one
// task arrive sequentially. Once a newer generation replaces e, only
// per-item content is still persisted.
func (o *Orchestrator) listener(key cachekey.Key, e *entry, logger *zap.Logger) enrich.Listener {
	return enrich.ListenerFunc(func(ev enrich.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.SinkTimeout)
		defer cancel()

		switch ev.Kind {
		case enrich.EventItemSettled:
			if ev.Err != nil {
				return
			}
			e.mu.Lock()
			if ev.Index >= 0 && ev.Index < len(e.items) && e.items[ev.Index].GUID == ev.Item.GUID {
				e.items[ev.Index] = ev.Item.Clone()
			}
			items := feed.CloneItems(e.items)
			e.mu.Unlock()
			o.saveCurrent(ctx, key, e, items, logger)
			o.sinks.Item(ctx, ev.Item)
		case enrich.EventTaskDone:
			e.mu.Lock()
			e.items = feed.CloneItems(ev.Items)
			items := feed.CloneItems(e.items)
			e.mu.Unlock()
			if o.saveCurrent(ctx, key, e, items, logger) {
				o.sinks.Batch(ctx, items, false)
			}
			logger.Info("enrichment finished", zap.String("task_id", ev.TaskID))
		}
	})
}

// saveCurrent writes the snapshot only while e is the newest generation for
// key. It reports whether e was current.
func (o *Orchestrator) saveCurrent(ctx context.Context, key cachekey.Key, e *entry, items []feed.Item, logger *zap.Logger) bool {
	o.snapMu.Lock()
	defer o.snapMu.Unlock()
	if !o.current(key, e) {
		logger.Debug("skipping snapshot from superseded generation", zap.Uint64("generation", e.gen))
		return false
	}
	o.saveSnapshot(ctx, key, items, logger)
	return true
}

func (o *Orchestrator) saveSnapshot(ctx context.Context, key cachekey.Key, items []feed.Item, logger *zap.Logger) {
	if o.snapshots == nil {
		return
	}
	if err := o.snapshots.Save(ctx, key, items); err != nil {
		logger.Warn("snapshot save failed", zap.Error(err))
	}
}

func (o *Orchestrator) render(res Result, src source.Source, ref string, format Format, now time.Time) (Result, error) {
	meta := source.DefaultMeta(ref)
	if d, ok := src.(source.Describer); ok {
		meta = d.FeedMeta(ref)
	}
	doc, err := Render(meta, res.Items, format, now)
	if err != nil {
		return Result{}, err
	}
	res.Document = doc
	res.ContentType = format.ContentType()
	return res, nil
}

func (o *Orchestrator) runtime(desc source.Descriptor) source.Runtime {
	rt := o.cfg.Runtime
	if desc.Proxy != "" {
		rt.Proxy = desc.Proxy
	}
	return rt
}

func (o *Orchestrator) entry(key cachekey.Key) *entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.entries[key.String()]
}

func (o *Orchestrator) store(key cachekey.Key, e *entry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.storeLocked(key.String(), e)
}

// storeGeneration assigns e the next generation number and stores it as the
// newest generation for key.
func (o *Orchestrator) storeGeneration(key cachekey.Key, e *entry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seq++
	e.gen = o.seq
	k := key.String()
	o.latest[k] = e.gen
	o.storeLocked(k, e)
}

func (o *Orchestrator) storeLocked(k string, e *entry) {
	if _, ok := o.entries[k]; !ok {
		o.order = append(o.order, k)
	}
	o.entries[k] = e
	for len(o.order) > o.cfg.MaxEntries {
		delete(o.entries, o.order[0])
		delete(o.latest, o.order[0])
		o.order = o.order[1:]
	}
}

// current reports whether no generation newer than e has been stored for key.
func (o *Orchestrator) current(key cachekey.Key, e *entry) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	latest, ok := o.latest[key.String()]
	return !ok || latest == e.gen
}

func outcome(err error) string {
	switch {
	case errors.Is(err, feed.ErrAuthRequired):
		return "auth_required"
	case errors.Is(err, feed.ErrNotFound):
		return "not_found"
	case errors.Is(err, feed.ErrTransient):
		return "transient"
	default:
		return "error"
	}
}
