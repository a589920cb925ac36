// Package enrich runs item enrichment in the background on a single
// process-wide pool with a global concurrency cap, per-item retries and a
// bounded task store.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagefeed/internal/feed"
	"github.com/JakeFAU/pagefeed/internal/metrics"
)

// Func enriches one item. It must not change GUID or Link; the queue
// restores them if it does.
type Func func(ctx context.Context, item feed.Item) (feed.Item, error)

var (
	// ErrTaskNotFound is returned for unknown or evicted task IDs.
	ErrTaskNotFound = fmt.Errorf("enrichment task: %w", feed.ErrNotFound)
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("enrichment queue closed")
)

// Config controls the pool.
type Config struct {
	// Concurrency caps enrichments running at once across all tasks.
	Concurrency int
	// MaxRetries is the number of re-attempts after a failure.
	MaxRetries int
	// RetryBaseDelay is the first retry delay, doubling per retry. Zero
	// re-enqueues immediately.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// ItemTimeout bounds one enrichment call. Zero means no limit.
	ItemTimeout time.Duration
	// MaxTasks caps stored tasks; older tasks are evicted beyond it.
	MaxTasks int
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxTasks <= 0 {
		c.MaxTasks = 100
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = time.Minute
	}
	return c
}

// IDGenerator creates task identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Clock supplies timestamps for tasks.
type Clock interface {
	Now() time.Time
}

// SubmitOptions carry per-task metadata and the progress listener.
type SubmitOptions struct {
	SourceRef string
	Listener  Listener
}

// Queue is the enrichment pool.
type Queue struct {
	cfg    Config
	ids    IDGenerator
	clock  Clock
	logger *zap.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	pending []unit
	running int
	tasks   map[string]*task
	order   []string
	closed  bool
	stopped bool
}

// New builds a Queue. Enrichments run on the queue's own context, not the
// submitter's, so they outlive the request that created them.
func New(cfg Config, ids IDGenerator, clock Clock, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:     cfg.withDefaults(),
		ids:     ids,
		clock:   clock,
		logger:  logger.Named("enrich"),
		baseCtx: ctx,
		cancel:  cancel,
		tasks:   make(map[string]*task),
	}
}

// Submit enqueues one unit of work per item and returns the task ID
// immediately.
func (q *Queue) Submit(items []feed.Item, fn Func, opts SubmitOptions) (string, error) {
	if fn == nil {
		return "", errors.New("enrich func is required")
	}
	id, err := q.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("task id: %w", err)
	}

	t := &task{
		id:        id,
		sourceRef: opts.SourceRef,
		fn:        fn,
		listener:  opts.Listener,
		originals: feed.CloneItems(items),
		results:   make([]itemResult, len(items)),
		state:     TaskPending,
		progress:  Progress{Total: len(items)},
		createdAt: q.clock.Now(),
	}
	for i := range t.results {
		t.results[i] = itemResult{state: ItemPending, item: t.originals[i]}
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrClosed
	}
	q.evictLocked()
	q.tasks[id] = t
	q.order = append(q.order, id)

	if len(items) == 0 {
		t.state = TaskDone
		t.doneAt = q.clock.Now()
		q.wg.Add(1)
		q.mu.Unlock()
		go func() {
			defer q.wg.Done()
			t.emitMu.Lock()
			defer t.emitMu.Unlock()
			q.notify(t, Event{Kind: EventTaskDone, TaskID: t.id, SourceRef: t.sourceRef, Items: []feed.Item{}})
		}()
		return id, nil
	}

	q.wg.Add(len(items))
	for i := range items {
		q.pending = append(q.pending, unit{task: t, index: i, delays: q.newDelays()})
	}
	q.drainLocked()
	q.mu.Unlock()

	q.logger.Debug("task submitted",
		zap.String("task_id", id),
		zap.String("source_ref", opts.SourceRef),
		zap.Int("items", len(items)))
	return id, nil
}

// Task returns a metadata snapshot of the task.
func (q *Queue) Task(id string) (TaskStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return TaskStatus{}, ErrTaskNotFound
	}
	return t.status(), nil
}

// Tasks lists task snapshots newest first, optionally filtered by state.
func (q *Queue) Tasks(state TaskState, limit, offset int) []TaskStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := []TaskStatus{}
	skipped := 0
	for i := len(q.order) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		t := q.tasks[q.order[i]]
		if state != "" && t.state != state {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, t.status())
	}
	return out
}

// TaskItems returns the task's current items: enriched where done, original
// elsewhere.
func (q *Queue) TaskItems(id string) ([]feed.Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t.items(), nil
}

// Close stops accepting tasks and waits for queued, delayed and running work
// to settle. If ctx ends first, in-flight enrichments are canceled, queued
// work is dropped and ctx's error is returned.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
	}

	q.mu.Lock()
	q.stopped = true
	dropped := len(q.pending)
	q.pending = nil
	q.mu.Unlock()
	for range dropped {
		q.wg.Done()
	}
	q.cancel()
	return fmt.Errorf("close enrichment queue: %w", ctx.Err())
}

func (q *Queue) newDelays() *backoff.ExponentialBackOff {
	if q.cfg.RetryBaseDelay <= 0 {
		return nil
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     q.cfg.RetryBaseDelay,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         q.cfg.RetryMaxDelay,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// evictLocked makes room for one task: the oldest done task goes first,
// otherwise the oldest task overall.
func (q *Queue) evictLocked() {
	for len(q.tasks) >= q.cfg.MaxTasks && len(q.order) > 0 {
		victim := -1
		for i, id := range q.order {
			if q.tasks[id].state == TaskDone {
				victim = i
				break
			}
		}
		if victim < 0 {
			victim = 0
		}
		id := q.order[victim]
		q.order = append(q.order[:victim], q.order[victim+1:]...)
		delete(q.tasks, id)
		metrics.ObserveTaskEvicted()
		q.logger.Debug("task evicted", zap.String("task_id", id))
	}
}

func (q *Queue) drainLocked() {
	for !q.stopped && q.running < q.cfg.Concurrency && len(q.pending) > 0 {
		u := q.pending[0]
		q.pending = q.pending[1:]
		q.running++
		u.task.results[u.index].state = ItemRunning
		if u.task.state == TaskPending {
			u.task.state = TaskRunning
		}
		go q.run(u)
	}
}

func (q *Queue) run(u unit) {
	metrics.IncRunningEnrichments()
	item, err := q.call(u)
	metrics.DecRunningEnrichments()

	q.settle(u, item, err)

	q.mu.Lock()
	q.running--
	q.drainLocked()
	q.mu.Unlock()
}

func (q *Queue) call(u unit) (item feed.Item, err error) {
	ctx := q.baseCtx
	if q.cfg.ItemTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.cfg.ItemTimeout)
		defer cancel()
	}
	original := u.task.originals[u.index]
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("enrich panic: %v", r)
		}
	}()
	item, err = u.task.fn(ctx, original.Clone())
	if err != nil {
		return feed.Item{}, err
	}
	item.GUID = original.GUID
	item.Link = original.Link
	if item.SourceRef == "" {
		item.SourceRef = original.SourceRef
	}
	return item, nil
}

func (q *Queue) settle(u unit, item feed.Item, callErr error) {
	t := u.task
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	q.mu.Lock()
	res := &t.results[u.index]
	if callErr != nil && u.retries < q.cfg.MaxRetries && !q.stopped {
		u.retries++
		res.state = ItemPending
		res.retries = u.retries
		res.err = callErr
		q.mu.Unlock()
		metrics.ObserveEnrichment("retry")
		q.logger.Debug("enrichment failed; retrying",
			zap.String("task_id", t.id),
			zap.Int("index", u.index),
			zap.Int("retries", u.retries),
			zap.Error(callErr))
		q.requeue(u)
		return
	}

	ev := Event{Kind: EventItemSettled, TaskID: t.id, SourceRef: t.sourceRef, Index: u.index}
	if callErr != nil {
		res.state = ItemFailed
		res.err = fmt.Errorf("%w: %w", feed.ErrPermanentItem, callErr)
		res.retries = u.retries
		t.progress.Failed++
		ev.Item = t.originals[u.index].Clone()
		ev.Err = res.err
	} else {
		res.state = ItemDone
		res.item = item
		res.err = nil
		t.progress.Done++
		ev.Item = item.Clone()
	}
	var final *Event
	if t.progress.Done+t.progress.Failed == t.progress.Total {
		t.state = TaskDone
		t.doneAt = q.clock.Now()
		final = &Event{Kind: EventTaskDone, TaskID: t.id, SourceRef: t.sourceRef, Items: t.items()}
	}
	q.mu.Unlock()

	if callErr != nil {
		metrics.ObserveEnrichment("failed")
		q.logger.Warn("enrichment failed permanently",
			zap.String("task_id", t.id),
			zap.Int("index", u.index),
			zap.Error(callErr))
	} else {
		metrics.ObserveEnrichment("done")
	}
	q.notify(t, ev)
	if final != nil {
		q.logger.Info("task done",
			zap.String("task_id", t.id),
			zap.Int("done", t.progress.Done),
			zap.Int("failed", t.progress.Failed))
		q.notify(t, *final)
	}
	q.wg.Done()
}

func (q *Queue) requeue(u unit) {
	delay := time.Duration(0)
	if u.delays != nil {
		delay = u.delays.NextBackOff()
	}
	if delay <= 0 {
		q.enqueue(u)
		return
	}
	time.AfterFunc(delay, func() { q.enqueue(u) })
}

func (q *Queue) enqueue(u unit) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		q.wg.Done()
		return
	}
	q.pending = append(q.pending, u)
	q.drainLocked()
}

func (q *Queue) notify(t *task, ev Event) {
	if t.listener == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("enrichment listener panicked",
				zap.String("task_id", t.id),
				zap.Stringer("event", ev.Kind),
				zap.Any("panic", r))
		}
	}()
	t.listener.OnEvent(ev)
}
