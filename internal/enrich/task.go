package enrich

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/JakeFAU/pagefeed/internal/feed"
)

// TaskState is the lifecycle state of a task.
type TaskState string

// Task states.
const (
	TaskPending TaskState = "pending"
	TaskRunning TaskState = "running"
	TaskDone    TaskState = "done"
)

// ItemState is the lifecycle state of one item within a task.
type ItemState string

// Item states. A failed attempt with retries left returns the item to pending.
const (
	ItemPending ItemState = "pending"
	ItemRunning ItemState = "running"
	ItemDone    ItemState = "done"
	ItemFailed  ItemState = "failed"
)

// Progress counts settled items.
type Progress struct {
	Total  int `json:"total"`
	Done   int `json:"done"`
	Failed int `json:"failed"`
}

// ItemStatus is the per-item metadata exposed to pollers.
type ItemStatus struct {
	Index   int       `json:"index"`
	Status  ItemState `json:"status"`
	Error   string    `json:"error,omitempty"`
	Retries int       `json:"retries"`
}

// TaskStatus is a point-in-time snapshot of a task without item bodies.
type TaskStatus struct {
	ID          string       `json:"id"`
	SourceRef   string       `json:"sourceRef"`
	Status      TaskState    `json:"status"`
	Progress    Progress     `json:"progress"`
	Items       []ItemStatus `json:"itemResults"`
	CreatedAt   time.Time    `json:"createdAt"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
}

// EventKind distinguishes progress notifications.
type EventKind int

// Event kinds.
const (
	// EventItemSettled fires once per item when it is done or has failed for good.
	EventItemSettled EventKind = iota + 1
	// EventTaskDone fires once, after the last item settles.
	EventTaskDone
)

func (k EventKind) String() string {
	switch k {
	case EventItemSettled:
		return "item_settled"
	case EventTaskDone:
		return "task_done"
	default:
		return "unknown"
	}
}

// Event reports task progress to the submitter.
type Event struct {
	Kind      EventKind
	TaskID    string
	SourceRef string
	// Index and Item are set for EventItemSettled. Item is the enriched item, or
	// the original when enrichment failed.
	Index int
	Item  feed.Item
	// Err is set for EventItemSettled when the item failed.
	Err error
	// Items is set for EventTaskDone: every item in submission order.
	Items []feed.Item
}

// Listener receives events for one task. Events for a task are delivered
// sequentially.
type Listener interface {
	OnEvent(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

// OnEvent calls f(e).
func (f ListenerFunc) OnEvent(e Event) { f(e) }

type itemResult struct {
	state   ItemState
	item    feed.Item
	err     error
	retries int
}

type task struct {
	id        string
	sourceRef string
	fn        Func
	listener  Listener
	originals []feed.Item
	results   []itemResult
	state     TaskState
	progress  Progress
	createdAt time.Time
	doneAt    time.Time

	// emitMu serializes settle-and-notify so listeners observe events in order.
	emitMu sync.Mutex
}

type unit struct {
	task    *task
	index   int
	retries int
	delays  *backoff.ExponentialBackOff
}

func (t *task) status() TaskStatus {
	items := make([]ItemStatus, len(t.results))
	for i, r := range t.results {
		items[i] = ItemStatus{Index: i, Status: r.state, Retries: r.retries}
		if r.err != nil {
			items[i].Error = r.err.Error()
		}
	}
	s := TaskStatus{
		ID:        t.id,
		SourceRef: t.sourceRef,
		Status:    t.state,
		Progress:  t.progress,
		Items:     items,
		CreatedAt: t.createdAt,
	}
	if !t.doneAt.IsZero() {
		done := t.doneAt
		s.CompletedAt = &done
	}
	return s
}

// items returns the current item array: enriched items where done,
// originals elsewhere.
func (t *task) items() []feed.Item {
	out := make([]feed.Item, len(t.results))
	for i, r := range t.results {
		if r.state == ItemDone {
			out[i] = r.item.Clone()
		} else {
			out[i] = t.originals[i].Clone()
		}
	}
	return out
}
