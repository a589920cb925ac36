// Package publisher announces generated and enriched items on a message bus.
package publisher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagefeed/internal/feed"
)

// Event kinds carried in the "event" attribute.
const (
	EventItemsGenerated = "items.generated"
	EventItemEnriched   = "item.enriched"
)

// Publisher delivers one payload and returns the broker's message ID.
type Publisher interface {
	Publish(ctx context.Context, event string, payload any) (string, error)
}

// Message is the JSON payload published for every event.
type Message struct {
	Event       string      `json:"event"`
	SourceRef   string      `json:"sourceRef"`
	Items       []feed.Item `json:"items"`
	PublishedAt time.Time   `json:"publishedAt"`
}

// Sink adapts a Publisher to the feed persistence hooks.
type Sink struct {
	pub    Publisher
	now    func() time.Time
	logger *zap.Logger
}

// NewSink wraps pub.
func NewSink(pub Publisher, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{pub: pub, now: func() time.Time { return time.Now().UTC() }, logger: logger.Named("publisher")}
}

// UpsertItems announces a freshly generated item batch.
func (s *Sink) UpsertItems(ctx context.Context, items []feed.Item) error {
	if len(items) == 0 {
		return nil
	}
	return s.publish(ctx, EventItemsGenerated, items)
}

// UpdateItemContent announces one enriched item.
func (s *Sink) UpdateItemContent(ctx context.Context, item feed.Item) error {
	return s.publish(ctx, EventItemEnriched, []feed.Item{item})
}

func (s *Sink) publish(ctx context.Context, event string, items []feed.Item) error {
	msg := Message{
		Event:       event,
		SourceRef:   items[0].SourceRef,
		Items:       items,
		PublishedAt: s.now(),
	}
	id, err := s.pub.Publish(ctx, event, msg)
	if err != nil {
		return fmt.Errorf("publish %s: %w", event, err)
	}
	s.logger.Debug("published",
		zap.String("event", event),
		zap.String("message_id", id),
		zap.Int("items", len(items)))
	return nil
}
