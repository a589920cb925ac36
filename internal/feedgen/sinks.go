package feedgen

import (
	"context"
	"fmt"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagefeed/internal/feed"
)

// ItemUpserter persists a generated item batch.
type ItemUpserter interface {
	UpsertItems(ctx context.Context, items []feed.Item) error
}

// ContentUpdater persists one enriched item.
type ContentUpdater interface {
	UpdateItemContent(ctx context.Context, item feed.Item) error
}

// ItemWriter writes items to file-like storage.
type ItemWriter interface {
	WriteItems(ctx context.Context, items []feed.Item) error
	WriteItem(ctx context.Context, item feed.Item) error
}

// Sinks fans persistence out to every configured sink. Failures are logged
// and never returned.
type Sinks struct {
	upserters []ItemUpserter
	updaters  []ContentUpdater
	writers   []ItemWriter
	logger    *zap.Logger
}

// NewSinks classifies each value by the sink interfaces it implements.
// Values implementing none are logged and ignored.
func NewSinks(logger *zap.Logger, sinks ...any) *Sinks {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("sinks")
	s := &Sinks{
		upserters: lo.FilterMap(sinks, func(v any, _ int) (ItemUpserter, bool) {
			u, ok := v.(ItemUpserter)
			return u, ok
		}),
		updaters: lo.FilterMap(sinks, func(v any, _ int) (ContentUpdater, bool) {
			u, ok := v.(ContentUpdater)
			return u, ok
		}),
		writers: lo.FilterMap(sinks, func(v any, _ int) (ItemWriter, bool) {
			w, ok := v.(ItemWriter)
			return w, ok
		}),
		logger: logger,
	}
	for _, v := range sinks {
		_, u := v.(ItemUpserter)
		_, c := v.(ContentUpdater)
		_, w := v.(ItemWriter)
		if !u && !c && !w {
			logger.Warn("ignoring value that implements no sink interface", zap.String("type", fmt.Sprintf("%T", v)))
		}
	}
	return s
}

// Batch persists a freshly generated or fully enriched item set.
func (s *Sinks) Batch(ctx context.Context, items []feed.Item, upsert bool) {
	if s == nil {
		return
	}
	if upsert {
		for _, u := range s.upserters {
			if err := u.UpsertItems(ctx, items); err != nil {
				s.logger.Warn("upsert items failed", zap.Int("items", len(items)), zap.Error(err))
			}
		}
	}
	for _, w := range s.writers {
		if err := w.WriteItems(ctx, items); err != nil {
			s.logger.Warn("write items failed", zap.Int("items", len(items)), zap.Error(err))
		}
	}
}

// Item persists one enriched item.
func (s *Sinks) Item(ctx context.Context, item feed.Item) {
	if s == nil {
		return
	}
	for _, u := range s.updaters {
		if err := u.UpdateItemContent(ctx, item); err != nil {
			s.logger.Warn("update item content failed", zap.String("guid", item.GUID), zap.Error(err))
		}
	}
	for _, w := range s.writers {
		if err := w.WriteItem(ctx, item); err != nil {
			s.logger.Warn("write item failed", zap.String("guid", item.GUID), zap.Error(err))
		}
	}
}
