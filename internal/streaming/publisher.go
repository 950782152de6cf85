package streaming

import (
	"context"
	"log/slog"

	"github.com/rendis/cadenza/internal/aggregate"
	"github.com/rendis/cadenza/internal/store"
)

// PublishingStore decorates a store.Store so that every successfully saved
// event is published to a hub. Publishing failures are logged, never returned:
// the events are already committed.
type PublishingStore struct {
	store.Store
	hub    EventHub
	logger *slog.Logger
}

// NewPublishingStore wraps inner.
func NewPublishingStore(inner store.Store, hub EventHub, logger *slog.Logger) *PublishingStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PublishingStore{Store: inner, hub: hub, logger: logger}
}

// Save persists agg and publishes the events it committed.
func (s *PublishingStore) Save(ctx context.Context, agg aggregate.Aggregate) error {
	pending := append([]aggregate.Event(nil), agg.PendingEvents(false)...)
	if err := s.Store.Save(ctx, agg); err != nil {
		return err
	}
	for _, e := range pending {
		err := s.hub.Publish(ctx, StreamEvent{
			AggregateType: agg.AggregateType(),
			AggregateID:   e.AggregateID,
			Kind:          e.Kind,
			Sequence:      e.Sequence,
			CreatedAt:     e.CreatedAt,
			Payload:       e.Payload,
		})
		if err != nil {
			s.logger.WarnContext(ctx, "publish event failed",
				slog.String("aggregate_id", e.AggregateID),
				slog.String("kind", e.Kind),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

var _ store.Store = (*PublishingStore)(nil)
