package streaming

import (
	"context"
	"time"
)

// StreamEvent is a committed domain event fanned out to live subscribers.
type StreamEvent struct {
	AggregateType string    `json:"aggregate_type"`
	AggregateID   string    `json:"aggregate_id"`
	Kind          string    `json:"kind"`
	Sequence      int64     `json:"sequence"`
	CreatedAt     time.Time `json:"created_at"`
	Payload       any       `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
// Zero fields match everything.
type EventFilter struct {
	AggregateType string   `json:"aggregate_type,omitempty"`
	AggregateID   string   `json:"aggregate_id,omitempty"`
	Kinds         []string `json:"kinds,omitempty"`
}

// EventHub provides pub/sub for committed schedule and instance events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
