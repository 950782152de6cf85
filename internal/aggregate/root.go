// Package aggregate holds the event-sourced domain model: schedules and
// workflow instances. State is only ever changed by applying events, and every
// apply handler is a pure function of (state, event).
package aggregate

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rendis/cadenza/pkg/schema"
)

// Aggregate type names, used as the stream discriminator in stores.
const (
	TypeSchedule = "schedule"
	TypeInstance = "workflow_instance"
)

// Event is a single immutable domain event.
type Event struct {
	AggregateID string    `json:"aggregate_id"`
	Kind        string    `json:"kind"`
	Sequence    int64     `json:"sequence"`
	CreatedAt   time.Time `json:"created_at"`
	Payload     any       `json:"payload"`
}

// Aggregate is implemented by every event-sourced entity.
type Aggregate interface {
	AggregateID() string
	AggregateType() string
	Version() int64
	PendingEvents(clear bool) []Event
	Apply(e Event)
}

// Root carries the bookkeeping shared by all aggregates.
type Root struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	LastModified time.Time `json:"last_modified"`

	version int64
	pending []Event
}

// AggregateID returns the aggregate identifier.
func (r *Root) AggregateID() string { return r.ID }

// Version returns the number of events applied so far, pending included.
func (r *Root) Version() int64 { return r.version }

// PersistedVersion returns the version the store last saw.
func (r *Root) PersistedVersion() int64 { return r.version - int64(len(r.pending)) }

// PendingEvents returns events registered since the last save. When clear is
// true the buffer is reset.
func (r *Root) PendingEvents(clear bool) []Event {
	out := r.pending
	if clear {
		r.pending = nil
	}
	return out
}

// raise builds the next event for this aggregate and buffers it.
func (r *Root) raise(kind string, now time.Time, payload any) Event {
	e := Event{
		AggregateID: r.ID,
		Kind:        kind,
		Sequence:    r.version + 1,
		CreatedAt:   now.UTC(),
		Payload:     payload,
	}
	r.pending = append(r.pending, e)
	return e
}

// advance records that e has been applied.
func (r *Root) advance(e Event) {
	if r.version == 0 {
		r.ID = e.AggregateID
		r.CreatedAt = e.CreatedAt
	}
	r.version++
	r.LastModified = e.CreatedAt
}

// handlers maps event kinds to pure apply functions.
type handlers[S any] map[string]func(S, Event) S

func (h handlers[S]) apply(state S, e Event) S {
	fn, ok := h[e.Kind]
	if !ok {
		panic(fmt.Sprintf("aggregate: no apply handler for event kind %q", e.Kind))
	}
	return fn(state, e)
}

func payloadOf[P any](e Event) P {
	p, ok := e.Payload.(P)
	if !ok {
		panic(fmt.Sprintf("aggregate: event %q carries %T, want %T", e.Kind, e.Payload, p))
	}
	return p
}

var (
	codecMu sync.RWMutex
	codecs  = map[string]func(json.RawMessage) (any, error){}
)

func registerPayload[P any](kind string) {
	codecMu.Lock()
	defer codecMu.Unlock()
	codecs[kind] = func(raw json.RawMessage) (any, error) {
		var p P
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, err
			}
		}
		return p, nil
	}
}

// DecodePayload turns a stored JSON payload back into the typed payload the
// apply handler for kind expects.
func DecodePayload(kind string, raw json.RawMessage) (any, error) {
	codecMu.RLock()
	decode, ok := codecs[kind]
	codecMu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "unknown event kind %q", kind)
	}
	p, err := decode(raw)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "decode %s payload", kind).WithCause(err)
	}
	return p, nil
}

// New returns a blank aggregate of the given type, ready for replay.
func New(aggregateType string) (Aggregate, error) {
	switch aggregateType {
	case TypeSchedule:
		return &Schedule{}, nil
	case TypeInstance:
		return &WorkflowInstance{}, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown aggregate type %q", aggregateType)
}

// Replay folds events into a blank aggregate. The result has no pending events.
func Replay[A Aggregate](blank A, events []Event) A {
	for _, e := range events {
		blank.Apply(e)
	}
	return blank
}

func invalidTransition(aggregateType, id, op string, details map[string]any) *schema.CadenzaError {
	d := map[string]any{"aggregate": aggregateType, "id": id, "operation": op}
	for k, v := range details {
		d[k] = v
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition, "%s %s: cannot %s", aggregateType, id, op).WithDetails(d)
}

func timePtr(t time.Time) *time.Time { return &t }
