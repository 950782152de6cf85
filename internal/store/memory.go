package store

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/hashicorp/go-memdb"

	"github.com/rendis/cadenza/internal/aggregate"
)

const (
	tableEvents    = "events"
	tableSchedules = "schedules"
	tableInstances = "instances"
)

// memEvent is the row stored in the events table.
type memEvent struct {
	Key string // aggregate_type/aggregate_id/sequence
	storedEvent
}

func memdbSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableEvents: {
				Name: tableEvents,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "Key"}},
					"stream": {
						Name: "stream",
						Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "AggregateType"},
							&memdb.StringFieldIndex{Field: "AggregateID"},
						}},
					},
				},
			},
			tableSchedules: {
				Name: tableSchedules,
				Indexes: map[string]*memdb.IndexSchema{
					"id":       {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
					"status":   {Name: "status", Indexer: &memdb.IntFieldIndex{Field: "Status"}},
					"workflow": {Name: "workflow", Indexer: &memdb.StringFieldIndex{Field: "WorkflowID"}},
				},
			},
			tableInstances: {
				Name: tableInstances,
				Indexes: map[string]*memdb.IndexSchema{
					"id":     {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
					"status": {Name: "status", Indexer: &memdb.StringFieldIndex{Field: "Status"}},
					"parent": {Name: "parent", AllowMissing: true, Indexer: &memdb.StringFieldIndex{Field: "ParentID"}},
				},
			},
		},
	}
}

// MemoryStore implements the Store interface on hashicorp/go-memdb. Payloads
// go through the same JSON codec as the libSQL store.
type MemoryStore struct {
	db *memdb.MemDB
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() (*MemoryStore, error) {
	db, err := memdb.NewMemDB(memdbSchema())
	if err != nil {
		return nil, fmt.Errorf("create memdb: %w", err)
	}
	return &MemoryStore{db: db}, nil
}

// Migrate is a no-op; the schema is fixed at construction.
func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func eventKey(aggregateType, id string, seq int64) string {
	return fmt.Sprintf("%s/%s/%020d", aggregateType, id, seq)
}

func (s *MemoryStore) Save(ctx context.Context, agg aggregate.Aggregate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	expected, batch, err := pendingBatch(agg)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	current, err := streamVersion(txn, agg.AggregateType(), agg.AggregateID())
	if err != nil {
		return err
	}
	if current != expected {
		return conflict(agg.AggregateType(), agg.AggregateID(), expected, current)
	}

	for _, e := range batch {
		row := &memEvent{Key: eventKey(e.AggregateType, e.AggregateID, e.Sequence), storedEvent: *e}
		if err := txn.Insert(tableEvents, row); err != nil {
			return storeError("insert event", err)
		}
	}

	switch a := agg.(type) {
	case *aggregate.Schedule:
		err = txn.Insert(tableSchedules, scheduleRecord(a))
	case *aggregate.WorkflowInstance:
		err = txn.Insert(tableInstances, instanceRecord(a))
	}
	if err != nil {
		return storeError("project aggregate", err)
	}

	txn.Commit()
	agg.PendingEvents(true)
	return nil
}

func streamVersion(txn *memdb.Txn, aggregateType, id string) (int64, error) {
	it, err := txn.Get(tableEvents, "stream", aggregateType, id)
	if err != nil {
		return 0, storeError("read stream", err)
	}
	var max int64
	for obj := it.Next(); obj != nil; obj = it.Next() {
		if seq := obj.(*memEvent).Sequence; seq > max {
			max = seq
		}
	}
	return max, nil
}

func (s *MemoryStore) Load(ctx context.Context, aggregateType, id string) ([]aggregate.Event, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableEvents, "stream", aggregateType, id)
	if err != nil {
		return nil, storeError("read stream", err)
	}
	var rows []*memEvent
	for obj := it.Next(); obj != nil; obj = it.Next() {
		rows = append(rows, obj.(*memEvent))
	}
	if len(rows) == 0 {
		return nil, storeNotFound(aggregateType, id)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Sequence < rows[j].Sequence })

	events := make([]aggregate.Event, 0, len(rows))
	for _, r := range rows {
		e, err := r.decode()
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := validateSequence(id, events); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *MemoryStore) Exists(ctx context.Context, aggregateType, id string) (bool, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	obj, err := txn.First(tableEvents, "id", eventKey(aggregateType, id, 1))
	if err != nil {
		return false, storeError("check existence", err)
	}
	return obj != nil, nil
}

func (s *MemoryStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*ScheduleRecord, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	var (
		it  memdb.ResultIterator
		err error
	)
	switch {
	case filter.WorkflowID != "":
		it, err = txn.Get(tableSchedules, "workflow", filter.WorkflowID)
	case len(filter.Statuses) == 1:
		it, err = txn.Get(tableSchedules, "status", int(filter.Statuses[0]))
	default:
		it, err = txn.Get(tableSchedules, "id")
	}
	if err != nil {
		return nil, storeError("list schedules", err)
	}

	var out []*ScheduleRecord
	for obj := it.Next(); obj != nil; obj = it.Next() {
		r := obj.(*ScheduleRecord)
		if filter.WorkflowID != "" && r.WorkflowID != filter.WorkflowID {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, r.Status) {
			continue
		}
		if filter.ActionType != "" && r.ActionType != filter.ActionType {
			continue
		}
		if filter.ActivationType != "" && r.ActivationType != filter.ActivationType {
			continue
		}
		if r.Deleted && !filter.IncludeDeleted {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*InstanceRecord, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	var (
		it  memdb.ResultIterator
		err error
	)
	if filter.ParentID != "" {
		it, err = txn.Get(tableInstances, "parent", filter.ParentID)
	} else {
		it, err = txn.Get(tableInstances, "id")
	}
	if err != nil {
		return nil, storeError("list instances", err)
	}

	var out []*InstanceRecord
	for obj := it.Next(); obj != nil; obj = it.Next() {
		r := obj.(*InstanceRecord)
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, r.Status) {
			continue
		}
		if filter.WorkflowID != "" && r.WorkflowID != filter.WorkflowID {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
