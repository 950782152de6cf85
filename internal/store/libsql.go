package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/cadenza/internal/aggregate"
	"github.com/rendis/cadenza/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/cadenza.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// A single connection serializes writers, which the version check in Save relies on.
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Event log ---

func (s *LibSQLStore) Save(ctx context.Context, agg aggregate.Aggregate) error {
	expected, batch, err := pendingBatch(agg)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("begin tx", err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM events WHERE aggregate_type = ? AND aggregate_id = ?`,
		agg.AggregateType(), agg.AggregateID(),
	).Scan(&current)
	if err != nil {
		return storeError("read stream version", err)
	}
	if current != expected {
		return conflict(agg.AggregateType(), agg.AggregateID(), expected, current)
	}

	for _, e := range batch {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO events (aggregate_type, aggregate_id, sequence, kind, payload, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			e.AggregateType, e.AggregateID, e.Sequence, e.Kind, string(e.Payload), e.CreatedAt,
		)
		if err != nil {
			return storeError("insert event", err)
		}
	}

	if err := s.project(ctx, tx, agg); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return storeError("commit events", err)
	}
	agg.PendingEvents(true)
	return nil
}

func (s *LibSQLStore) project(ctx context.Context, tx *sql.Tx, agg aggregate.Aggregate) error {
	switch a := agg.(type) {
	case *aggregate.Schedule:
		r := scheduleRecord(a)
		_, err := tx.ExecContext(ctx,
			`INSERT INTO schedules (id, workflow_id, activation_type, action_type, status, next_occurence_at, deleted, version, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET status=excluded.status, next_occurence_at=excluded.next_occurence_at,
			   deleted=excluded.deleted, version=excluded.version, updated_at=excluded.updated_at`,
			r.ID, r.WorkflowID, string(r.ActivationType), string(r.ActionType), int(r.Status),
			nullTime(r.NextOccurenceAt), boolInt(r.Deleted), r.Version, r.UpdatedAt,
		)
		return storeError("project schedule", err)
	case *aggregate.WorkflowInstance:
		r := instanceRecord(a)
		_, err := tx.ExecContext(ctx,
			`INSERT INTO instances (id, workflow_id, key, status, parent_id, schedule_id, version, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET status=excluded.status, version=excluded.version, updated_at=excluded.updated_at`,
			r.ID, r.WorkflowID, r.Key, string(r.Status), nullStr(r.ParentID), nullStr(r.ScheduleID),
			r.Version, r.CreatedAt, r.UpdatedAt,
		)
		return storeError("project instance", err)
	}
	return nil
}

func (s *LibSQLStore) Load(ctx context.Context, aggregateType, id string) ([]aggregate.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT aggregate_type, aggregate_id, sequence, kind, payload, created_at
		 FROM events WHERE aggregate_type = ? AND aggregate_id = ? ORDER BY sequence ASC`,
		aggregateType, id,
	)
	if err != nil {
		return nil, storeError("query events", err)
	}
	defer rows.Close()

	var events []aggregate.Event
	for rows.Next() {
		var (
			se      storedEvent
			payload sql.NullString
		)
		if err := rows.Scan(&se.AggregateType, &se.AggregateID, &se.Sequence, &se.Kind, &payload, &se.CreatedAt); err != nil {
			return nil, storeError("scan event", err)
		}
		se.Payload = rawOrNil(payload)
		e, err := se.decode()
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("iterate events", err)
	}
	if len(events) == 0 {
		return nil, storeNotFound(aggregateType, id)
	}
	if err := validateSequence(id, events); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *LibSQLStore) Exists(ctx context.Context, aggregateType, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM events WHERE aggregate_type = ? AND aggregate_id = ? AND sequence = 1`,
		aggregateType, id,
	).Scan(&n)
	if err != nil {
		return false, storeError("check existence", err)
	}
	return n > 0, nil
}

// --- Projections ---

func (s *LibSQLStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*ScheduleRecord, error) {
	var where []string
	var args []any

	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, int(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.ActionType != "" {
		where = append(where, "action_type = ?")
		args = append(args, string(filter.ActionType))
	}
	if filter.ActivationType != "" {
		where = append(where, "activation_type = ?")
		args = append(args, string(filter.ActivationType))
	}
	if !filter.IncludeDeleted {
		where = append(where, "deleted = 0")
	}

	query := "SELECT id, workflow_id, activation_type, action_type, status, next_occurence_at, deleted, version, updated_at FROM schedules"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list schedules", err)
	}
	defer rows.Close()

	var out []*ScheduleRecord
	for rows.Next() {
		r := &ScheduleRecord{}
		var (
			activation, action string
			status, deleted    int
			next               sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.WorkflowID, &activation, &action, &status, &next, &deleted, &r.Version, &r.UpdatedAt); err != nil {
			return nil, storeError("scan schedule", err)
		}
		r.ActivationType = schema.ActivationType(activation)
		r.ActionType = schema.ScheduleActionType(action)
		r.Status = schema.ScheduleStatus(status)
		r.Deleted = deleted != 0
		if next.Valid {
			t := next.Time.UTC()
			r.NextOccurenceAt = &t
		}
		out = append(out, r)
	}
	return out, storeError("iterate schedules", rows.Err())
}

func (s *LibSQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*InstanceRecord, error) {
	var where []string
	var args []any

	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.ParentID != "" {
		where = append(where, "parent_id = ?")
		args = append(args, filter.ParentID)
	}

	query := "SELECT id, workflow_id, key, status, parent_id, schedule_id, version, created_at, updated_at FROM instances"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list instances", err)
	}
	defer rows.Close()

	var out []*InstanceRecord
	for rows.Next() {
		r := &InstanceRecord{}
		var (
			status               string
			parentID, scheduleID sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.WorkflowID, &r.Key, &status, &parentID, &scheduleID, &r.Version, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, storeError("scan instance", err)
		}
		r.Status = schema.InstanceStatus(status)
		r.ParentID = parentID.String
		r.ScheduleID = scheduleID.String
		out = append(out, r)
	}
	return out, storeError("iterate instances", rows.Err())
}

// --- Helpers ---

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func rawOrNil(ns sql.NullString) []byte {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return []byte(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*LibSQLStore)(nil)
