package eventbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jguan/anpr-monitor/pkg/unit"
)

type EventStore interface {
	Save(ctx context.Context, event unit.Event) error
	SaveBatch(ctx context.Context, events []unit.Event) error
	Query(ctx context.Context, filter EventQueryFilter) ([]unit.Event, error)
}

type EventQueryFilter struct {
	Domain        string
	Type          string
	CorrelationID string
	StartTime     time.Time
	EndTime       time.Time
	Limit         int
}

// StoredEvent is an event read back from a store. Payload is the decoded
// JSON document.
type StoredEvent struct {
	ID               string          `json:"id"`
	EventType        string          `json:"type"`
	EventDomain      string          `json:"domain"`
	EventCorrelation string          `json:"correlation_id"`
	Raw              json.RawMessage `json:"payload"`
	At               time.Time       `json:"timestamp"`
}

func (e *StoredEvent) Type() string          { return e.EventType }
func (e *StoredEvent) Domain() string        { return e.EventDomain }
func (e *StoredEvent) Timestamp() time.Time  { return e.At }
func (e *StoredEvent) CorrelationID() string { return e.EventCorrelation }

func (e *StoredEvent) Payload() any {
	var v any
	if err := json.Unmarshal(e.Raw, &v); err != nil {
		return nil
	}
	return v
}

var _ unit.Event = (*StoredEvent)(nil)

const eventsSchema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	domain TEXT NOT NULL,
	correlation_id TEXT,
	payload TEXT,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_correlation ON events(correlation_id);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
`

type SQLiteEventStore struct {
	db *sql.DB
}

// NewSQLiteEventStore creates the events table if needed.
func NewSQLiteEventStore(ctx context.Context, db *sql.DB) (*SQLiteEventStore, error) {
	if _, err := db.ExecContext(ctx, eventsSchema); err != nil {
		return nil, fmt.Errorf("create events schema: %w", err)
	}
	return &SQLiteEventStore{db: db}, nil
}

func (s *SQLiteEventStore) Save(ctx context.Context, event unit.Event) error {
	return s.SaveBatch(ctx, []unit.Event{event})
}

func (s *SQLiteEventStore) SaveBatch(ctx context.Context, events []unit.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (id, type, domain, correlation_id, payload, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, event := range events {
		payload, err := json.Marshal(event.Payload())
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		_, err = stmt.ExecContext(ctx, uuid.New().String(), event.Type(), event.Domain(),
			event.CorrelationID(), string(payload), event.Timestamp().UnixMilli())
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Query returns matching events, newest first.
func (s *SQLiteEventStore) Query(ctx context.Context, filter EventQueryFilter) ([]unit.Event, error) {
	query := "SELECT id, type, domain, correlation_id, payload, timestamp FROM events WHERE 1=1"
	args := []any{}

	if filter.Domain != "" {
		query += " AND domain = ?"
		args = append(args, filter.Domain)
	}
	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, filter.Type)
	}
	if filter.CorrelationID != "" {
		query += " AND correlation_id = ?"
		args = append(args, filter.CorrelationID)
	}
	if !filter.StartTime.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.StartTime.UnixMilli())
	}
	if !filter.EndTime.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, filter.EndTime.UnixMilli())
	}

	query += " ORDER BY timestamp DESC, rowid DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []unit.Event
	for rows.Next() {
		var e StoredEvent
		var payload sql.NullString
		var correlation sql.NullString
		var ts int64
		if err := rows.Scan(&e.ID, &e.EventType, &e.EventDomain, &correlation, &payload, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.EventCorrelation = correlation.String
		e.Raw = json.RawMessage(payload.String)
		e.At = time.UnixMilli(ts)
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// MemoryEventStore keeps events in a slice. It backs the persistent bus when
// storage is disabled and in tests.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events []unit.Event
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{}
}

func (s *MemoryEventStore) Save(ctx context.Context, event unit.Event) error {
	if event == nil {
		return errors.New("event cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *MemoryEventStore) SaveBatch(ctx context.Context, events []unit.Event) error {
	for _, e := range events {
		if err := s.Save(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryEventStore) Query(ctx context.Context, filter EventQueryFilter) ([]unit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []unit.Event
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if filter.Domain != "" && e.Domain() != filter.Domain {
			continue
		}
		if filter.Type != "" && e.Type() != filter.Type {
			continue
		}
		if filter.CorrelationID != "" && e.CorrelationID() != filter.CorrelationID {
			continue
		}
		if !filter.StartTime.IsZero() && e.Timestamp().Before(filter.StartTime) {
			continue
		}
		if !filter.EndTime.IsZero() && e.Timestamp().After(filter.EndTime) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}
