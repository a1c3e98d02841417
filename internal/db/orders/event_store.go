package ordersdb

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"orderflow/internal/events"
)

// EventStore persists saga events in Postgres. It satisfies events.Sink
// so the orchestrator can journal to the database instead of memory.
type EventStore struct {
	db *sql.DB
}

// NewEventStore constructs an EventStore backed by Postgres.
func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

// NewEventStoreWithSchema initializes the schema then returns the store.
func NewEventStoreWithSchema(ctx context.Context, db *sql.DB) (*EventStore, error) {
	store := NewEventStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the event table if it does not exist.
func (s *EventStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS saga_events (
			seq BIGSERIAL PRIMARY KEY,
			event_id TEXT UNIQUE NOT NULL,
			saga_id TEXT NOT NULL,
			order_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			detail TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS saga_events_order_id_idx ON saga_events (order_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

// Append inserts an event row, filling in the event id and timestamp
// when the caller left them empty.
func (s *EventStore) Append(ctx context.Context, ev events.Event) error {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO saga_events (event_id, saga_id, order_id, event_type, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.EventID, ev.SagaID, ev.OrderID, string(ev.Type), ev.Detail, ev.Timestamp,
	)
	return err
}

// OrderEvents returns all events for the order in append order.
func (s *EventStore) OrderEvents(ctx context.Context, orderID string) ([]events.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, saga_id, order_id, event_type, detail, created_at
		FROM saga_events
		WHERE order_id = $1
		ORDER BY seq`,
		orderID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var ev events.Event
		var evType string
		if err := rows.Scan(&ev.EventID, &ev.SagaID, &ev.OrderID, &evType, &ev.Detail, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Type = events.Type(evType)
		out = append(out, ev)
	}
	return out, rows.Err()
}
