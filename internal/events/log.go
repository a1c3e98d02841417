package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Log is an append-only in-memory event log. It lives for the process
// lifetime and is never compacted; an optional journal receives every
// appended event as a JSON line.
type Log struct {
	mu      sync.RWMutex
	events  []Event
	journal *Journal
}

// NewLog constructs an empty event log.
func NewLog() *Log {
	return &Log{}
}

// NewJournaledLog constructs a log that also appends each event to journal.
func NewJournaledLog(journal *Journal) *Log {
	return &Log{journal: journal}
}

// Append records an event, filling in the event id and timestamp when
// the caller left them empty.
func (l *Log) Append(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()

	if l.journal != nil {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		return l.journal.Write(data)
	}
	return nil
}

// OrderEvents returns all events for the order in append order.
func (l *Log) OrderEvents(ctx context.Context, orderID string) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Event
	for _, ev := range l.events {
		if ev.OrderID == orderID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// All returns a copy of every recorded event in append order.
func (l *Log) All() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Len returns the total number of recorded events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}
