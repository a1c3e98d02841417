package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Broadcaster pushes messages to connected clients.
type Broadcaster interface {
	Broadcast(msg []byte)
}

// FanoutSink records events in the wrapped sink and broadcasts them.
type FanoutSink struct {
	sink        Sink
	broadcaster Broadcaster
}

// NewFanoutSink constructs a sink that fans out to the broadcaster after
// each successful append.
func NewFanoutSink(sink Sink, broadcaster Broadcaster) *FanoutSink {
	return &FanoutSink{sink: sink, broadcaster: broadcaster}
}

// Append records the event, then broadcasts it as JSON. The identity
// fields are assigned here so the broadcast payload carries the same
// id and timestamp the wrapped sink records.
func (f *FanoutSink) Append(ctx context.Context, ev Event) error {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := f.sink.Append(ctx, ev); err != nil {
		return err
	}

	if f.broadcaster != nil {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		f.broadcaster.Broadcast(data)
	}
	return nil
}

// OrderEvents delegates to the wrapped sink.
func (f *FanoutSink) OrderEvents(ctx context.Context, orderID string) ([]Event, error) {
	return f.sink.OrderEvents(ctx, orderID)
}
