package events

import (
	"context"
	"time"
)

// Type is a workflow milestone recorded by the saga.
type Type string

const (
	TypeOrderCreated               Type = "ORDER_CREATED"
	TypeInventoryCheckFailed       Type = "INVENTORY_CHECK_FAILED"
	TypeInventoryReservationFailed Type = "INVENTORY_RESERVATION_FAILED"
	TypeInventoryReserved          Type = "INVENTORY_RESERVED"
	TypePaymentProcessed           Type = "PAYMENT_PROCESSED"
	TypePaymentFailed              Type = "PAYMENT_FAILED"
	TypeInventoryReleased          Type = "INVENTORY_RELEASED"
	TypeInventoryReleaseFailed     Type = "INVENTORY_RELEASE_FAILED"
	TypeOrderPlaced                Type = "ORDER_PLACED"
	TypeSagaFailed                 Type = "SAGA_FAILED"
)

// Event is one saga step transition. Events are immutable once appended;
// within a saga, append order is authoritative and timestamps are
// informational only.
type Event struct {
	EventID   string    `json:"eventId"`
	SagaID    string    `json:"sagaId"`
	OrderID   string    `json:"orderId,omitempty"`
	Type      Type      `json:"eventType"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}

// Sink records saga events and answers per-order audit queries.
type Sink interface {
	Append(ctx context.Context, ev Event) error
	OrderEvents(ctx context.Context, orderID string) ([]Event, error)
}
