package orders

import (
	"sync"
	"time"
)

// Status is the order state. Saga states only ever move forward along the
// placement state machine; post-saga states follow the fulfillment flow.
type Status string

const (
	StatusPending              Status = "PENDING"
	StatusInventoryCheckFailed Status = "INVENTORY_CHECK_FAILED"
	StatusInventoryFailed      Status = "INVENTORY_FAILED"
	StatusPaymentFailed        Status = "PAYMENT_FAILED"
	StatusPlaced               Status = "PLACED"
	StatusConfirmed            Status = "CONFIRMED"
	StatusReadyForShipping     Status = "READY_FOR_SHIPPING"
	StatusShipped              Status = "SHIPPED"
	StatusDelivered            Status = "DELIVERED"
	StatusCancelled            Status = "CANCELLED"
)

// ShippingInfo is the shipment block attached to an order once a carrier
// is involved.
type ShippingInfo struct {
	Carrier           string `json:"carrier"`
	TrackingNumber    string `json:"trackingNumber,omitempty"`
	ShippedAt         string `json:"shippedAt,omitempty"`
	EstimatedDelivery string `json:"estimatedDeliveryDate,omitempty"`
	Status            string `json:"status,omitempty"`
}

// Order is the aggregate driven by the placement saga and, once terminal,
// by the surrounding lifecycle operations.
type Order struct {
	ID              string       `json:"id"`
	Customer        string       `json:"customer"`
	Items           []Item       `json:"items"`
	ShippingAddress Address      `json:"shippingAddress"`
	BillingAddress  Address      `json:"billingAddress,omitempty"`
	PaymentMethod   string       `json:"paymentMethod,omitempty"`
	PaymentID       string       `json:"paymentId,omitempty"`
	Status          Status       `json:"status"`
	Total           float64      `json:"total"`
	Shipping        ShippingInfo `json:"shipping"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
	CancelledAt     *time.Time   `json:"cancelledAt,omitempty"`
}

// IsUpdatable reports whether the order still accepts changes. Orders can
// be updated until they ship.
func (o *Order) IsUpdatable() bool {
	switch o.Status {
	case StatusShipped, StatusDelivered, StatusCancelled:
		return false
	}
	return true
}

// IsCancellable reports whether the order can still be cancelled.
func (o *Order) IsCancellable() bool {
	switch o.Status {
	case StatusPending, StatusPlaced, StatusReadyForShipping:
		return true
	}
	return false
}

// clone returns a deep copy so callers never share the stored value.
func (o *Order) clone() *Order {
	c := *o
	c.Items = append([]Item(nil), o.Items...)
	if o.CancelledAt != nil {
		t := *o.CancelledAt
		c.CancelledAt = &t
	}
	return &c
}

// OrderStore holds orders. Get and Put exchange copies; all status
// transitions go through Mutate, which serializes check-then-set
// against every other mutation of the order.
type OrderStore interface {
	Get(id string) (*Order, bool)
	Put(order *Order)
	Mutate(id string, fn func(*Order) error) (*Order, bool, error)
}

// MemoryOrderStore is a map-backed OrderStore.
type MemoryOrderStore struct {
	mu     sync.RWMutex
	orders map[string]*Order
}

// NewMemoryOrderStore constructs an empty in-memory store.
func NewMemoryOrderStore() *MemoryOrderStore {
	return &MemoryOrderStore{orders: make(map[string]*Order)}
}

func (s *MemoryOrderStore) Get(id string) (*Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[id]
	if !ok {
		return nil, false
	}
	return order.clone(), true
}

func (s *MemoryOrderStore) Put(order *Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.ID] = order.clone()
}

// Mutate applies fn to the stored order under the store lock. fn must
// check its precondition before mutating and return an error to leave
// the order unchanged. The updated copy is returned on success.
func (s *MemoryOrderStore) Mutate(id string, fn func(*Order) error) (*Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return nil, false, nil
	}
	if err := fn(order); err != nil {
		return nil, true, err
	}
	return order.clone(), true, nil
}
