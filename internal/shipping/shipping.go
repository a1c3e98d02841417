// Package shipping simulates the remote shipping service.
package shipping

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"orderflow/internal/orders"
	"orderflow/internal/resilience"
)

// Carrier describes an available shipping option.
type Carrier struct {
	Name          string
	EstimatedDays int
}

// Carriers mirrors the reference service's carrier table.
var Carriers = map[string]Carrier{
	"STANDARD":  {Name: "Standard Shipping", EstimatedDays: 5},
	"EXPRESS":   {Name: "Express Shipping", EstimatedDays: 2},
	"OVERNIGHT": {Name: "Overnight Shipping", EstimatedDays: 1},
}

// ErrUnknownCarrier is a business rejection for an unsupported carrier.
var ErrUnknownCarrier = errors.New("unknown carrier")

// Options tunes the simulated service.
type Options struct {
	FailureRate float64
	Latency     time.Duration
	Rand        func() float64
	Now         func() time.Time
}

// Service is an in-process ShippingClient.
type Service struct {
	mu        sync.Mutex
	shipments map[string]orders.Shipment

	failureRate float64
	latency     time.Duration
	rand        func() float64
	now         func() time.Time
}

// NewService constructs the simulated shipping service.
func NewService(opts Options) *Service {
	rnd := opts.Rand
	if rnd == nil {
		rnd = rand.Float64
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		shipments:   make(map[string]orders.Shipment),
		failureRate: opts.FailureRate,
		latency:     opts.Latency,
		rand:        rnd,
		now:         now,
	}
}

func (s *Service) simulate(ctx context.Context) error {
	if s.latency > 0 {
		timer := time.NewTimer(s.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.failureRate > 0 && s.rand() < s.failureRate {
		return resilience.Transient(errors.New("shipping service unavailable"))
	}
	return nil
}

// CreateShipment books a shipment. A repeated call for the same order id
// returns the existing shipment.
func (s *Service) CreateShipment(ctx context.Context, orderID string, items []orders.Item, addr orders.Address, carrier string) (orders.Shipment, error) {
	if err := s.simulate(ctx); err != nil {
		return orders.Shipment{}, err
	}
	if orderID == "" || len(items) == 0 || addr.IsZero() {
		return orders.Shipment{}, errors.New("invalid shipment request")
	}
	if carrier == "" {
		carrier = "STANDARD"
	}
	info, ok := Carriers[carrier]
	if !ok {
		return orders.Shipment{}, fmt.Errorf("%w: %s", ErrUnknownCarrier, carrier)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.shipments[orderID]; ok {
		return existing, nil
	}

	shipment := orders.Shipment{
		TrackingNumber:    trackingNumber(),
		Carrier:           carrier,
		Status:            "CREATED",
		EstimatedDelivery: s.now().UTC().AddDate(0, 0, info.EstimatedDays).Format(time.RFC3339),
	}
	s.shipments[orderID] = shipment
	return shipment, nil
}

// CancelShipment drops a booked shipment. Cancelling an unknown order id
// succeeds; there is nothing to undo.
func (s *Service) CancelShipment(ctx context.Context, orderID string) error {
	if err := s.simulate(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.shipments, orderID)
	return nil
}

// Shipment returns the booked shipment for an order, for inspection.
func (s *Service) Shipment(orderID string) (orders.Shipment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	shipment, ok := s.shipments[orderID]
	return shipment, ok
}

func trackingNumber() string {
	return "TRK-" + strings.ToUpper(uuid.NewString()[:12])
}
