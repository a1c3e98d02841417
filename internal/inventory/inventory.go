// Package inventory simulates the remote inventory service: a product
// table with available/reserved counters and a per-order reservation
// ledger so releases can be clamped to what an order actually withdrew.
package inventory

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"orderflow/internal/orders"
	"orderflow/internal/resilience"
)

// DefaultStock seeds the product table the way the reference environment
// does.
var DefaultStock = map[string]int{
	"PROD-001": 100,
	"PROD-002": 50,
	"PROD-003": 75,
	"PROD-004": 200,
	"PROD-005": 10,
}

type product struct {
	mu         sync.Mutex
	available  int
	reserved   int
	reservedBy map[string]int
}

// Options tunes the simulated service.
type Options struct {
	// Stock seeds the product table; nil uses DefaultStock.
	Stock map[string]int
	// FailureRate injects transient failures on a fraction of calls,
	// standing in for an unreliable network.
	FailureRate float64
	// Latency delays every call, honoring context cancellation.
	Latency time.Duration
	// Rand overrides the failure-injection source for tests.
	Rand func() float64
}

// Service is an in-process InventoryClient.
type Service struct {
	mu       sync.RWMutex
	products map[string]*product

	failureRate float64
	latency     time.Duration
	rand        func() float64
}

// NewService constructs the simulated inventory service.
func NewService(opts Options) *Service {
	stock := opts.Stock
	if stock == nil {
		stock = DefaultStock
	}
	products := make(map[string]*product, len(stock))
	for id, available := range stock {
		products[id] = &product{available: available, reservedBy: make(map[string]int)}
	}
	rnd := opts.Rand
	if rnd == nil {
		rnd = rand.Float64
	}
	return &Service{
		products:    products,
		failureRate: opts.FailureRate,
		latency:     opts.Latency,
		rand:        rnd,
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
		return resilience.Transient(errors.New("inventory service unavailable"))
	}
	return nil
}

func (s *Service) lookup(productID string) (*product, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[productID]
	return p, ok
}

// Check reports whether every requested quantity is currently available.
// It never mutates stock.
func (s *Service) Check(ctx context.Context, items []orders.Item) (orders.CheckResult, error) {
	if err := s.simulate(ctx); err != nil {
		return orders.CheckResult{}, err
	}

	result := orders.CheckResult{Available: true}
	for _, item := range items {
		p, ok := s.lookup(item.ProductID)
		if !ok {
			result.Available = false
			result.Items = append(result.Items, orders.ItemDetail{
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
				Message:   "Product not found",
			})
			continue
		}

		p.mu.Lock()
		available := p.available >= item.Quantity
		p.mu.Unlock()

		result.Items = append(result.Items, orders.ItemDetail{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			OK:        available,
		})
		if !available {
			result.Available = false
		}
	}
	return result, nil
}

// Reserve withdraws stock for an order, all or nothing. Repeating the
// call for the same order id is a no-op on quantities already reserved
// for it.
func (s *Service) Reserve(ctx context.Context, items []orders.Item, orderID string) (orders.ReserveResult, error) {
	if err := s.simulate(ctx); err != nil {
		return orders.ReserveResult{}, err
	}

	wanted := aggregate(items)
	ids := sortedIDs(wanted)

	// Lock every product in a stable order so concurrent sagas cannot
	// deadlock, then validate before mutating anything.
	locked := make([]*product, 0, len(ids))
	unlock := func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].mu.Unlock()
		}
	}

	shortfall := map[string]string{}
	for _, id := range ids {
		p, ok := s.lookup(id)
		if !ok {
			shortfall[id] = "Product not found"
			continue
		}
		p.mu.Lock()
		locked = append(locked, p)
		need := wanted[id] - p.reservedBy[orderID]
		if need > 0 && p.available < need {
			shortfall[id] = "Insufficient inventory"
		}
	}

	if len(shortfall) > 0 {
		unlock()
		result := orders.ReserveResult{Reserved: false}
		for _, item := range items {
			msg, bad := shortfall[item.ProductID]
			result.Items = append(result.Items, orders.ItemDetail{
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
				OK:        !bad,
				Message:   msg,
			})
		}
		return result, nil
	}

	for i, id := range ids {
		p := locked[i]
		need := wanted[id] - p.reservedBy[orderID]
		if need > 0 {
			p.available -= need
			p.reserved += need
			p.reservedBy[orderID] += need
		}
	}
	unlock()

	result := orders.ReserveResult{Reserved: true}
	for _, item := range items {
		result.Items = append(result.Items, orders.ItemDetail{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			OK:        true,
		})
	}
	return result, nil
}

// Release returns reserved stock to availability, clamped per product to
// the quantity this order actually reserved. Releasing more than was
// reserved, or releasing twice, can never inflate availability.
func (s *Service) Release(ctx context.Context, items []orders.Item, orderID string) (orders.ReleaseResult, error) {
	if err := s.simulate(ctx); err != nil {
		return orders.ReleaseResult{}, err
	}

	wanted := aggregate(items)
	result := orders.ReleaseResult{Released: true}
	released := map[string]bool{}

	for _, id := range sortedIDs(wanted) {
		p, ok := s.lookup(id)
		if !ok {
			result.Released = false
			continue
		}
		p.mu.Lock()
		qty := wanted[id]
		if held := p.reservedBy[orderID]; qty > held {
			qty = held
		}
		p.available += qty
		p.reserved -= qty
		p.reservedBy[orderID] -= qty
		if p.reservedBy[orderID] <= 0 {
			delete(p.reservedBy, orderID)
		}
		p.mu.Unlock()
		released[id] = true
	}

	for _, item := range items {
		ok := released[item.ProductID]
		msg := ""
		if !ok {
			msg = "Product not found"
		}
		result.Items = append(result.Items, orders.ItemDetail{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			OK:        ok,
			Message:   msg,
		})
	}
	return result, nil
}

// Available returns the available quantity for a product.
func (s *Service) Available(productID string) int {
	p, ok := s.lookup(productID)
	if !ok {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

// ReservedFor returns the quantity currently reserved for an order.
func (s *Service) ReservedFor(productID, orderID string) int {
	p, ok := s.lookup(productID)
	if !ok {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reservedBy[orderID]
}

func aggregate(items []orders.Item) map[string]int {
	totals := make(map[string]int, len(items))
	for _, item := range items {
		totals[item.ProductID] += item.Quantity
	}
	return totals
}

func sortedIDs(totals map[string]int) []string {
	ids := make([]string, 0, len(totals))
	for id := range totals {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
