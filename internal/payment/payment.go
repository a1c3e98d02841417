// Package payment simulates the remote payment gateway.
package payment

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

type record struct {
	paymentID string
	orderID   string
	amount    float64
	method    string
	status    string
	authCode  string
	refundRef string
}

// Options tunes the simulated gateway.
type Options struct {
	// FailureRate injects transient failures on a fraction of calls.
	FailureRate float64
	// DeclineRate declines a fraction of authorizations as a business
	// rejection, the way the reference gateway does under chaos mode.
	DeclineRate float64
	// Latency delays every call, honoring context cancellation.
	Latency time.Duration
	// Rand overrides the randomness source for tests.
	Rand func() float64
}

// Service is an in-process PaymentClient.
type Service struct {
	mu       sync.Mutex
	payments map[string]*record

	failureRate float64
	declineRate float64
	latency     time.Duration
	rand        func() float64
}

// NewService constructs the simulated payment service.
func NewService(opts Options) *Service {
	rnd := opts.Rand
	if rnd == nil {
		rnd = rand.Float64
	}
	return &Service{
		payments:    make(map[string]*record),
		failureRate: opts.FailureRate,
		declineRate: opts.DeclineRate,
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
		return resilience.Transient(errors.New("payment gateway unavailable"))
	}
	return nil
}

// Authorize charges the order amount. A repeated call for the same order
// id returns the original authorization instead of charging twice.
func (s *Service) Authorize(ctx context.Context, orderID string, amount float64, paymentMethod string) (orders.PaymentResult, error) {
	if err := s.simulate(ctx); err != nil {
		return orders.PaymentResult{}, err
	}
	if orderID == "" || amount <= 0 {
		return orders.PaymentResult{}, errors.New("invalid authorization request")
	}
	if paymentMethod == "" {
		paymentMethod = "credit_card"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.payments[orderID]; ok && existing.status == "AUTHORIZED" {
		return orders.PaymentResult{
			Success:           true,
			PaymentID:         existing.paymentID,
			AuthorizationCode: existing.authCode,
		}, nil
	}

	if s.declineRate > 0 && s.rand() < s.declineRate {
		return orders.PaymentResult{}, orders.ErrPaymentDeclined
	}

	rec := &record{
		paymentID: uuid.NewString(),
		orderID:   orderID,
		amount:    amount,
		method:    paymentMethod,
		status:    "AUTHORIZED",
		authCode:  authCode(),
	}
	s.payments[orderID] = rec

	return orders.PaymentResult{
		Success:           true,
		PaymentID:         rec.paymentID,
		AuthorizationCode: rec.authCode,
	}, nil
}

// Refund reverses a previous authorization.
func (s *Service) Refund(ctx context.Context, orderID, paymentID string) (orders.RefundResult, error) {
	if err := s.simulate(ctx); err != nil {
		return orders.RefundResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.payments[orderID]
	if !ok || (paymentID != "" && rec.paymentID != paymentID) {
		return orders.RefundResult{}, errors.New("payment not found")
	}
	if rec.status == "REFUNDED" {
		return orders.RefundResult{Success: true, RefundReference: rec.refundRef}, nil
	}

	rec.status = "REFUNDED"
	rec.refundRef = "REF-" + strings.ToUpper(uuid.NewString()[:8])
	return orders.RefundResult{Success: true, RefundReference: rec.refundRef}, nil
}

// Status returns the recorded state of an order's payment, for inspection.
func (s *Service) Status(orderID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.payments[orderID]
	if !ok {
		return "", false
	}
	return rec.status, true
}

func authCode() string {
	return fmt.Sprintf("AUTH-%s", strings.ToUpper(uuid.NewString()[:8]))
}
