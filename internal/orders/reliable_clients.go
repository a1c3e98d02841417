package orders

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"orderflow/internal/resilience"
)

// ReliableInventoryClient wraps an InventoryClient with reliability
// controls. Check and Release share one breaker, Reserve has its own;
// retries run inside the breaker so a retried burst counts as a single
// call in its failure window.
type ReliableInventoryClient struct {
	base         InventoryClient
	checkRelease *resilience.CircuitBreaker
	reserve      *resilience.CircuitBreaker
	retry        resilience.RetryPolicy
}

// NewReliableInventoryClient constructs a reliability-wrapped inventory client.
func NewReliableInventoryClient(base InventoryClient, checkRelease, reserve *resilience.CircuitBreaker, retry resilience.RetryPolicy) *ReliableInventoryClient {
	return &ReliableInventoryClient{
		base:         base,
		checkRelease: checkRelease,
		reserve:      reserve,
		retry:        retry,
	}
}

// Check probes availability. When the breaker rejects the call or retries
// are exhausted it falls back to a degraded assume-available answer,
// marked so callers can tell it apart from a genuine one.
func (c *ReliableInventoryClient) Check(ctx context.Context, items []Item) (CheckResult, error) {
	var result CheckResult
	err := do(ctx, c.checkRelease, c.retry, func(ctx context.Context) error {
		var callErr error
		result, callErr = c.base.Check(ctx, items)
		return callErr
	})
	if err == nil {
		return result, nil
	}
	if errors.Is(err, context.Canceled) {
		return CheckResult{}, err
	}

	fallback := CheckResult{Available: true, UsingFallback: true}
	for _, item := range items {
		fallback.Items = append(fallback.Items, ItemDetail{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			OK:        true,
		})
	}
	return fallback, nil
}

// Reserve withdraws stock. Reservation mutates remote state, so there is
// no degraded fallback: failures surface to the caller.
func (c *ReliableInventoryClient) Reserve(ctx context.Context, items []Item, orderID string) (ReserveResult, error) {
	var result ReserveResult
	err := do(ctx, c.reserve, c.retry, func(ctx context.Context) error {
		var callErr error
		result, callErr = c.base.Reserve(ctx, items, orderID)
		return callErr
	})
	if err != nil {
		return ReserveResult{}, err
	}
	return result, nil
}

// Release returns reserved stock. When the service is unreachable the
// degraded answer reports the release as not performed so the caller can
// record the shortfall instead of assuming success.
func (c *ReliableInventoryClient) Release(ctx context.Context, items []Item, orderID string) (ReleaseResult, error) {
	var result ReleaseResult
	err := do(ctx, c.checkRelease, c.retry, func(ctx context.Context) error {
		var callErr error
		result, callErr = c.base.Release(ctx, items, orderID)
		return callErr
	})
	if err == nil {
		return result, nil
	}
	if errors.Is(err, context.Canceled) {
		return ReleaseResult{}, err
	}
	return ReleaseResult{Released: false, UsingFallback: true}, nil
}

// ReliablePaymentClient wraps a PaymentClient with reliability controls.
// Payment has no fallback: a charge is never optimistically approved.
type ReliablePaymentClient struct {
	base    PaymentClient
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryPolicy
}

// NewReliablePaymentClient constructs a reliability-wrapped payment client.
func NewReliablePaymentClient(base PaymentClient, breaker *resilience.CircuitBreaker, retry resilience.RetryPolicy) *ReliablePaymentClient {
	return &ReliablePaymentClient{base: base, breaker: breaker, retry: retry}
}

func (c *ReliablePaymentClient) Authorize(ctx context.Context, orderID string, amount float64, paymentMethod string) (PaymentResult, error) {
	var result PaymentResult
	err := do(ctx, c.breaker, c.retry, func(ctx context.Context) error {
		var callErr error
		result, callErr = c.base.Authorize(ctx, orderID, amount, paymentMethod)
		return callErr
	})
	if err != nil {
		return PaymentResult{}, err
	}
	return result, nil
}

func (c *ReliablePaymentClient) Refund(ctx context.Context, orderID, paymentID string) (RefundResult, error) {
	var result RefundResult
	err := do(ctx, c.breaker, c.retry, func(ctx context.Context) error {
		var callErr error
		result, callErr = c.base.Refund(ctx, orderID, paymentID)
		return callErr
	})
	if err != nil {
		return RefundResult{}, err
	}
	return result, nil
}

// ReliableShippingClient wraps a ShippingClient with reliability controls.
// When shipment creation is rejected or exhausted it falls back to a
// pending-retry stub with a temporary tracking number.
type ReliableShippingClient struct {
	base    ShippingClient
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryPolicy
}

// NewReliableShippingClient constructs a reliability-wrapped shipping client.
func NewReliableShippingClient(base ShippingClient, breaker *resilience.CircuitBreaker, retry resilience.RetryPolicy) *ReliableShippingClient {
	return &ReliableShippingClient{base: base, breaker: breaker, retry: retry}
}

func (c *ReliableShippingClient) CreateShipment(ctx context.Context, orderID string, items []Item, addr Address, carrier string) (Shipment, error) {
	var result Shipment
	err := do(ctx, c.breaker, c.retry, func(ctx context.Context) error {
		var callErr error
		result, callErr = c.base.CreateShipment(ctx, orderID, items, addr, carrier)
		return callErr
	})
	if err == nil {
		return result, nil
	}
	if errors.Is(err, context.Canceled) {
		return Shipment{}, err
	}
	if !resilience.IsTransient(err) && !errors.Is(err, resilience.ErrCircuitOpen) {
		// Business rejection: no degraded shipment for those.
		return Shipment{}, err
	}

	return Shipment{
		TrackingNumber: "TEMP-" + strings.ToUpper(uuid.NewString()[:8]),
		Carrier:        carrier,
		Status:         "PENDING_RETRY",
		UsingFallback:  true,
	}, nil
}

func (c *ReliableShippingClient) CancelShipment(ctx context.Context, orderID string) error {
	return do(ctx, c.breaker, c.retry, func(ctx context.Context) error {
		return c.base.CancelShipment(ctx, orderID)
	})
}

// do runs fn with retries inside a single breaker-measured call.
func do(ctx context.Context, breaker *resilience.CircuitBreaker, retry resilience.RetryPolicy, fn func(context.Context) error) error {
	if breaker == nil {
		return retry.Do(ctx, func() error { return fn(ctx) })
	}
	return breaker.Do(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, func() error { return fn(ctx) })
	})
}
