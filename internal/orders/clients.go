package orders

import (
	"context"
	"errors"
)

// ErrPaymentDeclined is a business rejection from the payment service.
// It is terminal for the payment step and never retried.
var ErrPaymentDeclined = errors.New("payment declined")

// Item is one ordered line: product plus quantity. Order matters and
// duplicate products are allowed.
type Item struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// Address is a shipping or billing address.
type Address struct {
	Name    string `json:"name,omitempty"`
	Street  string `json:"street"`
	City    string `json:"city"`
	Zip     string `json:"zip,omitempty"`
	Country string `json:"country,omitempty"`
}

// IsZero reports whether no address was supplied.
func (a Address) IsZero() bool {
	return a == Address{}
}

// ItemDetail is the per-item outcome inside an inventory response.
type ItemDetail struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	OK        bool   `json:"ok"`
	Message   string `json:"message,omitempty"`
}

// CheckResult is the inventory availability answer. UsingFallback marks a
// degraded answer produced locally while the service was unreachable.
type CheckResult struct {
	Available     bool         `json:"available"`
	UsingFallback bool         `json:"usingFallback,omitempty"`
	Items         []ItemDetail `json:"items"`
}

// ReserveResult is the inventory reservation answer.
type ReserveResult struct {
	Reserved bool         `json:"reserved"`
	Items    []ItemDetail `json:"items"`
}

// ReleaseResult is the inventory release answer.
type ReleaseResult struct {
	Released      bool         `json:"released"`
	UsingFallback bool         `json:"usingFallback,omitempty"`
	Items         []ItemDetail `json:"items"`
}

// PaymentResult is a successful authorization.
type PaymentResult struct {
	Success           bool   `json:"success"`
	PaymentID         string `json:"paymentId"`
	AuthorizationCode string `json:"authorizationCode"`
}

// RefundResult reports a processed refund.
type RefundResult struct {
	Success         bool   `json:"success"`
	RefundReference string `json:"refundReference"`
}

// Shipment is a created shipment on the shipping side.
type Shipment struct {
	TrackingNumber    string `json:"trackingNumber"`
	Carrier           string `json:"carrier"`
	Status            string `json:"status"`
	EstimatedDelivery string `json:"estimatedDeliveryDate,omitempty"`
	UsingFallback     bool   `json:"usingFallback,omitempty"`
}

// InventoryClient is the inventory collaborator. Reserve and Release carry
// the order id as an idempotency hint for the remote side; Release clamps
// to the quantity actually reserved for that order.
type InventoryClient interface {
	Check(ctx context.Context, items []Item) (CheckResult, error)
	Reserve(ctx context.Context, items []Item, orderID string) (ReserveResult, error)
	Release(ctx context.Context, items []Item, orderID string) (ReleaseResult, error)
}

// PaymentClient authorizes and refunds payments for an order.
type PaymentClient interface {
	Authorize(ctx context.Context, orderID string, amount float64, paymentMethod string) (PaymentResult, error)
	Refund(ctx context.Context, orderID, paymentID string) (RefundResult, error)
}

// ShippingClient creates and cancels shipments.
type ShippingClient interface {
	CreateShipment(ctx context.Context, orderID string, items []Item, addr Address, carrier string) (Shipment, error)
	CancelShipment(ctx context.Context, orderID string) error
}

// PriceLookup resolves the unit price for a product. Prices are sourced
// externally; the default charges a flat 10.00 per unit.
type PriceLookup func(productID string) float64

// FlatPrice returns a PriceLookup charging the same unit price for
// every product.
func FlatPrice(price float64) PriceLookup {
	return func(string) float64 { return price }
}

// Total computes the order total for the given items.
func Total(items []Item, price PriceLookup) float64 {
	if price == nil {
		price = FlatPrice(10)
	}
	total := 0.0
	for _, item := range items {
		total += float64(item.Quantity) * price(item.ProductID)
	}
	return total
}
