package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"orderflow/internal/events"
	"orderflow/internal/idempotency"
)

// PlaceOrderRequest is the input of the placement saga.
type PlaceOrderRequest struct {
	Customer        string  `json:"customer"`
	Items           []Item  `json:"items"`
	ShippingAddress Address `json:"shippingAddress"`
	BillingAddress  Address `json:"billingAddress,omitempty"`
	PaymentMethod   string  `json:"paymentMethod,omitempty"`
	Carrier         string  `json:"carrier,omitempty"`

	// IdempotencyKey is carried out of band (header), never fingerprinted.
	IdempotencyKey string `json:"-"`
}

// PlacementResult is the terminal outcome of one saga run.
type PlacementResult struct {
	Success bool   `json:"success"`
	OrderID string `json:"orderId,omitempty"`
	Status  Status `json:"status,omitempty"`
	Error   string `json:"error,omitempty"`
}

// PlaceOrder runs the placement saga at most once per idempotency key.
// The returned record carries the HTTP status and body of the terminal
// response; replays of a known key return the first response verbatim,
// and the bool reports such a replay.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (idempotency.Record, bool, error) {
	fingerprint := idempotency.Fingerprint(req)

	return s.withIdempotency(ctx, idempotency.NamespacePlace, req.IdempotencyKey, fingerprint, func() idempotency.Record {
		if err := validatePlacement(req); err != nil {
			return errorRecord(400, err.Error())
		}

		result := s.runPlacementSaga(ctx, req)

		status := 201
		switch {
		case result.Success:
		case result.Status == "":
			// Panic boundary: the saga died without reaching a
			// terminal order status.
			status = 500
		default:
			status = 400
		}
		body, _ := json.Marshal(result)
		return idempotency.Record{Status: status, Body: body}
	})
}

// runPlacementSaga executes check, reserve and authorize in order,
// compensating the reservation when payment fails. Every run emits
// exactly one terminal event.
func (s *Service) runPlacementSaga(ctx context.Context, req PlaceOrderRequest) (result PlacementResult) {
	sagaID := s.newID()
	orderID := s.newID()
	logger := s.logger.With("sagaId", sagaID, "orderId", orderID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("placement saga panicked", "panic", r)
			s.recordEvent(ctx, events.TypeSagaFailed, sagaID, orderID, fmt.Sprint(r))
			result = PlacementResult{Success: false, Error: "internal error"}
		}
	}()

	order := s.createOrder(orderID, req)
	s.recordEvent(ctx, events.TypeOrderCreated, sagaID, orderID, "")
	logger.Info("placement saga started", "customer", req.Customer, "total", order.Total)

	check, err := s.inventory.Check(ctx, req.Items)
	if err != nil {
		logger.Error("inventory check failed", "error", err)
		s.recordEvent(ctx, events.TypeInventoryCheckFailed, sagaID, orderID, err.Error())
		return s.failOrder(orderID, StatusInventoryCheckFailed, "Inventory service unavailable")
	}
	if !check.Available {
		detail := unavailableDetail(check)
		logger.Warn("insufficient inventory", "detail", detail)
		s.recordEvent(ctx, events.TypeInventoryCheckFailed, sagaID, orderID, detail)
		return s.failOrder(orderID, StatusInventoryFailed, "Insufficient inventory: "+detail)
	}
	if check.UsingFallback {
		logger.Warn("inventory check degraded, assuming availability")
	}

	reserve, err := s.inventory.Reserve(ctx, req.Items, orderID)
	if err != nil || !reserve.Reserved {
		detail := "reservation rejected"
		if err != nil {
			detail = err.Error()
		}
		logger.Error("inventory reservation failed", "detail", detail)
		s.recordEvent(ctx, events.TypeInventoryReservationFailed, sagaID, orderID, detail)
		return s.failOrder(orderID, StatusInventoryFailed, "Could not reserve inventory")
	}
	s.recordEvent(ctx, events.TypeInventoryReserved, sagaID, orderID, "")

	auth, err := s.payments.Authorize(ctx, orderID, order.Total, order.PaymentMethod)
	if err != nil {
		logger.Error("payment failed, releasing reservation", "error", err)
		s.recordEvent(ctx, events.TypePaymentFailed, sagaID, orderID, err.Error())
		s.compensateReservation(ctx, sagaID, orderID, req.Items, logger)
		return s.failOrder(orderID, StatusPaymentFailed, "Payment failed: "+err.Error())
	}
	s.recordEvent(ctx, events.TypePaymentProcessed, sagaID, orderID, auth.PaymentID)

	_, ok, err := s.store.Mutate(orderID, func(o *Order) error {
		if o.Status != StatusPending {
			return errWrongStatus
		}
		o.PaymentID = auth.PaymentID
		o.Status = StatusPlaced
		o.UpdatedAt = s.now().UTC()
		return nil
	})
	if !ok || err != nil {
		// The order left PENDING while payment ran, e.g. a concurrent
		// cancellation. The stored status wins over the saga outcome.
		status := StatusCancelled
		if current, found := s.store.Get(orderID); found {
			status = current.Status
		}
		logger.Warn("order moved on during placement", "status", status)
		return PlacementResult{Success: false, OrderID: orderID, Status: status, Error: "Order was cancelled during placement"}
	}
	s.recordEvent(ctx, events.TypeOrderPlaced, sagaID, orderID, "")
	logger.Info("order placed", "paymentId", auth.PaymentID)
	return PlacementResult{Success: true, OrderID: orderID, Status: StatusPlaced}
}

// compensateReservation undoes the inventory reservation after a payment
// failure. It runs once; a failed or degraded release is recorded and
// left for reconciliation.
func (s *Service) compensateReservation(ctx context.Context, sagaID, orderID string, items []Item, logger *slog.Logger) {
	release, err := s.inventory.Release(ctx, items, orderID)
	if err == nil && release.Released && !release.UsingFallback {
		s.recordEvent(ctx, events.TypeInventoryReleased, sagaID, orderID, "")
		return
	}
	detail := "release not confirmed"
	if err != nil {
		detail = err.Error()
	}
	logger.Error("inventory release failed", "detail", detail)
	s.recordEvent(ctx, events.TypeInventoryReleaseFailed, sagaID, orderID, detail)
}

func (s *Service) createOrder(orderID string, req PlaceOrderRequest) *Order {
	billing := req.BillingAddress
	if billing.IsZero() {
		billing = req.ShippingAddress
	}
	method := req.PaymentMethod
	if method == "" {
		method = "credit_card"
	}
	carrier := req.Carrier
	if carrier == "" {
		carrier = "STANDARD"
	}
	now := s.now().UTC()
	order := &Order{
		ID:              orderID,
		Customer:        req.Customer,
		Items:           req.Items,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  billing,
		PaymentMethod:   method,
		Status:          StatusPending,
		Total:           Total(req.Items, s.price),
		Shipping:        ShippingInfo{Carrier: carrier},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.store.Put(order)
	return order
}

// failOrder records a terminal failure status. The transition only
// applies while the order is still pending.
func (s *Service) failOrder(orderID string, status Status, message string) PlacementResult {
	_, _, _ = s.store.Mutate(orderID, func(o *Order) error {
		if o.Status != StatusPending {
			return errWrongStatus
		}
		o.Status = status
		o.UpdatedAt = s.now().UTC()
		return nil
	})
	return PlacementResult{Success: false, OrderID: orderID, Status: status, Error: message}
}

func validatePlacement(req PlaceOrderRequest) error {
	if req.Customer == "" {
		return validationError("customer")
	}
	if len(req.Items) == 0 {
		return validationError("items")
	}
	for _, item := range req.Items {
		if item.ProductID == "" {
			return validationError("items[].productId")
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: items[].quantity must be positive", ErrValidation)
		}
	}
	if req.ShippingAddress.IsZero() {
		return validationError("shippingAddress")
	}
	return nil
}

func unavailableDetail(check CheckResult) string {
	var parts []string
	for _, item := range check.Items {
		if !item.OK {
			parts = append(parts, fmt.Sprintf("%s: %s", item.ProductID, item.Message))
		}
	}
	if len(parts) == 0 {
		return "insufficient stock"
	}
	return strings.Join(parts, "; ")
}
