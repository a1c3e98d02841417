package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"orderflow/internal/events"
	"orderflow/internal/idempotency"
)

// ErrValidation marks missing or malformed input. Validation failures are
// returned immediately and never start a saga.
var ErrValidation = errors.New("validation failed")

// errWrongStatus aborts a Mutate whose status precondition no longer
// holds; per-operation messages are attached at the call site.
var errWrongStatus = errors.New("wrong order status")

// Config wires a Service.
type Config struct {
	Store     OrderStore
	Events    events.Sink
	Cache     idempotency.Cache
	Inventory InventoryClient
	Payments  PaymentClient
	Shipping  ShippingClient
	Price     PriceLookup
	Logger    *slog.Logger
	Now       func() time.Time
	NewID     func() string
}

// Service drives the order-placement saga and the post-saga lifecycle
// operations. It is stateless between invocations apart from the shared
// stores it is configured with.
type Service struct {
	store     OrderStore
	events    events.Sink
	cache     idempotency.Cache
	inventory InventoryClient
	payments  PaymentClient
	shipping  ShippingClient
	price     PriceLookup
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string

	flight singleflight.Group
}

// NewService constructs a Service with sane defaults.
func NewService(cfg Config) *Service {
	store := cfg.Store
	if store == nil {
		store = NewMemoryOrderStore()
	}
	sink := cfg.Events
	if sink == nil {
		sink = events.NewLog()
	}
	cache := cfg.Cache
	if cache == nil {
		cache = idempotency.NewMemoryCache(24 * time.Hour)
	}
	price := cfg.Price
	if price == nil {
		price = FlatPrice(10)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Service{
		store:     store,
		events:    sink,
		cache:     cache,
		inventory: cfg.Inventory,
		payments:  cfg.Payments,
		shipping:  cfg.Shipping,
		price:     price,
		logger:    logger,
		now:       now,
		newID:     newID,
	}
}

// GetOrder returns a copy of an order by id.
func (s *Service) GetOrder(id string) (*Order, bool) {
	return s.store.Get(id)
}

// OrderEvents returns the saga events for an order in append order.
func (s *Service) OrderEvents(ctx context.Context, orderID string) ([]events.Event, error) {
	return s.events.OrderEvents(ctx, orderID)
}

// UpdateOrder changes the shipping address of a placed order.
func (s *Service) UpdateOrder(ctx context.Context, orderID string, addr Address, idempotencyKey string) (idempotency.Record, error) {
	fingerprint := idempotency.Fingerprint(struct {
		OrderID string  `json:"orderId"`
		Address Address `json:"address"`
	}{orderID, addr})

	rec, _, err := s.withIdempotency(ctx, idempotency.NamespaceUpdate, idempotencyKey, fingerprint, func() idempotency.Record {
		order, ok, err := s.store.Mutate(orderID, func(o *Order) error {
			if o.Status != StatusPlaced {
				return errWrongStatus
			}
			if !addr.IsZero() {
				o.ShippingAddress = addr
			}
			o.UpdatedAt = s.now().UTC()
			return nil
		})
		if !ok {
			return errorRecord(404, "Order not found")
		}
		if err != nil {
			return errorRecord(400, "Order cannot be updated after processing")
		}
		s.logger.Info("order updated", "orderId", orderID)
		return messageRecord(200, "Order updated", order)
	})
	return rec, err
}

// CancelOrder cancels an order, undoing any shipment and refunding an
// authorized payment best effort.
func (s *Service) CancelOrder(ctx context.Context, orderID, idempotencyKey string) (idempotency.Record, error) {
	fingerprint := idempotency.Fingerprint(struct {
		OrderID string `json:"orderId"`
	}{orderID})

	rec, _, err := s.withIdempotency(ctx, idempotency.NamespaceCancel, idempotencyKey, fingerprint, func() idempotency.Record {
		order, ok := s.store.Get(orderID)
		if !ok {
			return errorRecord(404, "Order not found")
		}
		if !order.IsCancellable() {
			return errorRecord(400, "Order cannot be cancelled at this stage")
		}

		if order.Shipping.TrackingNumber != "" && s.shipping != nil {
			if err := s.shipping.CancelShipment(ctx, orderID); err != nil {
				// Cancellation proceeds even when the shipment cannot
				// be cancelled right now.
				s.logger.Error("cancel shipment failed", "orderId", orderID, "error", err)
			}
		}
		if order.PaymentID != "" && s.payments != nil {
			if refund, err := s.payments.Refund(ctx, orderID, order.PaymentID); err != nil {
				s.logger.Error("refund failed", "orderId", orderID, "error", err)
			} else {
				s.logger.Info("payment refunded", "orderId", orderID, "refundReference", refund.RefundReference)
			}
		}

		// Re-checked under the store lock: the order may have moved on
		// while the side effects ran.
		order, ok, err := s.store.Mutate(orderID, func(o *Order) error {
			if !o.IsCancellable() {
				return errWrongStatus
			}
			o.Status = StatusCancelled
			cancelledAt := s.now().UTC()
			o.CancelledAt = &cancelledAt
			o.UpdatedAt = cancelledAt
			return nil
		})
		if !ok {
			return errorRecord(404, "Order not found")
		}
		if err != nil {
			return errorRecord(400, "Order cannot be cancelled at this stage")
		}
		s.logger.Info("order cancelled", "orderId", orderID)
		return messageRecord(200, "Order cancelled", order)
	})
	return rec, err
}

// ProcessOrder confirms a placed order for fulfillment.
func (s *Service) ProcessOrder(ctx context.Context, orderID, idempotencyKey string) (idempotency.Record, error) {
	fingerprint := idempotency.Fingerprint(struct {
		OrderID string `json:"orderId"`
	}{orderID})

	rec, _, err := s.withIdempotency(ctx, idempotency.NamespaceProcess, idempotencyKey, fingerprint, func() idempotency.Record {
		order, ok, err := s.store.Mutate(orderID, func(o *Order) error {
			if o.Status != StatusPlaced {
				return errWrongStatus
			}
			o.Status = StatusConfirmed
			o.UpdatedAt = s.now().UTC()
			return nil
		})
		if !ok {
			return errorRecord(404, "Order not found")
		}
		if err != nil {
			return errorRecord(400, "Order already processed or cancelled")
		}
		s.logger.Info("order processed", "orderId", orderID, "status", order.Status)
		return messageRecord(200, "Order processed and confirmed", order)
	})
	return rec, err
}

// FulfillOrder books a shipment for a confirmed order through the
// shipping breaker. A degraded booking parks the order as ready for
// shipping with a pending-retry tracking stub.
func (s *Service) FulfillOrder(ctx context.Context, orderID, carrier, idempotencyKey string) (idempotency.Record, error) {
	fingerprint := idempotency.Fingerprint(struct {
		OrderID string `json:"orderId"`
		Carrier string `json:"carrier"`
	}{orderID, carrier})

	rec, _, err := s.withIdempotency(ctx, idempotency.NamespaceFulfill, idempotencyKey, fingerprint, func() idempotency.Record {
		order, ok := s.store.Get(orderID)
		if !ok {
			return errorRecord(404, "Order not found")
		}
		if order.Status != StatusConfirmed && order.Status != StatusReadyForShipping {
			return errorRecord(400, "Order must be confirmed or ready for shipping before fulfillment")
		}
		if carrier == "" {
			carrier = order.Shipping.Carrier
		}
		if carrier == "" {
			carrier = "STANDARD"
		}

		shipment, err := s.shipping.CreateShipment(ctx, orderID, order.Items, order.ShippingAddress, carrier)
		if err != nil {
			s.logger.Error("create shipment failed", "orderId", orderID, "error", err)
			return errorRecord(400, err.Error())
		}

		fulfillable := func(o *Order) bool {
			return o.Status == StatusConfirmed || o.Status == StatusReadyForShipping
		}

		if shipment.UsingFallback {
			order, ok, err = s.store.Mutate(orderID, func(o *Order) error {
				if !fulfillable(o) {
					return errWrongStatus
				}
				o.Status = StatusReadyForShipping
				o.Shipping = ShippingInfo{
					Carrier:        carrier,
					TrackingNumber: shipment.TrackingNumber,
					Status:         "PENDING_RETRY",
				}
				o.UpdatedAt = s.now().UTC()
				return nil
			})
			if !ok || err != nil {
				return errorRecord(400, "Order moved on during fulfillment")
			}
			s.logger.Warn("shipment deferred, shipping degraded", "orderId", orderID)
			body, _ := json.Marshal(struct {
				Message         string `json:"message"`
				Order           *Order `json:"order"`
				ShipmentPending bool   `json:"shipmentPending"`
			}{"Order marked ready for shipping. Shipment will be created when the service is available.", order, true})
			return idempotency.Record{Status: 202, Body: body}
		}

		shippedAt := s.now().UTC().Format(time.RFC3339)
		order, ok, err = s.store.Mutate(orderID, func(o *Order) error {
			if !fulfillable(o) {
				return errWrongStatus
			}
			o.Status = StatusShipped
			o.Shipping = ShippingInfo{
				Carrier:           shipment.Carrier,
				TrackingNumber:    shipment.TrackingNumber,
				ShippedAt:         shippedAt,
				EstimatedDelivery: shipment.EstimatedDelivery,
				Status:            shipment.Status,
			}
			o.UpdatedAt = s.now().UTC()
			return nil
		})
		if !ok || err != nil {
			return errorRecord(400, "Order moved on during fulfillment")
		}
		s.logger.Info("order fulfilled", "orderId", orderID, "trackingNumber", shipment.TrackingNumber)
		body, _ := json.Marshal(struct {
			Message  string   `json:"message"`
			Order    *Order   `json:"order"`
			Shipment Shipment `json:"shipment"`
		}{"Order fulfilled and shipped", order, shipment})
		return idempotency.Record{Status: 200, Body: body}
	})
	return rec, err
}

// withIdempotency replays the cached response for a known key, collapses
// concurrent duplicates, and caches the terminal response of the first
// execution. The bool reports whether the response was replayed from
// the cache.
func (s *Service) withIdempotency(ctx context.Context, namespace, key, fingerprint string, fn func() idempotency.Record) (idempotency.Record, bool, error) {
	if key == "" {
		return fn(), false, nil
	}

	cacheKey := idempotency.Key(namespace, key)
	if rec, ok, err := s.cache.Lookup(ctx, cacheKey, fingerprint); err != nil {
		return idempotency.Record{}, false, err
	} else if ok {
		s.logger.Info("duplicate request replayed from idempotency cache", "key", cacheKey)
		return rec, true, nil
	}

	result, err, shared := s.flight.Do(cacheKey, func() (any, error) {
		rec := fn()
		if _, err := s.cache.Store(ctx, cacheKey, fingerprint, rec); err != nil {
			s.logger.Error("idempotency store failed", "key", cacheKey, "error", err)
		}
		return rec, nil
	})
	if err != nil {
		return idempotency.Record{}, false, err
	}
	return result.(idempotency.Record), shared, nil
}

func (s *Service) recordEvent(ctx context.Context, evType events.Type, sagaID, orderID, detail string) {
	ev := events.Event{
		SagaID:  sagaID,
		OrderID: orderID,
		Type:    evType,
		Detail:  detail,
	}
	if err := s.events.Append(ctx, ev); err != nil {
		s.logger.Error("event append failed", "eventType", evType, "orderId", orderID, "error", err)
	}
}

func errorRecord(status int, message string) idempotency.Record {
	body, _ := json.Marshal(struct {
		Error string `json:"error"`
	}{message})
	return idempotency.Record{Status: status, Body: body}
}

func messageRecord(status int, message string, order *Order) idempotency.Record {
	body, _ := json.Marshal(struct {
		Message string `json:"message"`
		Order   *Order `json:"order"`
	}{message, order})
	return idempotency.Record{Status: status, Body: body}
}

func validationError(field string) error {
	return fmt.Errorf("%w: %s is required", ErrValidation, field)
}
