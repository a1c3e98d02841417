package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"orderflow/internal/events"
	"orderflow/internal/idempotency"
)

type stubInventory struct {
	checkFn   func(ctx context.Context, items []Item) (CheckResult, error)
	reserveFn func(ctx context.Context, items []Item, orderID string) (ReserveResult, error)
	releaseFn func(ctx context.Context, items []Item, orderID string) (ReleaseResult, error)

	reserveCalls int
	releaseCalls int
}

func (s *stubInventory) Check(ctx context.Context, items []Item) (CheckResult, error) {
	if s.checkFn != nil {
		return s.checkFn(ctx, items)
	}
	return CheckResult{Available: true}, nil
}

func (s *stubInventory) Reserve(ctx context.Context, items []Item, orderID string) (ReserveResult, error) {
	s.reserveCalls++
	if s.reserveFn != nil {
		return s.reserveFn(ctx, items, orderID)
	}
	return ReserveResult{Reserved: true}, nil
}

func (s *stubInventory) Release(ctx context.Context, items []Item, orderID string) (ReleaseResult, error) {
	s.releaseCalls++
	if s.releaseFn != nil {
		return s.releaseFn(ctx, items, orderID)
	}
	return ReleaseResult{Released: true}, nil
}

type stubPayments struct {
	authorizeFn func(ctx context.Context, orderID string, amount float64, method string) (PaymentResult, error)

	authorizeCalls int
}

func (s *stubPayments) Authorize(ctx context.Context, orderID string, amount float64, method string) (PaymentResult, error) {
	s.authorizeCalls++
	if s.authorizeFn != nil {
		return s.authorizeFn(ctx, orderID, amount, method)
	}
	return PaymentResult{Success: true, PaymentID: "pay-1", AuthorizationCode: "AUTH-1"}, nil
}

func (s *stubPayments) Refund(ctx context.Context, orderID, paymentID string) (RefundResult, error) {
	return RefundResult{Success: true, RefundReference: "REF-1"}, nil
}

type stubShipping struct {
	createFn func(ctx context.Context, orderID string, items []Item, addr Address, carrier string) (Shipment, error)

	cancelled []string
}

func (s *stubShipping) CreateShipment(ctx context.Context, orderID string, items []Item, addr Address, carrier string) (Shipment, error) {
	if s.createFn != nil {
		return s.createFn(ctx, orderID, items, addr, carrier)
	}
	return Shipment{TrackingNumber: "TRK-1", Carrier: carrier, Status: "CREATED"}, nil
}

func (s *stubShipping) CancelShipment(ctx context.Context, orderID string) error {
	s.cancelled = append(s.cancelled, orderID)
	return nil
}

type sagaFixture struct {
	svc       *Service
	inventory *stubInventory
	payments  *stubPayments
	shipping  *stubShipping
	log       *events.Log
	store     OrderStore
}

func newSagaFixture() *sagaFixture {
	f := &sagaFixture{
		inventory: &stubInventory{},
		payments:  &stubPayments{},
		shipping:  &stubShipping{},
		log:       events.NewLog(),
		store:     NewMemoryOrderStore(),
	}
	f.svc = NewService(Config{
		Store:     f.store,
		Events:    f.log,
		Inventory: f.inventory,
		Payments:  f.payments,
		Shipping:  f.shipping,
	})
	return f
}

func validRequest() PlaceOrderRequest {
	return PlaceOrderRequest{
		Customer: "alice",
		Items:    []Item{{ProductID: "PROD-001", Quantity: 2}},
		ShippingAddress: Address{
			Street: "1 Main St", City: "Springfield", Zip: "12345", Country: "US",
		},
	}
}

func orderEventTypes(t *testing.T, f *sagaFixture, orderID string) []events.Type {
	t.Helper()
	evs, err := f.log.OrderEvents(context.Background(), orderID)
	if err != nil {
		t.Fatalf("OrderEvents: %v", err)
	}
	types := make([]events.Type, len(evs))
	for i, ev := range evs {
		types[i] = ev.Type
	}
	return types
}

func decodeResult(t *testing.T, rec idempotency.Record) PlacementResult {
	t.Helper()
	var result PlacementResult
	if err := json.Unmarshal(rec.Body, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return result
}

func TestPlaceOrder_Success(t *testing.T) {
	f := newSagaFixture()

	rec, _, err := f.svc.PlaceOrder(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if rec.Status != 201 {
		t.Fatalf("status = %d, want 201", rec.Status)
	}
	result := decodeResult(t, rec)
	if !result.Success || result.Status != StatusPlaced {
		t.Fatalf("result = %+v, want placed success", result)
	}

	order, ok := f.store.Get(result.OrderID)
	if !ok {
		t.Fatal("order not stored")
	}
	if order.Status != StatusPlaced {
		t.Fatalf("order status = %s, want %s", order.Status, StatusPlaced)
	}
	if order.Total != 20 {
		t.Fatalf("order total = %v, want 20", order.Total)
	}
	if order.PaymentID != "pay-1" {
		t.Fatalf("paymentId = %q, want pay-1", order.PaymentID)
	}

	want := []events.Type{
		events.TypeOrderCreated,
		events.TypeInventoryReserved,
		events.TypePaymentProcessed,
		events.TypeOrderPlaced,
	}
	got := orderEventTypes(t, f, result.OrderID)
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestPlaceOrder_InsufficientInventory(t *testing.T) {
	f := newSagaFixture()
	f.inventory.checkFn = func(ctx context.Context, items []Item) (CheckResult, error) {
		return CheckResult{
			Available: false,
			Items:     []ItemDetail{{ProductID: "PROD-005", Quantity: 20, OK: false, Message: "only 10 available"}},
		}, nil
	}

	rec, _, err := f.svc.PlaceOrder(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if rec.Status != 400 {
		t.Fatalf("status = %d, want 400", rec.Status)
	}
	result := decodeResult(t, rec)
	if result.Success || result.Status != StatusInventoryFailed {
		t.Fatalf("result = %+v, want inventory failure", result)
	}
	if f.inventory.reserveCalls != 0 {
		t.Fatalf("reserve called %d times after failed check", f.inventory.reserveCalls)
	}
	if f.payments.authorizeCalls != 0 {
		t.Fatal("payment authorized despite failed check")
	}

	got := orderEventTypes(t, f, result.OrderID)
	if len(got) != 2 || got[1] != events.TypeInventoryCheckFailed {
		t.Fatalf("events = %v, want terminal INVENTORY_CHECK_FAILED", got)
	}
}

func TestPlaceOrder_CheckOutageFallsThrough(t *testing.T) {
	f := newSagaFixture()
	f.inventory.checkFn = func(ctx context.Context, items []Item) (CheckResult, error) {
		return CheckResult{Available: true, UsingFallback: true}, nil
	}

	rec, _, err := f.svc.PlaceOrder(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if rec.Status != 201 {
		t.Fatalf("status = %d, want 201 on degraded check", rec.Status)
	}
	if f.inventory.reserveCalls != 1 {
		t.Fatalf("reserve calls = %d, want 1", f.inventory.reserveCalls)
	}
}

func TestPlaceOrder_PaymentFailureCompensates(t *testing.T) {
	f := newSagaFixture()
	f.payments.authorizeFn = func(ctx context.Context, orderID string, amount float64, method string) (PaymentResult, error) {
		return PaymentResult{}, ErrPaymentDeclined
	}

	rec, _, err := f.svc.PlaceOrder(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if rec.Status != 400 {
		t.Fatalf("status = %d, want 400", rec.Status)
	}
	result := decodeResult(t, rec)
	if result.Status != StatusPaymentFailed {
		t.Fatalf("order status = %s, want %s", result.Status, StatusPaymentFailed)
	}
	if f.inventory.releaseCalls != 1 {
		t.Fatalf("release calls = %d, want exactly 1", f.inventory.releaseCalls)
	}

	want := []events.Type{
		events.TypeOrderCreated,
		events.TypeInventoryReserved,
		events.TypePaymentFailed,
		events.TypeInventoryReleased,
	}
	got := orderEventTypes(t, f, result.OrderID)
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestPlaceOrder_ReleaseFailureIsRecorded(t *testing.T) {
	f := newSagaFixture()
	f.payments.authorizeFn = func(ctx context.Context, orderID string, amount float64, method string) (PaymentResult, error) {
		return PaymentResult{}, errors.New("processor timeout")
	}
	f.inventory.releaseFn = func(ctx context.Context, items []Item, orderID string) (ReleaseResult, error) {
		return ReleaseResult{Released: false, UsingFallback: true}, nil
	}

	rec, _, err := f.svc.PlaceOrder(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	result := decodeResult(t, rec)
	got := orderEventTypes(t, f, result.OrderID)
	last := got[len(got)-1]
	if last != events.TypeInventoryReleaseFailed {
		t.Fatalf("last event = %s, want %s", last, events.TypeInventoryReleaseFailed)
	}
	if f.inventory.releaseCalls != 1 {
		t.Fatalf("release retried: %d calls", f.inventory.releaseCalls)
	}
}

func TestPlaceOrder_ValidationSkipsSaga(t *testing.T) {
	f := newSagaFixture()
	req := validRequest()
	req.Customer = ""

	rec, _, err := f.svc.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if rec.Status != 400 {
		t.Fatalf("status = %d, want 400", rec.Status)
	}
	if !bytes.Contains(rec.Body, []byte("customer")) {
		t.Fatalf("body %s does not name the missing field", rec.Body)
	}
	if f.log.Len() != 0 {
		t.Fatalf("validation failure emitted %d events", f.log.Len())
	}
	if f.inventory.reserveCalls != 0 || f.payments.authorizeCalls != 0 {
		t.Fatal("validation failure reached a downstream client")
	}
}

func TestPlaceOrder_IdempotentReplay(t *testing.T) {
	f := newSagaFixture()
	req := validRequest()
	req.IdempotencyKey = "key-1"

	first, replayed, err := f.svc.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("first PlaceOrder: %v", err)
	}
	if replayed {
		t.Fatal("first placement flagged as replay")
	}
	second, replayed, err := f.svc.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("second PlaceOrder: %v", err)
	}
	if !replayed {
		t.Fatal("duplicate placement not flagged as replay")
	}

	if second.Status != first.Status || !bytes.Equal(second.Body, first.Body) {
		t.Fatalf("replay differs: first %d %s, second %d %s", first.Status, first.Body, second.Status, second.Body)
	}
	if f.payments.authorizeCalls != 1 {
		t.Fatalf("authorize calls = %d, want 1", f.payments.authorizeCalls)
	}
	if f.inventory.reserveCalls != 1 {
		t.Fatalf("reserve calls = %d, want 1", f.inventory.reserveCalls)
	}
}

func TestPlaceOrder_FailureIsAlsoReplayed(t *testing.T) {
	f := newSagaFixture()
	f.payments.authorizeFn = func(ctx context.Context, orderID string, amount float64, method string) (PaymentResult, error) {
		return PaymentResult{}, ErrPaymentDeclined
	}
	req := validRequest()
	req.IdempotencyKey = "key-declined"

	first, _, err := f.svc.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("first PlaceOrder: %v", err)
	}
	if first.Status != 400 {
		t.Fatalf("status = %d, want 400", first.Status)
	}

	second, replayed, err := f.svc.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("second PlaceOrder: %v", err)
	}
	if !replayed {
		t.Fatal("duplicate placement not flagged as replay")
	}
	if !bytes.Equal(second.Body, first.Body) {
		t.Fatal("failed placement was re-executed instead of replayed")
	}
	if f.payments.authorizeCalls != 1 {
		t.Fatalf("authorize calls = %d, want 1", f.payments.authorizeCalls)
	}
}

func TestPlaceOrder_KeyConflict(t *testing.T) {
	f := newSagaFixture()
	req := validRequest()
	req.IdempotencyKey = "key-1"

	if _, _, err := f.svc.PlaceOrder(context.Background(), req); err != nil {
		t.Fatalf("first PlaceOrder: %v", err)
	}

	req.Items = []Item{{ProductID: "PROD-002", Quantity: 1}}
	_, _, err := f.svc.PlaceOrder(context.Background(), req)
	if !errors.Is(err, idempotency.ErrKeyConflict) {
		t.Fatalf("err = %v, want ErrKeyConflict", err)
	}
}

func TestPlaceOrder_CancelDuringPaymentStaysCancelled(t *testing.T) {
	f := newSagaFixture()
	f.payments.authorizeFn = func(ctx context.Context, orderID string, amount float64, method string) (PaymentResult, error) {
		// A cancellation lands while the payment call is in flight.
		if _, err := f.svc.CancelOrder(ctx, orderID, ""); err != nil {
			t.Fatalf("CancelOrder: %v", err)
		}
		return PaymentResult{Success: true, PaymentID: "pay-1"}, nil
	}

	rec, _, err := f.svc.PlaceOrder(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	result := decodeResult(t, rec)
	if result.Success {
		t.Fatal("placement reported success for a cancelled order")
	}

	order, ok := f.store.Get(result.OrderID)
	if !ok {
		t.Fatal("order not stored")
	}
	if order.Status != StatusCancelled {
		t.Fatalf("order status = %s, cancellation was overwritten", order.Status)
	}
}

func TestPlaceOrder_PanicBecomesSagaFailed(t *testing.T) {
	f := newSagaFixture()
	f.inventory.checkFn = func(ctx context.Context, items []Item) (CheckResult, error) {
		panic("inventory client bug")
	}

	rec, _, err := f.svc.PlaceOrder(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if rec.Status != 500 {
		t.Fatalf("status = %d, want 500", rec.Status)
	}
	result := decodeResult(t, rec)
	if result.Success {
		t.Fatal("panicked saga reported success")
	}
	if result.Error != "internal error" {
		t.Fatalf("error = %q leaks internals", result.Error)
	}

	var found bool
	for _, ev := range f.log.All() {
		if ev.Type == events.TypeSagaFailed {
			found = true
		}
	}
	if !found {
		t.Fatal("no SAGA_FAILED event recorded")
	}
}
