package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

func seedOrder(f *sagaFixture, status Status) *Order {
	order := &Order{
		ID:       "order-1",
		Customer: "alice",
		Items:    []Item{{ProductID: "PROD-001", Quantity: 2}},
		ShippingAddress: Address{
			Street: "1 Main St", City: "Springfield", Zip: "12345", Country: "US",
		},
		PaymentMethod: "credit_card",
		PaymentID:     "pay-1",
		Status:        status,
		Total:         20,
		Shipping:      ShippingInfo{Carrier: "STANDARD"},
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	f.store.Put(order)
	return order
}

func decodeOrder(t *testing.T, body []byte) *Order {
	t.Helper()
	var resp struct {
		Order *Order `json:"order"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Order == nil {
		t.Fatalf("no order in response %s", body)
	}
	return resp.Order
}

func TestProcessOrder(t *testing.T) {
	f := newSagaFixture()
	seedOrder(f, StatusPlaced)

	rec, err := f.svc.ProcessOrder(context.Background(), "order-1", "")
	if err != nil {
		t.Fatalf("ProcessOrder: %v", err)
	}
	if rec.Status != 200 {
		t.Fatalf("status = %d, want 200", rec.Status)
	}
	if got := decodeOrder(t, rec.Body).Status; got != StatusConfirmed {
		t.Fatalf("order status = %s, want %s", got, StatusConfirmed)
	}

	// A confirmed order cannot be processed again.
	rec, err = f.svc.ProcessOrder(context.Background(), "order-1", "")
	if err != nil {
		t.Fatalf("ProcessOrder: %v", err)
	}
	if rec.Status != 400 {
		t.Fatalf("reprocess status = %d, want 400", rec.Status)
	}
}

func TestProcessOrder_NotFound(t *testing.T) {
	f := newSagaFixture()

	rec, err := f.svc.ProcessOrder(context.Background(), "missing", "")
	if err != nil {
		t.Fatalf("ProcessOrder: %v", err)
	}
	if rec.Status != 404 {
		t.Fatalf("status = %d, want 404", rec.Status)
	}
}

func TestUpdateOrder(t *testing.T) {
	f := newSagaFixture()
	seedOrder(f, StatusPlaced)

	addr := Address{Street: "9 Elm St", City: "Shelbyville", Zip: "54321", Country: "US"}
	rec, err := f.svc.UpdateOrder(context.Background(), "order-1", addr, "")
	if err != nil {
		t.Fatalf("UpdateOrder: %v", err)
	}
	if rec.Status != 200 {
		t.Fatalf("status = %d, want 200", rec.Status)
	}
	if got := decodeOrder(t, rec.Body).ShippingAddress.Street; got != "9 Elm St" {
		t.Fatalf("street = %q, want updated address", got)
	}
}

func TestUpdateOrder_RejectedAfterProcessing(t *testing.T) {
	f := newSagaFixture()
	seedOrder(f, StatusConfirmed)

	rec, err := f.svc.UpdateOrder(context.Background(), "order-1", Address{Street: "x", City: "y"}, "")
	if err != nil {
		t.Fatalf("UpdateOrder: %v", err)
	}
	if rec.Status != 400 {
		t.Fatalf("status = %d, want 400", rec.Status)
	}
	if order, _ := f.store.Get("order-1"); order.ShippingAddress.Street != "1 Main St" {
		t.Fatal("rejected update still mutated the order")
	}
}

func TestCancelOrder(t *testing.T) {
	f := newSagaFixture()
	order := seedOrder(f, StatusReadyForShipping)
	order.Shipping.TrackingNumber = "TRK-1"
	f.store.Put(order)

	rec, err := f.svc.CancelOrder(context.Background(), "order-1", "")
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if rec.Status != 200 {
		t.Fatalf("status = %d, want 200", rec.Status)
	}
	got := decodeOrder(t, rec.Body)
	if got.Status != StatusCancelled {
		t.Fatalf("order status = %s, want %s", got.Status, StatusCancelled)
	}
	if got.CancelledAt == nil {
		t.Fatal("cancelledAt not set")
	}
	if len(f.shipping.cancelled) != 1 || f.shipping.cancelled[0] != "order-1" {
		t.Fatalf("shipment cancellations = %v, want [order-1]", f.shipping.cancelled)
	}
}

func TestCancelOrder_RejectedWhenShipped(t *testing.T) {
	f := newSagaFixture()
	seedOrder(f, StatusShipped)

	rec, err := f.svc.CancelOrder(context.Background(), "order-1", "")
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if rec.Status != 400 {
		t.Fatalf("status = %d, want 400", rec.Status)
	}
	if order, _ := f.store.Get("order-1"); order.Status != StatusShipped {
		t.Fatal("shipped order was cancelled")
	}
}

func TestFulfillOrder(t *testing.T) {
	f := newSagaFixture()
	seedOrder(f, StatusConfirmed)

	rec, err := f.svc.FulfillOrder(context.Background(), "order-1", "EXPRESS", "")
	if err != nil {
		t.Fatalf("FulfillOrder: %v", err)
	}
	if rec.Status != 200 {
		t.Fatalf("status = %d, want 200", rec.Status)
	}
	got := decodeOrder(t, rec.Body)
	if got.Status != StatusShipped {
		t.Fatalf("order status = %s, want %s", got.Status, StatusShipped)
	}
	if got.Shipping.TrackingNumber != "TRK-1" || got.Shipping.Carrier != "EXPRESS" {
		t.Fatalf("shipping = %+v", got.Shipping)
	}
}

func TestFulfillOrder_DegradedShippingParksOrder(t *testing.T) {
	f := newSagaFixture()
	seedOrder(f, StatusConfirmed)
	f.shipping.createFn = func(ctx context.Context, orderID string, items []Item, addr Address, carrier string) (Shipment, error) {
		return Shipment{TrackingNumber: "TEMP-abc12345", Status: "PENDING_RETRY", UsingFallback: true}, nil
	}

	rec, err := f.svc.FulfillOrder(context.Background(), "order-1", "", "")
	if err != nil {
		t.Fatalf("FulfillOrder: %v", err)
	}
	if rec.Status != 202 {
		t.Fatalf("status = %d, want 202", rec.Status)
	}
	got := decodeOrder(t, rec.Body)
	if got.Status != StatusReadyForShipping {
		t.Fatalf("order status = %s, want %s", got.Status, StatusReadyForShipping)
	}
	if got.Shipping.Status != "PENDING_RETRY" {
		t.Fatalf("shipping status = %q, want PENDING_RETRY", got.Shipping.Status)
	}

	// The parked order can be fulfilled again once shipping recovers.
	f.shipping.createFn = nil
	rec, err = f.svc.FulfillOrder(context.Background(), "order-1", "", "")
	if err != nil {
		t.Fatalf("FulfillOrder retry: %v", err)
	}
	if rec.Status != 200 {
		t.Fatalf("retry status = %d, want 200", rec.Status)
	}
	if got := decodeOrder(t, rec.Body).Status; got != StatusShipped {
		t.Fatalf("retry order status = %s, want %s", got, StatusShipped)
	}
}

func TestGetOrder_ReturnsCopy(t *testing.T) {
	f := newSagaFixture()
	seedOrder(f, StatusPlaced)

	order, ok := f.svc.GetOrder("order-1")
	if !ok {
		t.Fatal("order not found")
	}
	order.Status = StatusShipped
	order.Items[0].Quantity = 99

	stored, _ := f.store.Get("order-1")
	if stored.Status != StatusPlaced || stored.Items[0].Quantity != 2 {
		t.Fatal("caller mutation leaked into the store")
	}
}

func TestUpdateOrder_ConcurrentReadsAreSafe(t *testing.T) {
	f := newSagaFixture()
	seedOrder(f, StatusPlaced)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			addr := Address{Street: fmt.Sprintf("%d Elm St", i), City: "Shelbyville", Zip: "54321", Country: "US"}
			if _, err := f.svc.UpdateOrder(context.Background(), "order-1", addr, ""); err != nil {
				t.Errorf("UpdateOrder: %v", err)
			}
		}(i)
		go func() {
			defer wg.Done()
			order, ok := f.svc.GetOrder("order-1")
			if !ok {
				t.Error("order missing")
				return
			}
			if _, err := json.Marshal(order); err != nil {
				t.Errorf("marshal order: %v", err)
			}
		}()
	}
	wg.Wait()
}

func TestFulfillOrder_IdempotentReplay(t *testing.T) {
	f := newSagaFixture()
	seedOrder(f, StatusConfirmed)

	first, err := f.svc.FulfillOrder(context.Background(), "order-1", "EXPRESS", "ship-key")
	if err != nil {
		t.Fatalf("first FulfillOrder: %v", err)
	}
	second, err := f.svc.FulfillOrder(context.Background(), "order-1", "EXPRESS", "ship-key")
	if err != nil {
		t.Fatalf("second FulfillOrder: %v", err)
	}
	if !bytes.Equal(first.Body, second.Body) || first.Status != second.Status {
		t.Fatal("fulfillment replay differs from first response")
	}
}
