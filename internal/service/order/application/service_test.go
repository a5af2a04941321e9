package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"fulfillment/internal/event"
	"fulfillment/internal/idempotency"
	"fulfillment/internal/outbox"
	"fulfillment/internal/pkg/errs"
	"fulfillment/internal/service/order/domain"
	"fulfillment/internal/service/order/infrastructure"
	"fulfillment/internal/service/order/port"
)

func newTestService() (*OrderApplicationService, *infrastructure.MemoryStore, *outbox.MemoryStore) {
	ob := outbox.NewMemoryStore()
	store := infrastructure.NewMemoryStore(ob, idempotency.NewMemoryLedger())
	return NewOrderApplicationService(store, noop.NewTracerProvider().Tracer("test")), store, ob
}

func placeTestOrder(t *testing.T, svc *OrderApplicationService) *OrderView {
	t.Helper()
	view, err := svc.PlaceOrder(context.Background(), &PlaceOrderRequest{
		CustomerID: "customer-1",
		Items: []PlaceOrderItem{
			{SKU: "X", Quantity: 2, UnitPrice: "9.99"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return view
}

func TestPlaceOrderRecordsOrderCreated(t *testing.T) {
	svc, _, ob := newTestService()
	view := placeTestOrder(t, svc)

	if view.Status != domain.StatusPending || view.Total.String() != "19.98" {
		t.Errorf("unexpected view %+v", view)
	}
	msgs := ob.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 outbox message, got %d", len(msgs))
	}
	env := msgs[0].Envelope
	if env.EventType != event.OrderCreated || env.AggregateID != view.ID || msgs[0].Topic != event.TopicOrderEvents {
		t.Errorf("unexpected outbox message %+v", msgs[0])
	}
	var p event.OrderCreatedPayload
	if err := env.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.OrderNumber != view.Number || len(p.Items) != 1 || p.Items[0].Quantity != 2 {
		t.Errorf("unexpected payload %+v", p)
	}

	got, err := svc.Get(context.Background(), view.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Number != view.Number {
		t.Errorf("expected number %s, got %s", view.Number, got.Number)
	}
}

func TestPlaceOrderRejectsInvalidInput(t *testing.T) {
	svc, _, ob := newTestService()
	tests := []struct {
		name string
		req  PlaceOrderRequest
	}{
		{"bad price", PlaceOrderRequest{CustomerID: "c", Items: []PlaceOrderItem{{SKU: "X", Quantity: 1, UnitPrice: "abc"}}}},
		{"no items", PlaceOrderRequest{CustomerID: "c"}},
		{"no customer", PlaceOrderRequest{Items: []PlaceOrderItem{{SKU: "X", Quantity: 1, UnitPrice: "1"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.PlaceOrder(context.Background(), &tt.req)
			if !errors.Is(err, domain.ErrInvalidOrder) {
				t.Errorf("expected ErrInvalidOrder, got %v", err)
			}
		})
	}
	if n := len(ob.Messages()); n != 0 {
		t.Errorf("expected nothing recorded, got %d messages", n)
	}
}

func TestRequestCancellation(t *testing.T) {
	svc, _, ob := newTestService()
	view := placeTestOrder(t, svc)

	if err := svc.RequestCancellation(context.Background(), view.ID, "changed my mind", "customer-1"); err != nil {
		t.Fatal(err)
	}
	msgs := ob.Messages()
	last := msgs[len(msgs)-1].Envelope
	if last.EventType != event.CancellationRequested {
		t.Fatalf("expected CancellationRequested, got %s", last.EventType)
	}
	// 状态由 saga 推进，请求本身不改订单
	got, _ := svc.Get(context.Background(), view.ID)
	if got.Status != domain.StatusPending {
		t.Errorf("expected PENDING, got %s", got.Status)
	}
}

func TestRequestsRejectedByStatus(t *testing.T) {
	svc, store, _ := newTestService()
	view := placeTestOrder(t, svc)

	// 直接推进到 SHIPPED
	err := store.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
		o, err := tx.Orders().FindByID(ctx, view.ID)
		if err != nil {
			return err
		}
		for _, s := range []domain.Status{domain.StatusConfirmed, domain.StatusProcessing, domain.StatusShipped} {
			if err := o.TransitionTo(s, "test", "", time.Now()); err != nil {
				return err
			}
		}
		return tx.Orders().Save(ctx, o)
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.RequestCancellation(context.Background(), view.ID, "", ""); !errs.Is(err, errs.KindInvalidTransition) {
		t.Errorf("expected cancellation of a shipped order to be rejected, got %v", err)
	}
	if err := svc.Complete(context.Background(), view.ID, "customer-1"); !errs.Is(err, errs.KindInvalidTransition) {
		t.Errorf("expected completion of a shipped order to be rejected, got %v", err)
	}
	if err := svc.RequestReturn(context.Background(), view.ID, "damaged"); err != nil {
		t.Errorf("expected return of a shipped order to be accepted, got %v", err)
	}
}

func TestGetUnknownOrder(t *testing.T) {
	svc, _, _ := newTestService()
	if _, err := svc.Get(context.Background(), "missing"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}
