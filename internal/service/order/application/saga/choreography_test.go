package saga

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace/noop"

	"fulfillment/internal/event"
	"fulfillment/internal/idempotency"
	"fulfillment/internal/outbox"
	"fulfillment/internal/pkg/errs"
	"fulfillment/internal/pkg/keylock"
	"fulfillment/internal/service/order/domain"
	"fulfillment/internal/service/order/infrastructure"
	"fulfillment/internal/service/order/port"
)

type fixture struct {
	store  *infrastructure.MemoryStore
	outbox *outbox.MemoryStore
	ledger *idempotency.MemoryLedger
	saga   *Choreography
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		outbox: outbox.NewMemoryStore(),
		ledger: idempotency.NewMemoryLedger(),
		now:    time.Date(2024, 12, 15, 10, 0, 0, 0, time.UTC),
	}
	f.store = infrastructure.NewMemoryStore(f.outbox, f.ledger)
	f.saga = NewChoreography(f.store, keylock.New(), idempotency.NewGuard(ConsumerName, nil),
		noop.NewTracerProvider().Tracer("test"), time.Second)
	f.saga.now = func() time.Time { return f.now }
	return f
}

// placeOrder 创建订单并返回其 OrderCreated 事件
func (f *fixture) placeOrder(t *testing.T) (*domain.Order, event.Envelope) {
	t.Helper()
	order, err := domain.NewOrder("customer-1", "USD", []domain.LineItem{
		{SKU: "X", Quantity: 2, UnitPrice: decimal.RequireFromString("12.50")},
	}, f.now)
	if err != nil {
		t.Fatal(err)
	}
	env, err := event.New(event.OrderCreated, order.ID, order.CreatedPayload(), f.now)
	if err != nil {
		t.Fatal(err)
	}
	err = f.store.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
		if err := tx.Orders().Save(ctx, order); err != nil {
			return err
		}
		return tx.Outbox().Record(ctx, env)
	})
	if err != nil {
		t.Fatal(err)
	}
	return order, env
}

func (f *fixture) envelope(t *testing.T, typ event.Type, orderID string, payload any) event.Envelope {
	t.Helper()
	env, err := event.New(typ, orderID, payload, f.now)
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func (f *fixture) deliver(t *testing.T, typ event.Type, orderID string, payload any) error {
	t.Helper()
	return f.saga.Handle(context.Background(), f.envelope(t, typ, orderID, payload))
}

func (f *fixture) mustDeliver(t *testing.T, typ event.Type, orderID string, payload any) {
	t.Helper()
	if err := f.deliver(t, typ, orderID, payload); err != nil {
		t.Fatalf("%s: unexpected error %v", typ, err)
	}
}

func (f *fixture) order(t *testing.T, id string) *domain.Order {
	t.Helper()
	o, err := f.store.Orders().FindByID(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return o
}

// emitted 返回订单在发件箱中的事件 (不含 OrderCreated)
func (f *fixture) emitted(orderID string) []event.Envelope {
	var out []event.Envelope
	for _, m := range f.outbox.Messages() {
		if m.Envelope.AggregateID == orderID && m.Envelope.EventType != event.OrderCreated {
			out = append(out, m.Envelope)
		}
	}
	return out
}

func types(envs []event.Envelope) []event.Type {
	out := make([]event.Type, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.EventType)
	}
	return out
}

func equalTypes(a, b []event.Type) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func statusPath(o *domain.Order) []domain.Status {
	path := []domain.Status{domain.StatusPending}
	for _, h := range o.History {
		path = append(path, h.To)
	}
	return path
}

// 下单 -> 预占成功 -> 授权成功 -> 发货
func TestHappyPathReachesShipped(t *testing.T) {
	f := newFixture(t)
	order, created := f.placeOrder(t)

	if err := f.saga.Handle(context.Background(), created); err != nil {
		t.Fatal(err)
	}
	f.mustDeliver(t, event.ReservationConfirmed, order.ID, event.ReservationConfirmedPayload{})
	f.mustDeliver(t, event.PaymentAuthorized, order.ID, event.PaymentAuthorizedPayload{AuthCode: "AUTH-1"})
	f.mustDeliver(t, event.ShipmentCreated, order.ID, event.ShipmentCreatedPayload{
		ShipmentID: "shp-1", Carrier: "sim", TrackingNumber: "TRK-1",
	})

	got := f.order(t, order.ID)
	want := []domain.Status{domain.StatusPending, domain.StatusConfirmed, domain.StatusProcessing, domain.StatusShipped}
	path := statusPath(got)
	if len(path) != len(want) {
		t.Fatalf("expected path %v, got %v", want, path)
	}
	for i := range want {
		if path[i] != want[i] {
			t.Fatalf("expected path %v, got %v", want, path)
		}
	}
	if got.TrackingNumber != "TRK-1" || got.ShipmentID != "shp-1" {
		t.Errorf("expected shipment to be attached, got %q/%q", got.ShipmentID, got.TrackingNumber)
	}

	emitted := f.emitted(order.ID)
	wantTypes := []event.Type{event.ReserveStockRequested, event.AuthorizePaymentRequested, event.CreateShipmentRequested}
	if !equalTypes(types(emitted), wantTypes) {
		t.Fatalf("expected %v, got %v", wantTypes, types(emitted))
	}

	var reserve event.ReserveStockRequestedPayload
	if err := emitted[0].Decode(&reserve); err != nil {
		t.Fatal(err)
	}
	if len(reserve.Items) != 1 || reserve.Items[0].SKU != "X" || reserve.Items[0].Quantity != 2 {
		t.Errorf("unexpected reserve payload %+v", reserve)
	}
	var auth event.AuthorizePaymentRequestedPayload
	if err := emitted[1].Decode(&auth); err != nil {
		t.Fatal(err)
	}
	if !auth.Amount.Equal(decimal.RequireFromString("25.00")) || auth.Currency != "USD" {
		t.Errorf("expected authorization of 25.00 USD, got %s %s", auth.Amount, auth.Currency)
	}
}

func TestReservationFailedCancelsWithoutPayment(t *testing.T) {
	f := newFixture(t)
	order, created := f.placeOrder(t)
	if err := f.saga.Handle(context.Background(), created); err != nil {
		t.Fatal(err)
	}
	f.mustDeliver(t, event.ReservationFailed, order.ID, event.ReservationFailedPayload{Reason: "OUT_OF_STOCK", SKU: "X"})

	got := f.order(t, order.ID)
	if got.Status != domain.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", got.Status)
	}
	if got.CancelReason != "Reservation failed: OUT_OF_STOCK" {
		t.Errorf("unexpected cancel reason %q", got.CancelReason)
	}
	for _, e := range f.emitted(order.ID) {
		if e.EventType == event.AuthorizePaymentRequested {
			t.Fatal("expected no AuthorizePaymentRequested after a failed reservation")
		}
	}
}

func TestShipmentCreationFailedCompensates(t *testing.T) {
	f := newFixture(t)
	order, created := f.placeOrder(t)
	if err := f.saga.Handle(context.Background(), created); err != nil {
		t.Fatal(err)
	}
	f.mustDeliver(t, event.ReservationConfirmed, order.ID, event.ReservationConfirmedPayload{})
	f.mustDeliver(t, event.PaymentAuthorized, order.ID, event.PaymentAuthorizedPayload{})
	f.mustDeliver(t, event.ShipmentCreationFailed, order.ID, event.ShipmentCreationFailedPayload{Reason: "ADDRESS_REJECTED"})

	if got := f.order(t, order.ID); got.Status != domain.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", got.Status)
	}
	want := []event.Type{
		event.ReserveStockRequested, event.AuthorizePaymentRequested, event.CreateShipmentRequested,
		event.RefundPaymentRequested, event.ReleaseStockRequested,
	}
	if got := types(f.emitted(order.ID)); !equalTypes(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestPaymentFailedReleasesStock(t *testing.T) {
	f := newFixture(t)
	order, _ := f.placeOrder(t)
	f.mustDeliver(t, event.ReservationConfirmed, order.ID, event.ReservationConfirmedPayload{})
	f.mustDeliver(t, event.PaymentFailed, order.ID, event.PaymentFailedPayload{Reason: "CARD_DECLINED"})

	got := f.order(t, order.ID)
	if got.Status != domain.StatusCancelled || got.CancelReason != "Payment failed: CARD_DECLINED" {
		t.Fatalf("expected CANCELLED with payment reason, got %s %q", got.Status, got.CancelReason)
	}
	want := []event.Type{event.AuthorizePaymentRequested, event.ReleaseStockRequested}
	if got := types(f.emitted(order.ID)); !equalTypes(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestDuplicateDeliveryAppliesOnce(t *testing.T) {
	f := newFixture(t)
	order, _ := f.placeOrder(t)
	env := f.envelope(t, event.ReservationConfirmed, order.ID, event.ReservationConfirmedPayload{})

	for i := 0; i < 3; i++ {
		if err := f.saga.Handle(context.Background(), env); err != nil {
			t.Fatalf("delivery %d: unexpected error %v", i, err)
		}
	}

	got := f.order(t, order.ID)
	if got.Status != domain.StatusConfirmed || len(got.History) != 1 {
		t.Errorf("expected a single transition to CONFIRMED, got %s with %d history entries", got.Status, len(got.History))
	}
	if n := len(f.emitted(order.ID)); n != 1 {
		t.Errorf("expected exactly 1 emitted event, got %d", n)
	}
}

func TestConcurrentDuplicatesAreSerialized(t *testing.T) {
	f := newFixture(t)
	order, _ := f.placeOrder(t)
	env := f.envelope(t, event.ReservationConfirmed, order.ID, event.ReservationConfirmedPayload{})

	var wg sync.WaitGroup
	var failures int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.saga.Handle(context.Background(), env); err != nil {
				atomic.AddInt32(&failures, 1)
			}
		}()
	}
	wg.Wait()

	if failures != 0 {
		t.Errorf("expected no failures, got %d", failures)
	}
	if n := len(f.emitted(order.ID)); n != 1 {
		t.Errorf("expected exactly 1 AuthorizePaymentRequested, got %d", n)
	}
}

func TestStaleEventIsDiscardedAndRecorded(t *testing.T) {
	f := newFixture(t)
	order, _ := f.placeOrder(t)
	f.mustDeliver(t, event.ReservationFailed, order.ID, event.ReservationFailedPayload{Reason: "OUT_OF_STOCK"})

	late := f.envelope(t, event.ReservationConfirmed, order.ID, event.ReservationConfirmedPayload{})
	err := f.saga.Handle(context.Background(), late)
	var ite *domain.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if !errs.Is(err, errs.KindInvalidTransition) {
		t.Error("expected error kind invalid_transition")
	}

	rec, _ := f.ledger.Find(context.Background(), ConsumerName, late.EventID)
	if rec == nil || rec.Outcome != OutcomeDiscarded {
		t.Fatalf("expected ledger outcome %s, got %+v", OutcomeDiscarded, rec)
	}
	if got := f.order(t, order.ID); got.Status != domain.StatusCancelled {
		t.Errorf("expected order to stay CANCELLED, got %s", got.Status)
	}
	if n := len(f.emitted(order.ID)); n != 0 {
		t.Errorf("expected no emissions, got %d", n)
	}

	// 重投同一个过期事件是普通的重复投递
	if err := f.saga.Handle(context.Background(), late); err != nil {
		t.Errorf("expected redelivery of a discarded event to be a duplicate, got %v", err)
	}
}

func TestCancellationCompensatesByStatus(t *testing.T) {
	tests := []struct {
		name    string
		advance []event.Type
		want    []event.Type
	}{
		{"pending", nil, []event.Type{event.ReleaseStockRequested}},
		{"confirmed", []event.Type{event.ReservationConfirmed},
			[]event.Type{event.ReleaseStockRequested, event.RefundPaymentRequested}},
		{"processing", []event.Type{event.ReservationConfirmed, event.PaymentAuthorized},
			[]event.Type{event.ReleaseStockRequested, event.RefundPaymentRequested, event.CancelShipmentRequested}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			order, _ := f.placeOrder(t)
			for _, typ := range tt.advance {
				f.mustDeliver(t, typ, order.ID, nil)
			}
			before := len(f.emitted(order.ID))

			f.mustDeliver(t, event.CancellationRequested, order.ID, event.CancellationRequestedPayload{
				Reason: "changed my mind", RequestedBy: "customer-1",
			})

			got := f.order(t, order.ID)
			if got.Status != domain.StatusCancelled || got.CancelReason != "changed my mind" {
				t.Fatalf("expected CANCELLED with customer reason, got %s %q", got.Status, got.CancelReason)
			}
			if last := got.History[len(got.History)-1]; last.Actor != "customer-1" {
				t.Errorf("expected actor customer-1, got %s", last.Actor)
			}
			if compensations := types(f.emitted(order.ID)[before:]); !equalTypes(compensations, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, compensations)
			}
		})
	}
}

func TestCancellationAfterShipmentIsStale(t *testing.T) {
	f := newFixture(t)
	order, _ := f.placeOrder(t)
	f.mustDeliver(t, event.ReservationConfirmed, order.ID, nil)
	f.mustDeliver(t, event.PaymentAuthorized, order.ID, nil)
	f.mustDeliver(t, event.ShipmentCreated, order.ID, event.ShipmentCreatedPayload{ShipmentID: "s", TrackingNumber: "t"})

	err := f.deliver(t, event.CancellationRequested, order.ID, event.CancellationRequestedPayload{Reason: "late"})
	if !errs.Is(err, errs.KindInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if got := f.order(t, order.ID); got.Status != domain.StatusShipped {
		t.Errorf("expected SHIPPED, got %s", got.Status)
	}
}

func TestReturnAndRefund(t *testing.T) {
	f := newFixture(t)
	order, _ := f.placeOrder(t)
	for _, typ := range []event.Type{event.ReservationConfirmed, event.PaymentAuthorized, event.ShipmentCreated, event.DeliveryConfirmed} {
		f.mustDeliver(t, typ, order.ID, nil)
	}
	f.mustDeliver(t, event.ReturnRequested, order.ID, event.ReturnRequestedPayload{Reason: "damaged"})

	if got := f.order(t, order.ID); got.Status != domain.StatusReturned {
		t.Fatalf("expected RETURNED, got %s", got.Status)
	}
	emitted := f.emitted(order.ID)
	if last := emitted[len(emitted)-1]; last.EventType != event.RefundPaymentRequested {
		t.Errorf("expected RefundPaymentRequested, got %s", last.EventType)
	}

	f.mustDeliver(t, event.RefundCompleted, order.ID, event.RefundCompletedPayload{Amount: decimal.NewFromInt(25)})
	if got := f.order(t, order.ID); got.Status != domain.StatusRefunded {
		t.Errorf("expected REFUNDED, got %s", got.Status)
	}
}

func TestOrderCompleted(t *testing.T) {
	f := newFixture(t)
	order, _ := f.placeOrder(t)
	for _, typ := range []event.Type{event.ReservationConfirmed, event.PaymentAuthorized, event.ShipmentCreated, event.DeliveryConfirmed} {
		f.mustDeliver(t, typ, order.ID, nil)
	}
	f.mustDeliver(t, event.OrderCompleted, order.ID, event.OrderCompletedPayload{CompletedBy: "customer-1"})

	got := f.order(t, order.ID)
	if got.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}
	// 终态订单不再接受任何事件
	err := f.deliver(t, event.ReturnRequested, order.ID, event.ReturnRequestedPayload{Reason: "too late"})
	if !errs.Is(err, errs.KindInvalidTransition) {
		t.Errorf("expected invalid transition on a completed order, got %v", err)
	}
}

func TestRefundReceiptOnCancelledOrderIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	order, _ := f.placeOrder(t)
	f.mustDeliver(t, event.ReservationConfirmed, order.ID, nil)
	f.mustDeliver(t, event.CancellationRequested, order.ID, event.CancellationRequestedPayload{})

	env := f.envelope(t, event.RefundCompleted, order.ID, event.RefundCompletedPayload{Voided: true})
	if err := f.saga.Handle(context.Background(), env); err != nil {
		t.Fatalf("expected refund receipt to be acknowledged, got %v", err)
	}
	rec, _ := f.ledger.Find(context.Background(), ConsumerName, env.EventID)
	if rec == nil || rec.Outcome != OutcomeAcknowledged {
		t.Errorf("expected outcome %s, got %+v", OutcomeAcknowledged, rec)
	}
	if got := f.order(t, order.ID); got.Status != domain.StatusCancelled {
		t.Errorf("expected CANCELLED, got %s", got.Status)
	}
}

func TestUnhandledEventTypeIsIgnored(t *testing.T) {
	f := newFixture(t)
	order, _ := f.placeOrder(t)
	if err := f.deliver(t, event.StockReleased, order.ID, event.StockReleasedPayload{Released: true}); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if f.ledger.Len() != 0 {
		t.Errorf("expected no ledger records, got %d", f.ledger.Len())
	}
	if f.saga.Handles(event.StockReleased) {
		t.Error("expected StockReleased to be unhandled")
	}
}

func TestMissingOrderIsInvalidInput(t *testing.T) {
	f := newFixture(t)
	err := f.deliver(t, event.ReservationConfirmed, "no-such-order", nil)
	if !errs.Is(err, errs.KindInvalidInput) {
		t.Errorf("expected invalid input, got %v", err)
	}
	if f.ledger.Len() != 0 {
		t.Errorf("expected failed handling to leave no ledger record, got %d", f.ledger.Len())
	}
}

func TestEmittedCommandsAreDeterministic(t *testing.T) {
	a := &step{env: event.Envelope{EventID: "evt-1"}, order: &domain.Order{ID: "o-1"}, now: time.Now()}
	b := &step{env: event.Envelope{EventID: "evt-1"}, order: &domain.Order{ID: "o-1"}, now: time.Now()}
	if err := a.emit(event.ReleaseStockRequested, nil); err != nil {
		t.Fatal(err)
	}
	if err := b.emit(event.ReleaseStockRequested, nil); err != nil {
		t.Fatal(err)
	}
	if a.emits[0].EventID != b.emits[0].EventID {
		t.Errorf("expected the same command id, got %s and %s", a.emits[0].EventID, b.emits[0].EventID)
	}
}
