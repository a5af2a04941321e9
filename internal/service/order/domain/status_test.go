package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fulfillment/internal/pkg/errs"
)

func TestTransitionTable(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusPending, StatusConfirmed}:     true,
		{StatusPending, StatusCancelled}:     true,
		{StatusConfirmed, StatusProcessing}:  true,
		{StatusConfirmed, StatusCancelled}:   true,
		{StatusProcessing, StatusShipped}:    true,
		{StatusProcessing, StatusCancelled}:  true,
		{StatusShipped, StatusDelivered}:     true,
		{StatusShipped, StatusReturned}:      true,
		{StatusDelivered, StatusReturned}:    true,
		{StatusDelivered, StatusCompleted}:   true,
		{StatusReturned, StatusRefunded}:     true,
	}

	// 全部 81 个组合
	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			want := allowed[[2]Status{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("%s -> %s: expected %v, got %v", from, to, want, got)
			}
		}
	}
}

func TestTransitionsAreAsymmetric(t *testing.T) {
	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			if CanTransition(from, to) && CanTransition(to, from) {
				t.Errorf("both %s -> %s and back are allowed", from, to)
			}
		}
	}
}

func TestUnknownStatusRejected(t *testing.T) {
	if CanTransition("BOGUS", StatusConfirmed) || CanTransition(StatusPending, "BOGUS") {
		t.Error("expected unknown statuses to be rejected")
	}
	if Status("BOGUS").IsValid() {
		t.Error("expected BOGUS to be invalid")
	}
}

func TestFinalStatusesHaveNoExits(t *testing.T) {
	for _, s := range AllStatuses {
		if !s.IsFinal() {
			continue
		}
		for _, to := range AllStatuses {
			if CanTransition(s, to) {
				t.Errorf("final status %s allows transition to %s", s, to)
			}
		}
	}
}

func TestCancellable(t *testing.T) {
	want := map[Status]bool{StatusPending: true, StatusConfirmed: true, StatusProcessing: true}
	for _, s := range AllStatuses {
		if s.IsCancellable() != want[s] {
			t.Errorf("%s: expected cancellable=%v", s, want[s])
		}
		// 可取消的状态必须允许迁移到 CANCELLED
		if s.IsCancellable() && !CanTransition(s, StatusCancelled) {
			t.Errorf("%s is cancellable but cannot transition to CANCELLED", s)
		}
	}
}

func newTestOrder(t *testing.T) *Order {
	t.Helper()
	o, err := NewOrder("customer-1", "", []LineItem{
		{SKU: "SKU-1", Quantity: 2, UnitPrice: decimal.RequireFromString("10.50")},
		{SKU: "SKU-2", Quantity: 1, UnitPrice: decimal.RequireFromString("4.00")},
	}, time.Date(2024, 12, 15, 10, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func TestNewOrder(t *testing.T) {
	o := newTestOrder(t)
	if o.Status != StatusPending {
		t.Errorf("expected PENDING, got %s", o.Status)
	}
	if o.Currency != "USD" {
		t.Errorf("expected default currency USD, got %s", o.Currency)
	}
	if len(o.Number) != len("ORD-20241215-A1B2C3D4") || o.Number[:13] != "ORD-20241215-" {
		t.Errorf("unexpected order number %s", o.Number)
	}
	if !o.Total().Equal(decimal.RequireFromString("25.00")) {
		t.Errorf("expected total 25.00, got %s", o.Total())
	}
}

func TestNewOrderValidation(t *testing.T) {
	tests := []struct {
		name     string
		customer string
		items    []LineItem
	}{
		{"no customer", "", []LineItem{{SKU: "A", Quantity: 1}}},
		{"no items", "c", nil},
		{"zero quantity", "c", []LineItem{{SKU: "A", Quantity: 0}}},
		{"negative price", "c", []LineItem{{SKU: "A", Quantity: 1, UnitPrice: decimal.NewFromInt(-1)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewOrder(tt.customer, "EUR", tt.items, time.Now())
			if !errors.Is(err, ErrInvalidOrder) {
				t.Errorf("expected ErrInvalidOrder, got %v", err)
			}
		})
	}
}

func TestTransitionToRecordsHistory(t *testing.T) {
	o := newTestOrder(t)
	now := time.Now()

	if err := o.TransitionTo(StatusConfirmed, "inventory", "stock reserved", now); err != nil {
		t.Fatal(err)
	}
	if err := o.TransitionTo(StatusCancelled, "payment", "Payment failed: CARD_DECLINED", now); err != nil {
		t.Fatal(err)
	}

	if len(o.History) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(o.History))
	}
	h := o.History[1]
	if h.Seq != 2 || h.From != StatusConfirmed || h.To != StatusCancelled || h.Actor != "payment" {
		t.Errorf("unexpected history entry %+v", h)
	}
	if o.CancelReason != "Payment failed: CARD_DECLINED" {
		t.Errorf("expected cancel reason to be recorded, got %q", o.CancelReason)
	}
}

func TestIllegalTransitionLeavesOrderUntouched(t *testing.T) {
	o := newTestOrder(t)
	before := o.UpdatedAt

	err := o.TransitionTo(StatusShipped, "shipping", "", time.Now())
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if ite.From != StatusPending || ite.To != StatusShipped {
		t.Errorf("unexpected error fields %+v", ite)
	}
	if !errs.Is(err, errs.KindInvalidTransition) {
		t.Error("expected error kind invalid_transition")
	}
	if o.Status != StatusPending || len(o.History) != 0 || !o.UpdatedAt.Equal(before) {
		t.Error("expected order to be unchanged after a rejected transition")
	}
}

func TestItemsLockedAfterPending(t *testing.T) {
	o := newTestOrder(t)
	items := []LineItem{{SKU: "SKU-3", Quantity: 1, UnitPrice: decimal.NewFromInt(1)}}
	if err := o.ReplaceItems(items, time.Now()); err != nil {
		t.Fatalf("expected items to be replaceable while pending, got %v", err)
	}

	o.TransitionTo(StatusConfirmed, "inventory", "", time.Now())
	if err := o.ReplaceItems(items, time.Now()); !errors.Is(err, ErrItemsLocked) {
		t.Errorf("expected ErrItemsLocked, got %v", err)
	}
}
