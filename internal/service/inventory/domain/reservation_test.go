package domain

import (
	"errors"
	"testing"
	"time"
)

func stocks() map[string]*Stock {
	return map[string]*Stock{
		"A": {SKU: "A", OnHand: 10},
		"B": {SKU: "B", OnHand: 1},
	}
}

func TestReserveAllOrNothing(t *testing.T) {
	s := stocks()
	_, err := Reserve("o-1", s, []Line{{SKU: "A", Quantity: 3}, {SKU: "B", Quantity: 2}}, time.Now())

	var le *LineError
	if !errors.As(err, &le) || le.SKU != "B" || !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock on B, got %v", err)
	}
	if s["A"].Reserved != 0 || s["B"].Reserved != 0 {
		t.Errorf("expected no stock to be reserved, got A=%d B=%d", s["A"].Reserved, s["B"].Reserved)
	}
}

func TestReserveUnknownSKU(t *testing.T) {
	_, err := Reserve("o-1", stocks(), []Line{{SKU: "Z", Quantity: 1}}, time.Now())
	if !errors.Is(err, ErrUnknownSKU) {
		t.Errorf("expected ErrUnknownSKU, got %v", err)
	}
}

func TestReserveMergesDuplicateLines(t *testing.T) {
	s := stocks()
	r, err := Reserve("o-1", s, []Line{{SKU: "A", Quantity: 2}, {SKU: "A", Quantity: 3}}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Lines) != 1 || r.Lines[0].Quantity != 5 {
		t.Errorf("expected a single merged line of 5, got %+v", r.Lines)
	}
	if s["A"].Reserved != 5 || s["A"].Available() != 5 {
		t.Errorf("expected 5 reserved and 5 available, got %d/%d", s["A"].Reserved, s["A"].Available())
	}
}

func TestReserveRejectsBadQuantity(t *testing.T) {
	_, err := Reserve("o-1", stocks(), []Line{{SKU: "A", Quantity: 0}}, time.Now())
	if !errors.Is(err, ErrInvalidQuantity) {
		t.Errorf("expected ErrInvalidQuantity, got %v", err)
	}
}

func TestConfirmAndRelease(t *testing.T) {
	s := stocks()
	r, err := Reserve("o-1", s, []Line{{SKU: "A", Quantity: 4}}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Confirm(s, time.Now()); err != nil {
		t.Fatal(err)
	}
	if s["A"].OnHand != 6 || s["A"].Reserved != 0 {
		t.Errorf("expected on hand 6 reserved 0, got %d/%d", s["A"].OnHand, s["A"].Reserved)
	}
	if err := r.Confirm(s, time.Now()); !errors.Is(err, ErrReservationState) {
		t.Errorf("expected second confirm to fail, got %v", err)
	}
	if err := r.Release(s, time.Now()); !errors.Is(err, ErrReservationState) {
		t.Errorf("expected release after confirm to fail, got %v", err)
	}
}

func TestReleaseThenConfirmRejected(t *testing.T) {
	s := stocks()
	r, _ := Reserve("o-1", s, []Line{{SKU: "A", Quantity: 4}}, time.Now())
	if err := r.Release(s, time.Now()); err != nil {
		t.Fatal(err)
	}
	if s["A"].Reserved != 0 || s["A"].OnHand != 10 {
		t.Errorf("expected stock restored, got %+v", s["A"])
	}
	if err := r.Release(s, time.Now()); !errors.Is(err, ErrReservationState) {
		t.Errorf("expected second release to fail, got %v", err)
	}
	if err := r.Confirm(s, time.Now()); !errors.Is(err, ErrReservationState) {
		t.Errorf("expected confirm after release to fail, got %v", err)
	}
}

func TestRestockOnlyAfterConfirm(t *testing.T) {
	s := stocks()
	r, _ := Reserve("o-1", s, []Line{{SKU: "A", Quantity: 4}}, time.Now())
	if err := r.Restock(s, time.Now()); !errors.Is(err, ErrReservationState) {
		t.Errorf("expected restock of a held reservation to fail, got %v", err)
	}
	r.Confirm(s, time.Now())
	if err := r.Restock(s, time.Now()); err != nil {
		t.Fatal(err)
	}
	if s["A"].OnHand != 10 || s["A"].Reserved != 0 || r.Status != ReservationRestocked {
		t.Errorf("expected stock back to 10/0 and RESTOCKED, got %+v %s", s["A"], r.Status)
	}
	if err := r.Restock(s, time.Now()); !errors.Is(err, ErrReservationState) {
		t.Errorf("expected second restock to fail, got %v", err)
	}
}
