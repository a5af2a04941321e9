package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func price(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestAddItemMergesAndTouches(t *testing.T) {
	c := NewCart("c-1", "u-1", "usd", t0)
	later := t0.Add(time.Hour)
	if err := c.AddItem("A", 1, price("2.50"), t0); err != nil {
		t.Fatal(err)
	}
	if err := c.AddItem("A", 2, price("2.50"), later); err != nil {
		t.Fatal(err)
	}
	if len(c.Items) != 1 || c.Items[0].Quantity != 3 {
		t.Errorf("expected one line of 3, got %+v", c.Items)
	}
	if !c.LastActivityAt.Equal(later) || c.Currency != "USD" {
		t.Errorf("unexpected cart %+v", c)
	}
	if !c.Subtotal().Equal(price("7.5")) {
		t.Errorf("expected subtotal 7.5, got %s", c.Subtotal())
	}
}

func TestCouponsAndTotal(t *testing.T) {
	c := NewCart("c-1", "u-1", "", t0)
	c.AddItem("A", 1, price("10"), t0)
	if err := c.ApplyCoupon("save5", price("5"), t0); err != nil {
		t.Fatal(err)
	}
	if err := c.ApplyCoupon("SAVE5", price("5"), t0); !errors.Is(err, ErrCouponApplied) {
		t.Errorf("expected ErrCouponApplied, got %v", err)
	}
	c.ApplyCoupon("BIG", price("50"), t0)
	if !c.Total().IsZero() {
		t.Errorf("expected total floored at 0, got %s", c.Total())
	}
}

func TestMutationsRequireActive(t *testing.T) {
	c := NewCart("c-1", "u-1", "USD", t0)
	c.AddItem("A", 1, price("1"), t0)
	if err := c.Abandon(t0); err != nil {
		t.Fatal(err)
	}
	checks := map[string]error{
		"add":     c.AddItem("B", 1, price("1"), t0),
		"remove":  c.RemoveItem("A", t0),
		"coupon":  c.ApplyCoupon("X", price("1"), t0),
		"abandon": c.Abandon(t0),
		"convert": c.Convert(t0),
	}
	for name, err := range checks {
		if !errors.Is(err, ErrCartNotActive) {
			t.Errorf("%s: expected ErrCartNotActive, got %v", name, err)
		}
	}
	if err := c.Expire(t0); err != nil {
		t.Errorf("expected an abandoned cart to expire, got %v", err)
	}
	if err := c.Expire(t0); !errors.Is(err, ErrCartTerminal) {
		t.Errorf("expected ErrCartTerminal, got %v", err)
	}
}

func TestConvert(t *testing.T) {
	c := NewCart("c-1", "u-1", "USD", t0)
	if err := c.Convert(t0); !errors.Is(err, ErrEmptyCart) {
		t.Errorf("expected ErrEmptyCart, got %v", err)
	}
	c.AddItem("A", 1, price("1"), t0)
	if err := c.Convert(t0); err != nil || c.Status != StatusConverted {
		t.Errorf("expected CONVERTED, got %s %v", c.Status, err)
	}
}

func TestMergeInto(t *testing.T) {
	guest := NewCart("g", "", "USD", t0)
	guest.AddItem("A", 2, price("1"), t0)
	guest.ApplyCoupon("WELCOME", price("1"), t0)
	user := NewCart("u", "u-1", "USD", t0)
	user.AddItem("A", 1, price("1"), t0)
	user.ApplyCoupon("WELCOME", price("1"), t0)

	if err := guest.MergeInto(user, t0.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if guest.Status != StatusMerged {
		t.Errorf("expected MERGED, got %s", guest.Status)
	}
	if user.ItemCount() != 3 || len(user.Coupons) != 1 {
		t.Errorf("unexpected target %+v", user)
	}

	eur := NewCart("e", "", "EUR", t0)
	if err := eur.MergeInto(user, t0); !errors.Is(err, ErrCurrencyMismatch) {
		t.Errorf("expected ErrCurrencyMismatch, got %v", err)
	}
}

func TestExpiredAt(t *testing.T) {
	ttl := 24 * time.Hour
	stale := NewCart("a", "", "USD", t0.Add(-25*time.Hour))
	fresh := NewCart("b", "", "USD", t0.Add(-time.Hour))
	if !stale.ExpiredAt(ttl, t0) || fresh.ExpiredAt(ttl, t0) {
		t.Error("expected only the 25h old cart to be expired")
	}
}
