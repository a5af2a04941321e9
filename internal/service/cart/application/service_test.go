package application

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"fulfillment/internal/outbox"
	"fulfillment/internal/pkg/errs"
	"fulfillment/internal/service/cart/domain"
	"fulfillment/internal/service/cart/infrastructure"
)

func TestCartOperations(t *testing.T) {
	svc := NewCartService(infrastructure.NewMemoryStore(outbox.NewMemoryStore()), tracer)
	ctx := context.Background()

	c, err := svc.Create(ctx, "u-1", "usd")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.AddItem(ctx, c.ID, "A", 2, decimal.RequireFromString("4.00")); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ApplyCoupon(ctx, c.ID, "save1", decimal.RequireFromString("1")); err != nil {
		t.Fatal(err)
	}
	got, _ := svc.Get(ctx, c.ID)
	if !got.Total().Equal(decimal.RequireFromString("7")) {
		t.Errorf("expected total 7, got %s", got.Total())
	}

	if _, err := svc.RemoveItem(ctx, c.ID, "B"); !errs.Is(err, errs.KindInvalidInput) || !errors.Is(err, domain.ErrItemNotFound) {
		t.Errorf("expected invalid input for an unknown item, got %v", err)
	}
	if _, err := svc.Convert(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.AddItem(ctx, c.ID, "A", 1, decimal.Zero); !errors.Is(err, domain.ErrCartNotActive) {
		t.Errorf("expected ErrCartNotActive after convert, got %v", err)
	}
	if _, err := svc.Get(ctx, "missing"); !errors.Is(err, domain.ErrCartNotFound) {
		t.Errorf("expected ErrCartNotFound, got %v", err)
	}
}

func TestMerge(t *testing.T) {
	svc := NewCartService(infrastructure.NewMemoryStore(outbox.NewMemoryStore()), tracer)
	ctx := context.Background()
	guest, _ := svc.Create(ctx, "", "USD")
	user, _ := svc.Create(ctx, "u-1", "USD")
	svc.AddItem(ctx, guest.ID, "A", 1, decimal.RequireFromString("2"))
	svc.AddItem(ctx, user.ID, "B", 1, decimal.RequireFromString("3"))

	merged, err := svc.Merge(ctx, guest.ID, user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(merged.Items) != 2 {
		t.Errorf("expected 2 lines after merge, got %+v", merged.Items)
	}
	if g, _ := svc.Get(ctx, guest.ID); g.Status != domain.StatusMerged {
		t.Errorf("expected guest cart MERGED, got %s", g.Status)
	}
	if _, err := svc.Merge(ctx, guest.ID, user.ID); !errs.Is(err, errs.KindInvalidInput) {
		t.Errorf("expected a second merge to be rejected, got %v", err)
	}
}
