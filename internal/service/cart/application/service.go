// internal/service/cart/application/service.go
package application

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"fulfillment/internal/pkg/errs"
	"fulfillment/internal/service/cart/domain"
	"fulfillment/internal/service/cart/port"
)

// CartService 购物车用例
type CartService struct {
	store  port.Store
	tracer trace.Tracer
	now    func() time.Time
}

func NewCartService(store port.Store, tracer trace.Tracer) *CartService {
	return &CartService{store: store, tracer: tracer, now: time.Now}
}

// Create 新建一个 ACTIVE 购物车
func (s *CartService) Create(ctx context.Context, customerID, currency string) (*domain.Cart, error) {
	ctx, span := s.tracer.Start(ctx, "cart.Create")
	defer span.End()

	c := domain.NewCart(uuid.NewString(), customerID, currency, s.now())
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		return tx.Carts().Save(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *CartService) AddItem(ctx context.Context, cartID, sku string, qty int, unitPrice decimal.Decimal) (*domain.Cart, error) {
	return s.mutate(ctx, "cart.AddItem", cartID, func(c *domain.Cart, now time.Time) error {
		return c.AddItem(sku, qty, unitPrice, now)
	})
}

func (s *CartService) RemoveItem(ctx context.Context, cartID, sku string) (*domain.Cart, error) {
	return s.mutate(ctx, "cart.RemoveItem", cartID, func(c *domain.Cart, now time.Time) error {
		return c.RemoveItem(sku, now)
	})
}

func (s *CartService) ApplyCoupon(ctx context.Context, cartID, code string, discount decimal.Decimal) (*domain.Cart, error) {
	return s.mutate(ctx, "cart.ApplyCoupon", cartID, func(c *domain.Cart, now time.Time) error {
		return c.ApplyCoupon(code, discount, now)
	})
}

func (s *CartService) Abandon(ctx context.Context, cartID string) (*domain.Cart, error) {
	return s.mutate(ctx, "cart.Abandon", cartID, func(c *domain.Cart, now time.Time) error {
		return c.Abandon(now)
	})
}

func (s *CartService) Convert(ctx context.Context, cartID string) (*domain.Cart, error) {
	return s.mutate(ctx, "cart.Convert", cartID, func(c *domain.Cart, now time.Time) error {
		return c.Convert(now)
	})
}

// Merge 把 sourceID 并入 targetID，两个购物车在同一个工作单元内保存。返回合并后的目标购物车。
func (s *CartService) Merge(ctx context.Context, sourceID, targetID string) (*domain.Cart, error) {
	ctx, span := s.tracer.Start(ctx, "cart.Merge", trace.WithAttributes(
		attribute.String("cart.source", sourceID),
		attribute.String("cart.target", targetID),
	))
	defer span.End()

	var target *domain.Cart
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		src, err := tx.Carts().FindByID(ctx, sourceID)
		if err != nil {
			return err
		}
		target, err = tx.Carts().FindByID(ctx, targetID)
		if err != nil {
			return err
		}
		if err := src.MergeInto(target, s.now()); err != nil {
			return errs.InvalidInput("cart.Merge", err)
		}
		if err := tx.Carts().Save(ctx, src); err != nil {
			return err
		}
		return tx.Carts().Save(ctx, target)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return target, nil
}

func (s *CartService) Get(ctx context.Context, cartID string) (*domain.Cart, error) {
	var c *domain.Cart
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		var err error
		c, err = tx.Carts().FindByID(ctx, cartID)
		return err
	})
	return c, err
}

func (s *CartService) mutate(ctx context.Context, op, cartID string, fn func(c *domain.Cart, now time.Time) error) (*domain.Cart, error) {
	ctx, span := s.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("cart.id", cartID)))
	defer span.End()

	var c *domain.Cart
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		var err error
		c, err = tx.Carts().FindByID(ctx, cartID)
		if err != nil {
			return err
		}
		if err := fn(c, s.now()); err != nil {
			if errors.Is(err, domain.ErrCartNotActive) || errors.Is(err, domain.ErrCartTerminal) {
				return err
			}
			return errs.InvalidInput(op, err)
		}
		return tx.Carts().Save(ctx, c)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return c, nil
}
