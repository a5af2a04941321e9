package port

import (
	"context"

	"fulfillment/internal/outbox"
	"fulfillment/internal/service/cart/domain"
)

// Tx 一次购物车工作单元
type Tx interface {
	Carts() domain.Repository
	Outbox() outbox.Recorder
}

type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
