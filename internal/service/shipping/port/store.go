package port

import (
	"context"

	"fulfillment/internal/idempotency"
	"fulfillment/internal/outbox"
	"fulfillment/internal/service/shipping/domain"
)

// Tx 一次发货工作单元
type Tx interface {
	Shipments() domain.Repository
	Outbox() outbox.Recorder
	Ledger() idempotency.Ledger
}

// Store 是发货服务的持久化出站端口
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
