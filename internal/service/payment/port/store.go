package port

import (
	"context"

	"fulfillment/internal/idempotency"
	"fulfillment/internal/outbox"
	"fulfillment/internal/service/payment/domain"
)

// Tx 一次支付工作单元
type Tx interface {
	Payments() domain.Repository
	Outbox() outbox.Recorder
	Ledger() idempotency.Ledger
}

// Store 是支付服务的持久化出站端口
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
