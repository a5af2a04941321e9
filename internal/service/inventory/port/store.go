package port

import (
	"context"

	"fulfillment/internal/idempotency"
	"fulfillment/internal/outbox"
	"fulfillment/internal/service/inventory/domain"
)

// Tx 一次库存工作单元: 库存变更、结果事件和去重记录一起提交
type Tx interface {
	Inventory() domain.Repository
	Outbox() outbox.Recorder
	Ledger() idempotency.Ledger
}

// Store 是库存服务的持久化出站端口
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
