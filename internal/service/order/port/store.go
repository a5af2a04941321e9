// internal/service/order/port/store.go
package port

import (
	"context"

	"fulfillment/internal/idempotency"
	"fulfillment/internal/outbox"
	"fulfillment/internal/service/order/domain"
)

// Tx 是一次单聚合工作单元内可用的资源。订单变更、发件箱记录和去重记录一起提交或一起回滚。
type Tx interface {
	Orders() domain.OrderRepository
	Outbox() outbox.Recorder
	Ledger() idempotency.Ledger
}

// Store 是订单服务的持久化出站端口。
type Store interface {
	// WithinTx 在一个事务中执行 fn，fn 返回错误时回滚。
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Orders 返回事务外的只读仓储，用于查询。
	Orders() domain.OrderRepository
}
