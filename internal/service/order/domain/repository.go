// internal/service/order/domain/repository.go
package domain

import (
	"context"
	"time"
)

// OrderRepository 定义了订单聚合的持久化接口。
// 它位于领域层，但由基础设施层实现。
type OrderRepository interface {
	// Save 保存一个订单聚合（用于创建或更新），包括新增的状态历史。
	Save(ctx context.Context, order *Order) error

	// FindByID 根据 ID 查找一个订单聚合，不存在时返回 ErrOrderNotFound。
	FindByID(ctx context.Context, id string) (*Order, error)

	// FindStuck 查找停留在 statuses 中且 UpdatedAt 早于 before 的订单，供超时巡检使用。
	FindStuck(ctx context.Context, statuses []Status, before time.Time, limit int) ([]*Order, error)
}
