package domain

import "context"

// Repository 是库存聚合的持久化接口，在事务内使用
type Repository interface {
	// LockStocks 按 SKU 顺序加行锁并返回存在的库存，缺失的 SKU 不在结果中
	LockStocks(ctx context.Context, skus []string) (map[string]*Stock, error)
	SaveStock(ctx context.Context, stock *Stock) error
	// FindStock 不存在时返回 ErrUnknownSKU
	FindStock(ctx context.Context, sku string) (*Stock, error)

	// FindReservation 不存在时返回 nil, nil
	FindReservation(ctx context.Context, orderID string) (*Reservation, error)
	SaveReservation(ctx context.Context, r *Reservation) error
}
