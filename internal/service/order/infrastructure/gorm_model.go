package infrastructure

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderModel 对应数据库中的 orders 表
type OrderModel struct {
	ID             string `gorm:"primaryKey;size:36"`
	Number         string `gorm:"size:32;uniqueIndex"`
	CustomerID     string `gorm:"size:64;index"`
	Currency       string `gorm:"size:3"`
	Status         string `gorm:"size:16;index:idx_orders_status_updated,priority:1"`
	CancelReason   string `gorm:"size:255"`
	ShipmentID     string `gorm:"size:64"`
	TrackingNumber string `gorm:"size:64"`
	Version        int64
	CreatedAt      time.Time `gorm:"autoCreateTime:false;precision:6"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime:false;precision:6;index:idx_orders_status_updated,priority:2"`

	Items   []OrderItemModel     `gorm:"foreignKey:OrderID"`
	History []StatusHistoryModel `gorm:"foreignKey:OrderID"`
}

// TableName 指定 GORM 应该使用的表名
func (OrderModel) TableName() string {
	return "orders"
}

// OrderItemModel 对应数据库中的 order_items 表
type OrderItemModel struct {
	ID        uint   `gorm:"primaryKey"`
	OrderID   string `gorm:"size:36;index"`
	SKU       string `gorm:"size:64"`
	Quantity  int
	UnitPrice decimal.Decimal `gorm:"type:decimal(12,2)"`
}

// TableName 指定 GORM 应该使用的表名
func (OrderItemModel) TableName() string {
	return "order_items"
}

// StatusHistoryModel 对应数据库中的 order_status_history 表
type StatusHistoryModel struct {
	ID         uint      `gorm:"primaryKey"`
	OrderID    string    `gorm:"size:36;uniqueIndex:uk_history_order_seq,priority:1"`
	Seq        int       `gorm:"uniqueIndex:uk_history_order_seq,priority:2"`
	FromStatus string    `gorm:"size:16"`
	ToStatus   string    `gorm:"size:16"`
	Actor      string    `gorm:"size:64"`
	Reason     string    `gorm:"size:255"`
	At         time.Time `gorm:"precision:6"`
}

// TableName 指定 GORM 应该使用的表名
func (StatusHistoryModel) TableName() string {
	return "order_status_history"
}
