// internal/service/order/domain/order.go
package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const defaultCurrency = "USD"

// LineItem 订单行 (值对象)
type LineItem struct {
	SKU       string
	Quantity  int
	UnitPrice decimal.Decimal
}

// Subtotal 行小计
func (l LineItem) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// StatusChange 是一条状态变更历史
type StatusChange struct {
	Seq    int
	From   Status
	To     Status
	Actor  string
	Reason string
	At     time.Time
}

// Order 是订单聚合的根实体
type Order struct {
	ID           string
	Number       string // 人类可读订单号，创建后不变
	CustomerID   string
	Currency     string
	Items        []LineItem
	Status       Status
	CancelReason string
	// 发货信息在 ShipmentCreated 时写入
	ShipmentID     string
	TrackingNumber string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Version        int64
	History        []StatusChange
}

// NewOrder 工厂函数，创建一个 PENDING 订单
func NewOrder(customerID, currency string, items []LineItem, now time.Time) (*Order, error) {
	if err := validate(customerID, items); err != nil {
		return nil, err
	}
	if currency == "" {
		currency = defaultCurrency
	}
	now = now.UTC()
	return &Order{
		ID:         uuid.NewString(),
		Number:     generateNumber(now),
		CustomerID: customerID,
		Currency:   currency,
		Items:      append([]LineItem(nil), items...),
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func validate(customerID string, items []LineItem) error {
	if customerID == "" {
		return errors.Wrap(ErrInvalidOrder, "customer id is required")
	}
	if len(items) == 0 {
		return errors.Wrap(ErrInvalidOrder, "order must have at least one item")
	}
	for _, it := range items {
		if it.SKU == "" {
			return errors.Wrap(ErrInvalidOrder, "sku is required")
		}
		if it.Quantity < 1 {
			return errors.Wrapf(ErrInvalidOrder, "quantity of %s must be at least 1", it.SKU)
		}
		if it.UnitPrice.IsNegative() {
			return errors.Wrapf(ErrInvalidOrder, "unit price of %s must not be negative", it.SKU)
		}
	}
	return nil
}

// generateNumber 生成 ORD-YYYYMMDD-XXXXXXXX
func generateNumber(now time.Time) string {
	random := strings.ToUpper(uuid.NewString()[:8])
	return "ORD-" + now.Format("20060102") + "-" + random
}

// Total 订单总额
func (o *Order) Total() decimal.Decimal {
	total := decimal.Zero
	for _, it := range o.Items {
		total = total.Add(it.Subtotal())
	}
	return total
}

// TransitionTo 是修改订单状态的唯一入口。非法迁移返回 *InvalidTransitionError，订单保持不变。
func (o *Order) TransitionTo(target Status, actor, reason string, now time.Time) error {
	if !CanTransition(o.Status, target) {
		return &InvalidTransitionError{From: o.Status, To: target}
	}
	now = now.UTC()
	o.History = append(o.History, StatusChange{
		Seq:    len(o.History) + 1,
		From:   o.Status,
		To:     target,
		Actor:  actor,
		Reason: reason,
		At:     now,
	})
	o.Status = target
	if target == StatusCancelled {
		o.CancelReason = reason
	}
	o.UpdatedAt = now
	return nil
}

// ReplaceItems 只允许在 PENDING 时修改订单行
func (o *Order) ReplaceItems(items []LineItem, now time.Time) error {
	if o.Status != StatusPending {
		return errors.Wrapf(ErrItemsLocked, "order %s is %s", o.ID, o.Status)
	}
	if err := validate(o.CustomerID, items); err != nil {
		return err
	}
	o.Items = append([]LineItem(nil), items...)
	o.UpdatedAt = now.UTC()
	return nil
}

// AttachShipment 记录发货信息
func (o *Order) AttachShipment(shipmentID, trackingNumber string) {
	o.ShipmentID = shipmentID
	o.TrackingNumber = trackingNumber
}
