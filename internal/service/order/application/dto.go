// internal/service/order/application/dto.go
package application

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"fulfillment/internal/service/order/domain"
)

// PlaceOrderItem 下单请求中的一行
type PlaceOrderItem struct {
	SKU       string `json:"sku"`
	Quantity  int    `json:"qty"`
	UnitPrice string `json:"unitPrice"`
}

// PlaceOrderRequest 是下单用例的输入数据
type PlaceOrderRequest struct {
	CustomerID string           `json:"customerId"`
	Currency   string           `json:"currency"`
	Items      []PlaceOrderItem `json:"items"`
}

func (r *PlaceOrderRequest) lineItems() ([]domain.LineItem, error) {
	items := make([]domain.LineItem, 0, len(r.Items))
	for _, it := range r.Items {
		price, err := decimal.NewFromString(it.UnitPrice)
		if err != nil {
			return nil, errors.Wrapf(domain.ErrInvalidOrder, "unit price %q of %s", it.UnitPrice, it.SKU)
		}
		items = append(items, domain.LineItem{SKU: it.SKU, Quantity: it.Quantity, UnitPrice: price})
	}
	return items, nil
}

// OrderItemView 订单行视图
type OrderItemView struct {
	SKU       string          `json:"sku"`
	Quantity  int             `json:"qty"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

// StatusChangeView 状态历史视图
type StatusChangeView struct {
	From   domain.Status `json:"from"`
	To     domain.Status `json:"to"`
	Actor  string        `json:"actor"`
	Reason string        `json:"reason,omitempty"`
	At     time.Time     `json:"at"`
}

// OrderView 是查询用例的输出数据
type OrderView struct {
	ID             string             `json:"id"`
	Number         string             `json:"number"`
	CustomerID     string             `json:"customerId"`
	Status         domain.Status      `json:"status"`
	Currency       string             `json:"currency"`
	Total          decimal.Decimal    `json:"total"`
	Items          []OrderItemView    `json:"items"`
	CancelReason   string             `json:"cancelReason,omitempty"`
	TrackingNumber string             `json:"trackingNumber,omitempty"`
	CreatedAt      time.Time          `json:"createdAt"`
	UpdatedAt      time.Time          `json:"updatedAt"`
	History        []StatusChangeView `json:"history"`
}

// ToOrderView 从领域模型转换为视图
func ToOrderView(o *domain.Order) *OrderView {
	v := &OrderView{
		ID:             o.ID,
		Number:         o.Number,
		CustomerID:     o.CustomerID,
		Status:         o.Status,
		Currency:       o.Currency,
		Total:          o.Total(),
		CancelReason:   o.CancelReason,
		TrackingNumber: o.TrackingNumber,
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
		Items:          make([]OrderItemView, 0, len(o.Items)),
		History:        make([]StatusChangeView, 0, len(o.History)),
	}
	for _, it := range o.Items {
		v.Items = append(v.Items, OrderItemView{SKU: it.SKU, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	for _, h := range o.History {
		v.History = append(v.History, StatusChangeView{From: h.From, To: h.To, Actor: h.Actor, Reason: h.Reason, At: h.At})
	}
	return v
}
