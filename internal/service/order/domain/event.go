// internal/service/order/domain/event.go
package domain

import "fulfillment/internal/event"

// CreatedPayload 构造 OrderCreated 事件的载荷
func (o *Order) CreatedPayload() event.OrderCreatedPayload {
	items := make([]event.LineItem, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, event.LineItem{SKU: it.SKU, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	return event.OrderCreatedPayload{
		OrderNumber: o.Number,
		CustomerID:  o.CustomerID,
		Items:       items,
		Total:       o.Total(),
		Currency:    o.Currency,
	}
}

// StockLines 订单行对应的库存行
func (o *Order) StockLines() []event.StockLine {
	lines := make([]event.StockLine, 0, len(o.Items))
	for _, it := range o.Items {
		lines = append(lines, event.StockLine{SKU: it.SKU, Quantity: it.Quantity})
	}
	return lines
}
