package infrastructure

import "fulfillment/internal/service/order/domain"

// ToDomainOrder 将数据库模型转换为领域模型
func ToDomainOrder(model *OrderModel) *domain.Order {
	if model == nil {
		return nil
	}
	o := &domain.Order{
		ID:             model.ID,
		Number:         model.Number,
		CustomerID:     model.CustomerID,
		Currency:       model.Currency,
		Status:         domain.Status(model.Status),
		CancelReason:   model.CancelReason,
		ShipmentID:     model.ShipmentID,
		TrackingNumber: model.TrackingNumber,
		CreatedAt:      model.CreatedAt,
		UpdatedAt:      model.UpdatedAt,
		Version:        model.Version,
	}
	for _, it := range model.Items {
		o.Items = append(o.Items, domain.LineItem{SKU: it.SKU, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	for _, h := range model.History {
		o.History = append(o.History, domain.StatusChange{
			Seq:    h.Seq,
			From:   domain.Status(h.FromStatus),
			To:     domain.Status(h.ToStatus),
			Actor:  h.Actor,
			Reason: h.Reason,
			At:     h.At,
		})
	}
	return o
}

// FromDomainOrder 将领域模型转换为数据库模型 (用于插入)
func FromDomainOrder(o *domain.Order) *OrderModel {
	if o == nil {
		return nil
	}
	return &OrderModel{
		ID:             o.ID,
		Number:         o.Number,
		CustomerID:     o.CustomerID,
		Currency:       o.Currency,
		Status:         string(o.Status),
		CancelReason:   o.CancelReason,
		ShipmentID:     o.ShipmentID,
		TrackingNumber: o.TrackingNumber,
		Version:        o.Version,
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
		Items:          fromDomainItems(o),
		History:        fromDomainHistory(o.ID, o.History),
	}
}

func fromDomainItems(o *domain.Order) []OrderItemModel {
	items := make([]OrderItemModel, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, OrderItemModel{OrderID: o.ID, SKU: it.SKU, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	return items
}

func fromDomainHistory(orderID string, history []domain.StatusChange) []StatusHistoryModel {
	out := make([]StatusHistoryModel, 0, len(history))
	for _, h := range history {
		out = append(out, StatusHistoryModel{
			OrderID:    orderID,
			Seq:        h.Seq,
			FromStatus: string(h.From),
			ToStatus:   string(h.To),
			Actor:      h.Actor,
			Reason:     h.Reason,
			At:         h.At,
		})
	}
	return out
}
