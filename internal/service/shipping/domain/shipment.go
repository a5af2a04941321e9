// internal/service/shipping/domain/shipment.go
package domain

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Status 运单状态
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusCancelled Status = "CANCELLED"
	StatusDelivered Status = "DELIVERED"
)

var (
	ErrShipmentNotFound = errors.New("shipment not found")
	ErrShipmentState    = errors.New("shipment is not in a state that allows this operation")
	// ErrCarrierRejected 承运商拒绝了请求，属于业务失败
	ErrCarrierRejected = errors.New("carrier rejected the request")
)

// Shipment 一个订单对应一个运单
type Shipment struct {
	OrderID        string
	ShipmentID     string
	Carrier        string
	TrackingNumber string
	Status         Status
	CancelReason   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeliveredAt    *time.Time
}

func NewShipment(orderID, shipmentID string, label Label, now time.Time) *Shipment {
	return &Shipment{
		OrderID:        orderID,
		ShipmentID:     shipmentID,
		Carrier:        label.Carrier,
		TrackingNumber: label.TrackingNumber,
		Status:         StatusCreated,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Cancel CREATED -> CANCELLED
func (s *Shipment) Cancel(reason string, now time.Time) error {
	if s.Status != StatusCreated {
		return errors.Wrapf(ErrShipmentState, "cancel %s shipment of order %s", s.Status, s.OrderID)
	}
	s.Status = StatusCancelled
	s.CancelReason = reason
	s.UpdatedAt = now
	return nil
}

// Deliver CREATED -> DELIVERED。已签收时返回 false，不是错误。
func (s *Shipment) Deliver(at, now time.Time) (bool, error) {
	switch s.Status {
	case StatusDelivered:
		return false, nil
	case StatusCreated:
	default:
		return false, errors.Wrapf(ErrShipmentState, "deliver %s shipment of order %s", s.Status, s.OrderID)
	}
	s.Status = StatusDelivered
	s.DeliveredAt = &at
	s.UpdatedAt = now
	return true, nil
}

// Parcel 交给承运商的货物信息
type Parcel struct {
	OrderID    string
	CustomerID string
	Items      []Item
}

type Item struct {
	SKU      string
	Quantity int
}

// Label 承运商受理后返回的面单
type Label struct {
	Carrier        string
	TrackingNumber string
}

// Carrier 承运商出站端口。
// 拒绝时返回包装了 ErrCarrierRejected 的错误，其余错误视为暂时性故障。
type Carrier interface {
	Book(ctx context.Context, p Parcel) (Label, error)
	Cancel(ctx context.Context, trackingNumber string) error
}

// Repository 运单持久化接口
type Repository interface {
	// FindByOrderID 不存在时返回 nil, nil
	FindByOrderID(ctx context.Context, orderID string) (*Shipment, error)
	Save(ctx context.Context, s *Shipment) error
}
