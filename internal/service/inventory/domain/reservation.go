package domain

import (
	"time"

	"github.com/pkg/errors"
)

// ReservationStatus 预占状态
type ReservationStatus string

const (
	ReservationHeld      ReservationStatus = "HELD"
	ReservationConfirmed ReservationStatus = "CONFIRMED" // 已出库
	ReservationReleased  ReservationStatus = "RELEASED"
	ReservationRestocked ReservationStatus = "RESTOCKED" // 出库后发运被取消，货物回到在手库存
)

// Reservation 以订单 ID 为键，一个订单最多一条
type Reservation struct {
	OrderID   string
	Status    ReservationStatus
	Lines     []Line
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Reserve 对所有行做全有或全无的预占。stocks 必须已经加锁。
// 任意一行不满足时返回 *LineError，此时 stocks 不会被修改。
func Reserve(orderID string, stocks map[string]*Stock, lines []Line, now time.Time) (*Reservation, error) {
	merged, err := MergeLines(lines)
	if err != nil {
		return nil, err
	}
	if len(merged) == 0 {
		return nil, errors.Wrap(ErrInvalidQuantity, "reservation has no lines")
	}
	for _, l := range merged {
		st, ok := stocks[l.SKU]
		if !ok {
			return nil, &LineError{SKU: l.SKU, Err: ErrUnknownSKU}
		}
		if st.Available() < l.Quantity {
			return nil, &LineError{SKU: l.SKU, Err: ErrInsufficientStock}
		}
	}
	for _, l := range merged {
		st := stocks[l.SKU]
		st.Reserved += l.Quantity
		st.UpdatedAt = now
	}
	return &Reservation{
		OrderID:   orderID,
		Status:    ReservationHeld,
		Lines:     merged,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Confirm HELD -> CONFIRMED，扣减在手库存
func (r *Reservation) Confirm(stocks map[string]*Stock, now time.Time) error {
	if r.Status != ReservationHeld {
		return errors.Wrapf(ErrReservationState, "confirm %s reservation of order %s", r.Status, r.OrderID)
	}
	if err := requireStocks(stocks, r.Lines); err != nil {
		return err
	}
	for _, l := range r.Lines {
		st := stocks[l.SKU]
		st.OnHand -= l.Quantity
		st.Reserved -= l.Quantity
		st.UpdatedAt = now
	}
	r.Status = ReservationConfirmed
	r.UpdatedAt = now
	return nil
}

// Release HELD -> RELEASED，归还预占数量
func (r *Reservation) Release(stocks map[string]*Stock, now time.Time) error {
	if r.Status != ReservationHeld {
		return errors.Wrapf(ErrReservationState, "release %s reservation of order %s", r.Status, r.OrderID)
	}
	if err := requireStocks(stocks, r.Lines); err != nil {
		return err
	}
	for _, l := range r.Lines {
		st := stocks[l.SKU]
		st.Reserved -= l.Quantity
		st.UpdatedAt = now
	}
	r.Status = ReservationReleased
	r.UpdatedAt = now
	return nil
}

// Restock CONFIRMED -> RESTOCKED，把已出库的数量加回在手库存
func (r *Reservation) Restock(stocks map[string]*Stock, now time.Time) error {
	if r.Status != ReservationConfirmed {
		return errors.Wrapf(ErrReservationState, "restock %s reservation of order %s", r.Status, r.OrderID)
	}
	if err := requireStocks(stocks, r.Lines); err != nil {
		return err
	}
	for _, l := range r.Lines {
		st := stocks[l.SKU]
		st.OnHand += l.Quantity
		st.UpdatedAt = now
	}
	r.Status = ReservationRestocked
	r.UpdatedAt = now
	return nil
}

func requireStocks(stocks map[string]*Stock, lines []Line) error {
	for _, l := range lines {
		if _, ok := stocks[l.SKU]; !ok {
			return &LineError{SKU: l.SKU, Err: ErrUnknownSKU}
		}
	}
	return nil
}
