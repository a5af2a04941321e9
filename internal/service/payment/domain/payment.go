// internal/service/payment/domain/payment.go
package domain

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Status 支付状态
type Status string

const (
	StatusAuthorized Status = "AUTHORIZED"
	StatusCaptured   Status = "CAPTURED"
	StatusFailed     Status = "FAILED"
	StatusRefunded   Status = "REFUNDED"
	StatusCancelled  Status = "CANCELLED" // 授权在扣款前被撤销
)

var (
	ErrPaymentState   = errors.New("payment is not in a state that allows this operation")
	ErrAmountMismatch = errors.New("capture amount does not match authorization")
)

// Attempt 是一个订单的支付记录，以订单 ID 为键
type Attempt struct {
	OrderID       string
	Amount        decimal.Decimal
	Currency      string
	AuthCode      string
	Status        Status
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewAttempt 根据网关的授权结果创建支付记录
func NewAttempt(orderID string, amount decimal.Decimal, currency string, auth Authorization, now time.Time) *Attempt {
	a := &Attempt{
		OrderID:   orderID,
		Amount:    amount,
		Currency:  currency,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if auth.Approved {
		a.Status = StatusAuthorized
		a.AuthCode = auth.AuthCode
	} else {
		a.Status = StatusFailed
		a.FailureReason = auth.DeclineReason
	}
	return a
}

// Capture AUTHORIZED -> CAPTURED，金额必须和授权一致
func (a *Attempt) Capture(amount decimal.Decimal, now time.Time) error {
	if a.Status != StatusAuthorized {
		return errors.Wrapf(ErrPaymentState, "capture %s payment of order %s", a.Status, a.OrderID)
	}
	if !a.Amount.Equal(amount) {
		return errors.Wrapf(ErrAmountMismatch, "authorized %s, capture %s", a.Amount, amount)
	}
	a.Status = StatusCaptured
	a.UpdatedAt = now
	return nil
}

// Refund CAPTURED -> REFUNDED；AUTHORIZED -> CANCELLED (撤销授权，voided=true)
func (a *Attempt) Refund(now time.Time) (voided bool, err error) {
	switch a.Status {
	case StatusCaptured:
		a.Status = StatusRefunded
	case StatusAuthorized:
		a.Status = StatusCancelled
		voided = true
	default:
		return false, errors.Wrapf(ErrPaymentState, "refund %s payment of order %s", a.Status, a.OrderID)
	}
	a.UpdatedAt = now
	return voided, nil
}

// AuthorizationRequest 发往支付网关的授权请求
type AuthorizationRequest struct {
	OrderID  string
	Amount   decimal.Decimal
	Currency string
}

// Authorization 网关的授权结果。拒绝是正常结果，不是错误。
type Authorization struct {
	Approved      bool
	AuthCode      string
	DeclineReason string
}

// Gateway 是支付网关的出站端口。返回 error 表示网关不可用，应当重试。
type Gateway interface {
	Authorize(ctx context.Context, req AuthorizationRequest) (Authorization, error)
}

// Repository 是支付记录的持久化接口
type Repository interface {
	// FindByOrderID 不存在时返回 nil, nil
	FindByOrderID(ctx context.Context, orderID string) (*Attempt, error)
	Save(ctx context.Context, a *Attempt) error
}
