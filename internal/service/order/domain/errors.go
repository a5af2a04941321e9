// internal/service/order/domain/errors.go
package domain

import (
	"fmt"

	"github.com/pkg/errors"

	"fulfillment/internal/pkg/errs"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrInvalidOrder  = errors.New("invalid order")
	ErrItemsLocked   = errors.New("order items can only change while pending")
)

// InvalidTransitionError 表示一次被状态迁移表拒绝的状态变更
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid order transition %s -> %s", e.From, e.To)
}

// Kind 让 errs.KindOf 识别为非法迁移，消费端丢弃而不重试
func (e *InvalidTransitionError) Kind() errs.Kind {
	return errs.KindInvalidTransition
}
