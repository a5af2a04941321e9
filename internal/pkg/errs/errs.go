// internal/pkg/errs/errs.go
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind 是跨服务统一的错误分类，消费者依据它决定 丢弃 / 重试 / 死信。
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindInvalidTransition 非法的状态迁移，重试无意义，记录告警后丢弃
	KindInvalidTransition
	// KindDuplicateDelivery 重复投递，由幂等守卫短路，不算错误
	KindDuplicateDelivery
	// KindTransient 瞬时依赖故障 (总线不可用、持久化超时)，指数退避重试，耗尽后进入死信
	KindTransient
	// KindBusiness 业务失败 (库存不足、卡被拒)，以结果事件表达，不作为错误重试
	KindBusiness
	// KindInvalidInput 无法解析的消息或请求
	KindInvalidInput
)

func (k Kind) String() string {
	switch k {
	case KindInvalidTransition:
		return "invalid_transition"
	case KindDuplicateDelivery:
		return "duplicate_delivery"
	case KindTransient:
		return "transient"
	case KindBusiness:
		return "business"
	case KindInvalidInput:
		return "invalid_input"
	default:
		return "unknown"
	}
}

// Error 携带分类和发生位置
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E 构造一个带分类的错误
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transient 标记瞬时故障
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return E(KindTransient, op, err)
}

// InvalidInput 标记无法处理的输入
func InvalidInput(op string, err error) error {
	if err == nil {
		return nil
	}
	return E(KindInvalidInput, op, err)
}

// kinded 允许领域错误 (如 InvalidTransitionError) 直接声明自己的分类
type kinded interface {
	Kind() Kind
}

// KindOf 沿错误链查找第一个分类
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) && e.Kind != KindUnknown {
		return e.Kind
	}
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindUnknown
}

// Is 判断错误是否属于某个分类
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
