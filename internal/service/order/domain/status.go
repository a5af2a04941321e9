// internal/service/order/domain/status.go
package domain

// Status 定义了订单的生命周期状态
type Status string

const (
	StatusPending    Status = "PENDING"    // 已下单，等待库存预占
	StatusConfirmed  Status = "CONFIRMED"  // 库存已预占，等待支付授权
	StatusProcessing Status = "PROCESSING" // 支付已授权，等待发货
	StatusShipped    Status = "SHIPPED"    // 已发货
	StatusDelivered  Status = "DELIVERED"  // 已签收
	StatusCompleted  Status = "COMPLETED"  // 已完成 (终态)
	StatusCancelled  Status = "CANCELLED"  // 已取消 (终态)
	StatusReturned   Status = "RETURNED"   // 退货中
	StatusRefunded   Status = "REFUNDED"   // 已退款 (终态)
)

// transitions 是唯一的状态迁移表
var transitions = map[Status][]Status{
	StatusPending:    {StatusConfirmed, StatusCancelled},
	StatusConfirmed:  {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusShipped, StatusCancelled},
	StatusShipped:    {StatusDelivered, StatusReturned},
	StatusDelivered:  {StatusReturned, StatusCompleted},
	StatusReturned:   {StatusRefunded},
	StatusCompleted:  nil,
	StatusCancelled:  nil,
	StatusRefunded:   nil,
}

// AllStatuses 按生命周期顺序列出所有状态
var AllStatuses = []Status{
	StatusPending, StatusConfirmed, StatusProcessing, StatusShipped, StatusDelivered,
	StatusCompleted, StatusCancelled, StatusReturned, StatusRefunded,
}

// CanTransition 判断 from -> to 是否合法。未知状态一律拒绝。
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsValid 是否为已知状态
func (s Status) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// IsCancellable 发货前的状态可以取消
func (s Status) IsCancellable() bool {
	return s == StatusPending || s == StatusConfirmed || s == StatusProcessing
}

// IsFinal 终态订单不可再变更
func (s Status) IsFinal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusRefunded
}
