// internal/event/types.go
package event

// Type 事件类型
type Type string

// 订单侧 (含外部触发) 事件
const (
	OrderCreated          Type = "OrderCreated"
	DeliveryConfirmed     Type = "DeliveryConfirmed"
	ReturnRequested       Type = "ReturnRequested"
	CancellationRequested Type = "CancellationRequested"
	OrderCompleted        Type = "OrderCompleted"
	StepTimedOut          Type = "StepTimedOut"
)

// 订单发给参与方的命令事件
const (
	ReserveStockRequested     Type = "ReserveStockRequested"
	ReleaseStockRequested     Type = "ReleaseStockRequested"
	AuthorizePaymentRequested Type = "AuthorizePaymentRequested"
	RefundPaymentRequested    Type = "RefundPaymentRequested"
	CreateShipmentRequested   Type = "CreateShipmentRequested"
	CancelShipmentRequested   Type = "CancelShipmentRequested"
)

// 参与方结果事件
const (
	ReservationConfirmed   Type = "ReservationConfirmed"
	ReservationFailed      Type = "ReservationFailed"
	StockReleased          Type = "StockReleased"
	StockCommitted         Type = "StockCommitted"
	PaymentAuthorized      Type = "PaymentAuthorized"
	PaymentFailed          Type = "PaymentFailed"
	PaymentCaptured        Type = "PaymentCaptured"
	RefundCompleted        Type = "RefundCompleted"
	ShipmentCreated        Type = "ShipmentCreated"
	ShipmentCreationFailed Type = "ShipmentCreationFailed"
	ShipmentCancelled      Type = "ShipmentCancelled"
)

// 购物车
const (
	CartExpired Type = "CartExpired"
)

// Topic 名称
const (
	TopicOrderEvents       = "order-events"
	TopicInventoryCommands = "inventory-commands"
	TopicInventoryEvents   = "inventory-events"
	TopicPaymentCommands   = "payment-commands"
	TopicPaymentEvents     = "payment-events"
	TopicShippingCommands  = "shipping-commands"
	TopicShippingEvents    = "shipping-events"
	TopicCartEvents        = "cart-events"
)

// DeadLetterSuffix 死信主题后缀
const DeadLetterSuffix = ".dlt"

var routes = map[Type]string{
	OrderCreated:          TopicOrderEvents,
	DeliveryConfirmed:     TopicOrderEvents,
	ReturnRequested:       TopicOrderEvents,
	CancellationRequested: TopicOrderEvents,
	OrderCompleted:        TopicOrderEvents,
	StepTimedOut:          TopicOrderEvents,

	ReserveStockRequested: TopicInventoryCommands,
	ReleaseStockRequested: TopicInventoryCommands,
	ReservationConfirmed:  TopicInventoryEvents,
	ReservationFailed:     TopicInventoryEvents,
	StockReleased:         TopicInventoryEvents,
	StockCommitted:        TopicInventoryEvents,

	AuthorizePaymentRequested: TopicPaymentCommands,
	RefundPaymentRequested:    TopicPaymentCommands,
	PaymentAuthorized:         TopicPaymentEvents,
	PaymentFailed:             TopicPaymentEvents,
	PaymentCaptured:           TopicPaymentEvents,
	RefundCompleted:           TopicPaymentEvents,

	CreateShipmentRequested: TopicShippingCommands,
	CancelShipmentRequested: TopicShippingCommands,
	ShipmentCreated:         TopicShippingEvents,
	ShipmentCreationFailed:  TopicShippingEvents,
	ShipmentCancelled:       TopicShippingEvents,

	CartExpired: TopicCartEvents,
}

// TopicFor 返回事件类型对应的主题，未知类型返回空串
func TopicFor(t Type) string {
	return routes[t]
}

// DeadLetterTopic 返回主题对应的死信主题
func DeadLetterTopic(topic string) string {
	return topic + DeadLetterSuffix
}
