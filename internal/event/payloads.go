// internal/event/payloads.go
package event

import (
	"time"

	"github.com/shopspring/decimal"
)

// LineItem 订单行
type LineItem struct {
	SKU       string          `json:"sku"`
	Quantity  int             `json:"qty"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

// StockLine 库存行 (只关心数量)
type StockLine struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"qty"`
}

type OrderCreatedPayload struct {
	OrderNumber string          `json:"orderNumber"`
	CustomerID  string          `json:"customerId"`
	Items       []LineItem      `json:"items"`
	Total       decimal.Decimal `json:"total"`
	Currency    string          `json:"currency"`
}

type ReserveStockRequestedPayload struct {
	Items []StockLine `json:"items"`
}

type ReleaseStockRequestedPayload struct {
	Reason string `json:"reason"`
}

type ReservationConfirmedPayload struct {
	Lines []StockLine `json:"lines"`
}

type ReservationFailedPayload struct {
	Reason string `json:"reason"`
	SKU    string `json:"sku,omitempty"`
}

type StockReleasedPayload struct {
	Released bool   `json:"released"`
	Reason   string `json:"reason,omitempty"`
}

type StockCommittedPayload struct {
	Committed bool   `json:"committed"`
	Reason    string `json:"reason,omitempty"`
}

type AuthorizePaymentRequestedPayload struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

type PaymentAuthorizedPayload struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	AuthCode string          `json:"authCode"`
}

type PaymentFailedPayload struct {
	Reason string `json:"reason"`
}

type PaymentCapturedPayload struct {
	Amount decimal.Decimal `json:"amount"`
}

type RefundPaymentRequestedPayload struct {
	Reason string `json:"reason"`
}

type RefundCompletedPayload struct {
	Amount  decimal.Decimal `json:"amount"`
	Voided  bool            `json:"voided,omitempty"`
	Skipped bool            `json:"skipped,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// CreateShipmentRequestedPayload 携带发货后应扣款的订单金额
type CreateShipmentRequestedPayload struct {
	CustomerID string          `json:"customerId"`
	Items      []StockLine     `json:"items"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
}

// ShipmentCreatedPayload 原样带回发货命令中的金额，支付服务按它扣款
type ShipmentCreatedPayload struct {
	ShipmentID     string          `json:"shipmentId"`
	Carrier        string          `json:"carrier"`
	TrackingNumber string          `json:"trackingNumber"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency,omitempty"`
}

type ShipmentCreationFailedPayload struct {
	Reason string `json:"reason"`
}

type CancelShipmentRequestedPayload struct {
	Reason string `json:"reason"`
}

type ShipmentCancelledPayload struct {
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type DeliveryConfirmedPayload struct {
	TrackingNumber string    `json:"trackingNumber"`
	DeliveredAt    time.Time `json:"deliveredAt"`
}

type ReturnRequestedPayload struct {
	Reason string `json:"reason"`
}

type CancellationRequestedPayload struct {
	Reason      string `json:"reason"`
	RequestedBy string `json:"requestedBy"`
}

type OrderCompletedPayload struct {
	CompletedBy string `json:"completedBy"`
}

// StepTimedOutPayload 由超时巡检生成，Status 是超时时订单所处的状态
type StepTimedOutPayload struct {
	Status string `json:"status"`
}

type CartExpiredPayload struct {
	CustomerID     string    `json:"customerId"`
	ItemCount      int       `json:"itemCount"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	ExpiredAt      time.Time `json:"expiredAt"`
}
