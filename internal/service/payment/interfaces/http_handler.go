package interfaces

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/service/payment/application"
)

// PaymentHandler 支付记录查询
type PaymentHandler struct {
	service *application.PaymentService
}

func NewPaymentHandler(service *application.PaymentService) *PaymentHandler {
	return &PaymentHandler{service: service}
}

func (h *PaymentHandler) RegisterRoutes(r chi.Router) {
	r.Get("/payments/{orderID}", h.handleGetPayment)
}

type paymentView struct {
	OrderID       string          `json:"orderId"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Status        string          `json:"status"`
	AuthCode      string          `json:"authCode,omitempty"`
	FailureReason string          `json:"failureReason,omitempty"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

func (h *PaymentHandler) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	a, err := h.service.Payment(r.Context(), orderID)
	if err != nil {
		logger.Ctx(r.Context()).Error().Err(err).Str("order_id", orderID).Msg("load payment failed")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if a == nil {
		http.Error(w, "payment not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(paymentView{
		OrderID:       a.OrderID,
		Amount:        a.Amount,
		Currency:      a.Currency,
		Status:        string(a.Status),
		AuthCode:      a.AuthCode,
		FailureReason: a.FailureReason,
		UpdatedAt:     a.UpdatedAt,
	})
}
