package interfaces

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"fulfillment/internal/pkg/errs"
	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/service/order/application"
	"fulfillment/internal/service/order/domain"
)

// OrderHandler 封装了 order 服务的 HTTP 处理器
type OrderHandler struct {
	service *application.OrderApplicationService
}

// NewOrderHandler 创建一个新的 HTTP 处理器实例
func NewOrderHandler(service *application.OrderApplicationService) *OrderHandler {
	return &OrderHandler{service: service}
}

// RegisterRoutes 在 chi 路由上注册所有路由
func (h *OrderHandler) RegisterRoutes(r chi.Router) {
	r.Post("/orders", h.handlePlaceOrder)
	r.Get("/orders/{id}", h.handleGetOrder)
	r.Post("/orders/{id}/cancel", h.handleCancel)
	r.Post("/orders/{id}/return", h.handleReturn)
	r.Post("/orders/{id}/complete", h.handleComplete)
}

type reasonRequest struct {
	Reason      string `json:"reason"`
	RequestedBy string `json:"requestedBy"`
}

func (h *OrderHandler) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	var req application.PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	view, err := h.service.PlaceOrder(ctx, &req)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("place order rejected")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (h *OrderHandler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *OrderHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	req := decodeReason(r)
	if err := h.service.RequestCancellation(ctx, chi.URLParam(r, "id"), req.Reason, req.RequestedBy); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *OrderHandler) handleReturn(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	req := decodeReason(r)
	if err := h.service.RequestReturn(ctx, chi.URLParam(r, "id"), req.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *OrderHandler) handleComplete(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	req := decodeReason(r)
	if err := h.service.Complete(ctx, chi.URLParam(r, "id"), req.RequestedBy); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// decodeReason body 可以为空
func decodeReason(r *http.Request) reasonRequest {
	var req reasonRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	return req
}

// writeError 根据错误类型返回不同的 HTTP 状态码
func writeError(w http.ResponseWriter, err error) {
	var statusCode int
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		statusCode = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidOrder), errors.Is(err, domain.ErrItemsLocked):
		statusCode = http.StatusBadRequest
	case errs.Is(err, errs.KindInvalidTransition):
		statusCode = http.StatusConflict
	case errs.Is(err, errs.KindTransient):
		statusCode = http.StatusServiceUnavailable
	default:
		statusCode = http.StatusInternalServerError
	}
	http.Error(w, err.Error(), statusCode)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
