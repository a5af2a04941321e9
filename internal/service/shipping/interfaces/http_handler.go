package interfaces

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"fulfillment/internal/pkg/errs"
	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/service/shipping/application"
	"fulfillment/internal/service/shipping/domain"
)

// ShippingHandler 承运商回调和运单查询
type ShippingHandler struct {
	service *application.ShippingService
}

func NewShippingHandler(service *application.ShippingService) *ShippingHandler {
	return &ShippingHandler{service: service}
}

func (h *ShippingHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/delivery", h.handleDelivery)
	r.Get("/shipments/{orderID}", h.handleGetShipment)
}

type deliveryRequest struct {
	OrderID        string    `json:"orderId"`
	TrackingNumber string    `json:"trackingNumber"`
	DeliveredAt    time.Time `json:"deliveredAt"`
}

func (h *ShippingHandler) handleDelivery(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	var req deliveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderID == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.service.ConfirmDelivery(ctx, req.OrderID, req.TrackingNumber, req.DeliveredAt); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("order_id", req.OrderID).Msg("delivery webhook rejected")
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ShippingHandler) handleGetShipment(w http.ResponseWriter, r *http.Request) {
	sh, err := h.service.Shipment(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if sh == nil {
		http.Error(w, "shipment not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"orderId":        sh.OrderID,
		"shipmentId":     sh.ShipmentID,
		"carrier":        sh.Carrier,
		"trackingNumber": sh.TrackingNumber,
		"status":         sh.Status,
		"deliveredAt":    sh.DeliveredAt,
	})
}

func writeError(w http.ResponseWriter, err error) {
	var statusCode int
	switch {
	case errors.Is(err, domain.ErrShipmentNotFound):
		statusCode = http.StatusNotFound
	case errors.Is(err, domain.ErrShipmentState):
		statusCode = http.StatusConflict
	case errs.Is(err, errs.KindInvalidInput):
		statusCode = http.StatusBadRequest
	case errs.Is(err, errs.KindTransient):
		statusCode = http.StatusServiceUnavailable
	default:
		statusCode = http.StatusInternalServerError
	}
	http.Error(w, err.Error(), statusCode)
}
