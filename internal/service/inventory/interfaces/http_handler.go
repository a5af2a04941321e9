package interfaces

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"fulfillment/internal/pkg/errs"
	"fulfillment/internal/service/inventory/application"
	"fulfillment/internal/service/inventory/domain"
)

// StockHandler 库存的查询和补货入口
type StockHandler struct {
	service *application.InventoryService
}

func NewStockHandler(service *application.InventoryService) *StockHandler {
	return &StockHandler{service: service}
}

func (h *StockHandler) RegisterRoutes(r chi.Router) {
	r.Get("/stock/{sku}", h.handleGetStock)
	r.Put("/stock/{sku}", h.handleRestock)
}

type stockView struct {
	SKU       string `json:"sku"`
	OnHand    int    `json:"onHand"`
	Reserved  int    `json:"reserved"`
	Available int    `json:"available"`
}

func (h *StockHandler) handleGetStock(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	sku := chi.URLParam(r, "sku")
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("item.sku", sku))

	st, err := h.service.Stock(ctx, sku)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stockView{
		SKU:       st.SKU,
		OnHand:    st.OnHand,
		Reserved:  st.Reserved,
		Available: st.Available(),
	})
}

func (h *StockHandler) handleRestock(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	var req struct {
		OnHand *int `json:"onHand"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OnHand == nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.service.Restock(ctx, chi.URLParam(r, "sku"), *req.OnHand); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, err error) {
	var statusCode int
	switch {
	case errors.Is(err, domain.ErrUnknownSKU):
		statusCode = http.StatusNotFound
	case errs.Is(err, errs.KindInvalidInput):
		statusCode = http.StatusBadRequest
	case errs.Is(err, errs.KindTransient):
		statusCode = http.StatusServiceUnavailable
	default:
		statusCode = http.StatusInternalServerError
	}
	http.Error(w, err.Error(), statusCode)
}
