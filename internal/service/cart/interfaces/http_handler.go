package interfaces

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"fulfillment/internal/pkg/errs"
	"fulfillment/internal/service/cart/application"
	"fulfillment/internal/service/cart/domain"
)

// CartHandler 购物车 HTTP 接口
type CartHandler struct {
	service *application.CartService
}

func NewCartHandler(service *application.CartService) *CartHandler {
	return &CartHandler{service: service}
}

func (h *CartHandler) RegisterRoutes(r chi.Router) {
	r.Route("/carts", func(r chi.Router) {
		r.Post("/", h.handleCreate)
		r.Get("/{id}", h.handleGet)
		r.Post("/{id}/items", h.handleAddItem)
		r.Delete("/{id}/items/{sku}", h.handleRemoveItem)
		r.Post("/{id}/coupons", h.handleApplyCoupon)
		r.Post("/{id}/abandon", h.handleAbandon)
		r.Post("/{id}/convert", h.handleConvert)
		r.Post("/{id}/merge/{target}", h.handleMerge)
	})
}

type createRequest struct {
	CustomerID string `json:"customerId"`
	Currency   string `json:"currency"`
}

type itemRequest struct {
	SKU       string          `json:"sku"`
	Quantity  int             `json:"qty"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

type couponRequest struct {
	Code     string          `json:"code"`
	Discount decimal.Decimal `json:"discount"`
}

type itemView struct {
	SKU       string          `json:"sku"`
	Quantity  int             `json:"qty"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

type cartView struct {
	ID             string          `json:"id"`
	CustomerID     string          `json:"customerId"`
	Currency       string          `json:"currency"`
	Status         domain.Status   `json:"status"`
	Items          []itemView      `json:"items"`
	Coupons        []string        `json:"coupons"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	Total          decimal.Decimal `json:"total"`
	LastActivityAt string          `json:"lastActivityAt"`
}

func toView(c *domain.Cart) cartView {
	v := cartView{
		ID:             c.ID,
		CustomerID:     c.CustomerID,
		Currency:       c.Currency,
		Status:         c.Status,
		Items:          []itemView{},
		Coupons:        []string{},
		Subtotal:       c.Subtotal(),
		Total:          c.Total(),
		LastActivityAt: c.LastActivityAt.UTC().Format(time.RFC3339),
	}
	for _, it := range c.Items {
		v.Items = append(v.Items, itemView{SKU: it.SKU, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	for _, cp := range c.Coupons {
		v.Coupons = append(v.Coupons, cp.Code)
	}
	return v
}

func (h *CartHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	c, err := h.service.Create(r.Context(), req.CustomerID, req.Currency)
	respond(w, http.StatusCreated, c, err)
}

func (h *CartHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	c, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	respond(w, http.StatusOK, c, err)
}

func (h *CartHandler) handleAddItem(w http.ResponseWriter, r *http.Request) {
	var req itemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	c, err := h.service.AddItem(r.Context(), chi.URLParam(r, "id"), req.SKU, req.Quantity, req.UnitPrice)
	respond(w, http.StatusOK, c, err)
}

func (h *CartHandler) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	c, err := h.service.RemoveItem(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "sku"))
	respond(w, http.StatusOK, c, err)
}

func (h *CartHandler) handleApplyCoupon(w http.ResponseWriter, r *http.Request) {
	var req couponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	c, err := h.service.ApplyCoupon(r.Context(), chi.URLParam(r, "id"), req.Code, req.Discount)
	respond(w, http.StatusOK, c, err)
}

func (h *CartHandler) handleAbandon(w http.ResponseWriter, r *http.Request) {
	c, err := h.service.Abandon(r.Context(), chi.URLParam(r, "id"))
	respond(w, http.StatusOK, c, err)
}

func (h *CartHandler) handleConvert(w http.ResponseWriter, r *http.Request) {
	c, err := h.service.Convert(r.Context(), chi.URLParam(r, "id"))
	respond(w, http.StatusOK, c, err)
}

func (h *CartHandler) handleMerge(w http.ResponseWriter, r *http.Request) {
	c, err := h.service.Merge(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "target"))
	respond(w, http.StatusOK, c, err)
}

func respond(w http.ResponseWriter, status int, c *domain.Cart, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(toView(c))
}

func writeError(w http.ResponseWriter, err error) {
	var statusCode int
	switch {
	case errors.Is(err, domain.ErrCartNotFound):
		statusCode = http.StatusNotFound
	case errors.Is(err, domain.ErrCartNotActive), errors.Is(err, domain.ErrCartTerminal):
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
