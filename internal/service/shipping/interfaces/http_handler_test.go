package interfaces

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace/noop"

	"fulfillment/internal/event"
	"fulfillment/internal/idempotency"
	"fulfillment/internal/outbox"
	"fulfillment/internal/service/shipping/application"
	"fulfillment/internal/service/shipping/infrastructure"
	"fulfillment/internal/service/shipping/infrastructure/carrier"
)

func TestDeliveryWebhook(t *testing.T) {
	ob := outbox.NewMemoryStore()
	store := infrastructure.NewMemoryStore(ob, idempotency.NewMemoryLedger())
	svc := application.NewShippingService(store, carrier.Simulated{Name: "sim"},
		idempotency.NewGuard(application.ConsumerName, nil), noop.NewTracerProvider().Tracer("test"))

	env, _ := event.New(event.CreateShipmentRequested, "o-1", event.CreateShipmentRequestedPayload{
		Items: []event.StockLine{{SKU: "X", Quantity: 1}},
	}, time.Now())
	if _, err := svc.CreateShipment(context.Background(), env); err != nil {
		t.Fatal(err)
	}

	r := chi.NewRouter()
	NewShippingHandler(svc).RegisterRoutes(r)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"bad body", `{`, http.StatusBadRequest},
		{"unknown order", `{"orderId":"o-404"}`, http.StatusNotFound},
		{"delivered", `{"orderId":"o-1"}`, http.StatusNoContent},
		{"repeated", `{"orderId":"o-1"}`, http.StatusNoContent},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/delivery", strings.NewReader(tt.body))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != tt.code {
			t.Errorf("%s: expected %d, got %d", tt.name, tt.code, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/shipments/o-1", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"DELIVERED"`) {
		t.Errorf("expected a delivered shipment, got %d %s", rec.Code, rec.Body.String())
	}
}
