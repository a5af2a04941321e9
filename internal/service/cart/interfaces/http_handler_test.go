package interfaces

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace/noop"

	"fulfillment/internal/outbox"
	"fulfillment/internal/service/cart/application"
	"fulfillment/internal/service/cart/infrastructure"
)

func TestCartRoutes(t *testing.T) {
	svc := application.NewCartService(infrastructure.NewMemoryStore(outbox.NewMemoryStore()),
		noop.NewTracerProvider().Tracer("test"))
	r := chi.NewRouter()
	NewCartHandler(svc).RegisterRoutes(r)

	do := func(method, path, body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
		return rec
	}

	rec := do(http.MethodPost, "/carts/", `{"customerId":"u-1","currency":"USD"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", rec.Code, rec.Body.String())
	}
	var created cartView
	json.NewDecoder(rec.Body).Decode(&created)

	rec = do(http.MethodPost, "/carts/"+created.ID+"/items", `{"sku":"A","qty":2,"unitPrice":"1.50"}`)
	var v cartView
	json.NewDecoder(rec.Body).Decode(&v)
	if rec.Code != http.StatusOK || v.Total.String() != "3" {
		t.Errorf("expected total 3, got %d %+v", rec.Code, v)
	}

	tests := []struct {
		method, path, body string
		code               int
	}{
		{http.MethodPost, "/carts/" + created.ID + "/items", `{"sku":"A","qty":0,"unitPrice":"1"}`, http.StatusBadRequest},
		{http.MethodGet, "/carts/nope", "", http.StatusNotFound},
		{http.MethodPost, "/carts/" + created.ID + "/abandon", "", http.StatusOK},
		{http.MethodDelete, "/carts/" + created.ID + "/items/A", "", http.StatusConflict},
	}
	for _, tt := range tests {
		if rec := do(tt.method, tt.path, tt.body); rec.Code != tt.code {
			t.Errorf("%s %s: expected %d, got %d", tt.method, tt.path, tt.code, rec.Code)
		}
	}
}
