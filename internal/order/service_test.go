package order

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/owna/order-engine/internal/model"
	"github.com/owna/order-engine/internal/store"
)

func newTestRouter(env *testEnv) http.Handler {
	svc := NewService(env.store, env.capturer)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/orders", svc.CreateOrder)
		r.Get("/orders/{orderID}", svc.GetOrder)
		r.Post("/orders/{orderID}/capture", svc.CaptureOrder)
		r.Get("/properties", svc.ListProperties)
		r.Post("/properties", svc.CreateProperty)
		r.Get("/properties/{propertyID}", svc.GetProperty)
		r.Get("/users/{userID}/orders", svc.ListUserOrders)
		r.Get("/users/{userID}/blocks", svc.ListUserBlocks)
		r.Get("/users/{userID}/withdrawals", svc.ListUserWithdrawals)
		r.Post("/withdrawals", svc.CreateWithdrawal)
	})
	return r
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

// --- orders ---

func TestHTTP_CreateOrder(t *testing.T) {
	env := newTestEnv(t, "0.00")
	router := newTestRouter(env)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/orders", CreateOrderRequest{
		UserID:         "u1",
		PropertyID:     "prop-1",
		NumberOfBlocks: 2,
		Type:           model.OrderTypeBuy,
	}, nil)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	ord := decodeBody[model.Order](t, rec)
	if ord.ID == "" {
		t.Error("expected a generated order ID")
	}
	if ord.CurrentStatus() != model.OrderStatusPending {
		t.Errorf("new order should be PENDING, got %s", ord.CurrentStatus())
	}
	if ord.TotalPrice != nil {
		t.Error("prices are only computed at capture")
	}

	// The order is persisted, not just echoed.
	if _, err := env.store.GetOrder(context.Background(), ord.ID, "u1"); err != nil {
		t.Errorf("order not persisted: %v", err)
	}
}

func TestHTTP_CreateOrder_Validation(t *testing.T) {
	env := newTestEnv(t, "0.00")
	router := newTestRouter(env)

	tests := []struct {
		name string
		req  CreateOrderRequest
	}{
		{"missing user", CreateOrderRequest{PropertyID: "p", NumberOfBlocks: 1, Type: model.OrderTypeBuy}},
		{"missing property", CreateOrderRequest{UserID: "u", NumberOfBlocks: 1, Type: model.OrderTypeBuy}},
		{"zero blocks", CreateOrderRequest{UserID: "u", PropertyID: "p", NumberOfBlocks: 0, Type: model.OrderTypeBuy}},
		{"negative blocks", CreateOrderRequest{UserID: "u", PropertyID: "p", NumberOfBlocks: -1, Type: model.OrderTypeSell}},
		{"bad type", CreateOrderRequest{UserID: "u", PropertyID: "p", NumberOfBlocks: 1, Type: "short"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, router, http.MethodPost, "/api/v1/orders", tt.req, nil)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestHTTP_CaptureOrder(t *testing.T) {
	env := newTestEnv(t, "300.00")
	env.seedProperty(t, 5, 10, "100.00")
	env.seedOrder(t, "ord-1", "u1", model.OrderTypeBuy, 2)
	router := newTestRouter(env)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/orders/ord-1/capture",
		CaptureOrderRequest{UserID: "u1", AccountID: "acct-1"},
		map[string]string{"Authorization": "Bearer tok", "id-token": "idt"})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	ord := decodeBody[model.Order](t, rec)
	if ord.CurrentStatus() != model.OrderStatusPaid {
		t.Errorf("expected PAID, got %s", ord.CurrentStatus())
	}
	if ord.Payment == nil {
		t.Error("expected a payment reference on the captured order")
	}
}

func TestHTTP_CaptureOrder_ErrorMapping(t *testing.T) {
	t.Run("order not found", func(t *testing.T) {
		env := newTestEnv(t, "100.00")
		router := newTestRouter(env)

		rec := doJSON(t, router, http.MethodPost, "/api/v1/orders/missing/capture",
			CaptureOrderRequest{UserID: "u1", AccountID: "acct-1"}, nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("insufficient funds", func(t *testing.T) {
		env := newTestEnv(t, "10.00")
		env.seedProperty(t, 0, 10, "100.00")
		env.seedOrder(t, "ord-1", "u1", model.OrderTypeBuy, 1)
		router := newTestRouter(env)

		rec := doJSON(t, router, http.MethodPost, "/api/v1/orders/ord-1/capture",
			CaptureOrderRequest{UserID: "u1", AccountID: "acct-1"}, nil)
		if rec.Code != http.StatusUnprocessableEntity {
			t.Errorf("expected 422, got %d: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("insufficient inventory", func(t *testing.T) {
		env := newTestEnv(t, "1000.00")
		env.seedProperty(t, 10, 10, "100.00")
		env.seedOrder(t, "ord-1", "u1", model.OrderTypeBuy, 1)
		router := newTestRouter(env)

		rec := doJSON(t, router, http.MethodPost, "/api/v1/orders/ord-1/capture",
			CaptureOrderRequest{UserID: "u1", AccountID: "acct-1"}, nil)
		if rec.Code != http.StatusUnprocessableEntity {
			t.Errorf("expected 422, got %d: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("already captured", func(t *testing.T) {
		env := newTestEnv(t, "300.00")
		env.seedProperty(t, 0, 10, "100.00")
		env.seedOrder(t, "ord-1", "u1", model.OrderTypeBuy, 1)
		router := newTestRouter(env)

		body := CaptureOrderRequest{UserID: "u1", AccountID: "acct-1"}
		if rec := doJSON(t, router, http.MethodPost, "/api/v1/orders/ord-1/capture", body, nil); rec.Code != http.StatusOK {
			t.Fatalf("first capture failed: %d %s", rec.Code, rec.Body.String())
		}
		rec := doJSON(t, router, http.MethodPost, "/api/v1/orders/ord-1/capture", body, nil)
		if rec.Code != http.StatusConflict {
			t.Errorf("expected 409, got %d", rec.Code)
		}
	})

	t.Run("missing body fields", func(t *testing.T) {
		env := newTestEnv(t, "100.00")
		router := newTestRouter(env)

		rec := doJSON(t, router, http.MethodPost, "/api/v1/orders/ord-1/capture",
			CaptureOrderRequest{UserID: "u1"}, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})
}

func TestHTTP_GetOrder(t *testing.T) {
	env := newTestEnv(t, "0.00")
	env.seedProperty(t, 0, 10, "100.00")
	env.seedOrder(t, "ord-1", "u1", model.OrderTypeBuy, 1)
	router := newTestRouter(env)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/orders/ord-1?user_id=u1", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	// Scoped to the owner.
	rec = doJSON(t, router, http.MethodGet, "/api/v1/orders/ord-1?user_id=other", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for foreign user, got %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/orders/ord-1", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without user_id, got %d", rec.Code)
	}
}

// brokenOrderStore simulates a store outage on order reads.
type brokenOrderStore struct {
	store.Store
}

func (s *brokenOrderStore) GetOrder(_ context.Context, _, _ string) (*model.Order, error) {
	return nil, errors.New("connection reset by peer")
}

func TestHTTP_GetOrder_StoreFailure(t *testing.T) {
	env := newTestEnv(t, "0.00")
	svc := NewService(&brokenOrderStore{Store: env.store}, env.capturer)

	r := chi.NewRouter()
	r.Get("/api/v1/orders/{orderID}", svc.GetOrder)

	rec := doJSON(t, r, http.MethodGet, "/api/v1/orders/ord-1?user_id=u1", nil, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("store failures are not 404s: expected 500, got %d", rec.Code)
	}
}

func TestHTTP_ListUserOrders_Empty(t *testing.T) {
	env := newTestEnv(t, "0.00")
	router := newTestRouter(env)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/users/u1/orders", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := rec.Body.String(); body != "[]\n" {
		t.Errorf("expected empty JSON array, got %q", body)
	}
}

// --- properties ---

func TestHTTP_Properties(t *testing.T) {
	env := newTestEnv(t, "0.00")
	router := newTestRouter(env)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/properties", map[string]any{
		"address":      "12 Example St, Wellington",
		"blocks_total": 100,
		"block_value":  "250.00",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeBody[model.Property](t, rec)
	if created.ID == "" {
		t.Fatal("expected generated property ID")
	}
	if created.BlocksSold != 0 {
		t.Errorf("new property should have no blocks sold, got %d", created.BlocksSold)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/properties/"+created.ID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	view := decodeBody[map[string]any](t, rec)
	if remaining, ok := view["blocks_remaining"].(float64); !ok || remaining != 100 {
		t.Errorf("expected blocks_remaining=100 in view, got %v", view["blocks_remaining"])
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/properties", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	list := decodeBody[[]map[string]any](t, rec)
	if len(list) != 1 {
		t.Errorf("expected one property listed, got %d", len(list))
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/properties/missing", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown property, got %d", rec.Code)
	}
}

func TestHTTP_CreateProperty_Validation(t *testing.T) {
	env := newTestEnv(t, "0.00")
	router := newTestRouter(env)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/properties", map[string]any{
		"address":      "somewhere",
		"blocks_total": 0,
		"block_value":  "100.00",
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for zero blocks_total, got %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/v1/properties", map[string]any{
		"address":      "somewhere",
		"blocks_total": 10,
		"block_value":  "-1.00",
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for negative block_value, got %d", rec.Code)
	}
}

// --- blocks and withdrawals ---

func TestHTTP_ListUserBlocks(t *testing.T) {
	env := newTestEnv(t, "0.00")
	env.seedProperty(t, 0, 10, "100.00")
	env.seedBlock(t, "u1", 3)
	router := newTestRouter(env)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/users/u1/blocks", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	blocks := decodeBody[[]model.Block](t, rec)
	if len(blocks) != 1 || blocks[0].BlocksHeld != 3 {
		t.Errorf("unexpected blocks: %+v", blocks)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/users/nobody/blocks", nil, nil)
	if body := rec.Body.String(); body != "[]\n" {
		t.Errorf("expected empty JSON array, got %q", body)
	}
}

func TestHTTP_Withdrawals(t *testing.T) {
	env := newTestEnv(t, "0.00")
	router := newTestRouter(env)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/withdrawals", map[string]any{
		"user_id": "u1",
		"amount":  "25.50",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeBody[model.Withdrawal](t, rec)
	if created.Status != model.WithdrawalStatusPending {
		t.Errorf("expected PENDING withdrawal, got %s", created.Status)
	}
	if created.Amount.Amount != 2550 {
		t.Errorf("expected 2550 minor units, got %d", created.Amount.Amount)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/users/u1/withdrawals", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	list := decodeBody[[]model.Withdrawal](t, rec)
	if len(list) != 1 {
		t.Errorf("expected one withdrawal, got %d", len(list))
	}

	rec = doJSON(t, router, http.MethodPost, "/api/v1/withdrawals", map[string]any{
		"user_id": "u1",
		"amount":  "-5.00",
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for negative amount, got %d", rec.Code)
	}
}
