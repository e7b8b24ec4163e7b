// Package order provides the HTTP handlers and the capture orchestration
// for buying and selling fractional property blocks.
//
// All monetary values use fixed-point minor units (internal/money) with
// shopspring/decimal at the edges — never float64 for money.
package order

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/owna/order-engine/internal/financials"
	"github.com/owna/order-engine/internal/model"
	"github.com/owna/order-engine/internal/money"
	"github.com/owna/order-engine/internal/store"
)

// Service handles order, property, block, and withdrawal requests.
// Capture is delegated to the Capturer state machine.
type Service struct {
	store    store.Store
	capturer *Capturer
}

// NewService creates the HTTP service.
func NewService(st store.Store, capturer *Capturer) *Service {
	return &Service{
		store:    st,
		capturer: capturer,
	}
}

// --- Request/Response types ---

// CreateOrderRequest is the JSON body for POST /orders.
type CreateOrderRequest struct {
	UserID         string          `json:"user_id"`
	PropertyID     string          `json:"property_id"`
	NumberOfBlocks int             `json:"number_of_blocks"`
	Type           model.OrderType `json:"type"`
}

// CaptureOrderRequest is the JSON body for POST /orders/{orderID}/capture.
type CaptureOrderRequest struct {
	UserID    string `json:"user_id"`
	AccountID string `json:"account_id"`
}

// CreatePropertyRequest is the JSON body for POST /properties.
type CreatePropertyRequest struct {
	Address     string          `json:"address"`
	BlocksTotal int             `json:"blocks_total"`
	BlockValue  decimal.Decimal `json:"block_value"`
}

// CreateWithdrawalRequest is the JSON body for POST /withdrawals.
type CreateWithdrawalRequest struct {
	UserID string          `json:"user_id"`
	Amount decimal.Decimal `json:"amount"`
}

// --- Order handlers ---

// CreateOrder handles POST /api/v1/orders.
// The order is persisted PENDING; no property or block is touched until
// capture.
func (s *Service) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.UserID == "" || req.PropertyID == "" {
		writeError(w, "user_id and property_id are required", http.StatusBadRequest)
		return
	}
	if req.NumberOfBlocks <= 0 {
		writeError(w, "number_of_blocks must be positive", http.StatusBadRequest)
		return
	}
	if req.Type != model.OrderTypeBuy && req.Type != model.OrderTypeSell {
		writeError(w, "type must be buy or sell", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	ord := &model.Order{
		ID:             uuid.New().String(),
		UserID:         req.UserID,
		PropertyID:     req.PropertyID,
		NumberOfBlocks: req.NumberOfBlocks,
		Type:           req.Type,
		Statuses: []model.StatusEvent{
			{Status: model.OrderStatusPending, Timestamp: now},
		},
		CreatedAt: now,
	}

	if err := s.store.CreateOrder(r.Context(), ord); err != nil {
		slog.Error("create order failed", "user_id", req.UserID, "err", err)
		writeError(w, "failed to create order", http.StatusInternalServerError)
		return
	}

	slog.Info("order created",
		"order_id", ord.ID,
		"user_id", ord.UserID,
		"property_id", ord.PropertyID,
		"type", ord.Type,
		"blocks", ord.NumberOfBlocks,
	)

	writeJSON(w, http.StatusCreated, ord)
}

// CaptureOrder handles POST /api/v1/orders/{orderID}/capture.
// The caller's Authorization and id-token headers are forwarded to the
// financials API.
func (s *Service) CaptureOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	var req CaptureOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.AccountID == "" {
		writeError(w, "user_id and account_id are required", http.StatusBadRequest)
		return
	}

	auth := financials.AuthContext{
		Authorization: r.Header.Get("Authorization"),
		IDToken:       r.Header.Get("id-token"),
	}

	ord, err := s.capturer.Capture(r.Context(), orderID, req.UserID, req.AccountID, auth)
	if err != nil {
		writeCaptureError(w, orderID, err)
		return
	}

	writeJSON(w, http.StatusOK, ord)
}

// GetOrder handles GET /api/v1/orders/{orderID}?user_id={userID}.
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	ord, err := s.store.GetOrder(r.Context(), orderID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "order not found", http.StatusNotFound)
			return
		}
		slog.Error("get order failed", "order_id", orderID, "err", err)
		writeError(w, "failed to load order", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ord)
}

// ListUserOrders handles GET /api/v1/users/{userID}/orders.
func (s *Service) ListUserOrders(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	orders, err := s.store.ListOrdersByUser(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to list orders", http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// --- Property handlers ---

// CreateProperty handles POST /api/v1/properties.
func (s *Service) CreateProperty(w http.ResponseWriter, r *http.Request) {
	var req CreatePropertyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.BlocksTotal <= 0 {
		writeError(w, "blocks_total must be positive", http.StatusBadRequest)
		return
	}
	if req.BlockValue.IsNegative() {
		writeError(w, "block_value must not be negative", http.StatusBadRequest)
		return
	}

	property := &model.Property{
		ID:          uuid.New().String(),
		Address:     req.Address,
		BlocksTotal: req.BlocksTotal,
		BlocksSold:  0,
		BlockValue:  req.BlockValue,
		CreatedAt:   time.Now().UTC(),
	}

	if err := s.store.CreateProperty(r.Context(), property); err != nil {
		slog.Error("create property failed", "err", err)
		writeError(w, "failed to create property", http.StatusInternalServerError)
		return
	}

	slog.Info("property created",
		"property_id", property.ID,
		"blocks_total", property.BlocksTotal,
		"block_value", property.BlockValue.String(),
	)
	writeJSON(w, http.StatusCreated, property)
}

// GetProperty handles GET /api/v1/properties/{propertyID}.
func (s *Service) GetProperty(w http.ResponseWriter, r *http.Request) {
	propertyID := chi.URLParam(r, "propertyID")

	property, err := s.store.GetProperty(r.Context(), propertyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "property not found", http.StatusNotFound)
			return
		}
		slog.Error("get property failed", "property_id", propertyID, "err", err)
		writeError(w, "failed to load property", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, propertyView{
		Property:        property,
		BlocksRemaining: property.BlocksRemaining(),
	})
}

// propertyView adds the derived remaining-blocks count to responses.
type propertyView struct {
	*model.Property
	BlocksRemaining int `json:"blocks_remaining"`
}

// ListProperties handles GET /api/v1/properties?offset=&limit=.
func (s *Service) ListProperties(w http.ResponseWriter, r *http.Request) {
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 20)

	properties, err := s.store.ListProperties(r.Context(), offset, limit)
	if err != nil {
		writeError(w, "failed to list properties", http.StatusInternalServerError)
		return
	}

	views := make([]propertyView, 0, len(properties))
	for i := range properties {
		views = append(views, propertyView{
			Property:        &properties[i],
			BlocksRemaining: properties[i].BlocksRemaining(),
		})
	}
	writeJSON(w, http.StatusOK, views)
}

// --- Block handlers ---

// ListUserBlocks handles GET /api/v1/users/{userID}/blocks.
// Returns active positions only; retired tombstones are excluded.
func (s *Service) ListUserBlocks(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	blocks, err := s.store.ListBlocksByUser(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to list blocks", http.StatusInternalServerError)
		return
	}
	if blocks == nil {
		blocks = []model.Block{}
	}
	writeJSON(w, http.StatusOK, blocks)
}

// --- Withdrawal handlers ---

// CreateWithdrawal handles POST /api/v1/withdrawals.
// The request is recorded PENDING; settlement happens out-of-band.
func (s *Service) CreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req CreateWithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	withdrawal := &model.Withdrawal{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		Amount:    money.FromDecimal(req.Amount, money.NZD),
		Status:    model.WithdrawalStatusPending,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.store.CreateWithdrawal(r.Context(), withdrawal); err != nil {
		slog.Error("create withdrawal failed", "user_id", req.UserID, "err", err)
		writeError(w, "failed to create withdrawal", http.StatusInternalServerError)
		return
	}

	slog.Info("withdrawal requested",
		"withdrawal_id", withdrawal.ID,
		"user_id", withdrawal.UserID,
		"amount", withdrawal.Amount.String(),
	)
	writeJSON(w, http.StatusCreated, withdrawal)
}

// ListUserWithdrawals handles GET /api/v1/users/{userID}/withdrawals.
func (s *Service) ListUserWithdrawals(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	withdrawals, err := s.store.ListWithdrawalsByUser(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to list withdrawals", http.StatusInternalServerError)
		return
	}
	if withdrawals == nil {
		withdrawals = []model.Withdrawal{}
	}
	writeJSON(w, http.StatusOK, withdrawals)
}

// --- Helpers ---

// writeCaptureError maps the capture failure taxonomy onto HTTP status
// codes: preconditions → 404/409, business rules → 422, transient
// conflicts → 409, auth → 401, external dependencies → 502.
func writeCaptureError(w http.ResponseWriter, orderID string, err error) {
	switch {
	case errors.Is(err, ErrOrderNotFound):
		writeError(w, "order not found", http.StatusNotFound)
	case errors.Is(err, ErrAlreadyCaptured), errors.Is(err, ErrOrderCancelled):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrInsufficientInventory),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrInsufficientPosition),
		errors.Is(err, ErrPositionNotFound):
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, ErrConflict):
		writeError(w, "capture conflicted with a concurrent order, retry", http.StatusConflict)
	case errors.Is(err, financials.ErrUnauthorized):
		writeError(w, "financials authorization rejected", http.StatusUnauthorized)
	case errors.Is(err, financials.ErrAccountNotFound):
		writeError(w, "account not found", http.StatusUnprocessableEntity)
	case errors.Is(err, financials.ErrUnavailable):
		slog.Error("capture failed on financials dependency", "order_id", orderID, "err", err)
		writeError(w, "financials service unavailable", http.StatusBadGateway)
	default:
		slog.Error("capture failed", "order_id", orderID, "err", err)
		writeError(w, "capture failed", http.StatusInternalServerError)
	}
}

func queryInt(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
