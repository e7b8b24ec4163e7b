// Package financials is the client for the external financials API: the
// wallet account gateway and the transaction recorder. The order engine
// never holds balances itself — it reads them here and records settled
// movements here, forwarding the caller's auth headers on every request.
package financials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/owna/order-engine/internal/model"
	"github.com/owna/order-engine/internal/money"
)

var (
	// ErrAccountNotFound is returned when the wallet account does not
	// exist.
	ErrAccountNotFound = errors.New("financials: account not found")

	// ErrUnauthorized is returned when the forwarded credentials are
	// rejected.
	ErrUnauthorized = errors.New("financials: unauthorized")

	// ErrUnavailable is returned for transport failures, timeouts, and
	// unexpected responses. Callers treat it as a capture failure.
	ErrUnavailable = errors.New("financials: service unavailable")
)

// AuthContext carries the caller's credentials, forwarded verbatim to
// the financials API.
type AuthContext struct {
	Authorization string
	IDToken       string
}

// AccountGateway fetches wallet accounts and balances.
type AccountGateway interface {
	GetAccount(ctx context.Context, accountID string, auth AuthContext) (*model.Account, error)
}

// TransactionRecorder records a settled money movement against a wallet
// and returns a reference. Called exactly once per successful capture.
type TransactionRecorder interface {
	RecordTransaction(ctx context.Context, req TransactionRequest, auth AuthContext) (*TransactionReceipt, error)
}

// TransactionRequest is the payload for recording a movement.
type TransactionRequest struct {
	OrderID         string
	Amount          money.Money
	TransactionType model.TransactionType
	AccountID       string
	Description     string
}

// TransactionReceipt is the recorder's acknowledgement.
type TransactionReceipt struct {
	ID              string    `json:"id"`
	TransactionDate time.Time `json:"transactionDate"`
	Amount          float64   `json:"amount"`
}

// Client implements AccountGateway and TransactionRecorder against the
// financials HTTP API. Every call is bounded by the client timeout; a
// timeout is surfaced as ErrUnavailable like any other transport error.
type Client struct {
	http *resty.Client
}

// NewClient creates a financials client for the given base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &Client{http: c}
}

// GetAccount fetches a wallet account with its current balance.
func (c *Client) GetAccount(ctx context.Context, accountID string, auth AuthContext) (*model.Account, error) {
	var account model.Account

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", auth.Authorization).
		SetHeader("id-token", auth.IDToken).
		SetResult(&account).
		Get("/banking/accounts/" + accountID)
	if err != nil {
		return nil, fmt.Errorf("%w: get account %s: %v", ErrUnavailable, accountID, err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
		return &account, nil
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("%w: get account %s", ErrUnauthorized, accountID)
	default:
		return nil, fmt.Errorf("%w: get account %s: status %d", ErrUnavailable, accountID, resp.StatusCode())
	}
}

// transactionBody is the wire payload for POST /banking/transactions.
type transactionBody struct {
	TransactionDate     string          `json:"transactionDate"`
	Amount              decimal.Decimal `json:"amount"`
	Origin              string          `json:"origin"`
	MerchantName        string          `json:"merchantName"`
	TransactionType     string          `json:"transactionType"`
	Description         string          `json:"description,omitempty"`
	AccountID           string          `json:"accountId"`
	ShouldAdjustBalance bool            `json:"shouldAdjustBalance"`
}

// RecordTransaction records a settled movement. Any non-201 response is
// a failure: the capture must not be marked paid on an unrecorded
// movement.
func (c *Client) RecordTransaction(ctx context.Context, req TransactionRequest, auth AuthContext) (*TransactionReceipt, error) {
	body := transactionBody{
		TransactionDate:     time.Now().UTC().Format(time.RFC3339),
		Amount:              req.Amount.ToDecimal(),
		Origin:              "account",
		MerchantName:        "owna",
		TransactionType:     string(req.TransactionType),
		Description:         req.Description,
		AccountID:           req.AccountID,
		ShouldAdjustBalance: true,
	}

	var receipt TransactionReceipt

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", auth.Authorization).
		SetHeader("id-token", auth.IDToken).
		SetBody(body).
		SetResult(&receipt).
		Post("/banking/transactions")
	if err != nil {
		return nil, fmt.Errorf("%w: record transaction for order %s: %v", ErrUnavailable, req.OrderID, err)
	}

	switch resp.StatusCode() {
	case http.StatusCreated:
		return &receipt, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("%w: record transaction for order %s", ErrUnauthorized, req.OrderID)
	default:
		return nil, fmt.Errorf("%w: record transaction for order %s: status %d",
			ErrUnavailable, req.OrderID, resp.StatusCode())
	}
}
