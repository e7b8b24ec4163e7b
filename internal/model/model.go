// Package model defines the core domain types shared across the order
// engine: properties and their fractional inventory, user block
// positions, orders with their append-only status history, wallet
// accounts, and the capture step log.
package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/owna/order-engine/internal/money"
)

var (
	// ErrInsufficientInventory is returned when a purchase asks for more
	// blocks than the property has remaining.
	ErrInsufficientInventory = errors.New("model: not enough blocks remaining")

	// ErrInvalidDelta is returned when a position mutation would drive
	// the held block count negative.
	ErrInvalidDelta = errors.New("model: block delta would make holdings negative")

	// ErrInvalidBlockCount is returned for non-positive block counts.
	ErrInvalidBlockCount = errors.New("model: number of blocks must be positive")
)

// OrderStatus is a state in the order lifecycle. An order starts PENDING
// and moves exactly once, to PAID or CANCELLED.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// OrderType distinguishes purchase from sale orders.
type OrderType string

const (
	OrderTypeBuy  OrderType = "buy"
	OrderTypeSell OrderType = "sell"
)

// TransactionType labels the money movement recorded against a wallet.
type TransactionType string

const (
	TransactionTypeBlockPurchase TransactionType = "block_purchase"
	TransactionTypeBlockSale     TransactionType = "block_sale"
)

// StatusEvent is one entry in an order's status history.
type StatusEvent struct {
	Status    OrderStatus `json:"status" db:"status"`
	Timestamp time.Time   `json:"timestamp" db:"timestamp"`
}

// PaymentReference links an order to the financial transaction that
// settled it.
type PaymentReference struct {
	TransactionReference string    `json:"transaction_reference"`
	Timestamp            time.Time `json:"timestamp"`
}

// Property holds the fractional inventory for one listed property.
// BlocksRemaining is always derived from BlocksTotal and BlocksSold,
// never stored on its own.
type Property struct {
	ID          string          `json:"id" db:"id"`
	Address     string          `json:"address" db:"address"`
	BlocksTotal int             `json:"blocks_total" db:"blocks_total"`
	BlocksSold  int             `json:"blocks_sold" db:"blocks_sold"`
	BlockValue  decimal.Decimal `json:"block_value" db:"block_value"` // major units per block
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// BlocksRemaining returns how many blocks are still available for sale.
func (p *Property) BlocksRemaining() int {
	return p.BlocksTotal - p.BlocksSold
}

// HasEnoughBlocksForPurchase reports whether n blocks can be bought.
func (p *Property) HasEnoughBlocksForPurchase(n int) bool {
	return p.BlocksRemaining() >= n
}

// IncreaseBlocksSold reserves n blocks for a purchase. Callers must have
// verified availability; oversell is rejected here as a final guard.
func (p *Property) IncreaseBlocksSold(n int) error {
	if n <= 0 {
		return ErrInvalidBlockCount
	}
	if !p.HasEnoughBlocksForPurchase(n) {
		return fmt.Errorf("%w: %d remaining, %d requested",
			ErrInsufficientInventory, p.BlocksRemaining(), n)
	}
	p.BlocksSold += n
	return nil
}

// DecreaseBlocksSold releases n blocks back to the pool after a sale.
// The seller's position check upstream guarantees this never drives
// BlocksSold below zero; the guard here catches a violated invariant.
func (p *Property) DecreaseBlocksSold(n int) error {
	if n <= 0 {
		return ErrInvalidBlockCount
	}
	if p.BlocksSold-n < 0 {
		return fmt.Errorf("model: releasing %d blocks would make blocksSold negative (have %d)",
			n, p.BlocksSold)
	}
	p.BlocksSold -= n
	return nil
}

// Block is a user's net position in one property. There is exactly one
// row per (userID, propertyID), including retired rows: retirement is a
// tombstone, and a repurchase after a full sale revives the same row.
type Block struct {
	ID         string     `json:"id" db:"id"`
	UserID     string     `json:"user_id" db:"user_id"`
	PropertyID string     `json:"property_id" db:"property_id"`
	BlocksHeld int        `json:"blocks_held" db:"blocks_held"`
	Retired    bool       `json:"retired" db:"retired"`
	RetiredAt  *time.Time `json:"retired_at,omitempty" db:"retired_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// HasEnoughBlocksToSell reports whether the position covers a sale of n.
func (b *Block) HasEnoughBlocksToSell(n int) bool {
	return b.BlocksHeld >= n
}

// ApplyDelta adds a signed block count to the position: positive for a
// buy, negative for a sell. A result of exactly zero retires the
// position; a positive delta on a retired position restores it.
func (b *Block) ApplyDelta(delta int, now time.Time) error {
	next := b.BlocksHeld + delta
	if next < 0 {
		return fmt.Errorf("%w: held %d, delta %d", ErrInvalidDelta, b.BlocksHeld, delta)
	}
	b.BlocksHeld = next
	if next == 0 {
		b.Retired = true
		t := now
		b.RetiredAt = &t
	} else {
		b.Retired = false
		b.RetiredAt = nil
	}
	return nil
}

// Order is the request-and-status-history record that drives capture.
// Statuses is append-only: it is the audit trail and is never rewritten.
type Order struct {
	ID             string            `json:"id" db:"id"`
	UserID         string            `json:"user_id" db:"user_id"`
	PropertyID     string            `json:"property_id" db:"property_id"`
	BlockID        string            `json:"block_id,omitempty" db:"block_id"`
	NumberOfBlocks int               `json:"number_of_blocks" db:"number_of_blocks"`
	Type           OrderType         `json:"type" db:"type"`
	BlockPrice     *money.Money      `json:"block_price,omitempty"`
	TotalPrice     *money.Money      `json:"total_price,omitempty"`
	Payment        *PaymentReference `json:"payment,omitempty"`
	Statuses       []StatusEvent     `json:"statuses"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
}

// CurrentStatus returns the most recent status entry, or PENDING when
// the history is empty.
func (o *Order) CurrentStatus() OrderStatus {
	if len(o.Statuses) == 0 {
		return OrderStatusPending
	}
	return o.Statuses[len(o.Statuses)-1].Status
}

// Balance is the wallet balance reported by the financials API.
type Balance struct {
	Currency        string          `json:"currency"`
	BalanceAmount   decimal.Decimal `json:"balanceAmount"`
	AvailableAmount decimal.Decimal `json:"availableAmount"`
	Overdrawn       bool            `json:"overdrawn"`
}

// Account is a wallet account held against a user.
type Account struct {
	ID            string  `json:"id"`
	UserID        string  `json:"userId"`
	Name          string  `json:"name"`
	AccountNumber string  `json:"accountNumber"`
	Balance       Balance `json:"balance"`
}

// HasEnoughFundsForPurchase reports whether the available balance covers
// the total order price. The balance is converted through the same
// single-rounding path as order prices so the comparison is exact.
func (a *Account) HasEnoughFundsForPurchase(total money.Money) (bool, error) {
	funds := money.FromDecimal(a.Balance.AvailableAmount, money.NZD)
	short, err := funds.LessThan(total)
	if err != nil {
		return false, err
	}
	return !short, nil
}

// CaptureStep names a side effect committed during a capture attempt.
type CaptureStep string

const (
	StepInventoryReserved CaptureStep = "inventory_reserved"
	StepPositionUpdated   CaptureStep = "position_updated"
	StepPaymentRecorded   CaptureStep = "payment_recorded"
)

// CaptureStepRecord is one persisted entry in the per-order step log.
// The log makes a partially completed capture detectable: steps still
// uncompensated after a failed attempt are reversed by compensation, or
// picked up by an out-of-band reconciliation pass.
type CaptureStepRecord struct {
	ID          string      `json:"id" db:"id"`
	OrderID     string      `json:"order_id" db:"order_id"`
	Step        CaptureStep `json:"step" db:"step"`
	Compensated bool        `json:"compensated" db:"compensated"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
}

// WithdrawalStatus is the state of a withdrawal request.
type WithdrawalStatus string

const (
	WithdrawalStatusPending WithdrawalStatus = "pending"
)

// Withdrawal is a user's request to move funds out of the platform.
// Requests are recorded PENDING and settled out-of-band.
type Withdrawal struct {
	ID        string           `json:"id" db:"id"`
	UserID    string           `json:"user_id" db:"user_id"`
	Amount    money.Money      `json:"amount"`
	Status    WithdrawalStatus `json:"status" db:"status"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
}
