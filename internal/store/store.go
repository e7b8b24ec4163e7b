// Package store defines the persistence interface for the order engine.
// Implementations include PostgreSQL (source of truth), Redis
// (read-through cache), and in-memory (for testing).
//
// Property and block mutations are conditional writes: the caller passes
// the exact value it read, and the update succeeds only if the stored
// value still matches. Two concurrent captures racing on the same
// property therefore cannot both pass the remaining-blocks check against
// a stale snapshot — the loser gets ErrVersionConflict and must re-read.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/owna/order-engine/internal/model"
	"github.com/owna/order-engine/internal/money"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrVersionConflict is returned when a conditional write finds the
	// record changed since it was read.
	ErrVersionConflict = errors.New("store: conditional write conflict")

	// ErrDuplicate is returned when a unique constraint would be broken.
	ErrDuplicate = errors.New("store: duplicate record")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Order operations ---

	// CreateOrder persists a new order with its initial status history.
	CreateOrder(ctx context.Context, order *model.Order) error

	// GetOrder retrieves an order scoped to its owning user.
	GetOrder(ctx context.Context, orderID, userID string) (*model.Order, error)

	// ListOrdersByUser returns a user's orders, newest first.
	ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error)

	// SetOrderPrices writes the computed block and total prices.
	SetOrderPrices(ctx context.Context, orderID string, blockPrice, totalPrice money.Money) error

	// SetOrderBlock links the order to the position it settled into.
	SetOrderBlock(ctx context.Context, orderID, blockID string) error

	// SetOrderPayment writes the transaction reference after settlement.
	SetOrderPayment(ctx context.Context, orderID string, payment model.PaymentReference) error

	// AppendOrderStatus appends one entry to the order's status history.
	// The history is append-only; existing entries are never rewritten.
	AppendOrderStatus(ctx context.Context, orderID string, event model.StatusEvent) error

	// --- Property operations ---

	// CreateProperty persists a new property listing.
	CreateProperty(ctx context.Context, property *model.Property) error

	// GetProperty retrieves a property by ID.
	GetProperty(ctx context.Context, id string) (*model.Property, error)

	// ListProperties returns a page of property listings.
	ListProperties(ctx context.Context, offset, limit int) ([]model.Property, error)

	// UpdateBlocksSold sets blocksSold to newSold only if the stored
	// value still equals expectedSold; otherwise ErrVersionConflict.
	// step, when non-nil, is recorded atomically with the update, so a
	// committed write is never invisible to the step log.
	UpdateBlocksSold(ctx context.Context, propertyID string, expectedSold, newSold int, step *model.CaptureStepRecord) error

	// --- Block (position) operations ---

	// CreateBlock persists a new position row. At most one row exists
	// per (userID, propertyID), retired rows included. step, when
	// non-nil, is recorded atomically with the insert.
	CreateBlock(ctx context.Context, block *model.Block, step *model.CaptureStepRecord) error

	// FindBlockWithRetired looks up the position for a user and
	// property, including retired tombstones, so a repurchase revives
	// the original row instead of creating a duplicate.
	FindBlockWithRetired(ctx context.Context, userID, propertyID string) (*model.Block, error)

	// ListBlocksByUser returns a user's active (non-retired) positions.
	ListBlocksByUser(ctx context.Context, userID string) ([]model.Block, error)

	// UpdateBlockHoldings sets the held count and tombstone state only
	// if the stored count still equals expectedHeld; otherwise
	// ErrVersionConflict. step, when non-nil, is recorded atomically
	// with the update.
	UpdateBlockHoldings(ctx context.Context, blockID string, expectedHeld, newHeld int, retired bool, retiredAt *time.Time, step *model.CaptureStepRecord) error

	// --- Capture step log ---

	// InsertCaptureStep appends one committed side effect to the
	// per-order step log.
	InsertCaptureStep(ctx context.Context, step *model.CaptureStepRecord) error

	// ListCaptureSteps returns the step log for an order, oldest first.
	ListCaptureSteps(ctx context.Context, orderID string) ([]model.CaptureStepRecord, error)

	// MarkStepCompensated flags a logged step as reversed.
	MarkStepCompensated(ctx context.Context, stepID string) error

	// --- Withdrawals ---

	// CreateWithdrawal persists a new withdrawal request.
	CreateWithdrawal(ctx context.Context, withdrawal *model.Withdrawal) error

	// ListWithdrawalsByUser returns a user's withdrawal requests.
	ListWithdrawalsByUser(ctx context.Context, userID string) ([]model.Withdrawal, error)
}
