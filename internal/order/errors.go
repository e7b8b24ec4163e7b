package order

import "errors"

// Capture failure taxonomy. Precondition errors are rejected before any
// mutation and leave the order's status history untouched. Business-rule
// and external-dependency errors move the order to CANCELLED. Conflict
// is transient: the order stays PENDING and the caller may retry.
var (
	// ErrOrderNotFound — no order with that ID for that user.
	ErrOrderNotFound = errors.New("order: not found")

	// ErrAlreadyCaptured — the order is already PAID; capture is not
	// idempotent and a repeat attempt must not re-execute mutations.
	ErrAlreadyCaptured = errors.New("order: already captured")

	// ErrOrderCancelled — the order was cancelled; terminal states are
	// never re-entered.
	ErrOrderCancelled = errors.New("order: already cancelled")

	// ErrInsufficientInventory — the property has fewer blocks remaining
	// than the order asks for.
	ErrInsufficientInventory = errors.New("order: insufficient blocks remaining")

	// ErrInsufficientFunds — the wallet's available balance does not
	// cover the total order price.
	ErrInsufficientFunds = errors.New("order: insufficient funds")

	// ErrPositionNotFound — a sell order against a property the user
	// holds no blocks in.
	ErrPositionNotFound = errors.New("order: no block position held")

	// ErrInsufficientPosition — a sell order for more blocks than held.
	ErrInsufficientPosition = errors.New("order: insufficient blocks held")

	// ErrConflict — concurrent captures kept invalidating our snapshot
	// and the bounded retries ran out. Transient: committed steps are
	// released, the order stays PENDING, and the capture may be retried.
	ErrConflict = errors.New("order: concurrent capture conflict")

	// ErrInvalidOrder — a create request with bad fields.
	ErrInvalidOrder = errors.New("order: invalid order request")
)
