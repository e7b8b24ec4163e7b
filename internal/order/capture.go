package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/owna/order-engine/internal/financials"
	"github.com/owna/order-engine/internal/metrics"
	"github.com/owna/order-engine/internal/model"
	"github.com/owna/order-engine/internal/money"
	"github.com/owna/order-engine/internal/store"
)

// maxWriteAttempts bounds the re-read-and-retry loop around conditional
// property and block writes before giving up with ErrConflict.
const maxWriteAttempts = 3

// Capturer is the order-capture state machine. It settles a PENDING
// order by coordinating four resources: property inventory, the buyer's
// block position, the wallet balance, and the financial transaction
// record. Inventory and position writes are conditional (compare-and-
// swap on the value read), and every committed side effect is appended
// to a persisted step log so a failure partway through can be
// compensated rather than left inconsistent.
type Capturer struct {
	store    store.Store
	accounts financials.AccountGateway
	recorder financials.TransactionRecorder
	hub      *WSHub // optional, broadcasts settled orders
}

// NewCapturer creates a capture orchestrator.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewCapturer(st store.Store, accounts financials.AccountGateway, recorder financials.TransactionRecorder, hub *WSHub) *Capturer {
	return &Capturer{
		store:    st,
		accounts: accounts,
		recorder: recorder,
		hub:      hub,
	}
}

// Capture settles the order. Preconditions (order missing, already in a
// terminal state) are rejected before any mutation, with no status
// change. A business-rule or external failure during settlement
// compensates any side effects already committed, appends CANCELLED
// (best-effort — an append failure never masks the original error), and
// returns the original failure. ErrConflict releases any committed steps
// and leaves the order PENDING for retry.
func (c *Capturer) Capture(ctx context.Context, orderID, userID, accountID string, auth financials.AuthContext) (*model.Order, error) {
	start := time.Now()

	ord, err := c.store.GetOrder(ctx, orderID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s for user %s", ErrOrderNotFound, orderID, userID)
		}
		return nil, err
	}

	switch ord.CurrentStatus() {
	case model.OrderStatusPaid:
		return nil, fmt.Errorf("%w: order %s", ErrAlreadyCaptured, orderID)
	case model.OrderStatusCancelled:
		return nil, fmt.Errorf("%w: order %s", ErrOrderCancelled, orderID)
	}

	slog.Info("capturing order",
		"order_id", orderID,
		"user_id", userID,
		"account_id", accountID,
		"type", ord.Type,
		"blocks", ord.NumberOfBlocks,
	)

	var capErr error
	switch ord.Type {
	case model.OrderTypeBuy:
		capErr = c.capturePurchase(ctx, ord, accountID, auth)
	case model.OrderTypeSell:
		capErr = c.captureSale(ctx, ord, accountID, auth)
	default:
		capErr = fmt.Errorf("%w: unknown order type %q", ErrInvalidOrder, ord.Type)
	}

	if capErr != nil {
		metrics.CapturesTotal.WithLabelValues(string(ord.Type), "failed").Inc()

		// Conflicts are transient: the order stays PENDING so the
		// caller can retry. A conflict can still strike after an
		// earlier step committed (inventory reserved, then the
		// position write loses its race), so committed steps are
		// released before returning — a retry must start from a clean
		// slate, not reserve on top of a leaked reservation.
		if errors.Is(capErr, ErrConflict) {
			c.compensate(ctx, ord)
			return nil, capErr
		}
		return nil, c.cancel(ctx, ord, capErr)
	}

	updated, err := c.store.GetOrder(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}

	metrics.CapturesTotal.WithLabelValues(string(ord.Type), "paid").Inc()
	metrics.CaptureLatency.WithLabelValues(string(ord.Type)).Observe(time.Since(start).Seconds())

	if c.hub != nil {
		c.hub.Broadcast(WSMessage{
			Type:       "order_settled",
			OrderID:    updated.ID,
			PropertyID: updated.PropertyID,
			OrderType:  string(updated.Type),
			Blocks:     updated.NumberOfBlocks,
			TotalPrice: updated.TotalPrice.String(),
		})
	}

	slog.Info("order captured",
		"order_id", updated.ID,
		"type", updated.Type,
		"total_price", updated.TotalPrice.String(),
	)
	return updated, nil
}

// capturePurchase runs the BUY path: inventory check, price computation,
// funds check, conditional inventory reservation, position credit,
// payment recording, PAID.
func (c *Capturer) capturePurchase(ctx context.Context, ord *model.Order, accountID string, auth financials.AuthContext) error {
	n := ord.NumberOfBlocks

	// The affordability check runs inside the reservation loop so funds
	// are verified against the same property snapshot the prices came
	// from.
	checkFunds := func(totalPrice money.Money) error {
		account, err := c.accounts.GetAccount(ctx, accountID, auth)
		if err != nil {
			return err
		}
		enough, err := account.HasEnoughFundsForPurchase(totalPrice)
		if err != nil {
			return err
		}
		if !enough {
			return fmt.Errorf("%w: available %s, required %s",
				ErrInsufficientFunds, account.Balance.AvailableAmount, totalPrice)
		}
		return nil
	}

	blockPrice, totalPrice, err := c.reserveInventory(ctx, ord, +n, checkFunds)
	if err != nil {
		return err
	}

	// Credit the buyer's position, reviving a retired row if one exists.
	blockID, err := c.applyPositionDelta(ctx, ord, +n)
	if err != nil {
		return err
	}

	receipt, err := c.recorder.RecordTransaction(ctx, financials.TransactionRequest{
		OrderID:         ord.ID,
		Amount:          totalPrice,
		TransactionType: model.TransactionTypeBlockPurchase,
		AccountID:       accountID,
		Description:     "Block purchase",
	}, auth)
	if err != nil {
		return err
	}

	return c.settle(ctx, ord, blockID, blockPrice, totalPrice, receipt)
}

// captureSale runs the SELL path: position check, price computation,
// conditional inventory release, position debit (retiring at zero),
// payment recording, PAID.
func (c *Capturer) captureSale(ctx context.Context, ord *model.Order, accountID string, auth financials.AuthContext) error {
	n := ord.NumberOfBlocks

	block, err := c.store.FindBlockWithRetired(ctx, ord.UserID, ord.PropertyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: user %s property %s", ErrPositionNotFound, ord.UserID, ord.PropertyID)
		}
		return err
	}
	if block.Retired && block.BlocksHeld == 0 {
		return fmt.Errorf("%w: position retired for user %s property %s",
			ErrPositionNotFound, ord.UserID, ord.PropertyID)
	}
	if !block.HasEnoughBlocksToSell(n) {
		return fmt.Errorf("%w: holds %d, selling %d", ErrInsufficientPosition, block.BlocksHeld, n)
	}

	blockPrice, totalPrice, err := c.reserveInventory(ctx, ord, -n, nil)
	if err != nil {
		return err
	}

	blockID, err := c.applyPositionDelta(ctx, ord, -n)
	if err != nil {
		return err
	}

	receipt, err := c.recorder.RecordTransaction(ctx, financials.TransactionRequest{
		OrderID:         ord.ID,
		Amount:          totalPrice,
		TransactionType: model.TransactionTypeBlockSale,
		AccountID:       accountID,
		Description:     "Block sale",
	}, auth)
	if err != nil {
		return err
	}

	return c.settle(ctx, ord, blockID, blockPrice, totalPrice, receipt)
}

// reserveInventory computes prices from a fresh property snapshot and
// commits the blocksSold change with a conditional write, re-reading and
// retrying a bounded number of times when concurrent captures invalidate
// the snapshot. delta is +n for a purchase, -n for a sale. checkFunds,
// when non-nil, runs inside the loop before the write so the
// affordability check always matches the snapshot being committed.
func (c *Capturer) reserveInventory(ctx context.Context, ord *model.Order, delta int, checkFunds func(money.Money) error) (money.Money, money.Money, error) {
	var (
		reserved   bool
		blockPrice money.Money
		totalPrice money.Money
	)

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		p, err := c.store.GetProperty(ctx, ord.PropertyID)
		if err != nil {
			return money.Money{}, money.Money{}, err
		}

		// Unit price is rounded exactly once; the total is derived by
		// integer multiplication of the rounded unit price.
		blockPrice = money.FromDecimal(p.BlockValue, money.NZD)
		totalPrice, err = blockPrice.Multiply(int64(ord.NumberOfBlocks))
		if err != nil {
			return money.Money{}, money.Money{}, err
		}

		expected := p.BlocksSold
		if delta > 0 {
			if !p.HasEnoughBlocksForPurchase(delta) {
				return money.Money{}, money.Money{}, fmt.Errorf("%w: %d remaining, %d requested",
					ErrInsufficientInventory, p.BlocksRemaining(), delta)
			}
			if checkFunds != nil {
				if err := checkFunds(totalPrice); err != nil {
					return money.Money{}, money.Money{}, err
				}
			}
			if err := p.IncreaseBlocksSold(delta); err != nil {
				return money.Money{}, money.Money{}, err
			}
		} else {
			if err := p.DecreaseBlocksSold(-delta); err != nil {
				return money.Money{}, money.Money{}, err
			}
		}

		if err := c.store.SetOrderPrices(ctx, ord.ID, blockPrice, totalPrice); err != nil {
			return money.Money{}, money.Money{}, err
		}

		// The step record commits atomically with the conditional
		// write, so a committed reservation is always visible to
		// compensation.
		err = c.store.UpdateBlocksSold(ctx, ord.PropertyID, expected, p.BlocksSold,
			newStepRecord(ord.ID, model.StepInventoryReserved))
		if err == nil {
			reserved = true
			break
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return money.Money{}, money.Money{}, err
		}

		metrics.ConflictRetries.Inc()
		slog.Warn("inventory write conflict, re-reading",
			"order_id", ord.ID,
			"property_id", ord.PropertyID,
			"attempt", attempt+1,
		)
	}

	if !reserved {
		return money.Money{}, money.Money{}, fmt.Errorf("%w: property %s", ErrConflict, ord.PropertyID)
	}
	return blockPrice, totalPrice, nil
}

// applyPositionDelta mutates the (userID, propertyID) position with a
// conditional write, creating the row on a first purchase and reviving
// the retired row on a repurchase. Returns the block ID.
func (c *Capturer) applyPositionDelta(ctx context.Context, ord *model.Order, delta int) (string, error) {
	now := time.Now().UTC()

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		block, err := c.store.FindBlockWithRetired(ctx, ord.UserID, ord.PropertyID)
		if errors.Is(err, store.ErrNotFound) {
			if delta <= 0 {
				return "", fmt.Errorf("%w: user %s property %s", ErrPositionNotFound, ord.UserID, ord.PropertyID)
			}
			newBlock := &model.Block{
				ID:         uuid.New().String(),
				UserID:     ord.UserID,
				PropertyID: ord.PropertyID,
				BlocksHeld: delta,
				CreatedAt:  now,
			}
			err := c.store.CreateBlock(ctx, newBlock,
				newStepRecord(ord.ID, model.StepPositionUpdated))
			if err != nil {
				if errors.Is(err, store.ErrDuplicate) {
					// Raced with another capture creating the row.
					metrics.ConflictRetries.Inc()
					continue
				}
				return "", err
			}
			return newBlock.ID, nil
		}
		if err != nil {
			return "", err
		}

		expected := block.BlocksHeld
		if err := block.ApplyDelta(delta, now); err != nil {
			return "", err
		}

		err = c.store.UpdateBlockHoldings(ctx, block.ID, expected, block.BlocksHeld, block.Retired, block.RetiredAt,
			newStepRecord(ord.ID, model.StepPositionUpdated))
		if err == nil {
			return block.ID, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return "", err
		}

		metrics.ConflictRetries.Inc()
		slog.Warn("position write conflict, re-reading",
			"order_id", ord.ID,
			"block_id", block.ID,
			"attempt", attempt+1,
		)
	}

	return "", fmt.Errorf("%w: position for user %s property %s", ErrConflict, ord.UserID, ord.PropertyID)
}

// settle writes the payment reference, links the block, and appends the
// terminal PAID status.
func (c *Capturer) settle(ctx context.Context, ord *model.Order, blockID string, blockPrice, totalPrice money.Money, receipt *financials.TransactionReceipt) error {
	if err := c.logStep(ctx, ord.ID, model.StepPaymentRecorded); err != nil {
		return err
	}

	payment := model.PaymentReference{
		TransactionReference: receipt.ID,
		Timestamp:            receipt.TransactionDate,
	}
	if err := c.store.SetOrderPayment(ctx, ord.ID, payment); err != nil {
		return err
	}
	if err := c.store.SetOrderBlock(ctx, ord.ID, blockID); err != nil {
		return err
	}

	return c.store.AppendOrderStatus(ctx, ord.ID, model.StatusEvent{
		Status:    model.OrderStatusPaid,
		Timestamp: time.Now().UTC(),
	})
}

// logStep appends a committed side effect to the persisted step log.
func (c *Capturer) logStep(ctx context.Context, orderID string, step model.CaptureStep) error {
	return c.store.InsertCaptureStep(ctx, newStepRecord(orderID, step))
}

func newStepRecord(orderID string, step model.CaptureStep) *model.CaptureStepRecord {
	return &model.CaptureStepRecord{
		ID:        uuid.New().String(),
		OrderID:   orderID,
		Step:      step,
		CreatedAt: time.Now().UTC(),
	}
}

// cancel compensates committed side effects, appends CANCELLED
// best-effort, and returns the original failure (joined with the append
// failure when that also fails, so neither is lost).
func (c *Capturer) cancel(ctx context.Context, ord *model.Order, capErr error) error {
	slog.Error("capture failed, cancelling order",
		"order_id", ord.ID,
		"user_id", ord.UserID,
		"type", ord.Type,
		"err", capErr,
	)

	c.compensate(ctx, ord)

	appendErr := c.store.AppendOrderStatus(ctx, ord.ID, model.StatusEvent{
		Status:    model.OrderStatusCancelled,
		Timestamp: time.Now().UTC(),
	})
	if appendErr != nil {
		slog.Error("failed to append cancelled status",
			"order_id", ord.ID,
			"err", appendErr,
		)
		return errors.Join(capErr, appendErr)
	}
	return capErr
}

// compensate reverses uncompensated steps from the step log in reverse
// order: the position delta is undone first, then the inventory change.
// A step that cannot be reversed is logged with the order ID and step
// name and left uncompensated in the log for reconciliation.
func (c *Capturer) compensate(ctx context.Context, ord *model.Order) {
	steps, err := c.store.ListCaptureSteps(ctx, ord.ID)
	if err != nil {
		slog.Error("cannot load capture steps for compensation",
			"order_id", ord.ID,
			"err", err,
		)
		return
	}

	// Inventory and position deltas to reverse carry the opposite sign
	// of the original attempt.
	delta := ord.NumberOfBlocks
	if ord.Type == model.OrderTypeSell {
		delta = -delta
	}

	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if step.Compensated {
			continue
		}

		var compErr error
		switch step.Step {
		case model.StepPositionUpdated:
			compErr = c.reversePosition(ctx, ord, -delta)
		case model.StepInventoryReserved:
			compErr = c.reverseInventory(ctx, ord, -delta)
		case model.StepPaymentRecorded:
			// A recorded payment on a failed capture cannot be reversed
			// from here; it needs a refund through the financials API.
			compErr = fmt.Errorf("recorded payment requires manual reversal")
		}

		if compErr != nil {
			slog.Error("compensation failed, flagged for reconciliation",
				"order_id", ord.ID,
				"step", step.Step,
				"err", compErr,
			)
			continue
		}

		if err := c.store.MarkStepCompensated(ctx, step.ID); err != nil {
			slog.Error("failed to mark step compensated",
				"order_id", ord.ID,
				"step", step.Step,
				"err", err,
			)
		}
		metrics.CompensationsTotal.WithLabelValues(string(step.Step)).Inc()
	}
}

// reverseInventory undoes a blocksSold change with the same conditional
// write discipline as the forward path.
func (c *Capturer) reverseInventory(ctx context.Context, ord *model.Order, delta int) error {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		p, err := c.store.GetProperty(ctx, ord.PropertyID)
		if err != nil {
			return err
		}
		newSold := p.BlocksSold + delta
		if newSold < 0 || newSold > p.BlocksTotal {
			return fmt.Errorf("reversal would leave blocksSold at %d of %d", newSold, p.BlocksTotal)
		}
		err = c.store.UpdateBlocksSold(ctx, ord.PropertyID, p.BlocksSold, newSold, nil)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
	}
	return fmt.Errorf("%w: inventory reversal for property %s", ErrConflict, ord.PropertyID)
}

// reversePosition undoes a position delta, reviving or retiring the row
// as the reversed count dictates.
func (c *Capturer) reversePosition(ctx context.Context, ord *model.Order, delta int) error {
	now := time.Now().UTC()
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		block, err := c.store.FindBlockWithRetired(ctx, ord.UserID, ord.PropertyID)
		if err != nil {
			return err
		}
		expected := block.BlocksHeld
		if err := block.ApplyDelta(delta, now); err != nil {
			return err
		}
		err = c.store.UpdateBlockHoldings(ctx, block.ID, expected, block.BlocksHeld, block.Retired, block.RetiredAt, nil)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
	}
	return fmt.Errorf("%w: position reversal for user %s property %s", ErrConflict, ord.UserID, ord.PropertyID)
}
