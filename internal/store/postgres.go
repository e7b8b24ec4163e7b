package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/owna/order-engine/internal/model"
	"github.com/owna/order-engine/internal/money"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Block values are stored as NUMERIC for exact decimal precision; money
// amounts are stored as BIGINT minor units. Conditional writes are plain
// UPDATEs guarded by the expected prior value, checked via RowsAffected.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Orders ---

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.Order) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO orders (id, user_id, property_id, number_of_blocks, type, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		o.ID, o.UserID, o.PropertyID, o.NumberOfBlocks, o.Type, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create order %s: %w", o.ID, err)
	}

	for _, ev := range o.Statuses {
		if _, err := tx.Exec(ctx,
			`INSERT INTO order_status_events (order_id, status, timestamp) VALUES ($1, $2, $3)`,
			o.ID, ev.Status, ev.Timestamp,
		); err != nil {
			return fmt.Errorf("create order %s status: %w", o.ID, err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetOrder(ctx context.Context, orderID, userID string) (*model.Order, error) {
	var o model.Order
	var blockID *string
	var blockPriceAmount, totalPriceAmount *int64
	var currency *string
	var paymentRef *string
	var paymentTS *time.Time

	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, property_id, block_id, number_of_blocks, type,
		        block_price_amount, total_price_amount, price_currency,
		        payment_reference, payment_timestamp, created_at
		 FROM orders WHERE id = $1 AND user_id = $2`, orderID, userID).
		Scan(&o.ID, &o.UserID, &o.PropertyID, &blockID, &o.NumberOfBlocks, &o.Type,
			&blockPriceAmount, &totalPriceAmount, &currency,
			&paymentRef, &paymentTS, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: order %s for user %s", ErrNotFound, orderID, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}

	if blockID != nil {
		o.BlockID = *blockID
	}
	if currency != nil && blockPriceAmount != nil {
		bp := money.FromMinorUnits(*blockPriceAmount, money.NZD)
		o.BlockPrice = &bp
	}
	if currency != nil && totalPriceAmount != nil {
		tp := money.FromMinorUnits(*totalPriceAmount, money.NZD)
		o.TotalPrice = &tp
	}
	if paymentRef != nil && paymentTS != nil {
		o.Payment = &model.PaymentReference{
			TransactionReference: *paymentRef,
			Timestamp:            *paymentTS,
		}
	}

	rows, err := s.pool.Query(ctx,
		`SELECT status, timestamp FROM order_status_events
		 WHERE order_id = $1 ORDER BY timestamp, id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("get order %s statuses: %w", orderID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var ev model.StatusEvent
		if err := rows.Scan(&ev.Status, &ev.Timestamp); err != nil {
			return nil, err
		}
		o.Statuses = append(o.Statuses, ev)
	}
	return &o, rows.Err()
}

func (s *PostgresStore) ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM orders WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	orders := make([]model.Order, 0, len(ids))
	for _, id := range ids {
		o, err := s.GetOrder(ctx, id, userID)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, nil
}

func (s *PostgresStore) SetOrderPrices(ctx context.Context, orderID string, blockPrice, totalPrice money.Money) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders
		 SET block_price_amount = $2, total_price_amount = $3, price_currency = $4
		 WHERE id = $1`,
		orderID, blockPrice.Amount, totalPrice.Amount, blockPrice.CurrencyCode,
	)
	if err != nil {
		return fmt.Errorf("set order %s prices: %w", orderID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	return nil
}

func (s *PostgresStore) SetOrderBlock(ctx context.Context, orderID, blockID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET block_id = $2 WHERE id = $1`, orderID, blockID)
	if err != nil {
		return fmt.Errorf("set order %s block: %w", orderID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	return nil
}

func (s *PostgresStore) SetOrderPayment(ctx context.Context, orderID string, payment model.PaymentReference) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET payment_reference = $2, payment_timestamp = $3 WHERE id = $1`,
		orderID, payment.TransactionReference, payment.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("set order %s payment: %w", orderID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	return nil
}

func (s *PostgresStore) AppendOrderStatus(ctx context.Context, orderID string, event model.StatusEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO order_status_events (order_id, status, timestamp) VALUES ($1, $2, $3)`,
		orderID, event.Status, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append order %s status: %w", orderID, err)
	}
	return nil
}

// --- Properties ---

func (s *PostgresStore) CreateProperty(ctx context.Context, p *model.Property) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO properties (id, address, blocks_total, blocks_sold, block_value, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6)`,
		p.ID, p.Address, p.BlocksTotal, p.BlocksSold, p.BlockValue.String(), p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create property %s: %w", p.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetProperty(ctx context.Context, id string) (*model.Property, error) {
	var p model.Property
	var blockValue string

	err := s.pool.QueryRow(ctx,
		`SELECT id, address, blocks_total, blocks_sold, block_value::TEXT, created_at
		 FROM properties WHERE id = $1`, id).
		Scan(&p.ID, &p.Address, &p.BlocksTotal, &p.BlocksSold, &blockValue, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: property %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get property %s: %w", id, err)
	}

	p.BlockValue, err = decimal.NewFromString(blockValue)
	if err != nil {
		return nil, fmt.Errorf("get property %s: bad block_value: %w", id, err)
	}
	return &p, nil
}

func (s *PostgresStore) ListProperties(ctx context.Context, offset, limit int) ([]model.Property, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, address, blocks_total, blocks_sold, block_value::TEXT, created_at
		 FROM properties ORDER BY created_at OFFSET $1 LIMIT $2`, offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var properties []model.Property
	for rows.Next() {
		var p model.Property
		var blockValue string
		if err := rows.Scan(&p.ID, &p.Address, &p.BlocksTotal, &p.BlocksSold, &blockValue, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.BlockValue, err = decimal.NewFromString(blockValue)
		if err != nil {
			return nil, err
		}
		properties = append(properties, p)
	}
	return properties, rows.Err()
}

// UpdateBlocksSold runs the conditional update and the step insert in one
// transaction: a reservation that commits is always visible to
// compensation, even if the process dies right after.
func (s *PostgresStore) UpdateBlocksSold(ctx context.Context, propertyID string, expectedSold, newSold int, step *model.CaptureStepRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE properties SET blocks_sold = $3
		 WHERE id = $1 AND blocks_sold = $2`,
		propertyID, expectedSold, newSold,
	)
	if err != nil {
		return fmt.Errorf("update property %s blocks_sold: %w", propertyID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: property %s blocks_sold != %d",
			ErrVersionConflict, propertyID, expectedSold)
	}
	if err := insertStepTx(ctx, tx, step); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// --- Blocks ---

func (s *PostgresStore) CreateBlock(ctx context.Context, b *model.Block, step *model.CaptureStepRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO blocks (id, user_id, property_id, blocks_held, retired, retired_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		b.ID, b.UserID, b.PropertyID, b.BlocksHeld, b.Retired, b.RetiredAt, b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create block for user %s property %s: %w", b.UserID, b.PropertyID, err)
	}
	if err := insertStepTx(ctx, tx, step); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) FindBlockWithRetired(ctx context.Context, userID, propertyID string) (*model.Block, error) {
	var b model.Block
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, property_id, blocks_held, retired, retired_at, created_at
		 FROM blocks WHERE user_id = $1 AND property_id = $2`, userID, propertyID).
		Scan(&b.ID, &b.UserID, &b.PropertyID, &b.BlocksHeld, &b.Retired, &b.RetiredAt, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: block for user %s property %s", ErrNotFound, userID, propertyID)
	}
	if err != nil {
		return nil, fmt.Errorf("find block for user %s property %s: %w", userID, propertyID, err)
	}
	return &b, nil
}

func (s *PostgresStore) ListBlocksByUser(ctx context.Context, userID string) ([]model.Block, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, property_id, blocks_held, retired, retired_at, created_at
		 FROM blocks WHERE user_id = $1 AND retired = FALSE ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var blocks []model.Block
	for rows.Next() {
		var b model.Block
		if err := rows.Scan(&b.ID, &b.UserID, &b.PropertyID, &b.BlocksHeld, &b.Retired, &b.RetiredAt, &b.CreatedAt); err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

func (s *PostgresStore) UpdateBlockHoldings(ctx context.Context, blockID string, expectedHeld, newHeld int, retired bool, retiredAt *time.Time, step *model.CaptureStepRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE blocks SET blocks_held = $3, retired = $4, retired_at = $5
		 WHERE id = $1 AND blocks_held = $2`,
		blockID, expectedHeld, newHeld, retired, retiredAt,
	)
	if err != nil {
		return fmt.Errorf("update block %s holdings: %w", blockID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: block %s blocks_held != %d",
			ErrVersionConflict, blockID, expectedHeld)
	}
	if err := insertStepTx(ctx, tx, step); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// --- Capture step log ---

// insertStepTx writes a capture step inside the caller's transaction so
// the step commits together with the conditional write it describes.
func insertStepTx(ctx context.Context, tx pgx.Tx, step *model.CaptureStepRecord) error {
	if step == nil {
		return nil
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO capture_steps (id, order_id, step, compensated, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		step.ID, step.OrderID, step.Step, step.Compensated, step.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert capture step for order %s: %w", step.OrderID, err)
	}
	return nil
}

func (s *PostgresStore) InsertCaptureStep(ctx context.Context, step *model.CaptureStepRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO capture_steps (id, order_id, step, compensated, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		step.ID, step.OrderID, step.Step, step.Compensated, step.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert capture step for order %s: %w", step.OrderID, err)
	}
	return nil
}

func (s *PostgresStore) ListCaptureSteps(ctx context.Context, orderID string) ([]model.CaptureStepRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, order_id, step, compensated, created_at
		 FROM capture_steps WHERE order_id = $1 ORDER BY created_at`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []model.CaptureStepRecord
	for rows.Next() {
		var st model.CaptureStepRecord
		if err := rows.Scan(&st.ID, &st.OrderID, &st.Step, &st.Compensated, &st.CreatedAt); err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func (s *PostgresStore) MarkStepCompensated(ctx context.Context, stepID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE capture_steps SET compensated = TRUE WHERE id = $1`, stepID)
	if err != nil {
		return fmt.Errorf("mark step %s compensated: %w", stepID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: capture step %s", ErrNotFound, stepID)
	}
	return nil
}

// --- Withdrawals ---

func (s *PostgresStore) CreateWithdrawal(ctx context.Context, w *model.Withdrawal) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO withdrawals (id, user_id, amount, currency, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		w.ID, w.UserID, w.Amount.Amount, w.Amount.CurrencyCode, w.Status, w.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create withdrawal for user %s: %w", w.UserID, err)
	}
	return nil
}

func (s *PostgresStore) ListWithdrawalsByUser(ctx context.Context, userID string) ([]model.Withdrawal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, amount, currency, status, created_at
		 FROM withdrawals WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var withdrawals []model.Withdrawal
	for rows.Next() {
		var w model.Withdrawal
		var amount int64
		var currency string
		if err := rows.Scan(&w.ID, &w.UserID, &amount, &currency, &w.Status, &w.CreatedAt); err != nil {
			return nil, err
		}
		w.Amount = money.FromMinorUnits(amount, money.NZD)
		withdrawals = append(withdrawals, w)
	}
	return withdrawals, rows.Err()
}
