package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/owna/order-engine/internal/model"
	"github.com/owna/order-engine/internal/money"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Conditional writes are honored under the store mutex
// so concurrency tests exercise the same conflict semantics as
// PostgreSQL.
type MemoryStore struct {
	mu          sync.RWMutex
	orders      map[string]*model.Order
	properties  map[string]*model.Property
	blocks      map[string]*model.Block
	blockByKey  map[string]string // userID|propertyID -> blockID
	steps       map[string][]model.CaptureStepRecord
	withdrawals map[string][]model.Withdrawal
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:      make(map[string]*model.Order),
		properties:  make(map[string]*model.Property),
		blocks:      make(map[string]*model.Block),
		blockByKey:  make(map[string]string),
		steps:       make(map[string][]model.CaptureStepRecord),
		withdrawals: make(map[string][]model.Withdrawal),
	}
}

func blockKey(userID, propertyID string) string {
	return userID + "|" + propertyID
}

// --- Orders ---

func (s *MemoryStore) CreateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[o.ID]; exists {
		return fmt.Errorf("%w: order %s", ErrDuplicate, o.ID)
	}
	cp := cloneOrder(o)
	s.orders[o.ID] = cp
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, orderID, userID string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[orderID]
	if !ok || o.UserID != userID {
		return nil, fmt.Errorf("%w: order %s for user %s", ErrNotFound, orderID, userID)
	}
	return cloneOrder(o), nil
}

func (s *MemoryStore) ListOrdersByUser(_ context.Context, userID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var orders []model.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			orders = append(orders, *cloneOrder(o))
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return orders, nil
}

func (s *MemoryStore) SetOrderPrices(_ context.Context, orderID string, blockPrice, totalPrice money.Money) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	bp, tp := blockPrice, totalPrice
	o.BlockPrice = &bp
	o.TotalPrice = &tp
	return nil
}

func (s *MemoryStore) SetOrderBlock(_ context.Context, orderID, blockID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	o.BlockID = blockID
	return nil
}

func (s *MemoryStore) SetOrderPayment(_ context.Context, orderID string, payment model.PaymentReference) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	p := payment
	o.Payment = &p
	return nil
}

func (s *MemoryStore) AppendOrderStatus(_ context.Context, orderID string, event model.StatusEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	o.Statuses = append(o.Statuses, event)
	return nil
}

// --- Properties ---

func (s *MemoryStore) CreateProperty(_ context.Context, p *model.Property) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.properties[p.ID]; exists {
		return fmt.Errorf("%w: property %s", ErrDuplicate, p.ID)
	}
	cp := *p
	s.properties[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetProperty(_ context.Context, id string) (*model.Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.properties[id]
	if !ok {
		return nil, fmt.Errorf("%w: property %s", ErrNotFound, id)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListProperties(_ context.Context, offset, limit int) ([]model.Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]model.Property, 0, len(s.properties))
	for _, p := range s.properties {
		all = append(all, *p)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})

	if offset >= len(all) {
		return []model.Property{}, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (s *MemoryStore) UpdateBlocksSold(_ context.Context, propertyID string, expectedSold, newSold int, step *model.CaptureStepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.properties[propertyID]
	if !ok {
		return fmt.Errorf("%w: property %s", ErrNotFound, propertyID)
	}
	if p.BlocksSold != expectedSold {
		return fmt.Errorf("%w: property %s blocksSold is %d, expected %d",
			ErrVersionConflict, propertyID, p.BlocksSold, expectedSold)
	}
	p.BlocksSold = newSold
	s.appendStep(step)
	return nil
}

// --- Blocks ---

func (s *MemoryStore) CreateBlock(_ context.Context, b *model.Block, step *model.CaptureStepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := blockKey(b.UserID, b.PropertyID)
	if _, exists := s.blockByKey[key]; exists {
		return fmt.Errorf("%w: block for user %s property %s", ErrDuplicate, b.UserID, b.PropertyID)
	}
	cp := *b
	s.blocks[b.ID] = &cp
	s.blockByKey[key] = b.ID
	s.appendStep(step)
	return nil
}

func (s *MemoryStore) FindBlockWithRetired(_ context.Context, userID, propertyID string) (*model.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.blockByKey[blockKey(userID, propertyID)]
	if !ok {
		return nil, fmt.Errorf("%w: block for user %s property %s", ErrNotFound, userID, propertyID)
	}
	cp := *s.blocks[id]
	return &cp, nil
}

func (s *MemoryStore) ListBlocksByUser(_ context.Context, userID string) ([]model.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var blocks []model.Block
	for _, b := range s.blocks {
		if b.UserID == userID && !b.Retired {
			blocks = append(blocks, *b)
		}
	}
	sort.Slice(blocks, func(i, j int) bool {
		return blocks[i].CreatedAt.Before(blocks[j].CreatedAt)
	})
	return blocks, nil
}

func (s *MemoryStore) UpdateBlockHoldings(_ context.Context, blockID string, expectedHeld, newHeld int, retired bool, retiredAt *time.Time, step *model.CaptureStepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blocks[blockID]
	if !ok {
		return fmt.Errorf("%w: block %s", ErrNotFound, blockID)
	}
	if b.BlocksHeld != expectedHeld {
		return fmt.Errorf("%w: block %s holds %d, expected %d",
			ErrVersionConflict, blockID, b.BlocksHeld, expectedHeld)
	}
	b.BlocksHeld = newHeld
	b.Retired = retired
	b.RetiredAt = retiredAt
	s.appendStep(step)
	return nil
}

// appendStep records a capture step under the already-held store mutex,
// so the step lands together with the write it describes.
func (s *MemoryStore) appendStep(step *model.CaptureStepRecord) {
	if step == nil {
		return
	}
	s.steps[step.OrderID] = append(s.steps[step.OrderID], *step)
}

// --- Capture step log ---

func (s *MemoryStore) InsertCaptureStep(_ context.Context, step *model.CaptureStepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.steps[step.OrderID] = append(s.steps[step.OrderID], *step)
	return nil
}

func (s *MemoryStore) ListCaptureSteps(_ context.Context, orderID string) ([]model.CaptureStepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	steps := make([]model.CaptureStepRecord, len(s.steps[orderID]))
	copy(steps, s.steps[orderID])
	return steps, nil
}

func (s *MemoryStore) MarkStepCompensated(_ context.Context, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for orderID, steps := range s.steps {
		for i := range steps {
			if steps[i].ID == stepID {
				s.steps[orderID][i].Compensated = true
				return nil
			}
		}
	}
	return fmt.Errorf("%w: capture step %s", ErrNotFound, stepID)
}

// --- Withdrawals ---

func (s *MemoryStore) CreateWithdrawal(_ context.Context, w *model.Withdrawal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.withdrawals[w.UserID] = append(s.withdrawals[w.UserID], *w)
	return nil
}

func (s *MemoryStore) ListWithdrawalsByUser(_ context.Context, userID string) ([]model.Withdrawal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	withdrawals := make([]model.Withdrawal, len(s.withdrawals[userID]))
	copy(withdrawals, s.withdrawals[userID])
	return withdrawals, nil
}

// cloneOrder deep-copies an order so callers cannot mutate stored state.
func cloneOrder(o *model.Order) *model.Order {
	cp := *o
	cp.Statuses = make([]model.StatusEvent, len(o.Statuses))
	copy(cp.Statuses, o.Statuses)
	if o.BlockPrice != nil {
		bp := *o.BlockPrice
		cp.BlockPrice = &bp
	}
	if o.TotalPrice != nil {
		tp := *o.TotalPrice
		cp.TotalPrice = &tp
	}
	if o.Payment != nil {
		p := *o.Payment
		cp.Payment = &p
	}
	return &cp
}
