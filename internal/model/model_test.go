package model

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/owna/order-engine/internal/money"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// --- Property inventory ---

func TestProperty_BlocksRemaining(t *testing.T) {
	p := &Property{BlocksTotal: 10, BlocksSold: 9}
	if got := p.BlocksRemaining(); got != 1 {
		t.Errorf("expected 1 remaining, got %d", got)
	}
}

func TestProperty_IncreaseBlocksSold(t *testing.T) {
	p := &Property{BlocksTotal: 10, BlocksSold: 9}

	if err := p.IncreaseBlocksSold(1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.BlocksSold != 10 {
		t.Errorf("expected blocksSold=10, got %d", p.BlocksSold)
	}
}

func TestProperty_IncreaseBlocksSold_Oversell(t *testing.T) {
	p := &Property{BlocksTotal: 10, BlocksSold: 9}

	err := p.IncreaseBlocksSold(2)
	if !errors.Is(err, ErrInsufficientInventory) {
		t.Errorf("expected ErrInsufficientInventory, got %v", err)
	}
	if p.BlocksSold != 9 {
		t.Errorf("failed mutation must not change state, blocksSold=%d", p.BlocksSold)
	}
}

func TestProperty_DecreaseBlocksSold_BelowZero(t *testing.T) {
	p := &Property{BlocksTotal: 10, BlocksSold: 1}

	if err := p.DecreaseBlocksSold(2); err == nil {
		t.Error("expected error driving blocksSold negative")
	}
	if p.BlocksSold != 1 {
		t.Errorf("failed mutation must not change state, blocksSold=%d", p.BlocksSold)
	}
}

func TestProperty_InvalidBlockCounts(t *testing.T) {
	p := &Property{BlocksTotal: 10, BlocksSold: 5}

	for _, n := range []int{0, -3} {
		if err := p.IncreaseBlocksSold(n); !errors.Is(err, ErrInvalidBlockCount) {
			t.Errorf("IncreaseBlocksSold(%d): expected ErrInvalidBlockCount, got %v", n, err)
		}
		if err := p.DecreaseBlocksSold(n); !errors.Is(err, ErrInvalidBlockCount) {
			t.Errorf("DecreaseBlocksSold(%d): expected ErrInvalidBlockCount, got %v", n, err)
		}
	}
}

// --- Block positions ---

func TestBlock_ApplyDelta_BuyThenSellRestoresBaseline(t *testing.T) {
	now := time.Now().UTC()
	b := &Block{BlocksHeld: 5}

	if err := b.ApplyDelta(3, now); err != nil {
		t.Fatalf("buy delta failed: %v", err)
	}
	if err := b.ApplyDelta(-3, now); err != nil {
		t.Fatalf("sell delta failed: %v", err)
	}
	if b.BlocksHeld != 5 {
		t.Errorf("expected holdings back at 5, got %d", b.BlocksHeld)
	}
	if b.Retired {
		t.Error("position should not be retired at non-zero holdings")
	}
}

func TestBlock_ApplyDelta_RetiresAtZero(t *testing.T) {
	now := time.Now().UTC()
	b := &Block{BlocksHeld: 4}

	if err := b.ApplyDelta(-4, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !b.Retired {
		t.Error("position should be retired at zero holdings")
	}
	if b.RetiredAt == nil {
		t.Error("retiredAt should be set on retirement")
	}
}

func TestBlock_ApplyDelta_RestoresRetiredPosition(t *testing.T) {
	now := time.Now().UTC()
	retiredAt := now.Add(-time.Hour)
	b := &Block{BlocksHeld: 0, Retired: true, RetiredAt: &retiredAt}

	if err := b.ApplyDelta(2, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Retired {
		t.Error("repurchase should restore the retired position")
	}
	if b.RetiredAt != nil {
		t.Error("retiredAt should be cleared on restore")
	}
	if b.BlocksHeld != 2 {
		t.Errorf("expected 2 held, got %d", b.BlocksHeld)
	}
}

func TestBlock_ApplyDelta_NegativeResult(t *testing.T) {
	b := &Block{BlocksHeld: 1}

	err := b.ApplyDelta(-2, time.Now().UTC())
	if !errors.Is(err, ErrInvalidDelta) {
		t.Errorf("expected ErrInvalidDelta, got %v", err)
	}
	if b.BlocksHeld != 1 {
		t.Errorf("failed mutation must not change state, held=%d", b.BlocksHeld)
	}
}

func TestBlock_HasEnoughBlocksToSell(t *testing.T) {
	b := &Block{BlocksHeld: 3}

	if !b.HasEnoughBlocksToSell(3) {
		t.Error("selling exactly the holdings should be allowed")
	}
	if b.HasEnoughBlocksToSell(4) {
		t.Error("selling more than held should not be allowed")
	}
}

// --- Order status history ---

func TestOrder_CurrentStatus(t *testing.T) {
	o := &Order{}
	if got := o.CurrentStatus(); got != OrderStatusPending {
		t.Errorf("empty history should read PENDING, got %s", got)
	}

	o.Statuses = append(o.Statuses,
		StatusEvent{Status: OrderStatusPending, Timestamp: time.Now()},
		StatusEvent{Status: OrderStatusPaid, Timestamp: time.Now()},
	)
	if got := o.CurrentStatus(); got != OrderStatusPaid {
		t.Errorf("expected PAID, got %s", got)
	}
}

// --- Account funds check ---

func TestAccount_HasEnoughFundsForPurchase(t *testing.T) {
	tests := []struct {
		name      string
		available string
		total     string
		want      bool
	}{
		{"plenty", "200.00", "100.00", true},
		{"exact", "100.00", "100.00", true},
		{"short", "50.00", "100.00", false},
		{"short by a cent", "99.99", "100.00", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &Account{Balance: Balance{Currency: "NZD", AvailableAmount: dec(tt.available)}}
			total := money.FromDecimal(dec(tt.total), money.NZD)

			got, err := a.HasEnoughFundsForPurchase(total)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("available %s vs total %s: expected %v, got %v",
					tt.available, tt.total, tt.want, got)
			}
		})
	}
}
