package exchange

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/pkg/types"
)

func TestTerminalOrderExpiresAfterTTL(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	c := NewAccountCache()
	c.now = func() time.Time { return now }

	c.ApplyOrder(&types.Order{ID: "o1", ClientID: "c1", Status: types.OrderFilled})

	if _, ok := c.Order("o1"); !ok {
		t.Fatal("terminal order should resolve inside the TTL window")
	}
	if _, ok := c.OrderByClientID("c1"); !ok {
		t.Fatal("terminal order should resolve by client id inside the TTL window")
	}

	now = now.Add(terminalOrderTTL + time.Second)
	if _, ok := c.Order("o1"); ok {
		t.Error("terminal order should miss after the TTL")
	}

	c.Sweep()
	if _, ok := c.OrderByClientID("c1"); ok {
		t.Error("client-id mapping should be gone after sweep")
	}
}

func TestOpenOrderMovesToTerminalCache(t *testing.T) {
	t.Parallel()

	c := NewAccountCache()
	c.ApplyOrder(&types.Order{ID: "o1", Status: types.OrderOpen})
	if got := len(c.OpenOrders()); got != 1 {
		t.Fatalf("open orders = %d, want 1", got)
	}

	c.ApplyOrder(&types.Order{ID: "o1", Status: types.OrderCanceled})
	if got := len(c.OpenOrders()); got != 0 {
		t.Errorf("open orders after cancel = %d, want 0", got)
	}
	if _, ok := c.Order("o1"); !ok {
		t.Error("canceled order should still resolve from the terminal cache")
	}
}

func TestFlatPositionEvicted(t *testing.T) {
	t.Parallel()

	c := NewAccountCache()
	c.ApplyPosition(&types.Position{Symbol: "BTC-USDC-PERP", Size: decimal.NewFromInt(2)})
	if _, ok := c.Position("BTC-USDC-PERP"); !ok {
		t.Fatal("position should be cached")
	}

	c.ApplyPosition(&types.Position{Symbol: "BTC-USDC-PERP", Size: decimal.Zero})
	if _, ok := c.Position("BTC-USDC-PERP"); ok {
		t.Error("flat position should be evicted")
	}
	if got := len(c.Positions()); got != 0 {
		t.Errorf("positions = %d, want 0", got)
	}
}

func TestBalanceUpsert(t *testing.T) {
	t.Parallel()

	c := NewAccountCache()
	c.ApplyBalance(&types.BalanceEntry{Currency: "USDC", Total: decimal.NewFromInt(1000)})
	c.ApplyBalance(&types.BalanceEntry{Currency: "USDC", Total: decimal.NewFromInt(900)})

	b, ok := c.Balance("USDC")
	if !ok || !b.Total.Equal(decimal.NewFromInt(900)) {
		t.Errorf("balance = %v, want total 900", b)
	}
}

func TestDedupSuppressesIdenticalPushes(t *testing.T) {
	t.Parallel()

	d := NewOrderDedup()
	o := &types.Order{ID: "1001", ClientID: "42", Filled: decimal.NewFromInt(6000)}

	if d.Seen(o) {
		t.Fatal("first push must pass")
	}
	if !d.Seen(o) {
		t.Fatal("identical push must be suppressed")
	}

	// A different filled amount is a new state.
	progressed := &types.Order{ID: "1001", ClientID: "42", Filled: decimal.NewFromInt(8000)}
	if d.Seen(progressed) {
		t.Error("progressed fill must pass")
	}
}

func TestDedupEvictsOldest(t *testing.T) {
	t.Parallel()

	d := NewOrderDedup()
	d.cap = 3

	for i := 0; i < 4; i++ {
		d.Seen(&types.Order{ID: fmt.Sprintf("o%d", i), Filled: decimal.Zero})
	}

	// o0 fell off the LRU, so the same push passes again.
	if d.Seen(&types.Order{ID: "o0", Filled: decimal.Zero}) {
		t.Error("evicted key should no longer be suppressed")
	}
	if d.Seen(&types.Order{ID: "o3", Filled: decimal.Zero}) != true {
		t.Error("recent key should still be suppressed")
	}
}
