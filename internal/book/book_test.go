package book

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/pkg/types"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func lvl(price, size string) types.PriceLevel {
	return types.PriceLevel{Price: d(price), Size: d(size)}
}

func newTestBook() *Book {
	return NewBook("edgex", "BTC-USDC-PERP")
}

var now = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

func TestSnapshotThenDeltaTopOfBook(t *testing.T) {
	t.Parallel()
	b := newTestBook()

	b.ApplySnapshot(&types.BookUpdate{
		Bids:    []types.PriceLevel{lvl("50000", "1.0"), lvl("49900", "2.0")},
		Asks:    []types.PriceLevel{lvl("50100", "0.5"), lvl("50200", "1.5")},
		Version: 1,
	}, now, now)

	if b.State() != StateReady {
		t.Fatalf("state = %v, want READY", b.State())
	}

	// Delta: delete bid 50000, insert bid 50050; asks unchanged.
	err := b.ApplyDelta(&types.BookUpdate{
		Bids:    []types.PriceLevel{lvl("50000", "0"), lvl("50050", "0.7")},
		Version: 2,
	}, now, now)
	if err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}

	bid, ask, ok := b.TopOfBook()
	if !ok {
		t.Fatal("TopOfBook not ok")
	}
	if !bid.Price.Equal(d("50050")) || !bid.Size.Equal(d("0.7")) {
		t.Errorf("best bid = %v @ %v, want 0.7 @ 50050", bid.Size, bid.Price)
	}
	if !ask.Price.Equal(d("50100")) || !ask.Size.Equal(d("0.5")) {
		t.Errorf("best ask = %v @ %v, want 0.5 @ 50100", ask.Size, ask.Price)
	}
}

func TestSnapshotSkipsZeroSizeLevels(t *testing.T) {
	t.Parallel()
	b := newTestBook()

	b.ApplySnapshot(&types.BookUpdate{
		Bids: []types.PriceLevel{lvl("100", "0"), lvl("99", "1")},
		Asks: []types.PriceLevel{lvl("101", "1")},
	}, now, now)

	bid, _, ok := b.TopOfBook()
	if !ok {
		t.Fatal("TopOfBook not ok")
	}
	if !bid.Price.Equal(d("99")) {
		t.Errorf("best bid = %v, want 99 (zero-size level skipped)", bid.Price)
	}
}

func TestDeleteAllReturnsToBuilding(t *testing.T) {
	t.Parallel()
	b := newTestBook()

	b.ApplySnapshot(&types.BookUpdate{
		Bids: []types.PriceLevel{lvl("100", "1")},
		Asks: []types.PriceLevel{lvl("101", "1")},
	}, now, now)

	if err := b.ApplyDelta(&types.BookUpdate{
		Bids: []types.PriceLevel{lvl("100", "0")},
		Asks: []types.PriceLevel{lvl("101", "0")},
	}, now, now); err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}

	if b.State() != StateBuilding {
		t.Errorf("state = %v, want BUILDING after both sides emptied", b.State())
	}
	if _, ok := b.Emit(); ok {
		t.Error("empty book must not emit")
	}

	// Repopulating both sides returns to READY and emits again.
	if err := b.ApplyDelta(&types.BookUpdate{
		Bids: []types.PriceLevel{lvl("99", "2")},
		Asks: []types.PriceLevel{lvl("102", "2")},
	}, now, now); err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	if _, ok := b.Emit(); !ok {
		t.Error("repopulated book should emit")
	}
}

func TestCrossedDeltaRolledBack(t *testing.T) {
	t.Parallel()
	b := newTestBook()

	b.ApplySnapshot(&types.BookUpdate{
		Bids:    []types.PriceLevel{lvl("100", "1")},
		Asks:    []types.PriceLevel{lvl("101", "1")},
		Version: 1,
	}, now, now)

	err := b.ApplyDelta(&types.BookUpdate{
		Bids:    []types.PriceLevel{lvl("102", "1")}, // would cross the 101 ask
		Version: 2,
	}, now, now)
	if err != ErrCrossed {
		t.Fatalf("ApplyDelta = %v, want ErrCrossed", err)
	}

	// Book keeps its previous contents and version.
	bid, _, ok := b.TopOfBook()
	if !ok || !bid.Price.Equal(d("100")) {
		t.Errorf("best bid after rollback = %v, want 100", bid.Price)
	}
	if b.Version() != 1 {
		t.Errorf("version after rollback = %d, want 1", b.Version())
	}
}

func TestTolerantFirstDeltaBuildsBook(t *testing.T) {
	t.Parallel()
	b := newTestBook()

	// One-sided first delta: BUILDING, no emission.
	if err := b.ApplyDelta(&types.BookUpdate{
		Bids: []types.PriceLevel{lvl("100", "1")},
	}, now, now); err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	if b.State() != StateBuilding {
		t.Errorf("state = %v, want BUILDING", b.State())
	}
	if _, ok := b.Emit(); ok {
		t.Error("one-sided book must not emit")
	}

	// Other side arrives: READY.
	if err := b.ApplyDelta(&types.BookUpdate{
		Asks: []types.PriceLevel{lvl("101", "1")},
	}, now, now); err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	if b.State() != StateReady {
		t.Errorf("state = %v, want READY", b.State())
	}
}

func TestEmitReturnsCopy(t *testing.T) {
	t.Parallel()
	b := newTestBook()

	b.ApplySnapshot(&types.BookUpdate{
		Bids: []types.PriceLevel{lvl("100", "1")},
		Asks: []types.PriceLevel{lvl("101", "1")},
	}, now, now)

	out, ok := b.Emit()
	if !ok {
		t.Fatal("Emit not ok")
	}
	out.Bids[0].Size = d("999") // mutating the copy must not touch the engine book

	bid, _, _ := b.TopOfBook()
	if !bid.Size.Equal(d("1")) {
		t.Error("mutating an emitted copy leaked into engine state")
	}
}

func TestLevelOrdering(t *testing.T) {
	t.Parallel()
	b := newTestBook()

	b.ApplySnapshot(&types.BookUpdate{
		Bids: []types.PriceLevel{lvl("99", "1"), lvl("101", "1"), lvl("100", "1")},
		Asks: []types.PriceLevel{lvl("104", "1"), lvl("102", "1"), lvl("103", "1")},
	}, now, now)

	out, _ := b.Emit()
	for i := 1; i < len(out.Bids); i++ {
		if !out.Bids[i].Price.LessThan(out.Bids[i-1].Price) {
			t.Fatalf("bids not descending: %v", out.Bids)
		}
	}
	for i := 1; i < len(out.Asks); i++ {
		if !out.Asks[i].Price.GreaterThan(out.Asks[i-1].Price) {
			t.Fatalf("asks not ascending: %v", out.Asks)
		}
	}
}
