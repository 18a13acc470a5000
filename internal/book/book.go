// Package book reconstructs incremental L2 order books per
// (venue, symbol) and derives top-of-book.
//
// Each book is a small state machine:
//
//	EMPTY → BUILDING   on the first snapshot (or first delta for venues
//	                   that never send snapshots — "tolerant" mode)
//	BUILDING → READY   once both sides have at least one level
//	READY → READY      on each applied delta that keeps the book sane
//	any side empty     → back to BUILDING; no downstream emission until
//	                   both sides repopulate
//
// Books hold sorted level slices (bids descending, asks ascending) keyed
// by decimal price. Emitted OrderBook values are copies; callers never
// see engine-owned state.
package book

import (
	"sort"
	"time"

	"crossarb/pkg/types"
)

// State is the book lifecycle state.
type State int

const (
	StateEmpty State = iota
	StateBuilding
	StateReady
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "EMPTY"
	case StateBuilding:
		return "BUILDING"
	case StateReady:
		return "READY"
	}
	return "UNKNOWN"
}

// Book is one venue's order book for one symbol. Not safe for concurrent
// use; the engine owns it behind its own lock.
type Book struct {
	venue  types.Venue
	symbol types.Symbol

	bids []types.PriceLevel // descending by price
	asks []types.PriceLevel // ascending by price

	version      int64
	exchangeTime time.Time
	receivedTime time.Time

	state State
}

// NewBook creates an empty book.
func NewBook(venue types.Venue, symbol types.Symbol) *Book {
	return &Book{venue: venue, symbol: symbol, state: StateEmpty}
}

// State returns the current lifecycle state.
func (b *Book) State() State { return b.state }

// Version returns the last applied version.
func (b *Book) Version() int64 { return b.version }

// ApplySnapshot replaces both sides. Levels with non-positive size are
// skipped rather than inserted.
func (b *Book) ApplySnapshot(u *types.BookUpdate, exchangeTime, receivedTime time.Time) {
	b.bids = b.bids[:0]
	b.asks = b.asks[:0]
	for _, lvl := range u.Bids {
		if lvl.Size.IsPositive() {
			b.bids = append(b.bids, lvl)
		}
	}
	for _, lvl := range u.Asks {
		if lvl.Size.IsPositive() {
			b.asks = append(b.asks, lvl)
		}
	}
	sort.Slice(b.bids, func(i, j int) bool { return b.bids[i].Price.GreaterThan(b.bids[j].Price) })
	sort.Slice(b.asks, func(i, j int) bool { return b.asks[i].Price.LessThan(b.asks[j].Price) })

	b.version = u.Version
	b.exchangeTime = exchangeTime
	b.receivedTime = receivedTime
	b.refreshState()
}

// ApplyDelta applies incremental level changes: size zero deletes the
// price, positive size upserts it. If the resulting book would be crossed
// (best bid >= best ask) the delta is rolled back and ErrCrossed is
// returned; the book keeps its previous contents.
func (b *Book) ApplyDelta(u *types.BookUpdate, exchangeTime, receivedTime time.Time) error {
	// In tolerant mode a delta can arrive before any snapshot; it then
	// acts as a partial snapshot and the book stays in BUILDING until
	// both sides exist.
	backupBids := append([]types.PriceLevel(nil), b.bids...)
	backupAsks := append([]types.PriceLevel(nil), b.asks...)

	for _, lvl := range u.Bids {
		b.bids = upsertDesc(b.bids, lvl)
	}
	for _, lvl := range u.Asks {
		b.asks = upsertAsc(b.asks, lvl)
	}

	if b.crossed() {
		b.bids = backupBids
		b.asks = backupAsks
		return ErrCrossed
	}

	b.version = u.Version
	b.exchangeTime = exchangeTime
	b.receivedTime = receivedTime
	b.refreshState()
	return nil
}

// Clear empties both sides and returns the book to EMPTY. Used when a
// session reconnects and reconstruction must restart from fresh
// snapshots.
func (b *Book) Clear() {
	b.bids = nil
	b.asks = nil
	b.version = 0
	b.state = StateEmpty
}

// TopOfBook returns the best bid and ask. ok is false unless the book is
// READY.
func (b *Book) TopOfBook() (bid, ask types.PriceLevel, ok bool) {
	if b.state != StateReady {
		return types.PriceLevel{}, types.PriceLevel{}, false
	}
	return b.bids[0], b.asks[0], true
}

// Emit builds an immutable copy for downstream consumers. ok is false
// unless the book is READY (both sides non-empty).
func (b *Book) Emit() (*types.OrderBook, bool) {
	if b.state != StateReady {
		return nil, false
	}
	out := &types.OrderBook{
		Venue:        b.venue,
		Symbol:       b.symbol,
		Bids:         append([]types.PriceLevel(nil), b.bids...),
		Asks:         append([]types.PriceLevel(nil), b.asks...),
		Version:      b.version,
		ExchangeTime: b.exchangeTime,
		ReceivedTime: b.receivedTime,
	}
	return out, true
}

func (b *Book) refreshState() {
	if len(b.bids) > 0 && len(b.asks) > 0 {
		b.state = StateReady
	} else if len(b.bids) > 0 || len(b.asks) > 0 || b.state != StateEmpty {
		b.state = StateBuilding
	}
}

func (b *Book) crossed() bool {
	if len(b.bids) == 0 || len(b.asks) == 0 {
		return false
	}
	return b.bids[0].Price.GreaterThanOrEqual(b.asks[0].Price)
}

// upsertDesc inserts/updates/deletes a level in a price-descending slice.
func upsertDesc(levels []types.PriceLevel, lvl types.PriceLevel) []types.PriceLevel {
	i := sort.Search(len(levels), func(i int) bool {
		return levels[i].Price.LessThanOrEqual(lvl.Price)
	})
	return spliceLevel(levels, lvl, i)
}

// upsertAsc inserts/updates/deletes a level in a price-ascending slice.
func upsertAsc(levels []types.PriceLevel, lvl types.PriceLevel) []types.PriceLevel {
	i := sort.Search(len(levels), func(i int) bool {
		return levels[i].Price.GreaterThanOrEqual(lvl.Price)
	})
	return spliceLevel(levels, lvl, i)
}

func spliceLevel(levels []types.PriceLevel, lvl types.PriceLevel, i int) []types.PriceLevel {
	exists := i < len(levels) && levels[i].Price.Equal(lvl.Price)
	switch {
	case lvl.Size.IsPositive() && exists:
		levels[i].Size = lvl.Size
	case lvl.Size.IsPositive():
		levels = append(levels, types.PriceLevel{})
		copy(levels[i+1:], levels[i:])
		levels[i] = lvl
	case exists: // size <= 0 deletes
		levels = append(levels[:i], levels[i+1:]...)
	}
	return levels
}
