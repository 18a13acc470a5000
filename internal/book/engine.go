// engine.go owns the per-(venue, symbol) book map, enforces version
// monotonicity, counts anomalies, and requests channel resyncs when a
// book is persistently malformed.
package book

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"crossarb/pkg/types"
)

// ErrCrossed marks a delta whose application would leave
// best bid >= best ask. The update is dropped.
var ErrCrossed = errors.New("crossed book")

// consecutiveFailureLimit triggers a forced resync: after this many
// dropped updates in a row the engine asks the session to unsubscribe
// and resubscribe the channel.
const consecutiveFailureLimit = 3

// ResyncFunc is invoked (outside the engine lock) when a channel needs a
// forced resubscribe.
type ResyncFunc func(venue types.Venue, symbol types.Symbol)

type bookKey struct {
	venue  types.Venue
	symbol types.Symbol
}

type bookSlot struct {
	book *Book
	// consecutiveBad counts integrity drops since the last good update.
	consecutiveBad int
	// strict is true for venues that send snapshots: a delta arriving
	// before any snapshot is an anomaly there. Venues without snapshots
	// run tolerant and build from the first delta.
	strict bool
	// synthetic is set while the stream carries no version counter and
	// ordering falls back to receipt time. It flips off as soon as a
	// real counter shows up, and the stream rebases onto it instead of
	// treating the small counter as a regression.
	synthetic bool
}

// Stats are the engine's anomaly counters, exposed for observability.
type Stats struct {
	DroppedOutOfOrder int64
	DroppedCrossed    int64
	DroppedNoSnapshot int64
	ResyncsRequested  int64
}

// Engine applies snapshot/delta events and yields emitted book copies.
// Safe for concurrent use.
type Engine struct {
	logger *slog.Logger
	resync ResyncFunc

	mu    sync.Mutex
	books map[bookKey]*bookSlot
	stats Stats
}

// NewEngine creates a book engine. resync may be nil if no session
// supports forced resubscribes.
func NewEngine(logger *slog.Logger, resync ResyncFunc) *Engine {
	return &Engine{
		logger: logger.With("component", "book_engine"),
		resync: resync,
		books:  make(map[bookKey]*bookSlot),
	}
}

// SetStrict declares whether the venue sends snapshots. Strict venues
// drop deltas that arrive before the first snapshot; tolerant venues
// treat the first delta as a partial snapshot.
func (e *Engine) SetStrict(venue types.Venue, symbol types.Symbol, strict bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.slotLocked(venue, symbol).strict = strict
}

// Apply processes a book event. The returned OrderBook is an immutable
// copy and ok is true only when the book is READY after this update;
// callers forward it downstream. Dropped updates return (nil, false).
func (e *Engine) Apply(ev types.Event) (*types.OrderBook, bool) {
	if ev.Book == nil {
		return nil, false
	}
	receivedTime := ev.ReceivedTime
	if receivedTime.IsZero() {
		receivedTime = time.Now()
	}

	e.mu.Lock()
	slot := e.slotLocked(ev.Venue, ev.Symbol)
	b := slot.book

	version := ev.Book.Version
	rebase := false
	if version == 0 {
		if slot.synthetic || b.Version() == 0 {
			// Versionless stream: order by receipt time, clamped monotonic.
			slot.synthetic = true
			version = receivedTime.UnixNano()
			if version < b.Version() {
				version = b.Version()
			}
		} else {
			// Occasional missing counter on a versioned stream: carry the
			// last version forward instead of inventing one.
			version = b.Version()
		}
	} else if slot.synthetic {
		// A real counter appeared (e.g. a versionless subscribe ack
		// followed by versioned deltas): leave receipt-time mode and
		// rebase on the venue's counter.
		slot.synthetic = false
		rebase = true
	}
	if !rebase && version < b.Version() {
		slot.consecutiveBad++
		e.stats.DroppedOutOfOrder++
		needResync := e.checkResyncLocked(slot, ev, "version regression")
		e.mu.Unlock()
		if needResync {
			e.requestResync(ev.Venue, ev.Symbol)
		}
		return nil, false
	}

	isSnapshot := ev.Kind == types.EventBookSnapshot || ev.Book.Snapshot
	if !isSnapshot && slot.strict && b.State() == StateEmpty {
		slot.consecutiveBad++
		e.stats.DroppedNoSnapshot++
		needResync := e.checkResyncLocked(slot, ev, "delta before snapshot")
		e.mu.Unlock()
		if needResync {
			e.requestResync(ev.Venue, ev.Symbol)
		}
		return nil, false
	}

	update := *ev.Book
	update.Version = version

	if isSnapshot {
		b.ApplySnapshot(&update, ev.ExchangeTime, receivedTime)
	} else if err := b.ApplyDelta(&update, ev.ExchangeTime, receivedTime); err != nil {
		slot.consecutiveBad++
		e.stats.DroppedCrossed++
		needResync := e.checkResyncLocked(slot, ev, "crossed book")
		e.mu.Unlock()
		if needResync {
			e.requestResync(ev.Venue, ev.Symbol)
		}
		return nil, false
	}

	slot.consecutiveBad = 0
	out, ready := b.Emit()
	e.mu.Unlock()
	return out, ready
}

// TopOfBook returns the current best bid/ask for a (venue, symbol), or
// ok=false while the book is not READY.
func (e *Engine) TopOfBook(venue types.Venue, symbol types.Symbol) (bid, ask types.PriceLevel, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	slot, exists := e.books[bookKey{venue, symbol}]
	if !exists {
		return types.PriceLevel{}, types.PriceLevel{}, false
	}
	return slot.book.TopOfBook()
}

// ResetVenue clears every book belonging to a venue. Called on session
// reconnect so reconstruction restarts from fresh snapshots.
func (e *Engine) ResetVenue(venue types.Venue) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, slot := range e.books {
		if key.venue == venue {
			slot.book.Clear()
			slot.consecutiveBad = 0
			slot.synthetic = false
		}
	}
}

// DropVenue removes every book belonging to a venue. Called when the
// session is destroyed.
func (e *Engine) DropVenue(venue types.Venue) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key := range e.books {
		if key.venue == venue {
			delete(e.books, key)
		}
	}
}

// Snapshot returns a copy of the anomaly counters.
func (e *Engine) Snapshot() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *Engine) slotLocked(venue types.Venue, symbol types.Symbol) *bookSlot {
	key := bookKey{venue, symbol}
	slot, ok := e.books[key]
	if !ok {
		slot = &bookSlot{book: NewBook(venue, symbol), strict: true}
		e.books[key] = slot
	}
	return slot
}

// checkResyncLocked decides whether the failure streak warrants a forced
// resubscribe. It resets the streak and the book when it fires so the
// next snapshot starts clean.
func (e *Engine) checkResyncLocked(slot *bookSlot, ev types.Event, reason string) bool {
	e.logger.Debug("book update dropped",
		"venue", ev.Venue,
		"symbol", ev.Symbol,
		"reason", reason,
		"streak", slot.consecutiveBad,
	)
	if slot.consecutiveBad <= consecutiveFailureLimit {
		return false
	}
	slot.consecutiveBad = 0
	slot.synthetic = false
	slot.book.Clear()
	e.stats.ResyncsRequested++
	return true
}

func (e *Engine) requestResync(venue types.Venue, symbol types.Symbol) {
	e.logger.Warn("persistent book integrity failures, forcing resync",
		"venue", venue, "symbol", symbol)
	if e.resync != nil {
		e.resync(venue, symbol)
	}
}
