// events.go defines the engine-agnostic event envelope the venue codecs
// emit. Every raw frame that survives parsing becomes one or more Events
// on its way into the fan-in pipeline.
package types

import "time"

// EventKind discriminates the Event union.
type EventKind string

const (
	EventMetadata     EventKind = "metadata"
	EventTicker       EventKind = "ticker"
	EventBookSnapshot EventKind = "book_snapshot"
	EventBookDelta    EventKind = "book_delta"
	EventTrade        EventKind = "trade"
	EventOrder        EventKind = "order"
	EventPosition     EventKind = "position"
	EventBalance      EventKind = "balance"
)

// BookUpdate carries the levels of a snapshot or delta. For snapshots the
// engine clears both sides first; for deltas a zero size deletes the
// price and a positive size upserts it.
type BookUpdate struct {
	Bids []PriceLevel
	Asks []PriceLevel

	// Version is the venue's counter for this update (endVersion /
	// offset / nonce), or 0 when the venue provides none — the book
	// engine then substitutes clamped receipt time.
	Version int64

	// Snapshot marks a full replacement. Some venues never send one; the
	// engine's tolerant mode treats the first delta as a partial snapshot.
	Snapshot bool
}

// Event is the sum type flowing from codecs into the pipeline. Exactly
// one payload pointer is non-nil, selected by Kind.
type Event struct {
	Kind   EventKind
	Venue  Venue
	Symbol Symbol

	ExchangeTime time.Time
	ReceivedTime time.Time

	Contracts []ContractInfo // EventMetadata
	Ticker    *Ticker        // EventTicker
	Book      *BookUpdate    // EventBookSnapshot / EventBookDelta
	Trade     *Trade         // EventTrade
	Order     *Order         // EventOrder
	Position  *Position      // EventPosition
	Balance   *BalanceEntry  // EventBalance
}
