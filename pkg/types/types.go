// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the collector — venue and
// symbol identifiers, normalized market data (tickers, order books),
// private account state (orders, positions, balances), and the event
// envelope the codecs emit. It has no dependencies on internal packages,
// so it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core identifiers and enums
// ————————————————————————————————————————————————————————————————————————

// Venue identifies one exchange connection, e.g. "edgex" or "lighter".
type Venue string

// Symbol is the canonical instrument key: uppercase, hyphen-delimited
// BASE-QUOTE-KIND, e.g. "BTC-USDC-PERP". All internal maps are keyed by
// this form; translation to venue-native strings lives in the registry.
type Symbol string

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderType enumerates the supported order kinds.
type OrderType string

const (
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeStopLimit        OrderType = "STOP_LIMIT"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitLimit  OrderType = "TAKE_PROFIT_LIMIT"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// OrderStatus is the normalized order lifecycle state. The venue's raw
// status string is preserved alongside in Order.RawStatus.
type OrderStatus string

const (
	OrderPending  OrderStatus = "PENDING"
	OrderOpen     OrderStatus = "OPEN"
	OrderFilled   OrderStatus = "FILLED"
	OrderCanceled OrderStatus = "CANCELED"
	OrderRejected OrderStatus = "REJECTED"
	OrderExpired  OrderStatus = "EXPIRED"
	OrderUnknown  OrderStatus = "UNKNOWN"
)

// IsTerminal reports whether no further updates are expected for an
// order in this status. Terminal orders move to the short-TTL cache.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

// MarginMode is the position margining scheme.
type MarginMode string

const (
	MarginCross    MarginMode = "CROSS"
	MarginIsolated MarginMode = "ISOLATED"
)

// SessionStatus is the venue session connection state.
type SessionStatus string

const (
	SessionDisconnected  SessionStatus = "DISCONNECTED"
	SessionConnecting    SessionStatus = "CONNECTING"
	SessionConnected     SessionStatus = "CONNECTED"
	SessionAuthenticated SessionStatus = "AUTHENTICATED"
	SessionError         SessionStatus = "ERROR"
)

// ErrorKind classifies venue-reported business errors for the backoff
// controller.
type ErrorKind string

const (
	ErrInvalidNonce        ErrorKind = "INVALID_NONCE"
	ErrRateLimitGlobal     ErrorKind = "RATE_LIMIT_GLOBAL"
	ErrRateLimitPerAccount ErrorKind = "RATE_LIMIT_PER_ACCOUNT"
)

// ChannelKind names the four subscription channel families a venue may
// offer. Not every venue offers all four.
type ChannelKind string

const (
	ChannelMetadata  ChannelKind = "metadata"
	ChannelTicker    ChannelKind = "ticker"
	ChannelOrderBook ChannelKind = "orderbook"
	ChannelTrades    ChannelKind = "trades"
	ChannelAccount   ChannelKind = "account"
)

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// ContractInfo describes one perpetual contract as reported by a venue's
// metadata channel. The registry builds its translation tables from a
// full slice of these, and the codecs use PriceDecimals/SizeDecimals to
// scale compact integer encodings into decimals.
type ContractInfo struct {
	Canonical     Symbol // normalized BASE-QUOTE-PERP form
	Native        string // venue's own symbol string
	ContractID    string // venue-assigned id used in channel names; may be numeric
	BaseCurrency  string
	QuoteCurrency string

	PriceDecimals int32 // decimals for integer-scaled prices
	SizeDecimals  int32 // decimals for integer-scaled sizes
	TickSize      decimal.Decimal
	MinOrderSize  decimal.Decimal

	// FundingIntervalHours is the venue-native funding period. Codecs use
	// it to normalize rates to the 8-hour equivalent at ingestion.
	FundingIntervalHours int
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level. Decimal-valued so venue string
// and integer encodings survive round-trips without float drift.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Ticker is the normalized per-(venue, symbol) quote state.
// FundingRate is always the 8-hour equivalent regardless of the venue's
// native funding period.
type Ticker struct {
	Venue  Venue
	Symbol Symbol

	Last    decimal.Decimal
	Bid     decimal.Decimal
	Ask     decimal.Decimal
	BidSize decimal.Decimal
	AskSize decimal.Decimal

	FundingRate decimal.Decimal // 8-hour normalized
	MarkPrice   decimal.Decimal
	IndexPrice  decimal.Decimal

	OpenInterest decimal.Decimal
	Volume24h    decimal.Decimal

	ExchangeTime time.Time
	ReceivedTime time.Time
}

// OrderBook is an immutable emitted copy of a reconstructed book.
// Bids are sorted descending, asks ascending; both sides are non-empty
// and every level has Size > 0 (the engine does not emit otherwise).
type OrderBook struct {
	Venue  Venue
	Symbol Symbol

	Bids []PriceLevel // descending by price
	Asks []PriceLevel // ascending by price

	// Version is the venue's monotonic counter (endVersion / offset /
	// nonce). Venues without one get receipt-time nanos, clamped to stay
	// monotonic.
	Version int64

	ExchangeTime time.Time
	ReceivedTime time.Time
}

// BestBid returns the top bid level.
func (b *OrderBook) BestBid() PriceLevel { return b.Bids[0] }

// BestAsk returns the top ask level.
func (b *OrderBook) BestAsk() PriceLevel { return b.Asks[0] }

// Trade is a normalized public trade print.
type Trade struct {
	Venue  Venue
	Symbol Symbol

	ID    string
	Price decimal.Decimal
	Size  decimal.Decimal
	Side  Side // taker side

	ExchangeTime time.Time
	ReceivedTime time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Private account state
// ————————————————————————————————————————————————————————————————————————

// Order is the normalized order representation. Both the venue order id
// and the client-supplied id are usable as lookup keys.
type Order struct {
	Venue  Venue
	Symbol Symbol

	ID       string // venue order id (numeric order-index rendered as string)
	ClientID string // client-supplied id, "" if unknown

	Side   Side
	Type   OrderType
	Status OrderStatus
	// RawStatus preserves the venue's own status string for diagnostics.
	RawStatus string

	Amount    decimal.Decimal // original size
	Price     decimal.Decimal
	Filled    decimal.Decimal
	Remaining decimal.Decimal
	Average   decimal.Decimal // average fill price, zero if none

	ReduceOnly bool

	CreatedTime time.Time
	UpdatedTime time.Time
}

// Position is the normalized per-(venue, symbol) position. Size is
// signed: positive = long, negative = short. Venues that report
// magnitude and direction separately get the sign applied at parse time.
type Position struct {
	Venue  Venue
	Symbol Symbol

	Size          decimal.Decimal // signed, positive = long
	EntryPrice    decimal.Decimal
	UnrealizedPnL decimal.Decimal
	RealizedPnL   decimal.Decimal

	Leverage         decimal.Decimal
	MarginMode       MarginMode
	LiquidationPrice decimal.Decimal

	UpdatedTime time.Time
}

// Flat reports whether the position has zero size. Flat positions are
// evicted from the session cache.
func (p *Position) Flat() bool { return p.Size.IsZero() }

// BalanceEntry is the normalized per-(venue, currency) balance.
// Total reflects account equity, i.e. includes unrealized PnL where the
// venue exposes it.
type BalanceEntry struct {
	Venue    Venue
	Currency string

	Free     decimal.Decimal
	Used     decimal.Decimal
	Total    decimal.Decimal
	USDValue decimal.Decimal

	UpdatedTime time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Health
// ————————————————————————————————————————————————————————————————————————

// HealthSnapshot is the per-venue health record the status server
// exposes. Nothing in the core terminates the process; persistent
// failures surface here instead.
type HealthSnapshot struct {
	Venue          Venue         `json:"venue"`
	Status         SessionStatus `json:"status"`
	Subscriptions  []string      `json:"subscriptions"`
	ReconnectCount int64         `json:"reconnect_count"`
	BytesReceived  int64         `json:"bytes_received"`
	BytesSent      int64         `json:"bytes_sent"`
	// LastBusinessAgo is seconds since the last business message
	// (pings and subscription acks excluded).
	LastBusinessAgo float64 `json:"last_business_message_ago_seconds"`
}
