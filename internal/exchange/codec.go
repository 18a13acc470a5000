// Package exchange implements the per-venue WebSocket session manager:
// connection lifecycle, heartbeat and silence detection, reconnection
// with subscription replay, private-channel authentication, and the
// session-owned account caches.
//
// Venue peculiarities live behind the Codec interface; one codec per
// venue translates raw frames into the engine-agnostic events defined in
// pkg/types. The session itself is venue-neutral.
package exchange

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/pkg/types"
)

// Channel identifies one subscription: a channel kind plus the symbol it
// covers ("" for account-wide channels such as private updates or
// metadata).
type Channel struct {
	Kind   types.ChannelKind
	Symbol types.Symbol
}

// String renders the channel for logs and the health snapshot.
func (c Channel) String() string {
	if c.Symbol == "" {
		return string(c.Kind)
	}
	return string(c.Kind) + ":" + string(c.Symbol)
}

// FrameClass tells the session how a decoded frame affects silence
// tracking. Heartbeats and acks never update the business-message clock.
type FrameClass int

const (
	FrameBusiness FrameClass = iota
	FrameHeartbeat
	FrameAck
	FrameIgnored
)

// VenueError is a business error reported inside a frame, routed to the
// backoff controller.
type VenueError struct {
	Code    string
	Message string
}

// TxResponse correlates a Family B request/response round-trip by id.
type TxResponse struct {
	ID  string
	Raw json.RawMessage
	Err *VenueError
}

// DecodeResult is everything one inbound frame yields.
type DecodeResult struct {
	Events []types.Event
	Class  FrameClass

	// PongReply, when non-nil, is written back immediately (server ping).
	PongReply []byte

	// Err is set for frames carrying a venue business error.
	Err *VenueError

	// Tx is set for frames answering a SendTxBatch request.
	Tx *TxResponse
}

// Codec is the per-venue frame translator. Implementations are owned by
// exactly one session and are not required to be concurrency-safe except
// where noted.
type Codec interface {
	Venue() types.Venue

	// Private reports whether the channel kind rides the private socket.
	Private(kind types.ChannelKind) bool

	// Supports reports whether the venue offers the channel kind at all.
	// Absent channels are recorded as unavailable, not errors.
	Supports(kind types.ChannelKind) bool

	// BuildSubscribe/BuildUnsubscribe produce the wire frames for a
	// channel. authToken is "" on public channels.
	BuildSubscribe(ch Channel, authToken string) ([]byte, error)
	BuildUnsubscribe(ch Channel, authToken string) ([]byte, error)

	// BuildPing is the application-layer ping/pong frame pair.
	BuildPing() []byte
	BuildPong() []byte

	// Decode parses one inbound frame. Implementations must never panic
	// on malformed input; they return an error and the session logs a
	// bounded payload preview.
	Decode(raw []byte, receivedAt time.Time) (DecodeResult, error)
}

// AuthProvider mints credentials for the private socket. Sessions call
// Token on every reconnect; providers whose tokens are short-lived must
// mint a fresh one each time rather than caching across reconnects.
type AuthProvider interface {
	Token(deadline time.Time) (string, error)
}

// ————————————————————————————————————————————————————————————————————————
// Shared parse helpers used by both venue codecs
// ————————————————————————————————————————————————————————————————————————

// ParseTimestamp converts a venue timestamp of unknown precision into a
// time.Time. Precision (seconds, milliseconds, microseconds, nanoseconds)
// is detected from magnitude; string and numeric encodings are accepted.
// Zero/unparseable values return the zero time.
func ParseTimestamp(v any) time.Time {
	var n float64
	switch t := v.(type) {
	case nil:
		return time.Time{}
	case float64:
		n = t
	case int64:
		n = float64(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}
		}
		n = f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return time.Time{}
		}
		n = f
	default:
		return time.Time{}
	}
	if n <= 0 {
		return time.Time{}
	}

	switch {
	case n < 1e11: // seconds until year ~5138
		sec, frac := math.Modf(n)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC()
	case n < 1e14: // milliseconds
		return time.UnixMilli(int64(n)).UTC()
	case n < 1e17: // microseconds
		return time.UnixMicro(int64(n)).UTC()
	default: // nanoseconds
		return time.Unix(0, int64(n)).UTC()
	}
}

// NormalizeFundingRate scales a venue-native funding rate to the 8-hour
// equivalent (×2 from 4 h, ×8 from 1 h). Interval <= 0 passes through
// unchanged.
func NormalizeFundingRate(rate decimal.Decimal, intervalHours int) decimal.Decimal {
	if intervalHours <= 0 || intervalHours == 8 {
		return rate
	}
	return rate.Mul(decimal.NewFromInt(8)).Div(decimal.NewFromInt(int64(intervalHours)))
}

// ParseChannelName splits a venue channel string into its base name and
// first parameter, accepting the separators observed in the wild:
// "order_book:10001", "order_book/10001", "depth.10001.15",
// "ticker.10001".
func ParseChannelName(name string) (base, param string) {
	for _, sep := range []string{":", "/", "."} {
		if i := strings.Index(name, sep); i >= 0 {
			rest := name[i+1:]
			// depth.<id>.<depth>: the id is the first segment only.
			if j := strings.Index(rest, sep); j >= 0 {
				rest = rest[:j]
			}
			return name[:i], rest
		}
	}
	return name, ""
}

// OrderIDKind discriminates venue-assigned ids from client-supplied ids.
type OrderIDKind int

const (
	VenueOrderID OrderIDKind = iota
	ClientOrderID
)

// ResolveOrderIdentifier applies the id heuristic at the session edge: a
// purely-numeric 13-character id is a client-supplied timestamp id,
// anything else is a venue order id. Cancel paths take an explicit kind
// instead of re-running this heuristic.
func ResolveOrderIdentifier(id string) OrderIDKind {
	if len(id) != 13 {
		return VenueOrderID
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return VenueOrderID
		}
	}
	return ClientOrderID
}

// FirstField probes a decoded JSON object for the first present key.
// Venues spell the same concept several ways (last/lastPrice/
// last_trade_price); codecs list the aliases most-specific first.
func FirstField(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// DecimalField reads the first present alias as a decimal. Missing or
// unparseable values return zero.
func DecimalField(m map[string]any, keys ...string) decimal.Decimal {
	v, ok := FirstField(m, keys...)
	if !ok {
		return decimal.Zero
	}
	return ToDecimal(v)
}

// StringField reads the first present alias as a string. Numbers are
// rendered without exponent notation.
func StringField(m map[string]any, keys ...string) string {
	v, ok := FirstField(m, keys...)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	}
	return fmt.Sprintf("%v", v)
}

// ToDecimal converts a JSON scalar into a decimal. Unparseable input
// yields zero — semantic errors surface as absent values, never
// placeholders.
func ToDecimal(v any) decimal.Decimal {
	switch t := v.(type) {
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(t))
		if err != nil {
			return decimal.Zero
		}
		return d
	case float64:
		return decimal.NewFromFloat(t)
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		if err != nil {
			return decimal.Zero
		}
		return d
	case int64:
		return decimal.NewFromInt(t)
	}
	return decimal.Zero
}

// ScaledDecimal decodes an integer-scaled value (price × 10^decimals)
// into its decimal form. Used for compact-field schemas.
func ScaledDecimal(v any, decimals int32) decimal.Decimal {
	return ToDecimal(v).Shift(-decimals)
}

// ParseLevels accepts both level representations venues use — array
// [price, size] and object {price, size} (with the usual aliases) — and
// returns decimal levels. Malformed entries are skipped.
func ParseLevels(raw []any) []types.PriceLevel {
	out := make([]types.PriceLevel, 0, len(raw))
	for _, entry := range raw {
		switch lvl := entry.(type) {
		case []any:
			if len(lvl) < 2 {
				continue
			}
			out = append(out, types.PriceLevel{Price: ToDecimal(lvl[0]), Size: ToDecimal(lvl[1])})
		case map[string]any:
			price := DecimalField(lvl, "price", "p")
			size := DecimalField(lvl, "size", "qty", "quantity", "s")
			if price.IsZero() && size.IsZero() {
				continue
			}
			out = append(out, types.PriceLevel{Price: price, Size: size})
		}
	}
	return out
}

// PayloadPreview truncates a raw frame for log lines. Parse errors are
// logged with at most 500 characters of payload.
func PayloadPreview(raw []byte) string {
	const limit = 500
	if len(raw) <= limit {
		return string(raw)
	}
	return string(raw[:limit]) + "…"
}
