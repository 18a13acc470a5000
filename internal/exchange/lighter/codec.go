// Package lighter implements the JSON-RPC-ish batch venue dialect:
// market indexes in channel names, single-letter compact keys on private
// order events, integer-scaled prices, numeric coin ids, and the
// sendtxbatch round-trip for signed transactions.
package lighter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"crossarb/internal/exchange"
	"crossarb/pkg/types"
)

// VenueName is the registry key for this venue.
const VenueName types.Venue = "lighter"

// fundingIntervalHours is the venue's native funding period (hourly);
// rates are scaled ×8 at decode time.
const fundingIntervalHours = 1

// coinNames is the venue's fixed numeric coin-id table.
var coinNames = map[int64]string{
	1000: "USDC",
	1001: "USDT",
}

// Codec translates the venue's frames. The market table is guarded
// because REST metadata loading and the read loop race.
type Codec struct {
	logger       *slog.Logger
	accountIndex int64

	mu           sync.RWMutex
	byIndex      map[string]types.ContractInfo // market index → info
	byCanon      map[types.Symbol]types.ContractInfo
	unknownIDs   int64
	unknownCoins map[int64]bool // warn once per unknown coin id
}

// NewCodec creates the codec. accountIndex scopes the private channel.
func NewCodec(accountIndex int64, logger *slog.Logger) *Codec {
	return &Codec{
		logger:       logger.With("component", "codec", "venue", VenueName),
		accountIndex: accountIndex,
		byIndex:      make(map[string]types.ContractInfo),
		byCanon:      make(map[types.Symbol]types.ContractInfo),
		unknownCoins: make(map[int64]bool),
	}
}

func (c *Codec) Venue() types.Venue { return VenueName }

func (c *Codec) Private(kind types.ChannelKind) bool {
	return kind == types.ChannelAccount
}

// Supports reports everything except a standalone metadata channel; the
// market table comes from REST.
func (c *Codec) Supports(kind types.ChannelKind) bool {
	switch kind {
	case types.ChannelTicker, types.ChannelOrderBook, types.ChannelTrades, types.ChannelAccount:
		return true
	}
	return false
}

// SetMarkets replaces the market table (REST metadata load).
func (c *Codec) SetMarkets(markets []types.ContractInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byIndex = make(map[string]types.ContractInfo, len(markets))
	c.byCanon = make(map[types.Symbol]types.ContractInfo, len(markets))
	for _, m := range markets {
		c.byIndex[m.ContractID] = m
		c.byCanon[m.Canonical] = m
	}
}

func (c *Codec) marketByIndex(idx string) (types.ContractInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.byIndex[idx]
	return m, ok
}

func (c *Codec) marketBySymbol(sym types.Symbol) (types.ContractInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.byCanon[sym]
	return m, ok
}

func (c *Codec) channelName(ch exchange.Channel) (string, error) {
	switch ch.Kind {
	case types.ChannelAccount:
		return "account_all/" + strconv.FormatInt(c.accountIndex, 10), nil
	case types.ChannelTicker, types.ChannelOrderBook, types.ChannelTrades:
		m, ok := c.marketBySymbol(ch.Symbol)
		if !ok {
			return "", fmt.Errorf("no market for %s", ch.Symbol)
		}
		switch ch.Kind {
		case types.ChannelTicker:
			return "market_stats/" + m.ContractID, nil
		case types.ChannelTrades:
			return "trade/" + m.ContractID, nil
		default:
			return "order_book/" + m.ContractID, nil
		}
	}
	return "", fmt.Errorf("unsupported channel kind %s", ch.Kind)
}

type outFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Auth    string `json:"auth,omitempty"`
}

func (c *Codec) BuildSubscribe(ch exchange.Channel, authToken string) ([]byte, error) {
	name, err := c.channelName(ch)
	if err != nil {
		return nil, err
	}
	f := outFrame{Type: "subscribe", Channel: name}
	if c.Private(ch.Kind) {
		f.Auth = authToken
	}
	return json.Marshal(f)
}

func (c *Codec) BuildUnsubscribe(ch exchange.Channel, authToken string) ([]byte, error) {
	name, err := c.channelName(ch)
	if err != nil {
		return nil, err
	}
	f := outFrame{Type: "unsubscribe", Channel: name}
	if c.Private(ch.Kind) {
		f.Auth = authToken
	}
	return json.Marshal(f)
}

func (c *Codec) BuildPing() []byte { return []byte(`{"type":"ping"}`) }
func (c *Codec) BuildPong() []byte { return []byte(`{"type":"pong"}`) }

// BuildSendTxBatch wraps pre-signed transactions in the venue's batch
// envelope. txTypes and txInfos are parallel JSON-encoded arrays. A
// fresh request id is minted when the caller passes "", and the id in
// use is returned for response correlation.
func (c *Codec) BuildSendTxBatch(txTypes, txInfos string, requestID string) ([]byte, string, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	frame, err := json.Marshal(map[string]any{
		"type": "jsonapi/sendtxbatch",
		"data": map[string]any{
			"id":       requestID,
			"tx_types": txTypes,
			"tx_infos": txInfos,
		},
	})
	return frame, requestID, err
}

// Decode classifies one inbound frame.
func (c *Codec) Decode(raw []byte, receivedAt time.Time) (exchange.DecodeResult, error) {
	var res exchange.DecodeResult

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var frame map[string]any
	if err := dec.Decode(&frame); err != nil {
		return res, fmt.Errorf("decode frame: %w", err)
	}

	typ := exchange.StringField(frame, "type")
	switch {
	case typ == "ping":
		res.Class = exchange.FrameHeartbeat
		res.PongReply = c.BuildPong()
		return res, nil

	case typ == "pong":
		res.Class = exchange.FrameHeartbeat
		return res, nil

	case typ == "connected":
		res.Class = exchange.FrameAck
		return res, nil

	case strings.HasPrefix(typ, "subscribed"):
		res.Class = exchange.FrameAck
		// Order-book subscriptions ack with the full initial snapshot.
		channel := exchange.StringField(frame, "channel")
		if base, _ := exchange.ParseChannelName(channel); base == "order_book" {
			if ev, ok := c.bookEvent(channel, frame, receivedAt, true); ok {
				res.Events = append(res.Events, ev)
				res.Class = exchange.FrameBusiness
			}
		}
		return res, nil

	case strings.HasPrefix(typ, "update"):
		res.Class = exchange.FrameBusiness
		channel := exchange.StringField(frame, "channel")
		base, _ := exchange.ParseChannelName(channel)
		switch base {
		case "order_book":
			if ev, ok := c.bookEvent(channel, frame, receivedAt, false); ok {
				res.Events = append(res.Events, ev)
			}
		case "market_stats":
			if ev, ok := c.tickerEvent(channel, frame, receivedAt); ok {
				res.Events = append(res.Events, ev)
			}
		case "trade":
			res.Events = append(res.Events, c.tradeEvents(channel, frame, receivedAt)...)
		case "account_all":
			c.decodeAccount(frame, receivedAt, &res)
		}
		return res, nil

	case typ == "jsonapi/sendtxbatch" || frame["id"] != nil:
		// Batch response: echoes the request id, error object on failure.
		res.Class = exchange.FrameBusiness
		res.Tx = c.txResponse(frame, raw)
		if res.Tx != nil && res.Tx.Err != nil {
			res.Err = res.Tx.Err
		}
		return res, nil
	}

	return res, fmt.Errorf("unknown frame type %q", typ)
}

func (c *Codec) txResponse(frame map[string]any, raw []byte) *exchange.TxResponse {
	data, ok := frame["data"].(map[string]any)
	if !ok {
		data = frame
	}
	id := exchange.StringField(data, "id")
	if id == "" {
		id = exchange.StringField(frame, "id")
	}
	resp := &exchange.TxResponse{ID: id, Raw: json.RawMessage(append([]byte(nil), raw...))}
	if errObj, ok := frame["error"].(map[string]any); ok {
		resp.Err = &exchange.VenueError{
			Code:    exchange.StringField(errObj, "code"),
			Message: exchange.StringField(errObj, "message"),
		}
	}
	return resp
}

// resolve maps a channel's market index to its market. Unknown indexes
// drop the frame.
func (c *Codec) resolve(channel string) (types.ContractInfo, bool) {
	_, idx := exchange.ParseChannelName(channel)
	m, ok := c.marketByIndex(idx)
	if !ok {
		c.mu.Lock()
		c.unknownIDs++
		n := c.unknownIDs
		c.mu.Unlock()
		if n%100 == 1 {
			c.logger.Warn("frame for unknown market index", "channel", channel, "total", n)
		}
	}
	return m, ok
}

// UnknownMarketFrames reports frames dropped for lack of a market entry.
func (c *Codec) UnknownMarketFrames() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.unknownIDs
}

func (c *Codec) bookEvent(channel string, frame map[string]any, receivedAt time.Time, snapshot bool) (types.Event, bool) {
	m, ok := c.resolve(channel)
	if !ok {
		return types.Event{}, false
	}

	payload, ok := frame["order_book"].(map[string]any)
	if !ok {
		payload = frame
	}
	bids, _ := payload["bids"].([]any)
	asks, _ := payload["asks"].([]any)
	version := exchange.ToDecimal(fieldAny(payload, "offset", "version")).IntPart()

	kind := types.EventBookDelta
	if snapshot {
		kind = types.EventBookSnapshot
	}
	return types.Event{
		Kind:   kind,
		Venue:  VenueName,
		Symbol: m.Canonical,
		Book: &types.BookUpdate{
			Bids:     exchange.ParseLevels(bids),
			Asks:     exchange.ParseLevels(asks),
			Version:  version,
			Snapshot: snapshot,
		},
		ExchangeTime: exchange.ParseTimestamp(fieldAny(payload, "timestamp", "ts")),
		ReceivedTime: receivedAt,
	}, true
}

func (c *Codec) tickerEvent(channel string, frame map[string]any, receivedAt time.Time) (types.Event, bool) {
	m, ok := c.resolve(channel)
	if !ok {
		return types.Event{}, false
	}
	payload, ok := frame["market_stats"].(map[string]any)
	if !ok {
		payload = frame
	}

	t := &types.Ticker{
		Venue:        VenueName,
		Symbol:       m.Canonical,
		Last:         exchange.DecimalField(payload, "last_trade_price", "last"),
		Bid:          exchange.DecimalField(payload, "best_bid", "bid"),
		Ask:          exchange.DecimalField(payload, "best_ask", "ask"),
		BidSize:      exchange.DecimalField(payload, "best_bid_size", "bid_size"),
		AskSize:      exchange.DecimalField(payload, "best_ask_size", "ask_size"),
		FundingRate:  exchange.NormalizeFundingRate(exchange.DecimalField(payload, "current_funding_rate", "funding_rate"), fundingIntervalHours),
		MarkPrice:    exchange.DecimalField(payload, "mark_price"),
		IndexPrice:   exchange.DecimalField(payload, "index_price"),
		OpenInterest: exchange.DecimalField(payload, "open_interest"),
		Volume24h:    exchange.DecimalField(payload, "daily_quote_token_volume", "volume_24h"),
		ExchangeTime: exchange.ParseTimestamp(fieldAny(payload, "timestamp", "ts")),
		ReceivedTime: receivedAt,
	}
	return types.Event{
		Kind:         types.EventTicker,
		Venue:        VenueName,
		Symbol:       m.Canonical,
		Ticker:       t,
		ExchangeTime: t.ExchangeTime,
		ReceivedTime: receivedAt,
	}, true
}

func (c *Codec) tradeEvents(channel string, frame map[string]any, receivedAt time.Time) []types.Event {
	m, ok := c.resolve(channel)
	if !ok {
		return nil
	}
	rawList, ok := frame["trades"].([]any)
	if !ok {
		return nil
	}

	var out []types.Event
	for _, entry := range rawList {
		tm, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		side := types.BUY
		if exchange.StringField(tm, "is_maker_ask") == "true" {
			side = types.SELL
		}
		tr := &types.Trade{
			Venue:        VenueName,
			Symbol:       m.Canonical,
			ID:           exchange.StringField(tm, "trade_id", "id"),
			Price:        exchange.DecimalField(tm, "price"),
			Size:         exchange.DecimalField(tm, "size"),
			Side:         side,
			ExchangeTime: exchange.ParseTimestamp(fieldAny(tm, "timestamp", "ts")),
			ReceivedTime: receivedAt,
		}
		out = append(out, types.Event{
			Kind:         types.EventTrade,
			Venue:        VenueName,
			Symbol:       m.Canonical,
			Trade:        tr,
			ExchangeTime: tr.ExchangeTime,
			ReceivedTime: receivedAt,
		})
	}
	return out
}

// decodeAccount handles the private channel: compact-key orders grouped
// by market index, positions, and coin-id balances.
func (c *Codec) decodeAccount(frame map[string]any, receivedAt time.Time, res *exchange.DecodeResult) {
	if orders, ok := frame["orders"].(map[string]any); ok {
		for idx, list := range orders {
			m, ok := c.marketByIndex(idx)
			if !ok {
				continue
			}
			entries, ok := list.([]any)
			if !ok {
				continue
			}
			for _, entry := range entries {
				om, ok := entry.(map[string]any)
				if !ok {
					continue
				}
				if ev, ok := c.compactOrderEvent(m, om, receivedAt); ok {
					res.Events = append(res.Events, ev)
				}
			}
		}
	}

	if positions, ok := frame["positions"].(map[string]any); ok {
		for idx, entry := range positions {
			m, ok := c.marketByIndex(idx)
			if !ok {
				continue
			}
			pm, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			if ev, ok := c.positionEvent(m, pm, receivedAt); ok {
				res.Events = append(res.Events, ev)
			}
		}
	}

	if coins, ok := frame["coins"].([]any); ok {
		res.Events = append(res.Events, c.balanceEvents(coins, receivedAt)...)
	}
}

// compactOrderEvent decodes the single-letter order schema. Prices and
// sizes arrive integer-scaled by the market's decimals.
func (c *Codec) compactOrderEvent(m types.ContractInfo, om map[string]any, receivedAt time.Time) (types.Event, bool) {
	orderID := exchange.StringField(om, "i")
	if orderID == "" {
		return types.Event{}, false
	}

	initial := exchange.ScaledDecimal(fieldAny(om, "is"), m.SizeDecimals)
	remaining := exchange.ScaledDecimal(fieldAny(om, "rs"), m.SizeDecimals)

	side := types.BUY
	if n := exchange.ToDecimal(fieldAny(om, "ia")); !n.IsZero() {
		side = types.SELL
	}

	stCode := exchange.StringField(om, "st")
	status, rawStatus := compactStatus(stCode)

	o := &types.Order{
		Venue:       VenueName,
		Symbol:      m.Canonical,
		ID:          orderID,
		ClientID:    exchange.StringField(om, "u"),
		Side:        side,
		Type:        types.OrderTypeLimit,
		Status:      status,
		RawStatus:   rawStatus,
		Amount:      initial,
		Price:       exchange.ScaledDecimal(fieldAny(om, "p"), m.PriceDecimals),
		Filled:      initial.Sub(remaining),
		Remaining:   remaining,
		UpdatedTime: exchange.ParseTimestamp(fieldAny(om, "ts", "timestamp")),
	}
	return types.Event{
		Kind:         types.EventOrder,
		Venue:        VenueName,
		Symbol:       m.Canonical,
		Order:        o,
		ReceivedTime: receivedAt,
	}, true
}

// compactStatus maps the numeric status codes onto normalized statuses
// while preserving the venue's own vocabulary in RawStatus.
func compactStatus(code string) (types.OrderStatus, string) {
	switch code {
	case "0":
		return types.OrderRejected, "failed"
	case "1":
		return types.OrderOpen, "pending"
	case "2":
		return types.OrderFilled, "executed"
	case "3":
		return types.OrderOpen, "pending-final"
	}
	return types.OrderUnknown, code
}

// positionEvent decodes one position. Size arrives unsigned with an
// explicit sign field.
func (c *Codec) positionEvent(m types.ContractInfo, pm map[string]any, receivedAt time.Time) (types.Event, bool) {
	size := exchange.DecimalField(pm, "position", "size").Abs()
	if sign := exchange.ToDecimal(fieldAny(pm, "sign")); sign.IsNegative() {
		size = size.Neg()
	}

	p := &types.Position{
		Venue:            VenueName,
		Symbol:           m.Canonical,
		Size:             size,
		EntryPrice:       exchange.DecimalField(pm, "avg_entry_price", "entry_price"),
		UnrealizedPnL:    exchange.DecimalField(pm, "unrealized_pnl"),
		RealizedPnL:      exchange.DecimalField(pm, "realized_pnl"),
		Leverage:         exchange.DecimalField(pm, "leverage"),
		MarginMode:       types.MarginCross,
		LiquidationPrice: exchange.DecimalField(pm, "liquidation_price"),
		UpdatedTime:      exchange.ParseTimestamp(fieldAny(pm, "ts", "timestamp")),
	}
	return types.Event{
		Kind:         types.EventPosition,
		Venue:        VenueName,
		Symbol:       m.Canonical,
		Position:     p,
		ReceivedTime: receivedAt,
	}, true
}

// balanceEvents decodes coin-id keyed balances. Unknown coin ids are
// skipped with a one-time warning; no synthetic currency names.
func (c *Codec) balanceEvents(coins []any, receivedAt time.Time) []types.Event {
	var out []types.Event
	for _, entry := range coins {
		cm, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		id := exchange.ToDecimal(fieldAny(cm, "coin_id", "coinId")).IntPart()
		name, known := coinNames[id]
		if !known {
			c.mu.Lock()
			warned := c.unknownCoins[id]
			c.unknownCoins[id] = true
			c.mu.Unlock()
			if !warned {
				c.logger.Warn("unknown coin id in balance frame", "coin_id", id)
			}
			continue
		}
		total := exchange.DecimalField(cm, "total", "balance")
		free := exchange.DecimalField(cm, "available", "free")
		b := &types.BalanceEntry{
			Venue:       VenueName,
			Currency:    name,
			Free:        free,
			Used:        total.Sub(free),
			Total:       total,
			UpdatedTime: exchange.ParseTimestamp(fieldAny(cm, "ts", "timestamp")),
		}
		out = append(out, types.Event{
			Kind:         types.EventBalance,
			Venue:        VenueName,
			Balance:      b,
			ReceivedTime: receivedAt,
		})
	}
	return out
}

func fieldAny(m map[string]any, keys ...string) any {
	v, _ := exchange.FirstField(m, keys...)
	return v
}

var _ exchange.Codec = (*Codec)(nil)
