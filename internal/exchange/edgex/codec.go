// Package edgex implements the channel/topic JSON venue dialect: typed
// frames ("connected", "subscribed", "update/<channel>", "quote-event",
// "trade-event") with contract ids in channel names and 4-hour native
// funding.
package edgex

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"crossarb/internal/exchange"
	"crossarb/pkg/types"
)

// VenueName is the registry key for this venue.
const VenueName types.Venue = "edgex"

// fundingIntervalHours is the venue's native funding period; rates are
// scaled to the 8-hour equivalent at decode time.
const fundingIntervalHours = 4

// Codec translates the venue's frames into normalized events. Owned by
// one session; the contract table is guarded because REST metadata
// loading and the read loop race.
type Codec struct {
	logger *slog.Logger

	mu         sync.RWMutex
	byID       map[string]types.ContractInfo // contract id → info
	byCanon    map[types.Symbol]types.ContractInfo
	unknownIDs int64
}

// NewCodec creates the codec with an empty contract table. The table
// fills from REST metadata at startup and from metadata frames after.
func NewCodec(logger *slog.Logger) *Codec {
	return &Codec{
		logger:  logger.With("component", "codec", "venue", VenueName),
		byID:    make(map[string]types.ContractInfo),
		byCanon: make(map[types.Symbol]types.ContractInfo),
	}
}

func (c *Codec) Venue() types.Venue { return VenueName }

// Private reports account channels as private-socket traffic.
func (c *Codec) Private(kind types.ChannelKind) bool {
	return kind == types.ChannelAccount
}

// Supports reports every kind except standalone trade prints, which this
// venue folds into its quote events.
func (c *Codec) Supports(kind types.ChannelKind) bool {
	switch kind {
	case types.ChannelMetadata, types.ChannelTicker, types.ChannelOrderBook, types.ChannelAccount:
		return true
	}
	return false
}

// SetContracts replaces the contract table (REST metadata load).
func (c *Codec) SetContracts(contracts []types.ContractInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID = make(map[string]types.ContractInfo, len(contracts))
	c.byCanon = make(map[types.Symbol]types.ContractInfo, len(contracts))
	for _, ci := range contracts {
		c.byID[ci.ContractID] = ci
		c.byCanon[ci.Canonical] = ci
	}
}

func (c *Codec) contractByID(id string) (types.ContractInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ci, ok := c.byID[id]
	return ci, ok
}

func (c *Codec) contractBySymbol(sym types.Symbol) (types.ContractInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ci, ok := c.byCanon[sym]
	return ci, ok
}

// channelName renders the venue channel string for a subscription.
func (c *Codec) channelName(ch exchange.Channel) (string, error) {
	switch ch.Kind {
	case types.ChannelMetadata:
		return "metadata", nil
	case types.ChannelAccount:
		return "account", nil
	case types.ChannelTicker, types.ChannelOrderBook:
		ci, ok := c.contractBySymbol(ch.Symbol)
		if !ok {
			return "", fmt.Errorf("no contract for %s", ch.Symbol)
		}
		if ch.Kind == types.ChannelTicker {
			return "ticker." + ci.ContractID, nil
		}
		return "depth." + ci.ContractID + ".15", nil
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

func (c *Codec) BuildPing() []byte {
	b, _ := json.Marshal(map[string]any{"type": "ping", "time": time.Now().UnixMilli()})
	return b
}

func (c *Codec) BuildPong() []byte {
	b, _ := json.Marshal(map[string]any{"type": "pong", "time": time.Now().UnixMilli()})
	return b
}

// Decode classifies one inbound frame by its top-level type.
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
		reply, _ := json.Marshal(map[string]any{"type": "pong", "time": frame["time"]})
		res.PongReply = reply
		return res, nil

	case typ == "pong":
		res.Class = exchange.FrameHeartbeat
		return res, nil

	case typ == "connected":
		res.Class = exchange.FrameAck
		return res, nil

	case typ == "subscribed":
		res.Class = exchange.FrameAck
		// Acks may carry the initial order-book snapshot inline.
		if inline, ok := frame["order_book"].(map[string]any); ok {
			channel := exchange.StringField(frame, "channel")
			if ev, ok := c.bookEvent(channel, inline, receivedAt, true); ok {
				res.Events = append(res.Events, ev)
				res.Class = exchange.FrameBusiness
			}
		}
		return res, nil

	case typ == "error":
		res.Class = exchange.FrameBusiness
		res.Err = &exchange.VenueError{
			Code:    exchange.StringField(frame, "code"),
			Message: exchange.StringField(frame, "message", "msg"),
		}
		return res, nil

	case strings.HasPrefix(typ, "update/"):
		res.Class = exchange.FrameBusiness
		c.decodeUpdate(typ[len("update/"):], frame, receivedAt, &res)
		return res, nil

	case typ == "quote-event":
		res.Class = exchange.FrameBusiness
		channel := exchange.StringField(frame, "channel")
		if content, ok := frame["content"].(map[string]any); ok {
			if ev, ok := c.tickerEvent(channel, content, receivedAt); ok {
				res.Events = append(res.Events, ev)
			}
		}
		return res, nil

	case typ == "trade-event":
		res.Class = exchange.FrameBusiness
		if content, ok := frame["content"].(map[string]any); ok {
			c.decodePrivate(content, receivedAt, &res)
		}
		return res, nil
	}

	return res, fmt.Errorf("unknown frame type %q", typ)
}

// decodeUpdate handles "update/<channel>" incremental frames. The payload
// rides under a per-channel key ("data" as fallback).
func (c *Codec) decodeUpdate(channel string, frame map[string]any, receivedAt time.Time, res *exchange.DecodeResult) {
	base, _ := exchange.ParseChannelName(channel)
	payload, ok := frame[base].(map[string]any)
	if !ok {
		payload, ok = frame["data"].(map[string]any)
	}
	if !ok {
		return
	}

	switch base {
	case "metadata":
		if ev, ok := c.metadataEvent(payload, receivedAt); ok {
			res.Events = append(res.Events, ev)
		}
	case "ticker":
		if ev, ok := c.tickerEvent(channel, payload, receivedAt); ok {
			res.Events = append(res.Events, ev)
		}
	case "depth", "order_book":
		if ev, ok := c.bookEvent(channel, payload, receivedAt, false); ok {
			res.Events = append(res.Events, ev)
		}
	}
}

// resolve maps a channel string's contract id to its canonical symbol.
// Unknown ids drop the frame; no placeholder symbols flow downstream.
func (c *Codec) resolve(channel string) (types.ContractInfo, bool) {
	_, id := exchange.ParseChannelName(channel)
	ci, ok := c.contractByID(id)
	if !ok {
		c.mu.Lock()
		c.unknownIDs++
		n := c.unknownIDs
		c.mu.Unlock()
		if n%100 == 1 {
			c.logger.Warn("frame for unknown contract id", "channel", channel, "total", n)
		}
	}
	return ci, ok
}

// UnknownContractFrames reports how many frames were dropped for lack of
// a contract-table entry.
func (c *Codec) UnknownContractFrames() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.unknownIDs
}

func (c *Codec) metadataEvent(payload map[string]any, receivedAt time.Time) (types.Event, bool) {
	rawList, ok := payload["contracts"].([]any)
	if !ok {
		return types.Event{}, false
	}
	contracts := make([]types.ContractInfo, 0, len(rawList))
	for _, entry := range rawList {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		ci, err := ParseContract(m)
		if err != nil {
			c.logger.Warn("skipping malformed contract", "error", err)
			continue
		}
		contracts = append(contracts, ci)
	}
	if len(contracts) == 0 {
		return types.Event{}, false
	}
	c.SetContracts(contracts)
	return types.Event{
		Kind:         types.EventMetadata,
		Venue:        VenueName,
		Contracts:    contracts,
		ReceivedTime: receivedAt,
	}, true
}

func (c *Codec) tickerEvent(channel string, payload map[string]any, receivedAt time.Time) (types.Event, bool) {
	ci, ok := c.resolve(channel)
	if !ok {
		return types.Event{}, false
	}

	interval := ci.FundingIntervalHours
	if interval == 0 {
		interval = fundingIntervalHours
	}

	t := &types.Ticker{
		Venue:        VenueName,
		Symbol:       ci.Canonical,
		Last:         exchange.DecimalField(payload, "last", "lastPrice", "last_trade_price"),
		Bid:          exchange.DecimalField(payload, "bestBid", "bid", "bid_price"),
		Ask:          exchange.DecimalField(payload, "bestAsk", "ask", "ask_price"),
		BidSize:      exchange.DecimalField(payload, "bestBidSize", "bidSize", "bid_size"),
		AskSize:      exchange.DecimalField(payload, "bestAskSize", "askSize", "ask_size"),
		FundingRate:  exchange.NormalizeFundingRate(exchange.DecimalField(payload, "fundingRate", "funding_rate"), interval),
		MarkPrice:    exchange.DecimalField(payload, "markPrice", "mark_price"),
		IndexPrice:   exchange.DecimalField(payload, "indexPrice", "index_price", "oraclePrice"),
		OpenInterest: exchange.DecimalField(payload, "openInterest", "open_interest"),
		Volume24h:    exchange.DecimalField(payload, "volume24h", "volume_24h", "size24h"),
		ExchangeTime: exchange.ParseTimestamp(fieldAny(payload, "timestamp", "ts", "eventTime")),
		ReceivedTime: receivedAt,
	}
	return types.Event{
		Kind:         types.EventTicker,
		Venue:        VenueName,
		Symbol:       ci.Canonical,
		Ticker:       t,
		ExchangeTime: t.ExchangeTime,
		ReceivedTime: receivedAt,
	}, true
}

func (c *Codec) bookEvent(channel string, payload map[string]any, receivedAt time.Time, snapshot bool) (types.Event, bool) {
	ci, ok := c.resolve(channel)
	if !ok {
		return types.Event{}, false
	}

	if !snapshot {
		// Some feeds flag snapshots inside the payload.
		if t := exchange.StringField(payload, "depthType", "type"); strings.EqualFold(t, "snapshot") {
			snapshot = true
		}
	}

	bids, _ := payload["bids"].([]any)
	asks, _ := payload["asks"].([]any)
	version := exchange.ToDecimal(fieldAny(payload, "endVersion", "version", "offset")).IntPart()

	kind := types.EventBookDelta
	if snapshot {
		kind = types.EventBookSnapshot
	}
	exchangeTime := exchange.ParseTimestamp(fieldAny(payload, "timestamp", "ts", "eventTime"))
	return types.Event{
		Kind:   kind,
		Venue:  VenueName,
		Symbol: ci.Canonical,
		Book: &types.BookUpdate{
			Bids:     exchange.ParseLevels(bids),
			Asks:     exchange.ParseLevels(asks),
			Version:  version,
			Snapshot: snapshot,
		},
		ExchangeTime: exchangeTime,
		ReceivedTime: receivedAt,
	}, true
}

// decodePrivate handles trade-event envelopes: ORDER_UPDATE,
// POSITION_UPDATE, ACCOUNT_UPDATE.
func (c *Codec) decodePrivate(content map[string]any, receivedAt time.Time, res *exchange.DecodeResult) {
	event := exchange.StringField(content, "event")
	data, ok := content["data"].(map[string]any)
	if !ok {
		return
	}

	switch event {
	case "ORDER_UPDATE":
		if ev, ok := c.orderEvent(data, receivedAt); ok {
			res.Events = append(res.Events, ev)
		}
	case "POSITION_UPDATE":
		if ev, ok := c.positionEvent(data, receivedAt); ok {
			res.Events = append(res.Events, ev)
		}
	case "ACCOUNT_UPDATE":
		for _, ev := range c.balanceEvents(data, receivedAt) {
			res.Events = append(res.Events, ev)
		}
	}
}

func (c *Codec) orderEvent(data map[string]any, receivedAt time.Time) (types.Event, bool) {
	ci, ok := c.contractByID(exchange.StringField(data, "contractId", "contract_id"))
	if !ok {
		return types.Event{}, false
	}

	amount := exchange.DecimalField(data, "size", "amount")
	filled := exchange.DecimalField(data, "cumFillSize", "filled", "filled_size")
	rawStatus := exchange.StringField(data, "status")

	o := &types.Order{
		Venue:       VenueName,
		Symbol:      ci.Canonical,
		ID:          exchange.StringField(data, "orderId", "order_id", "id"),
		ClientID:    exchange.StringField(data, "clientOrderId", "client_order_id"),
		Side:        parseSide(exchange.StringField(data, "side")),
		Type:        parseOrderType(exchange.StringField(data, "type", "orderType")),
		Status:      parseOrderStatus(rawStatus),
		RawStatus:   rawStatus,
		Amount:      amount,
		Price:       exchange.DecimalField(data, "price"),
		Filled:      filled,
		Remaining:   amount.Sub(filled),
		Average:     exchange.DecimalField(data, "avgFillPrice", "average_price"),
		ReduceOnly:  exchange.StringField(data, "reduceOnly", "reduce_only") == "true",
		CreatedTime: exchange.ParseTimestamp(fieldAny(data, "createdTime", "created_time")),
		UpdatedTime: exchange.ParseTimestamp(fieldAny(data, "updatedTime", "updated_time", "timestamp")),
	}
	return types.Event{
		Kind:         types.EventOrder,
		Venue:        VenueName,
		Symbol:       ci.Canonical,
		Order:        o,
		ReceivedTime: receivedAt,
	}, true
}

// positionEvent recovers the position sign. The venue reports size as a
// magnitude; direction comes from a side field when present, otherwise
// from the long/short open-size counters.
func (c *Codec) positionEvent(data map[string]any, receivedAt time.Time) (types.Event, bool) {
	ci, ok := c.contractByID(exchange.StringField(data, "contractId", "contract_id"))
	if !ok {
		return types.Event{}, false
	}

	size := exchange.DecimalField(data, "openSize", "size").Abs()
	short := false
	if side := exchange.StringField(data, "side", "positionSide"); side != "" {
		short = strings.EqualFold(side, "SHORT") || strings.EqualFold(side, "SELL")
	} else {
		longOpen := exchange.DecimalField(data, "longTotalSize", "long_open_size")
		shortOpen := exchange.DecimalField(data, "shortTotalSize", "short_open_size")
		short = shortOpen.GreaterThan(longOpen)
	}
	if short {
		size = size.Neg()
	}

	p := &types.Position{
		Venue:            VenueName,
		Symbol:           ci.Canonical,
		Size:             size,
		EntryPrice:       exchange.DecimalField(data, "avgEntryPrice", "entry_price"),
		UnrealizedPnL:    exchange.DecimalField(data, "unrealizedPnl", "unrealized_pnl"),
		RealizedPnL:      exchange.DecimalField(data, "realizedPnl", "realized_pnl"),
		Leverage:         exchange.DecimalField(data, "leverage"),
		MarginMode:       parseMarginMode(exchange.StringField(data, "marginMode", "margin_mode")),
		LiquidationPrice: exchange.DecimalField(data, "liquidatePrice", "liquidation_price"),
		UpdatedTime:      exchange.ParseTimestamp(fieldAny(data, "updatedTime", "timestamp")),
	}
	return types.Event{
		Kind:         types.EventPosition,
		Venue:        VenueName,
		Symbol:       ci.Canonical,
		Position:     p,
		ReceivedTime: receivedAt,
	}, true
}

func (c *Codec) balanceEvents(data map[string]any, receivedAt time.Time) []types.Event {
	rawList, ok := data["collateralList"].([]any)
	if !ok {
		if single, ok2 := data["collateral"].(map[string]any); ok2 {
			rawList = []any{single}
		} else {
			return nil
		}
	}

	var out []types.Event
	for _, entry := range rawList {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		currency := exchange.StringField(m, "coin", "currency", "asset")
		if currency == "" {
			continue
		}
		total := exchange.DecimalField(m, "amount", "total", "equity")
		free := exchange.DecimalField(m, "availableAmount", "available", "free")
		b := &types.BalanceEntry{
			Venue:       VenueName,
			Currency:    currency,
			Free:        free,
			Used:        total.Sub(free),
			Total:       total,
			USDValue:    exchange.DecimalField(m, "usdValue", "usd_value"),
			UpdatedTime: exchange.ParseTimestamp(fieldAny(m, "updatedTime", "timestamp")),
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

func parseSide(s string) types.Side {
	if strings.EqualFold(s, "SELL") || strings.EqualFold(s, "SHORT") {
		return types.SELL
	}
	return types.BUY
}

func parseOrderType(s string) types.OrderType {
	switch strings.ToUpper(s) {
	case "MARKET":
		return types.OrderTypeMarket
	case "STOP_LIMIT":
		return types.OrderTypeStopLimit
	case "STOP_MARKET":
		return types.OrderTypeStopMarket
	case "TAKE_PROFIT_LIMIT":
		return types.OrderTypeTakeProfitLimit
	case "TAKE_PROFIT_MARKET":
		return types.OrderTypeTakeProfitMarket
	default:
		return types.OrderTypeLimit
	}
}

func parseOrderStatus(s string) types.OrderStatus {
	switch strings.ToUpper(s) {
	case "PENDING", "NEW", "UNTRIGGERED":
		return types.OrderPending
	case "OPEN", "PARTIALLY_FILLED", "PARTIAL_FILLED":
		return types.OrderOpen
	case "FILLED":
		return types.OrderFilled
	case "CANCELED", "CANCELLED":
		return types.OrderCanceled
	case "REJECTED":
		return types.OrderRejected
	case "EXPIRED":
		return types.OrderExpired
	default:
		return types.OrderUnknown
	}
}

func parseMarginMode(s string) types.MarginMode {
	if strings.EqualFold(s, "ISOLATED") {
		return types.MarginIsolated
	}
	return types.MarginCross
}

var _ exchange.Codec = (*Codec)(nil)
