// Package engine is the central orchestrator of the collector.
//
// It wires together all subsystems:
//
//  1. Per-venue sessions hold the WebSocket connections and translate
//     frames through their codecs into normalized events.
//  2. The fan-in pipeline carries those events through bounded queues.
//  3. The book engine reconstructs order books; the state store keeps
//     the latest quote per (venue, symbol).
//  4. A single analysis worker joins state across venues and runs the
//     opportunity detector.
//  5. The backoff controller pauses trading consumers on venue business
//     errors and can force session restarts.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"crossarb/internal/api"
	"crossarb/internal/backoff"
	"crossarb/internal/book"
	"crossarb/internal/config"
	"crossarb/internal/detect"
	"crossarb/internal/exchange"
	"crossarb/internal/exchange/edgex"
	"crossarb/internal/exchange/lighter"
	"crossarb/internal/pipeline"
	"crossarb/internal/registry"
	"crossarb/internal/state"
	"crossarb/pkg/types"

	"github.com/shopspring/decimal"
)

// recentOpportunityCap bounds the ring of opportunities the status
// endpoint shows.
const recentOpportunityCap = 50

// venueSlot bundles one venue's session with its metadata loader and
// subscription plan.
type venueSlot struct {
	name    string
	session *exchange.Session
	cfg     config.VenueConfig

	// loadMetadata fetches the venue's contract table and installs it in
	// the codec, returning it for registry publication.
	loadMetadata func(context.Context) ([]types.ContractInfo, error)

	// contracts is the table loaded at startup; dynamic subscription mode
	// discovers its symbols from here.
	contracts []types.ContractInfo
}

// Engine orchestrates all components of the collector.
type Engine struct {
	cfg      config.Config
	registry *registry.Registry
	backoff  *backoff.Controller
	books    *book.Engine
	pipe     *pipeline.Pipeline
	store    *state.Store
	detector *detect.Detector
	logger   *slog.Logger

	slots map[types.Venue]*venueSlot

	oppMu  sync.Mutex
	recent []detect.Opportunity

	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates and wires all engine components.
func New(cfg config.Config, metrics *pipeline.Metrics, logger *slog.Logger) (*Engine, error) {
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:      cfg,
		registry: registry.New(),
		backoff:  backoff.NewController(logger),
		pipe:     pipeline.New(pipeline.Config{
			BookCapacity:     cfg.Pipeline.OrderBookQueueSize,
			TickerCapacity:   cfg.Pipeline.TickerQueueSize,
			AnalysisCapacity: cfg.Pipeline.AnalysisQueueSize,
		}, metrics, logger),
		store:  state.New(),
		logger: logger.With("component", "engine"),
		slots:  make(map[types.Venue]*venueSlot),
		ctx:    ctx,
		cancel: cancel,
	}

	detCfg, err := detectorConfig(cfg.Detector)
	if err != nil {
		cancel()
		return nil, err
	}
	e.detector = detect.New(detCfg, logger)

	e.books = book.NewEngine(logger, e.requestResync)

	for name, vc := range cfg.Venues {
		slot, err := e.buildVenue(name, vc, logger)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("venue %s: %w", name, err)
		}
		e.slots[slot.session.Venue()] = slot
	}
	return e, nil
}

func detectorConfig(dc config.DetectorConfig) (detect.Config, error) {
	var cfg detect.Config
	var err error
	if cfg.MinPriceSpreadPct, err = parseThreshold(dc.MinPriceSpreadPct); err != nil {
		return cfg, fmt.Errorf("detector.min_price_spread_pct: %w", err)
	}
	if cfg.MinFundingSpreadAbs, err = parseThreshold(dc.MinFundingSpreadAbs); err != nil {
		return cfg, fmt.Errorf("detector.min_funding_spread_abs: %w", err)
	}
	if cfg.MinExecutableSize, err = parseThreshold(dc.MinExecutableSize); err != nil {
		return cfg, fmt.Errorf("detector.min_executable_size: %w", err)
	}
	return cfg, nil
}

func parseThreshold(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// buildVenue constructs the codec, auth, REST loader, and session for
// one configured venue.
func (e *Engine) buildVenue(name string, vc config.VenueConfig, logger *slog.Logger) (*venueSlot, error) {
	var (
		codec exchange.Codec
		auth  exchange.AuthProvider
		load  func(context.Context) ([]types.ContractInfo, error)
	)

	switch name {
	case string(edgex.VenueName):
		c := edgex.NewCodec(logger)
		rest := edgex.NewRestClient(vc.RestURL, vc.InsecureSkipVerify, logger)
		load = func(ctx context.Context) ([]types.ContractInfo, error) {
			contracts, err := rest.FetchContracts(ctx)
			if err != nil {
				return nil, err
			}
			c.SetContracts(contracts)
			return contracts, nil
		}
		codec = c

		if vc.Authenticated() {
			a, err := edgex.NewAuth(vc.APIKey, vc.APISecret)
			if err != nil {
				return nil, err
			}
			auth = a
		}

	case string(lighter.VenueName):
		c := lighter.NewCodec(vc.AccountIndex, logger)
		rest := lighter.NewRestClient(vc.RestURL, vc.InsecureSkipVerify, logger)
		load = func(ctx context.Context) ([]types.ContractInfo, error) {
			markets, err := rest.FetchMarkets(ctx)
			if err != nil {
				return nil, err
			}
			c.SetMarkets(markets)
			return markets, nil
		}
		codec = c

		if vc.Authenticated() {
			a, err := lighter.NewAuth(vc.StarkPrivateKey, vc.AccountIndex, vc.APIKeyIndex)
			if err != nil {
				return nil, err
			}
			auth = a
		}

	default:
		return nil, fmt.Errorf("unknown venue %q", name)
	}

	sessCfg := exchange.SessionConfig{
		Venue:              codec.Venue(),
		PublicURL:          vc.PublicWSURL,
		PrivateURL:         vc.PrivateWSURL,
		InsecureSkipVerify: vc.InsecureSkipVerify,
	}
	if auth == nil {
		sessCfg.PrivateURL = ""
	}

	session := exchange.NewSession(sessCfg, codec, auth, e.backoff, e.handleEvent, logger)
	session.SetReconnectHook(e.onVenueReconnect)

	venue := codec.Venue()
	e.backoff.SetRestartHook(venue, func() {
		session.ForceReconnect("backoff restart hook")
	})

	return &venueSlot{name: name, session: session, cfg: vc, loadMetadata: load}, nil
}

// Start loads venue metadata, launches the sessions, subscribes the
// configured channels, and starts the pipeline workers.
func (e *Engine) Start() error {
	e.startedAt = time.Now()

	for _, slot := range e.slots {
		mctx, cancel := context.WithTimeout(e.ctx, 30*time.Second)
		contracts, err := slot.loadMetadata(mctx)
		cancel()
		if err != nil {
			return fmt.Errorf("load %s metadata: %w", slot.name, err)
		}
		slot.contracts = contracts
		e.handleEvent(types.Event{
			Kind:         types.EventMetadata,
			Venue:        slot.session.Venue(),
			Contracts:    contracts,
			ReceivedTime: time.Now(),
		})
		e.logger.Info("venue metadata loaded", "venue", slot.name, "contracts", len(contracts))
	}

	for _, slot := range e.slots {
		slot := slot
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			slot.session.Run(e.ctx)
		}()
		if err := e.subscribeVenue(slot); err != nil {
			return err
		}
		if slot.cfg.Subscriptions.UserData && !slot.cfg.Balance.UseWebsocket && slot.cfg.Balance.RestIntervalSeconds > 0 {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.refreshBalances(slot)
			}()
		}
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.drainBooks()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.drainTickers()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pipe.RunAnalysis(e.ctx, e.analyze)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pipe.ObserveDepths(e.ctx)
	}()

	return nil
}

// Stop gracefully shuts down: cancels all workers, disconnects the
// sessions, and waits for goroutines.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	e.cancel()
	for _, slot := range e.slots {
		slot.session.Disconnect()
	}
	e.wg.Wait()
	e.logger.Info("shutdown complete")
}

// subscribeVenue issues the initial subscription set per the venue's
// configured plan.
func (e *Engine) subscribeVenue(slot *venueSlot) error {
	sub := slot.cfg.Subscriptions

	var symbols []types.Symbol
	switch sub.Mode {
	case "predefined":
		for _, s := range sub.Symbols {
			symbols = append(symbols, types.Symbol(s))
		}
	case "dynamic":
		for _, ci := range slot.contracts {
			symbols = append(symbols, ci.Canonical)
		}
	}

	ctx, cancel := context.WithTimeout(e.ctx, time.Minute)
	defer cancel()

	// Venues with a metadata channel push contract-table updates; the
	// registry is republished from those frames via handleEvent.
	if err := slot.session.Subscribe(ctx, exchange.Channel{Kind: types.ChannelMetadata}); err != nil {
		e.logger.Warn("subscribe failed", "venue", slot.name, "kind", "metadata", "error", err)
	}

	for _, sym := range symbols {
		if sub.Ticker {
			if err := slot.session.Subscribe(ctx, exchange.Channel{Kind: types.ChannelTicker, Symbol: sym}); err != nil {
				e.logger.Warn("subscribe failed", "venue", slot.name, "kind", "ticker", "symbol", sym, "error", err)
			}
		}
		if sub.OrderBook {
			if err := slot.session.Subscribe(ctx, exchange.Channel{Kind: types.ChannelOrderBook, Symbol: sym}); err != nil {
				e.logger.Warn("subscribe failed", "venue", slot.name, "kind", "orderbook", "symbol", sym, "error", err)
			}
		}
		if sub.Trades {
			if err := slot.session.Subscribe(ctx, exchange.Channel{Kind: types.ChannelTrades, Symbol: sym}); err != nil {
				e.logger.Warn("subscribe failed", "venue", slot.name, "kind", "trades", "symbol", sym, "error", err)
			}
		}
	}
	if sub.UserData {
		if err := slot.session.Subscribe(ctx, exchange.Channel{Kind: types.ChannelAccount}); err != nil {
			e.logger.Warn("subscribe failed", "venue", slot.name, "kind", "account", "error", err)
		}
	}
	return nil
}

// refreshBalances periodically re-requests the account snapshot by
// resubscribing the private channel (venues answer a fresh subscribe
// with full state). REST fallback for venues whose private pushes are
// unreliable.
func (e *Engine) refreshBalances(slot *venueSlot) {
	interval := time.Duration(slot.cfg.Balance.RestIntervalSeconds) * time.Second
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(e.ctx, 10*time.Second)
			err := slot.session.Subscribe(ctx, exchange.Channel{Kind: types.ChannelAccount})
			cancel()
			if err != nil {
				e.logger.Warn("balance refresh failed", "venue", slot.name, "error", err)
			}
		}
	}
}

// handleEvent is the session sink. Metadata events republish the
// registry (full table swap) before the event enters the pipeline; the
// codecs update their own contract tables at decode time.
func (e *Engine) handleEvent(ev types.Event) {
	if ev.Kind == types.EventMetadata && len(ev.Contracts) > 0 {
		e.registry.Publish(ev.Venue, ev.Contracts)
	}
	e.pipe.Ingest(ev)
}

// onVenueReconnect clears derived caches so reconstruction restarts
// from fresh snapshots. The durable subscription set is untouched.
func (e *Engine) onVenueReconnect(v types.Venue) {
	e.books.ResetVenue(v)
	e.store.DropVenue(v)
	e.logger.Info("cleared derived state after reconnect", "venue", v)
}

// requestResync is the book engine's escalation path: unsubscribe and
// resubscribe the order-book channel to force a fresh snapshot.
func (e *Engine) requestResync(v types.Venue, sym types.Symbol) {
	slot, ok := e.slots[v]
	if !ok {
		return
	}
	go slot.session.Resync(sym)
}

// drainBooks feeds the book engine from the orderbook queue; emitted
// (complete, uncrossed) books land in the state store.
func (e *Engine) drainBooks() {
	for {
		ev, _, ok := e.pipe.Books.Pop(e.ctx)
		if !ok {
			return
		}
		if ob, emitted := e.books.Apply(ev); emitted {
			e.store.PutBook(ob)
		}
	}
}

// drainTickers feeds the state store from the ticker queue.
func (e *Engine) drainTickers() {
	for {
		ev, _, ok := e.pipe.Tickers.Pop(e.ctx)
		if !ok {
			return
		}
		if ev.Ticker != nil {
			e.store.PutTicker(ev.Ticker)
		}
	}
}

// analyze is the analysis worker body: join state across venues for the
// notified symbol and run the detector.
func (e *Engine) analyze(note pipeline.Notification) {
	quotes := e.store.QuotesFor(note.Symbol)
	opps := e.detector.Detect(note.Symbol, quotes)
	if len(opps) == 0 {
		return
	}

	for _, o := range opps {
		e.logger.Info("opportunity detected",
			"kind", o.Kind,
			"symbol", o.Symbol,
			"buy", o.ExchangeBuy,
			"sell", o.ExchangeSell,
			"spread_pct", o.SpreadPct,
			"funding_spread", o.FundingSpreadAbs,
		)
	}

	e.oppMu.Lock()
	e.recent = append(e.recent, opps...)
	if n := len(e.recent); n > recentOpportunityCap {
		e.recent = append([]detect.Opportunity(nil), e.recent[n-recentOpportunityCap:]...)
	}
	e.oppMu.Unlock()
}

// Status implements the status server's provider interface.
func (e *Engine) Status() api.Status {
	venues := make([]types.HealthSnapshot, 0, len(e.slots))
	for _, slot := range e.slots {
		venues = append(venues, slot.session.Health())
	}

	e.oppMu.Lock()
	recent := append([]detect.Opportunity(nil), e.recent...)
	e.oppMu.Unlock()

	return api.Status{
		Uptime:        time.Since(e.startedAt).Truncate(time.Second).String(),
		Venues:        venues,
		Symbols:       e.store.Symbols(1),
		Opportunities: recent,
		GeneratedAt:   time.Now(),
	}
}
