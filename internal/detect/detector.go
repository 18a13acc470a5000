// Package detect scans joined cross-venue quotes for arbitrage
// opportunities: executable price spreads, funding-rate spreads, and
// the combination of both on the same venue pair.
//
// The detector emits structured records only. Scoring and any decision
// to trade belong to a policy layer outside this package.
package detect

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/state"
	"crossarb/pkg/types"
)

// Kind labels an opportunity record.
type Kind string

const (
	KindPriceSpread   Kind = "price_spread"
	KindFundingSpread Kind = "funding_rate_spread"
	KindCombined      Kind = "combined"
)

// liquidityLogInterval throttles the per-symbol "liquidity insufficient"
// reason.
const liquidityLogInterval = 3 * time.Second

// fundingPeriodsPerYear annualizes an 8-hour funding spread.
var fundingPeriodsPerYear = decimal.NewFromInt(3 * 365)

// Opportunity is one detected spread. Price fields are set for
// price_spread and combined kinds; funding fields for
// funding_rate_spread and combined.
type Opportunity struct {
	Kind   Kind
	Symbol types.Symbol

	// Price spread: buy at ExchangeBuy's ask, sell into ExchangeSell's bid.
	ExchangeBuy  types.Venue
	ExchangeSell types.Venue
	SpreadAbs    decimal.Decimal
	SpreadPct    decimal.Decimal

	// Funding spread: long the low-funding venue, short the high one.
	ExchangeLong      types.Venue
	ExchangeShort     types.Venue
	FundingSpreadAbs  decimal.Decimal
	FundingAnnualized decimal.Decimal

	// ExecutableSize is the size both legs can fill at top of book.
	ExecutableSize decimal.Decimal

	DetectedAt time.Time
}

// Config holds the emission thresholds. Subthreshold spreads are not
// emitted at all.
type Config struct {
	MinPriceSpreadPct   decimal.Decimal
	MinFundingSpreadAbs decimal.Decimal
	MinExecutableSize   decimal.Decimal
}

// Detector is safe for use from the single analysis worker; the log
// throttle state is guarded anyway so health probes can share it.
type Detector struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu            sync.Mutex
	lastLiquidity map[types.Symbol]time.Time
}

// New creates a detector.
func New(cfg Config, logger *slog.Logger) *Detector {
	return &Detector{
		cfg:           cfg,
		logger:        logger.With("component", "detector"),
		now:           time.Now,
		lastLiquidity: make(map[types.Symbol]time.Time),
	}
}

// Detect evaluates one symbol across venues and returns every
// opportunity at or above the thresholds.
func (d *Detector) Detect(symbol types.Symbol, quotes []state.Quote) []Opportunity {
	if len(quotes) < 2 {
		return nil
	}
	now := d.now()

	var out []Opportunity
	price := d.bestPriceSpread(symbol, quotes, now)
	funding := d.bestFundingSpread(symbol, quotes, now)

	if price != nil {
		out = append(out, *price)
	}
	if funding != nil {
		out = append(out, *funding)
	}

	// Combined: both spreads on the same venue pair, same direction
	// (buy/long on one venue, sell/short on the other).
	if price != nil && funding != nil &&
		price.ExchangeBuy == funding.ExchangeLong &&
		price.ExchangeSell == funding.ExchangeShort {
		combined := *price
		combined.Kind = KindCombined
		combined.ExchangeLong = funding.ExchangeLong
		combined.ExchangeShort = funding.ExchangeShort
		combined.FundingSpreadAbs = funding.FundingSpreadAbs
		combined.FundingAnnualized = funding.FundingAnnualized
		out = append(out, combined)
	}
	return out
}

// bestPriceSpread finds the widest profitable direction: bid(X) > ask(Y)
// for some X != Y. Symbols with no profitable direction yield nothing;
// spread_pct is never computed against an unprofitable pair.
func (d *Detector) bestPriceSpread(symbol types.Symbol, quotes []state.Quote, now time.Time) *Opportunity {
	var best *Opportunity
	for _, sell := range quotes {
		if !sell.Valid() {
			continue
		}
		for _, buy := range quotes {
			if buy.Venue == sell.Venue || !buy.Valid() {
				continue
			}
			if sell.Bid.LessThanOrEqual(buy.Ask) {
				continue
			}
			abs := sell.Bid.Sub(buy.Ask)
			pct := abs.Div(buy.Ask).Mul(decimal.NewFromInt(100))
			if pct.LessThan(d.cfg.MinPriceSpreadPct) {
				continue
			}

			size := decimal.Min(buy.AskSize, sell.BidSize)
			if size.LessThan(d.cfg.MinExecutableSize) {
				d.logLiquidity(symbol, buy.Venue, sell.Venue, size)
				continue
			}

			if best == nil || pct.GreaterThan(best.SpreadPct) {
				best = &Opportunity{
					Kind:           KindPriceSpread,
					Symbol:         symbol,
					ExchangeBuy:    buy.Venue,
					ExchangeSell:   sell.Venue,
					SpreadAbs:      abs,
					SpreadPct:      pct,
					ExecutableSize: size,
					DetectedAt:     now,
				}
			}
		}
	}
	return best
}

// bestFundingSpread finds the widest funding-rate gap. All rates are
// already 8-hour normalized at ingestion.
func (d *Detector) bestFundingSpread(symbol types.Symbol, quotes []state.Quote, now time.Time) *Opportunity {
	var best *Opportunity
	for _, long := range quotes {
		if !long.HasFunding {
			continue
		}
		for _, short := range quotes {
			if short.Venue == long.Venue || !short.HasFunding {
				continue
			}
			// Short the venue paying the higher rate.
			abs := short.FundingRate.Sub(long.FundingRate)
			if abs.LessThan(d.cfg.MinFundingSpreadAbs) || !abs.IsPositive() {
				continue
			}
			if best == nil || abs.GreaterThan(best.FundingSpreadAbs) {
				best = &Opportunity{
					Kind:              KindFundingSpread,
					Symbol:            symbol,
					ExchangeLong:      long.Venue,
					ExchangeShort:     short.Venue,
					FundingSpreadAbs:  abs,
					FundingAnnualized: abs.Mul(fundingPeriodsPerYear),
					DetectedAt:        now,
				}
			}
		}
	}
	return best
}

// logLiquidity emits the "liquidity insufficient" reason at most once
// per symbol per interval.
func (d *Detector) logLiquidity(symbol types.Symbol, buy, sell types.Venue, size decimal.Decimal) {
	now := d.now()
	d.mu.Lock()
	last, seen := d.lastLiquidity[symbol]
	if seen && now.Sub(last) < liquidityLogInterval {
		d.mu.Unlock()
		return
	}
	d.lastLiquidity[symbol] = now
	d.mu.Unlock()

	d.logger.Info("liquidity insufficient for spread",
		"symbol", symbol,
		"buy_venue", buy,
		"sell_venue", sell,
		"executable_size", size,
	)
}
