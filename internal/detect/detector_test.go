package detect

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/state"
	"crossarb/pkg/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func quote(v types.Venue, bid, ask, bidSize, askSize string) state.Quote {
	return state.Quote{
		Venue:   v,
		Symbol:  "BTC-USDC-PERP",
		Bid:     d(bid),
		Ask:     d(ask),
		BidSize: d(bidSize),
		AskSize: d(askSize),
	}
}

func withFunding(q state.Quote, rate string) state.Quote {
	q.FundingRate = d(rate)
	q.HasFunding = true
	return q
}

func testDetector(cfg Config) *Detector {
	return New(cfg, slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil)))
}

func TestPriceSpreadRequiresProfitableDirection(t *testing.T) {
	t.Parallel()
	det := testDetector(Config{})

	// lighter's bid (50200) crosses edgex's ask (50100): buy edgex, sell
	// lighter.
	opps := det.Detect("BTC-USDC-PERP", []state.Quote{
		quote("edgex", "50000", "50100", "1", "1"),
		quote("lighter", "50200", "50300", "1", "1"),
	})
	if len(opps) != 1 {
		t.Fatalf("opportunities = %d, want 1", len(opps))
	}
	o := opps[0]
	if o.Kind != KindPriceSpread || o.ExchangeBuy != "edgex" || o.ExchangeSell != "lighter" {
		t.Errorf("opportunity = %+v", o)
	}
	if !o.SpreadAbs.Equal(d("100")) {
		t.Errorf("spread abs = %s, want 100", o.SpreadAbs)
	}

	// Overlapping books with no crossing direction: nothing emitted.
	opps = det.Detect("BTC-USDC-PERP", []state.Quote{
		quote("edgex", "50000", "50100", "1", "1"),
		quote("lighter", "50050", "50150", "1", "1"),
	})
	if len(opps) != 0 {
		t.Errorf("non-crossing quotes emitted %v", opps)
	}
}

func TestPriceSpreadThreshold(t *testing.T) {
	t.Parallel()
	det := testDetector(Config{MinPriceSpreadPct: d("0.5")})

	// 100 / 50100 ≈ 0.2%: below the 0.5% threshold.
	opps := det.Detect("BTC-USDC-PERP", []state.Quote{
		quote("edgex", "50000", "50100", "1", "1"),
		quote("lighter", "50200", "50300", "1", "1"),
	})
	if len(opps) != 0 {
		t.Errorf("subthreshold spread emitted %v", opps)
	}
}

func TestFundingSpreadAcrossVenues(t *testing.T) {
	t.Parallel()
	det := testDetector(Config{MinFundingSpreadAbs: d("0.0001")})

	// Rates arrive already 8-hour normalized: one venue's native 4-hour
	// 0.0001 became 0.0002, the other's 8-hour 0.00005 is unchanged.
	opps := det.Detect("BTC-USDC-PERP", []state.Quote{
		withFunding(quote("edgex", "0", "0", "0", "0"), "0.0002"),
		withFunding(quote("lighter", "0", "0", "0", "0"), "0.00005"),
	})
	if len(opps) != 1 {
		t.Fatalf("opportunities = %d, want 1", len(opps))
	}
	o := opps[0]
	if o.Kind != KindFundingSpread {
		t.Fatalf("kind = %s", o.Kind)
	}
	if o.ExchangeShort != "edgex" || o.ExchangeLong != "lighter" {
		t.Errorf("short/long = %s/%s, want edgex/lighter", o.ExchangeShort, o.ExchangeLong)
	}
	if !o.FundingSpreadAbs.Equal(d("0.00015")) {
		t.Errorf("funding spread = %s, want 0.00015", o.FundingSpreadAbs)
	}
	if !o.FundingAnnualized.Equal(d("0.00015").Mul(d("1095"))) {
		t.Errorf("annualized = %s", o.FundingAnnualized)
	}
}

func TestCombinedRequiresSameVenuePair(t *testing.T) {
	t.Parallel()
	det := testDetector(Config{})

	// Price: buy edgex, sell lighter. Funding: long edgex, short lighter.
	// Same pair, same direction: price, funding, and combined all emit.
	opps := det.Detect("BTC-USDC-PERP", []state.Quote{
		withFunding(quote("edgex", "50000", "50100", "1", "1"), "0.00005"),
		withFunding(quote("lighter", "50200", "50300", "1", "1"), "0.0002"),
	})
	if len(opps) != 3 {
		t.Fatalf("opportunities = %d, want price + funding + combined", len(opps))
	}
	combined := opps[2]
	if combined.Kind != KindCombined {
		t.Fatalf("third kind = %s", combined.Kind)
	}
	if combined.ExchangeBuy != "edgex" || combined.ExchangeShort != "lighter" {
		t.Errorf("combined = %+v", combined)
	}

	// Opposite funding direction: no combined record.
	opps = det.Detect("BTC-USDC-PERP", []state.Quote{
		withFunding(quote("edgex", "50000", "50100", "1", "1"), "0.0002"),
		withFunding(quote("lighter", "50200", "50300", "1", "1"), "0.00005"),
	})
	for _, o := range opps {
		if o.Kind == KindCombined {
			t.Errorf("combined emitted for mismatched direction: %+v", o)
		}
	}
}

func TestLiquidityLogThrottled(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	det := New(Config{MinExecutableSize: d("1")}, slog.New(slog.NewTextHandler(&buf, nil)))
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	det.now = func() time.Time { return now }

	thin := []state.Quote{
		quote("edgex", "50000", "50100", "0.1", "0.1"),
		quote("lighter", "50200", "50300", "0.1", "0.1"),
	}

	// Profitable direction but sizes below minimum: suppressed, logged.
	for i := 0; i < 5; i++ {
		if opps := det.Detect("BTC-USDC-PERP", thin); len(opps) != 0 {
			t.Fatalf("thin books emitted %v", opps)
		}
	}
	if got := strings.Count(buf.String(), "liquidity insufficient"); got != 1 {
		t.Errorf("log lines = %d, want 1 within throttle window", got)
	}

	now = now.Add(4 * time.Second)
	det.Detect("BTC-USDC-PERP", thin)
	if got := strings.Count(buf.String(), "liquidity insufficient"); got != 2 {
		t.Errorf("log lines = %d, want 2 after window", got)
	}
}

func TestSingleVenueNoOpportunities(t *testing.T) {
	t.Parallel()
	det := testDetector(Config{})
	opps := det.Detect("BTC-USDC-PERP", []state.Quote{
		quote("edgex", "50000", "50100", "1", "1"),
	})
	if opps != nil {
		t.Errorf("single venue emitted %v", opps)
	}
}
