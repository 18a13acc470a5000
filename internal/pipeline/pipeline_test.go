package pipeline

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"crossarb/pkg/types"
)

func testPipeline(cfg Config) (*Pipeline, *Metrics) {
	m := NewMetrics(prometheus.NewRegistry())
	p := New(cfg, m, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return p, m
}

func bookEvent(venue types.Venue, symbol types.Symbol) types.Event {
	return types.Event{Kind: types.EventBookDelta, Venue: venue, Symbol: symbol, Book: &types.BookUpdate{}}
}

func TestSaturationDropsOldestWithoutBlocking(t *testing.T) {
	t.Parallel()
	p, m := testPipeline(Config{BookCapacity: 3, AnalysisCapacity: 3})

	// No consumer running: pushes beyond capacity must return promptly
	// and evict the oldest.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			p.Books.Push(bookEvent("edgex", types.Symbol(rune('A'+i))))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Push blocked on a saturated queue")
	}

	if got := p.Books.Len(); got != 3 {
		t.Errorf("depth = %d, want capacity 3", got)
	}
	if drops := testutil.ToFloat64(m.dropped.WithLabelValues("orderbook")); drops != 7 {
		t.Errorf("drops = %v, want 7", drops)
	}

	// Survivors are the newest three.
	ev, ok := p.Books.TryPop()
	if !ok || ev.Symbol != types.Symbol(rune('A'+7)) {
		t.Errorf("oldest survivor = %v, want H", ev.Symbol)
	}
}

func TestIngestRoutesAndNotifies(t *testing.T) {
	t.Parallel()
	p, _ := testPipeline(Config{})

	p.Ingest(bookEvent("edgex", "BTC-USDC-PERP"))
	p.Ingest(types.Event{Kind: types.EventTicker, Venue: "lighter", Symbol: "BTC-USDC-PERP", Ticker: &types.Ticker{}})
	// Private events do not enter the market-data queues.
	p.Ingest(types.Event{Kind: types.EventOrder, Venue: "lighter", Order: &types.Order{}})

	if p.Books.Len() != 1 || p.Tickers.Len() != 1 {
		t.Errorf("books/tickers = %d/%d, want 1/1", p.Books.Len(), p.Tickers.Len())
	}
	if p.Analysis.Len() != 2 {
		t.Errorf("analysis notifications = %d, want 2", p.Analysis.Len())
	}
}

func TestAnalysisWorkerDrainsOnShutdown(t *testing.T) {
	t.Parallel()
	p, _ := testPipeline(Config{})

	for i := 0; i < 5; i++ {
		p.Analysis.Push(Notification{Venue: "edgex", Symbol: "BTC-USDC-PERP"})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var handled int
	p.RunAnalysis(ctx, func(Notification) { handled++ })
	if handled != 5 {
		t.Errorf("handled = %d, want all 5 flushed at shutdown", handled)
	}
}

func TestAnalysisWorkerDeliversInOrder(t *testing.T) {
	t.Parallel()
	p, _ := testPipeline(Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Notification, 3)
	go p.RunAnalysis(ctx, func(n Notification) { got <- n })

	want := []types.Symbol{"BTC-USDC-PERP", "ETH-USDC-PERP", "SOL-USDC-PERP"}
	for _, s := range want {
		p.Analysis.Push(Notification{Venue: "edgex", Symbol: s})
	}
	for _, s := range want {
		select {
		case n := <-got:
			if n.Symbol != s {
				t.Errorf("got %s, want %s", n.Symbol, s)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("worker did not deliver notification")
		}
	}
}
