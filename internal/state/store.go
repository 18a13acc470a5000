// Package state keeps the latest market snapshot per (venue, symbol):
// the most recent ticker and the top of the reconstructed order book.
// The analysis worker joins across venues by symbol lookup here. All
// state is in memory; a restart begins empty and refills from the wire.
package state

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/pkg/types"
)

// Quote is the joined per-(venue, symbol) view the detector consumes.
// Book top-of-book wins over ticker quotes when both are present; the
// funding rate always comes from the ticker.
type Quote struct {
	Venue  types.Venue
	Symbol types.Symbol

	Bid     decimal.Decimal
	Ask     decimal.Decimal
	BidSize decimal.Decimal
	AskSize decimal.Decimal

	FundingRate decimal.Decimal // 8-hour normalized
	HasFunding  bool

	UpdatedTime time.Time
}

// Valid reports whether the quote has a usable two-sided price.
func (q Quote) Valid() bool {
	return q.Bid.IsPositive() && q.Ask.IsPositive()
}

type key struct {
	venue  types.Venue
	symbol types.Symbol
}

// Store holds the latest state. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	tickers map[key]*types.Ticker
	books   map[key]*types.OrderBook
	symbols map[types.Symbol]map[types.Venue]struct{}
}

// New creates an empty store.
func New() *Store {
	return &Store{
		tickers: make(map[key]*types.Ticker),
		books:   make(map[key]*types.OrderBook),
		symbols: make(map[types.Symbol]map[types.Venue]struct{}),
	}
}

// PutTicker records the latest ticker for its (venue, symbol).
func (s *Store) PutTicker(t *types.Ticker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickers[key{t.Venue, t.Symbol}] = t
	s.track(t.Symbol, t.Venue)
}

// PutBook records the latest emitted book for its (venue, symbol).
func (s *Store) PutBook(b *types.OrderBook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books[key{b.Venue, b.Symbol}] = b
	s.track(b.Symbol, b.Venue)
}

func (s *Store) track(sym types.Symbol, v types.Venue) {
	venues, ok := s.symbols[sym]
	if !ok {
		venues = make(map[types.Venue]struct{})
		s.symbols[sym] = venues
	}
	venues[v] = struct{}{}
}

// DropVenue clears everything recorded for a venue. Called when a
// session reconnects so stale prices cannot feed the detector.
func (s *Store) DropVenue(v types.Venue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.tickers {
		if k.venue == v {
			delete(s.tickers, k)
		}
	}
	for k := range s.books {
		if k.venue == v {
			delete(s.books, k)
		}
	}
	for _, venues := range s.symbols {
		delete(venues, v)
	}
}

// Quote joins the ticker and book state for one (venue, symbol).
func (s *Store) Quote(v types.Venue, sym types.Symbol) (Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quoteLocked(v, sym)
}

func (s *Store) quoteLocked(v types.Venue, sym types.Symbol) (Quote, bool) {
	k := key{v, sym}
	t := s.tickers[k]
	b := s.books[k]
	if t == nil && b == nil {
		return Quote{}, false
	}

	q := Quote{Venue: v, Symbol: sym}
	if t != nil {
		q.Bid, q.Ask = t.Bid, t.Ask
		q.BidSize, q.AskSize = t.BidSize, t.AskSize
		q.FundingRate = t.FundingRate
		q.HasFunding = true
		q.UpdatedTime = t.ReceivedTime
	}
	if b != nil {
		best := b.BestBid()
		q.Bid, q.BidSize = best.Price, best.Size
		best = b.BestAsk()
		q.Ask, q.AskSize = best.Price, best.Size
		if b.ReceivedTime.After(q.UpdatedTime) {
			q.UpdatedTime = b.ReceivedTime
		}
	}
	return q, true
}

// QuotesFor returns every venue's current quote for a symbol. Venues
// without usable state are simply absent.
func (s *Store) QuotesFor(sym types.Symbol) []Quote {
	s.mu.RLock()
	defer s.mu.RUnlock()

	venues, ok := s.symbols[sym]
	if !ok {
		return nil
	}
	out := make([]Quote, 0, len(venues))
	for v := range venues {
		if q, ok := s.quoteLocked(v, sym); ok {
			out = append(out, q)
		}
	}
	return out
}

// Symbols lists every symbol with state on at least minVenues venues.
func (s *Store) Symbols(minVenues int) []types.Symbol {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Symbol, 0, len(s.symbols))
	for sym, venues := range s.symbols {
		if len(venues) >= minVenues {
			out = append(out, sym)
		}
	}
	return out
}
