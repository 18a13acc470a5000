// Package registry maps canonical symbols to venue-native identifiers
// and back.
//
// Each venue session publishes a complete translation table whenever a
// metadata frame arrives. Publication is a single atomic pointer swap:
// readers always observe either the old complete table or the new
// complete table, never a partial mutation. Lookups that miss return the
// zero value and false — callers never receive a silently-constructed
// placeholder that could reach an order path.
package registry

import (
	"strings"
	"sync"
	"sync/atomic"

	"crossarb/pkg/types"
)

// QuoteAliasPolicy declares which quote-currency spellings a venue treats
// as equivalent to the canonical settlement currency. A venue trading
// USDC-settled perpetuals typically aliases USD and USDT to USDC.
type QuoteAliasPolicy struct {
	// Canonical is the settlement currency used in canonical symbols,
	// e.g. "USDC".
	Canonical string
	// Aliases are venue spellings resolved to Canonical, e.g.
	// {"USD", "USDT"}.
	Aliases []string
}

// Resolve maps a venue quote currency onto the canonical one. Unknown
// currencies pass through unchanged.
func (p QuoteAliasPolicy) Resolve(quote string) string {
	quote = strings.ToUpper(quote)
	if quote == p.Canonical {
		return p.Canonical
	}
	for _, a := range p.Aliases {
		if quote == a {
			return p.Canonical
		}
	}
	return quote
}

// venueTable holds the four directions of translation for one venue.
// Immutable after construction; replaced wholesale on each metadata frame.
type venueTable struct {
	byNative     map[string]types.Symbol // native symbol → canonical
	byCanonical  map[types.Symbol]string // canonical → native symbol
	idByCanon    map[types.Symbol]string // canonical → contract id
	canonByID    map[string]types.Symbol // contract id → canonical
}

// Registry answers symbol translation queries for every configured venue.
// Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	venues map[types.Venue]*atomic.Pointer[venueTable]
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{venues: make(map[types.Venue]*atomic.Pointer[venueTable])}
}

// Publish replaces the venue's translation table with one built from the
// given contracts. Replacement, not merge: contracts absent from the new
// metadata frame disappear from the registry.
func (r *Registry) Publish(venue types.Venue, contracts []types.ContractInfo) {
	t := &venueTable{
		byNative:    make(map[string]types.Symbol, len(contracts)),
		byCanonical: make(map[types.Symbol]string, len(contracts)),
		idByCanon:   make(map[types.Symbol]string, len(contracts)),
		canonByID:   make(map[string]types.Symbol, len(contracts)),
	}
	for _, c := range contracts {
		if c.Canonical == "" || c.Native == "" {
			continue
		}
		t.byNative[strings.ToUpper(c.Native)] = c.Canonical
		t.byCanonical[c.Canonical] = c.Native
		if c.ContractID != "" {
			t.idByCanon[c.Canonical] = c.ContractID
			t.canonByID[c.ContractID] = c.Canonical
		}
	}
	r.pointerFor(venue).Store(t)
}

func (r *Registry) pointerFor(venue types.Venue) *atomic.Pointer[venueTable] {
	r.mu.RLock()
	p, ok := r.venues[venue]
	r.mu.RUnlock()
	if ok {
		return p
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok = r.venues[venue]; ok {
		return p
	}
	p = &atomic.Pointer[venueTable]{}
	r.venues[venue] = p
	return p
}

func (r *Registry) table(venue types.Venue) *venueTable {
	r.mu.RLock()
	p, ok := r.venues[venue]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return p.Load()
}

// CanonicalOf resolves a venue-native symbol to its canonical form.
// Candidate generation is ordered most-specific first; the first table
// hit wins. No fuzzy matching.
func (r *Registry) CanonicalOf(venue types.Venue, native string) (types.Symbol, bool) {
	t := r.table(venue)
	if t == nil {
		return "", false
	}
	for _, cand := range Candidates(native) {
		if sym, ok := t.byNative[cand]; ok {
			return sym, true
		}
		// The candidate may itself already be canonical.
		if _, ok := t.byCanonical[types.Symbol(cand)]; ok {
			return types.Symbol(cand), true
		}
	}
	return "", false
}

// NativeOf resolves a canonical symbol to the venue's native spelling.
func (r *Registry) NativeOf(venue types.Venue, canonical types.Symbol) (string, bool) {
	t := r.table(venue)
	if t == nil {
		return "", false
	}
	native, ok := t.byCanonical[canonical]
	return native, ok
}

// ContractIDOf resolves a canonical symbol to the venue's contract id.
func (r *Registry) ContractIDOf(venue types.Venue, canonical types.Symbol) (string, bool) {
	t := r.table(venue)
	if t == nil {
		return "", false
	}
	id, ok := t.idByCanon[canonical]
	return id, ok
}

// SymbolOf resolves a venue contract id to the canonical symbol.
func (r *Registry) SymbolOf(venue types.Venue, contractID string) (types.Symbol, bool) {
	t := r.table(venue)
	if t == nil {
		return "", false
	}
	sym, ok := t.canonByID[contractID]
	return sym, ok
}

// Canonicalize builds the canonical symbol for a base/quote pair under a
// venue's quote-alias policy. Used by codecs when constructing metadata.
func Canonicalize(base, quote string, policy QuoteAliasPolicy) types.Symbol {
	base = strings.ToUpper(strings.TrimSpace(base))
	return types.Symbol(base + "-" + policy.Resolve(quote) + "-PERP")
}

// Candidates generates ordered lookup keys for a native symbol string.
// Most specific first: the uppercased input itself, then underscore →
// hyphen, then suffix rewrites that resolve "-PERP", "USDC", "USDT" and
// "USD" endings to the BASE-USDC-PERP form. First match wins.
func Candidates(native string) []string {
	s := strings.ToUpper(strings.TrimSpace(native))
	if s == "" {
		return nil
	}

	out := []string{s}
	add := func(c string) {
		for _, have := range out {
			if have == c {
				return
			}
		}
		out = append(out, c)
	}

	hyphened := strings.ReplaceAll(s, "_", "-")
	add(hyphened)

	// Strip a trailing -PERP / _PERP to recover BASE-QUOTE.
	pair := hyphened
	pair = strings.TrimSuffix(pair, "-PERP")

	// BASE-QUOTE or BASEQUOTE endings resolve to BASE-USDC-PERP.
	for _, quote := range []string{"USDC", "USDT", "USD"} {
		switch {
		case strings.HasSuffix(pair, "-"+quote):
			base := strings.TrimSuffix(pair, "-"+quote)
			add(base + "-USDC-PERP")
		case strings.HasSuffix(pair, quote) && len(pair) > len(quote):
			base := strings.TrimSuffix(pair, quote)
			base = strings.TrimSuffix(base, "-")
			if base != "" {
				add(base + "-USDC-PERP")
			}
		}
	}

	return out
}
