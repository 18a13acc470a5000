package registry

import (
	"sync"
	"testing"

	"crossarb/pkg/types"
)

const testVenue = types.Venue("edgex")

func publishBTC(r *Registry) {
	r.Publish(testVenue, []types.ContractInfo{
		{Canonical: "BTC-USDC-PERP", Native: "BTC_USDT_PERP", ContractID: "10000001"},
		{Canonical: "ETH-USDC-PERP", Native: "ETH_USDT_PERP", ContractID: "10000002"},
	})
}

func TestCanonicalOf(t *testing.T) {
	t.Parallel()
	r := New()
	publishBTC(r)

	cases := []struct {
		native string
		want   types.Symbol
		ok     bool
	}{
		{"BTC_USDT_PERP", "BTC-USDC-PERP", true},
		{"btc_usdt_perp", "BTC-USDC-PERP", true}, // case-insensitive
		{"BTC-USDT-PERP", "BTC-USDC-PERP", true}, // hyphen variant via suffix rewrite
		{"BTC-USD-PERP", "BTC-USDC-PERP", true},  // USD alias
		{"BTCUSDT", "BTC-USDC-PERP", true},       // compact pair form
		{"BTC-USDC-PERP", "BTC-USDC-PERP", true}, // already canonical
		{"DOGE_USDT_PERP", "", false},            // unknown symbol
	}

	for _, tc := range cases {
		got, ok := r.CanonicalOf(testVenue, tc.native)
		if ok != tc.ok || got != tc.want {
			t.Errorf("CanonicalOf(%q) = (%q, %v), want (%q, %v)", tc.native, got, ok, tc.want, tc.ok)
		}
	}
}

func TestNativeAndContractID(t *testing.T) {
	t.Parallel()
	r := New()
	publishBTC(r)

	native, ok := r.NativeOf(testVenue, "BTC-USDC-PERP")
	if !ok || native != "BTC_USDT_PERP" {
		t.Errorf("NativeOf = (%q, %v), want (BTC_USDT_PERP, true)", native, ok)
	}

	id, ok := r.ContractIDOf(testVenue, "ETH-USDC-PERP")
	if !ok || id != "10000002" {
		t.Errorf("ContractIDOf = (%q, %v), want (10000002, true)", id, ok)
	}

	sym, ok := r.SymbolOf(testVenue, "10000001")
	if !ok || sym != "BTC-USDC-PERP" {
		t.Errorf("SymbolOf = (%q, %v), want (BTC-USDC-PERP, true)", sym, ok)
	}
}

func TestUnknownVenueAndSymbol(t *testing.T) {
	t.Parallel()
	r := New()

	if _, ok := r.CanonicalOf("nosuch", "BTC_USDT_PERP"); ok {
		t.Error("lookup on unpublished venue should miss")
	}

	publishBTC(r)
	if _, ok := r.SymbolOf(testVenue, "99999999"); ok {
		t.Error("unknown contract id should miss, not fabricate")
	}
}

func TestPublishReplacesNotMerges(t *testing.T) {
	t.Parallel()
	r := New()
	publishBTC(r)

	// Second frame drops ETH; it must disappear.
	r.Publish(testVenue, []types.ContractInfo{
		{Canonical: "BTC-USDC-PERP", Native: "BTC_USDT_PERP", ContractID: "10000001"},
	})

	if _, ok := r.NativeOf(testVenue, "ETH-USDC-PERP"); ok {
		t.Error("ETH should be gone after replacement publish")
	}
	if _, ok := r.NativeOf(testVenue, "BTC-USDC-PERP"); !ok {
		t.Error("BTC should survive replacement publish")
	}
}

func TestConcurrentPublishAndRead(t *testing.T) {
	t.Parallel()
	r := New()
	publishBTC(r)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				publishBTC(r)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				// Readers must always see a complete table: if BTC resolves,
				// its contract id must resolve too.
				if sym, ok := r.CanonicalOf(testVenue, "BTC_USDT_PERP"); ok {
					if _, ok := r.ContractIDOf(testVenue, sym); !ok {
						t.Error("torn table: canonical resolved but contract id missing")
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}

func TestCandidatesOrdering(t *testing.T) {
	t.Parallel()

	got := Candidates("BTC_USDT_PERP")
	if len(got) == 0 || got[0] != "BTC_USDT_PERP" {
		t.Fatalf("first candidate must be the input itself, got %v", got)
	}

	// The rewritten canonical form must appear after the literal forms.
	found := false
	for _, c := range got[1:] {
		if c == "BTC-USDC-PERP" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected BTC-USDC-PERP among candidates, got %v", got)
	}
}

func TestCanonicalize(t *testing.T) {
	t.Parallel()
	policy := QuoteAliasPolicy{Canonical: "USDC", Aliases: []string{"USD", "USDT"}}

	cases := []struct {
		base, quote string
		want        types.Symbol
	}{
		{"BTC", "USDT", "BTC-USDC-PERP"},
		{"eth", "usd", "ETH-USDC-PERP"},
		{"SOL", "USDC", "SOL-USDC-PERP"},
		{"XRP", "EUR", "XRP-EUR-PERP"}, // non-aliased quote passes through
	}
	for _, tc := range cases {
		if got := Canonicalize(tc.base, tc.quote, policy); got != tc.want {
			t.Errorf("Canonicalize(%q, %q) = %q, want %q", tc.base, tc.quote, got, tc.want)
		}
	}
}
