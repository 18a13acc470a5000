package exchange

import (
	"testing"
	"time"
)

func TestReconnectDelaySchedule(t *testing.T) {
	t.Parallel()

	max := defaultMaxReconnectWait
	want := []time.Duration{
		0,
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
	for attempt, expect := range want {
		if got := reconnectDelay(attempt, max); got != expect {
			t.Errorf("reconnectDelay(%d) = %v, want %v", attempt, got, expect)
		}
	}
}

func TestReconnectDelayCapped(t *testing.T) {
	t.Parallel()

	max := defaultMaxReconnectWait
	if got := reconnectDelay(10, max); got != max {
		t.Errorf("reconnectDelay(10) = %v, want cap %v", got, max)
	}
	// Shift overflow on absurd attempt counts still yields the cap, so the
	// session never stops retrying.
	if got := reconnectDelay(80, max); got != max {
		t.Errorf("reconnectDelay(80) = %v, want cap %v", got, max)
	}
}

func TestSubscriptionSetDedupes(t *testing.T) {
	t.Parallel()

	k := &socket{}
	ch := Channel{Kind: "orderbook", Symbol: "BTC-USDC-PERP"}
	k.addSubscription(ch)
	k.addSubscription(ch)
	k.addSubscription(Channel{Kind: "ticker", Symbol: "BTC-USDC-PERP"})

	if len(k.subs) != 2 {
		t.Fatalf("subscription set = %d entries, want 2", len(k.subs))
	}

	k.removeSubscription(ch)
	if len(k.subs) != 1 || k.subs[0].Kind != "ticker" {
		t.Errorf("after removal subs = %v, want only ticker", k.subs)
	}
}

func TestChannelString(t *testing.T) {
	t.Parallel()

	if got := (Channel{Kind: "orderbook", Symbol: "ETH-USDC-PERP"}).String(); got != "orderbook:ETH-USDC-PERP" {
		t.Errorf("Channel.String() = %q", got)
	}
	if got := (Channel{Kind: "account"}).String(); got != "account" {
		t.Errorf("account channel String() = %q", got)
	}
}
