package exchange

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"crossarb/pkg/types"
)

// wireCodec is a minimal public-only codec for driving a session against
// a local server.
type wireCodec struct{}

func (wireCodec) Venue() types.Venue              { return "local" }
func (wireCodec) Private(types.ChannelKind) bool  { return false }
func (wireCodec) Supports(types.ChannelKind) bool { return true }

func (wireCodec) BuildSubscribe(ch Channel, _ string) ([]byte, error) {
	return json.Marshal(map[string]string{"op": "subscribe", "channel": ch.String()})
}

func (wireCodec) BuildUnsubscribe(ch Channel, _ string) ([]byte, error) {
	return json.Marshal(map[string]string{"op": "unsubscribe", "channel": ch.String()})
}

func (wireCodec) BuildPing() []byte { return []byte(`{"op":"ping"}`) }
func (wireCodec) BuildPong() []byte { return []byte(`{"op":"pong"}`) }

func (wireCodec) Decode(raw []byte, _ time.Time) (DecodeResult, error) {
	var f map[string]any
	if err := json.Unmarshal(raw, &f); err != nil {
		return DecodeResult{}, err
	}
	switch f["op"] {
	case "ping", "pong":
		return DecodeResult{Class: FrameHeartbeat}, nil
	case "data":
		return DecodeResult{Class: FrameBusiness}, nil
	}
	return DecodeResult{Class: FrameAck}, nil
}

type nullReporter struct{}

func (nullReporter) RegisterError(types.Venue, string, string) {}

// serverConn is one accepted connection with its received text frames.
type serverConn struct {
	ws     *websocket.Conn
	frames chan string
	times  chan time.Time
}

func (c *serverConn) writeJSON(v any) {
	// Send failures here mean the peer went away; the assertions catch
	// that separately.
	_ = c.ws.WriteJSON(v)
}

// startWSServer runs a local WebSocket endpoint; every accepted
// connection is announced on the returned channel.
func startWSServer(t *testing.T) (chan *serverConn, string) {
	t.Helper()
	var upgrader websocket.Upgrader
	accepted := make(chan *serverConn, 8)
	var mu sync.Mutex
	var conns []*websocket.Conn

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		conns = append(conns, ws)
		mu.Unlock()
		conn := &serverConn{ws: ws, frames: make(chan string, 64), times: make(chan time.Time, 64)}
		accepted <- conn
		go func() {
			for {
				_, raw, err := ws.ReadMessage()
				if err != nil {
					close(conn.frames)
					return
				}
				conn.frames <- string(raw)
				conn.times <- time.Now()
			}
		}()
	}))
	t.Cleanup(func() {
		mu.Lock()
		for _, ws := range conns {
			ws.Close()
		}
		mu.Unlock()
		srv.Close()
	})
	return accepted, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitConn(t *testing.T, accepted chan *serverConn) *serverConn {
	t.Helper()
	select {
	case c := <-accepted:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a connection")
		return nil
	}
}

// waitFrame drains frames until one contains substr.
func waitFrame(t *testing.T, conn *serverConn, substr string) time.Time {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-conn.frames:
			if !ok {
				t.Fatalf("connection closed while waiting for %q", substr)
			}
			at := <-conn.times
			if strings.Contains(f, substr) {
				return at
			}
		case <-deadline:
			t.Fatalf("timed out waiting for frame containing %q", substr)
		}
	}
}

// subscribeEventually retries until the socket is connected.
func subscribeEventually(t *testing.T, s *Session, ch Channel) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := s.Subscribe(context.Background(), ch); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("subscribe %s never succeeded", ch)
}

func quietSessionConfig(url string) SessionConfig {
	return SessionConfig{
		Venue:             "local",
		PublicURL:         url,
		HeartbeatInterval: 20 * time.Millisecond,
		ProbeThreshold:    time.Hour,
		SilenceTimeout:    2 * time.Hour,
		PongInterval:      time.Hour,
		MaxReconnectWait:  100 * time.Millisecond,
	}
}

func TestSessionReplaysSubscriptionsAfterReconnect(t *testing.T) {
	accepted, url := startWSServer(t)

	s := NewSession(quietSessionConfig(url), wireCodec{}, nil, nullReporter{}, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	defer s.Disconnect()

	conn1 := waitConn(t, accepted)
	subscribeEventually(t, s, Channel{Kind: types.ChannelTicker, Symbol: "BTC-USDC-PERP"})
	subscribeEventually(t, s, Channel{Kind: types.ChannelOrderBook, Symbol: "BTC-USDC-PERP"})
	waitFrame(t, conn1, "ticker:BTC-USDC-PERP")
	waitFrame(t, conn1, "orderbook:BTC-USDC-PERP")

	// Server drops the connection; the durable set must be replayed on
	// the new one without further Subscribe calls.
	conn1.ws.Close()

	conn2 := waitConn(t, accepted)
	first := waitFrame(t, conn2, "ticker:BTC-USDC-PERP")
	second := waitFrame(t, conn2, "orderbook:BTC-USDC-PERP")

	// Replay is paced, not burst.
	if gap := second.Sub(first); gap < 50*time.Millisecond {
		t.Errorf("replay gap = %v, want >= 50ms pacing", gap)
	}

	if h := s.Health(); h.ReconnectCount < 1 {
		t.Errorf("ReconnectCount = %d, want >= 1", h.ReconnectCount)
	}
}

func TestSessionProbesThenReconnectsOnSilence(t *testing.T) {
	accepted, url := startWSServer(t)

	cfg := SessionConfig{
		Venue:             "local",
		PublicURL:         url,
		HeartbeatInterval: 10 * time.Millisecond,
		ProbeThreshold:    40 * time.Millisecond,
		SilenceTimeout:    150 * time.Millisecond,
		PongInterval:      time.Hour,
		MaxReconnectWait:  50 * time.Millisecond,
	}
	s := NewSession(cfg, wireCodec{}, nil, nullReporter{}, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	defer s.Disconnect()

	// A silent server first draws a probe ping, then a reconnect.
	conn1 := waitConn(t, accepted)
	waitFrame(t, conn1, `"op":"ping"`)
	conn2 := waitConn(t, accepted)

	// Steady business traffic on the new connection holds it open.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				conn2.writeJSON(map[string]string{"op": "data"})
			}
		}
	}()

	select {
	case <-accepted:
		t.Fatal("session reconnected despite steady business traffic")
	case <-time.After(400 * time.Millisecond):
	}
}
