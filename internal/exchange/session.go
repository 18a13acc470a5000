// session.go implements the venue session: one or two WebSocket sockets
// (public + private) with handshake, authentication, subscription
// replay, application-layer heartbeat, silence detection, and
// reconnection with an aggressive schedule.
//
// Every failure — connection error, parse error, silence timeout, ping
// failure, private-auth rejection — routes to the same force-reconnect
// path. Venue business errors are additionally registered with the
// backoff controller.
package exchange

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"crossarb/pkg/types"
)

const (
	defaultHeartbeatInterval = 5 * time.Second
	defaultProbeThreshold    = 30 * time.Second
	defaultSilenceTimeout    = 60 * time.Second
	defaultPongInterval      = 25 * time.Second
	defaultMaxReconnectWait  = 300 * time.Second

	writeTimeout = 10 * time.Second

	// closeSettle gives the server time to process our close frame
	// before we redial.
	closeSettle = 500 * time.Millisecond

	// handlerStopTimeout / socketCloseTimeout bound Disconnect.
	handlerStopTimeout = 2 * time.Second
	socketCloseTimeout = 3 * time.Second

	// authTokenTTL is the lifetime requested for short-lived private
	// tokens. Tokens are minted fresh on every reconnect; some venues
	// bind them to connection identity, so caching across reconnects is
	// never safe even inside the TTL.
	authTokenTTL = 10 * time.Minute
)

// ErrorReporter receives venue business errors. Satisfied by the backoff
// controller.
type ErrorReporter interface {
	RegisterError(venue types.Venue, code, message string)
}

// SessionConfig configures one venue session.
type SessionConfig struct {
	Venue      types.Venue
	PublicURL  string
	PrivateURL string // "" = public-only mode

	// InsecureSkipVerify disables TLS verification. Development use only;
	// must be set explicitly per venue, never from a global env var.
	InsecureSkipVerify bool

	HeartbeatInterval time.Duration
	ProbeThreshold    time.Duration
	SilenceTimeout    time.Duration
	PongInterval      time.Duration
	MaxReconnectWait  time.Duration
}

func (c *SessionConfig) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.ProbeThreshold <= 0 {
		c.ProbeThreshold = defaultProbeThreshold
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = defaultSilenceTimeout
	}
	if c.PongInterval <= 0 {
		c.PongInterval = defaultPongInterval
	}
	if c.MaxReconnectWait <= 0 {
		c.MaxReconnectWait = defaultMaxReconnectWait
	}
}

// Session owns the venue's sockets, codec, and account caches.
type Session struct {
	cfg    SessionConfig
	codec  Codec
	auth   AuthProvider // nil in public-only mode
	sink   func(types.Event)
	errors ErrorReporter
	limit  *RateLimiter
	logger *slog.Logger

	public  *socket
	private *socket // nil in public-only mode

	caches *AccountCache
	dedup  *OrderDedup

	// onReconnect lets the engine clear derived state (order books) so
	// reconstruction restarts from fresh snapshots.
	onReconnect func(types.Venue)

	txMu      sync.Mutex
	txPending map[string]chan *TxResponse

	wg sync.WaitGroup
}

// NewSession wires a session. sink receives every normalized event;
// it must not block (the pipeline's enqueue is drop-oldest).
func NewSession(cfg SessionConfig, codec Codec, auth AuthProvider, errs ErrorReporter, sink func(types.Event), logger *slog.Logger) *Session {
	cfg.applyDefaults()
	s := &Session{
		cfg:       cfg,
		codec:     codec,
		auth:      auth,
		sink:      sink,
		errors:    errs,
		limit:     NewRateLimiter(),
		logger:    logger.With("component", "session", "venue", cfg.Venue),
		caches:    NewAccountCache(),
		dedup:     NewOrderDedup(),
		txPending: make(map[string]chan *TxResponse),
	}
	s.public = newSocket(s, "public", cfg.PublicURL, false)
	if cfg.PrivateURL != "" && auth != nil {
		s.private = newSocket(s, "private", cfg.PrivateURL, true)
	}
	return s
}

// SetReconnectHook installs the callback fired after each successful
// reconnect, before subscription replay.
func (s *Session) SetReconnectHook(fn func(types.Venue)) { s.onReconnect = fn }

// Venue returns the session's venue.
func (s *Session) Venue() types.Venue { return s.cfg.Venue }

// Caches exposes the session-owned account state (read-only use).
func (s *Session) Caches() *AccountCache { return s.caches }

// Run connects and maintains all sockets until ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.public.run(ctx)
	}()
	if s.private != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.private.run(ctx)
		}()
	}
	<-ctx.Done()
	s.wg.Wait()
}

// Subscribe adds a channel to the durable subscription set and sends the
// subscribe frame if the socket is up. The set survives reconnects and
// is replayed on every CONNECTING → AUTHENTICATED transition.
func (s *Session) Subscribe(ctx context.Context, ch Channel) error {
	if !s.codec.Supports(ch.Kind) {
		s.logger.Debug("channel kind unavailable on venue", "channel", ch)
		return nil
	}
	sock := s.socketFor(ch.Kind)
	if sock == nil {
		return fmt.Errorf("no private socket for channel %s", ch)
	}
	sock.addSubscription(ch)
	return sock.sendSubscribe(ctx, ch)
}

// Unsubscribe removes a channel from the set and notifies the venue.
func (s *Session) Unsubscribe(ctx context.Context, ch Channel) error {
	sock := s.socketFor(ch.Kind)
	if sock == nil {
		return nil
	}
	sock.removeSubscription(ch)
	frame, err := s.codec.BuildUnsubscribe(ch, sock.currentToken())
	if err != nil {
		return err
	}
	return sock.write(frame)
}

// Resync forces a fresh snapshot for one order-book channel by
// unsubscribing and resubscribing it. Invoked by the book engine on
// persistent integrity failures.
func (s *Session) Resync(symbol types.Symbol) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch := Channel{Kind: types.ChannelOrderBook, Symbol: symbol}
	if err := s.Unsubscribe(ctx, ch); err != nil {
		s.logger.Warn("resync unsubscribe failed", "symbol", symbol, "error", err)
	}
	if err := s.Subscribe(ctx, ch); err != nil {
		s.logger.Warn("resync resubscribe failed", "symbol", symbol, "error", err)
	}
}

// Disconnect shuts the session down. Idempotent; bounded by the handler
// and socket-close deadlines.
func (s *Session) Disconnect() {
	s.public.shutdown()
	if s.private != nil {
		s.private.shutdown()
	}
}

// ForceReconnect tears down the sockets without clearing the run flag;
// the run loops redial. Used by the backoff controller's restart hook.
func (s *Session) ForceReconnect(reason string) {
	s.logger.Warn("forcing reconnect", "reason", reason)
	s.public.forceReconnect(reason)
	if s.private != nil {
		s.private.forceReconnect(reason)
	}
}

// SendTxBatch wraps signed transactions in a single Family B round-trip
// and waits for the response matching the request id.
func (s *Session) SendTxBatch(ctx context.Context, frame []byte, requestID string, timeout time.Duration) (*TxResponse, error) {
	sock := s.private
	if sock == nil {
		sock = s.public
	}

	respCh := make(chan *TxResponse, 1)
	s.txMu.Lock()
	s.txPending[requestID] = respCh
	s.txMu.Unlock()
	defer func() {
		s.txMu.Lock()
		delete(s.txPending, requestID)
		s.txMu.Unlock()
	}()

	if err := sock.write(frame); err != nil {
		return nil, fmt.Errorf("send tx batch: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("tx batch %s: timeout after %s", requestID, timeout)
	case resp := <-respCh:
		if resp.Err != nil {
			s.errors.RegisterError(s.cfg.Venue, resp.Err.Code, resp.Err.Message)
			return resp, fmt.Errorf("tx batch %s: venue error %s %s", requestID, resp.Err.Code, resp.Err.Message)
		}
		return resp, nil
	}
}

// Health merges both sockets into the venue health snapshot.
func (s *Session) Health() types.HealthSnapshot {
	h := s.public.health()
	if s.private != nil {
		ph := s.private.health()
		h.Subscriptions = append(h.Subscriptions, ph.Subscriptions...)
		h.ReconnectCount += ph.ReconnectCount
		h.BytesReceived += ph.BytesReceived
		h.BytesSent += ph.BytesSent
		// Session status reflects the private socket when one exists:
		// a venue is only AUTHENTICATED if its private side is.
		h.Status = ph.Status
		if ph.LastBusinessAgo > h.LastBusinessAgo {
			h.LastBusinessAgo = ph.LastBusinessAgo
		}
	}
	return h
}

// Status returns the current connection status (private side when
// present).
func (s *Session) Status() types.SessionStatus {
	if s.private != nil {
		return s.private.currentStatus()
	}
	return s.public.currentStatus()
}

func (s *Session) socketFor(kind types.ChannelKind) *socket {
	if s.codec.Private(kind) {
		return s.private
	}
	return s.public
}

// handleDecoded routes one frame's decode result: heartbeat replies,
// tx-response correlation, business errors, and event fan-out through
// the caches and dedup filter.
func (s *Session) handleDecoded(res DecodeResult, sock *socket) {
	if res.PongReply != nil {
		if err := sock.write(res.PongReply); err != nil {
			sock.forceReconnect("pong write failed")
			return
		}
	}

	if res.Err != nil {
		s.errors.RegisterError(s.cfg.Venue, res.Err.Code, res.Err.Message)
	}

	if res.Tx != nil {
		s.txMu.Lock()
		ch, ok := s.txPending[res.Tx.ID]
		s.txMu.Unlock()
		if ok {
			select {
			case ch <- res.Tx:
			default:
			}
		}
	}

	for i := range res.Events {
		ev := res.Events[i]
		switch ev.Kind {
		case types.EventOrder:
			if ev.Order == nil || s.dedup.Seen(ev.Order) {
				continue
			}
			s.caches.ApplyOrder(ev.Order)
		case types.EventPosition:
			if ev.Position == nil {
				continue
			}
			s.caches.ApplyPosition(ev.Position)
		case types.EventBalance:
			if ev.Balance == nil {
				continue
			}
			s.caches.ApplyBalance(ev.Balance)
		}
		if s.sink != nil {
			s.sink(ev)
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// socket: one WebSocket connection with the full lifecycle semantics
// ————————————————————————————————————————————————————————————————————————

type socket struct {
	sess    *Session
	role    string
	url     string
	private bool
	logger  *slog.Logger

	mu           sync.Mutex
	ws           *websocket.Conn
	status       types.SessionStatus
	reconnecting bool
	shouldRun    bool
	token        string // current private auth token, "" on public
	cancelConn   context.CancelFunc
	done         chan struct{} // closed when run() exits

	subsMu sync.Mutex
	subs   []Channel

	lastMessage  atomic.Int64 // unix nanos of any frame
	lastBusiness atomic.Int64 // unix nanos excluding pings and acks
	probeSent    atomic.Bool  // one manual ping probe in flight at a time

	attempts       int
	reconnectCount atomic.Int64
	bytesIn        atomic.Int64
	bytesOut       atomic.Int64
}

func newSocket(sess *Session, role, url string, private bool) *socket {
	return &socket{
		sess:      sess,
		role:      role,
		url:       url,
		private:   private,
		logger:    sess.logger.With("socket", role),
		status:    types.SessionDisconnected,
		shouldRun: true,
		done:      make(chan struct{}),
	}
}

// reconnectDelay implements the aggressive schedule: immediate, then
// 1 s, 2 s, 4 s, 8 s, doubling up to the cap. No ceiling on attempts.
func reconnectDelay(attempt int, maxWait time.Duration) time.Duration {
	if attempt <= 0 {
		return 0
	}
	if attempt > 30 {
		return maxWait
	}
	d := time.Second << (attempt - 1)
	if d > maxWait || d <= 0 {
		return maxWait
	}
	return d
}

func (k *socket) run(ctx context.Context) {
	defer close(k.done)
	for {
		k.mu.Lock()
		running := k.shouldRun
		k.mu.Unlock()
		if !running || ctx.Err() != nil {
			return
		}

		err := k.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}

		delay := reconnectDelay(k.attempts, k.sess.cfg.MaxReconnectWait)
		k.attempts++
		k.setStatus(types.SessionDisconnected)
		k.logger.Warn("socket disconnected, reconnecting",
			"error", err,
			"attempt", k.attempts,
			"delay", delay,
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (k *socket) connectAndRead(ctx context.Context) error {
	k.setStatus(types.SessionConnecting)

	dialer := *websocket.DefaultDialer
	if k.sess.cfg.InsecureSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	ws, _, err := dialer.DialContext(ctx, k.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", k.role, err)
	}

	// Library-level ping frames are disabled in favor of the venue's
	// JSON heartbeat; an unexpected control ping is simply ignored.
	ws.SetPingHandler(func(string) error { return nil })

	connCtx, cancel := context.WithCancel(ctx)
	k.mu.Lock()
	k.ws = ws
	k.cancelConn = cancel
	k.reconnecting = false
	k.mu.Unlock()

	defer func() {
		cancel()
		k.closeSocket(ws)
	}()

	k.setStatus(types.SessionConnected)
	now := time.Now().UnixNano()
	k.lastMessage.Store(now)
	k.lastBusiness.Store(now)
	k.probeSent.Store(false)

	if k.private {
		if err := k.authenticate(); err != nil {
			k.sess.errors.RegisterError(k.sess.cfg.Venue, "auth", err.Error())
			return fmt.Errorf("authenticate: %w", err)
		}
		k.setStatus(types.SessionAuthenticated)
	}

	wasReconnect := k.attempts > 0
	if wasReconnect {
		k.reconnectCount.Add(1)
		if k.sess.onReconnect != nil {
			k.sess.onReconnect(k.sess.cfg.Venue)
		}
	}
	k.attempts = 0

	if err := k.replaySubscriptions(connCtx); err != nil {
		return fmt.Errorf("replay subscriptions: %w", err)
	}

	k.logger.Info("socket connected", "reconnect", wasReconnect)

	go k.heartbeatLoop(connCtx)

	// Read loop. The deadline is a transport-level backstop; the real
	// silence policy lives in the heartbeat loop.
	for {
		if connCtx.Err() != nil {
			return connCtx.Err()
		}
		ws.SetReadDeadline(time.Now().Add(k.sess.cfg.SilenceTimeout + 30*time.Second))
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		k.bytesIn.Add(int64(len(raw)))
		k.lastMessage.Store(time.Now().UnixNano())

		res, err := k.sess.codec.Decode(raw, time.Now())
		if err != nil {
			k.logger.Warn("frame parse error", "error", err, "payload", PayloadPreview(raw))
			continue
		}
		if res.Class == FrameBusiness {
			k.lastBusiness.Store(time.Now().UnixNano())
			k.probeSent.Store(false)
		}
		k.sess.handleDecoded(res, k)
	}
}

// authenticate mints a fresh token for the private socket. Tokens are
// never reused across reconnects.
func (k *socket) authenticate() error {
	token, err := k.sess.auth.Token(time.Now().Add(authTokenTTL))
	if err != nil {
		return err
	}
	k.mu.Lock()
	k.token = token
	k.mu.Unlock()
	return nil
}

func (k *socket) currentToken() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.token
}

// replaySubscriptions re-sends every durable subscription, paced to
// avoid venue rate limits.
func (k *socket) replaySubscriptions(ctx context.Context) error {
	k.subsMu.Lock()
	subs := append([]Channel(nil), k.subs...)
	k.subsMu.Unlock()

	for _, ch := range subs {
		if err := k.sess.limit.Subscribe.Wait(ctx); err != nil {
			return err
		}
		if err := k.sendSubscribe(ctx, ch); err != nil {
			return err
		}
	}
	return nil
}

func (k *socket) sendSubscribe(ctx context.Context, ch Channel) error {
	frame, err := k.sess.codec.BuildSubscribe(ch, k.currentToken())
	if err != nil {
		return fmt.Errorf("build subscribe %s: %w", ch, err)
	}
	return k.write(frame)
}

func (k *socket) addSubscription(ch Channel) {
	k.subsMu.Lock()
	defer k.subsMu.Unlock()
	for _, have := range k.subs {
		if have == ch {
			return
		}
	}
	k.subs = append(k.subs, ch)
}

func (k *socket) removeSubscription(ch Channel) {
	k.subsMu.Lock()
	defer k.subsMu.Unlock()
	for i, have := range k.subs {
		if have == ch {
			k.subs = append(k.subs[:i], k.subs[i+1:]...)
			return
		}
	}
}

// heartbeatLoop runs the 5 s check: unsolicited pong keep-alives, the
// single manual probe past the 30 s threshold, and the 60 s silence
// reconnect. A probe that races an in-progress reconnect is a no-op.
func (k *socket) heartbeatLoop(ctx context.Context) {
	check := time.NewTicker(k.sess.cfg.HeartbeatInterval)
	pong := time.NewTicker(k.sess.cfg.PongInterval)
	defer check.Stop()
	defer pong.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pong.C:
			if err := k.write(k.sess.codec.BuildPong()); err != nil {
				// A single heartbeat send failure marks the connection
				// unusable.
				k.forceReconnect("keep-alive pong failed")
				return
			}
		case <-check.C:
			k.sess.caches.Sweep()
			silence := time.Since(time.Unix(0, k.lastBusiness.Load()))
			switch {
			case silence >= k.sess.cfg.SilenceTimeout:
				k.forceReconnect(fmt.Sprintf("no business data for %s", silence.Truncate(time.Second)))
				return
			case silence >= k.sess.cfg.ProbeThreshold:
				if k.probeSent.CompareAndSwap(false, true) {
					if err := k.write(k.sess.codec.BuildPing()); err != nil {
						k.forceReconnect("probe ping failed")
						return
					}
					k.logger.Debug("probe ping sent", "silence", silence.Truncate(time.Second))
				}
			}
		}
	}
}

var errNotConnected = errors.New("websocket not connected")

func (k *socket) write(frame []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.ws == nil {
		return errNotConnected
	}
	k.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := k.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return err
	}
	k.bytesOut.Add(int64(len(frame)))
	return nil
}

// forceReconnect tears the connection down; the run loop redials. The
// reconnecting flag makes racing heartbeat observers no-ops.
func (k *socket) forceReconnect(reason string) {
	k.mu.Lock()
	if k.reconnecting || k.ws == nil {
		k.mu.Unlock()
		return
	}
	k.reconnecting = true
	cancel := k.cancelConn
	k.mu.Unlock()

	k.logger.Warn("connection marked unusable", "reason", reason)
	if cancel != nil {
		cancel()
	}
	k.closeNow()
}

// shutdown stops the socket permanently (Disconnect). Idempotent.
func (k *socket) shutdown() {
	k.mu.Lock()
	if !k.shouldRun {
		k.mu.Unlock()
		return
	}
	k.shouldRun = false
	cancel := k.cancelConn
	k.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	k.closeNow()

	select {
	case <-k.done:
	case <-time.After(handlerStopTimeout + socketCloseTimeout):
		k.logger.Warn("socket tasks did not stop within deadline")
	}
	k.setStatus(types.SessionDisconnected)
}

// closeSocket performs the polite close: close frame, settle delay, then
// TCP close, so the server can clean up before we redial.
func (k *socket) closeSocket(ws *websocket.Conn) {
	deadline := time.Now().Add(socketCloseTimeout)
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	time.Sleep(closeSettle)
	ws.Close()

	k.mu.Lock()
	if k.ws == ws {
		k.ws = nil
	}
	k.mu.Unlock()
}

func (k *socket) closeNow() {
	k.mu.Lock()
	ws := k.ws
	k.ws = nil
	k.mu.Unlock()
	if ws != nil {
		ws.Close()
	}
}

func (k *socket) setStatus(s types.SessionStatus) {
	k.mu.Lock()
	k.status = s
	k.mu.Unlock()
}

func (k *socket) currentStatus() types.SessionStatus {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.status
}

func (k *socket) health() types.HealthSnapshot {
	k.subsMu.Lock()
	subs := make([]string, 0, len(k.subs))
	for _, ch := range k.subs {
		subs = append(subs, k.role+"/"+ch.String())
	}
	k.subsMu.Unlock()

	var businessAgo float64
	if last := k.lastBusiness.Load(); last > 0 {
		businessAgo = time.Since(time.Unix(0, last)).Seconds()
	}

	return types.HealthSnapshot{
		Venue:           k.sess.cfg.Venue,
		Status:          k.currentStatus(),
		Subscriptions:   subs,
		ReconnectCount:  k.reconnectCount.Load(),
		BytesReceived:   k.bytesIn.Load(),
		BytesSent:       k.bytesOut.Load(),
		LastBusinessAgo: businessAgo,
	}
}
