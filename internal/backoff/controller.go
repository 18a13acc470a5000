// Package backoff centralizes per-venue error and pause state.
//
// Venue sessions register exchange-reported business errors here; any
// execution consumer must ask IsPaused before sending an order. The
// controller classifies error codes by substring, escalates the pause
// exponentially on repeated errors, and can invoke a per-venue restart
// hook when an invalid-nonce error suggests the session needs a local
// rebuild.
//
// All operations are safe under concurrent use. The controller never
// holds its lock while invoking a restart hook.
package backoff

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"crossarb/pkg/types"
)

const (
	baseBackoff = 120 * time.Second
	maxBackoff  = 3600 * time.Second
	multiplier  = 2.0

	// errorWindow resets the consecutive-error count: an error arriving
	// more than this long after the previous one counts as the first.
	errorWindow = 30 * time.Minute

	// restartHookInterval throttles restart-hook invocations per venue.
	restartHookInterval = 30 * time.Second
)

// PauseInfo describes an active pause.
type PauseInfo struct {
	Reason     types.ErrorKind
	Remaining  time.Duration
	PauseUntil time.Time
}

// venueState is the per-venue error ledger.
type venueState struct {
	lastKind       types.ErrorKind
	count          int
	lastErrorAt    time.Time
	pauseUntil     time.Time
	pauseDuration  time.Duration
	recoveryLogged bool

	restartHook   func()
	lastRestartAt time.Time
}

// Controller tracks backoff state for every venue.
type Controller struct {
	logger *slog.Logger

	mu     sync.Mutex
	venues map[types.Venue]*venueState

	// now is injectable for tests.
	now func() time.Time
}

// NewController creates a backoff controller.
func NewController(logger *slog.Logger) *Controller {
	return &Controller{
		logger: logger.With("component", "backoff"),
		venues: make(map[types.Venue]*venueState),
		now:    time.Now,
	}
}

// Classify maps a venue error code/message onto an ErrorKind by substring
// match. Returns false for errors the controller does not track.
func Classify(code, message string) (types.ErrorKind, bool) {
	switch {
	case strings.Contains(code, "21104"):
		return types.ErrInvalidNonce, true
	case strings.Contains(code, "429"):
		return types.ErrRateLimitGlobal, true
	case strings.Contains(code, "23000"), strings.Contains(message, "Too Many Requests"):
		return types.ErrRateLimitPerAccount, true
	}
	return "", false
}

// RegisterError records a venue business error. Unclassifiable errors are
// ignored. For INVALID_NONCE the venue's restart hook fires (at most once
// per 30 s), outside the lock.
func (c *Controller) RegisterError(venue types.Venue, code, message string) {
	kind, ok := Classify(code, message)
	if !ok {
		return
	}

	now := c.now()

	c.mu.Lock()
	st := c.stateLocked(venue)

	if !st.lastErrorAt.IsZero() && now.Sub(st.lastErrorAt) > errorWindow {
		st.count = 0
	}
	st.count++
	st.lastKind = kind
	st.lastErrorAt = now

	pause := baseBackoff
	for i := 1; i < st.count; i++ {
		pause = time.Duration(float64(pause) * multiplier)
		if pause >= maxBackoff {
			pause = maxBackoff
			break
		}
	}
	st.pauseDuration = pause
	st.pauseUntil = now.Add(pause)
	st.recoveryLogged = false

	var hook func()
	if kind == types.ErrInvalidNonce && st.restartHook != nil &&
		(st.lastRestartAt.IsZero() || now.Sub(st.lastRestartAt) >= restartHookInterval) {
		st.lastRestartAt = now
		hook = st.restartHook
	}
	count := st.count
	c.mu.Unlock()

	c.logger.Warn("venue error registered",
		"venue", venue,
		"kind", kind,
		"code", code,
		"count", count,
		"pause", pause,
	)

	if hook != nil {
		hook()
	}
}

// IsPaused reports whether the venue is currently paused. The first call
// after a pause expires logs a single recovery line; subsequent calls
// stay silent.
func (c *Controller) IsPaused(venue types.Venue) bool {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.venues[venue]
	if !ok || st.pauseUntil.IsZero() {
		return false
	}
	if now.Before(st.pauseUntil) {
		return true
	}
	if !st.recoveryLogged {
		st.recoveryLogged = true
		c.logger.Info("venue pause expired, resuming",
			"venue", venue,
			"kind", st.lastKind,
			"paused_for", st.pauseDuration,
		)
	}
	return false
}

// Info returns details about an active pause, or ok=false if none.
func (c *Controller) Info(venue types.Venue) (PauseInfo, bool) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.venues[venue]
	if !ok || now.After(st.pauseUntil) || st.pauseUntil.IsZero() {
		return PauseInfo{}, false
	}
	return PauseInfo{
		Reason:     st.lastKind,
		Remaining:  st.pauseUntil.Sub(now),
		PauseUntil: st.pauseUntil,
	}, true
}

// Reset clears all error state for a venue.
func (c *Controller) Reset(venue types.Venue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.venues, venue)
}

// SetRestartHook installs the callable invoked when an INVALID_NONCE
// arrives for this venue. The hook rebuilds the venue's session locally
// without disturbing unrelated venues.
func (c *Controller) SetRestartHook(venue types.Venue, hook func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateLocked(venue).restartHook = hook
}

func (c *Controller) stateLocked(venue types.Venue) *venueState {
	st, ok := c.venues[venue]
	if !ok {
		st = &venueState{}
		c.venues[venue] = st
	}
	return st
}
