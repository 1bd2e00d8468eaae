// Package exchange correlates one outbound user send with its paired
// assistant reply. A positively detected send is the single most reliable
// signal the engine gets: the user just acted, so the echoed user text and
// the next plausible assistant reply are genuine regardless of what the
// filters think.
//
// The tracker is a three-phase state machine. Window expiry is checked by
// timestamp comparison on each observed event rather than by a timer, so
// an abandoned exchange costs nothing and leaks nothing.
package exchange

import "time"

// Phase is the tracker's current position in the send/echo/reply sequence.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaitingEcho
	PhaseAwaitingResponse
)

func (p Phase) String() string {
	switch p {
	case PhaseAwaitingEcho:
		return "awaiting_echo"
	case PhaseAwaitingResponse:
		return "awaiting_response"
	default:
		return "idle"
	}
}

// Config holds the exchange-pairing thresholds.
type Config struct {
	ResponseWindow   time.Duration // total window to complete the pair (default 15s)
	MinResponseDelay time.Duration // assistant replies faster than this are not replies (default 500ms)
	SendGuard        time.Duration // duplicate send-detection debounce (default 1500ms)
}

// WithDefaults fills unset thresholds.
func (c Config) WithDefaults() Config {
	if c.ResponseWindow <= 0 {
		c.ResponseWindow = 15 * time.Second
	}
	if c.MinResponseDelay <= 0 {
		c.MinResponseDelay = 500 * time.Millisecond
	}
	if c.SendGuard <= 0 {
		c.SendGuard = 1500 * time.Millisecond
	}
	return c
}

// Tracker holds the live exchange state. Not safe for concurrent use; the
// pipeline serializes access.
type Tracker struct {
	cfg Config

	phase        Phase
	expectedText string
	sentAt       time.Time
	lastSendAt   time.Time
	lastSendText string
	sawEcho      bool
}

// NewTracker creates an idle tracker.
func NewTracker(cfg Config) *Tracker {
	return &Tracker{cfg: cfg.WithDefaults()}
}

// Phase returns the current phase after expiring any stale exchange
// against the given instant.
func (t *Tracker) PhaseAt(now time.Time) Phase {
	t.expire(now)
	return t.phase
}

// NoteSend records a detected outbound user send. Returns false when the
// send was debounced: multiple detection layers firing for the same
// physical action land inside the guard interval and must not restart the
// exchange.
func (t *Tracker) NoteSend(text string, at time.Time) bool {
	if text == "" {
		return false
	}
	if !t.lastSendAt.IsZero() && at.Sub(t.lastSendAt) < t.cfg.SendGuard && text == t.lastSendText {
		return false
	}
	t.phase = PhaseAwaitingEcho
	t.expectedText = text
	t.sentAt = at
	t.lastSendAt = at
	t.lastSendText = text
	t.sawEcho = false
	return true
}

// ExpectsEcho reports whether the tracker is waiting for this exact text
// to come back through the capture stream. The classifier uses this to
// attribute the echo to the user before any heuristic runs.
func (t *Tracker) ExpectsEcho(text string, now time.Time) bool {
	t.expire(now)
	return t.phase == PhaseAwaitingEcho && text == t.expectedText
}

// ObserveUser advances the state machine for a user-classified event and
// reports whether it is the genuine echo of the tracked send.
func (t *Tracker) ObserveUser(text string, at time.Time) bool {
	t.expire(at)
	if t.phase != PhaseAwaitingEcho || text != t.expectedText {
		return false
	}
	t.phase = PhaseAwaitingResponse
	t.sawEcho = true
	return true
}

// ObserveAssistant advances the state machine for an assistant-classified
// event and reports whether it is the genuine paired reply. Events landing
// before the minimum response delay are UI noise, not replies, and leave
// the tracker waiting.
func (t *Tracker) ObserveAssistant(at time.Time) bool {
	t.expire(at)
	if t.phase != PhaseAwaitingResponse {
		return false
	}
	if at.Sub(t.sentAt) < t.cfg.MinResponseDelay {
		return false
	}
	t.phase = PhaseIdle
	t.expectedText = ""
	return true
}

// SawEcho reports whether the current exchange has seen its user echo.
func (t *Tracker) SawEcho() bool {
	return t.sawEcho
}

func (t *Tracker) expire(now time.Time) {
	if t.phase == PhaseIdle {
		return
	}
	if now.Sub(t.sentAt) > t.cfg.ResponseWindow {
		t.phase = PhaseIdle
		t.expectedText = ""
		t.sawEcho = false
	}
}
