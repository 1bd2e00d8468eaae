// Package classify assigns a role to a captured event. Explicit hints from
// the observation layer always win; the exchange tracker covers the echo
// of a just-detected send; after that only a timing heuristic remains, and
// when it cannot decide the answer is RoleUnknown. Unknown is a stable,
// legitimate outcome: such events still enter history so duplicate checks
// stay correct, but they never reach the clean trail.
package classify

import (
	"time"

	"github.com/kestrelworks/turnstile/internal/exchange"
	"github.com/kestrelworks/turnstile/internal/session"
)

// Config holds the timing-heuristic bounds.
type Config struct {
	ContinuationWindow time.Duration // text this close to user activity is the user's own (default 1s)
	ResponseWindow     time.Duration // assistant replies land within this after user activity (default 30s)
	ShortReplyLimit    int           // heuristic assistant attribution only for short texts (default 240 runes)
}

// WithDefaults fills unset bounds.
func (c Config) WithDefaults() Config {
	if c.ContinuationWindow <= 0 {
		c.ContinuationWindow = time.Second
	}
	if c.ResponseWindow <= 0 {
		c.ResponseWindow = 30 * time.Second
	}
	if c.ShortReplyLimit <= 0 {
		c.ShortReplyLimit = 240
	}
	return c
}

// Classify resolves the role for one normalized text observed at the given
// instant.
func Classify(hint session.Role, text string, at time.Time, st *session.State, tr *exchange.Tracker, cfg Config) session.Role {
	if hint == session.RoleUser || hint == session.RoleAssistant {
		return hint
	}

	if tr != nil && tr.ExpectsEcho(text, at) {
		return session.RoleUser
	}

	lastActivity := st.LastUserActivity()
	if lastActivity.IsZero() {
		return session.RoleUnknown
	}

	since := at.Sub(lastActivity)
	switch {
	case since >= 0 && since < cfg.ContinuationWindow:
		// Appearing while the user is still mid-action: their own text.
		return session.RoleUser
	case since >= cfg.ContinuationWindow && since <= cfg.ResponseWindow &&
		len([]rune(text)) <= cfg.ShortReplyLimit:
		return session.RoleAssistant
	}

	return session.RoleUnknown
}
