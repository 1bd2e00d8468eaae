// Package preserve implements the contextual override layer that can
// re-admit a filtered event. It runs only when at least one filter flagged
// the event and the genuine-exchange override did not apply. Rules are
// evaluated in order; first match wins.
//
// The one absolute rule: retransmissions stay dead. Anything the temporal
// filter flagged, or whose prior sighting is older than the conversation
// window, is never preserved.
package preserve

import (
	"fmt"
	"strings"
	"time"

	"github.com/kestrelworks/turnstile/internal/filter"
	"github.com/kestrelworks/turnstile/internal/session"
)

// Reason identifies which rule re-admitted an event.
type Reason string

const (
	ReasonRepeatableCommand Reason = "repeatable_command"
	ReasonLegitimateRepeat  Reason = "legitimate_user_repeat"
	ReasonFreshEcho         Reason = "fresh_conversational_echo"
)

// Config holds the preservation thresholds and the repeatable-command
// lexicon. Commands are matched case-insensitively against the full
// normalized text.
type Config struct {
	RepeatableCommands []string
	CommandWindow      time.Duration // reuse window after user activity (default 60s)
	RepeatWindow       time.Duration // legitimate user repeat window (default 30s)
	ShortTextLimit     int           // fresh-echo length ceiling in runes (default 50)
	BurstCeiling       int           // max in-window events for fresh-echo (default 5)
	ConversationWindow time.Duration // prior sightings older than this are retransmissions (default 5m)
}

// WithDefaults fills unset thresholds.
func (c Config) WithDefaults() Config {
	if c.CommandWindow <= 0 {
		c.CommandWindow = 60 * time.Second
	}
	if c.RepeatWindow <= 0 {
		c.RepeatWindow = 30 * time.Second
	}
	if c.ShortTextLimit <= 0 {
		c.ShortTextLimit = 50
	}
	if c.BurstCeiling <= 0 {
		c.BurstCeiling = 5
	}
	if c.ConversationWindow <= 0 {
		c.ConversationWindow = 5 * time.Minute
	}
	return c
}

// Result reports a preservation decision.
type Result struct {
	Preserved bool
	Reason    Reason
	Detail    string
}

// Evaluate applies the preservation rules to a filtered event. prior is
// the history entry as it stood before the event was processed (nil on
// first sight).
func Evaluate(ev session.Event, prior *session.HistoryEntry, st *session.State, flagged []filter.Outcome, cfg Config) Result {
	// Rule 1: never resurrect a retransmission.
	for _, o := range flagged {
		if o.Reason == filter.ReasonTemporal {
			return Result{}
		}
	}
	if prior != nil && ev.Timestamp.Sub(prior.LastSeenAt) > cfg.ConversationWindow {
		return Result{}
	}

	lastActivity := st.LastUserActivity()
	sinceActivity := time.Duration(-1)
	if !lastActivity.IsZero() {
		sinceActivity = ev.Timestamp.Sub(lastActivity)
	}

	// Rule 2: operator-configured repeatable commands during active use.
	if isRepeatableCommand(ev.Text, cfg.RepeatableCommands) &&
		sinceActivity >= 0 && sinceActivity <= cfg.CommandWindow {
		return Result{
			Preserved: true,
			Reason:    ReasonRepeatableCommand,
			Detail:    fmt.Sprintf("command reuse %s after user activity", sinceActivity.Truncate(time.Millisecond)),
		}
	}

	// Rule 3: a user may deliberately resend the same instruction.
	if ev.Role == session.RoleUser && prior != nil &&
		ev.Timestamp.Sub(prior.LastSeenAt) <= cfg.RepeatWindow {
		return Result{
			Preserved: true,
			Reason:    ReasonLegitimateRepeat,
			Detail:    fmt.Sprintf("identical user text %s ago", ev.Timestamp.Sub(prior.LastSeenAt).Truncate(time.Millisecond)),
		}
	}

	// Rule 4: short fresh text during active conversation, outside any
	// bulk dump. The burst ceiling keeps this from firing inside a replay.
	if prior == nil &&
		len([]rune(ev.Text)) < cfg.ShortTextLimit &&
		sinceActivity >= 0 && sinceActivity <= cfg.RepeatWindow &&
		st.BurstTotal(ev.Timestamp) <= cfg.BurstCeiling {
		return Result{
			Preserved: true,
			Reason:    ReasonFreshEcho,
			Detail:    "short fresh text during active exchange",
		}
	}

	return Result{}
}

func isRepeatableCommand(text string, lexicon []string) bool {
	if len(lexicon) == 0 {
		return false
	}
	t := strings.ToLower(strings.TrimSpace(text))
	for _, cmd := range lexicon {
		if t == strings.ToLower(strings.TrimSpace(cmd)) {
			return true
		}
	}
	return false
}
