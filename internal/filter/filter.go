// Package filter holds the ordered suppression filters. Each filter is a
// pure function of the candidate event and the session state; outcomes are
// unioned, and a flagged event is only a candidate for suppression until
// the preservation rules and the genuine-exchange override have had their
// say.
package filter

import (
	"fmt"
	"time"

	"github.com/kestrelworks/turnstile/internal/session"
)

// Reason identifies which filter flagged an event.
type Reason string

const (
	ReasonDuplicate       Reason = "duplicate_content"
	ReasonVelocity        Reason = "velocity_bulk_dump"
	ReasonTemporal        Reason = "temporal_historical"
	ReasonEcho            Reason = "user_input_echo"
	ReasonAutocorrelation Reason = "autocorrelation_pattern"
)

// Outcome is one filter's verdict on one event.
type Outcome struct {
	Filtered bool
	Reason   Reason
	Detail   string
}

// Config holds every filter threshold. Zero values fall back to the
// documented defaults; the thresholds observed in the wild disagree with
// each other, so nothing here is authoritative beyond being tunable.
type Config struct {
	VelocityThreshold  int           // same-role events allowed per burst window (default 25)
	ConversationWindow time.Duration // age after which a reappearance is historical (default 5m)
	ActivityWindow     time.Duration // user inactivity required for the temporal flag (default 2m)
	EchoWindow         time.Duration // trailing window for user-input echo matching (default 10s)
	PatternRunLength   int           // consecutive historical events implying bulk replay (default 3)
}

// WithDefaults fills unset thresholds.
func (c Config) WithDefaults() Config {
	if c.VelocityThreshold <= 0 {
		c.VelocityThreshold = 25
	}
	if c.ConversationWindow <= 0 {
		c.ConversationWindow = 5 * time.Minute
	}
	if c.ActivityWindow <= 0 {
		c.ActivityWindow = 2 * time.Minute
	}
	if c.EchoWindow <= 0 {
		c.EchoWindow = 10 * time.Second
	}
	if c.PatternRunLength <= 0 {
		c.PatternRunLength = 3
	}
	return c
}

// Duplicate flags any event whose exact normalized text already has a
// history entry. Legitimate repeats are re-admitted downstream by the
// preservation rules; suppressing here and re-admitting there keeps the
// duplicate check trivially simple.
func Duplicate(ev session.Event, prior *session.HistoryEntry) Outcome {
	if prior == nil {
		return Outcome{}
	}
	return Outcome{
		Filtered: true,
		Reason:   ReasonDuplicate,
		Detail:   fmt.Sprintf("seen %d time(s), last %s ago", prior.Count, ev.Timestamp.Sub(prior.LastSeenAt).Truncate(time.Millisecond)),
	}
}

// Velocity flags events arriving faster than any organic conversation
// produces them. A UI replaying dozens of historical turns lands them all
// inside one burst window; a human or a streaming assistant never does.
func Velocity(ev session.Event, st *session.State, cfg Config) Outcome {
	count := st.BurstCount(ev.Role, ev.Timestamp) + 1 // include the candidate
	if count <= cfg.VelocityThreshold {
		return Outcome{}
	}
	return Outcome{
		Filtered: true,
		Reason:   ReasonVelocity,
		Detail:   fmt.Sprintf("%d %s events in burst window (threshold %d)", count, ev.Role, cfg.VelocityThreshold),
	}
}

// Temporal flags an old message reappearing with no surrounding user
// engagement: a retransmission, not new content. All three conditions must
// hold; a young duplicate or an active user keeps this filter quiet.
func Temporal(ev session.Event, prior *session.HistoryEntry, st *session.State, cfg Config) Outcome {
	if prior == nil {
		return Outcome{}
	}
	lastActivity := st.LastUserActivity()
	if lastActivity.IsZero() {
		return Outcome{}
	}
	messageAge := ev.Timestamp.Sub(prior.LastSeenAt)
	inactivity := ev.Timestamp.Sub(lastActivity)
	if messageAge <= cfg.ConversationWindow || inactivity <= cfg.ActivityWindow {
		return Outcome{}
	}
	return Outcome{
		Filtered: true,
		Reason:   ReasonTemporal,
		Detail:   fmt.Sprintf("message age %s, user inactive %s", messageAge.Truncate(time.Second), inactivity.Truncate(time.Second)),
	}
}

// Echo flags an assistant event whose text exactly matches a recent user
// event: the UI mirrored the outbound user text back as if it were a
// reply. Only assistant events are candidates.
func Echo(ev session.Event, st *session.State, cfg Config) Outcome {
	if ev.Role != session.RoleAssistant {
		return Outcome{}
	}
	cutoff := ev.Timestamp.Add(-cfg.EchoWindow)
	recent := st.RecentEvents()
	for i := len(recent) - 1; i >= 0; i-- {
		r := recent[i]
		if r.Timestamp.Before(cutoff) {
			break
		}
		if r.Role == session.RoleUser && r.Text == ev.Text {
			return Outcome{
				Filtered: true,
				Reason:   ReasonEcho,
				Detail:   fmt.Sprintf("matches user input from %s ago", ev.Timestamp.Sub(r.Timestamp).Truncate(time.Millisecond)),
			}
		}
	}
	return Outcome{}
}

// Autocorrelation flags a run of already-seen content. One historical
// event is a coincidence; several in a row with another historical
// candidate is a bulk replay.
func Autocorrelation(ev session.Event, prior *session.HistoryEntry, st *session.State, cfg Config) Outcome {
	if prior == nil {
		return Outcome{}
	}
	if !st.RecentHistoricalRun(cfg.PatternRunLength) {
		return Outcome{}
	}
	return Outcome{
		Filtered: true,
		Reason:   ReasonAutocorrelation,
		Detail:   fmt.Sprintf("last %d events all historical", cfg.PatternRunLength),
	}
}

// Run executes every filter against the candidate and returns the flagged
// outcomes. prior is the history entry as it stood before this event; the
// caller records the event into state only after filtering.
func Run(ev session.Event, prior *session.HistoryEntry, st *session.State, cfg Config) []Outcome {
	all := []Outcome{
		Duplicate(ev, prior),
		Velocity(ev, st, cfg),
		Temporal(ev, prior, st, cfg),
		Echo(ev, st, cfg),
		Autocorrelation(ev, prior, st, cfg),
	}
	var flagged []Outcome
	for _, o := range all {
		if o.Filtered {
			flagged = append(flagged, o)
		}
	}
	return flagged
}

// Decision is the combined verdict dispatched with every event. An event
// reaches the clean trail iff GenuineOverride is set or Filtered is not.
type Decision struct {
	Filtered        bool     `json:"filtered"`
	Reasons         []Reason `json:"reasons,omitempty"`
	Preserved       bool     `json:"preserved,omitempty"`
	PreservedReason string   `json:"preserved_reason,omitempty"`
	GenuineOverride bool     `json:"genuine_override,omitempty"`
}

// Combine folds flagged outcomes into a Decision.
func Combine(flagged []Outcome) Decision {
	d := Decision{}
	for _, o := range flagged {
		d.Filtered = true
		d.Reasons = append(d.Reasons, o.Reason)
	}
	return d
}

// HasReason reports whether the decision carries the given flag.
func (d Decision) HasReason(r Reason) bool {
	for _, have := range d.Reasons {
		if have == r {
			return true
		}
	}
	return false
}

// Admit reports clean-trail eligibility per the core invariant.
func (d Decision) Admit() bool {
	return d.GenuineOverride || !d.Filtered
}
