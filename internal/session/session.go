// Package session owns the per-conversation mutable state the decision
// engine consults: the history of every normalized text seen this session,
// a bounded list of recent events, the last confirmed user activity, and
// the ring buffers backing burst and replay-pattern detection.
//
// State is deliberately not safe for concurrent use. The pipeline engine
// is the single writer and serializes every mutation behind its own mutex,
// including debounce timer callbacks re-entering the pipeline.
package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Role tags who produced a captured event.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleUnknown   Role = "unknown"
)

// ParseRole maps an observation-layer role hint onto a Role. Anything that
// is not an explicit user/assistant hint comes back RoleUnknown; the
// classifier decides what to do with it.
func ParseRole(s string) Role {
	switch s {
	case "user":
		return RoleUser
	case "assistant":
		return RoleAssistant
	default:
		return RoleUnknown
	}
}

// Event is one normalized, debounced, role-classified capture. Immutable
// once constructed.
type Event struct {
	Text        string
	Role        Role
	Timestamp   time.Time
	SourceID    string
	TextChanged bool
}

// HistoryEntry tracks one distinct normalized text across the session.
// Entries are created on first sight and updated on every subsequent
// sight. They are never removed because of a filter outcome; the only
// eviction is the age-based Sweep. Forgetting an entry early would make
// a later retransmission look like fresh content.
type HistoryEntry struct {
	Text        string
	Role        Role
	FirstSeenAt time.Time
	LastSeenAt  time.Time
	Count       int
}

type burstMark struct {
	at   time.Time
	role Role
}

type hashMark struct {
	sum           uint64
	wasHistorical bool
}

// Options bounds the session state buffers.
type Options struct {
	RecentLimit int           // recent-event list size (default 50)
	BurstWindow time.Duration // velocity observation window (default 1s)
	HashRing    int           // autocorrelation ring size (default 20)
}

func (o Options) withDefaults() Options {
	if o.RecentLimit <= 0 {
		o.RecentLimit = 50
	}
	if o.BurstWindow <= 0 {
		o.BurstWindow = time.Second
	}
	if o.HashRing <= 0 {
		o.HashRing = 20
	}
	return o
}

// State is the process-wide conversation state for one session.
type State struct {
	opts Options

	history          map[string]*HistoryEntry
	recent           []Event
	lastUserActivity time.Time
	burst            []burstMark
	hashes           []hashMark
}

// NewState creates empty conversation state.
func NewState(opts Options) *State {
	return &State{
		opts:    opts.withDefaults(),
		history: make(map[string]*HistoryEntry),
	}
}

// Lookup returns the history entry for a normalized text, or nil on first
// sight. The returned entry is live; callers must not mutate it.
func (s *State) Lookup(text string) *HistoryEntry {
	return s.history[text]
}

// Record folds a processed event into every state buffer. wasHistorical is
// whether the text had a history entry before this event was processed;
// the hash ring needs that bit, not the post-update view.
func (s *State) Record(ev Event, wasHistorical bool) {
	e := s.history[ev.Text]
	if e == nil {
		e = &HistoryEntry{
			Text:        ev.Text,
			Role:        ev.Role,
			FirstSeenAt: ev.Timestamp,
		}
		s.history[ev.Text] = e
	}
	e.LastSeenAt = ev.Timestamp
	e.Count++
	if ev.Role != RoleUnknown {
		e.Role = ev.Role
	}

	s.recent = append(s.recent, ev)
	if len(s.recent) > s.opts.RecentLimit {
		s.recent = s.recent[len(s.recent)-s.opts.RecentLimit:]
	}

	s.burst = append(s.burst, burstMark{at: ev.Timestamp, role: ev.Role})
	s.pruneBurst(ev.Timestamp)

	s.hashes = append(s.hashes, hashMark{
		sum:           xxhash.Sum64String(ev.Text),
		wasHistorical: wasHistorical,
	})
	if len(s.hashes) > s.opts.HashRing {
		s.hashes = s.hashes[len(s.hashes)-s.opts.HashRing:]
	}
}

func (s *State) pruneBurst(now time.Time) {
	cutoff := now.Add(-s.opts.BurstWindow)
	i := 0
	for i < len(s.burst) && !s.burst[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		s.burst = append(s.burst[:0], s.burst[i:]...)
	}
}

// BurstCount returns how many already-recorded events with the given role
// fall inside the burst window ending at now.
func (s *State) BurstCount(role Role, now time.Time) int {
	cutoff := now.Add(-s.opts.BurstWindow)
	n := 0
	for _, m := range s.burst {
		if m.role == role && m.at.After(cutoff) && !m.at.After(now) {
			n++
		}
	}
	return n
}

// BurstTotal returns the total recorded events inside the burst window
// ending at now, regardless of role.
func (s *State) BurstTotal(now time.Time) int {
	cutoff := now.Add(-s.opts.BurstWindow)
	n := 0
	for _, m := range s.burst {
		if m.at.After(cutoff) && !m.at.After(now) {
			n++
		}
	}
	return n
}

// RecentHistoricalRun reports whether the most recent n ring entries were
// all already historical when processed. False while fewer than n events
// have been recorded.
func (s *State) RecentHistoricalRun(n int) bool {
	if n <= 0 || len(s.hashes) < n {
		return false
	}
	for _, m := range s.hashes[len(s.hashes)-n:] {
		if !m.wasHistorical {
			return false
		}
	}
	return true
}

// RingSummary returns the most recent n ring hashes as hex, oldest first.
// Diagnostic output only.
func (s *State) RingSummary(n int) string {
	if n > len(s.hashes) {
		n = len(s.hashes)
	}
	var b strings.Builder
	for i, m := range s.hashes[len(s.hashes)-n:] {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%016x", m.sum)
		if m.wasHistorical {
			b.WriteByte('*')
		}
	}
	return b.String()
}

// RecentEvents returns the bounded recent-event list, oldest first. The
// slice is shared; callers must not mutate it.
func (s *State) RecentEvents() []Event {
	return s.recent
}

// LastUserActivity returns the last confirmed user activity instant, zero
// if the user has never been seen acting this session.
func (s *State) LastUserActivity() time.Time {
	return s.lastUserActivity
}

// TouchUserActivity records confirmed user activity. Later timestamps win;
// out-of-order captures never move activity backwards.
func (s *State) TouchUserActivity(at time.Time) {
	if at.After(s.lastUserActivity) {
		s.lastUserActivity = at
	}
}

// Sweep evicts history entries not seen within maxAge and returns how many
// were removed. This is the only way history shrinks.
func (s *State) Sweep(now time.Time, maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	cutoff := now.Add(-maxAge)
	removed := 0
	for text, e := range s.history {
		if e.LastSeenAt.Before(cutoff) {
			delete(s.history, text)
			removed++
		}
	}
	return removed
}

// HistorySize returns the number of distinct texts tracked.
func (s *State) HistorySize() int {
	return len(s.history)
}
