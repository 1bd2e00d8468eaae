// Package capture coalesces repeated observations of the same visual
// location into one stable event. Streaming UIs rewrite a message node
// many times while content settles; without debouncing every rewrite
// would be observed as a distinct event.
//
// Each source owns at most one pending capture with a cancellable timer.
// The pending map is the single source of truth: a fired timer whose entry
// has been superseded finds a generation mismatch and does nothing, so
// supersession can never double-emit.
package capture

import (
	"sync"
	"time"

	"github.com/kestrelworks/turnstile/internal/session"
)

// Settled is the single downstream event emitted per source once its
// content stops changing. It carries both the first observed text and the
// final settled text for diagnostics.
type Settled struct {
	SourceID    string
	Hint        session.Role
	Text        string // final settled text
	FirstText   string // text as first observed
	FirstSeenAt time.Time
	At          time.Time // timestamp of the last observation
	TextChanged bool
	Flushed     bool // emitted because the source disappeared
}

type pending struct {
	sourceID    string
	hint        session.Role
	firstText   string
	text        string
	firstSeenAt time.Time
	at          time.Time
	generation  uint64
	timer       *time.Timer
}

// Buffer debounces per-source observations. Safe for concurrent use; the
// emit callback runs outside the buffer lock.
type Buffer struct {
	quiet   time.Duration
	minLen  int
	emit    func(Settled)
	mu      sync.Mutex
	entries map[string]*pending
	nextGen uint64
	closed  bool
}

// NewBuffer creates a buffer emitting settled events after quiet with no
// new text. minLen rejects observations shorter than that many runes
// before they are admitted at all.
func NewBuffer(quiet time.Duration, minLen int, emit func(Settled)) *Buffer {
	return &Buffer{
		quiet:   quiet,
		minLen:  minLen,
		emit:    emit,
		entries: make(map[string]*pending),
	}
}

// Observe records new text for a source. An existing pending capture for
// the source is superseded: its timer is cancelled, its text replaced, and
// the quiet period restarts.
func (b *Buffer) Observe(sourceID string, hint session.Role, text string, at time.Time) {
	if len([]rune(text)) < b.minLen {
		return // not a message
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	p := b.entries[sourceID]
	if p == nil {
		p = &pending{
			sourceID:    sourceID,
			hint:        hint,
			firstText:   text,
			firstSeenAt: at,
		}
		b.entries[sourceID] = p
	} else {
		p.timer.Stop()
	}
	p.text = text
	p.at = at
	if hint != session.RoleUnknown {
		p.hint = hint
	}
	b.nextGen++
	gen := b.nextGen
	p.generation = gen
	p.timer = time.AfterFunc(b.quiet, func() { b.fire(sourceID, gen) })
	b.mu.Unlock()
}

// fire emits the settled event for a source if its entry still matches the
// generation the timer was armed with.
func (b *Buffer) fire(sourceID string, gen uint64) {
	b.mu.Lock()
	p := b.entries[sourceID]
	if p == nil || p.generation != gen {
		// Superseded or flushed while the timer was in flight.
		b.mu.Unlock()
		return
	}
	delete(b.entries, sourceID)
	s := settledFrom(p, false)
	b.mu.Unlock()

	b.emit(s)
}

// Flush emits the pending capture for a source immediately, using the last
// known text. Used when the source disappears before settling; observed
// content is never silently dropped.
func (b *Buffer) Flush(sourceID string) {
	b.mu.Lock()
	p := b.entries[sourceID]
	if p == nil {
		b.mu.Unlock()
		return
	}
	p.timer.Stop()
	delete(b.entries, sourceID)
	s := settledFrom(p, true)
	b.mu.Unlock()

	b.emit(s)
}

// Pending returns the number of sources with unsettled captures.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Close flushes every pending capture and rejects further observations.
func (b *Buffer) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var out []Settled
	for id, p := range b.entries {
		p.timer.Stop()
		delete(b.entries, id)
		out = append(out, settledFrom(p, true))
	}
	b.mu.Unlock()

	for _, s := range out {
		b.emit(s)
	}
}

func settledFrom(p *pending, flushed bool) Settled {
	return Settled{
		SourceID:    p.sourceID,
		Hint:        p.hint,
		Text:        p.text,
		FirstText:   p.firstText,
		FirstSeenAt: p.firstSeenAt,
		At:          p.at,
		TextChanged: p.text != p.firstText,
		Flushed:     flushed,
	}
}
