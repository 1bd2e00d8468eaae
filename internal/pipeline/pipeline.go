// Package pipeline wires the decision engine together: normalize →
// debounce → classify → filters (+ genuine-exchange override) →
// preservation → dispatch, with the session state read and written
// throughout.
//
// The engine is the single writer of session state. Live observations and
// debounce timer callbacks both funnel through one mutex, so filters see a
// consistent view and no lock-free cleverness is needed at chat event
// rates.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/kestrelworks/turnstile/internal/capture"
	"github.com/kestrelworks/turnstile/internal/classify"
	"github.com/kestrelworks/turnstile/internal/exchange"
	"github.com/kestrelworks/turnstile/internal/filter"
	"github.com/kestrelworks/turnstile/internal/normalize"
	"github.com/kestrelworks/turnstile/internal/preserve"
	"github.com/kestrelworks/turnstile/internal/session"
	"github.com/kestrelworks/turnstile/internal/trail"
)

// Sink receives every processed record (the full trail). The trail store
// satisfies this directly. Delivery failures are logged and dropped; they
// never stall the pipeline or corrupt session state.
type Sink interface {
	Append(ctx context.Context, r *trail.Record) (int64, error)
}

// Config aggregates every tuning knob the engine recognizes.
type Config struct {
	ConversationID string

	// Capture.
	QuietPeriod   time.Duration // debounce quiet period (default 2500ms); 0 = process synchronously
	MinTextLength int           // shorter normalized texts are not messages (default 3)

	// Session buffers.
	Session session.Options

	// Decision layers.
	Filter   filter.Config
	Preserve preserve.Config
	Exchange exchange.Config
	Classify classify.Config

	// History housekeeping. Entries unseen for SweepMaxAge are evicted,
	// checked from the event path at most once per SweepInterval.
	SweepMaxAge   time.Duration // default 24h
	SweepInterval time.Duration // default 5m
}

// WithDefaults fills unset knobs. QuietPeriod keeps an explicit zero: a
// zero quiet period means the observation layer guarantees atomic updates
// and debouncing is bypassed entirely.
func (c Config) WithDefaults() Config {
	if c.MinTextLength <= 0 {
		c.MinTextLength = 3
	}
	c.Filter = c.Filter.WithDefaults()
	c.Preserve = c.Preserve.WithDefaults()
	c.Exchange = c.Exchange.WithDefaults()
	c.Classify = c.Classify.WithDefaults()
	if c.SweepMaxAge <= 0 {
		c.SweepMaxAge = 24 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	return c
}

// DefaultConfig returns a config with the documented defaults and the
// standard quiet period for slow-rendering content.
func DefaultConfig() Config {
	c := Config{QuietPeriod: 2500 * time.Millisecond}.WithDefaults()
	return c
}

// Engine is one conversation session's decision engine.
type Engine struct {
	cfg  Config
	sink Sink

	mu        sync.Mutex
	state     *session.State
	tracker   *exchange.Tracker
	buffer    *capture.Buffer
	lastSweep time.Time
}

// NewEngine creates an engine delivering every processed record to sink.
func NewEngine(cfg Config, sink Sink) *Engine {
	cfg = cfg.WithDefaults()
	e := &Engine{
		cfg:     cfg,
		sink:    sink,
		state:   session.NewState(cfg.Session),
		tracker: exchange.NewTracker(cfg.Exchange),
	}
	if cfg.QuietPeriod > 0 {
		e.buffer = capture.NewBuffer(cfg.QuietPeriod, cfg.MinTextLength, e.process)
	}
	return e
}

// ObserveText ingests one raw observation from the capture collaborator.
// With a quiet period configured the observation enters the debounce
// buffer; otherwise it is processed synchronously.
func (e *Engine) ObserveText(sourceID string, hint session.Role, raw string, at time.Time) {
	text := normalize.Normalize(raw)
	if e.buffer != nil {
		e.buffer.Observe(sourceID, hint, text, at)
		return
	}
	if len([]rune(text)) < e.cfg.MinTextLength {
		return
	}
	e.process(capture.Settled{
		SourceID:    sourceID,
		Hint:        hint,
		Text:        text,
		FirstText:   text,
		FirstSeenAt: at,
		At:          at,
	})
}

// NoteSend ingests an explicit send-detection signal: the user just sent
// this text. It arms the genuine-exchange tracker and counts as confirmed
// user activity.
func (e *Engine) NoteSend(raw string, at time.Time) {
	text := normalize.Normalize(raw)
	if text == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tracker.NoteSend(text, at) {
		e.state.TouchUserActivity(at)
	} else {
		debugf("send debounced: %q", text)
	}
}

// FlushSource force-emits any pending capture for a source that
// disappeared before settling.
func (e *Engine) FlushSource(sourceID string) {
	if e.buffer != nil {
		e.buffer.Flush(sourceID)
	}
}

// Close flushes pending captures through the pipeline.
func (e *Engine) Close() {
	if e.buffer != nil {
		e.buffer.Close()
	}
}

// process runs the decision core for one settled capture. This is the only
// place session state mutates.
func (e *Engine) process(s capture.Settled) {
	e.mu.Lock()
	defer e.mu.Unlock()

	role := classify.Classify(s.Hint, s.Text, s.At, e.state, e.tracker, e.cfg.Classify)
	if role == session.RoleUnknown {
		debugf("unresolved role for %q from %s", s.Text, s.SourceID)
	}

	ev := session.Event{
		Text:        s.Text,
		Role:        role,
		Timestamp:   s.At,
		SourceID:    s.SourceID,
		TextChanged: s.TextChanged,
	}

	prior := e.state.Lookup(ev.Text)
	wasHistorical := prior != nil

	genuine := false
	switch role {
	case session.RoleUser:
		genuine = e.tracker.ObserveUser(ev.Text, ev.Timestamp)
	case session.RoleAssistant:
		genuine = e.tracker.ObserveAssistant(ev.Timestamp)
	}

	flagged := filter.Run(ev, prior, e.state, e.cfg.Filter)
	decision := filter.Combine(flagged)
	decision.GenuineOverride = genuine
	if decision.HasReason(filter.ReasonAutocorrelation) {
		debugf("replay pattern: %s", e.state.RingSummary(e.cfg.Filter.PatternRunLength))
	}

	if decision.Filtered && !genuine {
		if res := preserve.Evaluate(ev, prior, e.state, flagged, e.cfg.Preserve); res.Preserved {
			decision.Filtered = false
			decision.Preserved = true
			decision.PreservedReason = string(res.Reason)
		}
	}

	e.state.Record(ev, wasHistorical)

	clean := decision.Admit() && role != session.RoleUnknown
	if clean && role == session.RoleUser {
		e.state.TouchUserActivity(ev.Timestamp)
	}

	e.maybeSweep(ev.Timestamp)

	rec := &trail.Record{
		ConversationID: e.cfg.ConversationID,
		SourceID:       ev.SourceID,
		Text:           ev.Text,
		Role:           ev.Role,
		Timestamp:      ev.Timestamp,
		URLs:           normalize.ExtractURLs(ev.Text),
		TextChanged:    ev.TextChanged,
		Clean:          clean,
		Decision:       decision,
	}
	if _, err := e.sink.Append(context.Background(), rec); err != nil {
		// Sink trouble must never stall processing; the worst case is a
		// lost audit record, reported and moved past.
		fmt.Fprintf(os.Stderr, "turnstile: sink delivery failed: %v\n", err)
	}
}

func (e *Engine) maybeSweep(now time.Time) {
	if e.lastSweep.IsZero() {
		e.lastSweep = now
		return
	}
	if now.Sub(e.lastSweep) < e.cfg.SweepInterval {
		return
	}
	e.lastSweep = now
	if n := e.state.Sweep(now, e.cfg.SweepMaxAge); n > 0 {
		debugf("swept %d stale history entries", n)
	}
}
