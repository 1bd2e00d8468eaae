package filter

import (
	"fmt"
	"testing"
	"time"

	"github.com/kestrelworks/turnstile/internal/session"
)

var base = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestState(t *testing.T) *session.State {
	t.Helper()
	return session.NewState(session.Options{})
}

func event(text string, role session.Role, at time.Time) session.Event {
	return session.Event{Text: text, Role: role, Timestamp: at, SourceID: "src-1"}
}

func TestDuplicate(t *testing.T) {
	ev := event("deploy the service", session.RoleUser, base.Add(time.Minute))

	if out := Duplicate(ev, nil); out.Filtered {
		t.Error("first sight must not be flagged")
	}

	prior := &session.HistoryEntry{Text: ev.Text, FirstSeenAt: base, LastSeenAt: base, Count: 1}
	out := Duplicate(ev, prior)
	if !out.Filtered || out.Reason != ReasonDuplicate {
		t.Errorf("expected duplicate flag, got %+v", out)
	}
}

func TestVelocity(t *testing.T) {
	cfg := Config{VelocityThreshold: 3}.WithDefaults()
	st := newTestState(t)

	// Three assistant events already in the window; the fourth crosses.
	for i := 0; i < 3; i++ {
		st.Record(event(fmt.Sprintf("bulk line %d", i), session.RoleAssistant, base.Add(time.Duration(i*50)*time.Millisecond)), false)
	}

	under := event("bulk line 3", session.RoleAssistant, base.Add(150*time.Millisecond))
	if out := Velocity(under, st, cfg); !out.Filtered {
		t.Error("candidate pushing count past threshold must be flagged")
	}

	st2 := newTestState(t)
	st2.Record(event("only line here", session.RoleAssistant, base), false)
	ok := event("second line here", session.RoleAssistant, base.Add(100*time.Millisecond))
	if out := Velocity(ok, st2, cfg); out.Filtered {
		t.Errorf("count at or under threshold must pass, got %+v", out)
	}
}

func TestVelocityRoleScoped(t *testing.T) {
	cfg := Config{VelocityThreshold: 2}.WithDefaults()
	st := newTestState(t)
	for i := 0; i < 5; i++ {
		st.Record(event(fmt.Sprintf("assistant burst %d", i), session.RoleAssistant, base), false)
	}

	userEv := event("a calm user line", session.RoleUser, base.Add(100*time.Millisecond))
	if out := Velocity(userEv, st, cfg); out.Filtered {
		t.Error("assistant burst must not flag a user event")
	}
}

func TestTemporal(t *testing.T) {
	cfg := Config{}.WithDefaults()
	st := newTestState(t)
	st.TouchUserActivity(base)

	prior := &session.HistoryEntry{Text: "an old message", FirstSeenAt: base, LastSeenAt: base, Count: 1}

	// 40 minutes later, user idle the whole time: retransmission.
	late := event("an old message", session.RoleAssistant, base.Add(40*time.Minute))
	if out := Temporal(late, prior, st, cfg); !out.Filtered || out.Reason != ReasonTemporal {
		t.Errorf("expected temporal flag, got %+v", out)
	}

	// Same reappearance but the user was active 30s ago: not flagged.
	st.TouchUserActivity(base.Add(40*time.Minute - 30*time.Second))
	if out := Temporal(late, prior, st, cfg); out.Filtered {
		t.Error("active user must suppress the temporal flag")
	}
}

func TestTemporalYoungDuplicate(t *testing.T) {
	cfg := Config{}.WithDefaults()
	st := newTestState(t)
	st.TouchUserActivity(base)

	prior := &session.HistoryEntry{Text: "okay", FirstSeenAt: base, LastSeenAt: base.Add(time.Second), Count: 1}
	young := event("okay", session.RoleAssistant, base.Add(3*time.Second))
	if out := Temporal(young, prior, st, cfg); out.Filtered {
		t.Error("a young duplicate is not historical")
	}
}

func TestTemporalNeverBeforeUserActivity(t *testing.T) {
	cfg := Config{}.WithDefaults()
	st := newTestState(t)

	prior := &session.HistoryEntry{Text: "an old message", FirstSeenAt: base, LastSeenAt: base, Count: 1}
	late := event("an old message", session.RoleAssistant, base.Add(time.Hour))
	if out := Temporal(late, prior, st, cfg); out.Filtered {
		t.Error("with no user activity baseline the temporal filter must stay quiet")
	}
}

func TestEcho(t *testing.T) {
	cfg := Config{}.WithDefaults()
	st := newTestState(t)
	st.Record(event("please restart the worker", session.RoleUser, base), false)

	mirrored := event("please restart the worker", session.RoleAssistant, base.Add(2*time.Second))
	if out := Echo(mirrored, st, cfg); !out.Filtered || out.Reason != ReasonEcho {
		t.Errorf("expected echo flag, got %+v", out)
	}

	// Same text past the echo window is no longer an echo.
	stale := event("please restart the worker", session.RoleAssistant, base.Add(30*time.Second))
	if out := Echo(stale, st, cfg); out.Filtered {
		t.Error("echo window elapsed, must not flag")
	}

	// User events are never echo candidates.
	asUser := event("please restart the worker", session.RoleUser, base.Add(2*time.Second))
	if out := Echo(asUser, st, cfg); out.Filtered {
		t.Error("user event must not be flagged as echo")
	}
}

func TestAutocorrelation(t *testing.T) {
	cfg := Config{PatternRunLength: 3}.WithDefaults()
	st := newTestState(t)

	for i := 0; i < 3; i++ {
		st.Record(event(fmt.Sprintf("replayed turn %d", i), session.RoleAssistant, base.Add(time.Duration(i)*time.Second)), true)
	}

	prior := &session.HistoryEntry{Text: "replayed turn 3", FirstSeenAt: base, LastSeenAt: base, Count: 1}
	next := event("replayed turn 3", session.RoleAssistant, base.Add(4*time.Second))
	if out := Autocorrelation(next, prior, st, cfg); !out.Filtered || out.Reason != ReasonAutocorrelation {
		t.Errorf("expected autocorrelation flag, got %+v", out)
	}

	// Fresh candidate breaks the pattern even with a historical run behind it.
	if out := Autocorrelation(next, nil, st, cfg); out.Filtered {
		t.Error("fresh text must not be flagged by autocorrelation")
	}
}

func TestRunUnionsReasons(t *testing.T) {
	cfg := Config{}.WithDefaults()
	st := newTestState(t)
	st.TouchUserActivity(base)
	st.Record(event("show the status", session.RoleUser, base), false)

	// Assistant mirror of a just-recorded user line: duplicate + echo.
	ev := event("show the status", session.RoleAssistant, base.Add(time.Second))
	prior := st.Lookup(ev.Text)
	flagged := Run(ev, prior, st, cfg)

	d := Combine(flagged)
	if !d.Filtered {
		t.Fatal("expected a filtered decision")
	}
	if !d.HasReason(ReasonDuplicate) || !d.HasReason(ReasonEcho) {
		t.Errorf("expected duplicate+echo reasons, got %v", d.Reasons)
	}
	if d.HasReason(ReasonTemporal) {
		t.Error("young duplicate must not carry the temporal reason")
	}
}

func TestDecisionAdmit(t *testing.T) {
	if !(Decision{}).Admit() {
		t.Error("unfiltered decision must admit")
	}
	if (Decision{Filtered: true}).Admit() {
		t.Error("filtered decision must not admit")
	}
	if !(Decision{Filtered: true, GenuineOverride: true}).Admit() {
		t.Error("genuine override must admit regardless of filters")
	}
}
