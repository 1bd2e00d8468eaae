package exchange

import (
	"testing"
	"time"
)

var base = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	return NewTracker(Config{})
}

func TestHappyPath(t *testing.T) {
	tr := newTestTracker(t)

	if !tr.NoteSend("restart the ingest worker", base) {
		t.Fatal("first send must be accepted")
	}
	if tr.PhaseAt(base) != PhaseAwaitingEcho {
		t.Fatalf("expected awaiting_echo, got %s", tr.PhaseAt(base))
	}

	if !tr.ExpectsEcho("restart the ingest worker", base.Add(100*time.Millisecond)) {
		t.Error("tracker must expect the exact sent text")
	}
	if tr.ExpectsEcho("something else entirely", base.Add(100*time.Millisecond)) {
		t.Error("tracker must not expect other text")
	}

	if !tr.ObserveUser("restart the ingest worker", base.Add(100*time.Millisecond)) {
		t.Fatal("echo of sent text must be genuine")
	}
	if !tr.SawEcho() {
		t.Error("echo must be remembered")
	}
	if tr.PhaseAt(base.Add(200*time.Millisecond)) != PhaseAwaitingResponse {
		t.Fatal("expected awaiting_response after echo")
	}

	if !tr.ObserveAssistant(base.Add(2 * time.Second)) {
		t.Fatal("plausible assistant reply must be genuine")
	}
	if tr.PhaseAt(base.Add(2*time.Second)) != PhaseIdle {
		t.Error("tracker must return to idle after the pair completes")
	}

	// A second assistant event has no exchange to pair with.
	if tr.ObserveAssistant(base.Add(3 * time.Second)) {
		t.Error("no active exchange, must not be genuine")
	}
}

func TestNonMatchingUserText(t *testing.T) {
	tr := newTestTracker(t)
	tr.NoteSend("the exact sent text", base)

	if tr.ObserveUser("a different user line", base.Add(time.Second)) {
		t.Error("non-matching text must not advance the exchange")
	}
	if tr.PhaseAt(base.Add(time.Second)) != PhaseAwaitingEcho {
		t.Error("tracker must keep waiting for the echo")
	}
}

func TestMinResponseDelay(t *testing.T) {
	tr := newTestTracker(t)
	tr.NoteSend("ask a question", base)
	tr.ObserveUser("ask a question", base.Add(50*time.Millisecond))

	// 200ms after send is below the minimum delay: UI noise.
	if tr.ObserveAssistant(base.Add(200 * time.Millisecond)) {
		t.Error("sub-delay assistant event must not be the reply")
	}
	if tr.PhaseAt(base.Add(200*time.Millisecond)) != PhaseAwaitingResponse {
		t.Error("tracker must keep waiting after rejecting a too-fast reply")
	}

	if !tr.ObserveAssistant(base.Add(time.Second)) {
		t.Error("later assistant event must complete the pair")
	}
}

func TestWindowExpiry(t *testing.T) {
	tr := newTestTracker(t)
	tr.NoteSend("a send that goes unanswered", base)

	// 20s later the 15s window has lapsed; the echo is no longer genuine.
	late := base.Add(20 * time.Second)
	if tr.ObserveUser("a send that goes unanswered", late) {
		t.Error("expired exchange must not mark the echo genuine")
	}
	if tr.PhaseAt(late) != PhaseIdle {
		t.Error("expired exchange must return to idle")
	}
	if tr.SawEcho() {
		t.Error("expiry must clear the echo flag")
	}
}

func TestSendGuard(t *testing.T) {
	tr := newTestTracker(t)

	if !tr.NoteSend("duplicate detection test", base) {
		t.Fatal("first send must be accepted")
	}
	// Same text inside the guard interval: a second detection layer firing
	// for the same physical send.
	if tr.NoteSend("duplicate detection test", base.Add(500*time.Millisecond)) {
		t.Error("duplicate send inside guard must be debounced")
	}
	// Different text inside the guard is a real new send.
	if !tr.NoteSend("a genuinely new send", base.Add(700*time.Millisecond)) {
		t.Error("different text must restart the exchange")
	}
	// Same text past the guard is accepted again.
	if !tr.NoteSend("a genuinely new send", base.Add(3*time.Second)) {
		t.Error("send past guard interval must be accepted")
	}
}

func TestNewSendSupersedesExchange(t *testing.T) {
	tr := newTestTracker(t)
	tr.NoteSend("first message", base)
	tr.ObserveUser("first message", base.Add(100*time.Millisecond))

	tr.NoteSend("second message", base.Add(5*time.Second))
	if tr.PhaseAt(base.Add(5*time.Second)) != PhaseAwaitingEcho {
		t.Error("new send must restart the exchange")
	}
	if tr.ObserveUser("first message", base.Add(5*time.Second+100*time.Millisecond)) {
		t.Error("echo of the superseded send must not be genuine")
	}
	if !tr.ObserveUser("second message", base.Add(5*time.Second+200*time.Millisecond)) {
		t.Error("echo of the new send must be genuine")
	}
}
