package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kestrelworks/turnstile/internal/pipeline"
	"github.com/kestrelworks/turnstile/internal/trail"
)

func TestReplayFile(t *testing.T) {
	store, err := trail.NewStore(trail.StoreConfig{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	engine := pipeline.NewEngine(pipeline.Config{ConversationID: "conv-replay"}, store)
	t.Cleanup(engine.Close)

	log := `# observation log
{"type":"send","text":"hello there friend","ts":"2026-03-10T12:00:00Z"}
{"text":"hello there friend","source_id":"src-1","ts":"2026-03-10T12:00:00.2Z"}
{"text":"a reply arrives here","source_id":"src-2","role":"assistant","ts":"2026-03-10T12:00:01Z"}

this line is not json
{"text":"missing the source id"}
`
	path := filepath.Join(t.TempDir(), "events.jsonl")
	if err := os.WriteFile(path, []byte(log), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := replayFile(engine, path)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}

	if res.Lines != 5 {
		t.Errorf("expected 5 content lines, got %d", res.Lines)
	}
	if res.Sends != 1 || res.Observed != 2 || res.Skipped != 2 {
		t.Errorf("unexpected counts %+v", res)
	}
	if len(res.Errors) != 2 {
		t.Errorf("expected 2 line errors, got %v", res.Errors)
	}

	recs, err := store.List(context.Background(), trail.ListOpts{})
	if err != nil {
		t.Fatalf("listing trail: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 trail records, got %d", len(recs))
	}
	// Newest first: the assistant reply, then the send echo. Both are half
	// of a tracked genuine exchange and land in the clean trail.
	for _, r := range recs {
		if !r.Clean {
			t.Errorf("expected clean record, got %+v", r.Decision)
		}
	}
	if recs[1].Role != "user" {
		t.Errorf("send echo must classify as user, got %s", recs[1].Role)
	}
}

func TestReplayMissingFile(t *testing.T) {
	engine := pipeline.NewEngine(pipeline.Config{}, discardSink{})
	t.Cleanup(engine.Close)

	if _, err := replayFile(engine, filepath.Join(t.TempDir(), "absent.jsonl")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

type discardSink struct{}

func (discardSink) Append(context.Context, *trail.Record) (int64, error) { return 0, nil }
