package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kestrelworks/turnstile/internal/pipeline"
	"github.com/kestrelworks/turnstile/internal/session"
)

// replayLine is one JSONL record in an observation log. Two shapes:
// observations carry source_id and optional role; send signals set
// type=send. Timestamps are RFC3339; missing timestamps fall back to the
// previous line's time.
type replayLine struct {
	Type      string `json:"type"` // "observe" (default) or "send"
	Text      string `json:"text"`
	SourceID  string `json:"source_id"`
	Role      string `json:"role"`
	Timestamp string `json:"ts"`
}

// replayResult summarizes a replay run.
type replayResult struct {
	File     string   `json:"file"`
	Lines    int      `json:"lines"`
	Observed int      `json:"observed"`
	Sends    int      `json:"sends"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

func replayFile(engine *pipeline.Engine, path string) (*replayResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	result := &replayResult{File: path}
	lastAt := time.Now()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		result.Lines++

		var rl replayLine
		if err := json.Unmarshal([]byte(line), &rl); err != nil {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", result.Lines, err))
			continue
		}

		at := lastAt
		if rl.Timestamp != "" {
			parsed, err := time.Parse(time.RFC3339Nano, rl.Timestamp)
			if err != nil {
				parsed, err = time.Parse(time.RFC3339, rl.Timestamp)
			}
			if err != nil {
				result.Skipped++
				result.Errors = append(result.Errors, fmt.Sprintf("line %d: bad timestamp %q", result.Lines, rl.Timestamp))
				continue
			}
			at = parsed
		}
		lastAt = at

		switch rl.Type {
		case "send":
			engine.NoteSend(rl.Text, at)
			result.Sends++
		case "", "observe":
			if rl.SourceID == "" {
				result.Skipped++
				result.Errors = append(result.Errors, fmt.Sprintf("line %d: missing source_id", result.Lines))
				continue
			}
			engine.ObserveText(rl.SourceID, session.ParseRole(rl.Role), rl.Text, at)
			result.Observed++
		default:
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: unknown type %q", result.Lines, rl.Type))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return result, nil
}
