package journal

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAppendTracksTurnsAndErrors(t *testing.T) {
	dir := t.TempDir()
	j := New(dir, true)

	sessionID := "s1"
	if err := j.Append(sessionID, "session_opened", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := j.Append(sessionID, "turn_completed", map[string]any{"userText": "hi", "assistantText": "hello"}); err != nil {
			t.Fatalf("append turn: %v", err)
		}
	}
	if err := j.Append(sessionID, "upstream_server_error", map[string]any{"code": 1}); err != nil {
		t.Fatalf("append error: %v", err)
	}

	metas, err := j.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(metas) != 1 {
		t.Fatalf("expected 1 meta, got %d", len(metas))
	}
	if metas[0].Turns != 3 {
		t.Errorf("turns: got %d want 3", metas[0].Turns)
	}
	if metas[0].Errors != 1 {
		t.Errorf("errors: got %d want 1", metas[0].Errors)
	}
}

func TestFreshSessionHasZeroEvents(t *testing.T) {
	dir := t.TempDir()
	j := New(dir, true)

	events, err := j.Events("unknown")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected zero events, got %d", len(events))
	}
}

func TestHistoryDisabledShortCircuits(t *testing.T) {
	dir := t.TempDir()
	j := New(dir, false)

	if err := j.Append("s1", "turn_completed", map[string]any{"userText": "hi"}); err != nil {
		t.Fatalf("append should be a no-op, not error: %v", err)
	}

	metas, err := j.List()
	if err != nil || len(metas) != 0 {
		t.Errorf("expected empty list when history disabled, got %v err=%v", metas, err)
	}

	events, err := j.Events("s1")
	if err != nil || len(events) != 0 {
		t.Errorf("expected empty events when history disabled, got %v err=%v", events, err)
	}

	if _, err := os.Stat(dir); err == nil {
		if entries, _ := os.ReadDir(dir); len(entries) != 0 {
			t.Errorf("base dir should stay empty when history saving is disabled")
		}
	}
}

func TestHistorySkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	j := New(dir, true)

	if err := j.Append("s1", "turn_completed", map[string]any{"userText": "first", "assistantText": "reply"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Corrupt the log with a trailing malformed line.
	path := filepath.Join(dir, "s1.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open for corruption: %v", err)
	}
	if _, err := f.WriteString("not json at all\n\n"); err != nil {
		t.Fatalf("write corruption: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	events, err := j.Events("s1")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected malformed/blank lines skipped, got %d events", len(events))
	}
}

func TestHistoryNeverContainsEmptyStrings(t *testing.T) {
	dir := t.TempDir()
	j := New(dir, true)

	if err := j.Append("s1", "turn_completed", map[string]any{"userText": "", "assistantText": "only assistant"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	msgs, err := j.History("s1", DefaultHistoryLimit)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	for _, m := range msgs {
		if m.Text == "" {
			t.Errorf("history contains empty-string entry: %+v", m)
		}
	}
	if len(msgs) != 1 || msgs[0].Role != "assistant" {
		t.Fatalf("expected single assistant message, got %+v", msgs)
	}
}

func TestHistoryLimitsToLastN(t *testing.T) {
	dir := t.TempDir()
	j := New(dir, true)

	for i := 0; i < 5; i++ {
		if err := j.Append("s1", "turn_completed", map[string]any{"userText": "u", "assistantText": "a"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	msgs, err := j.History("s1", 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	// 2 turns * 2 messages (user+assistant) each = 4
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages for last 2 turns, got %d", len(msgs))
	}
}
