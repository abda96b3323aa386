package transcript

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// readEvents parses all JSONL lines from a file into a slice of Events.
func readEvents(t *testing.T, path string) []Event {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("readEvents: %v", err)
	}
	var events []Event
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("readEvents: unmarshal %q: %v", line, err)
		}
		events = append(events, e)
	}
	return events
}

func TestOpen_WritesSessionBegin(t *testing.T) {
	// Creates the directory if absent
	// Writes session_begin as the first line
	dir := filepath.Join(t.TempDir(), "runs", "s1")
	l := Open(dir, "s1", "https://example.test")
	if l == nil {
		t.Fatal("expected non-nil Log")
	}
	l.Close("budget", 1, 0)

	events := readEvents(t, filepath.Join(dir, FileName))
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Kind != KindSessionBegin || events[0].SessionID != "s1" || events[0].Target != "https://example.test" {
		t.Errorf("unexpected first event: %+v", events[0])
	}
}

func TestOpen_ReturnsNilOnFailure(t *testing.T) {
	// Returns nil instead of failing when the file cannot be opened
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, FileName), 0o755); err != nil {
		t.Fatal(err)
	}
	if l := Open(dir, "s", ""); l != nil {
		t.Error("expected nil Log when transcript path is a directory")
	}
}

func TestLog_NilSafe(t *testing.T) {
	// All methods are nil-safe (no-op when called on nil *Log)
	var l *Log
	l.Decision(1, 1, "ask", "q", "", "")
	l.LLMCall("strategist", "s", "u", "r", 1, 1, 1, false)
	l.Exchange(1, 1, "q", "r", 0)
	l.Verification(1, 1, "X", false, false, "")
	l.Advanced(1, 2, 1)
	l.Close("budget", 1, 1)
	if l.Path() != "" || l.TotalTokens() != 0 || l.Stats() != (Stats{}) {
		t.Error("nil Log should report zero values")
	}
}

func TestLLMCall_AccumulatesStats(t *testing.T) {
	// Accumulates calls, tokens and elapsed time into Stats
	l := Open(t.TempDir(), "s", "")
	l.LLMCall("strategist", "s", "u", "r", 10, 5, 100, false)
	l.LLMCall("strategist", "s", "u", "r", 7, 3, 50, true)
	st := l.Stats()
	if st.Calls != 2 || st.PromptTokens != 17 || st.CompletionTokens != 8 || st.ElapsedMs != 150 {
		t.Errorf("unexpected stats: %+v", st)
	}
	if l.TotalTokens() != 25 {
		t.Errorf("TotalTokens: got %d, want 25", l.TotalTokens())
	}
	l.Close("budget", 1, 2)
}

func TestClose_WritesSessionEnd(t *testing.T) {
	// Writes session_end with reason, elapsed_ms and total_tokens before closing
	// Later writes are silently dropped
	// Safe to call twice or on a nil receiver
	dir := t.TempDir()
	l := Open(dir, "s", "")
	l.LLMCall("strategist", "s", "u", "r", 4, 2, 1, false)
	l.Verification(3, 9, "OWL", true, false, "close, but no")
	l.Close("solved", 4, 9)
	l.Exchange(4, 10, "late", "dropped", 0)
	l.Close("solved", 4, 9)

	events := readEvents(t, filepath.Join(dir, FileName))
	last := events[len(events)-1]
	if last.Kind != KindSessionEnd || last.Reason != "solved" || last.TotalTokens != 6 || last.LLMCalls != 1 {
		t.Errorf("unexpected session_end: %+v", last)
	}
	for _, e := range events {
		if e.Kind == KindExchange {
			t.Error("write after Close must be dropped")
		}
	}
	v := events[2]
	if v.Kind != KindVerification || v.Advanced == nil || *v.Advanced {
		t.Errorf("verification must serialise advanced=false, got %+v", v)
	}
}
