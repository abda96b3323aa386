// Package transcript provides the per-session structured event log.
//
// Each session gets one transcript.jsonl next to its attempt log. Events capture every
// key stage of the interrogation loop: strategist decisions (with the full prompts behind
// them), oracle exchanges, verification outcomes and level advances. Unlike attempts.jsonl,
// which is the memory the agent reasons over, the transcript is for humans replaying a run.
//
// Design constraints:
//   - All Log methods are nil-safe (no-op on nil receiver) so callers don't need
//     nil checks before every log call.
//   - The Controller opens the log and closes it; collaborators receive the handle.
package transcript

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileName is the transcript's name inside the session directory.
const FileName = "transcript.jsonl"

// EventKind labels a single structured event in the transcript.
type EventKind string

const (
	KindSessionBegin EventKind = "session_begin"
	KindSessionEnd   EventKind = "session_end"
	KindDecision     EventKind = "decision"
	KindLLMCall      EventKind = "llm_call"
	KindExchange     EventKind = "exchange"
	KindVerification EventKind = "verification"
	KindAdvanced     EventKind = "advanced"
)

// Event is one JSONL line in the transcript.
// Fields are omitempty so each event only serialises relevant data.
type Event struct {
	Kind      EventKind `json:"kind"`
	Timestamp string    `json:"ts"`
	Level     int       `json:"level,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`

	// session_begin / session_end
	SessionID   string `json:"session_id,omitempty"`
	Target      string `json:"target,omitempty"`
	Reason      string `json:"reason,omitempty"` // session_end stop reason
	ElapsedMs   int64  `json:"elapsed_ms,omitempty"`
	TotalTokens int    `json:"total_tokens,omitempty"`
	LLMCalls    int    `json:"llm_calls,omitempty"`

	// decision
	Action    string `json:"action,omitempty"` // "ask" | "submit"
	Payload   string `json:"payload,omitempty"`
	Rationale string `json:"why,omitempty"`
	Fallback  string `json:"fallback,omitempty"` // why DefaultAsk was used, if it was

	// llm_call
	Role             string `json:"role,omitempty"`
	SystemPrompt     string `json:"system_prompt,omitempty"`
	UserPrompt       string `json:"user_prompt,omitempty"`
	Response         string `json:"response,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
	Retry            bool   `json:"retry,omitempty"`

	// exchange
	Question string  `json:"question,omitempty"`
	Reply    string  `json:"reply,omitempty"`
	NearMiss float64 `json:"near_miss,omitempty"`

	// verification
	Candidate     string `json:"candidate,omitempty"`
	Opportunistic bool   `json:"opportunistic,omitempty"`
	Advanced      *bool  `json:"advanced,omitempty"` // pointer: false must be serialised
	Hint          string `json:"hint,omitempty"`

	// advanced
	NewLevel int `json:"new_level,omitempty"`
}

// Stats aggregates LLM cost for the session so far.
type Stats struct {
	Calls            int   `json:"calls"`
	PromptTokens     int   `json:"prompt_tokens"`
	CompletionTokens int   `json:"completion_tokens"`
	ElapsedMs        int64 `json:"elapsed_ms"`
}

// Log is a handle for writing structured events for one session.
//
// Expectations:
//   - All methods are nil-safe (no-op when called on nil *Log)
//   - Concurrent writes are safe (mutex-protected)
//   - TotalTokens returns the running sum of prompt+completion tokens across all LLMCall events
type Log struct {
	path    string
	started time.Time
	mu      sync.Mutex
	f       *os.File
	stats   Stats
}

// Open creates dir if needed, opens dir/transcript.jsonl for append and writes a
// session_begin event. It returns nil (a valid no-op handle) when the file cannot be opened.
//
// Expectations:
//   - Creates the directory if absent
//   - Writes session_begin as the first line
//   - Returns nil instead of failing when the file cannot be opened
func Open(dir, sessionID, target string) *Log {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("[TRANSCRIPT] could not create dir", "dir", dir, "error", err)
		return nil
	}
	path := filepath.Join(dir, FileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Error("[TRANSCRIPT] could not open log file", "path", path, "error", err)
		return nil
	}
	l := &Log{path: path, started: time.Now(), f: f}
	l.write(Event{Kind: KindSessionBegin, SessionID: sessionID, Target: target})
	return l
}

// Path returns the transcript file path, or "" on a nil receiver.
func (l *Log) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Decision writes a decision event. fallback is non-empty when the Strategist had to
// substitute the default question.
func (l *Log) Decision(level, attempt int, action, payload, rationale, fallback string) {
	if l == nil {
		return
	}
	l.write(Event{
		Kind:      KindDecision,
		Level:     level,
		Attempt:   attempt,
		Action:    action,
		Payload:   payload,
		Rationale: rationale,
		Fallback:  fallback,
	})
}

// LLMCall writes an llm_call event with full prompts, response, token counts, and elapsed time.
//
// Expectations:
//   - Accumulates calls, tokens and elapsed time into Stats
//   - No-op on nil receiver
func (l *Log) LLMCall(role, systemPrompt, userPrompt, response string, promptToks, completionToks int, elapsedMs int64, retry bool) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.stats.Calls++
	l.stats.PromptTokens += promptToks
	l.stats.CompletionTokens += completionToks
	l.stats.ElapsedMs += elapsedMs
	l.mu.Unlock()
	l.write(Event{
		Kind:             KindLLMCall,
		Role:             role,
		SystemPrompt:     systemPrompt,
		UserPrompt:       userPrompt,
		Response:         response,
		PromptTokens:     promptToks,
		CompletionTokens: completionToks,
		Retry:            retry,
	})
}

// Exchange writes one question/reply pair with the oracle.
func (l *Log) Exchange(level, attempt int, question, reply string, nearMiss float64) {
	if l == nil {
		return
	}
	l.write(Event{
		Kind:     KindExchange,
		Level:    level,
		Attempt:  attempt,
		Question: question,
		Reply:    reply,
		NearMiss: nearMiss,
	})
}

// Verification writes the outcome of one submit-and-verify run.
func (l *Log) Verification(level, attempt int, candidate string, opportunistic, advanced bool, hint string) {
	if l == nil {
		return
	}
	a := advanced
	l.write(Event{
		Kind:          KindVerification,
		Level:         level,
		Attempt:       attempt,
		Candidate:     candidate,
		Opportunistic: opportunistic,
		Advanced:      &a,
		Hint:          hint,
	})
}

// Advanced writes a level transition.
func (l *Log) Advanced(level, newLevel, attempt int) {
	if l == nil {
		return
	}
	l.write(Event{Kind: KindAdvanced, Level: level, NewLevel: newLevel, Attempt: attempt})
}

// Close writes session_end with the stop reason and LLM totals, then closes the file.
//
// Expectations:
//   - Writes session_end with reason, elapsed_ms and total_tokens before closing
//   - Later writes are silently dropped
//   - Safe to call twice or on a nil receiver
func (l *Log) Close(reason string, level, attempts int) {
	if l == nil {
		return
	}
	st := l.Stats()
	l.write(Event{
		Kind:        KindSessionEnd,
		Reason:      reason,
		Level:       level,
		Attempt:     attempts,
		ElapsedMs:   time.Since(l.started).Milliseconds(),
		TotalTokens: st.PromptTokens + st.CompletionTokens,
		LLMCalls:    st.Calls,
	})
	l.mu.Lock()
	if l.f != nil {
		_ = l.f.Close()
		l.f = nil
	}
	l.mu.Unlock()
}

// Stats returns a snapshot of LLM usage for the session.
//
// Expectations:
//   - Returns zero Stats on nil receiver
func (l *Log) Stats() Stats {
	if l == nil {
		return Stats{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// TotalTokens returns the total token count accumulated so far.
//
// Expectations:
//   - Returns 0 on nil receiver
//   - Returns sum of prompt and completion tokens from all LLMCall events
func (l *Log) TotalTokens() int {
	st := l.Stats()
	return st.PromptTokens + st.CompletionTokens
}

// write appends one JSON line to the transcript file. Adds timestamp, mutex-protected.
func (l *Log) write(e Event) {
	e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("[TRANSCRIPT] marshal event", "error", err)
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return
	}
	if _, err = fmt.Fprintf(l.f, "%s\n", data); err != nil {
		slog.Error("[TRANSCRIPT] write event", "error", err)
	}
}
