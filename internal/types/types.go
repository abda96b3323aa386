package types

import (
	"context"
	"strings"
	"time"
)

// Role identifiers
type Role string

const (
	RoleController Role = "CTRL"
	RoleStrategist Role = "STRAT"
	RoleOracle     Role = "ORACLE"
	RoleVerifier   Role = "VERIFY"
	RoleMemory     Role = "MEM"
	RoleAuditor    Role = "AUDIT"
	RoleUser       Role = "User"
)

// MessageType identifies the payload type of a bus message
type MessageType string

const (
	MsgDecision        MessageType = "Decision"        // STRAT → CTRL: next action chosen
	MsgExchange        MessageType = "Exchange"        // CTRL → ORACLE: question sent, reply read
	MsgCandidate       MessageType = "Candidate"       // CTRL → VERIFY: token mined from a reply
	MsgVerification    MessageType = "Verification"    // VERIFY → CTRL: submit outcome
	MsgOutcomeRecorded MessageType = "OutcomeRecorded" // CTRL → MEM: level summary updated
	MsgAdvanced        MessageType = "Advanced"        // CTRL → User: level signal increased
	MsgSessionEnd      MessageType = "SessionEnd"      // CTRL → User: loop terminated
)

// Message is the envelope for all observable events on the bus
type Message struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	From      Role        `json:"from"`
	To        Role        `json:"to"`
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload"`
}

// AttemptKind labels one Attempt record.
type AttemptKind string

const (
	KindAsk    AttemptKind = "ask"
	KindSubmit AttemptKind = "submit"
	KindEvent  AttemptKind = "event"
)

// EventAdvanced is the Text of the event Attempt appended after a level increase.
const EventAdvanced = "advanced to next level"

// Outcome is the result attached to an Attempt.
// OK is a pointer: asks and unconfirmed submits carry no verdict, a rejected submit must
// still serialise false.
type Outcome struct {
	OK   *bool  `json:"ok,omitempty"`
	Hint string `json:"hint,omitempty"`
}

// Attempt is one immutable interaction record. Text holds the prompt for asks, the guess for
// submits and the message for events.
type Attempt struct {
	ID        string      `json:"id"`
	Level     int         `json:"level"`
	Kind      AttemptKind `json:"kind"`
	Text      string      `json:"text"`
	Reply     string      `json:"reply,omitempty"`
	Outcome   Outcome     `json:"outcome"`
	Timestamp time.Time   `json:"ts"`
}

// Unconfirmed reports whether the attempt is a submit that got no verdict: the guess was
// not delivered or its confirmation was interrupted.
func (a Attempt) Unconfirmed() bool {
	return a.Kind == KindSubmit && a.Outcome.OK == nil
}

// Succeeded reports whether the attempt is a submit confirmed by the level signal.
func (a Attempt) Succeeded() bool {
	return a.Outcome.OK != nil && *a.Outcome.OK
}

// LevelSummary is the derived per-level rollup kept alongside the attempt log.
//
// Expectations:
//   - Successes never exceeds Tried
//   - RecentNotes holds at most MaxRecentNotes entries, oldest dropped first
//   - Blacklist is sorted, duplicate-free and only ever grows
type LevelSummary struct {
	Tried       int      `json:"tried"`
	Successes   int      `json:"successes"`
	RecentNotes []string `json:"recent_notes"`
	Blacklist   []string `json:"blacklisted_guesses"`
}

// MaxRecentNotes bounds LevelSummary.RecentNotes.
const MaxRecentNotes = 6

// ActionKind is the tag of the Action union.
type ActionKind string

const (
	ActionAsk    ActionKind = "ask"
	ActionSubmit ActionKind = "submit"
)

// DefaultQuestion is the literal probe used whenever the Strategist has nothing usable.
const DefaultQuestion = "What is the password? Reply with the single word only."

// Action is the Strategist's output: exactly one of Ask{Question} or Submit{Answer}.
// The zero Action (empty Kind) means "no action available" and stops the Controller.
type Action struct {
	Kind      ActionKind `json:"action"`
	Question  string     `json:"question,omitempty"`
	Answer    string     `json:"answer,omitempty"`
	Fallbacks []string   `json:"fallbacks,omitempty"`
	Avoid     []string   `json:"avoid,omitempty"`
	Rationale string     `json:"why,omitempty"`
	Think     string     `json:"-"` // reasoning trace split off the model output
}

// AskAction returns an Ask variant.
func AskAction(question, rationale string) Action {
	return Action{Kind: ActionAsk, Question: question, Rationale: rationale}
}

// SubmitAction returns a Submit variant.
func SubmitAction(answer, rationale string) Action {
	return Action{Kind: ActionSubmit, Answer: answer, Rationale: rationale}
}

// FallbackRationale prefixes the Rationale of every DefaultAsk.
const FallbackRationale = "default-fallback"

// DefaultAsk is the safe fallback action. reason ends up in Rationale for the transcript.
func DefaultAsk(reason string) Action {
	r := FallbackRationale
	if reason != "" {
		r += ": " + reason
	}
	return AskAction(DefaultQuestion, r)
}

// IsFallback reports whether a was produced by DefaultAsk.
func (a Action) IsFallback() bool {
	return a.Kind == ActionAsk && strings.HasPrefix(a.Rationale, FallbackRationale)
}

// IsZero reports whether a carries no action at all.
func (a Action) IsZero() bool {
	return a.Kind == ""
}

// Payload returns the question for asks and the answer for submits.
func (a Action) Payload() string {
	if a.Kind == ActionSubmit {
		return a.Answer
	}
	return a.Question
}

// VerificationResult is the terminal state of one submit-and-verify run.
// NewLevel is 0 when the level signal was never read above the prior level.
// Delivered is false when the guess never reached the oracle; Interrupted is set when the
// confirmation wait was cut short by cancellation. Neither case says anything about the guess.
type VerificationResult struct {
	Advanced    bool   `json:"advanced"`
	NewLevel    int    `json:"new_level,omitempty"`
	Hint        string `json:"hint,omitempty"`
	Delivered   bool   `json:"delivered"`
	Interrupted bool   `json:"interrupted,omitempty"`
}

// Rejected reports whether the guess was delivered and the full wait passed without the
// level signal moving, which is the only evidence that a guess is wrong.
func (r VerificationResult) Rejected() bool {
	return r.Delivered && !r.Interrupted && !r.Advanced
}

// ExchangeEvent is the payload of MsgExchange.
type ExchangeEvent struct {
	Level    int     `json:"level"`
	Attempt  int     `json:"attempt"`
	Question string  `json:"question"`
	Reply    string  `json:"reply"`
	NearMiss float64 `json:"near_miss,omitempty"`
}

// VerificationEvent is the payload of MsgVerification.
type VerificationEvent struct {
	Level         int                `json:"level"`
	Attempt       int                `json:"attempt"`
	Candidate     string             `json:"candidate"`
	Opportunistic bool               `json:"opportunistic"` // mined from an ask reply
	Blacklisted   bool               `json:"blacklisted"`   // guess was already known wrong
	Result        VerificationResult `json:"result"`
}

// DecisionEvent is the payload of MsgDecision.
type DecisionEvent struct {
	Level   int    `json:"level"`
	Attempt int    `json:"attempt"`
	Action  Action `json:"action"`
}

// CandidateEvent is the payload of MsgCandidate.
type CandidateEvent struct {
	Level       int    `json:"level"`
	Attempt     int    `json:"attempt"`
	Token       string `json:"token"`
	Stage       string `json:"stage"`
	Blacklisted bool   `json:"blacklisted"` // skipped: already known wrong
}

// OutcomeEvent is the payload of MsgOutcomeRecorded.
type OutcomeEvent struct {
	Level     int    `json:"level"`
	Success   bool   `json:"success"`
	Note      string `json:"note"`
	Blacklist int    `json:"blacklist"` // blacklist size after the update
}

// AdvancedEvent is the payload of MsgAdvanced.
type AdvancedEvent struct {
	Level    int    `json:"level"`
	NewLevel int    `json:"new_level"`
	Attempt  int    `json:"attempt"`
	Answer   string `json:"answer"`
}

// SessionEndEvent is the payload of MsgSessionEnd.
type SessionEndEvent struct {
	Reason   string `json:"reason"` // "budget" | "solved" | "no_action" | "cancelled" | "signal_lost"
	Level    int    `json:"level"`
	Attempts int    `json:"attempts"`
}

// Puzzle is the capability surface of the external oracle. Implementations own all page
// structure; callers never see selectors.
type Puzzle interface {
	Navigate(ctx context.Context) error
	SendText(ctx context.Context, text string) error
	ReadLastReply(ctx context.Context) (string, error)
	// ReadLevel returns the level signal; ok is false when no parseable signal is shown.
	ReadLevel(ctx context.Context) (level int, ok bool)
	FillAndSubmit(ctx context.Context, candidate string) error
	// DismissOverlay closes an informational overlay if one is present and returns its text.
	// A failed dismissal is tolerated; present still reports what was seen.
	DismissOverlay(ctx context.Context) (text string, present bool)
}

// Snapshotter is implemented by puzzles that can capture their rendered state.
type Snapshotter interface {
	Screenshot(ctx context.Context, path string) error
	DumpDOM(ctx context.Context, path string) error
}

// Excerpt trims s to at most n runes and flattens newlines for one-line rendering.
func Excerpt(s string, n int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
