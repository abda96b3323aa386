package auditor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haricheung/merlin/internal/types"
)

// Anomaly kinds written to audit.jsonl.
const (
	AnomalyNone               = "none"
	AnomalyBoundaryViolation  = "boundary_violation"
	AnomalyRepeatGuess        = "repeat_guess"
	AnomalyRepeatQuestion     = "repeat_question"
	AnomalyHintWithoutAdvance = "hint_without_advance"
)

// Event is one line of audit.jsonl.
type Event struct {
	EventID     string  `json:"event_id"`
	Timestamp   string  `json:"timestamp"`
	FromRole    string  `json:"from_role"`
	ToRole      string  `json:"to_role"`
	MessageType string  `json:"message_type"`
	Level       int     `json:"level,omitempty"`
	Attempt     int     `json:"attempt,omitempty"`
	Anomaly     string  `json:"anomaly"`
	Detail      *string `json:"detail,omitempty"`
}

// Auditor taps the message bus read-only and writes structured Events to a JSONL file.
// It flags boundary violations, guesses submitted twice on a level, questions asked twice
// on a level, and overlays that carried a hint without a level increase.
type Auditor struct {
	tap     <-chan types.Message
	logPath string
	mu      sync.Mutex
	logFile *os.File

	guesses   map[int]map[string]bool // level -> folded guess
	questions map[int]map[string]int  // level -> folded question -> times asked
	counts    map[string]int          // anomaly -> occurrences
}

// New creates an Auditor.
func New(tap <-chan types.Message, logPath string) *Auditor {
	return &Auditor{
		tap:       tap,
		logPath:   logPath,
		guesses:   make(map[int]map[string]bool),
		questions: make(map[int]map[string]int),
		counts:    make(map[string]int),
	}
}

// Run starts the auditor loop. It blocks until ctx is cancelled or the tap is closed.
func (a *Auditor) Run(ctx context.Context) {
	if err := os.MkdirAll(filepath.Dir(a.logPath), 0o755); err != nil {
		log.Printf("[AUDIT] ERROR: create log dir: %v", err)
		return
	}

	f, err := os.OpenFile(a.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("[AUDIT] ERROR: open log file: %v", err)
		return
	}
	a.mu.Lock()
	a.logFile = f
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.logFile = nil
		a.mu.Unlock()
		f.Close()
	}()

	log.Printf("[AUDIT] started; writing to %s", a.logPath)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-a.tap:
			if !ok {
				return
			}
			a.process(msg)
		}
	}
}

// Counts returns how often each anomaly kind was flagged so far.
func (a *Auditor) Counts() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]int, len(a.counts))
	for k, v := range a.counts {
		out[k] = v
	}
	return out
}

// allowed sender→receiver pairs per message type
var allowedPaths = map[types.MessageType]struct {
	from types.Role
	to   types.Role
}{
	types.MsgDecision:        {types.RoleStrategist, types.RoleController},
	types.MsgExchange:        {types.RoleController, types.RoleOracle},
	types.MsgCandidate:       {types.RoleController, types.RoleVerifier},
	types.MsgVerification:    {types.RoleVerifier, types.RoleController},
	types.MsgOutcomeRecorded: {types.RoleController, types.RoleMemory},
	types.MsgAdvanced:        {types.RoleController, types.RoleUser},
	types.MsgSessionEnd:      {types.RoleController, types.RoleUser},
}

// process audits one message.
//
// Expectations:
//   - A message on an unexpected sender→receiver path is flagged boundary_violation
//   - A submit of a guess already blacklisted or already submitted on that level is flagged repeat_guess
//   - The same question (case and surrounding space ignored) asked twice on a level is flagged repeat_question
//   - A rejected submit that still produced an overlay hint is flagged hint_without_advance
//   - Every message produces exactly one Event line
func (a *Auditor) process(msg types.Message) {
	anomaly := AnomalyNone
	var detail *string
	flag := func(kind, d string) {
		anomaly = kind
		detail = &d
		log.Printf("[AUDIT] %s: %s", strings.ToUpper(kind), d)
	}

	e := Event{
		FromRole:    string(msg.From),
		ToRole:      string(msg.To),
		MessageType: string(msg.Type),
	}

	if allowed, ok := allowedPaths[msg.Type]; ok {
		if msg.From != allowed.from || msg.To != allowed.to {
			flag(AnomalyBoundaryViolation, fmt.Sprintf("expected %s→%s for %s, got %s→%s",
				allowed.from, allowed.to, msg.Type, msg.From, msg.To))
		}
	}

	switch p := msg.Payload.(type) {
	case types.DecisionEvent:
		e.Level, e.Attempt = p.Level, p.Attempt
		if p.Action.Kind == types.ActionAsk {
			key := fold(p.Action.Question)
			seen := a.questions[p.Level]
			if seen == nil {
				seen = make(map[string]int)
				a.questions[p.Level] = seen
			}
			seen[key]++
			if n := seen[key]; n > 1 {
				flag(AnomalyRepeatQuestion, fmt.Sprintf("level %d question asked %d times: %q", p.Level, n, p.Action.Question))
			}
		}
	case types.VerificationEvent:
		e.Level, e.Attempt = p.Level, p.Attempt
		key := fold(p.Candidate)
		seen := a.guesses[p.Level]
		if seen == nil {
			seen = make(map[string]bool)
			a.guesses[p.Level] = seen
		}
		switch {
		case p.Blacklisted:
			flag(AnomalyRepeatGuess, fmt.Sprintf("level %d blacklisted guess %q submitted", p.Level, p.Candidate))
		case seen[key]:
			flag(AnomalyRepeatGuess, fmt.Sprintf("level %d guess %q submitted twice", p.Level, p.Candidate))
		case p.Result.Rejected() && p.Result.Hint != "":
			flag(AnomalyHintWithoutAdvance, fmt.Sprintf("level %d guess %q rejected with hint %q", p.Level, p.Candidate, p.Result.Hint))
		}
		seen[key] = true
	case types.AdvancedEvent:
		e.Level, e.Attempt = p.Level, p.Attempt
	case types.SessionEndEvent:
		e.Level, e.Attempt = p.Level, p.Attempts
	}

	e.EventID = uuid.New().String()
	e.Timestamp = time.Now().UTC().Format(time.RFC3339)
	e.Anomaly = anomaly
	e.Detail = detail
	a.writeEvent(e)
}

func (a *Auditor) writeEvent(e Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if e.Anomaly != AnomalyNone {
		a.counts[e.Anomaly]++
	}
	if a.logFile == nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		log.Printf("[AUDIT] ERROR: marshal event: %v", err)
		return
	}
	if _, err := fmt.Fprintf(a.logFile, "%s\n", data); err != nil {
		log.Printf("[AUDIT] ERROR: write event: %v", err)
	}
}

func fold(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
