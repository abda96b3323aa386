package strategist

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haricheung/merlin/internal/lore"
	"github.com/haricheung/merlin/internal/types"
)

// DefaultFeedbackLines bounds the transcript shown to the collaborator.
const DefaultFeedbackLines = 30

const (
	maxQuestionRunes = 180
	maxReplyRunes    = 160
	maxGuessRunes    = 40
	maxHintRunes     = 160
	maxLoreAnswers   = 3
	defaultSeed      = "Follow the level instruction precisely and return one JSON object with your next action."
)

// MemoryReader is the read-only view of Attempt Memory the Strategist works from.
// *memory.Store satisfies it.
type MemoryReader interface {
	RecentIn(levels []int, k int) []types.Attempt
	Summary(level int) types.LevelSummary
	IsBlacklisted(level int, guess string) bool
}

// LoreReader recalls what earlier sessions learned about a level. *lore.Scope satisfies it.
type LoreReader interface {
	Recall(level int) (lore.Recollection, error)
}

// Options tune the dialogue context.
type Options struct {
	FeedbackLines int            // max transcript lines; <= 0 means DefaultFeedbackLines
	Seeds         map[int]string // per-level opening tactic
	Lore          LoreReader     // nil disables cross-session hints
}

func (o Options) withDefaults() Options {
	if o.FeedbackLines <= 0 {
		o.FeedbackLines = DefaultFeedbackLines
	}
	return o
}

// State is the structured blob appended to the dialogue.
type State struct {
	Level         int      `json:"level"`
	AttemptsSoFar int      `json:"attempts_so_far"`
	Avoid         []string `json:"avoid"`
}

// Dialogue is one fully rendered request to the collaborator.
type Dialogue struct {
	System string
	User   string
	Lines  []string // feedback lines, oldest first
	State  State
}

// BuildDialogue renders the bounded context for level from mem.
//
// Expectations:
//   - Includes attempts of level and level-1 only, oldest first, at most FeedbackLines of them
//   - Renders asks as "[Ln] ASK: q | REPLY: r", submits with ✅ / ❌ markers and the hint, events as "[Ln] EVENT: msg"
//   - Shows "(no attempts yet)" when there is no history
//   - State.AttemptsSoFar counts every record of level, not only the shown ones
//   - State.Avoid is the sorted blacklist of level; the MUST NOT block lists the same guesses
//   - Adds the seed tactic for level, or a generic one when none is configured
//   - Adds lore lines when a LoreReader is set and knows the level; a lore failure is logged and skipped
func BuildDialogue(mem MemoryReader, level int, opts Options) Dialogue {
	opts = opts.withDefaults()

	levels := []int{level}
	if level > 1 {
		levels = []int{level - 1, level}
	}
	all := mem.RecentIn(levels, 0)
	attemptsSoFar := 0
	for _, a := range all {
		if a.Level == level {
			attemptsSoFar++
		}
	}
	shown := all
	if len(shown) > opts.FeedbackLines {
		shown = shown[len(shown)-opts.FeedbackLines:]
	}
	lines := make([]string, 0, len(shown))
	for _, a := range shown {
		lines = append(lines, FormatAttempt(a))
	}

	sum := mem.Summary(level)
	avoid := sum.Blacklist
	if avoid == nil {
		avoid = []string{}
	}
	state := State{Level: level, AttemptsSoFar: attemptsSoFar, Avoid: avoid}
	stateJSON, _ := json.Marshal(state)

	var sb strings.Builder
	fmt.Fprintf(&sb, "FEEDBACK (Level %d):\n", level)
	if len(lines) == 0 {
		sb.WriteString("(no attempts yet)\n")
	} else {
		for _, l := range lines {
			sb.WriteString(l + "\n")
		}
	}
	if len(avoid) > 0 {
		sb.WriteString("\nMUST NOT (confirmed wrong guesses for this level — never submit these):\n")
		for _, g := range avoid {
			sb.WriteString("  - " + g + "\n")
		}
	}
	if loreBlock := loreLines(opts.Lore, level); loreBlock != "" {
		sb.WriteString("\n" + loreBlock)
	}
	fmt.Fprintf(&sb, "\nSTATE: %s\n", stateJSON)
	seed, ok := opts.Seeds[level]
	if !ok || strings.TrimSpace(seed) == "" {
		seed = defaultSeed
	}
	fmt.Fprintf(&sb, "LEVEL: %d\nTASK: %s\n", level, seed)
	sb.WriteString("\nChoose the next ACTION now (ask or submit). If confident, submit the password directly.\n")
	sb.WriteString("Otherwise ask a short, surgical question that increases certainty (length, vowel set, consonant set, or a specific character index).\n")
	sb.WriteString("Return exactly one JSON object.")

	return Dialogue{System: systemPrompt, User: sb.String(), Lines: lines, State: state}
}

// FormatAttempt renders one Attempt as a compact feedback line.
func FormatAttempt(a types.Attempt) string {
	switch a.Kind {
	case types.KindSubmit:
		guess := types.Excerpt(a.Text, maxGuessRunes)
		if a.Succeeded() {
			return fmt.Sprintf("[L%d] ✅ SUBMIT CORRECT: %s", a.Level, guess)
		}
		if a.Unconfirmed() {
			return fmt.Sprintf("[L%d] ⚠️ UNCONFIRMED SUBMIT: %s", a.Level, guess)
		}
		if h := types.Excerpt(a.Outcome.Hint, maxHintRunes); h != "" {
			return fmt.Sprintf("[L%d] ❌ WRONG SUBMIT: %s | HINT: %s", a.Level, guess, h)
		}
		return fmt.Sprintf("[L%d] ❌ WRONG SUBMIT: %s", a.Level, guess)
	case types.KindAsk:
		q := types.Excerpt(a.Text, maxQuestionRunes)
		if r := types.Excerpt(a.Reply, maxReplyRunes); r != "" {
			return fmt.Sprintf("[L%d] ASK: %s | REPLY: %s", a.Level, q, r)
		}
		return fmt.Sprintf("[L%d] ASK: %s", a.Level, q)
	case types.KindEvent:
		if msg := strings.TrimSpace(a.Text); msg != "" {
			return fmt.Sprintf("[L%d] EVENT: %s", a.Level, msg)
		}
		return fmt.Sprintf("[L%d] EVENT", a.Level)
	}
	return fmt.Sprintf("[L%d] %s", a.Level, strings.ToUpper(string(a.Kind)))
}

func loreLines(r LoreReader, level int) string {
	if r == nil {
		return ""
	}
	rec, err := r.Recall(level)
	if err != nil {
		slog.Warn("[STRAT] lore recall failed", "level", level, "error", err)
		return ""
	}
	if rec.Empty() {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("LORE (earlier sessions; hints only, the secret may have changed):\n")
	if len(rec.Solved) > 0 {
		var answers []string
		for i, s := range rec.Solved {
			if i == maxLoreAnswers {
				break
			}
			answers = append(answers, fmt.Sprintf("%s (x%d)", s.Answer, s.Count))
		}
		sb.WriteString("  - advanced this level with: " + strings.Join(answers, ", ") + "\n")
	}
	if len(rec.Wrong) > 0 {
		sb.WriteString("  - were told wrong: " + strings.Join(rec.Wrong, ", ") + "\n")
	}
	return sb.String()
}
