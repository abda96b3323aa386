package ui

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/haricheung/merlin/internal/types"
)

// ANSI codes
const (
	ansiReset   = "\033[0m"
	ansiBold    = "\033[1m"
	ansiDim     = "\033[2m"
	ansiCyan    = "\033[36m"
	ansiYellow  = "\033[33m"
	ansiGreen   = "\033[32m"
	ansiRed     = "\033[31m"
	ansiMagenta = "\033[35m"
	ansiBlue    = "\033[34m"
)

// BoxWidth is the inner width of exchange boxes, in terminal cells.
const BoxWidth = 72

var roleEmoji = map[types.Role]string{
	types.RoleController: "🎛️ ",
	types.RoleStrategist: "🧠",
	types.RoleOracle:     "🧙",
	types.RoleVerifier:   "🔍",
	types.RoleMemory:     "💾",
	types.RoleAuditor:    "📡",
	types.RoleUser:       "👤",
}

var msgColor = map[types.MessageType]string{
	types.MsgDecision:        ansiCyan,
	types.MsgExchange:        ansiBlue,
	types.MsgCandidate:       ansiMagenta,
	types.MsgVerification:    ansiYellow,
	types.MsgOutcomeRecorded: ansiDim,
	types.MsgAdvanced:        ansiGreen,
	types.MsgSessionEnd:      ansiBold,
}

var msgStatus = map[types.MessageType]string{
	types.MsgDecision:        "🧙 waiting for the oracle...",
	types.MsgExchange:        "🧠 thinking...",
	types.MsgCandidate:       "🔍 verifying candidate...",
	types.MsgVerification:    "🧠 thinking...",
	types.MsgOutcomeRecorded: "🧠 thinking...",
	types.MsgAdvanced:        "🧠 next level...",
}

var spinRunes = []rune("⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏")

// Display renders the interrogation as flow lines and exchange boxes.
// It reads from a bus tap channel; all writes to out happen on the Run goroutine.
type Display struct {
	tap     <-chan types.Message
	out     io.Writer
	spinner bool

	mu     sync.Mutex
	status string
	spin   int
}

// New creates a Display reading from tap and writing to out. spinner enables the
// animated status line; leave it off when out is not a terminal.
func New(tap <-chan types.Message, out io.Writer, spinner bool) *Display {
	return &Display{tap: tap, out: out, spinner: spinner}
}

// Run renders messages until ctx is done or the tap is closed.
func (d *Display) Run(ctx context.Context) {
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.clearLine()
			return

		case msg, ok := <-d.tap:
			if !ok {
				return
			}
			d.clearLine()
			d.render(msg)
			d.setStatus(msgStatus[msg.Type])

		case <-ticker.C:
			if !d.spinner {
				continue
			}
			d.mu.Lock()
			status := d.status
			d.mu.Unlock()
			if status == "" {
				continue
			}
			frame := spinRunes[d.spin%len(spinRunes)]
			d.spin++
			fmt.Fprintf(d.out, "\r%s%s%s %s", ansiCyan, string(frame), ansiReset, status)
		}
	}
}

func (d *Display) clearLine() {
	if d.spinner {
		fmt.Fprint(d.out, "\r\033[K")
	}
}

func (d *Display) setStatus(s string) {
	d.mu.Lock()
	d.status = s
	d.mu.Unlock()
}

func (d *Display) render(msg types.Message) {
	switch p := msg.Payload.(type) {
	case types.ExchangeEvent:
		for _, l := range renderExchange(p, BoxWidth) {
			fmt.Fprintln(d.out, l)
		}
		return
	case types.AdvancedEvent:
		fmt.Fprintf(d.out, "%s%s✅ LEVEL %d → %d with %q (attempt %d)%s\n",
			ansiBold, ansiGreen, p.Level, p.NewLevel, p.Answer, p.Attempt, ansiReset)
		return
	case types.SessionEndEvent:
		fmt.Fprintf(d.out, "%s■ session ended: %s at level %d after %d attempts%s\n",
			ansiBold, p.Reason, p.Level, p.Attempts, ansiReset)
		return
	}
	fmt.Fprintln(d.out, flowLine(msg))
}

// flowLine renders one "from ──[Type: detail]──► to" line.
func flowLine(msg types.Message) string {
	label := string(msg.Type)
	if det := msgDetail(msg); det != "" {
		label += ": " + det
	}
	if msg.Type == types.MsgOutcomeRecorded {
		return fmt.Sprintf("%s  %s ──[%s]──► %s%s", ansiDim, roleLabel(msg.From), label, roleLabel(msg.To), ansiReset)
	}
	color := msgColor[msg.Type]
	if color == "" {
		color = ansiDim
	}
	return fmt.Sprintf("  %s ──[%s%s%s]──► %s", roleLabel(msg.From), color, label, ansiReset, roleLabel(msg.To))
}

func roleLabel(r types.Role) string {
	emoji, ok := roleEmoji[r]
	if !ok {
		emoji = "•"
	}
	return emoji + " " + string(r)
}

func msgDetail(msg types.Message) string {
	switch p := msg.Payload.(type) {
	case types.DecisionEvent:
		s := fmt.Sprintf("L%d #%d %s %s", p.Level, p.Attempt, p.Action.Kind, clip(p.Action.Payload(), 50))
		if p.Action.IsFallback() {
			s += " (fallback)"
		}
		return s
	case types.CandidateEvent:
		if p.Blacklisted {
			return fmt.Sprintf("%s via %s (blacklisted, skipped)", p.Token, p.Stage)
		}
		return fmt.Sprintf("%s via %s", p.Token, p.Stage)
	case types.VerificationEvent:
		verdict := "❌ rejected"
		switch {
		case p.Result.Advanced:
			verdict = fmt.Sprintf("✅ advanced to %d", p.Result.NewLevel)
		case !p.Result.Rejected():
			verdict = "⚠️ no verdict"
		}
		s := fmt.Sprintf("%s %s", p.Candidate, verdict)
		if p.Result.Hint != "" && !p.Result.Advanced {
			s += " | " + clip(p.Result.Hint, 40)
		}
		return s
	case types.OutcomeEvent:
		return fmt.Sprintf("L%d blacklist=%d", p.Level, p.Blacklist)
	}
	return ""
}

// renderExchange draws one question/reply pair as a box of the given inner width.
//
// Expectations:
//   - Every line has the same display width, including lines with wide runes
//   - Long text wraps instead of overflowing the box
//   - The title carries the level and the attempt number
func renderExchange(e types.ExchangeEvent, width int) []string {
	title := fmt.Sprintf("─ EXCHANGE L%d #%d ", e.Level, e.Attempt)
	if e.NearMiss > 0 {
		title += fmt.Sprintf("(near miss %.1f) ", e.NearMiss)
	}
	top := "┌" + title + strings.Repeat("─", max(0, width+2-runewidth.StringWidth(title))) + "┐"

	lines := []string{top}
	body := func(prefix, text string) {
		indent := strings.Repeat(" ", runewidth.StringWidth(prefix))
		for i, l := range wrap(text, width-runewidth.StringWidth(prefix)) {
			p := prefix
			if i > 0 {
				p = indent
			}
			lines = append(lines, "│ "+runewidth.FillRight(p+l, width)+" │")
		}
	}
	body("Q: ", e.Question)
	reply := e.Reply
	if strings.TrimSpace(reply) == "" {
		reply = "(no reply)"
	}
	body("A: ", reply)
	lines = append(lines, "└"+strings.Repeat("─", width+2)+"┘")
	return lines
}

// wrap splits s into lines of at most width display cells, breaking on spaces where
// possible. Newlines in s are kept as breaks.
func wrap(s string, width int) []string {
	if width < 1 {
		width = 1
	}
	var out []string
	for _, para := range strings.Split(strings.TrimSpace(s), "\n") {
		line := ""
		for _, word := range strings.Fields(para) {
			for runewidth.StringWidth(word) > width {
				// hard-break words wider than the box
				if line != "" {
					out = append(out, line)
					line = ""
				}
				head := runewidth.Truncate(word, width, "")
				if head == "" {
					head = string([]rune(word)[:1])
				}
				out = append(out, head)
				word = word[len(head):]
			}
			if word == "" {
				continue
			}
			switch {
			case line == "":
				line = word
			case runewidth.StringWidth(line)+1+runewidth.StringWidth(word) <= width:
				line += " " + word
			default:
				out = append(out, line)
				line = word
			}
		}
		out = append(out, line)
	}
	return out
}

// clip truncates s to at most n characters, appending "…" if trimmed.
func clip(s string, n int) string {
	runes := []rune(strings.ReplaceAll(s, "\n", " "))
	if len(runes) <= n {
		return string(runes)
	}
	return string(runes[:n]) + "…"
}
