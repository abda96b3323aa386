package verifier

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/haricheung/merlin/internal/metrics"
	"github.com/haricheung/merlin/internal/retry"
	"github.com/haricheung/merlin/internal/types"
)

// DefaultPolicy is the confirmation polling used when none is configured.
var DefaultPolicy = retry.Policy{Interval: 150 * time.Millisecond, Timeout: 7 * time.Second}

const maxHintRunes = 240

// Verifier runs the submit-and-confirm protocol against a Puzzle. A submit counts as
// correct only when the level signal strictly increases; overlay text is kept as a hint.
type Verifier struct {
	puzzle  types.Puzzle
	policy  retry.Policy
	metrics *metrics.Metrics
}

// New creates a Verifier. A zero policy falls back to DefaultPolicy; m may be nil.
func New(p types.Puzzle, policy retry.Policy, m *metrics.Metrics) *Verifier {
	if policy.Timeout <= 0 {
		policy = DefaultPolicy
	}
	return &Verifier{puzzle: p, policy: policy, metrics: m}
}

// SubmitAndVerify enters candidate and waits for the level signal to move past priorLevel.
//
// Expectations:
//   - A submit error returns the zero result (not Delivered) without reading the level signal
//   - Returns Advanced with NewLevel once ReadLevel strictly exceeds priorLevel
//   - An overlay alone is never success; its text is returned as Hint
//   - Unreadable level signals are ignored while polling
//   - Returns Rejected when the timeout elapses without an increase
//   - Returns Interrupted, not Rejected, when ctx is cancelled before a verdict
func (v *Verifier) SubmitAndVerify(ctx context.Context, candidate string, priorLevel int) types.VerificationResult {
	if err := v.puzzle.FillAndSubmit(ctx, candidate); err != nil {
		log.Printf("[VERIFY] submit %q failed: %v", candidate, err)
		return types.VerificationResult{}
	}

	res := types.VerificationResult{Delivered: true}
	start := time.Now()
	advanced := v.policy.Poll(ctx, func(ctx context.Context) bool {
		// the overlay can block the level heading, so settle it on every look
		if text, present := v.puzzle.DismissOverlay(ctx); present {
			if h := types.Excerpt(text, maxHintRunes); h != "" {
				res.Hint = h
			}
		}
		lvl, ok := v.puzzle.ReadLevel(ctx)
		if ok && lvl > priorLevel {
			res.NewLevel = lvl
			return true
		}
		return false
	})
	v.metrics.ObserveVerifyWait(time.Since(start).Seconds())

	res.Advanced = advanced
	if !advanced {
		res.NewLevel = 0
		res.Interrupted = ctx.Err() != nil
	}
	log.Printf("[VERIFY] candidate=%q prior=%d advanced=%v new=%d interrupted=%v hint=%q",
		candidate, priorLevel, res.Advanced, res.NewLevel, res.Interrupted, strings.TrimSpace(res.Hint))
	return res
}
