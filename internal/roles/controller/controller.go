package controller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/haricheung/merlin/internal/bus"
	"github.com/haricheung/merlin/internal/extract"
	"github.com/haricheung/merlin/internal/roles/strategist"
	"github.com/haricheung/merlin/internal/session"
	"github.com/haricheung/merlin/internal/types"
)

// ErrRecord wraps every failure to persist an attempt or a level summary. The loop stops
// on it: an unrecorded attempt would break the blacklist guarantee.
var ErrRecord = errors.New("controller: record attempt")

// Stop reasons.
const (
	StopBudget     = "budget"
	StopSolved     = "solved"
	StopNoAction   = "no_action"
	StopCancelled  = "cancelled"
	StopSignalLost = "signal_lost"
	StopError      = "error"
)

// DefaultLostSignalLimit is used when Options.LostSignalLimit is not set.
const DefaultLostSignalLimit = 20

// Decider chooses the next action. *strategist.Strategist satisfies it.
type Decider interface {
	Decide(ctx context.Context, level int, mem strategist.MemoryReader) types.Action
}

// Verifier runs the submit-and-confirm protocol. *verifier.Verifier satisfies it.
type Verifier interface {
	SubmitAndVerify(ctx context.Context, candidate string, priorLevel int) types.VerificationResult
}

// LoreWriter archives outcomes across sessions. *lore.Scope satisfies it.
type LoreWriter interface {
	Solved(level int, answer, sessionID string) error
	Wrong(level int, guesses ...string) error
}

// Options bound one session.
type Options struct {
	MaxAttempts     int  // loop iterations; <= 0 means unlimited
	MaxLevel        int  // stop once the level signal exceeds it; 0 = unlimited
	LostSignalLimit int  // consecutive unreadable level signals tolerated
	Screenshots     bool // capture the page after every iteration when the puzzle supports it
}

// Stop describes how a session ended.
type Stop struct {
	Reason   string
	Level    int
	Attempts int
}

// Controller is the interrogation loop. It is the only writer of Attempt Memory and runs
// strictly one step at a time: decide, act, record, repeat.
type Controller struct {
	puzzle   types.Puzzle
	decider  Decider
	verifier Verifier
	sess     *session.Session
	b        *bus.Bus
	lore     LoreWriter
	opts     Options

	level int
	stop  Stop
}

// New creates a Controller. b and lw may be nil.
func New(p types.Puzzle, d Decider, v Verifier, sess *session.Session, b *bus.Bus, lw LoreWriter, opts Options) *Controller {
	if opts.LostSignalLimit <= 0 {
		opts.LostSignalLimit = DefaultLostSignalLimit
	}
	return &Controller{puzzle: p, decider: d, verifier: v, sess: sess, b: b, lore: lw, opts: opts}
}

// Stopped returns how the last RunSession ended.
func (c *Controller) Stopped() Stop { return c.stop }

// RunSession drives the puzzle until a stop condition and returns the transcript path.
//
// Expectations:
//   - Runs exactly MaxAttempts iterations when nothing else stops it; returns nil error
//   - A delivered guess rejected after the full wait ends up in the level's blacklist
//   - An undelivered or interrupted guess is recorded without a verdict and never blacklisted
//   - A confirmed submit records a success note, an "advanced to next level" event at the new level, and adopts it
//   - A candidate mined from an ask reply is verified in the same iteration unless already blacklisted
//   - Stops with no_action when the decider returns a zero Action
//   - Stops with solved once the level exceeds MaxLevel
//   - Stops with signal_lost after LostSignalLimit consecutive unreadable or shifting level reads
//   - Returns ctx.Err() with reason cancelled when ctx is done
//   - A failed Append or RecordOutcome returns an error wrapping ErrRecord
func (c *Controller) RunSession(ctx context.Context) (string, error) {
	path := c.sess.TranscriptPath()
	if err := c.puzzle.Navigate(ctx); err != nil {
		c.finish(StopError, 0)
		return path, fmt.Errorf("controller: navigate: %w", err)
	}
	if snap, ok := c.puzzle.(types.Snapshotter); ok && c.opts.Screenshots {
		c.capture(ctx, c.sess.DOMPath(), snap.DumpDOM)
	}

	lost := 0
	if lvl, ok := c.puzzle.ReadLevel(ctx); ok {
		c.level = lvl
	} else {
		c.level = 1
		lost = 1
		log.Printf("[CTRL] WARNING: no level signal at start, assuming level 1")
	}
	log.Printf("[CTRL] session=%s start level=%d budget=%d", c.sess.ID, c.level, c.opts.MaxAttempts)

	attempts := 0
	for c.opts.MaxAttempts <= 0 || attempts < c.opts.MaxAttempts {
		if ctx.Err() != nil {
			c.finish(StopCancelled, attempts)
			return path, ctx.Err()
		}
		if c.opts.MaxLevel > 0 && c.level > c.opts.MaxLevel {
			c.finish(StopSolved, attempts)
			return path, nil
		}
		if attempts > 0 {
			lvl, ok := c.puzzle.ReadLevel(ctx)
			if ok && lvl == c.level {
				lost = 0
			} else {
				// a shifting signal is as useless as a missing one
				lost++
				if lost >= c.opts.LostSignalLimit {
					log.Printf("[CTRL] level signal unstable %d times in a row", lost)
					c.finish(StopSignalLost, attempts)
					return path, nil
				}
				if ok {
					log.Printf("[CTRL] level signal moved outside a verify: %d → %d", c.level, lvl)
					c.level = lvl
					continue
				}
			}
		}

		// a stray overlay from the previous step would swallow the next input
		c.puzzle.DismissOverlay(ctx)

		n := attempts + 1
		action := c.decider.Decide(ctx, c.level, c.sess.Memory)
		if ctx.Err() != nil {
			c.finish(StopCancelled, attempts)
			return path, ctx.Err()
		}
		if action.IsZero() {
			log.Printf("[CTRL] level=%d no action available, stopping", c.level)
			c.finish(StopNoAction, attempts)
			return path, nil
		}
		attempts = n
		c.announce(n, action)

		var err error
		switch action.Kind {
		case types.ActionSubmit:
			err = c.submit(ctx, n, action.Answer, action.Avoid, false)
		default:
			err = c.ask(ctx, n, action)
		}
		if err != nil {
			c.finish(StopError, attempts)
			return path, err
		}
		if snap, ok := c.puzzle.(types.Snapshotter); ok && c.opts.Screenshots {
			c.capture(ctx, c.sess.ShotPath(c.level, n), snap.Screenshot)
		}
	}

	log.Printf("[CTRL] budget of %d attempts exhausted at level %d", c.opts.MaxAttempts, c.level)
	c.finish(StopBudget, attempts)
	return path, nil
}

func (c *Controller) announce(n int, a types.Action) {
	if err := c.sess.WriteThink(c.level, n, a.Think); err != nil {
		log.Printf("[CTRL] WARNING: write think trace: %v", err)
	}
	fallback := ""
	if a.IsFallback() {
		fallback = a.Rationale
	}
	c.sess.Transcript.Decision(c.level, n, string(a.Kind), a.Payload(), a.Rationale, fallback)
	c.emit(types.RoleStrategist, types.RoleController, types.MsgDecision,
		types.DecisionEvent{Level: c.level, Attempt: n, Action: a})
	log.Printf("[CTRL] level=%d attempt=%d %s %q", c.level, n, a.Kind, a.Payload())
}

// ask sends the question, records the exchange and verifies a mined candidate.
func (c *Controller) ask(ctx context.Context, n int, a types.Action) error {
	reply := ""
	if err := c.puzzle.SendText(ctx, a.Question); err != nil {
		log.Printf("[CTRL] level=%d send failed: %v", c.level, err)
	} else if r, err := c.puzzle.ReadLastReply(ctx); err != nil {
		log.Printf("[CTRL] level=%d read reply failed: %v", c.level, err)
	} else {
		reply = r
	}

	score := extract.NearMissScore(reply)
	if err := c.append(types.Attempt{Level: c.level, Kind: types.KindAsk, Text: a.Question, Reply: reply}); err != nil {
		return err
	}
	c.sess.Transcript.Exchange(c.level, n, a.Question, reply, score)
	c.emit(types.RoleController, types.RoleOracle, types.MsgExchange,
		types.ExchangeEvent{Level: c.level, Attempt: n, Question: a.Question, Reply: reply, NearMiss: score})

	cand, ok := extract.Extract(reply)
	if !ok {
		return nil
	}
	known := c.sess.Memory.IsBlacklisted(c.level, cand.Token)
	c.emit(types.RoleController, types.RoleVerifier, types.MsgCandidate,
		types.CandidateEvent{Level: c.level, Attempt: n, Token: cand.Token, Stage: string(cand.Stage), Blacklisted: known})
	if known {
		log.Printf("[CTRL] level=%d candidate %q already blacklisted, not submitting", c.level, cand.Token)
		return nil
	}
	return c.submit(ctx, n, cand.Token, a.Avoid, true)
}

// submit verifies guess and records the outcome.
func (c *Controller) submit(ctx context.Context, n int, guess string, avoid []string, opportunistic bool) error {
	level := c.level
	known := c.sess.Memory.IsBlacklisted(level, guess)
	res := c.verifier.SubmitAndVerify(ctx, guess, level)
	if !res.Advanced && res.Delivered && ctx.Err() != nil {
		res.Interrupted = true
	}

	// only a delivered guess that sat out the whole wait has a verdict
	judged := res.Advanced || res.Rejected()
	outcome := types.Outcome{Hint: res.Hint}
	if judged {
		ok := res.Advanced
		outcome.OK = &ok
	}
	if err := c.append(types.Attempt{Level: level, Kind: types.KindSubmit, Text: guess, Outcome: outcome}); err != nil {
		return err
	}
	c.sess.Transcript.Verification(level, n, guess, opportunistic, res.Advanced, res.Hint)
	c.emit(types.RoleVerifier, types.RoleController, types.MsgVerification, types.VerificationEvent{
		Level: level, Attempt: n, Candidate: guess, Opportunistic: opportunistic, Blacklisted: known, Result: res,
	})

	if !judged {
		log.Printf("[CTRL] level=%d guess %q got no verdict (delivered=%v interrupted=%v), not blacklisting",
			level, guess, res.Delivered, res.Interrupted)
		return c.record(level, false, "⚠️ UNCONFIRMED SUBMIT: "+guess, avoid)
	}
	if !res.Advanced {
		note := "❌ WRONG SUBMIT: " + guess
		if err := c.record(level, false, note, append(append([]string(nil), avoid...), guess)); err != nil {
			return err
		}
		if c.lore != nil {
			if err := c.lore.Wrong(level, guess); err != nil {
				log.Printf("[CTRL] WARNING: lore wrong: %v", err)
			}
		}
		return nil
	}

	if err := c.record(level, true, "✅ SUBMIT CORRECT: "+guess, avoid); err != nil {
		return err
	}
	if c.lore != nil {
		if err := c.lore.Solved(level, guess, c.sess.ID); err != nil {
			log.Printf("[CTRL] WARNING: lore solved: %v", err)
		}
	}
	if err := c.append(types.Attempt{Level: res.NewLevel, Kind: types.KindEvent, Text: types.EventAdvanced}); err != nil {
		return err
	}
	c.sess.Transcript.Advanced(level, res.NewLevel, n)
	c.emit(types.RoleController, types.RoleUser, types.MsgAdvanced,
		types.AdvancedEvent{Level: level, NewLevel: res.NewLevel, Attempt: n, Answer: guess})
	log.Printf("[CTRL] ✅ level %d → %d with %q", level, res.NewLevel, guess)
	c.level = res.NewLevel
	return nil
}

func (c *Controller) append(a types.Attempt) error {
	if err := c.sess.Memory.Append(a); err != nil {
		return fmt.Errorf("%w: %w", ErrRecord, err)
	}
	return nil
}

func (c *Controller) record(level int, success bool, note string, avoid []string) error {
	if err := c.sess.Memory.RecordOutcome(level, success, note, avoid); err != nil {
		return fmt.Errorf("%w: %w", ErrRecord, err)
	}
	c.emit(types.RoleController, types.RoleMemory, types.MsgOutcomeRecorded, types.OutcomeEvent{
		Level: level, Success: success, Note: note, Blacklist: len(c.sess.Memory.Summary(level).Blacklist),
	})
	return nil
}

func (c *Controller) capture(ctx context.Context, path string, fn func(context.Context, string) error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.Printf("[CTRL] WARNING: capture dir: %v", err)
		return
	}
	if err := fn(ctx, path); err != nil {
		log.Printf("[CTRL] WARNING: capture %s: %v", filepath.Base(path), err)
	}
}

func (c *Controller) finish(reason string, attempts int) {
	c.stop = Stop{Reason: reason, Level: c.level, Attempts: attempts}
	c.emit(types.RoleController, types.RoleUser, types.MsgSessionEnd,
		types.SessionEndEvent{Reason: reason, Level: c.level, Attempts: attempts})
	log.Printf("[CTRL] session=%s stopped: reason=%s level=%d attempts=%d", c.sess.ID, reason, c.level, attempts)
}

func (c *Controller) emit(from, to types.Role, t types.MessageType, payload any) {
	if c.b == nil {
		return
	}
	c.b.Emit(from, to, t, payload)
}
