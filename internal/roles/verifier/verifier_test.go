package verifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haricheung/merlin/internal/retry"
	"github.com/haricheung/merlin/internal/types"
)

// fakePuzzle replays a level sequence; the last value repeats once the sequence runs out.
type fakePuzzle struct {
	levels     []int
	unreadable map[int]bool // read index -> signal missing
	overlay    string
	submitErr  error

	submitted []string
	reads     int
}

func (f *fakePuzzle) Navigate(context.Context) error                { return nil }
func (f *fakePuzzle) SendText(context.Context, string) error        { return nil }
func (f *fakePuzzle) ReadLastReply(context.Context) (string, error) { return "", nil }

func (f *fakePuzzle) ReadLevel(context.Context) (int, bool) {
	i := f.reads
	f.reads++
	if f.unreadable[i] {
		return 0, false
	}
	if i >= len(f.levels) {
		i = len(f.levels) - 1
	}
	return f.levels[i], true
}

func (f *fakePuzzle) FillAndSubmit(_ context.Context, s string) error {
	f.submitted = append(f.submitted, s)
	return f.submitErr
}

func (f *fakePuzzle) DismissOverlay(context.Context) (string, bool) {
	if f.overlay == "" {
		return "", false
	}
	return f.overlay, true
}

var fast = retry.Policy{Interval: time.Millisecond, Timeout: 150 * time.Millisecond}

func TestSubmitAndVerify_SubmitError(t *testing.T) {
	// A submit error returns the zero result (not Delivered) without reading the level signal
	p := &fakePuzzle{levels: []int{4}, submitErr: errors.New("input not found")}
	res := New(p, fast, nil).SubmitAndVerify(context.Background(), "GLACIER", 3)
	if res != (types.VerificationResult{}) {
		t.Errorf("expected zero result, got %+v", res)
	}
	if p.reads != 0 {
		t.Errorf("expected no level reads, got %d", p.reads)
	}
}

func TestSubmitAndVerify_Advances(t *testing.T) {
	// Returns Advanced with NewLevel once ReadLevel strictly exceeds priorLevel
	p := &fakePuzzle{levels: []int{3, 3, 3, 4}}
	res := New(p, fast, nil).SubmitAndVerify(context.Background(), "GLACIER", 3)
	if !res.Advanced || res.NewLevel != 4 {
		t.Errorf("expected advanced to 4, got %+v", res)
	}
	if len(p.submitted) != 1 || p.submitted[0] != "GLACIER" {
		t.Errorf("submitted: %v", p.submitted)
	}
}

func TestSubmitAndVerify_HintIsNotSuccess(t *testing.T) {
	// An overlay alone is never success; its text is returned as Hint
	p := &fakePuzzle{levels: []int{3, 3, 3, 3}, overlay: "Wrong password.\nTry again"}
	res := New(p, fast, nil).SubmitAndVerify(context.Background(), "FROST", 3)
	if res.Advanced || res.NewLevel != 0 {
		t.Errorf("expected not advanced, got %+v", res)
	}
	if res.Hint != "Wrong password. Try again" {
		t.Errorf("hint: got %q", res.Hint)
	}
}

func TestSubmitAndVerify_TimeoutIsRejected(t *testing.T) {
	// Returns Rejected when the timeout elapses without an increase
	p := &fakePuzzle{levels: []int{3}}
	res := New(p, fast, nil).SubmitAndVerify(context.Background(), "FROST", 3)
	if !res.Delivered || res.Interrupted || !res.Rejected() {
		t.Errorf("expected a delivered rejection, got %+v", res)
	}
}

func TestSubmitAndVerify_IgnoresUnreadable(t *testing.T) {
	// Unreadable level signals are ignored while polling
	p := &fakePuzzle{levels: []int{3, 3, 5}, unreadable: map[int]bool{0: true, 1: true}}
	res := New(p, fast, nil).SubmitAndVerify(context.Background(), "X", 4)
	if !res.Advanced || res.NewLevel != 5 {
		t.Errorf("expected advanced to 5, got %+v", res)
	}
}

func TestSubmitAndVerify_Cancelled(t *testing.T) {
	// Returns Interrupted, not Rejected, when ctx is cancelled before a verdict
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &fakePuzzle{levels: []int{3, 4}}
	start := time.Now()
	res := New(p, retry.Policy{Interval: time.Millisecond, Timeout: time.Minute}, nil).SubmitAndVerify(ctx, "X", 3)
	if res.Advanced {
		t.Errorf("expected not advanced after cancel, got %+v", res)
	}
	if !res.Delivered || !res.Interrupted || res.Rejected() {
		t.Errorf("expected an interrupted, unjudged result, got %+v", res)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("cancelled verify should return promptly")
	}
}

func TestNew_ZeroPolicyUsesDefault(t *testing.T) {
	v := New(&fakePuzzle{levels: []int{1}}, retry.Policy{}, nil)
	if v.policy != DefaultPolicy {
		t.Errorf("got %+v, want %+v", v.policy, DefaultPolicy)
	}
}
