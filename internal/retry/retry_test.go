package retry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestPoll_EvaluatesOnceWithZeroTimeout(t *testing.T) {
	// cond is evaluated at least once, even with a zero Timeout
	calls := 0
	ok := Policy{}.Poll(context.Background(), func(context.Context) bool {
		calls++
		return false
	})
	if ok {
		t.Error("expected false")
	}
	if calls < 1 {
		t.Errorf("expected at least one evaluation, got %d", calls)
	}
}

func TestPoll_ReturnsTrueWhenConditionFlips(t *testing.T) {
	// Returns true as soon as cond returns true, without waiting for the next tick
	n := 0
	p := Policy{Interval: time.Millisecond, Timeout: time.Second}
	start := time.Now()
	ok := p.Poll(context.Background(), func(context.Context) bool {
		n++
		return n == 4
	})
	if !ok {
		t.Fatal("expected true")
	}
	if n != 4 {
		t.Errorf("expected 4 evaluations, got %d", n)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("poll took too long: %v", time.Since(start))
	}
}

func TestPoll_FalseAfterTimeout(t *testing.T) {
	// Returns false once Timeout has elapsed with cond never true
	p := Policy{Interval: 2 * time.Millisecond, Timeout: 20 * time.Millisecond}
	if p.Poll(context.Background(), func(context.Context) bool { return false }) {
		t.Error("expected false after timeout")
	}
}

func TestPoll_CancelledContext(t *testing.T) {
	// Returns false promptly when ctx is cancelled
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := Policy{Interval: time.Millisecond, Timeout: time.Hour}
	start := time.Now()
	if p.Poll(ctx, func(context.Context) bool { return false }) {
		t.Error("expected false on cancelled context")
	}
	if time.Since(start) > time.Second {
		t.Error("poll did not return promptly on cancellation")
	}
}

func TestFirstOf_StopsAtFirstSuccess(t *testing.T) {
	// Stops at the first strategy that returns nil and returns its name
	// Later strategies are not run after a success
	var ran []string
	mk := func(name string, err error) Strategy {
		return Strategy{Name: name, Try: func(context.Context) error {
			ran = append(ran, name)
			return err
		}}
	}
	name, err := FirstOf(context.Background(),
		mk("button", errors.New("not found")),
		mk("enter", nil),
		mk("close", nil),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "enter" {
		t.Errorf("winner = %q, want enter", name)
	}
	if strings.Join(ran, ",") != "button,enter" {
		t.Errorf("ran = %v, want [button enter]", ran)
	}
}

func TestFirstOf_AllFail(t *testing.T) {
	// Returns an error naming each failed strategy when all fail
	_, err := FirstOf(context.Background(),
		Strategy{Name: "button", Try: func(context.Context) error { return errors.New("x") }},
		Strategy{Name: "close", Try: func(context.Context) error { return errors.New("y") }},
	)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "button") || !strings.Contains(err.Error(), "close") {
		t.Errorf("error should name both strategies, got %q", err)
	}
}

func TestFirstOf_Empty(t *testing.T) {
	// Returns an error for an empty list
	if _, err := FirstOf(context.Background()); err == nil {
		t.Error("expected error for empty strategy list")
	}
}
