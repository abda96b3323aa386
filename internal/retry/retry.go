// Package retry holds the two bounded-retry shapes the agent needs when driving an
// external page: fixed-interval polling of a predicate until a deadline, and an ordered
// list of alternative strategies tried until one succeeds.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy is a fixed-interval, fixed-deadline polling policy. There is no backoff: the
// observed signal either flips promptly or not at all.
type Policy struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Poll evaluates cond immediately and then every p.Interval until it returns true, the
// timeout elapses, or ctx is done. It reports whether cond was ever satisfied.
//
// Expectations:
//   - cond is evaluated at least once, even with a zero Timeout
//   - Returns true as soon as cond returns true, without waiting for the next tick
//   - Returns false once Timeout has elapsed with cond never true
//   - Returns false promptly when ctx is cancelled
func (p Policy) Poll(ctx context.Context, cond func(context.Context) bool) bool {
	if cond(ctx) {
		return true
	}
	interval := p.Interval
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	deadline := time.NewTimer(p.Timeout)
	defer deadline.Stop()
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			// one last look: the signal may have flipped between the final tick and the deadline
			return cond(ctx)
		case <-tick.C:
			if cond(ctx) {
				return true
			}
		}
	}
}

// Strategy is one named alternative in a fallback chain.
type Strategy struct {
	Name string
	Try  func(ctx context.Context) error
}

// FirstOf runs strategies in order and stops at the first one that returns nil.
// It returns the name of the winning strategy, or an error listing every failure.
//
// Expectations:
//   - Stops at the first strategy that returns nil and returns its name
//   - Later strategies are not run after a success
//   - Returns an error naming each failed strategy when all fail
//   - Returns an error for an empty list
func FirstOf(ctx context.Context, strategies ...Strategy) (string, error) {
	if len(strategies) == 0 {
		return "", fmt.Errorf("retry: no strategies")
	}
	var errs []error
	for _, s := range strategies {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		err := s.Try(ctx)
		if err == nil {
			return s.Name, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
	}
	return "", fmt.Errorf("retry: all strategies failed: %v", errs)
}
