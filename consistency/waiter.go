// Package consistency rides out the propagation delay between a create or
// delete call and the moment list/describe calls observe it.
package consistency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mirror520/notification/conf"
	"github.com/mirror520/notification/gateway"
)

var ErrTimeout = errors.New("consistency wait timed out")

// Predicate reports whether the awaited condition holds. Transient errors
// count as "not yet"; permanent ones end the wait.
type Predicate func(ctx context.Context) (bool, error)

// Not inverts p, for waiting on deletions.
func Not(p Predicate) Predicate {
	return func(ctx context.Context) (bool, error) {
		ok, err := p(ctx)
		if err != nil {
			return false, err
		}

		return !ok, nil
	}
}

type Waiter struct {
	Interval time.Duration
	MaxWait  time.Duration
}

func NewWaiter(cfg conf.Consistency) *Waiter {
	w := &Waiter{
		Interval: cfg.PollInterval,
		MaxWait:  cfg.MaxWait,
	}

	if w.Interval <= 0 {
		w.Interval = conf.DefaultPollInterval
	}

	if w.MaxWait <= 0 {
		w.MaxWait = conf.DefaultMaxWait
	}

	return w
}

// Until polls p every Interval until it holds, MaxWait elapses or ctx is done.
// It sleeps between polls and never returns ErrTimeout before MaxWait.
func (w *Waiter) Until(ctx context.Context, p Predicate) error {
	deadline := time.Now().Add(w.MaxWait)

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	var lastErr error
	for attempt := 1; ; attempt++ {
		ok, err := p(ctx)
		switch {
		case err == nil && ok:
			return nil

		case err != nil && (gateway.IsPermanent(err) || isContextErr(err)):
			return err

		case err != nil:
			lastErr = err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			if lastErr != nil {
				return fmt.Errorf("%w after %s (%d polls): %v", ErrTimeout, w.MaxWait, attempt, lastErr)
			}

			return fmt.Errorf("%w after %s (%d polls)", ErrTimeout, w.MaxWait, attempt)
		}

		sleep := w.Interval
		if sleep <= 0 {
			sleep = conf.DefaultPollInterval
		}

		if remaining < sleep {
			sleep = remaining
		}

		timer.Reset(sleep)
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-timer.C:
		}
	}
}

// WaitUntil is the one-shot form of Waiter.Until.
func WaitUntil(ctx context.Context, p Predicate, interval time.Duration, maxWait time.Duration) bool {
	w := &Waiter{
		Interval: interval,
		MaxWait:  maxWait,
	}

	return w.Until(ctx, p) == nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
