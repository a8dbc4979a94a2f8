// Package health waits for the backend to report itself ready.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrReadinessTimeout is returned when the backend is not healthy before the deadline.
var ErrReadinessTimeout = errors.New("backend did not become healthy before the deadline")

// DefaultInterval is the time between two polls.
const DefaultInterval = 5 * time.Second

// Checker reports whether the backend is ready.
type Checker interface {
	CheckHealthy(ctx context.Context) (bool, error)
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) (bool, error)

// CheckHealthy calls f.
func (f CheckerFunc) CheckHealthy(ctx context.Context) (bool, error) { return f(ctx) }

// All is healthy when every checker is healthy.
func All(checkers ...Checker) Checker {
	return CheckerFunc(func(ctx context.Context) (bool, error) {
		for _, c := range checkers {
			ok, err := c.CheckHealthy(ctx)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	})
}

// Waiter polls a Checker at a fixed interval.
type Waiter struct {
	Checker  Checker
	Interval time.Duration

	// Observe is called after each poll when set.
	Observe func(healthy bool, err error)
}

// WaitHealthy returns nil on the first healthy poll. If no poll succeeds within
// deadline it returns an error wrapping ErrReadinessTimeout, no earlier than the
// deadline. Polls are bounded by the remaining time so it never blocks past it.
func (w *Waiter) WaitHealthy(ctx context.Context, deadline time.Duration) error {
	interval := w.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	waitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		polls   int
		lastErr error
	)
	for {
		polls++
		healthy, err := w.Checker.CheckHealthy(waitCtx)
		if w.Observe != nil {
			w.Observe(healthy, err)
		}
		if healthy && err == nil {
			slog.Info("Backend is healthy", "polls", polls, "elapsed", time.Since(start).Round(time.Millisecond))
			return nil
		}
		if err != nil {
			lastErr = err
			slog.Debug("Health poll failed", "poll", polls, "error", err)
		} else {
			slog.Debug("Backend not ready yet", "poll", polls)
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return fmt.Errorf("waiting for backend: %w", ctx.Err())
			}
			if lastErr != nil {
				return fmt.Errorf("%w after %s and %d polls: last error: %v", ErrReadinessTimeout, deadline, polls, lastErr)
			}
			return fmt.Errorf("%w after %s and %d polls", ErrReadinessTimeout, deadline, polls)
		case <-ticker.C:
		}
	}
}
