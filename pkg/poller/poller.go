// Package poller provides a bounded polling loop: call a probe until a
// predicate says stop or a wall-clock timeout elapses.
package poller

import (
	"context"
	"fmt"
	"time"
)

// Bounds on the polling parameters. Anything outside these is rejected
// before the first probe runs.
const (
	MinInterval = 100 * time.Millisecond
	MaxInterval = 300 * time.Second
	MaxTimeout  = 600 * time.Second
)

// TimeoutError is returned when the timeout elapses before the predicate
// stops the loop.
type TimeoutError struct {
	Message string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s (exceeded timeout after %s)", e.Message, e.Elapsed)
}

// Options configures a Poll call.
type Options[T any] struct {
	// ShouldContinue returns true to keep polling, false to return the
	// probe's result.
	ShouldContinue func(T) bool

	// Interval between probes. Must be within [MinInterval, MaxInterval].
	Interval time.Duration

	// Timeout bounds the total wall-clock time. Must be within [0, MaxTimeout].
	Timeout time.Duration

	// TimeoutMessage is used for the TimeoutError. Defaults to
	// "timeout waiting for result".
	TimeoutMessage string
}

func (o *Options[T]) validate() error {
	if o.ShouldContinue == nil {
		return fmt.Errorf("poller: ShouldContinue is required")
	}
	if o.Interval < MinInterval {
		return fmt.Errorf("poller: interval must be at least %s", MinInterval)
	}
	if o.Interval > MaxInterval {
		return fmt.Errorf("poller: interval cannot exceed %s", MaxInterval)
	}
	if o.Timeout < 0 {
		return fmt.Errorf("poller: timeout must be non-negative")
	}
	if o.Timeout > MaxTimeout {
		return fmt.Errorf("poller: timeout cannot exceed %s", MaxTimeout)
	}
	return nil
}

// Poll invokes probe repeatedly until ShouldContinue returns false, then
// returns the probe's result. The probe always runs at least once before any
// timeout check, so a predicate that is immediately satisfied returns without
// waiting a full interval.
//
// An error from the probe propagates immediately and stops the loop: probes
// must encode "not ready yet" as a continuable result, not an error. The
// timeout is checked after each probe, so the total wall-clock time can
// overrun the configured timeout by up to one probe's latency.
func Poll[T any](ctx context.Context, probe func(context.Context) (T, error), opts Options[T]) (T, error) {
	var zero T
	if err := opts.validate(); err != nil {
		return zero, err
	}

	msg := opts.TimeoutMessage
	if msg == "" {
		msg = "timeout waiting for result"
	}

	start := time.Now()
	for {
		result, err := probe(ctx)
		if err != nil {
			return zero, err
		}

		if !opts.ShouldContinue(result) {
			return result, nil
		}

		if elapsed := time.Since(start); elapsed > opts.Timeout {
			return zero, &TimeoutError{Message: msg, Elapsed: elapsed}
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(opts.Interval):
		}
	}
}
