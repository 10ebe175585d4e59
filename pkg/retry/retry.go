// Package retry wraps a fallible call with an error-code allow-list retry
// policy and fixed or exponential backoff.
package retry

import (
	"context"
	"errors"
	"slices"
	"time"
)

// MaxRetries is the absolute ceiling on retries regardless of configuration.
const MaxRetries = 10

// DefaultDelay is the backoff delay used when none is configured.
const DefaultDelay = 200 * time.Millisecond

// SimulationFailedCode is the relayer's "simulation failed" error code, the
// only code retried by default. Simulation failures are environment
// dependent (state changes between blocks) and commonly succeed on retry.
const SimulationFailedCode = 4211

// Coded is implemented by errors that carry a relayer/bundler RPC error
// code. Errors that do not implement it are never retried.
type Coded interface {
	ErrorCode() int
}

// Options configures a Do call. The zero value never retries.
type Options struct {
	// Max is the maximum number of retries, clamped to MaxRetries. The
	// wrapped function runs at most Max+1 times.
	Max int

	// Delay before each retry. Defaults to DefaultDelay.
	Delay time.Duration

	// Backoff doubles the delay after each retry when set.
	Backoff bool

	// MaxDelay caps the backoff delay. Zero means no cap.
	MaxDelay time.Duration

	// ErrorCodes is the allow-list of retryable codes. Defaults to
	// [SimulationFailedCode].
	ErrorCodes []int
}

// Do invokes fn, retrying on errors whose code is in the allow-list until
// the attempt budget is spent. Any other error propagates unchanged.
//
// fn may be invoked up to Max+1 times; side effects inside it must tolerate
// duplicate invocation. Deduplicating submissions is the relayer's job (it
// is keyed by operation content), not this layer's.
func Do[T any](ctx context.Context, opts *Options, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	max := 0
	delay := DefaultDelay
	codes := []int{SimulationFailedCode}
	backoff := false
	var maxDelay time.Duration

	if opts != nil {
		max = opts.Max
		if max > MaxRetries {
			max = MaxRetries
		}
		if opts.Delay > 0 {
			delay = opts.Delay
		}
		if opts.ErrorCodes != nil {
			codes = opts.ErrorCodes
		}
		backoff = opts.Backoff
		maxDelay = opts.MaxDelay
	}

	for attempt := 0; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}

		var coded Coded
		if attempt >= max || !errors.As(err, &coded) || !slices.Contains(codes, coded.ErrorCode()) {
			return zero, err
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}

		if backoff {
			delay *= 2
			if maxDelay > 0 && delay > maxDelay {
				delay = maxDelay
			}
		}
	}
}
