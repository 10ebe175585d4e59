package poller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollReturnsOnFirstProbe(t *testing.T) {
	calls := 0
	start := time.Now()

	result, err := Poll(context.Background(), func(ctx context.Context) (int, error) {
		calls++
		return 42, nil
	}, Options[int]{
		ShouldContinue: func(int) bool { return false },
		Interval:       MinInterval,
		Timeout:        5 * time.Second,
	})

	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, 1, calls)
	// No interval wait should have happened before returning.
	assert.Less(t, time.Since(start), MinInterval)
}

func TestPollTimesOut(t *testing.T) {
	calls := 0
	timeout := 350 * time.Millisecond

	_, err := Poll(context.Background(), func(ctx context.Context) (int, error) {
		calls++
		return 0, nil
	}, Options[int]{
		ShouldContinue: func(int) bool { return true },
		Interval:       MinInterval,
		Timeout:        timeout,
		TimeoutMessage: "timeout waiting for thing",
	})

	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Contains(t, timeoutErr.Error(), "timeout waiting for thing")
	assert.GreaterOrEqual(t, timeoutErr.Elapsed, timeout)
	// Probe must run at least ceil(timeout/interval) times.
	assert.GreaterOrEqual(t, calls, 4)
}

func TestPollPropagatesProbeError(t *testing.T) {
	probeErr := errors.New("boom")
	calls := 0

	_, err := Poll(context.Background(), func(ctx context.Context) (int, error) {
		calls++
		return 0, probeErr
	}, Options[int]{
		ShouldContinue: func(int) bool { return true },
		Interval:       MinInterval,
		Timeout:        time.Second,
	})

	assert.ErrorIs(t, err, probeErr)
	assert.Equal(t, 1, calls)
}

func TestPollStopsAfterContinuableResults(t *testing.T) {
	calls := 0

	result, err := Poll(context.Background(), func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "pending", nil
		}
		return "done", nil
	}, Options[string]{
		ShouldContinue: func(s string) bool { return s == "pending" },
		Interval:       MinInterval,
		Timeout:        5 * time.Second,
	})

	require.NoError(t, err)
	assert.Equal(t, "done", result)
	assert.Equal(t, 3, calls)
}

func TestPollValidatesOptions(t *testing.T) {
	probe := func(ctx context.Context) (int, error) { return 0, nil }
	cont := func(int) bool { return false }

	cases := []struct {
		name string
		opts Options[int]
	}{
		{"missing predicate", Options[int]{Interval: MinInterval, Timeout: time.Second}},
		{"interval too small", Options[int]{ShouldContinue: cont, Interval: MinInterval - 1, Timeout: time.Second}},
		{"interval too large", Options[int]{ShouldContinue: cont, Interval: MaxInterval + 1, Timeout: time.Second}},
		{"negative timeout", Options[int]{ShouldContinue: cont, Interval: MinInterval, Timeout: -1}},
		{"timeout too large", Options[int]{ShouldContinue: cont, Interval: MinInterval, Timeout: MaxTimeout + 1}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Poll(context.Background(), probe, tc.opts)
			assert.Error(t, err)
		})
	}
}

func TestPollHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Poll(ctx, func(ctx context.Context) (int, error) {
		return 0, nil
	}, Options[int]{
		ShouldContinue: func(int) bool { return true },
		Interval:       time.Second,
		Timeout:        MaxTimeout,
	})

	assert.ErrorIs(t, err, context.Canceled)
}
