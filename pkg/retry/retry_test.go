package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type codedError struct {
	code int
	msg  string
}

func (e *codedError) Error() string  { return e.msg }
func (e *codedError) ErrorCode() int { return e.code }

func TestDoReturnsFirstSuccess(t *testing.T) {
	calls := 0

	result, err := Do(context.Background(), &Options{Max: 3}, func(ctx context.Context) (string, error) {
		calls++
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesDefaultCode(t *testing.T) {
	calls := 0
	simFailed := &codedError{code: SimulationFailedCode, msg: "simulation failed"}

	result, err := Do(context.Background(), &Options{Max: 2, Delay: time.Millisecond}, func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, simFailed
		}
		return 7, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 7, result)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsBudget(t *testing.T) {
	calls := 0
	simFailed := &codedError{code: SimulationFailedCode, msg: "simulation failed"}

	_, err := Do(context.Background(), &Options{Max: 2, Delay: time.Millisecond}, func(ctx context.Context) (int, error) {
		calls++
		return 0, simFailed
	})

	assert.ErrorIs(t, err, error(simFailed))
	// Max retries means max+1 invocations.
	assert.Equal(t, 3, calls)
}

func TestDoNeverRetriesUncodedErrors(t *testing.T) {
	calls := 0
	plain := errors.New("network down")

	_, err := Do(context.Background(), &Options{Max: 5, Delay: time.Millisecond}, func(ctx context.Context) (int, error) {
		calls++
		return 0, plain
	})

	assert.ErrorIs(t, err, plain)
	assert.Equal(t, 1, calls)
}

func TestDoNeverRetriesCodesOutsideAllowList(t *testing.T) {
	calls := 0
	unauthorized := &codedError{code: 4100, msg: "unauthorized"}

	_, err := Do(context.Background(), &Options{Max: 5, Delay: time.Millisecond}, func(ctx context.Context) (int, error) {
		calls++
		return 0, unauthorized
	})

	assert.ErrorIs(t, err, error(unauthorized))
	assert.Equal(t, 1, calls)
}

func TestDoRetriesWrappedCodedErrors(t *testing.T) {
	calls := 0
	inner := &codedError{code: SimulationFailedCode, msg: "simulation failed"}

	result, err := Do(context.Background(), &Options{Max: 1, Delay: time.Millisecond}, func(ctx context.Context) (bool, error) {
		calls++
		if calls == 1 {
			return false, fmt.Errorf("submit: %w", inner)
		}
		return true, nil
	})

	require.NoError(t, err)
	assert.True(t, result)
	assert.Equal(t, 2, calls)
}

func TestDoCustomAllowList(t *testing.T) {
	calls := 0
	unsupported := &codedError{code: 4206, msg: "unsupported chain"}

	result, err := Do(context.Background(), &Options{
		Max:        2,
		Delay:      time.Millisecond,
		ErrorCodes: []int{4206},
	}, func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, unsupported
		}
		return 1, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, result)
	assert.Equal(t, 2, calls)
}

func TestDoClampsMaxRetries(t *testing.T) {
	calls := 0
	simFailed := &codedError{code: SimulationFailedCode, msg: "simulation failed"}

	_, err := Do(context.Background(), &Options{Max: 100, Delay: time.Microsecond}, func(ctx context.Context) (int, error) {
		calls++
		return 0, simFailed
	})

	assert.Error(t, err)
	assert.Equal(t, MaxRetries+1, calls)
}

func TestDoNilOptionsNeverRetries(t *testing.T) {
	calls := 0
	simFailed := &codedError{code: SimulationFailedCode, msg: "simulation failed"}

	_, err := Do(context.Background(), nil, func(ctx context.Context) (int, error) {
		calls++
		return 0, simFailed
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoExponentialBackoffRespectsCap(t *testing.T) {
	calls := 0
	var stamps []time.Time
	simFailed := &codedError{code: SimulationFailedCode, msg: "simulation failed"}

	_, err := Do(context.Background(), &Options{
		Max:      3,
		Delay:    10 * time.Millisecond,
		Backoff:  true,
		MaxDelay: 20 * time.Millisecond,
	}, func(ctx context.Context) (int, error) {
		calls++
		stamps = append(stamps, time.Now())
		return 0, simFailed
	})

	assert.Error(t, err)
	require.Equal(t, 4, calls)
	// Gaps are 10ms, 20ms, then capped at 20ms.
	assert.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), 10*time.Millisecond)
	assert.GreaterOrEqual(t, stamps[2].Sub(stamps[1]), 20*time.Millisecond)
	assert.GreaterOrEqual(t, stamps[3].Sub(stamps[2]), 20*time.Millisecond)
	assert.Less(t, stamps[3].Sub(stamps[2]), 60*time.Millisecond)
}

func TestDoStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	simFailed := &codedError{code: SimulationFailedCode, msg: "simulation failed"}

	_, err := Do(ctx, &Options{Max: 3, Delay: time.Second}, func(ctx context.Context) (int, error) {
		return 0, simFailed
	})

	assert.ErrorIs(t, err, context.Canceled)
}
