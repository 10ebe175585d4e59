package relayer

import (
	"context"
	"fmt"
	"time"

	"github.com/relaykit/relayer-go/pkg/poller"
)

// Defaults for waiting on a terminal outcome.
const (
	DefaultWaitTimeout     = 120 * time.Second
	DefaultPollingInterval = 2 * time.Second
)

// racePollingFloor is the minimum polling interval while a WebSocket wait
// runs in parallel. Polling is the safety net there, not the primary
// delivery path, so it backs off to spare the status endpoint.
const racePollingFloor = 2 * time.Second

// TerminalWaiter delivers terminal statuses pushed by the service, with
// the WebSocket connection manager as the production implementation.
type TerminalWaiter interface {
	WaitForTerminalStatus(ctx context.Context, id string, timeout time.Duration) (*Status, error)
}

// WaitOptions tunes WaitForStatus and WaitForReceipt.
type WaitOptions struct {
	// Timeout bounds the whole wait. Defaults to DefaultWaitTimeout.
	Timeout time.Duration

	// PollingInterval between status probes. Defaults to
	// DefaultPollingInterval.
	PollingInterval time.Duration

	// UsePolling forces HTTP polling even when WS is set.
	UsePolling bool

	// ThrowOnReverted turns reverted outcomes into
	// TransactionRevertedError instead of returning the receipt.
	ThrowOnReverted bool

	// WS enables push delivery racing the polling loop.
	WS TerminalWaiter
}

func (o *WaitOptions) withDefaults() WaitOptions {
	opts := WaitOptions{
		Timeout:         DefaultWaitTimeout,
		PollingInterval: DefaultPollingInterval,
	}
	if o == nil {
		return opts
	}
	opts.UsePolling = o.UsePolling
	opts.ThrowOnReverted = o.ThrowOnReverted
	opts.WS = o.WS
	if o.Timeout > 0 {
		opts.Timeout = o.Timeout
	}
	if o.PollingInterval > 0 {
		opts.PollingInterval = o.PollingInterval
	}
	return opts
}

// waitForStatusPolling polls relayer_getStatus until a terminal status.
func (c *Client) waitForStatusPolling(ctx context.Context, id string, timeout, interval time.Duration) (*Status, error) {
	result, err := poller.Poll(ctx, func(ctx context.Context) (*Status, error) {
		return c.GetStatus(ctx, id)
	}, poller.Options[*Status]{
		ShouldContinue: func(status *Status) bool {
			return !status.Code.Terminal()
		},
		Interval:       interval,
		Timeout:        timeout,
		TimeoutMessage: fmt.Sprintf("timeout waiting for status of transaction %s", id),
	})
	if err != nil {
		return nil, err
	}

	// The predicate above only stops on terminal codes; anything else
	// escaping is a bug, not a service condition.
	if !result.Code.Terminal() {
		return nil, fmt.Errorf("relayer: internal error: non-terminal status %s escaped polling for transaction %s", result.Code, id)
	}
	return result, nil
}

// WaitForStatus waits until the operation reaches a terminal status and
// returns it without interpreting the outcome. Uses HTTP polling only.
func (c *Client) WaitForStatus(ctx context.Context, id string, opts *WaitOptions) (*Status, error) {
	o := opts.withDefaults()
	return c.waitForStatusPolling(ctx, id, o.Timeout, o.PollingInterval)
}

type waitResult struct {
	status *Status
	err    error
}

// WaitForReceipt waits for the operation's terminal outcome and maps it:
// success returns the receipt, rejected always errors, reverted errors
// only when ThrowOnReverted is set.
//
// With a WebSocket waiter configured, push delivery races a polling loop
// and the first terminal status wins. A failure on one path does not abort
// the wait while the other path is still live; only when both paths fail
// does the first failure propagate.
func (c *Client) WaitForReceipt(ctx context.Context, id string, opts *WaitOptions) (*Receipt, error) {
	o := opts.withDefaults()

	if o.WS == nil || o.UsePolling {
		status, err := c.waitForStatusPolling(ctx, id, o.Timeout, o.PollingInterval)
		if err != nil {
			return nil, err
		}
		return resolveTerminal(status, o.ThrowOnReverted)
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan waitResult, 2)

	go func() {
		status, err := o.WS.WaitForTerminalStatus(raceCtx, id, o.Timeout)
		results <- waitResult{status: status, err: err}
	}()
	go func() {
		status, err := c.waitForStatusPolling(raceCtx, id, o.Timeout, max(racePollingFloor, o.PollingInterval))
		results <- waitResult{status: status, err: err}
	}()

	var firstErr error
	for i := 0; i < 2; i++ {
		res := <-results
		if res.err == nil {
			return resolveTerminal(res.status, o.ThrowOnReverted)
		}
		if firstErr == nil {
			firstErr = res.err
		}
	}
	return nil, firstErr
}

// resolveTerminal maps a terminal status to the caller-facing outcome.
func resolveTerminal(status *Status, throwOnReverted bool) (*Receipt, error) {
	switch status.Code {
	case StatusRejected:
		return nil, newRejectedError(status)
	case StatusReverted:
		if throwOnReverted {
			return nil, newRevertedError(status)
		}
		return status.Receipt, nil
	case StatusSuccess:
		return status.Receipt, nil
	}
	return nil, fmt.Errorf("relayer: internal error: cannot resolve non-terminal status %s", status.Code)
}
