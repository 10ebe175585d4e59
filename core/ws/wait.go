package ws

import (
	"context"
	"fmt"
	"time"

	"github.com/relaykit/relayer-go/core/relayer"
)

// WaitForTerminalStatus subscribes to one operation and blocks until the
// service pushes a terminal status, the timeout elapses or the context is
// cancelled. The subscription is torn down on every exit path.
func (m *Manager) WaitForTerminalStatus(ctx context.Context, id string, timeout time.Duration) (*relayer.Status, error) {
	sub, err := m.Subscribe(ctx, id)
	if err != nil {
		return nil, err
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), m.cfg.RequestTimeout)
		defer cancel()
		if err := m.Unsubscribe(cleanupCtx, sub.SubscriptionID()); err != nil {
			m.logger.Debug("websocket unsubscribe failed", "subscription", sub.SubscriptionID(), "error", err)
		}
	}()

	done := make(chan *relayer.Status, 1)
	deliver := func(status *relayer.Status) {
		select {
		case done <- status:
		default:
		}
	}
	for _, event := range []EventName{EventSuccess, EventRejected, EventReverted} {
		sub.On(event, deliver)
	}

	select {
	case status := <-done:
		return status, nil
	case <-time.After(timeout):
		return nil, &TimeoutError{Message: fmt.Sprintf("timeout waiting for terminal status for %s", id)}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
