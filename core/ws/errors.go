package ws

import (
	"errors"
	"fmt"
)

// ErrDisabled is returned by every operation on a disabled manager.
var ErrDisabled = errors.New("ws: websockets are disabled")

// ConnectionError reports a failure to establish or use the connection.
type ConnectionError struct {
	Message string
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ws: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("ws: %s", e.Message)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// SubscriptionError reports a subscribe request the service refused.
type SubscriptionError struct {
	Message string
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("ws: subscription failed: %s", e.Message)
}

// TimeoutError reports a wait that ran out of time.
type TimeoutError struct {
	Message string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("ws: %s", e.Message)
}

// IsWebSocketError reports whether err originated in this transport, which
// callers use to decide whether falling back to HTTP polling makes sense.
func IsWebSocketError(err error) bool {
	var (
		connErr    *ConnectionError
		subErr     *SubscriptionError
		timeoutErr *TimeoutError
	)
	return errors.Is(err, ErrDisabled) ||
		errors.As(err, &connErr) ||
		errors.As(err, &subErr) ||
		errors.As(err, &timeoutErr)
}
