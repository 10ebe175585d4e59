package ws

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/relayer-go/core/relayer"
)

func TestWaitForTerminalStatusSuccess(t *testing.T) {
	service := newFakeService(t, true)
	manager := service.manager(Config{APIKey: "test-key"})

	done := make(chan struct{})
	var status *relayer.Status
	var waitErr error
	go func() {
		defer close(done)
		status, waitErr = manager.WaitForTerminalStatus(context.Background(), testOpID, 5*time.Second)
	}()

	req := <-service.requests
	require.Equal(t, "subscribe", req.Method)
	service.notify("sub-1", successJSON())

	<-done
	require.NoError(t, waitErr)
	assert.Equal(t, relayer.StatusSuccess, status.Code)

	// The subscription is torn down after delivery.
	unsub := <-service.requests
	assert.Equal(t, "unsubscribe", unsub.Method)
	assert.JSONEq(t, `["sub-1"]`, string(unsub.Params))
}

func TestWaitForTerminalStatusDeliversRejections(t *testing.T) {
	service := newFakeService(t, true)
	manager := service.manager(Config{APIKey: "test-key"})

	done := make(chan struct{})
	var status *relayer.Status
	var waitErr error
	go func() {
		defer close(done)
		status, waitErr = manager.WaitForTerminalStatus(context.Background(), testOpID, 5*time.Second)
	}()

	<-service.requests
	service.notify("sub-1", statusJSON(400, `, "message": "insufficient payment"`))

	<-done
	require.NoError(t, waitErr)
	assert.Equal(t, relayer.StatusRejected, status.Code)
	assert.Equal(t, "insufficient payment", status.Message)
}

func TestWaitForTerminalStatusIgnoresNonTerminalEvents(t *testing.T) {
	service := newFakeService(t, true)
	manager := service.manager(Config{APIKey: "test-key"})

	done := make(chan struct{})
	var status *relayer.Status
	var waitErr error
	go func() {
		defer close(done)
		status, waitErr = manager.WaitForTerminalStatus(context.Background(), testOpID, 5*time.Second)
	}()

	<-service.requests
	service.notify("sub-1", statusJSON(100, ""))
	service.notify("sub-1", statusJSON(110, fmt.Sprintf(`, "hash": %q`, testOpID)))
	service.notify("sub-1", successJSON())

	<-done
	require.NoError(t, waitErr)
	assert.Equal(t, relayer.StatusSuccess, status.Code)
}

func TestWaitForTerminalStatusTimesOut(t *testing.T) {
	service := newFakeService(t, true)
	manager := service.manager(Config{APIKey: "test-key"})

	_, err := manager.WaitForTerminalStatus(context.Background(), testOpID, 100*time.Millisecond)

	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.True(t, IsWebSocketError(err))

	// Timing out still unsubscribes.
	<-service.requests // subscribe
	select {
	case unsub := <-service.requests:
		assert.Equal(t, "unsubscribe", unsub.Method)
	case <-time.After(2 * time.Second):
		t.Fatal("unsubscribe not sent after timeout")
	}
}

func TestWaitForTerminalStatusHonorsContext(t *testing.T) {
	service := newFakeService(t, true)
	manager := service.manager(Config{APIKey: "test-key"})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-service.requests
		cancel()
	}()

	_, err := manager.WaitForTerminalStatus(ctx, testOpID, 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
