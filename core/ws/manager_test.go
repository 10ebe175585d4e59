package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/relayer-go/core/relayer"
)

const testOpID = "0x1111111111111111111111111111111111111111111111111111111111111111"

type controlRequest struct {
	Id     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// fakeService is a scripted relaying-service WebSocket endpoint.
type fakeService struct {
	t       *testing.T
	server  *httptest.Server
	respond bool

	mu          sync.Mutex
	conns       []*websocket.Conn
	writeMu     sync.Mutex
	dials       atomic.Int32
	refuseDials atomic.Bool
	nextSub     atomic.Int32
	requests    chan controlRequest
	pongs       chan struct{}
}

func newFakeService(t *testing.T, respond bool) *fakeService {
	t.Helper()

	service := &fakeService{
		t:        t,
		respond:  respond,
		requests: make(chan controlRequest, 16),
		pongs:    make(chan struct{}, 16),
	}

	upgrader := websocket.Upgrader{}
	service.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ws", r.URL.Path)
		service.dials.Add(1)
		if service.refuseDials.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)

		service.mu.Lock()
		service.conns = append(service.conns, conn)
		service.mu.Unlock()

		go service.serve(conn)
	}))
	t.Cleanup(service.server.Close)
	return service
}

func (s *fakeService) serve(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var heartbeat struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &heartbeat) == nil && heartbeat.Type == "pong" {
			s.pongs <- struct{}{}
			continue
		}

		var req controlRequest
		if json.Unmarshal(data, &req) != nil || req.Method == "" {
			continue
		}

		// Respond before exposing the request to the test so anything
		// the test sends afterwards is ordered behind the response.
		if s.respond {
			switch req.Method {
			case "subscribe":
				s.write(conn, map[string]any{
					"jsonrpc": "2.0",
					"id":      req.Id,
					"result":  fmt.Sprintf("sub-%d", s.nextSub.Add(1)),
				})
			case "unsubscribe":
				s.write(conn, map[string]any{"jsonrpc": "2.0", "id": req.Id, "result": true})
			}
		}
		s.requests <- req
	}
}

func (s *fakeService) write(conn *websocket.Conn, v any) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	require.NoError(s.t, conn.WriteJSON(v))
}

func (s *fakeService) latestConn() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(s.t, s.conns)
	return s.conns[len(s.conns)-1]
}

func (s *fakeService) notify(subscriptionID string, statusJSON string) {
	s.write(s.latestConn(), map[string]any{
		"jsonrpc": "2.0",
		"method":  "subscription",
		"params": map[string]any{
			"subscription": subscriptionID,
			"result": map[string]any{
				"event": "transaction.success",
				"data":  json.RawMessage(statusJSON),
			},
		},
	})
}

func (s *fakeService) manager(cfg Config) *Manager {
	cfg.BaseURL = s.server.URL
	manager := NewManager(cfg)
	s.t.Cleanup(func() {
		if !cfg.Disable {
			_ = manager.Disconnect()
		}
	})
	return manager
}

func statusJSON(code int, extra string) string {
	return fmt.Sprintf(`{"id": %q, "chainId": 1, "createdAt": 1, "status": %d%s}`, testOpID, code, extra)
}

func successJSON() string {
	return statusJSON(200, fmt.Sprintf(`, "receipt": {"transactionHash": %q}`, testOpID))
}

func TestWSURLRewritesScheme(t *testing.T) {
	assert.Equal(t, "wss://api.example.com/ws", wsURL("https://api.example.com"))
	assert.Equal(t, "ws://localhost:8080/ws", wsURL("http://localhost:8080"))
}

func TestConnectAndDisconnect(t *testing.T) {
	service := newFakeService(t, true)
	manager := service.manager(Config{APIKey: "test-key"})

	assert.Equal(t, StateDisconnected, manager.State())
	require.NoError(t, manager.Connect(context.Background()))
	assert.Equal(t, StateConnected, manager.State())

	// Connecting twice reuses the connection.
	require.NoError(t, manager.Connect(context.Background()))
	assert.Equal(t, int32(1), service.dials.Load())

	require.NoError(t, manager.Disconnect())
	assert.Equal(t, StateDisconnected, manager.State())
}

func TestDisabledManagerFailsSynchronously(t *testing.T) {
	manager := NewManager(Config{BaseURL: "http://localhost:0", Disable: true})

	assert.ErrorIs(t, manager.Connect(context.Background()), ErrDisabled)
	_, err := manager.Subscribe(context.Background(), testOpID)
	assert.ErrorIs(t, err, ErrDisabled)
	assert.ErrorIs(t, manager.Unsubscribe(context.Background(), "sub-1"), ErrDisabled)
	assert.ErrorIs(t, manager.Disconnect(), ErrDisabled)
	_, err = manager.WaitForTerminalStatus(context.Background(), testOpID, time.Second)
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestSubscribeConnectsLazily(t *testing.T) {
	service := newFakeService(t, true)
	manager := service.manager(Config{APIKey: "test-key"})

	sub, err := manager.Subscribe(context.Background(), testOpID)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, manager.State())
	assert.Equal(t, testOpID, sub.ID())
	assert.Equal(t, "sub-1", sub.SubscriptionID())

	req := <-service.requests
	assert.Equal(t, "subscribe", req.Method)
	assert.JSONEq(t, fmt.Sprintf(`[{"eventTypes": ["transaction.*"], "transactionId": %q}]`, testOpID), string(req.Params))
}

func TestSubscribeWildcard(t *testing.T) {
	service := newFakeService(t, true)
	manager := service.manager(Config{APIKey: "test-key"})

	sub, err := manager.Subscribe(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "all-sub-1", sub.ID())

	req := <-service.requests
	assert.JSONEq(t, `[{"eventTypes": ["transaction.*"]}]`, string(req.Params))
}

func TestSubscribeTimesOutWithoutResponse(t *testing.T) {
	service := newFakeService(t, false)
	manager := service.manager(Config{APIKey: "test-key", RequestTimeout: 100 * time.Millisecond})

	_, err := manager.Subscribe(context.Background(), testOpID)

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Contains(t, err.Error(), "timed out")
}

func TestNotificationsDispatchToHandlers(t *testing.T) {
	service := newFakeService(t, true)
	manager := service.manager(Config{APIKey: "test-key"})

	sub, err := manager.Subscribe(context.Background(), testOpID)
	require.NoError(t, err)
	<-service.requests

	received := make(chan *relayer.Status, 1)
	sub.On(EventSuccess, func(status *relayer.Status) {
		received <- status
	})

	service.notify(sub.SubscriptionID(), successJSON())

	select {
	case status := <-received:
		assert.Equal(t, relayer.StatusSuccess, status.Code)
		assert.Equal(t, testOpID, status.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestOffRemovesHandler(t *testing.T) {
	service := newFakeService(t, true)
	manager := service.manager(Config{APIKey: "test-key"})

	sub, err := manager.Subscribe(context.Background(), testOpID)
	require.NoError(t, err)
	<-service.requests

	var fired atomic.Int32
	token := sub.On(EventSuccess, func(*relayer.Status) { fired.Add(1) })
	sub.Off(EventSuccess, token)

	kept := make(chan struct{}, 1)
	sub.On(EventSuccess, func(*relayer.Status) { kept <- struct{}{} })

	service.notify(sub.SubscriptionID(), successJSON())

	select {
	case <-kept:
	case <-time.After(2 * time.Second):
		t.Fatal("remaining handler not invoked")
	}
	assert.Equal(t, int32(0), fired.Load())
}

func TestNotificationsForUnknownSubscriptionAreIgnored(t *testing.T) {
	service := newFakeService(t, true)
	manager := service.manager(Config{APIKey: "test-key"})

	sub, err := manager.Subscribe(context.Background(), testOpID)
	require.NoError(t, err)
	<-service.requests

	fired := make(chan struct{}, 1)
	sub.On(EventSuccess, func(*relayer.Status) { fired <- struct{}{} })

	service.notify("sub-unknown", successJSON())
	service.notify(sub.SubscriptionID(), successJSON())

	// Only the second notification reaches the handler.
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
	select {
	case <-fired:
		t.Fatal("unexpected second delivery")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHeartbeatPingGetsPong(t *testing.T) {
	service := newFakeService(t, true)
	manager := service.manager(Config{APIKey: "test-key"})
	require.NoError(t, manager.Connect(context.Background()))

	service.write(service.latestConn(), map[string]string{"type": "ping"})

	select {
	case <-service.pongs:
	case <-time.After(2 * time.Second):
		t.Fatal("pong not received")
	}
}

func TestReconnectsAfterConnectionLoss(t *testing.T) {
	service := newFakeService(t, true)
	manager := service.manager(Config{
		APIKey:            "test-key",
		ReconnectInterval: 20 * time.Millisecond,
	})
	require.NoError(t, manager.Connect(context.Background()))

	service.latestConn().Close()

	require.Eventually(t, func() bool {
		return service.dials.Load() >= 2 && manager.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNoReconnectOnAuthFailure(t *testing.T) {
	service := newFakeService(t, true)
	manager := service.manager(Config{
		APIKey:            "bad-key",
		ReconnectInterval: 20 * time.Millisecond,
	})
	require.NoError(t, manager.Connect(context.Background()))

	conn := service.latestConn()
	deadline := time.Now().Add(time.Second)
	require.NoError(t, conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(authFailureCloseCode, "invalid api key"), deadline))
	conn.Close()

	require.Eventually(t, func() bool {
		return manager.State() == StateDisconnected
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), service.dials.Load())
}

func TestReconnectStopsAfterAttemptBudget(t *testing.T) {
	service := newFakeService(t, true)
	manager := service.manager(Config{
		APIKey:               "test-key",
		ReconnectInterval:    20 * time.Millisecond,
		MaxReconnectAttempts: 3,
	})
	require.NoError(t, manager.Connect(context.Background()))

	service.refuseDials.Store(true)
	service.latestConn().Close()

	require.Eventually(t, func() bool {
		return manager.State() == StateDisconnected
	}, 2*time.Second, 10*time.Millisecond)

	// One initial dial plus exactly MaxReconnectAttempts failed redials,
	// then the manager stays down.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(4), service.dials.Load())
	assert.Equal(t, StateDisconnected, manager.State())
}

func TestHeartbeatTimeoutTriggersReconnect(t *testing.T) {
	service := newFakeService(t, true)
	manager := service.manager(Config{
		APIKey:            "test-key",
		HeartbeatTimeout:  50 * time.Millisecond,
		ReconnectInterval: 20 * time.Millisecond,
	})
	require.NoError(t, manager.Connect(context.Background()))

	// The service never pings, so the heartbeat deadline expires and the
	// manager redials.
	require.Eventually(t, func() bool {
		return service.dials.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHeartbeatTimeoutHonorsDisabledReconnect(t *testing.T) {
	service := newFakeService(t, true)
	manager := service.manager(Config{
		APIKey:           "test-key",
		DisableReconnect: true,
		HeartbeatTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, manager.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return manager.State() == StateDisconnected
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), service.dials.Load())
}

func TestNoReconnectWhenDisabled(t *testing.T) {
	service := newFakeService(t, true)
	manager := service.manager(Config{
		APIKey:            "test-key",
		DisableReconnect:  true,
		ReconnectInterval: 20 * time.Millisecond,
	})
	require.NoError(t, manager.Connect(context.Background()))

	service.latestConn().Close()

	require.Eventually(t, func() bool {
		return manager.State() == StateDisconnected
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), service.dials.Load())
}

func TestIsWebSocketError(t *testing.T) {
	assert.True(t, IsWebSocketError(ErrDisabled))
	assert.True(t, IsWebSocketError(&ConnectionError{Message: "boom"}))
	assert.True(t, IsWebSocketError(&SubscriptionError{Message: "boom"}))
	assert.True(t, IsWebSocketError(&TimeoutError{Message: "boom"}))
	assert.True(t, IsWebSocketError(fmt.Errorf("wrapped: %w", &TimeoutError{Message: "boom"})))
	assert.False(t, IsWebSocketError(errors.New("boom")))
	assert.False(t, IsWebSocketError(nil))
}
