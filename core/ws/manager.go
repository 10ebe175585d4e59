// Package ws maintains the WebSocket connection to the relaying service
// and multiplexes status subscriptions over it.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaykit/relayer-go/core/relayer"
	"github.com/relaykit/relayer-go/pkg/logger"
)

// Defaults applied by NewManager.
const (
	DefaultHeartbeatTimeout     = 60 * time.Second
	DefaultReconnectInterval    = time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultRequestTimeout       = 5 * time.Second
	defaultHandshakeTimeout     = 10 * time.Second
)

// authFailureCloseCode is sent by the service when the API key is
// rejected. Reconnecting cannot help, so the manager stays down.
const authFailureCloseCode = 4002

// State of the connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("unknown(%d)", int32(s))
}

// Config configures a Manager.
type Config struct {
	// BaseURL of the service. http(s) schemes are rewritten to ws(s) and
	// the /ws path is appended.
	BaseURL string

	// APIKey authenticates the connection via an Authorization header.
	APIKey string

	// Disable makes every operation fail synchronously with ErrDisabled.
	Disable bool

	// DisableReconnect turns off automatic reconnection.
	DisableReconnect bool

	// ReconnectInterval is the base delay before the first reconnect
	// attempt; attempt n waits interval*2^(n-1). Defaults to
	// DefaultReconnectInterval.
	ReconnectInterval time.Duration

	// MaxReconnectAttempts before giving up. Defaults to
	// DefaultMaxReconnectAttempts.
	MaxReconnectAttempts int

	// HeartbeatTimeout disconnects when no ping arrives in time.
	// Defaults to DefaultHeartbeatTimeout.
	HeartbeatTimeout time.Duration

	// RequestTimeout bounds subscribe/unsubscribe control requests.
	// Defaults to DefaultRequestTimeout.
	RequestTimeout time.Duration

	// Logger is optional and defaults to a no-op.
	Logger logger.Logger
}

func (c Config) withDefaults() Config {
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	return c
}

type controlResult struct {
	result json.RawMessage
	err    *wireError
}

type pendingRequest struct {
	method string
	ch     chan controlResult
}

type wireError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// wireMessage covers the three inbound shapes: control responses carry
// id+jsonrpc, notifications carry method "subscription", heartbeats carry
// type "ping".
type wireMessage struct {
	Jsonrpc string          `json:"jsonrpc"`
	Id      *int64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *wireError      `json:"error"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Type    string          `json:"type"`
}

type notificationParams struct {
	Subscription string `json:"subscription"`
	Result       struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	} `json:"result"`
}

// Manager owns one WebSocket connection: lazy connect on first subscribe,
// heartbeat supervision, exponential-backoff reconnection and routing of
// notifications to subscriptions.
type Manager struct {
	cfg    Config
	logger logger.Logger
	dialer websocket.Dialer
	nextID atomic.Int64

	mu                sync.Mutex
	state             State
	conn              *websocket.Conn
	connecting        chan struct{}
	connectErr        error
	reconnectAttempts int
	heartbeat         *time.Timer
	reconnectTimer    *time.Timer
	subs              map[string]*Subscription
	pending           map[int64]pendingRequest

	writeMu sync.Mutex
}

var _ relayer.TerminalWaiter = (*Manager)(nil)

// NewManager creates a connection manager. No connection is opened until
// the first Connect or Subscribe call.
func NewManager(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:     cfg,
		logger:  logger.EnsureLogger(cfg.Logger),
		dialer:  websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout},
		subs:    make(map[string]*Subscription),
		pending: make(map[int64]pendingRequest),
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func wsURL(baseURL string) string {
	url := strings.Replace(baseURL, "https://", "wss://", 1)
	url = strings.Replace(url, "http://", "ws://", 1)
	return url + "/ws"
}

// Connect opens the connection if it is not already open. Concurrent
// callers share a single dial attempt.
func (m *Manager) Connect(ctx context.Context) error {
	if m.cfg.Disable {
		return ErrDisabled
	}

	m.mu.Lock()
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	if m.connecting != nil {
		done := m.connecting
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
		}
		m.mu.Lock()
		err := m.connectErr
		m.mu.Unlock()
		return err
	}
	done := make(chan struct{})
	m.connecting = done
	if m.state != StateReconnecting {
		m.state = StateConnecting
	}
	m.mu.Unlock()

	err := m.dial(ctx)

	m.mu.Lock()
	m.connectErr = err
	m.connecting = nil
	if err != nil && m.state == StateConnecting {
		m.state = StateDisconnected
	}
	m.mu.Unlock()
	close(done)
	return err
}

func (m *Manager) dial(ctx context.Context) error {
	header := http.Header{}
	if m.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+m.cfg.APIKey)
	}

	conn, resp, err := m.dialer.DialContext(ctx, wsURL(m.cfg.BaseURL), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return &ConnectionError{Message: "failed to connect", Err: err}
	}

	m.mu.Lock()
	m.conn = conn
	m.state = StateConnected
	m.reconnectAttempts = 0
	m.resetHeartbeatLocked(conn)
	m.mu.Unlock()

	m.logger.Debug("websocket connected", "url", wsURL(m.cfg.BaseURL))
	go m.readLoop(conn)
	return nil
}

// resetHeartbeatLocked arms the heartbeat deadline; the caller holds mu.
func (m *Manager) resetHeartbeatLocked(conn *websocket.Conn) {
	if m.heartbeat != nil {
		m.heartbeat.Stop()
	}
	m.heartbeat = time.AfterFunc(m.cfg.HeartbeatTimeout, func() {
		m.logger.Warn("websocket heartbeat timed out")
		m.handleConnectionLoss(conn, !m.cfg.DisableReconnect)
	})
}

func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			reconnect := !m.cfg.DisableReconnect
			if websocket.IsCloseError(err, authFailureCloseCode) {
				m.logger.Warn("websocket closed: authentication rejected")
				reconnect = false
			} else {
				m.logger.Debug("websocket closed", "error", err)
			}
			m.handleConnectionLoss(conn, reconnect)
			return
		}
		m.handleMessage(conn, data)
	}
}

func (m *Manager) handleMessage(conn *websocket.Conn, data []byte) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		m.logger.Debug("websocket message not json", "error", err)
		return
	}

	// Control responses to subscribe/unsubscribe requests.
	if msg.Id != nil && msg.Jsonrpc != "" {
		m.mu.Lock()
		pending, ok := m.pending[*msg.Id]
		if ok {
			delete(m.pending, *msg.Id)
		}
		// Register new subscriptions here, on the read loop, so a
		// notification arriving right behind the subscribe response
		// cannot outrun the registration.
		if ok && pending.method == "subscribe" && msg.Error == nil {
			var subscriptionID string
			if json.Unmarshal(msg.Result, &subscriptionID) == nil && subscriptionID != "" {
				if m.subs[subscriptionID] == nil {
					m.subs[subscriptionID] = newSubscription("", subscriptionID)
				}
			}
		}
		m.mu.Unlock()
		if ok {
			pending.ch <- controlResult{result: msg.Result, err: msg.Error}
		}
		return
	}

	// Subscription notifications.
	if msg.Method == "subscription" {
		var params notificationParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			m.logger.Debug("websocket notification malformed", "error", err)
			return
		}

		m.mu.Lock()
		sub := m.subs[params.Subscription]
		m.mu.Unlock()
		if sub == nil {
			return
		}

		status, err := relayer.ParseStatus(params.Result.Data)
		if err != nil {
			m.logger.Warn("websocket status payload invalid", "error", err)
			return
		}
		sub.dispatch(status)
		return
	}

	// Heartbeat pings.
	if msg.Type == "ping" {
		if err := m.writeJSON(conn, map[string]string{"type": "pong"}); err != nil {
			m.logger.Debug("websocket pong failed", "error", err)
		}
		m.mu.Lock()
		if m.conn == conn {
			m.resetHeartbeatLocked(conn)
		}
		m.mu.Unlock()
	}
}

func (m *Manager) writeJSON(conn *websocket.Conn, v any) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// handleConnectionLoss tears down one connection and schedules a
// reconnect unless told not to. Stale calls for an already replaced
// connection are ignored.
func (m *Manager) handleConnectionLoss(conn *websocket.Conn, reconnect bool) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	if m.heartbeat != nil {
		m.heartbeat.Stop()
	}
	m.failPendingLocked()

	if !reconnect {
		m.state = StateDisconnected
		m.mu.Unlock()
		conn.Close()
		return
	}

	m.scheduleReconnectLocked()
	m.mu.Unlock()
	conn.Close()
}

// scheduleReconnectLocked arms the next reconnect attempt with
// exponential backoff; the caller holds mu. Attempt n waits
// interval*2^(n-1); the attempt budget exhausting leaves the manager
// disconnected.
func (m *Manager) scheduleReconnectLocked() {
	if m.reconnectAttempts >= m.cfg.MaxReconnectAttempts {
		m.state = StateDisconnected
		return
	}

	m.reconnectAttempts++
	attempt := m.reconnectAttempts
	m.state = StateReconnecting
	delay := m.cfg.ReconnectInterval * (1 << (attempt - 1))
	m.reconnectTimer = time.AfterFunc(delay, func() {
		if err := m.Connect(context.Background()); err != nil {
			m.logger.Warn("websocket reconnect failed", "attempt", attempt, "error", err)
			m.mu.Lock()
			if m.conn == nil && m.state == StateReconnecting {
				m.scheduleReconnectLocked()
			}
			m.mu.Unlock()
		}
	})
}

// failPendingLocked rejects all in-flight control requests; the caller
// holds mu.
func (m *Manager) failPendingLocked() {
	for id, pending := range m.pending {
		delete(m.pending, id)
		pending.ch <- controlResult{err: &wireError{Message: "connection lost"}}
	}
}

// Disconnect closes the connection and drops all subscriptions.
func (m *Manager) Disconnect() error {
	if m.cfg.Disable {
		return ErrDisabled
	}

	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.state = StateDisconnected
	if m.heartbeat != nil {
		m.heartbeat.Stop()
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
	}
	m.failPendingLocked()
	m.subs = make(map[string]*Subscription)
	m.reconnectAttempts = 0
	m.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"), deadline)
		return conn.Close()
	}
	return nil
}

// call sends one control request and waits for its response.
func (m *Manager) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := m.nextID.Add(1)
	ch := make(chan controlResult, 1)

	m.mu.Lock()
	conn := m.conn
	if conn == nil || m.state != StateConnected {
		m.mu.Unlock()
		return nil, &ConnectionError{Message: "websocket not connected"}
	}
	m.pending[id] = pendingRequest{method: method, ch: ch}
	m.mu.Unlock()

	request := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}
	if err := m.writeJSON(conn, request); err != nil {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
		return nil, &ConnectionError{Message: fmt.Sprintf("send %s request", method), Err: err}
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, &SubscriptionError{Message: res.err.Message}
		}
		return res.result, nil
	case <-time.After(m.cfg.RequestTimeout):
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
		return nil, &ConnectionError{Message: fmt.Sprintf("%s request timed out", method)}
	case <-ctx.Done():
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Subscribe opens a subscription for one operation id, or for every
// operation under the API key when id is empty. Connects lazily.
func (m *Manager) Subscribe(ctx context.Context, id string) (*Subscription, error) {
	if m.cfg.Disable {
		return nil, ErrDisabled
	}

	if err := m.Connect(ctx); err != nil {
		return nil, err
	}

	params := map[string]any{"eventTypes": []string{"transaction.*"}}
	if id != "" {
		params["transactionId"] = id
	}

	result, err := m.call(ctx, "subscribe", []any{params})
	if err != nil {
		return nil, err
	}

	var subscriptionID string
	if err := json.Unmarshal(result, &subscriptionID); err != nil || subscriptionID == "" {
		return nil, &SubscriptionError{Message: "no subscription id returned"}
	}

	localID := id
	if localID == "" {
		localID = "all-" + subscriptionID
	}

	// The read loop registered the subscription when the response came
	// in; pick it up and name it.
	m.mu.Lock()
	sub := m.subs[subscriptionID]
	if sub == nil {
		sub = newSubscription("", subscriptionID)
		m.subs[subscriptionID] = sub
	}
	m.mu.Unlock()
	sub.setID(localID)
	return sub, nil
}

// Unsubscribe tears down a subscription by its server id. The local
// registration is dropped even when the request fails, so a dead server
// subscription cannot pin handlers.
func (m *Manager) Unsubscribe(ctx context.Context, subscriptionID string) error {
	if m.cfg.Disable {
		return ErrDisabled
	}

	m.mu.Lock()
	delete(m.subs, subscriptionID)
	m.mu.Unlock()

	_, err := m.call(ctx, "unsubscribe", []any{subscriptionID})
	return err
}
