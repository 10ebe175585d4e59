// Package relayer is the JSON-RPC client for the relaying service: submit
// operations, query their status and wait for a terminal outcome.
package relayer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/relaykit/relayer-go/pkg/logger"
	"github.com/relaykit/relayer-go/version"
)

// DefaultTimeout bounds every HTTP request when no timeout is configured.
const DefaultTimeout = 10 * time.Second

// Config configures a Client.
type Config struct {
	// URL of the relaying service's JSON-RPC endpoint.
	URL string

	// APIKey authenticates requests. Sent as the X-API-Key header.
	APIKey string

	// Timeout for each HTTP request. Defaults to DefaultTimeout.
	Timeout time.Duration

	// Logger is optional and defaults to a no-op.
	Logger logger.Logger
}

// Client talks JSON-RPC to the relaying service over HTTP.
type Client struct {
	http    *resty.Client
	url     string
	timeout time.Duration
	logger  logger.Logger
	nextID  atomic.Int64
}

// NewClient creates a relayer client. The URL must be non-empty; the API
// key may be empty for unauthenticated deployments.
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("relayer: URL is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	httpClient := resty.New()
	httpClient.SetTimeout(timeout)
	httpClient.SetHeader("Content-Type", "application/json")
	httpClient.SetHeader("User-Agent", "relayer-go/"+version.Get())
	if cfg.APIKey != "" {
		httpClient.SetHeader("X-API-Key", cfg.APIKey)
	}

	log := logger.EnsureLogger(cfg.Logger)
	log.Debug("relayer client initialized", "url", cfg.URL, "version", version.Get(), "commit", version.Commit())

	return &Client{
		http:    httpClient,
		url:     cfg.URL,
		timeout: timeout,
		logger:  log,
	}, nil
}

// Timeout returns the per-request HTTP timeout.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

type jsonRPCRequest struct {
	Jsonrpc string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	Id      int64  `json:"id"`
}

type jsonRPCResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	Id      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcErrorWire   `json:"error"`
}

type rpcErrorWire struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Call performs one JSON-RPC request and returns the raw result. Service
// errors come back as *RPCError with reqParams attached for context;
// reqParams may be nil for read-only methods.
func (c *Client) Call(ctx context.Context, method string, params any, reqParams *RequestParams) (json.RawMessage, error) {
	request := jsonRPCRequest{
		Jsonrpc: "2.0",
		Method:  method,
		Params:  params,
		Id:      c.nextID.Add(1),
	}

	var response jsonRPCResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(request).
		SetResult(&response).
		SetError(&response).
		Post(c.url)
	if err != nil {
		return nil, fmt.Errorf("relayer: %s request failed: %w", method, err)
	}

	if response.Error != nil {
		c.logger.Debug("relayer rpc error", "method", method, "code", response.Error.Code, "message", response.Error.Message)
		return nil, newRPCError(response.Error.Code, response.Error.Message, response.Error.Data, reqParams)
	}

	if resp.IsError() {
		return nil, fmt.Errorf("relayer: %s returned HTTP %d", method, resp.StatusCode())
	}

	return response.Result, nil
}

// CallInto performs a JSON-RPC request and decodes the result into out.
func (c *Client) CallInto(ctx context.Context, method string, params any, reqParams *RequestParams, out any) error {
	result, err := c.Call(ctx, method, params, reqParams)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("relayer: decode %s result: %w", method, err)
	}
	return nil
}
