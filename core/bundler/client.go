package bundler

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/relaykit/relayer-go/core/account"
	"github.com/relaykit/relayer-go/core/relayer"
	"github.com/relaykit/relayer-go/pkg/logger"
	"github.com/relaykit/relayer-go/pkg/poller"
	"github.com/relaykit/relayer-go/pkg/retry"
)

// Config configures a bundler Client.
type Config struct {
	// Relayer is the JSON-RPC transport to the relaying service.
	Relayer *relayer.Client

	// Account executes the user operations.
	Account Account

	// Sponsored marks the API key's sponsor as the fee payer. Sponsored
	// operations carry zero gas prices; the service fills in the real
	// ones.
	Sponsored bool

	// Logger is optional and defaults to a no-op.
	Logger logger.Logger
}

// Client prepares and submits ERC-4337 user operations for one account.
type Client struct {
	rpc       *relayer.Client
	account   Account
	sponsored bool
	logger    logger.Logger
}

// NewClient creates a bundler client bound to one account.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Relayer == nil {
		return nil, fmt.Errorf("bundler: relayer client is required")
	}
	if cfg.Account == nil {
		return nil, &account.NotFoundError{}
	}
	return &Client{
		rpc:       cfg.Relayer,
		account:   cfg.Account,
		sponsored: cfg.Sponsored,
		logger:    logger.EnsureLogger(cfg.Logger),
	}, nil
}

type gasPriceWire struct {
	MaxFeePerGas         *hexutil.Big `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big `json:"maxPriorityFeePerGas"`
}

// GetUserOperationGasPrice returns the fee pricing the service expects.
// Sponsored operations price at zero and the service substitutes the
// actual fees at execution.
func (c *Client) GetUserOperationGasPrice(ctx context.Context) (*GasPrice, error) {
	if c.sponsored {
		return &GasPrice{
			MaxFeePerGas:         new(big.Int),
			MaxPriorityFeePerGas: new(big.Int),
		}, nil
	}

	var resp gasPriceWire
	if err := c.rpc.CallInto(ctx, "relaykit_getUserOperationGasPrice", []any{}, nil, &resp); err != nil {
		return nil, err
	}
	if resp.MaxFeePerGas == nil || resp.MaxPriorityFeePerGas == nil {
		return nil, fmt.Errorf("bundler: gas price response missing fee fields")
	}
	return &GasPrice{
		MaxFeePerGas:         (*big.Int)(resp.MaxFeePerGas),
		MaxPriorityFeePerGas: (*big.Int)(resp.MaxPriorityFeePerGas),
	}, nil
}

// EstimateUserOperationGas asks the service for the gas breakdown of the
// operation. Missing gas fields are sent as zero so partially prepared
// operations estimate cleanly.
func (c *Client) EstimateUserOperationGas(ctx context.Context, op *UserOperation) (*GasEstimate, error) {
	wire := op.wireFormat()
	for _, key := range []string{"callGasLimit", "verificationGasLimit", "preVerificationGas", "maxFeePerGas", "maxPriorityFeePerGas"} {
		if _, ok := wire[key]; !ok {
			wire[key] = "0x0"
		}
	}

	var resp gasEstimateWire
	err := c.rpc.CallInto(ctx, "eth_estimateUserOperationGas", []any{wire, c.account.EntryPoint().Address.Hex()}, nil, &resp)
	if err != nil {
		return nil, err
	}
	return resp.toEstimate(), nil
}

// Quote prices executing a user operation, denominated in the payment
// token configured for the API key.
type Quote struct {
	Fee   *big.Int
	Gas   *big.Int
	L1Fee *big.Int // nil outside rollups

	Estimate GasEstimate
}

type quoteWire struct {
	Fee   *hexutil.Big `json:"fee"`
	Gas   *hexutil.Big `json:"gas"`
	L1Fee *hexutil.Big `json:"l1Fee"`
	gasEstimateWire
}

// GetUserOperationQuote prices the operation without submitting it.
func (c *Client) GetUserOperationQuote(ctx context.Context, op *UserOperation) (*Quote, error) {
	var resp quoteWire
	err := c.rpc.CallInto(ctx, "relaykit_getUserOperationQuote", []any{op.wireFormat(), c.account.EntryPoint().Address.Hex()}, nil, &resp)
	if err != nil {
		return nil, err
	}
	return &Quote{
		Fee:      (*big.Int)(resp.Fee),
		Gas:      (*big.Int)(resp.Gas),
		L1Fee:    (*big.Int)(resp.L1Fee),
		Estimate: *resp.gasEstimateWire.toEstimate(),
	}, nil
}

// SendOptions tunes SendUserOperation.
type SendOptions struct {
	Retries *retry.Options
}

// SendUserOperation prepares, signs and submits a user operation and
// returns its hash. The real signature replaces the stub only after the
// operation is fully assembled, so the signed payload is exactly what is
// submitted.
func (c *Client) SendUserOperation(ctx context.Context, params PrepareParams, opts *SendOptions) (common.Hash, error) {
	op, err := c.PrepareUserOperation(ctx, params)
	if err != nil {
		return common.Hash{}, err
	}
	if err := c.signForSubmission(ctx, op); err != nil {
		return common.Hash{}, err
	}

	var retries *retry.Options
	if opts != nil {
		retries = opts.Retries
	}
	return retry.Do(ctx, retries, func(ctx context.Context) (common.Hash, error) {
		return c.submit(ctx, "eth_sendUserOperation", op.wireFormat())
	})
}

// SendSyncOptions tunes SendUserOperationSync.
type SendSyncOptions struct {
	Retries *retry.Options

	// Timeout bounds the total wait including any fallback to receipt
	// polling. Defaults to relayer.DefaultWaitTimeout.
	Timeout time.Duration

	// RequestTimeout is how long the service may hold the request open.
	// Defaults to relayer.DefaultRequestTimeout and is capped below the
	// HTTP client timeout on the wire.
	RequestTimeout time.Duration

	// PollingInterval for the fallback wait. Defaults to
	// relayer.DefaultPollingInterval.
	PollingInterval time.Duration

	// WS enables WebSocket delivery during the fallback wait.
	WS relayer.TerminalWaiter
}

// SendUserOperationSync submits a user operation and waits for its
// inclusion receipt in a single request. If the request times out after
// the service accepted the operation, the error carries the operation
// hash and the wait continues over receipt polling without re-submitting.
func (c *Client) SendUserOperationSync(ctx context.Context, params PrepareParams, opts *SendSyncOptions) (*relayer.Receipt, error) {
	op, err := c.PrepareUserOperation(ctx, params)
	if err != nil {
		return nil, err
	}
	if err := c.signForSubmission(ctx, op); err != nil {
		return nil, err
	}

	var (
		retries *retry.Options
		ws      relayer.TerminalWaiter
	)
	timeout := relayer.DefaultWaitTimeout
	requestTimeout := relayer.DefaultRequestTimeout
	pollingInterval := relayer.DefaultPollingInterval
	if opts != nil {
		retries = opts.Retries
		ws = opts.WS
		if opts.Timeout > 0 {
			timeout = opts.Timeout
		}
		if opts.RequestTimeout > 0 {
			requestTimeout = opts.RequestTimeout
		}
		if opts.PollingInterval > 0 {
			pollingInterval = opts.PollingInterval
		}
	}

	// The service-side hold must expire before the local HTTP timeout,
	// otherwise the timeout error carrying the operation hash never
	// arrives.
	wireTimeout := min(requestTimeout, c.rpc.Timeout()-time.Second)

	return retry.Do(ctx, retries, func(ctx context.Context) (*relayer.Receipt, error) {
		wire := op.wireFormat()
		wire["timeout"] = wireTimeout.Milliseconds()

		result, err := c.rpc.Call(ctx, "eth_sendUserOperationSync", []any{wire, c.account.EntryPoint().Address.Hex()}, nil)
		if err != nil {
			if hash, ok := relayer.RetrieveIDFromError(err); ok {
				return c.WaitForUserOperationReceipt(ctx, hash, &WaitOptions{
					Timeout:         timeout,
					PollingInterval: pollingInterval,
					WS:              ws,
				})
			}
			return nil, err
		}

		var receipt relayer.Receipt
		if err := json.Unmarshal(result, &receipt); err != nil {
			return nil, fmt.Errorf("bundler: decode user operation receipt: %w", err)
		}
		return &receipt, nil
	})
}

// GetUserOperationReceipt fetches the inclusion receipt, or nil when the
// operation has not been included yet.
func (c *Client) GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*relayer.Receipt, error) {
	result, err := c.rpc.Call(ctx, "eth_getUserOperationReceipt", []any{hash.Hex()}, nil)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, nil
	}

	var receipt relayer.Receipt
	if err := json.Unmarshal(result, &receipt); err != nil {
		return nil, fmt.Errorf("bundler: decode user operation receipt: %w", err)
	}
	return &receipt, nil
}

// WaitOptions tunes WaitForUserOperationReceipt.
type WaitOptions struct {
	// Timeout bounds the whole wait. Defaults to
	// relayer.DefaultWaitTimeout.
	Timeout time.Duration

	// PollingInterval between receipt probes. Defaults to
	// relayer.DefaultPollingInterval.
	PollingInterval time.Duration

	// UsePolling forces HTTP polling even when WS is set.
	UsePolling bool

	// WS enables push delivery racing the polling loop.
	WS relayer.TerminalWaiter
}

// racePollingFloor matches the relayer wait: while push delivery runs in
// parallel, polling is the safety net and backs off.
const racePollingFloor = 2 * time.Second

type waitResult struct {
	receipt *relayer.Receipt
	err     error
}

// WaitForUserOperationReceipt waits until the operation is included and
// returns its receipt. With a WebSocket waiter configured, push delivery
// races a polling loop and the first result wins; only when both paths
// fail does the first failure propagate.
func (c *Client) WaitForUserOperationReceipt(ctx context.Context, hash common.Hash, opts *WaitOptions) (*relayer.Receipt, error) {
	var (
		usePolling bool
		ws         relayer.TerminalWaiter
	)
	timeout := relayer.DefaultWaitTimeout
	interval := relayer.DefaultPollingInterval
	if opts != nil {
		usePolling = opts.UsePolling
		ws = opts.WS
		if opts.Timeout > 0 {
			timeout = opts.Timeout
		}
		if opts.PollingInterval > 0 {
			interval = opts.PollingInterval
		}
	}

	if ws == nil || usePolling {
		return c.waitForReceiptPolling(ctx, hash, timeout, interval)
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan waitResult, 2)
	go func() {
		status, err := ws.WaitForTerminalStatus(raceCtx, hash.Hex(), timeout)
		if err != nil {
			results <- waitResult{err: err}
			return
		}
		receipt, err := receiptFromStatus(status)
		results <- waitResult{receipt: receipt, err: err}
	}()
	go func() {
		receipt, err := c.waitForReceiptPolling(raceCtx, hash, timeout, max(racePollingFloor, interval))
		results <- waitResult{receipt: receipt, err: err}
	}()

	var firstErr error
	for i := 0; i < 2; i++ {
		res := <-results
		if res.err == nil {
			return res.receipt, nil
		}
		if firstErr == nil {
			firstErr = res.err
		}
	}
	return nil, firstErr
}

func (c *Client) waitForReceiptPolling(ctx context.Context, hash common.Hash, timeout, interval time.Duration) (*relayer.Receipt, error) {
	return poller.Poll(ctx, func(ctx context.Context) (*relayer.Receipt, error) {
		return c.GetUserOperationReceipt(ctx, hash)
	}, poller.Options[*relayer.Receipt]{
		ShouldContinue: func(receipt *relayer.Receipt) bool {
			return receipt == nil
		},
		Interval:       interval,
		Timeout:        timeout,
		TimeoutMessage: fmt.Sprintf("timeout waiting for receipt of user operation %s", hash.Hex()),
	})
}

// receiptFromStatus maps a pushed terminal status to the receipt-or-error
// outcome of a receipt wait. Reverted operations were included, so their
// receipt is returned like any other.
func receiptFromStatus(status *relayer.Status) (*relayer.Receipt, error) {
	if status.Code == relayer.StatusRejected {
		return nil, &relayer.TransactionRejectedError{
			ID:           status.ID,
			ChainID:      status.ChainID,
			CreatedAt:    status.CreatedAt,
			ErrorMessage: status.Message,
			ErrorData:    status.Data,
		}
	}
	if status.Receipt == nil {
		return nil, fmt.Errorf("bundler: terminal status %s carried no receipt", status.Code)
	}
	return status.Receipt, nil
}

// signForSubmission swaps the estimation stubs for real signatures: the
// stub delegation first (the operation signature may commit to it), then
// the operation signature over the final payload.
func (c *Client) signForSubmission(ctx context.Context, op *UserOperation) error {
	if op.Authorization != nil && isStubAuthorization(op.Authorization) {
		signed, err := c.account.SignAuthorization(ctx)
		if err != nil {
			return err
		}
		op.Authorization = signed
	}

	signature, err := c.account.SignUserOperation(ctx, op)
	if err != nil {
		return err
	}
	op.Signature = signature
	return nil
}

func (c *Client) submit(ctx context.Context, method string, wire map[string]any) (common.Hash, error) {
	result, err := c.rpc.Call(ctx, method, []any{wire, c.account.EntryPoint().Address.Hex()}, nil)
	if err != nil {
		return common.Hash{}, err
	}

	var hash string
	if err := json.Unmarshal(result, &hash); err != nil {
		return common.Hash{}, fmt.Errorf("bundler: decode user operation hash: %w", err)
	}
	if !isHash32(hash) {
		return common.Hash{}, fmt.Errorf("bundler: service returned malformed user operation hash %q", hash)
	}
	return common.HexToHash(hash), nil
}

func isHash32(s string) bool {
	if len(s) != 66 || s[0] != '0' || s[1] != 'x' {
		return false
	}
	_, err := hexutil.Decode(s)
	return err == nil
}
