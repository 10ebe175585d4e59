package relayer

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/relaykit/relayer-go/pkg/retry"
)

// Token is an ERC-20 token the service accepts as payment.
type Token struct {
	Address  common.Address `json:"address"`
	Decimals int            `json:"decimals"`
}

// SignedAuthorization is an EIP-7702 authorization tuple with its
// signature.
type SignedAuthorization struct {
	Address common.Address
	ChainID int64
	Nonce   uint64
	YParity uint8
	R       *big.Int
	S       *big.Int
}

type authorizationWire struct {
	Address string `json:"address"`
	ChainID string `json:"chainId"`
	Nonce   string `json:"nonce"`
	YParity string `json:"yParity"`
	R       string `json:"r"`
	S       string `json:"s"`
}

// formatAuthorization encodes an authorization for the wire. All numeric
// fields are left-padded 32-byte hex words.
func formatAuthorization(auth SignedAuthorization) authorizationWire {
	return authorizationWire{
		Address: auth.Address.Hex(),
		ChainID: padHex32(new(big.Int).SetInt64(auth.ChainID)),
		Nonce:   padHex32(new(big.Int).SetUint64(auth.Nonce)),
		YParity: padHex32(new(big.Int).SetUint64(uint64(auth.YParity))),
		R:       padHex32(auth.R),
		S:       padHex32(auth.S),
	}
}

func padHex32(n *big.Int) string {
	if n == nil {
		n = new(big.Int)
	}
	return hexutil.Encode(common.LeftPadBytes(n.Bytes(), 32))
}

func formatAuthorizationList(list []SignedAuthorization) []authorizationWire {
	if len(list) == 0 {
		return nil
	}
	return lo.Map(list, func(auth SignedAuthorization, _ int) authorizationWire {
		return formatAuthorization(auth)
	})
}

// GetStatus fetches the current status of a relayed operation by id.
func (c *Client) GetStatus(ctx context.Context, id string) (*Status, error) {
	result, err := c.Call(ctx, "relayer_getStatus", map[string]string{"id": id}, nil)
	if err != nil {
		return nil, err
	}
	return ParseStatus(result)
}

// SendTransactionParams describes one transaction to relay.
type SendTransactionParams struct {
	ChainID           int64
	To                common.Address
	Data              []byte
	Gas               uint64 // optional gas limit, 0 lets the service estimate
	SkipSimulation    bool
	AuthorizationList []SignedAuthorization
}

func (p *SendTransactionParams) requestParams() *RequestParams {
	return &RequestParams{
		ChainID:           p.ChainID,
		To:                p.To,
		Data:              p.Data,
		AuthorizationList: p.AuthorizationList,
	}
}

// SendOptions tunes SendTransaction.
type SendOptions struct {
	Retries *retry.Options
}

// SendTransaction submits a transaction for relaying and returns its
// operation id. The returned id is stable across retries of the same
// payload: retrying a submission never double-spends.
func (c *Client) SendTransaction(ctx context.Context, params SendTransactionParams, opts *SendOptions) (common.Hash, error) {
	var retries *retry.Options
	if opts != nil {
		retries = opts.Retries
	}

	return retry.Do(ctx, retries, func(ctx context.Context) (common.Hash, error) {
		wire := map[string]any{
			"chainId": strconv.FormatInt(params.ChainID, 10),
			"data":    hexutil.Encode(params.Data),
			"to":      params.To.Hex(),
		}
		if len(params.AuthorizationList) > 0 {
			wire["authorizationList"] = formatAuthorizationList(params.AuthorizationList)
		}

		result, err := c.Call(ctx, "relayer_sendTransaction", wire, params.requestParams())
		if err != nil {
			return common.Hash{}, err
		}

		var id string
		if err := json.Unmarshal(result, &id); err != nil {
			return common.Hash{}, fmt.Errorf("relayer: decode transaction id: %w", err)
		}
		return parseHash32(id)
	})
}

// SendSyncOptions tunes SendTransactionSync.
type SendSyncOptions struct {
	Retries *retry.Options

	// Timeout bounds the total wait including any fallback to status
	// polling. Defaults to DefaultWaitTimeout.
	Timeout time.Duration

	// RequestTimeout is how long the service may hold the request open.
	// Defaults to DefaultRequestTimeout. The value sent on the wire is
	// capped below the HTTP client timeout so the service answers before
	// the local client gives up.
	RequestTimeout time.Duration

	// PollingInterval for the fallback wait. Defaults to
	// DefaultPollingInterval.
	PollingInterval time.Duration

	// ThrowOnReverted turns reverted outcomes into errors instead of
	// returning the receipt.
	ThrowOnReverted bool

	// WS enables WebSocket delivery during the fallback wait.
	WS TerminalWaiter
}

// DefaultRequestTimeout is how long the service holds a sync send open.
const DefaultRequestTimeout = 10 * time.Second

// SendTransactionSync submits a transaction and waits for its terminal
// outcome in a single request. If the request times out after the service
// accepted the operation, the error carries the operation id and the wait
// continues over status polling without re-submitting.
func (c *Client) SendTransactionSync(ctx context.Context, params SendTransactionParams, opts *SendSyncOptions) (*Receipt, error) {
	var (
		retries         *retry.Options
		throwOnReverted bool
		ws              TerminalWaiter
	)
	timeout := DefaultWaitTimeout
	requestTimeout := DefaultRequestTimeout
	pollingInterval := DefaultPollingInterval
	if opts != nil {
		retries = opts.Retries
		throwOnReverted = opts.ThrowOnReverted
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
	// otherwise the client aborts locally and the timeout error carrying
	// the operation id never arrives.
	wireTimeout := min(requestTimeout, c.timeout-time.Second)

	return retry.Do(ctx, retries, func(ctx context.Context) (*Receipt, error) {
		wire := map[string]any{
			"chainId": strconv.FormatInt(params.ChainID, 10),
			"data":    hexutil.Encode(params.Data),
			"to":      params.To.Hex(),
			"timeout": wireTimeout.Milliseconds(),
		}
		if params.Gas > 0 {
			wire["gas"] = strconv.FormatUint(params.Gas, 10)
		}
		if params.SkipSimulation {
			wire["skipSimulation"] = true
		}
		if len(params.AuthorizationList) > 0 {
			wire["authorizationList"] = formatAuthorizationList(params.AuthorizationList)
		}

		result, err := c.Call(ctx, "relayer_sendTransactionSync", wire, params.requestParams())
		if err != nil {
			// A timeout that carries the operation id means the service
			// accepted the operation; keep waiting instead of failing.
			if id, ok := RetrieveIDFromError(err); ok {
				return c.WaitForReceipt(ctx, id.Hex(), &WaitOptions{
					Timeout:         timeout,
					PollingInterval: pollingInterval,
					ThrowOnReverted: throwOnReverted,
					WS:              ws,
				})
			}
			return nil, err
		}

		status, err := ParseStatus(result)
		if err != nil {
			return nil, err
		}
		if !status.Code.Terminal() {
			return nil, fmt.Errorf("relayer: sync send returned non-terminal status %s", status.Code)
		}
		return resolveTerminal(status, throwOnReverted)
	})
}

// FeeQuote is a quoted fee for relaying an operation paid in Token.
type FeeQuote struct {
	ChainID int64
	Expiry  int64
	Fee     *big.Int
	Token   Token
	Context json.RawMessage
}

// Amount returns the fee denominated in token units.
func (q *FeeQuote) Amount() decimal.Decimal {
	return decimal.NewFromBigInt(q.Fee, -int32(q.Token.Decimals))
}

type feeQuoteWire struct {
	ChainID json.RawMessage `json:"chainId"`
	Expiry  int64           `json:"expiry"`
	Fee     json.RawMessage `json:"fee"`
	Token   Token           `json:"token"`
	Context json.RawMessage `json:"context"`
}

// GetFeeQuoteParams describes the operation to quote.
type GetFeeQuoteParams struct {
	ChainID int64
	Gas     *big.Int
	L1Fee   *big.Int // optional, rollup data fee
	Token   common.Address
}

// GetFeeQuote asks the service what relaying an operation with the given
// gas usage costs in the given payment token.
func (c *Client) GetFeeQuote(ctx context.Context, params GetFeeQuoteParams) (*FeeQuote, error) {
	wire := map[string]any{
		"chainId": strconv.FormatInt(params.ChainID, 10),
		"gas":     params.Gas.String(),
		"token":   params.Token.Hex(),
	}
	if params.L1Fee != nil {
		wire["l1Fee"] = params.L1Fee.String()
	}

	var resp feeQuoteWire
	if err := c.CallInto(ctx, "relayer_getFeeQuote", wire, nil, &resp); err != nil {
		return nil, err
	}

	chainID, err := coerceChainID(resp.ChainID)
	if err != nil {
		return nil, err
	}
	fee, err := coerceBig(resp.Fee)
	if err != nil {
		return nil, fmt.Errorf("relayer: fee quote fee: %w", err)
	}

	return &FeeQuote{
		ChainID: chainID,
		Expiry:  resp.Expiry,
		Fee:     fee,
		Token:   resp.Token,
		Context: resp.Context,
	}, nil
}

// FeeData is the current pricing for a payment token on a chain.
type FeeData struct {
	ChainID  int64
	Expiry   int64
	GasPrice *big.Int
	Rate     float64
	Token    Token
	Context  json.RawMessage
}

type feeDataWire struct {
	ChainID  json.RawMessage `json:"chainId"`
	Expiry   int64           `json:"expiry"`
	GasPrice json.RawMessage `json:"gasPrice"`
	Rate     float64         `json:"rate"`
	Token    Token           `json:"token"`
	Context  json.RawMessage `json:"context"`
}

// GetFeeData fetches the gas price and token exchange rate the service
// currently applies on a chain.
func (c *Client) GetFeeData(ctx context.Context, chainID int64, token common.Address) (*FeeData, error) {
	wire := map[string]any{
		"chainId": strconv.FormatInt(chainID, 10),
		"token":   token.Hex(),
	}

	var resp feeDataWire
	if err := c.CallInto(ctx, "relayer_getFeeData", wire, nil, &resp); err != nil {
		return nil, err
	}

	parsedChainID, err := coerceChainID(resp.ChainID)
	if err != nil {
		return nil, err
	}
	gasPrice, err := coerceBig(resp.GasPrice)
	if err != nil {
		return nil, fmt.Errorf("relayer: fee data gasPrice: %w", err)
	}

	return &FeeData{
		ChainID:  parsedChainID,
		Expiry:   resp.Expiry,
		GasPrice: gasPrice,
		Rate:     resp.Rate,
		Token:    resp.Token,
		Context:  resp.Context,
	}, nil
}

// ChainCapabilities describes what the service supports on one chain.
type ChainCapabilities struct {
	FeeCollector common.Address `json:"feeCollector"`
	Tokens       []Token        `json:"tokens"`
}

// SupportsToken reports whether the chain accepts the token as payment.
func (c ChainCapabilities) SupportsToken(token common.Address) bool {
	return lo.ContainsBy(c.Tokens, func(t Token) bool {
		return t.Address == token
	})
}

// Capabilities maps chain id to that chain's capabilities.
type Capabilities map[int64]ChainCapabilities

// ChainIDs returns the supported chain ids.
func (c Capabilities) ChainIDs() []int64 {
	return lo.Keys(c)
}

// GetCapabilities fetches the supported chains, payment tokens and fee
// collector addresses.
func (c *Client) GetCapabilities(ctx context.Context) (Capabilities, error) {
	var resp map[string]ChainCapabilities
	if err := c.CallInto(ctx, "relayer_getCapabilities", []any{}, nil, &resp); err != nil {
		return nil, err
	}

	capabilities := make(Capabilities, len(resp))
	for key, chain := range resp {
		chainID, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("relayer: capabilities chain id %q: %w", key, err)
		}
		capabilities[chainID] = chain
	}
	return capabilities, nil
}

// Balance is the sponsor balance backing an API key.
type Balance struct {
	Balance  *big.Int
	Decimals int
	Unit     string
}

type balanceWire struct {
	Balance  json.RawMessage `json:"balance"`
	Decimals int             `json:"decimals"`
	Unit     string          `json:"unit"`
}

// GetBalance fetches the remaining sponsor balance for the API key.
func (c *Client) GetBalance(ctx context.Context) (*Balance, error) {
	var resp balanceWire
	if err := c.CallInto(ctx, "relayer_getBalance", []any{}, nil, &resp); err != nil {
		return nil, err
	}

	balance, err := coerceBig(resp.Balance)
	if err != nil {
		return nil, fmt.Errorf("relayer: balance: %w", err)
	}

	return &Balance{
		Balance:  balance,
		Decimals: resp.Decimals,
		Unit:     resp.Unit,
	}, nil
}

// coerceBig accepts both numeric and decimal-string encodings.
func coerceBig(raw json.RawMessage) (*big.Int, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("missing value")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, fmt.Errorf("invalid decimal %q", s)
		}
		return n, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("invalid number %s", raw)
	}
	v, ok := new(big.Int).SetString(n.String(), 10)
	if !ok {
		return nil, fmt.Errorf("invalid number %s", raw)
	}
	return v, nil
}
