package account

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/relaykit/relayer-go/core/relayer"
	"github.com/relaykit/relayer-go/pkg/logger"
	"github.com/relaykit/relayer-go/pkg/retry"
)

// mockPaymentAmount stands in for the real fee during estimation, before
// the quote is known. It never appears in submitted calldata.
var mockPaymentAmount = big.NewInt(1)

// Sender submits call batches from one smart account through the
// relaying service.
type Sender struct {
	client       *relayer.Client
	account      SmartAccount
	capabilities relayer.ChainCapabilities
	logger       logger.Logger
}

// NewSender binds a relayer client to a smart account. capabilities must
// be the entry for the account's chain; its fee collector receives token
// payments.
func NewSender(client *relayer.Client, acct SmartAccount, capabilities relayer.ChainCapabilities, log logger.Logger) (*Sender, error) {
	if acct == nil {
		return nil, &NotFoundError{}
	}
	return &Sender{
		client:       client,
		account:      acct,
		capabilities: capabilities,
		logger:       logger.EnsureLogger(log),
	}, nil
}

// GetFeeQuote prices relaying the batch when paid in payment's token. The
// estimation runs against the batch plus a placeholder fee transfer so
// the quoted gas covers the payment call itself.
func (s *Sender) GetFeeQuote(ctx context.Context, calls []Call, payment Payment) (*relayer.FeeQuote, error) {
	token := payment.Token

	withPayment, err := AppendPayment(calls, token, s.capabilities.FeeCollector, mockPaymentAmount)
	if err != nil {
		return nil, err
	}

	estimate, err := s.account.Estimate(ctx, withPayment)
	if err != nil {
		return nil, err
	}

	return s.client.GetFeeQuote(ctx, relayer.GetFeeQuoteParams{
		ChainID: s.account.ChainID(),
		Gas:     estimate.Gas,
		L1Fee:   estimate.L1Fee,
		Token:   token,
	})
}

// SendParams describes one batch submission.
type SendParams struct {
	Calls   []Call
	Payment Payment

	// Nonce pins an explicit nonce; when set, the account is never asked
	// for one. NonceKey selects a parallel nonce space instead.
	Nonce    *big.Int
	NonceKey *big.Int

	// Quote reuses a previously fetched fee quote for token payments
	// instead of fetching a fresh one.
	Quote *relayer.FeeQuote

	Gas            uint64
	SkipSimulation bool
	Retries        *retry.Options
}

// prepared is the resolved submission: final calldata and delegation.
type prepared struct {
	data              []byte
	authorizationList []relayer.SignedAuthorization
}

// prepare resolves quote, nonce and deployment concurrently, appends the
// real fee payment for token-paid batches and encodes the calldata. The
// signature-bearing pieces (calldata, authorization) are produced last,
// over the final call batch.
func (s *Sender) prepare(ctx context.Context, params SendParams) (*prepared, error) {
	var (
		quote    = params.Quote
		nonce    = params.Nonce
		deployed bool
	)

	group, groupCtx := errgroup.WithContext(ctx)
	if params.Payment.Type == PaymentToken && quote == nil {
		group.Go(func() error {
			var err error
			quote, err = s.GetFeeQuote(groupCtx, params.Calls, params.Payment)
			return err
		})
	}
	if nonce == nil {
		group.Go(func() error {
			var err error
			nonce, err = s.account.Nonce(groupCtx, params.NonceKey)
			return err
		})
	}
	group.Go(func() error {
		var err error
		deployed, err = s.account.IsDeployed(groupCtx)
		return err
	})
	if err := group.Wait(); err != nil {
		return nil, err
	}

	calls := params.Calls
	if quote != nil {
		var err error
		calls, err = AppendPayment(calls, quote.Token.Address, s.capabilities.FeeCollector, quote.Fee)
		if err != nil {
			return nil, err
		}
	}

	result := &prepared{}
	group, groupCtx = errgroup.WithContext(ctx)
	group.Go(func() error {
		data, err := s.account.EncodeCalls(groupCtx, calls, nonce)
		if err != nil {
			return err
		}
		result.data = data
		return nil
	})
	if !deployed {
		group.Go(func() error {
			authorization, err := s.account.SignAuthorization(groupCtx)
			if err != nil {
				return err
			}
			result.authorizationList = []relayer.SignedAuthorization{*authorization}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// SendTransaction submits the batch and returns its operation id.
func (s *Sender) SendTransaction(ctx context.Context, params SendParams) (common.Hash, error) {
	request, err := s.prepare(ctx, params)
	if err != nil {
		return common.Hash{}, err
	}

	return s.client.SendTransaction(ctx, relayer.SendTransactionParams{
		ChainID:           s.account.ChainID(),
		To:                s.account.Address(),
		Data:              request.data,
		Gas:               params.Gas,
		SkipSimulation:    params.SkipSimulation,
		AuthorizationList: request.authorizationList,
	}, &relayer.SendOptions{Retries: params.Retries})
}

// SendSyncParams extends SendParams with the wait configuration.
type SendSyncParams struct {
	SendParams

	Timeout         time.Duration
	RequestTimeout  time.Duration
	PollingInterval time.Duration
	ThrowOnReverted bool
	WS              relayer.TerminalWaiter
}

// SendTransactionSync submits the batch and waits for its terminal
// outcome.
func (s *Sender) SendTransactionSync(ctx context.Context, params SendSyncParams) (*relayer.Receipt, error) {
	request, err := s.prepare(ctx, params.SendParams)
	if err != nil {
		return nil, err
	}

	return s.client.SendTransactionSync(ctx, relayer.SendTransactionParams{
		ChainID:           s.account.ChainID(),
		To:                s.account.Address(),
		Data:              request.data,
		Gas:               params.Gas,
		SkipSimulation:    params.SkipSimulation,
		AuthorizationList: request.authorizationList,
	}, &relayer.SendSyncOptions{
		Retries:         params.Retries,
		Timeout:         params.Timeout,
		RequestTimeout:  params.RequestTimeout,
		PollingInterval: params.PollingInterval,
		ThrowOnReverted: params.ThrowOnReverted,
		WS:              params.WS,
	})
}
