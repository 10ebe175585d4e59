package bundler

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/relaykit/relayer-go/core/account"
	"github.com/relaykit/relayer-go/core/relayer"
)

// Stub authorization signature used while estimating gas for undeployed
// delegating accounts. The service recognizes the pattern and substitutes
// the real delegation cost; the real signature is attached at submission.
var (
	stubAuthorizationR, _ = new(big.Int).SetString("fffffffffffffffffffffffffffffff000000000000000000000000000000000", 16)
	stubAuthorizationS, _ = new(big.Int).SetString("7aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", 16)
)

const stubAuthorizationYParity = 1

// isStubAuthorization recognizes the estimation-time stub signature.
func isStubAuthorization(authorization *relayer.SignedAuthorization) bool {
	return authorization.R != nil && authorization.S != nil &&
		authorization.R.Cmp(stubAuthorizationR) == 0 &&
		authorization.S.Cmp(stubAuthorizationS) == 0
}

// PrepareParams describes a user operation to assemble. Every field
// except Calls is optional; set fields short-circuit the corresponding
// resolution step.
type PrepareParams struct {
	// Calls to execute. Ignored when CallData is set.
	Calls []account.Call

	// CallData pins pre-encoded execution calldata.
	CallData []byte

	// Nonce pins an explicit nonce instead of asking the account.
	Nonce *big.Int

	// MaxFeePerGas and MaxPriorityFeePerGas pin the fee pricing; both
	// must be set together to skip the gas price fetch.
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int

	// Gas limits, filled by estimation when unset.
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int

	// Authorization pins a signed EIP-7702 delegation.
	Authorization *relayer.SignedAuthorization

	// Signature pins the signature; otherwise the account's stub is
	// attached. Submission always re-signs.
	Signature []byte
}

// PrepareUserOperation assembles a user operation ready for estimation:
// calldata, deployment arguments, fees, nonce and delegation resolve
// concurrently, then missing gas limits are filled by the account's own
// estimator or the estimation endpoint. The returned operation carries a
// stub signature unless one was pinned.
func (c *Client) PrepareUserOperation(ctx context.Context, params PrepareParams) (*UserOperation, error) {
	op := &UserOperation{
		Sender:               c.account.Address(),
		Nonce:                params.Nonce,
		CallData:             params.CallData,
		CallGasLimit:         params.CallGasLimit,
		VerificationGasLimit: params.VerificationGasLimit,
		PreVerificationGas:   params.PreVerificationGas,
		MaxFeePerGas:         params.MaxFeePerGas,
		MaxPriorityFeePerGas: params.MaxPriorityFeePerGas,
		Authorization:        params.Authorization,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	if op.CallData == nil {
		group.Go(func() error {
			data, err := c.account.EncodeCalls(groupCtx, params.Calls)
			if err != nil {
				return err
			}
			op.CallData = data
			return nil
		})
	}

	group.Go(func() error {
		addr, data, err := c.account.FactoryArgs(groupCtx)
		if err != nil {
			return err
		}
		if c.account.EntryPoint().Legacy() {
			op.InitCode = packInitCode(addr, data)
			return nil
		}
		op.Factory = addr
		if addr != nil {
			op.FactoryData = data
		}
		return nil
	})

	if op.MaxFeePerGas == nil || op.MaxPriorityFeePerGas == nil {
		group.Go(func() error {
			price, err := c.GetUserOperationGasPrice(groupCtx)
			if err != nil {
				return err
			}
			if op.MaxFeePerGas == nil {
				op.MaxFeePerGas = price.MaxFeePerGas
			}
			if op.MaxPriorityFeePerGas == nil {
				op.MaxPriorityFeePerGas = price.MaxPriorityFeePerGas
			}
			return nil
		})
	}

	if op.Nonce == nil {
		group.Go(func() error {
			nonce, err := c.account.Nonce(groupCtx)
			if err != nil {
				return err
			}
			op.Nonce = nonce
			return nil
		})
	}

	if op.Authorization == nil {
		group.Go(func() error {
			authorization, err := c.stubAuthorization(groupCtx)
			if err != nil {
				return err
			}
			op.Authorization = authorization
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	if c.account.EntryPoint().Legacy() {
		if op.InitCode == nil {
			op.InitCode = []byte{}
		}
		if op.PaymasterAndData == nil {
			op.PaymasterAndData = []byte{}
		}
	}

	op.Signature = params.Signature
	if op.Signature == nil {
		stub, err := c.account.StubSignature(ctx, op)
		if err != nil {
			return nil, err
		}
		op.Signature = stub
	}

	if err := c.fillGas(ctx, op); err != nil {
		return nil, err
	}
	return op, nil
}

// stubAuthorization builds the estimation-time delegation for undeployed
// delegating accounts: the real tuple with the recognizable stub
// signature. Returns nil when the account is deployed or does not
// delegate.
func (c *Client) stubAuthorization(ctx context.Context) (*relayer.SignedAuthorization, error) {
	authorization, err := c.account.PrepareAuthorization(ctx)
	if err != nil || authorization == nil {
		return nil, err
	}

	deployed, err := c.account.IsDeployed(ctx)
	if err != nil || deployed {
		return nil, err
	}

	stub := *authorization
	stub.YParity = stubAuthorizationYParity
	stub.R = stubAuthorizationR
	stub.S = stubAuthorizationS
	return &stub, nil
}

// fillGas completes the gas limits: the account's own estimator runs
// first when implemented, then anything still missing comes from the
// estimation endpoint.
func (c *Client) fillGas(ctx context.Context, op *UserOperation) error {
	if estimator, ok := c.account.(GasEstimator); ok {
		estimate, err := estimator.EstimateUserOperationGas(ctx, op)
		if err != nil {
			return err
		}
		applyEstimate(op, estimate)
	}

	if op.CallGasLimit != nil && op.VerificationGasLimit != nil && op.PreVerificationGas != nil {
		return nil
	}

	estimate, err := c.EstimateUserOperationGas(ctx, op)
	if err != nil {
		return err
	}
	applyEstimate(op, estimate)
	return nil
}

func applyEstimate(op *UserOperation, estimate *GasEstimate) {
	if estimate == nil {
		return
	}
	if op.CallGasLimit == nil {
		op.CallGasLimit = estimate.CallGasLimit
	}
	if op.VerificationGasLimit == nil {
		op.VerificationGasLimit = estimate.VerificationGasLimit
	}
	if op.PreVerificationGas == nil {
		op.PreVerificationGas = estimate.PreVerificationGas
	}
	if op.PaymasterVerificationGasLimit == nil {
		op.PaymasterVerificationGasLimit = estimate.PaymasterVerificationGasLimit
	}
	if op.PaymasterPostOpGasLimit == nil {
		op.PaymasterPostOpGasLimit = estimate.PaymasterPostOpGasLimit
	}
}

// packInitCode concatenates factory address and calldata for the 0.6
// entry point layout. A nil factory yields empty initCode.
func packInitCode(factory *common.Address, data []byte) []byte {
	if factory == nil {
		return []byte{}
	}
	return append(factory.Bytes(), data...)
}
