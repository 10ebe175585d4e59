package bundler

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/relaykit/relayer-go/core/account"
	"github.com/relaykit/relayer-go/core/relayer"
)

// Account abstracts the ERC-4337 smart account behind the bundler client:
// calldata encoding, deployment factory arguments and the two signatures
// (stub for estimation, real for submission) all live behind it.
type Account interface {
	Address() common.Address
	ChainID() int64
	EntryPoint() EntryPoint

	// IsDeployed reports whether the account contract exists on chain.
	IsDeployed(ctx context.Context) (bool, error)

	// Nonce returns the account's next entry-point nonce.
	Nonce(ctx context.Context) (*big.Int, error)

	// EncodeCalls produces the callData executing the batch.
	EncodeCalls(ctx context.Context, calls []account.Call) ([]byte, error)

	// FactoryArgs returns the deployment factory and its calldata, or a
	// nil factory when the account needs no deployment.
	FactoryArgs(ctx context.Context) (*common.Address, []byte, error)

	// StubSignature returns a dummy signature of realistic length for gas
	// estimation.
	StubSignature(ctx context.Context, op *UserOperation) ([]byte, error)

	// SignUserOperation produces the real signature over the final
	// operation.
	SignUserOperation(ctx context.Context, op *UserOperation) ([]byte, error)

	// PrepareAuthorization returns the unsigned EIP-7702 tuple (address,
	// chain id, nonce) delegating the EOA, or nil when the account does
	// not use delegation.
	PrepareAuthorization(ctx context.Context) (*relayer.SignedAuthorization, error)

	// SignAuthorization signs the delegation tuple. Called only for
	// undeployed delegating accounts at submission time.
	SignAuthorization(ctx context.Context) (*relayer.SignedAuthorization, error)
}

// GasEstimator is an optional hook accounts can implement to fill gas
// limits themselves, skipping the estimation endpoint.
type GasEstimator interface {
	EstimateUserOperationGas(ctx context.Context, op *UserOperation) (*GasEstimate, error)
}
