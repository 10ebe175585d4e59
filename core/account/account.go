// Package account sends call batches from a smart account through the
// relaying service, handling payment, nonces and EIP-7702 delegation.
package account

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/relaykit/relayer-go/core/relayer"
)

// Call is one call in a batch executed by the smart account.
type Call struct {
	To    common.Address
	Value *big.Int
	Data  []byte
}

// Estimate is the predicted execution cost of a call batch.
type Estimate struct {
	Gas   *big.Int
	L1Fee *big.Int // nil outside rollups
}

// SmartAccount abstracts the account implementation: address derivation,
// call encoding, signing and gas estimation all live behind it so any
// wallet scheme can plug in.
type SmartAccount interface {
	Address() common.Address
	ChainID() int64

	// IsDeployed reports whether the account contract exists on chain.
	IsDeployed(ctx context.Context) (bool, error)

	// Nonce returns the account's next nonce, optionally within a
	// parallel nonce key space. key may be nil for the default space.
	Nonce(ctx context.Context, key *big.Int) (*big.Int, error)

	// EncodeCalls produces the execution calldata for a batch bound to
	// one nonce.
	EncodeCalls(ctx context.Context, calls []Call, nonce *big.Int) ([]byte, error)

	// Estimate predicts the gas cost of executing a batch.
	Estimate(ctx context.Context, calls []Call) (*Estimate, error)

	// SignAuthorization produces the EIP-7702 authorization that
	// delegates the EOA to the account implementation. Called only for
	// undeployed accounts.
	SignAuthorization(ctx context.Context) (*relayer.SignedAuthorization, error)
}

// NotFoundError is returned when an operation requires an account and
// none was provided.
type NotFoundError struct{}

func (e *NotFoundError) Error() string {
	return "account: no account to execute with; provide one when constructing the sender"
}
