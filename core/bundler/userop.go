// Package bundler submits ERC-4337 user operations through the relaying
// service's bundler endpoint.
package bundler

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/relaykit/relayer-go/core/relayer"
)

// EntryPointVersion selects the user-operation wire layout.
type EntryPointVersion string

const (
	EntryPointV06 EntryPointVersion = "0.6"
	EntryPointV07 EntryPointVersion = "0.7"
	EntryPointV08 EntryPointVersion = "0.8"
)

// EntryPoint identifies the entry-point contract an account targets.
type EntryPoint struct {
	Address common.Address
	Version EntryPointVersion
}

// Legacy reports whether the version packs factory and paymaster fields
// into initCode/paymasterAndData.
func (e EntryPoint) Legacy() bool {
	return e.Version == EntryPointV06
}

// UserOperation is an ERC-4337 user operation covering both the 0.6
// layout (initCode, paymasterAndData) and the 0.7+ layout (split factory
// and paymaster fields). Nil big.Int fields mean "not filled yet".
type UserOperation struct {
	Sender   common.Address
	Nonce    *big.Int
	CallData []byte

	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int

	// Entry point 0.6 layout.
	InitCode         []byte
	PaymasterAndData []byte

	// Entry point 0.7+ layout.
	Factory                       *common.Address
	FactoryData                   []byte
	Paymaster                     *common.Address
	PaymasterData                 []byte
	PaymasterVerificationGasLimit *big.Int
	PaymasterPostOpGasLimit       *big.Int

	Signature []byte

	// Authorization carries the EIP-7702 delegation for undeployed
	// accounts.
	Authorization *relayer.SignedAuthorization
}

// wireFormat encodes the operation for eth_* bundler methods: quantities
// as minimal hex, byte strings as 0x-prefixed hex, unset fields omitted.
func (op *UserOperation) wireFormat() map[string]any {
	wire := map[string]any{
		"sender":   op.Sender.Hex(),
		"callData": hexutil.Encode(op.CallData),
	}

	putQuantity := func(key string, value *big.Int) {
		if value != nil {
			wire[key] = hexutil.EncodeBig(value)
		}
	}
	putQuantity("nonce", op.Nonce)
	putQuantity("callGasLimit", op.CallGasLimit)
	putQuantity("verificationGasLimit", op.VerificationGasLimit)
	putQuantity("preVerificationGas", op.PreVerificationGas)
	putQuantity("maxFeePerGas", op.MaxFeePerGas)
	putQuantity("maxPriorityFeePerGas", op.MaxPriorityFeePerGas)
	putQuantity("paymasterVerificationGasLimit", op.PaymasterVerificationGasLimit)
	putQuantity("paymasterPostOpGasLimit", op.PaymasterPostOpGasLimit)

	if op.InitCode != nil {
		wire["initCode"] = hexutil.Encode(op.InitCode)
	}
	if op.PaymasterAndData != nil {
		wire["paymasterAndData"] = hexutil.Encode(op.PaymasterAndData)
	}
	if op.Factory != nil {
		wire["factory"] = op.Factory.Hex()
	}
	if op.FactoryData != nil {
		wire["factoryData"] = hexutil.Encode(op.FactoryData)
	}
	if op.Paymaster != nil {
		wire["paymaster"] = op.Paymaster.Hex()
	}
	if op.PaymasterData != nil {
		wire["paymasterData"] = hexutil.Encode(op.PaymasterData)
	}
	if op.Signature != nil {
		wire["signature"] = hexutil.Encode(op.Signature)
	}
	if op.Authorization != nil {
		wire["authorization"] = map[string]any{
			"address": op.Authorization.Address.Hex(),
			"chainId": hexutil.EncodeUint64(uint64(op.Authorization.ChainID)),
			"nonce":   hexutil.EncodeUint64(op.Authorization.Nonce),
			"yParity": hexutil.EncodeUint64(uint64(op.Authorization.YParity)),
			"r":       hexutil.Encode(common.LeftPadBytes(op.Authorization.R.Bytes(), 32)),
			"s":       hexutil.Encode(common.LeftPadBytes(op.Authorization.S.Bytes(), 32)),
		}
	}

	return wire
}

// GasEstimate is the gas breakdown returned by the estimation endpoint.
type GasEstimate struct {
	CallGasLimit                  *big.Int
	VerificationGasLimit          *big.Int
	PreVerificationGas            *big.Int
	PaymasterVerificationGasLimit *big.Int
	PaymasterPostOpGasLimit       *big.Int
}

type gasEstimateWire struct {
	CallGasLimit                  *hexutil.Big `json:"callGasLimit"`
	VerificationGasLimit          *hexutil.Big `json:"verificationGasLimit"`
	PreVerificationGas            *hexutil.Big `json:"preVerificationGas"`
	PaymasterVerificationGasLimit *hexutil.Big `json:"paymasterVerificationGasLimit"`
	PaymasterPostOpGasLimit       *hexutil.Big `json:"paymasterPostOpGasLimit"`
}

func (w *gasEstimateWire) toEstimate() *GasEstimate {
	return &GasEstimate{
		CallGasLimit:                  (*big.Int)(w.CallGasLimit),
		VerificationGasLimit:          (*big.Int)(w.VerificationGasLimit),
		PreVerificationGas:            (*big.Int)(w.PreVerificationGas),
		PaymasterVerificationGasLimit: (*big.Int)(w.PaymasterVerificationGasLimit),
		PaymasterPostOpGasLimit:       (*big.Int)(w.PaymasterPostOpGasLimit),
	}
}

// GasPrice is the fee pricing applied to a user operation.
type GasPrice struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}
