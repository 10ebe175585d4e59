package account

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// PaymentType selects who pays for relaying.
type PaymentType string

const (
	// PaymentSponsored means the API key's sponsor balance pays.
	PaymentSponsored PaymentType = "sponsored"

	// PaymentToken means the account pays in an ERC-20 token (or the
	// native token when the address is zero).
	PaymentToken PaymentType = "token"
)

// Payment describes how an operation is paid for.
type Payment struct {
	Type  PaymentType
	Token common.Address
}

// Sponsored pays from the sponsor balance.
func Sponsored() Payment {
	return Payment{Type: PaymentSponsored}
}

// Token pays in the given token; the zero address selects the chain's
// native token.
func Token(address common.Address) Payment {
	return Payment{Type: PaymentToken, Token: address}
}

const erc20TransferABI = `[{
	"name": "transfer",
	"type": "function",
	"inputs": [
		{"name": "to", "type": "address"},
		{"name": "amount", "type": "uint256"}
	],
	"outputs": [{"name": "", "type": "bool"}]
}]`

var erc20ABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(erc20TransferABI))
	if err != nil {
		panic(fmt.Sprintf("account: parse erc20 abi: %v", err))
	}
	return parsed
}()

// AppendPayment appends the fee transfer to the call batch: a native
// value transfer when token is the zero address, otherwise an ERC-20
// transfer to the fee collector.
func AppendPayment(calls []Call, token, feeCollector common.Address, amount *big.Int) ([]Call, error) {
	out := make([]Call, len(calls), len(calls)+1)
	copy(out, calls)

	if token == (common.Address{}) {
		return append(out, Call{To: feeCollector, Value: amount}), nil
	}

	data, err := erc20ABI.Pack("transfer", feeCollector, amount)
	if err != nil {
		return nil, fmt.Errorf("account: encode fee transfer: %w", err)
	}
	return append(out, Call{To: token, Data: data}), nil
}
