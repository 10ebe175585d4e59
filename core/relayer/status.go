package relayer

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// StatusCode is the lifecycle state of a relayed operation as reported by
// the relaying service.
type StatusCode int

const (
	StatusPending   StatusCode = 100
	StatusSubmitted StatusCode = 110
	StatusSuccess   StatusCode = 200
	StatusRejected  StatusCode = 400
	StatusReverted  StatusCode = 500
)

// Terminal reports whether the status can no longer change.
func (c StatusCode) Terminal() bool {
	switch c {
	case StatusSuccess, StatusRejected, StatusReverted:
		return true
	}
	return false
}

func (c StatusCode) String() string {
	switch c {
	case StatusPending:
		return "pending"
	case StatusSubmitted:
		return "submitted"
	case StatusSuccess:
		return "success"
	case StatusRejected:
		return "rejected"
	case StatusReverted:
		return "reverted"
	}
	return fmt.Sprintf("unknown(%d)", int(c))
}

// Receipt is an inclusion receipt for a relayed operation. The full wire
// payload is preserved in Raw; the commonly needed fields are decoded. A
// receipt carrying a userOpHash belongs to an ERC-4337 user operation.
type Receipt struct {
	Raw             json.RawMessage
	TransactionHash common.Hash
	BlockNumber     *big.Int
	GasUsed         uint64
	Status          uint64
	UserOpHash      common.Hash
}

type receiptWire struct {
	TransactionHash string `json:"transactionHash"`
	BlockNumber     string `json:"blockNumber"`
	GasUsed         string `json:"gasUsed"`
	Status          string `json:"status"`
	UserOpHash      string `json:"userOpHash"`
}

func (r *Receipt) UnmarshalJSON(data []byte) error {
	var wire receiptWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decode receipt: %w", err)
	}

	r.Raw = append(r.Raw[:0], data...)

	if wire.TransactionHash != "" {
		hash, err := parseHash32(wire.TransactionHash)
		if err != nil {
			return fmt.Errorf("receipt transactionHash: %w", err)
		}
		r.TransactionHash = hash
	}
	if wire.UserOpHash != "" {
		hash, err := parseHash32(wire.UserOpHash)
		if err != nil {
			return fmt.Errorf("receipt userOpHash: %w", err)
		}
		r.UserOpHash = hash
	}
	if wire.BlockNumber != "" {
		n, err := hexutil.DecodeBig(wire.BlockNumber)
		if err != nil {
			return fmt.Errorf("receipt blockNumber: %w", err)
		}
		r.BlockNumber = n
	}
	if wire.GasUsed != "" {
		n, err := hexutil.DecodeUint64(wire.GasUsed)
		if err != nil {
			return fmt.Errorf("receipt gasUsed: %w", err)
		}
		r.GasUsed = n
	}
	if wire.Status != "" {
		n, err := hexutil.DecodeUint64(wire.Status)
		if err != nil {
			return fmt.Errorf("receipt status: %w", err)
		}
		r.Status = n
	}
	return nil
}

func (r *Receipt) MarshalJSON() ([]byte, error) {
	if r.Raw == nil {
		return []byte("null"), nil
	}
	return r.Raw, nil
}

// IsUserOperationReceipt reports whether this receipt belongs to an
// ERC-4337 user operation rather than a plain transaction.
func (r *Receipt) IsUserOperationReceipt() bool {
	return r.UserOpHash != (common.Hash{})
}

// Status is one status report for a relayed operation. Which fields are
// populated depends on Code: Submitted carries Hash, Success and Reverted
// carry Receipt, Rejected and Reverted carry Message/Data.
type Status struct {
	ID        string
	ChainID   int64
	CreatedAt int64 // unix milliseconds
	Code      StatusCode
	Hash      common.Hash
	Receipt   *Receipt
	Message   string
	Data      json.RawMessage
}

// RevertData returns the revert payload as a hex string for reverted
// operations, or "" when Data does not hold a string.
func (s *Status) RevertData() string {
	var str string
	if err := json.Unmarshal(s.Data, &str); err != nil {
		return ""
	}
	return str
}

type statusWire struct {
	ID        string          `json:"id"`
	ChainID   json.RawMessage `json:"chainId"`
	CreatedAt int64           `json:"createdAt"`
	Status    int             `json:"status"`
	Hash      string          `json:"hash"`
	Receipt   *Receipt        `json:"receipt"`
	Message   *string         `json:"message"`
	Data      json.RawMessage `json:"data"`
}

// ParseStatus validates and decodes one status payload. Payloads missing a
// field their status code requires are rejected rather than returned
// half-populated.
func ParseStatus(raw json.RawMessage) (*Status, error) {
	var wire statusWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}

	chainID, err := coerceChainID(wire.ChainID)
	if err != nil {
		return nil, err
	}

	status := &Status{
		ID:        wire.ID,
		ChainID:   chainID,
		CreatedAt: wire.CreatedAt,
		Code:      StatusCode(wire.Status),
		Receipt:   wire.Receipt,
		Data:      wire.Data,
	}
	if wire.Message != nil {
		status.Message = *wire.Message
	}

	switch status.Code {
	case StatusPending:
	case StatusSubmitted:
		if wire.Hash == "" {
			return nil, fmt.Errorf("submitted status missing hash")
		}
		hash, err := parseHash32(wire.Hash)
		if err != nil {
			return nil, fmt.Errorf("submitted status hash: %w", err)
		}
		status.Hash = hash
	case StatusSuccess:
		if status.Receipt == nil {
			return nil, fmt.Errorf("success status missing receipt")
		}
	case StatusRejected:
		if wire.Message == nil {
			return nil, fmt.Errorf("rejected status missing message")
		}
	case StatusReverted:
		if status.Receipt == nil {
			return nil, fmt.Errorf("reverted status missing receipt")
		}
		if len(wire.Data) == 0 {
			return nil, fmt.Errorf("reverted status missing revert data")
		}
	default:
		return nil, fmt.Errorf("unknown status code %d", wire.Status)
	}

	return status, nil
}

// coerceChainID accepts both numeric and string-encoded chain ids, which
// the service uses interchangeably across endpoints.
func coerceChainID(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("status missing chainId")
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("invalid chainId %s", raw)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chainId %q: %w", s, err)
	}
	return n, nil
}

func parseHash32(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, err
	}
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("expected %d bytes, got %d", common.HashLength, len(b))
	}
	return common.BytesToHash(b), nil
}
