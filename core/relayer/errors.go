package relayer

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/ethereum/go-ethereum/common"
)

// RPC error codes returned by the relaying service. The JSON-RPC standard
// range is negative; relayer-specific codes use the 4xxx range; bundler
// codes follow ERC-4337.
const (
	CodeParse                     = -32700
	CodeInvalidRequest            = -32600
	CodeMethodNotFound            = -32601
	CodeInvalidParams             = -32602
	CodeInternal                  = -32603
	CodeTimeout                   = -32070
	CodeUnauthorized              = 4100
	CodeInsufficientPayment       = 4200
	CodeUnsupportedPaymentToken   = 4202
	CodeInsufficientBalance       = 4205
	CodeUnsupportedChain          = 4206
	CodeUnknownTransactionID      = 4208
	CodeInvalidAuthorizationList  = 4210
	CodeSimulationFailed          = 4211
	CodeValidationFailed          = -32500
	CodePaymasterValidationFailed = -32501
	CodeInvalidSignature          = -32507
	CodeExecutionFailed           = -32521
)

var errorNames = map[int]string{
	CodeParse:                     "ParseError",
	CodeInvalidRequest:            "InvalidRequestError",
	CodeMethodNotFound:            "MethodNotFoundError",
	CodeInvalidParams:             "InvalidParamsError",
	CodeInternal:                  "InternalError",
	CodeTimeout:                   "TimeoutError",
	CodeUnauthorized:              "UnauthorizedError",
	CodeInsufficientPayment:       "InsufficientPaymentError",
	CodeUnsupportedPaymentToken:   "UnsupportedPaymentTokenError",
	CodeInsufficientBalance:       "InsufficientBalanceError",
	CodeUnsupportedChain:          "UnsupportedChainError",
	CodeUnknownTransactionID:      "UnknownTransactionIDError",
	CodeInvalidAuthorizationList:  "InvalidAuthorizationListError",
	CodeSimulationFailed:          "SimulationFailedError",
	CodeValidationFailed:          "ValidationFailedError",
	CodePaymasterValidationFailed: "PaymasterValidationFailedError",
	CodeInvalidSignature:          "InvalidSignatureError",
	CodeExecutionFailed:           "ExecutionFailedError",
}

// RequestParams is the submission context attached to errors raised while
// sending, so callers can correlate a failure with what was sent.
type RequestParams struct {
	ChainID           int64
	To                common.Address
	Data              []byte
	AuthorizationList []SignedAuthorization
}

// RPCError is an error response from the relaying service. Codes outside
// the known table keep their original code and message with an empty Name.
type RPCError struct {
	Code    int
	Name    string
	Message string
	Data    json.RawMessage
	Params  *RequestParams
}

func (e *RPCError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s (code %d): %s", e.Name, e.Code, e.Message)
	}
	return fmt.Sprintf("rpc error (code %d): %s", e.Code, e.Message)
}

// ErrorCode returns the service error code, making the error inspectable
// by the retry allow-list.
func (e *RPCError) ErrorCode() int {
	return e.Code
}

// RevertData returns the simulation revert payload carried by
// SimulationFailedError responses, or "" for other codes.
func (e *RPCError) RevertData() string {
	if e.Code != CodeSimulationFailed {
		return ""
	}
	var str string
	if err := json.Unmarshal(e.Data, &str); err != nil {
		return ""
	}
	return str
}

func newRPCError(code int, message string, data json.RawMessage, params *RequestParams) *RPCError {
	return &RPCError{
		Code:    code,
		Name:    errorNames[code],
		Message: message,
		Data:    data,
		Params:  params,
	}
}

// TransactionRejectedError is returned when the relaying service refuses an
// operation: invalid parameters, failed simulation, insufficient payment or
// another policy decision. The operation will never land on chain.
type TransactionRejectedError struct {
	ID           string
	ChainID      int64
	CreatedAt    int64
	ErrorMessage string
	ErrorData    json.RawMessage
}

func (e *TransactionRejectedError) Error() string {
	return fmt.Sprintf("transaction %q rejected: %s", e.ID, e.ErrorMessage)
}

// TransactionRevertedError is returned when an operation landed on chain
// but reverted during execution. The inclusion receipt is attached.
type TransactionRevertedError struct {
	ID           string
	ChainID      int64
	CreatedAt    int64
	ErrorMessage string
	ErrorData    json.RawMessage
	Receipt      *Receipt
}

func (e *TransactionRevertedError) Error() string {
	return fmt.Sprintf("transaction %s reverted", e.Receipt.TransactionHash)
}

func newRejectedError(status *Status) *TransactionRejectedError {
	return &TransactionRejectedError{
		ID:           status.ID,
		ChainID:      status.ChainID,
		CreatedAt:    status.CreatedAt,
		ErrorMessage: status.Message,
		ErrorData:    status.Data,
	}
}

func newRevertedError(status *Status) *TransactionRevertedError {
	return &TransactionRevertedError{
		ID:           status.ID,
		ChainID:      status.ChainID,
		CreatedAt:    status.CreatedAt,
		ErrorMessage: status.Message,
		ErrorData:    status.Data,
		Receipt:      status.Receipt,
	}
}

var hash32Pattern = regexp.MustCompile(`^0x([0-9a-fA-F]{2}){32}$`)

// RetrieveIDFromError extracts the operation id that sync-send timeout
// errors carry in their data field, so the caller can keep waiting for the
// already-accepted operation instead of re-submitting it.
func RetrieveIDFromError(err error) (common.Hash, bool) {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return common.Hash{}, false
	}
	var data string
	if jsonErr := json.Unmarshal(rpcErr.Data, &data); jsonErr != nil {
		return common.Hash{}, false
	}
	if !hash32Pattern.MatchString(data) {
		return common.Hash{}, false
	}
	return common.HexToHash(data), true
}
