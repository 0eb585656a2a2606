package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorCode is a JSON-RPC or MCP error code.
type ErrorCode int32

// Standard JSON-RPC codes and the MCP extension codes.
const (
	ParseError           ErrorCode = -32700
	InvalidRequest       ErrorCode = -32600
	MethodNotFound       ErrorCode = -32601
	InvalidParams        ErrorCode = -32602
	InternalError        ErrorCode = -32603
	ServerNotInitialized ErrorCode = -32002
	UnknownErrorCode     ErrorCode = -32001
	RequestFailed        ErrorCode = -32000
)

// KnownErrorCode maps a raw wire code onto the codes this package
// understands. Anything unrecognised becomes [UnknownErrorCode].
func KnownErrorCode(code int32) ErrorCode {
	switch c := ErrorCode(code); c {
	case ParseError, InvalidRequest, MethodNotFound, InvalidParams,
		InternalError, ServerNotInitialized, UnknownErrorCode, RequestFailed:
		return c
	}
	return UnknownErrorCode
}

func (c ErrorCode) String() string {
	switch c {
	case ParseError:
		return "ParseError"
	case InvalidRequest:
		return "InvalidRequest"
	case MethodNotFound:
		return "MethodNotFound"
	case InvalidParams:
		return "InvalidParams"
	case InternalError:
		return "InternalError"
	case ServerNotInitialized:
		return "ServerNotInitialized"
	case RequestFailed:
		return "RequestFailed"
	}
	return "UnknownErrorCode"
}

// RPCError is a JSON-RPC 2.0 error object. Code is kept exactly as it
// arrived on the wire; use [RPCError.Kind] for the normalised code.
type RPCError struct {
	Code    int32           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Kind returns the normalised error code.
func (e *RPCError) Kind() ErrorCode {
	return KnownErrorCode(e.Code)
}

// newRPCError builds an RPCError for one of the known codes.
func newRPCError(code ErrorCode, msg string) *RPCError {
	return &RPCError{Code: int32(code), Message: msg}
}

// Client errors.
var (
	// ErrTimeout is returned when a request is not answered before its
	// deadline. The connection stays usable.
	ErrTimeout = errors.New("mcp request timed out")

	// ErrServerNotInitialized is returned for requests issued before the
	// initialize handshake completed.
	ErrServerNotInitialized = errors.New("mcp server not initialized")
)

// IsRPCError reports whether err carries a JSON-RPC error with the
// given normalised code.
func IsRPCError(err error, code ErrorCode) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Kind() == code
}
