package protocol

import (
	"errors"

	"github.com/dkeye/voicertc/internal/core"
	"github.com/sourcegraph/jsonrpc2"
)

// Application error codes, in the JSON-RPC server error range.
const (
	CodeBadRequest  int64 = -32002
	CodeForbidden   int64 = -32003
	CodeNotFound    int64 = -32004
	CodeRateLimited int64 = -32029
)

var ErrRateLimited = errors.New("rate limited")

// ToRPCError maps the core taxonomy onto a JSON-RPC error. The message keeps
// the wrapped precondition so the caller learns exactly what failed.
func ToRPCError(err error) *jsonrpc2.Error {
	var rpcErr *jsonrpc2.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	var code int64 = jsonrpc2.CodeInternalError
	switch {
	case errors.Is(err, core.ErrNotFound):
		code = CodeNotFound
	case errors.Is(err, core.ErrForbidden):
		code = CodeForbidden
	case errors.Is(err, core.ErrBadRequest):
		code = CodeBadRequest
	case errors.Is(err, ErrRateLimited):
		code = CodeRateLimited
	}
	return &jsonrpc2.Error{Code: code, Message: err.Error()}
}

// FromRPCError restores the taxonomy on the client side.
func FromRPCError(err error) error {
	var rpcErr *jsonrpc2.Error
	if !errors.As(err, &rpcErr) {
		return err
	}
	var base error
	switch rpcErr.Code {
	case CodeNotFound:
		base = core.ErrNotFound
	case CodeForbidden:
		base = core.ErrForbidden
	case CodeBadRequest, jsonrpc2.CodeInvalidParams:
		base = core.ErrBadRequest
	case CodeRateLimited:
		base = ErrRateLimited
	default:
		base = core.ErrInternal
	}
	return &RemoteError{Code: rpcErr.Code, Message: rpcErr.Message, kind: base}
}

// RemoteError is a server error seen by a client.
type RemoteError struct {
	Code    int64
	Message string
	kind    error
}

func (e *RemoteError) Error() string { return "remote: " + e.Message }

func (e *RemoteError) Unwrap() error { return e.kind }
