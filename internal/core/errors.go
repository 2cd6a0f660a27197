package core

import "errors"

// Error taxonomy shared by the runtime and the protocol. Callers wrap one of
// these with the precise precondition that failed.
var (
	ErrNotFound   = errors.New("not found")
	ErrForbidden  = errors.New("permission denied")
	ErrBadRequest = errors.New("bad request")
	ErrInternal   = errors.New("internal error")

	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("closed")

	ErrDeviceNotLoaded = errors.New("device not loaded")
)
