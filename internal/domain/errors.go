package domain

import "errors"

var (
	// ErrEndOfStream is returned by readers when no further input exists. It
	// marks normal termination, in the same way io.EOF does.
	ErrEndOfStream = errors.New("end of stream")

	ErrUnknownModel    = errors.New("unknown model")
	ErrMissingField    = errors.New("missing field")
	ErrMalformedHeader = errors.New("malformed header")
	ErrMalformedRecord = errors.New("malformed record")
	ErrEngineFailed    = errors.New("engine failed")
	ErrEngineTimeout   = errors.New("engine timed out")
	ErrInvalidWindow   = errors.New("invalid time window")
	ErrGridMismatch    = errors.New("grid mismatch")
)
