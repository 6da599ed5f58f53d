package core

import (
	"errors"
	"fmt"
)

// NackCode is the short machine-readable reason sent back to the caller.
type NackCode string

const (
	CodeValidation   NackCode = "validation"
	CodeUnauthorized NackCode = "unauthorized"
	CodeNotFound     NackCode = "not_found"
	CodeDuplicate    NackCode = "duplicate"
	CodeRateLimited  NackCode = "rate_limited"
	CodePersistence  NackCode = "persistence"
	CodeInternal     NackCode = "internal"
)

// RelayError carries the nack code alongside a human reason. Handlers
// convert every failure into one of these before it reaches the
// connection loop.
type RelayError struct {
	Code   NackCode
	Reason string
	cause  error
}

func (e *RelayError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Reason, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

func (e *RelayError) Unwrap() error { return e.cause }

func Errf(code NackCode, format string, args ...any) *RelayError {
	return &RelayError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

func Wrap(code NackCode, reason string, cause error) *RelayError {
	return &RelayError{Code: code, Reason: reason, cause: cause}
}

// AsRelayError extracts a RelayError, falling back to an internal-coded
// wrapper so unexpected failures still produce a well-formed nack.
func AsRelayError(err error) *RelayError {
	var re *RelayError
	if errors.As(err, &re) {
		return re
	}
	return &RelayError{Code: CodeInternal, Reason: "internal error", cause: err}
}
