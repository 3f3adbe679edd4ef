package errors

import (
	"errors"
	"fmt"
)

// Code identifies the taxonomy of errors the orchestration core surfaces to
// callers. Every failure mode named in the error handling design maps to
// exactly one Code.
type Code string

const (
	CodeAuthMissing       Code = "AUTH_MISSING"
	CodeAuthRefreshFailed Code = "AUTH_REFRESH_FAILED"
	CodeSmokeTestFailed   Code = "SMOKE_TEST_FAILED"
	CodeProviderHTTP      Code = "PROVIDER_HTTP"
	CodeTimeout           Code = "TIMEOUT"
	CodeUnknownProvider   Code = "UNKNOWN_PROVIDER"
	CodeDecompositionErr  Code = "DECOMPOSITION_ERROR"
	CodeTaskNotFound      Code = "TASK_NOT_FOUND"
	CodeUnresolvableCycle Code = "UNRESOLVABLE_CYCLE"
	CodeInvalidInput      Code = "INVALID_INPUT"
	CodeInternal          Code = "INTERNAL_ERROR"
)

// CoreError is the error type returned across package boundaries in the
// orchestration core. Every variant carries a Code so callers can branch on
// failure class without string matching.
type CoreError struct {
	Code    Code
	Message string
	Err     error
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *CoreError) Unwrap() error {
	return e.Err
}

func newErr(code Code, msg string, cause error) *CoreError {
	return &CoreError{Code: code, Message: msg, Err: cause}
}

// NewAuthMissing reports a missing credentials file or entry. msg should
// carry actionable guidance (e.g. which login command to run).
func NewAuthMissing(msg string) *CoreError {
	return newErr(CodeAuthMissing, msg, nil)
}

func NewAuthRefreshFailed(msg string, cause error) *CoreError {
	return newErr(CodeAuthRefreshFailed, msg, cause)
}

func NewSmokeTestFailed(msg string) *CoreError {
	return newErr(CodeSmokeTestFailed, msg, nil)
}

// NewProviderHTTP wraps a non-2xx provider response. body should already be
// truncated to at most 500 characters by the caller.
func NewProviderHTTP(status int, body string) *CoreError {
	return newErr(CodeProviderHTTP, fmt.Sprintf("provider returned HTTP %d: %s", status, body), nil)
}

func NewTimeout(msg string) *CoreError {
	return newErr(CodeTimeout, msg, nil)
}

func NewUnknownProvider(model string) *CoreError {
	return newErr(CodeUnknownProvider, fmt.Sprintf("model %q did not resolve to any known provider", model), nil)
}

func NewDecompositionError(msg string) *CoreError {
	return newErr(CodeDecompositionErr, msg, nil)
}

func NewTaskNotFound(id string) *CoreError {
	return newErr(CodeTaskNotFound, fmt.Sprintf("task %q not found", id), nil)
}

func NewUnresolvableCycle(msg string) *CoreError {
	return newErr(CodeUnresolvableCycle, msg, nil)
}

func NewInvalidInput(msg string) *CoreError {
	return newErr(CodeInvalidInput, msg, nil)
}

func NewInternal(msg string, cause error) *CoreError {
	return newErr(CodeInternal, msg, cause)
}

// Is reports whether err is a *CoreError carrying the given code.
func Is(err error, code Code) bool {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}
