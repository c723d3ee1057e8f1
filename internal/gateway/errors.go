package gateway

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/dailydoom/internal/usage"
)

// Code classifies a gateway failure for callers.
type Code string

const (
	CodeAuthRequired     Code = "AUTH_REQUIRED"
	CodeAuthInvalid      Code = "AUTH_INVALID"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeUpstreamFailed   Code = "UPSTREAM_GENERATION_FAILED"
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"
)

// Error is a terminal gateway outcome. Rate limited errors carry the current quota.
type Error struct {
	code  Code
	quota *usage.QuotaStatus
	err   error
}

// NewError wraps cause under code.
func NewError(code Code, cause error) *Error {
	return &Error{code: code, err: cause}
}

func newRateLimitedError(status usage.QuotaStatus) *Error {
	return &Error{code: CodeRateLimited, quota: &status}
}

func (e *Error) Error() string {
	if e.err == nil {
		return string(e.code)
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

func (e *Error) Code() Code {
	return e.code
}

// Quota returns the quota snapshot attached to the error, if any.
func (e *Error) Quota() (usage.QuotaStatus, bool) {
	if e.quota == nil {
		return usage.QuotaStatus{}, false
	}
	return *e.quota, true
}

// CodeOf extracts the gateway code from err, or "" when err is not a gateway error.
func CodeOf(err error) Code {
	var gatewayErr *Error
	if errors.As(err, &gatewayErr) {
		return gatewayErr.code
	}
	return ""
}
