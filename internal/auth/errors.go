package auth

import (
	"errors"
	"fmt"
)

// Sentinel errors for authentication operations.
var (
	// ErrTokenExpired indicates that the token has expired.
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenNotValid indicates that the token is malformed or its
	// signature did not verify.
	ErrTokenNotValid = errors.New("token not valid")

	// ErrNoMainframeIdentity indicates that a valid external credential
	// could not be mapped to a mainframe user.
	ErrNoMainframeIdentity = errors.New("no mainframe identity")

	// ErrAuthorityUndetermined indicates that the signing authority has
	// not been decided yet.
	ErrAuthorityUndetermined = errors.New("signing authority undetermined")

	// ErrConfigurationError indicates invalid security configuration.
	ErrConfigurationError = errors.New("security configuration error")

	// ErrScopeMismatch indicates that an access token does not carry
	// the requested scope.
	ErrScopeMismatch = errors.New("token scope mismatch")

	// ErrAlreadyInvalidated indicates that the token was invalidated
	// before.
	ErrAlreadyInvalidated = errors.New("token already invalidated")

	// ErrNoCredentials indicates that no usable credentials were
	// presented.
	ErrNoCredentials = errors.New("no credentials provided")
)

// Message codes carried in error responses so that clients can match
// failures without parsing English text.
const (
	CodeTokenExpired          = "MFGW0101E"
	CodeTokenNotValid         = "MFGW0102E"
	CodeNoMainframeIdentity   = "MFGW0103E"
	CodeAuthorityUndetermined = "MFGW0104E"
	CodeConfigurationError    = "MFGW0105E"
	CodeScopeMismatch         = "MFGW0106E"
	CodeAlreadyInvalidated    = "MFGW0107E"
	CodeNoCredentials         = "MFGW0108E"
)

// SecurityError wraps a sentinel with its message code and optional
// detail.
type SecurityError struct {
	Code   string
	Detail string
	Err    error
}

// Error implements the error interface.
func (e *SecurityError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Code, e.Err, e.Detail)
}

// Unwrap returns the wrapped sentinel.
func (e *SecurityError) Unwrap() error {
	return e.Err
}

// NewSecurityError wraps a sentinel error with its message code.
func NewSecurityError(err error, detail string) *SecurityError {
	return &SecurityError{
		Code:   CodeFor(err),
		Detail: detail,
		Err:    err,
	}
}

// CodeFor returns the message code for a sentinel error. Unknown errors
// map to the generic invalid-token code so that credential failures
// never leak internals.
func CodeFor(err error) string {
	switch {
	case errors.Is(err, ErrTokenExpired):
		return CodeTokenExpired
	case errors.Is(err, ErrNoMainframeIdentity):
		return CodeNoMainframeIdentity
	case errors.Is(err, ErrAuthorityUndetermined):
		return CodeAuthorityUndetermined
	case errors.Is(err, ErrConfigurationError):
		return CodeConfigurationError
	case errors.Is(err, ErrScopeMismatch):
		return CodeScopeMismatch
	case errors.Is(err, ErrAlreadyInvalidated):
		return CodeAlreadyInvalidated
	case errors.Is(err, ErrNoCredentials):
		return CodeNoCredentials
	default:
		return CodeTokenNotValid
	}
}
