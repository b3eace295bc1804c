package apiguard

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/lingualeap/apiguard/audit"
	"github.com/lingualeap/apiguard/ratelimit"
	"github.com/lingualeap/apiguard/session"
	"github.com/lingualeap/apiguard/storage"
	"github.com/lingualeap/apiguard/tokenguard"
)

// ErrorKind classifies every failure the engine reports
type ErrorKind string

const (
	// KindValidation is a malformed request. Reported to the caller, never fatal.
	KindValidation ErrorKind = "validation"

	// KindSuspiciousInput is an injection signature hit. Logged; the request continues.
	KindSuspiciousInput ErrorKind = "suspicious_input"

	// KindAuthorization is a blacklisted, invalid or under-privileged credential
	KindAuthorization ErrorKind = "authorization"

	// KindRateLimit is a rejected request budget or attempt cap
	KindRateLimit ErrorKind = "rate_limit"

	// KindIntegrity is a hash mismatch or tampered counter state
	KindIntegrity ErrorKind = "integrity"

	// KindInfrastructure is a store or provider failure during a check
	KindInfrastructure ErrorKind = "infrastructure"
)

// Error codes
const (
	ErrorCodeInvalidRequest      = "invalid_request"
	ErrorCodeMissingToken        = "missing_token"
	ErrorCodeInvalidToken        = "invalid_token"
	ErrorCodeTokenRevoked        = "token_revoked"
	ErrorCodeTokenReused         = "token_reused"
	ErrorCodeConcurrentUsage     = "concurrent_token_usage"
	ErrorCodeInsufficientRole    = "insufficient_role"
	ErrorCodeInvalidSession      = "invalid_session"
	ErrorCodeSessionLimit        = "session_limit_reached"
	ErrorCodeRateLimitExceeded   = "rate_limit_exceeded"
	ErrorCodeTooManyAttempts     = "too_many_attempts"
	ErrorCodeIntegrityFailure    = "integrity_failure"
	ErrorCodeNotFound            = "not_found"
	ErrorCodeServiceUnavailable  = "service_unavailable"
	ErrorCodeInternalServerError = "server_error"
)

// Error is a classified engine failure
type Error struct {
	Kind        ErrorKind // failure class
	Code        string    // machine readable code (e.g., "token_revoked")
	Description string    // human readable description, safe to return to callers
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Is matches a target *Error by Kind, and by Code when the target sets one.
// errors.Is(err, ErrAuthorization) matches every authorization failure.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// HTTPStatus returns the HTTP status code for the error
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation, KindSuspiciousInput:
		if e.Code == ErrorCodeNotFound {
			return http.StatusNotFound
		}
		return http.StatusBadRequest
	case KindAuthorization:
		if e.Code == ErrorCodeInsufficientRole {
			return http.StatusForbidden
		}
		return http.StatusUnauthorized
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindIntegrity:
		return http.StatusConflict
	case KindInfrastructure:
		if e.Code == ErrorCodeServiceUnavailable {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// NewError creates a new Error
func NewError(kind ErrorKind, code, description string) *Error {
	return &Error{
		Kind:        kind,
		Code:        code,
		Description: description,
	}
}

// Kind sentinels for errors.Is
var (
	ErrValidation      = &Error{Kind: KindValidation}
	ErrSuspiciousInput = &Error{Kind: KindSuspiciousInput}
	ErrAuthorization   = &Error{Kind: KindAuthorization}
	ErrRateLimit       = &Error{Kind: KindRateLimit}
	ErrIntegrity       = &Error{Kind: KindIntegrity}
	ErrInfrastructure  = &Error{Kind: KindInfrastructure}
)

// AsError classifies err. Component sentinels map onto the taxonomy; anything
// unrecognised is an infrastructure error whose detail is not exposed.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}

	switch {
	case errors.Is(err, tokenguard.ErrTokenRevoked):
		return NewError(KindAuthorization, ErrorCodeTokenRevoked, "token has been revoked")
	case errors.Is(err, tokenguard.ErrInvalidJWT):
		return NewError(KindAuthorization, ErrorCodeInvalidToken, "access token is invalid")
	case errors.Is(err, tokenguard.ErrTooManyRefreshAttempts):
		return NewError(KindRateLimit, ErrorCodeTooManyAttempts, "too many refresh attempts")
	case errors.Is(err, session.ErrTooManyAttempts):
		return NewError(KindRateLimit, ErrorCodeTooManyAttempts, "too many session creation attempts")
	case errors.Is(err, session.ErrMaxSessionsExceeded):
		return NewError(KindAuthorization, ErrorCodeSessionLimit, "maximum number of sessions reached")
	case errors.Is(err, ratelimit.ErrTampered):
		return NewError(KindIntegrity, ErrorCodeIntegrityFailure, "rate limit state failed validation")
	case errors.Is(err, storage.ErrSessionNotFound),
		errors.Is(err, storage.ErrAuditEntryNotFound),
		errors.Is(err, storage.ErrRoleNotFound):
		return NewError(KindValidation, ErrorCodeNotFound, "resource not found")
	case errors.Is(err, tokenguard.ErrUnavailable),
		errors.Is(err, session.ErrUnavailable):
		return NewError(KindInfrastructure, ErrorCodeServiceUnavailable, "security state is temporarily unavailable")
	case errors.Is(err, audit.ErrPersist):
		return NewError(KindInfrastructure, ErrorCodeInternalServerError, "audit entry could not be recorded")
	default:
		return NewError(KindInfrastructure, ErrorCodeInternalServerError, "internal error")
	}
}
