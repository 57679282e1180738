// Package security carries the decision vocabulary shared by the limiter,
// login guard, session manager and CSRF manager: machine-readable reason
// codes plus the matching sentinel errors. Controllers translate these into
// HTTP status codes and user-facing text; internal detail never crosses that
// boundary.
package security

import "errors"

// Reason is the stable machine-readable code attached to every decision.
type Reason string

const (
	ReasonAllowed              Reason = "ALLOWED"
	ReasonRateLimited          Reason = "RATE_LIMITED"
	ReasonIPBlocked            Reason = "IP_BLOCKED"
	ReasonUsernameBlocked      Reason = "USERNAME_BLOCKED"
	ReasonAuthenticationFailed Reason = "AUTHENTICATION_FAILED"
	ReasonSessionInvalid       Reason = "SESSION_INVALID"
	ReasonCsrfMismatch         Reason = "CSRF_MISMATCH"
	ReasonMalformedInput       Reason = "MALFORMED_INPUT"
	ReasonStoreUnavailable     Reason = "STORE_UNAVAILABLE"
)

var (
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrAuthenticationFailed is deliberately generic: callers are never told
	// which of the credential checks failed.
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrSessionInvalid       = errors.New("session invalid")
	ErrRateLimited          = errors.New("rate limited")
	ErrLoginLocked          = errors.New("login locked")
	ErrCsrfMismatch         = errors.New("csrf token mismatch")
	ErrMalformedInput       = errors.New("malformed input")
)

// HTTPStatus maps a reason code to the status controllers should answer with.
func (r Reason) HTTPStatus() int {
	switch r {
	case ReasonRateLimited, ReasonIPBlocked, ReasonUsernameBlocked:
		return 429
	case ReasonAuthenticationFailed, ReasonSessionInvalid:
		return 401
	case ReasonCsrfMismatch:
		return 403
	case ReasonMalformedInput:
		return 400
	case ReasonStoreUnavailable:
		return 503
	default:
		return 200
	}
}
