package models

import "time"

// Security event types. The monitor's attack patterns match against these.
const (
	EventLoginFailed       = "LOGIN_FAILED"
	EventLoginSuccess      = "LOGIN_SUCCESS"
	EventLoginBlocked      = "LOGIN_BLOCKED"
	EventRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	EventCSRFTokenInvalid  = "CSRF_TOKEN_INVALID"
	EventMaliciousInput    = "MALICIOUS_INPUT_DETECTED"
	EventAdminAccessDenied = "ADMIN_ACCESS_DENIED"
	EventSessionHijack     = "SESSION_HIJACK_SUSPECTED"
	EventSessionExpired    = "SESSION_EXPIRED"
	EventLogout            = "LOGOUT"
	EventStoreDegraded     = "STORE_DEGRADED"
)

// SecurityEvent is one record of the append-only security log. Events are
// never mutated after being written.
type SecurityEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"event"`
	IP        string    `json:"ip"`
	Username  string    `json:"username,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	URI       string    `json:"uri,omitempty"`
	Details   string    `json:"details,omitempty"`
}
