package models

import "time"

const (
	AttemptSuccess         = "SUCCESS"
	AttemptFailed          = "FAILED"
	AttemptIPBlocked       = "IP_BLOCKED"
	AttemptUsernameBlocked = "USERNAME_BLOCKED"
)

type LoginAttempt struct {
	Timestamp time.Time `json:"timestamp"`
	IP        string    `json:"ip"`
	Username  string    `json:"username,omitempty"`
	Status    string    `json:"status"`
	UserAgent string    `json:"user_agent,omitempty"`
}
