package models

import "time"

type Session struct {
	SessionID      string    `db:"session_id" json:"session_id"`
	UserID         string    `db:"user_id" json:"user_id"`
	Username       string    `db:"username" json:"username"`
	Role           string    `db:"role" json:"role"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	LastActivityAt time.Time `db:"last_activity_at" json:"last_activity_at"`
	ExpiresAt      time.Time `db:"expires_at" json:"expires_at"`
	IPFingerprint  string    `db:"ip_fingerprint" json:"ip_fingerprint"`
	UAFingerprint  string    `db:"ua_fingerprint" json:"ua_fingerprint"`
	Active         bool      `db:"active" json:"active"`
}
