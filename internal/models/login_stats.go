package models

// OffenderCount pairs a subject (IP or username) with an attempt count.
type OffenderCount struct {
	Subject string `json:"subject"`
	Count   int    `json:"count"`
}

// LoginStats aggregates the durable attempt log over a trailing window.
type LoginStats struct {
	TotalAttempts      int             `json:"total_attempts"`
	FailedAttempts     int             `json:"failed_attempts"`
	SuccessfulAttempts int             `json:"successful_attempts"`
	TopAttackIPs       []OffenderCount `json:"top_attack_ips"`
	TopAttackUsernames []OffenderCount `json:"top_attack_usernames"`

	// ArchiveTopSourceIPs comes from the columnar archive when one is
	// configured; it covers all event types, not just logins, and reaches
	// further back than the tailed log.
	ArchiveTopSourceIPs map[string]uint64 `json:"archive_top_source_ips,omitempty"`
}
