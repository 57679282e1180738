package models

import "time"

type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// RiskAssessment is derived from the event log over a trailing window. It is
// recomputed on demand and never persisted as authoritative state.
type RiskAssessment struct {
	GeneratedAt     time.Time      `json:"generated_at"`
	Window          time.Duration  `json:"window"`
	TotalEvents     int            `json:"total_events"`
	EventTypes      map[string]int `json:"event_types"`
	SourceIPs       map[string]int `json:"source_ips"`
	AttackPatterns  map[string]int `json:"attack_patterns"`
	RiskScore       int            `json:"risk_score"`
	RiskLevel       RiskLevel      `json:"risk_level"`
	Recommendations []string       `json:"recommendations,omitempty"`
}
