package models

import "time"

// BlockDirective asks the network-policy collaborator to block a subject
// until UnblockAt. The core records and schedules these; an out-of-band
// process enforces and lifts them.
type BlockDirective struct {
	Subject   string    `json:"subject"`
	BlockedAt time.Time `json:"blocked_at"`
	UnblockAt time.Time `json:"unblock_at"`
	Source    string    `json:"source"`
}
