package session

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint hashes a client attribute so session records never store the
// raw IP or user agent, only enough to detect a mid-session change.
func Fingerprint(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
