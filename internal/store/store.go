// Package store provides the sliding-window counter and block-marker store
// shared by the rate limiter and login guard. Windows are sorted sets of
// timestamped members, so they slide continuously with "now" instead of
// resetting at fixed boundaries; stale members are evicted lazily on every
// read and write.
//
// All mutating window operations are atomic per key: the evict, count and
// insert happen inside one Redis script or one bolt transaction, so two
// concurrent callers can never both observe count < limit and both get in.
package store

import (
	"context"
	"time"
)

// CounterStore is the contract both backends implement. Callers pass "now"
// explicitly; nothing in here reads the wall clock.
type CounterStore interface {
	// Add unconditionally inserts one uniquely-identified member stamped
	// "now", evicts members older than now-window, and returns the
	// resulting cardinality.
	Add(ctx context.Context, key string, now time.Time, window time.Duration) (int, error)

	// AddUnderLimit inserts only when the post-eviction cardinality is
	// below limit. Returns the resulting count and whether the insert
	// happened.
	AddUnderLimit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (int, bool, error)

	// Count evicts stale members and returns the remaining cardinality.
	Count(ctx context.Context, key string, now time.Time, window time.Duration) (int, error)

	// SetBlock records that key is blocked until the given time. A block
	// that is already in the past clears any existing marker instead.
	SetBlock(ctx context.Context, key string, now time.Time, until time.Time) error

	// BlockedUntil reports the active block for key, if any. Expired
	// markers count as absent.
	BlockedUntil(ctx context.Context, key string, now time.Time) (time.Time, bool, error)

	// Clear removes the windows and block markers for the given keys.
	Clear(ctx context.Context, keys ...string) error
}

const (
	windowPrefix = "window:"
	blockPrefix  = "block:"

	opTimeout = 5 * time.Second
)
