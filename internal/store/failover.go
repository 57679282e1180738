package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"security-core/internal/util"
)

// DegradedFunc is notified whenever the primary store fails and the fallback
// serves a call. Wired to the security event log by the factory; must be
// cheap and must not fail.
type DegradedFunc func(op string, err error)

// FailoverStore tries the primary backend first and, on any primary error,
// serves that invocation from the fallback. The fallback is
// correctness-equivalent, so a degraded period only loses the counts
// accumulated on the side not being read.
type FailoverStore struct {
	primary  CounterStore
	fallback CounterStore
	degraded DegradedFunc
}

func NewFailoverStore(primary, fallback CounterStore, degraded DegradedFunc) *FailoverStore {
	if degraded == nil {
		degraded = func(string, error) {}
	}
	return &FailoverStore{
		primary:  primary,
		fallback: fallback,
		degraded: degraded,
	}
}

func (s *FailoverStore) note(op string, err error) {
	util.Warn("Primary counter store unavailable, serving from fallback",
		zap.String("op", op),
		zap.Error(err),
	)
	s.degraded(op, err)
}

func (s *FailoverStore) Add(ctx context.Context, key string, now time.Time, window time.Duration) (int, error) {
	count, err := s.primary.Add(ctx, key, now, window)
	if err == nil {
		return count, nil
	}
	s.note("add", err)
	return s.fallback.Add(ctx, key, now, window)
}

func (s *FailoverStore) AddUnderLimit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (int, bool, error) {
	count, allowed, err := s.primary.AddUnderLimit(ctx, key, now, window, limit)
	if err == nil {
		return count, allowed, nil
	}
	s.note("add_under_limit", err)
	return s.fallback.AddUnderLimit(ctx, key, now, window, limit)
}

func (s *FailoverStore) Count(ctx context.Context, key string, now time.Time, window time.Duration) (int, error) {
	count, err := s.primary.Count(ctx, key, now, window)
	if err == nil {
		return count, nil
	}
	s.note("count", err)
	return s.fallback.Count(ctx, key, now, window)
}

func (s *FailoverStore) SetBlock(ctx context.Context, key string, now time.Time, until time.Time) error {
	if err := s.primary.SetBlock(ctx, key, now, until); err != nil {
		s.note("set_block", err)
		return s.fallback.SetBlock(ctx, key, now, until)
	}
	return nil
}

func (s *FailoverStore) BlockedUntil(ctx context.Context, key string, now time.Time) (time.Time, bool, error) {
	until, blocked, err := s.primary.BlockedUntil(ctx, key, now)
	if err == nil {
		return until, blocked, nil
	}
	s.note("blocked_until", err)
	return s.fallback.BlockedUntil(ctx, key, now)
}

func (s *FailoverStore) Clear(ctx context.Context, keys ...string) error {
	// Clear both sides: a block lifted only on the primary would resurface
	// from the fallback during the next degraded period.
	perr := s.primary.Clear(ctx, keys...)
	ferr := s.fallback.Clear(ctx, keys...)
	if perr != nil {
		s.note("clear", perr)
		return ferr
	}
	return ferr
}
