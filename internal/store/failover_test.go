package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errPrimaryDown = errors.New("primary down")

// brokenStore fails every call, standing in for an unreachable Redis.
type brokenStore struct{}

func (brokenStore) Add(context.Context, string, time.Time, time.Duration) (int, error) {
	return 0, errPrimaryDown
}
func (brokenStore) AddUnderLimit(context.Context, string, time.Time, time.Duration, int) (int, bool, error) {
	return 0, false, errPrimaryDown
}
func (brokenStore) Count(context.Context, string, time.Time, time.Duration) (int, error) {
	return 0, errPrimaryDown
}
func (brokenStore) SetBlock(context.Context, string, time.Time, time.Time) error {
	return errPrimaryDown
}
func (brokenStore) BlockedUntil(context.Context, string, time.Time) (time.Time, bool, error) {
	return time.Time{}, false, errPrimaryDown
}
func (brokenStore) Clear(context.Context, ...string) error {
	return errPrimaryDown
}

func TestFailoverServesFromFallback(t *testing.T) {
	fallback, err := NewBoltStore(filepath.Join(t.TempDir(), "counters.db"))
	require.NoError(t, err)
	defer fallback.Close()

	var degradedOps []string
	s := NewFailoverStore(brokenStore{}, fallback, func(op string, err error) {
		degradedOps = append(degradedOps, op)
		assert.ErrorIs(t, err, errPrimaryDown)
	})

	ctx := context.Background()
	now := time.Now()

	count, err := s.Add(ctx, "k", now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, admitted, err := s.AddUnderLimit(ctx, "k", now, time.Minute, 5)
	require.NoError(t, err)
	assert.True(t, admitted)
	assert.Equal(t, 2, count)

	require.NoError(t, s.SetBlock(ctx, "k", now, now.Add(time.Minute)))
	_, blocked, err := s.BlockedUntil(ctx, "k", now)
	require.NoError(t, err)
	assert.True(t, blocked)

	assert.Equal(t, []string{"add", "add_under_limit", "set_block", "blocked_until"}, degradedOps)
}

func TestFailoverPrefersHealthyPrimary(t *testing.T) {
	primary, err := NewBoltStore(filepath.Join(t.TempDir(), "primary.db"))
	require.NoError(t, err)
	defer primary.Close()
	fallback, err := NewBoltStore(filepath.Join(t.TempDir(), "fallback.db"))
	require.NoError(t, err)
	defer fallback.Close()

	degraded := 0
	s := NewFailoverStore(primary, fallback, func(string, error) { degraded++ })

	ctx := context.Background()
	now := time.Now()

	_, err = s.Add(ctx, "k", now, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, degraded)

	// The write landed on the primary only.
	count, err := primary.Count(ctx, "k", now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	count, err = fallback.Count(ctx, "k", now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestFailoverClearClearsBothSides(t *testing.T) {
	primary, err := NewBoltStore(filepath.Join(t.TempDir(), "primary.db"))
	require.NoError(t, err)
	defer primary.Close()
	fallback, err := NewBoltStore(filepath.Join(t.TempDir(), "fallback.db"))
	require.NoError(t, err)
	defer fallback.Close()

	ctx := context.Background()
	now := time.Now()

	// A block recorded during a degraded period lives on the fallback.
	require.NoError(t, fallback.SetBlock(ctx, "k", now, now.Add(time.Hour)))
	require.NoError(t, primary.SetBlock(ctx, "k", now, now.Add(time.Hour)))

	s := NewFailoverStore(primary, fallback, nil)
	require.NoError(t, s.Clear(ctx, "k"))

	_, blocked, err := primary.BlockedUntil(ctx, "k", now)
	require.NoError(t, err)
	assert.False(t, blocked)
	_, blocked, err = fallback.BlockedUntil(ctx, "k", now)
	require.NoError(t, err)
	assert.False(t, blocked)
}
