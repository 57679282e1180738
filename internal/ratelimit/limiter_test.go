package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"security-core/internal/client"
	"security-core/internal/config"
	"security-core/internal/models"
	"security-core/internal/security"
	"security-core/internal/store"
)

var testCategories = map[string]config.CategoryConfig{
	"search": {
		Limit:         5,
		Window:        time.Minute,
		BlockDuration: 5 * time.Minute,
		BurstLimit:    3,
		BurstWindow:   10 * time.Second,
	},
}

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	counterStore := store.NewRedisStore(client.NewRedisClientFromAddr(mr.Addr()))
	return NewLimiter(counterStore, testCategories, nil)
}

func ipIdentity(ip string) models.Identity {
	return models.Identity{Category: models.IdentityIP, Subject: ip}
}

func TestCheckAllowsUnknownCategory(t *testing.T) {
	l := newTestLimiter(t)

	for i := 0; i < 100; i++ {
		decision := l.Check(context.Background(), ipIdentity("1.2.3.4"), "unconfigured")
		assert.True(t, decision.Allowed)
	}
}

func TestCheckBurstTierDeniesWithoutBlock(t *testing.T) {
	l := newTestLimiter(t)
	base := time.Now()
	l.now = func() time.Time { return base }
	ctx := context.Background()
	id := ipIdentity("1.2.3.4")

	for i := 0; i < 3; i++ {
		decision := l.Check(ctx, id, "search")
		require.True(t, decision.Allowed)
	}

	decision := l.Check(ctx, id, "search")
	assert.False(t, decision.Allowed)
	assert.Equal(t, security.ReasonRateLimited, decision.Reason)

	// No block marker: once the burst window slides past, requests flow
	// again.
	l.now = func() time.Time { return base.Add(11 * time.Second) }
	decision = l.Check(ctx, id, "search")
	assert.True(t, decision.Allowed)
}

func TestCheckSustainedExhaustionPlacesBlock(t *testing.T) {
	l := newTestLimiter(t)
	base := time.Now()
	ctx := context.Background()
	id := ipIdentity("1.2.3.4")

	// Spread requests so the burst tier never trips.
	for i := 0; i < 5; i++ {
		now := base.Add(time.Duration(i) * 11 * time.Second)
		l.now = func() time.Time { return now }
		decision := l.Check(ctx, id, "search")
		require.True(t, decision.Allowed, "request %d", i)
	}

	now := base.Add(55 * time.Second)
	l.now = func() time.Time { return now }
	decision := l.Check(ctx, id, "search")
	assert.False(t, decision.Allowed)
	assert.Equal(t, 5*time.Minute, decision.RetryAfter)

	// The block short-circuits even after the sustained window slides.
	l.now = func() time.Time { return base.Add(3 * time.Minute) }
	decision = l.Check(ctx, id, "search")
	assert.False(t, decision.Allowed)
	assert.Positive(t, decision.RetryAfter)
}

func TestCheckIsolatesSubjects(t *testing.T) {
	l := newTestLimiter(t)
	base := time.Now()
	l.now = func() time.Time { return base }
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		l.Check(ctx, ipIdentity("1.2.3.4"), "search")
	}

	decision := l.Check(ctx, ipIdentity("5.6.7.8"), "search")
	assert.True(t, decision.Allowed)
}

func TestUnblockRestoresAccess(t *testing.T) {
	l := newTestLimiter(t)
	base := time.Now()
	l.now = func() time.Time { return base }
	ctx := context.Background()
	id := ipIdentity("1.2.3.4")

	for i := 0; i < 4; i++ {
		l.Check(ctx, id, "search")
	}
	require.False(t, l.Check(ctx, id, "search").Allowed)

	require.NoError(t, l.Unblock(ctx, id, "search"))
	assert.True(t, l.Check(ctx, id, "search").Allowed)
}

func TestInfoReportsUsageWithoutConsuming(t *testing.T) {
	l := newTestLimiter(t)
	base := time.Now()
	l.now = func() time.Time { return base }
	ctx := context.Background()
	id := ipIdentity("1.2.3.4")

	l.Check(ctx, id, "search")
	l.Check(ctx, id, "search")

	info, err := l.Info(ctx, id, "search")
	require.NoError(t, err)
	assert.Equal(t, 2, info.Used)
	assert.Equal(t, 3, info.Remaining)
	assert.Nil(t, info.BlockedUntil)

	// Info must not move the counters.
	again, err := l.Info(ctx, id, "search")
	require.NoError(t, err)
	assert.Equal(t, 2, again.Used)
}

type failingStore struct{}

var errDown = errors.New("store down")

func (failingStore) Add(context.Context, string, time.Time, time.Duration) (int, error) {
	return 0, errDown
}
func (failingStore) AddUnderLimit(context.Context, string, time.Time, time.Duration, int) (int, bool, error) {
	return 0, false, errDown
}
func (failingStore) Count(context.Context, string, time.Time, time.Duration) (int, error) {
	return 0, errDown
}
func (failingStore) SetBlock(context.Context, string, time.Time, time.Time) error { return errDown }
func (failingStore) BlockedUntil(context.Context, string, time.Time) (time.Time, bool, error) {
	return time.Time{}, false, errDown
}
func (failingStore) Clear(context.Context, ...string) error { return errDown }

func TestCheckFailsOpenOnStoreFailure(t *testing.T) {
	l := NewLimiter(failingStore{}, testCategories, nil)

	decision := l.Check(context.Background(), ipIdentity("1.2.3.4"), "search")
	assert.True(t, decision.Allowed)
	assert.Equal(t, security.ReasonAllowed, decision.Reason)
}
