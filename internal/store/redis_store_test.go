package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"security-core/internal/client"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	return NewRedisStore(client.NewRedisClientFromAddr(mr.Addr()))
}

func TestRedisStoreAddCountsWithinWindow(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := 1; i <= 5; i++ {
		count, err := s.Add(ctx, "req:ip:1.2.3.4", now, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, count)
	}

	count, err := s.Count(ctx, "req:ip:1.2.3.4", now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestRedisStoreWindowSlides(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 3; i++ {
		_, err := s.Add(ctx, "k", base.Add(time.Duration(i)*time.Second), time.Minute)
		require.NoError(t, err)
	}

	// A short hop keeps them all.
	count, err := s.Count(ctx, "k", base.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	// From two minutes out every event has left the window. Counting also
	// evicts, so this vantage point must come last.
	count, err = s.Count(ctx, "k", base.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestRedisStoreAddUnderLimitStopsAtLimit(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := 1; i <= 3; i++ {
		count, admitted, err := s.AddUnderLimit(ctx, "k", now, time.Minute, 3)
		require.NoError(t, err)
		assert.True(t, admitted)
		assert.Equal(t, i, count)
	}

	count, admitted, err := s.AddUnderLimit(ctx, "k", now, time.Minute, 3)
	require.NoError(t, err)
	assert.False(t, admitted)
	assert.Equal(t, 3, count)

	// Denied attempts must not consume budget.
	count, err = s.Count(ctx, "k", now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestRedisStoreAddUnderLimitConcurrent(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()
	now := time.Now()
	const limit = 10
	const workers = 50

	var wg sync.WaitGroup
	admissions := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, admitted, err := s.AddUnderLimit(ctx, "k", now, time.Minute, limit)
			assert.NoError(t, err)
			admissions <- admitted
		}()
	}
	wg.Wait()
	close(admissions)

	admitted := 0
	for ok := range admissions {
		if ok {
			admitted++
		}
	}
	assert.Equal(t, limit, admitted)
}

func TestRedisStoreBlockLifecycle(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()
	now := time.Now()

	_, blocked, err := s.BlockedUntil(ctx, "k", now)
	require.NoError(t, err)
	assert.False(t, blocked)

	until := now.Add(5 * time.Minute)
	require.NoError(t, s.SetBlock(ctx, "k", now, until))

	got, blocked, err := s.BlockedUntil(ctx, "k", now)
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.WithinDuration(t, until, got, time.Second)

	// Past its deadline the marker no longer blocks.
	_, blocked, err = s.BlockedUntil(ctx, "k", until.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestRedisStoreClearRemovesWindowAndBlock(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := s.Add(ctx, "k", now, time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.SetBlock(ctx, "k", now, now.Add(time.Hour)))

	require.NoError(t, s.Clear(ctx, "k"))

	count, err := s.Count(ctx, "k", now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	_, blocked, err := s.BlockedUntil(ctx, "k", now)
	require.NoError(t, err)
	assert.False(t, blocked)
}
