package bucketing

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIdentityBucketIsStable(t *testing.T) {
	bm := NewBucketingManager(64, 32)

	first := bm.GetIdentityBucket("ip:1.2.3.4")
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, bm.GetIdentityBucket("ip:1.2.3.4"))
	}
	assert.GreaterOrEqual(t, first, 0)
	assert.Less(t, first, 64)
}

func TestBucketsSpreadAcrossRange(t *testing.T) {
	bm := NewBucketingManager(64, 32)

	seen := make(map[int]bool)
	for i := 0; i < 1000; i++ {
		seen[bm.GetIdentityBucket(fmt.Sprintf("user:%d", i))] = true
	}
	// Murmur3 over a thousand keys should touch most of 64 buckets.
	assert.Greater(t, len(seen), 48)
}

func TestEventBucketRange(t *testing.T) {
	bm := NewBucketingManager(64, 32)

	for i := 0; i < 100; i++ {
		b := bm.GetEventBucket(fmt.Sprintf("event:%d", i))
		assert.GreaterOrEqual(t, b, 0)
		assert.Less(t, b, 32)
	}
}

func TestGetTimeBucket(t *testing.T) {
	bm := NewBucketingManager(64, 32)

	at := time.Date(2026, 3, 15, 10, 4, 37, 0, time.UTC)
	bucket := bm.GetTimeBucket(at, 300)

	assert.Equal(t, int64(0), bucket%300)
	assert.LessOrEqual(t, bucket, at.Unix())
	assert.Greater(t, bucket+300, at.Unix())

	// Times inside the same window share a bucket; the next window differs.
	assert.Equal(t, bucket, bm.GetTimeBucket(at.Add(20*time.Second), 300))
	assert.NotEqual(t, bucket, bm.GetTimeBucket(at.Add(time.Minute), 300))
}

func TestGetDateBucket(t *testing.T) {
	bm := NewBucketingManager(64, 32)

	at := time.Date(2026, 3, 15, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, "2026-03-15", bm.GetDateBucket(at))
}

func TestGetShardKey(t *testing.T) {
	bm := NewBucketingManager(64, 32)

	for i := 0; i < 100; i++ {
		shard := bm.GetShardKey(fmt.Sprintf("key:%d", i), 8)
		assert.GreaterOrEqual(t, shard, 0)
		assert.Less(t, shard, 8)
	}
}

func TestZeroBucketsFallsBackToZero(t *testing.T) {
	bm := NewBucketingManager(0, 0)
	assert.Equal(t, 0, bm.GetIdentityBucket("anything"))
}
