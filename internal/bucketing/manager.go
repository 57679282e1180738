// Package bucketing distributes hot identity keys across a fixed set of
// buckets with murmur3 so per-IP and per-user counters shard evenly across
// Redis cluster slots, and provides the time buckets the monitor aggregates
// risk reports into.
package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
)

type BucketingManager struct {
	identityBuckets int
	eventBuckets    int
	hasherPool      sync.Pool
}

func NewBucketingManager(identityBuckets, eventBuckets int) *BucketingManager {
	bm := &BucketingManager{
		identityBuckets: identityBuckets,
		eventBuckets:    eventBuckets,
	}

	// Pool of hash functions to avoid allocation on every key
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// GetIdentityBucket returns a stable bucket for an identity key
// (0 to identityBuckets-1).
func (bm *BucketingManager) GetIdentityBucket(key string) int {
	return bm.getBucket(key, bm.identityBuckets)
}

// GetEventBucket returns a stable bucket for event aggregation keys.
func (bm *BucketingManager) GetEventBucket(identifier string) int {
	return bm.getBucket(identifier, bm.eventBuckets)
}

// GetTimeBucket truncates t to the start of its window, in unix seconds.
func (bm *BucketingManager) GetTimeBucket(t time.Time, windowSeconds int) int64 {
	return t.Unix() / int64(windowSeconds) * int64(windowSeconds)
}

// GetDateBucket returns the UTC date bucket for daily aggregation.
func (bm *BucketingManager) GetDateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// GetShardKey maps an identity key onto one of totalShards partitions.
func (bm *BucketingManager) GetShardKey(key string, totalShards int) int {
	return bm.GetIdentityBucket(key) % totalShards
}

func (bm *BucketingManager) IdentityBuckets() int {
	return bm.identityBuckets
}

func (bm *BucketingManager) EventBuckets() int {
	return bm.eventBuckets
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	if numBuckets <= 0 {
		return 0
	}
	return int(bm.getHash(key) % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
