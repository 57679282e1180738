package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"security-core/internal/client"
	"security-core/internal/util"
)

// RedisStore keeps each window as a ZSET scored by unix milliseconds, member
// "ts:uuid" so simultaneous inserts never collide. Block markers are plain
// keys holding the unblock time, expired by Redis itself.
type RedisStore struct {
	client *client.RedisClient
}

func NewRedisStore(c *client.RedisClient) *RedisStore {
	return &RedisStore{client: c}
}

// Evict-then-insert-then-count in one script. ARGV: window start (ms), now
// (ms), member, key ttl (ms).
const addScript = `
	redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
	redis.call('ZADD', KEYS[1], ARGV[2], ARGV[3])
	redis.call('PEXPIRE', KEYS[1], ARGV[4])
	return redis.call('ZCARD', KEYS[1])
`

// Same as addScript but the insert is conditional on cardinality < limit
// (ARGV[4]); ARGV[5] is the key ttl. Returns {inserted, count}.
const addUnderLimitScript = `
	redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
	local current = redis.call('ZCARD', KEYS[1])
	if current < tonumber(ARGV[4]) then
		redis.call('ZADD', KEYS[1], ARGV[2], ARGV[3])
		redis.call('PEXPIRE', KEYS[1], ARGV[5])
		return {1, current + 1}
	end
	return {0, current}
`

const countScript = `
	redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
	return redis.call('ZCARD', KEYS[1])
`

func (s *RedisStore) Add(ctx context.Context, key string, now time.Time, window time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	nowMs := now.UnixMilli()
	result, err := s.client.Eval(ctx, addScript, []string{windowPrefix + key},
		nowMs-window.Milliseconds(), nowMs, windowMember(now), window.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("failed to add window member: %w", err)
	}

	count, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected result type from window add script")
	}
	return int(count), nil
}

func (s *RedisStore) AddUnderLimit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (int, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	nowMs := now.UnixMilli()
	result, err := s.client.Eval(ctx, addUnderLimitScript, []string{windowPrefix + key},
		nowMs-window.Milliseconds(), nowMs, windowMember(now), limit, window.Milliseconds())
	if err != nil {
		return 0, false, fmt.Errorf("failed to execute conditional window add: %w", err)
	}

	resultSlice, ok := result.([]interface{})
	if !ok || len(resultSlice) != 2 {
		return 0, false, fmt.Errorf("unexpected result format from conditional window add")
	}

	inserted := resultSlice[0].(int64) == 1
	count := int(resultSlice[1].(int64))

	util.Debug("Window add checked",
		zap.String("key", key),
		zap.Bool("allowed", inserted),
		zap.Int("count", count),
		zap.Int("limit", limit),
	)

	return count, inserted, nil
}

func (s *RedisStore) Count(ctx context.Context, key string, now time.Time, window time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	result, err := s.client.Eval(ctx, countScript, []string{windowPrefix + key},
		now.UnixMilli()-window.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("failed to count window members: %w", err)
	}

	count, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected result type from window count script")
	}
	return int(count), nil
}

func (s *RedisStore) SetBlock(ctx context.Context, key string, now time.Time, until time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	blockKey := blockPrefix + key
	ttl := until.Sub(now)
	if ttl <= 0 {
		if err := s.client.Del(ctx, blockKey); err != nil {
			return fmt.Errorf("failed to clear expired block: %w", err)
		}
		return nil
	}

	if err := s.client.Set(ctx, blockKey, strconv.FormatInt(until.UnixMilli(), 10), ttl); err != nil {
		return fmt.Errorf("failed to set block: %w", err)
	}

	util.Debug("Block set", zap.String("key", key), zap.Time("until", until))
	return nil
}

func (s *RedisStore) BlockedUntil(ctx context.Context, key string, now time.Time) (time.Time, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	val, err := s.client.Get(ctx, blockPrefix+key)
	if err != nil {
		if err == client.ErrKeyNotFound {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("failed to read block: %w", err)
	}

	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid block value for key %s: %w", key, err)
	}

	until := time.UnixMilli(ms)
	if !until.After(now) {
		return time.Time{}, false, nil
	}
	return until, true, nil
}

func (s *RedisStore) Clear(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	all := make([]string, 0, len(keys)*2)
	for _, key := range keys {
		all = append(all, windowPrefix+key, blockPrefix+key)
	}

	if err := s.client.Del(ctx, all...); err != nil {
		return fmt.Errorf("failed to clear counters: %w", err)
	}
	return nil
}

// windowMember builds a member that is unique even for same-millisecond
// inserts.
func windowMember(now time.Time) string {
	return strconv.FormatInt(now.UnixMilli(), 10) + ":" + uuid.NewString()
}
