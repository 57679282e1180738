package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"security-core/internal/util"
)

var (
	windowsBucket = []byte("windows")
	blocksBucket  = []byte("blocks")
)

// BoltStore is the fallback counter store: an embedded persistent key-value
// file shared by every worker on the host. It carries the same sliding-window
// semantics as the Redis store; bolt's single-writer transactions make each
// read-modify-write atomic. It must never be replaced with an in-process map:
// counters that do not outlive a request handler silently defeat the limiter.
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open fallback store at %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(windowsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(blocksBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize fallback store buckets: %w", err)
	}

	util.Info("Fallback counter store opened", zap.String("path", path))
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Add(ctx context.Context, key string, now time.Time, window time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var count int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(windowsBucket).CreateBucketIfNotExists([]byte(key))
		if err != nil {
			return err
		}
		if err := evictStale(b, now, window); err != nil {
			return err
		}
		if err := b.Put([]byte(uuid.NewString()), encodeMillis(now)); err != nil {
			return err
		}
		count = liveCount(b)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("fallback window add failed: %w", err)
	}
	return count, nil
}

func (s *BoltStore) AddUnderLimit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (int, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	var (
		count    int
		inserted bool
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(windowsBucket).CreateBucketIfNotExists([]byte(key))
		if err != nil {
			return err
		}
		if err := evictStale(b, now, window); err != nil {
			return err
		}
		count = liveCount(b)
		if count >= limit {
			inserted = false
			return nil
		}
		if err := b.Put([]byte(uuid.NewString()), encodeMillis(now)); err != nil {
			return err
		}
		count++
		inserted = true
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("fallback conditional window add failed: %w", err)
	}
	return count, inserted, nil
}

func (s *BoltStore) Count(ctx context.Context, key string, now time.Time, window time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var count int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(windowsBucket).Bucket([]byte(key))
		if b == nil {
			count = 0
			return nil
		}
		if err := evictStale(b, now, window); err != nil {
			return err
		}
		count = liveCount(b)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("fallback window count failed: %w", err)
	}
	return count, nil
}

func (s *BoltStore) SetBlock(ctx context.Context, key string, now time.Time, until time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(blocksBucket)
		if !until.After(now) {
			return b.Delete([]byte(key))
		}
		return b.Put([]byte(key), encodeMillis(until))
	})
	if err != nil {
		return fmt.Errorf("fallback block set failed: %w", err)
	}
	return nil
}

func (s *BoltStore) BlockedUntil(ctx context.Context, key string, now time.Time) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}

	var (
		until   time.Time
		blocked bool
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(blocksBucket)
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}
		until = decodeMillis(raw)
		if !until.After(now) {
			// Lazy expiry: clean the stale marker while we hold the lock.
			return b.Delete([]byte(key))
		}
		blocked = true
		return nil
	})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("fallback block read failed: %w", err)
	}
	if !blocked {
		return time.Time{}, false, nil
	}
	return until, true, nil
}

func (s *BoltStore) Clear(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		windows := tx.Bucket(windowsBucket)
		blocks := tx.Bucket(blocksBucket)
		for _, key := range keys {
			if windows.Bucket([]byte(key)) != nil {
				if err := windows.DeleteBucket([]byte(key)); err != nil {
					return err
				}
			}
			if err := blocks.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("fallback clear failed: %w", err)
	}
	return nil
}

// evictStale removes members whose timestamp no longer satisfies
// now - ts < window.
func evictStale(b *bolt.Bucket, now time.Time, window time.Duration) error {
	cutoff := now.Add(-window)
	c := b.Cursor()
	var stale [][]byte
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if !decodeMillis(v).After(cutoff) {
			stale = append(stale, append([]byte(nil), k...))
		}
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func liveCount(b *bolt.Bucket) int {
	n := 0
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}

func encodeMillis(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t.UnixMilli()))
	return buf
}

func decodeMillis(raw []byte) time.Time {
	if len(raw) != 8 {
		return time.Time{}
	}
	return time.UnixMilli(int64(binary.BigEndian.Uint64(raw)))
}
