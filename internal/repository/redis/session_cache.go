// Package redis holds the hot-path caches: the authoritative runtime session
// store and the per-session CSRF token hashes.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"security-core/internal/client"
	"security-core/internal/models"
	"security-core/internal/util"
)

const (
	sessionDataPrefix  = "session_data:"
	userSessionsPrefix = "user_sessions:"
)

var ErrSessionNotFound = errors.New("session not found")

// SessionCache is the runtime session store. Entries expire with the session
// so an unclean shutdown never leaves immortal sessions behind.
type SessionCache struct {
	client *client.RedisClient
}

func NewSessionCache(client *client.RedisClient) *SessionCache {
	return &SessionCache{client: client}
}

func (c *SessionCache) Save(ctx context.Context, session *models.Session, ttl time.Duration) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	pipe := c.client.Pipeline()
	dataKey := sessionDataPrefix + session.SessionID
	userKey := userSessionsPrefix + session.UserID
	pipe.Set(ctx, dataKey, data, ttl)
	pipe.SAdd(ctx, userKey, session.SessionID)
	pipe.Expire(ctx, userKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to save session",
			zap.String("session_id", session.SessionID),
			zap.Error(err))
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (c *SessionCache) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	raw, err := c.client.Get(ctx, sessionDataPrefix+sessionID)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	session := &models.Session{}
	if err := json.Unmarshal([]byte(raw), session); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return session, nil
}

func (c *SessionCache) Delete(ctx context.Context, sessionID string) error {
	session, err := c.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		return err
	}

	pipe := c.client.Pipeline()
	pipe.Del(ctx, sessionDataPrefix+sessionID)
	pipe.SRem(ctx, userSessionsPrefix+session.UserID, sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Replace installs the session under a new ID and removes the old entry in
// one pipeline, for ID rotation. The old ID stops resolving as soon as the
// pipeline lands.
func (c *SessionCache) Replace(ctx context.Context, oldID string, session *models.Session, ttl time.Duration) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	userKey := userSessionsPrefix + session.UserID
	pipe := c.client.Pipeline()
	pipe.Set(ctx, sessionDataPrefix+session.SessionID, data, ttl)
	pipe.Del(ctx, sessionDataPrefix+oldID)
	pipe.SRem(ctx, userKey, oldID)
	pipe.SAdd(ctx, userKey, session.SessionID)
	pipe.Expire(ctx, userKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to rotate session id: %w", err)
	}
	return nil
}

// ListByUser returns the user's live sessions. IDs whose data entry already
// expired are pruned from the set as they are discovered.
func (c *SessionCache) ListByUser(ctx context.Context, userID string) ([]*models.Session, error) {
	userKey := userSessionsPrefix + userID
	ids, err := c.client.SMembers(ctx, userKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list user sessions: %w", err)
	}

	sessions := make([]*models.Session, 0, len(ids))
	for _, id := range ids {
		session, err := c.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				if remErr := c.client.SRem(ctx, userKey, id); remErr != nil {
					util.Warn("Failed to prune stale session id",
						zap.String("session_id", id),
						zap.Error(remErr))
				}
				continue
			}
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}
