// Package csrf issues and checks per-action anti-forgery tokens scoped to a
// session. Tokens live in one Redis hash per session so ending the session
// drops every token with a single delete.
package csrf

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"security-core/internal/client"
	"security-core/internal/config"
	"security-core/internal/event"
	"security-core/internal/models"
	"security-core/internal/security"
	"security-core/internal/util"
)

const (
	tokenKeyPrefix = "csrf:"
	tokenBytes     = 32
)

type Manager struct {
	client *client.RedisClient
	cfg    config.CSRFConfig
	events *event.Logger
	now    func() time.Time
}

func NewManager(redisClient *client.RedisClient, cfg config.CSRFConfig, events *event.Logger) *Manager {
	return &Manager{
		client: redisClient,
		cfg:    cfg,
		events: events,
		now:    time.Now,
	}
}

// GetToken returns the session's live token for the action, minting one if
// none exists or the stored one has expired.
func (m *Manager) GetToken(ctx context.Context, sessionID, action string) (string, error) {
	if sessionID == "" || action == "" {
		return "", security.ErrMalformedInput
	}

	now := m.now()
	key := tokenKeyPrefix + sessionID

	if err := m.purgeExpired(ctx, key, now); err != nil {
		return "", err
	}

	stored, err := m.client.HGet(ctx, key, action)
	if err == nil {
		if token, expires, decodeErr := decodeEntry(stored); decodeErr == nil && now.Before(expires) {
			return token, nil
		}
	} else if !errors.Is(err, client.ErrKeyNotFound) {
		return "", fmt.Errorf("failed to read csrf token: %w", err)
	}

	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate csrf token: %w", err)
	}
	token := hex.EncodeToString(raw)
	entry := encodeEntry(token, now.Add(m.cfg.TokenLifetime))

	if err := m.client.HSet(ctx, key, action, entry); err != nil {
		return "", fmt.Errorf("failed to store csrf token: %w", err)
	}
	// Keep the whole hash alive as long as its youngest token.
	if err := m.client.Expire(ctx, key, m.cfg.TokenLifetime); err != nil {
		util.Warn("Failed to set csrf hash expiry", zap.Error(err))
	}

	return token, nil
}

// ValidateToken checks a presented token against the stored one for the
// action. The comparison is constant time.
func (m *Manager) ValidateToken(ctx context.Context, sessionID, action, presented, ip string) error {
	if sessionID == "" || action == "" || presented == "" {
		return security.ErrMalformedInput
	}

	now := m.now()
	key := tokenKeyPrefix + sessionID

	stored, err := m.client.HGet(ctx, key, action)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			m.logMismatch(ctx, action, ip)
			return security.ErrCsrfMismatch
		}
		return fmt.Errorf("failed to read csrf token: %w", err)
	}

	token, expires, err := decodeEntry(stored)
	if err != nil || !now.Before(expires) {
		if delErr := m.client.HDel(ctx, key, action); delErr != nil {
			util.Warn("Failed to purge expired csrf token", zap.Error(delErr))
		}
		m.logMismatch(ctx, action, ip)
		return security.ErrCsrfMismatch
	}

	if subtle.ConstantTimeCompare([]byte(token), []byte(presented)) != 1 {
		m.logMismatch(ctx, action, ip)
		return security.ErrCsrfMismatch
	}
	return nil
}

// ConsumeToken validates and then invalidates the token, for single-use
// actions.
func (m *Manager) ConsumeToken(ctx context.Context, sessionID, action, presented, ip string) error {
	if err := m.ValidateToken(ctx, sessionID, action, presented, ip); err != nil {
		return err
	}
	if err := m.client.HDel(ctx, tokenKeyPrefix+sessionID, action); err != nil {
		return fmt.Errorf("failed to consume csrf token: %w", err)
	}
	return nil
}

// ClearAll drops every token held by the session. Called on logout.
func (m *Manager) ClearAll(ctx context.Context, sessionID string) error {
	if err := m.client.Del(ctx, tokenKeyPrefix+sessionID); err != nil {
		return fmt.Errorf("failed to clear csrf tokens: %w", err)
	}
	return nil
}

func (m *Manager) purgeExpired(ctx context.Context, key string, now time.Time) error {
	entries, err := m.client.HGetAll(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to scan csrf tokens: %w", err)
	}
	for action, entry := range entries {
		if _, expires, err := decodeEntry(entry); err != nil || !now.Before(expires) {
			if delErr := m.client.HDel(ctx, key, action); delErr != nil {
				return fmt.Errorf("failed to purge csrf token: %w", delErr)
			}
		}
	}
	return nil
}

func (m *Manager) logMismatch(ctx context.Context, action, ip string) {
	if m.events == nil {
		return
	}
	ev := models.SecurityEvent{
		Type:    models.EventCSRFTokenInvalid,
		IP:      ip,
		Details: "action=" + action,
	}
	if err := m.events.Append(ctx, ev); err != nil {
		util.Warn("Failed to record csrf event", zap.Error(err))
	}
}

func encodeEntry(token string, expires time.Time) string {
	return token + "|" + strconv.FormatInt(expires.UnixMilli(), 10)
}

func decodeEntry(entry string) (string, time.Time, error) {
	token, millis, ok := strings.Cut(entry, "|")
	if !ok {
		return "", time.Time{}, errors.New("malformed csrf entry")
	}
	ms, err := strconv.ParseInt(millis, 10, 64)
	if err != nil {
		return "", time.Time{}, errors.New("malformed csrf entry")
	}
	return token, time.UnixMilli(ms), nil
}
