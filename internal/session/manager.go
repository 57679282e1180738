// Package session owns the authenticated session lifecycle: credential
// verification, concurrent-session eviction, periodic ID rotation, hijack
// detection by client fingerprint, and idempotent logout.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"security-core/internal/alert"
	"security-core/internal/config"
	"security-core/internal/event"
	"security-core/internal/hashing"
	"security-core/internal/models"
	redisrepo "security-core/internal/repository/redis"
	"security-core/internal/repository/scylla"
	"security-core/internal/security"
	"security-core/internal/util"
)

const (
	revokeReasonLogout  = "logout"
	revokeReasonEvicted = "concurrent_limit"
	revokeReasonExpired = "expired"
	revokeReasonHijack  = "fingerprint_mismatch"
	revokeReasonRotated = "id_rotation"
)

// Store is the runtime session store. The Redis cache implements it.
type Store interface {
	Save(ctx context.Context, session *models.Session, ttl time.Duration) error
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	Delete(ctx context.Context, sessionID string) error
	Replace(ctx context.Context, oldID string, session *models.Session, ttl time.Duration) error
	ListByUser(ctx context.Context, userID string) ([]*models.Session, error)
}

// UserSource resolves credentials. The Scylla user repository implements it.
type UserSource interface {
	GetByUsername(username string) (*models.User, error)
	UpdateLastLogin(username string, at time.Time) error
}

// AuditTrail records lifecycle transitions durably. Optional.
type AuditTrail interface {
	RecordCreated(session *models.Session) error
	RecordRevoked(userID, sessionID, reason string, at time.Time) error
}

type Manager struct {
	store   Store
	users   UserSource
	audit   AuditTrail
	hasher  *hashing.Hasher
	cfg     config.SessionConfig
	events  *event.Logger
	alerter alert.Sink
	now     func() time.Time

	// Burned on unknown usernames so lookup misses cost the same as a
	// password mismatch.
	dummyHash string
}

func NewManager(store Store, users UserSource, audit AuditTrail, hasher *hashing.Hasher, cfg config.SessionConfig, events *event.Logger, alerter alert.Sink) *Manager {
	dummy, err := hasher.HashPassword(uuid.NewString())
	if err != nil {
		util.Fatal("Failed to prepare dummy hash", zap.Error(err))
	}
	return &Manager{
		store:     store,
		users:     users,
		audit:     audit,
		hasher:    hasher,
		cfg:       cfg,
		events:    events,
		alerter:   alerter,
		now:       time.Now,
		dummyHash: dummy,
	}
}

// Authenticate verifies credentials and opens a fresh session. The session ID
// is always newly generated here, never supplied by the caller.
func (m *Manager) Authenticate(ctx context.Context, username, password, totpCode, ip, userAgent string) (*models.Session, error) {
	user, err := m.users.GetByUsername(username)
	if err != nil {
		if errors.Is(err, scylla.ErrUserNotFound) {
			// Equalize timing with the real verification path.
			_, _ = m.hasher.VerifyPassword(password, m.dummyHash)
			return nil, security.ErrAuthenticationFailed
		}
		return nil, fmt.Errorf("%w: user lookup: %v", security.ErrStoreUnavailable, err)
	}

	ok, err := m.hasher.VerifyPassword(password, user.PasswordHash)
	if err != nil || !ok {
		return nil, security.ErrAuthenticationFailed
	}

	if !user.Active {
		return nil, security.ErrAuthenticationFailed
	}

	if m.cfg.RequireTOTP && user.TOTPSecret != "" {
		if !totp.Validate(totpCode, user.TOTPSecret) {
			return nil, security.ErrAuthenticationFailed
		}
	}

	now := m.now()
	if err := m.evictExcessSessions(ctx, user.UserID, now); err != nil {
		return nil, err
	}

	session := &models.Session{
		SessionID:      uuid.NewString(),
		UserID:         user.UserID,
		Username:       user.Username,
		Role:           user.Role,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(m.cfg.Timeout),
		IPFingerprint:  Fingerprint(ip),
		UAFingerprint:  Fingerprint(userAgent),
		Active:         true,
	}

	if err := m.store.Save(ctx, session, m.cfg.Timeout); err != nil {
		return nil, fmt.Errorf("%w: session save: %v", security.ErrStoreUnavailable, err)
	}

	if m.audit != nil {
		if err := m.audit.RecordCreated(session); err != nil {
			util.Warn("Session audit write failed", zap.Error(err))
		}
	}
	if err := m.users.UpdateLastLogin(user.Username, now); err != nil {
		util.Warn("Failed to update last login", zap.String("username", username), zap.Error(err))
	}

	util.Info("Session created",
		zap.String("username", user.Username),
		zap.String("session_id", session.SessionID))

	return session, nil
}

// Validate checks a presented session ID against expiry, fingerprints and the
// rotation schedule. The returned session carries the ID the caller must use
// from now on, which differs from the input after a rotation.
func (m *Manager) Validate(ctx context.Context, sessionID, ip, userAgent string) (*models.Session, error) {
	session, err := m.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, redisrepo.ErrSessionNotFound) {
			return nil, security.ErrSessionInvalid
		}
		return nil, fmt.Errorf("%w: session lookup: %v", security.ErrStoreUnavailable, err)
	}

	now := m.now()

	if !session.Active || now.After(session.ExpiresAt) || now.Sub(session.LastActivityAt) > m.cfg.Timeout {
		m.destroy(ctx, session, revokeReasonExpired, now)
		m.appendEvent(ctx, models.SecurityEvent{
			Type:     models.EventSessionExpired,
			IP:       ip,
			Username: session.Username,
		})
		return nil, security.ErrSessionInvalid
	}

	if session.IPFingerprint != Fingerprint(ip) || session.UAFingerprint != Fingerprint(userAgent) {
		m.destroy(ctx, session, revokeReasonHijack, now)
		m.appendEvent(ctx, models.SecurityEvent{
			Type:      models.EventSessionHijack,
			IP:        ip,
			Username:  session.Username,
			UserAgent: userAgent,
		})
		if m.alerter != nil {
			_ = m.alerter.Send(ctx, alert.Alert{
				Severity: alert.SeverityCritical,
				Title:    "Possible session hijack",
				Body:     "A session was presented from a client whose fingerprint no longer matches.",
				Details: map[string]string{
					"username": session.Username,
					"ip":       ip,
				},
			})
		}
		return nil, security.ErrSessionInvalid
	}

	session.LastActivityAt = now
	session.ExpiresAt = now.Add(m.cfg.Timeout)

	if now.Sub(session.CreatedAt) >= m.cfg.RegenerateInterval {
		oldID := session.SessionID
		session.SessionID = uuid.NewString()
		session.CreatedAt = now
		if err := m.store.Replace(ctx, oldID, session, m.cfg.Timeout); err != nil {
			return nil, fmt.Errorf("%w: session rotation: %v", security.ErrStoreUnavailable, err)
		}
		if m.audit != nil {
			if err := m.audit.RecordRevoked(session.UserID, oldID, revokeReasonRotated, now); err != nil {
				util.Warn("Session audit write failed", zap.Error(err))
			}
			if err := m.audit.RecordCreated(session); err != nil {
				util.Warn("Session audit write failed", zap.Error(err))
			}
		}
		util.Debug("Session id rotated",
			zap.String("username", session.Username),
			zap.String("session_id", session.SessionID))
		return session, nil
	}

	if err := m.store.Save(ctx, session, m.cfg.Timeout); err != nil {
		return nil, fmt.Errorf("%w: session touch: %v", security.ErrStoreUnavailable, err)
	}
	return session, nil
}

// Logout ends a session. Unknown or already-ended session IDs succeed: logout
// must be safe to repeat.
func (m *Manager) Logout(ctx context.Context, sessionID string) error {
	session, err := m.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, redisrepo.ErrSessionNotFound) {
			return nil
		}
		return fmt.Errorf("%w: session lookup: %v", security.ErrStoreUnavailable, err)
	}

	now := m.now()
	m.destroy(ctx, session, revokeReasonLogout, now)
	m.appendEvent(ctx, models.SecurityEvent{
		Type:     models.EventLogout,
		Username: session.Username,
	})
	return nil
}

// ActiveSessions lists the user's live sessions, newest activity first.
func (m *Manager) ActiveSessions(ctx context.Context, userID string) ([]*models.Session, error) {
	sessions, err := m.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: session list: %v", security.ErrStoreUnavailable, err)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActivityAt.After(sessions[j].LastActivityAt)
	})
	return sessions, nil
}

// evictExcessSessions drops the least recently used sessions until there is
// room for one more under the concurrent limit.
func (m *Manager) evictExcessSessions(ctx context.Context, userID string, now time.Time) error {
	sessions, err := m.store.ListByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: session list: %v", security.ErrStoreUnavailable, err)
	}
	if len(sessions) < m.cfg.MaxConcurrent {
		return nil
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActivityAt.Before(sessions[j].LastActivityAt)
	})

	excess := len(sessions) - (m.cfg.MaxConcurrent - 1)
	for _, victim := range sessions[:excess] {
		m.destroy(ctx, victim, revokeReasonEvicted, now)
		util.Info("Evicted least recently used session",
			zap.String("username", victim.Username),
			zap.String("session_id", victim.SessionID))
	}
	return nil
}

func (m *Manager) destroy(ctx context.Context, session *models.Session, reason string, at time.Time) {
	if err := m.store.Delete(ctx, session.SessionID); err != nil {
		util.Warn("Failed to delete session",
			zap.String("session_id", session.SessionID),
			zap.Error(err))
	}
	if m.audit != nil {
		if err := m.audit.RecordRevoked(session.UserID, session.SessionID, reason, at); err != nil {
			util.Warn("Session audit write failed", zap.Error(err))
		}
	}
}

func (m *Manager) appendEvent(ctx context.Context, ev models.SecurityEvent) {
	if m.events == nil {
		return
	}
	if err := m.events.Append(ctx, ev); err != nil {
		util.Warn("Failed to record session event", zap.Error(err))
	}
}
