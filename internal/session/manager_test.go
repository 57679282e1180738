package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"security-core/internal/config"
	"security-core/internal/hashing"
	"security-core/internal/models"
	redisrepo "security-core/internal/repository/redis"
	"security-core/internal/repository/scylla"
	"security-core/internal/security"
)

var testSessionConfig = config.SessionConfig{
	Timeout:            30 * time.Minute,
	RegenerateInterval: 10 * time.Minute,
	MaxConcurrent:      3,
	RequireTOTP:        false,
}

// fastParams keep argon2 cheap enough for the test suite.
func fastParams() hashing.Argon2Params {
	return hashing.Argon2Params{
		Memory:      1024,
		Iterations:  1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
}

type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]models.Session
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[string]models.Session)}
}

func (s *fakeStore) Save(_ context.Context, session *models.Session, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.SessionID] = *session
	return nil
}

func (s *fakeStore) Get(_ context.Context, sessionID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, redisrepo.ErrSessionNotFound
	}
	copied := session
	return &copied, nil
}

func (s *fakeStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *fakeStore) Replace(_ context.Context, oldID string, session *models.Session, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, oldID)
	s.sessions[session.SessionID] = *session
	return nil
}

func (s *fakeStore) ListByUser(_ context.Context, userID string) ([]*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Session
	for _, session := range s.sessions {
		if session.UserID == userID {
			copied := session
			out = append(out, &copied)
		}
	}
	return out, nil
}

type fakeUsers struct {
	users map[string]*models.User
}

func (u *fakeUsers) GetByUsername(username string) (*models.User, error) {
	user, ok := u.users[username]
	if !ok {
		return nil, scylla.ErrUserNotFound
	}
	return user, nil
}

func (u *fakeUsers) UpdateLastLogin(username string, at time.Time) error {
	if user, ok := u.users[username]; ok {
		user.LastLogin = at
	}
	return nil
}

type auditEntry struct {
	sessionID string
	reason    string
}

type fakeAudit struct {
	mu      sync.Mutex
	created []string
	revoked []auditEntry
}

func (a *fakeAudit) RecordCreated(session *models.Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.created = append(a.created, session.SessionID)
	return nil
}

func (a *fakeAudit) RecordRevoked(_, sessionID, reason string, _ time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.revoked = append(a.revoked, auditEntry{sessionID: sessionID, reason: reason})
	return nil
}

func (a *fakeAudit) revokeReasons() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]string, len(a.revoked))
	for _, e := range a.revoked {
		out[e.sessionID] = e.reason
	}
	return out
}

type harness struct {
	manager *Manager
	store   *fakeStore
	audit   *fakeAudit
}

func newTestManager(t *testing.T) *harness {
	t.Helper()

	hasher := hashing.NewHasher(fastParams())
	hash, err := hasher.HashPassword("correct horse")
	require.NoError(t, err)

	users := &fakeUsers{users: map[string]*models.User{
		"alice": {
			UserID:       "user-1",
			Username:     "alice",
			PasswordHash: hash,
			Role:         "admin",
			Active:       true,
		},
	}}

	store := newFakeStore()
	audit := &fakeAudit{}
	return &harness{
		manager: NewManager(store, users, audit, hasher, testSessionConfig, nil, nil),
		store:   store,
		audit:   audit,
	}
}

func (h *harness) login(t *testing.T, ip, userAgent string) *models.Session {
	t.Helper()
	session, err := h.manager.Authenticate(context.Background(), "alice", "correct horse", "", ip, userAgent)
	require.NoError(t, err)
	return session
}

func TestAuthenticateIssuesSession(t *testing.T) {
	h := newTestManager(t)

	session := h.login(t, "1.2.3.4", "test-agent")

	assert.NotEmpty(t, session.SessionID)
	assert.Equal(t, "user-1", session.UserID)
	assert.Equal(t, "alice", session.Username)
	assert.True(t, session.Active)
	assert.Equal(t, Fingerprint("1.2.3.4"), session.IPFingerprint)
	assert.Equal(t, Fingerprint("test-agent"), session.UAFingerprint)
	assert.Contains(t, h.audit.created, session.SessionID)
}

func TestAuthenticateRejectsBadCredentials(t *testing.T) {
	h := newTestManager(t)
	ctx := context.Background()

	_, err := h.manager.Authenticate(ctx, "alice", "wrong", "", "1.2.3.4", "ua")
	assert.ErrorIs(t, err, security.ErrAuthenticationFailed)

	// Unknown usernames fail with the same error as a bad password.
	_, err = h.manager.Authenticate(ctx, "mallory", "anything", "", "1.2.3.4", "ua")
	assert.ErrorIs(t, err, security.ErrAuthenticationFailed)
}

func TestAuthenticateRejectsInactiveUser(t *testing.T) {
	h := newTestManager(t)

	hasher := hashing.NewHasher(fastParams())
	hash, err := hasher.HashPassword("pw")
	require.NoError(t, err)
	users := &fakeUsers{users: map[string]*models.User{
		"bob": {UserID: "user-2", Username: "bob", PasswordHash: hash, Active: false},
	}}
	m := NewManager(h.store, users, nil, hasher, testSessionConfig, nil, nil)

	_, err = m.Authenticate(context.Background(), "bob", "pw", "", "1.2.3.4", "ua")
	assert.ErrorIs(t, err, security.ErrAuthenticationFailed)
}

func TestAuthenticateEvictsLeastRecentlyUsed(t *testing.T) {
	h := newTestManager(t)
	base := time.Now()

	var sessions []*models.Session
	for i := 0; i < 3; i++ {
		h.manager.now = func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
		sessions = append(sessions, h.login(t, "1.2.3.4", "ua"))
	}

	// A fourth login evicts the session with the oldest activity.
	h.manager.now = func() time.Time { return base.Add(5 * time.Minute) }
	fourth := h.login(t, "1.2.3.4", "ua")

	active, err := h.manager.ActiveSessions(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, active, 3)

	ids := make(map[string]bool)
	for _, s := range active {
		ids[s.SessionID] = true
	}
	assert.False(t, ids[sessions[0].SessionID], "oldest session should be evicted")
	assert.True(t, ids[fourth.SessionID])
	assert.Equal(t, revokeReasonEvicted, h.audit.revokeReasons()[sessions[0].SessionID])
}

func TestValidateRefreshesActivity(t *testing.T) {
	h := newTestManager(t)
	base := time.Now()
	h.manager.now = func() time.Time { return base }

	session := h.login(t, "1.2.3.4", "ua")

	h.manager.now = func() time.Time { return base.Add(5 * time.Minute) }
	got, err := h.manager.Validate(context.Background(), session.SessionID, "1.2.3.4", "ua")
	require.NoError(t, err)
	assert.Equal(t, session.SessionID, got.SessionID)
	assert.Equal(t, base.Add(5*time.Minute), got.LastActivityAt)
	assert.Equal(t, base.Add(35*time.Minute), got.ExpiresAt)
}

func TestValidateRejectsUnknownID(t *testing.T) {
	h := newTestManager(t)

	_, err := h.manager.Validate(context.Background(), "no-such-session", "1.2.3.4", "ua")
	assert.ErrorIs(t, err, security.ErrSessionInvalid)
}

func TestValidateExpiresIdleSession(t *testing.T) {
	h := newTestManager(t)
	base := time.Now()
	h.manager.now = func() time.Time { return base }

	session := h.login(t, "1.2.3.4", "ua")

	h.manager.now = func() time.Time { return base.Add(31 * time.Minute) }
	_, err := h.manager.Validate(context.Background(), session.SessionID, "1.2.3.4", "ua")
	assert.ErrorIs(t, err, security.ErrSessionInvalid)

	// The session is gone, not merely rejected.
	_, err = h.store.Get(context.Background(), session.SessionID)
	assert.ErrorIs(t, err, redisrepo.ErrSessionNotFound)
	assert.Equal(t, revokeReasonExpired, h.audit.revokeReasons()[session.SessionID])
}

func TestValidateDestroysOnFingerprintMismatch(t *testing.T) {
	h := newTestManager(t)
	base := time.Now()
	h.manager.now = func() time.Time { return base }

	session := h.login(t, "1.2.3.4", "ua")

	h.manager.now = func() time.Time { return base.Add(time.Minute) }
	_, err := h.manager.Validate(context.Background(), session.SessionID, "6.6.6.6", "ua")
	assert.ErrorIs(t, err, security.ErrSessionInvalid)

	_, err = h.store.Get(context.Background(), session.SessionID)
	assert.ErrorIs(t, err, redisrepo.ErrSessionNotFound)
	assert.Equal(t, revokeReasonHijack, h.audit.revokeReasons()[session.SessionID])
}

func TestValidateRotatesAgedSessionID(t *testing.T) {
	h := newTestManager(t)
	base := time.Now()
	h.manager.now = func() time.Time { return base }

	session := h.login(t, "1.2.3.4", "ua")

	h.manager.now = func() time.Time { return base.Add(11 * time.Minute) }
	rotated, err := h.manager.Validate(context.Background(), session.SessionID, "1.2.3.4", "ua")
	require.NoError(t, err)
	assert.NotEqual(t, session.SessionID, rotated.SessionID)

	// The old ID no longer resolves; the new one does.
	_, err = h.manager.Validate(context.Background(), session.SessionID, "1.2.3.4", "ua")
	assert.ErrorIs(t, err, security.ErrSessionInvalid)
	again, err := h.manager.Validate(context.Background(), rotated.SessionID, "1.2.3.4", "ua")
	require.NoError(t, err)
	assert.Equal(t, rotated.SessionID, again.SessionID)

	assert.Equal(t, revokeReasonRotated, h.audit.revokeReasons()[session.SessionID])
	assert.Contains(t, h.audit.created, rotated.SessionID)
}

func TestLogoutIsIdempotent(t *testing.T) {
	h := newTestManager(t)
	ctx := context.Background()

	session := h.login(t, "1.2.3.4", "ua")

	require.NoError(t, h.manager.Logout(ctx, session.SessionID))
	_, err := h.manager.Validate(ctx, session.SessionID, "1.2.3.4", "ua")
	assert.ErrorIs(t, err, security.ErrSessionInvalid)

	// Repeating the logout, or logging out a made-up ID, is not an error.
	assert.NoError(t, h.manager.Logout(ctx, session.SessionID))
	assert.NoError(t, h.manager.Logout(ctx, "never-existed"))
	assert.Equal(t, revokeReasonLogout, h.audit.revokeReasons()[session.SessionID])
}

func TestActiveSessionsNewestFirst(t *testing.T) {
	h := newTestManager(t)
	base := time.Now()

	h.manager.now = func() time.Time { return base }
	first := h.login(t, "1.2.3.4", "ua")
	h.manager.now = func() time.Time { return base.Add(time.Minute) }
	second := h.login(t, "1.2.3.4", "ua")

	active, err := h.manager.ActiveSessions(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, second.SessionID, active[0].SessionID)
	assert.Equal(t, first.SessionID, active[1].SessionID)
}

var errStoreDown = errors.New("store down")

type downSessionStore struct{}

func (downSessionStore) Save(context.Context, *models.Session, time.Duration) error {
	return errStoreDown
}
func (downSessionStore) Get(context.Context, string) (*models.Session, error) {
	return nil, errStoreDown
}
func (downSessionStore) Delete(context.Context, string) error { return errStoreDown }
func (downSessionStore) Replace(context.Context, string, *models.Session, time.Duration) error {
	return errStoreDown
}
func (downSessionStore) ListByUser(context.Context, string) ([]*models.Session, error) {
	return nil, errStoreDown
}

func TestStoreFailureSurfacesAsUnavailable(t *testing.T) {
	h := newTestManager(t)
	m := NewManager(downSessionStore{}, h.manager.users, nil, h.manager.hasher, testSessionConfig, nil, nil)

	_, err := m.Authenticate(context.Background(), "alice", "correct horse", "", "1.2.3.4", "ua")
	assert.ErrorIs(t, err, security.ErrStoreUnavailable)

	_, err = m.Validate(context.Background(), "some-id", "1.2.3.4", "ua")
	assert.ErrorIs(t, err, security.ErrStoreUnavailable)
}
