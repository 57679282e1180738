package scylla

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"security-core/internal/models"
	"security-core/internal/util"
)

// SessionAuditRepository records session lifecycle durably for investigation.
// The Redis cache is authoritative for liveness; this table answers "what
// sessions did this user ever hold and why did they end".
type SessionAuditRepository struct {
	client *ScyllaClient
}

func NewSessionAuditRepository(client *ScyllaClient) *SessionAuditRepository {
	return &SessionAuditRepository{client: client}
}

func (r *SessionAuditRepository) RecordCreated(session *models.Session) error {
	err := r.client.Prepared.CreateSession.Bind(
		session.UserID, session.SessionID, session.Username, session.Role,
		session.CreatedAt, session.IPFingerprint, session.UAFingerprint).Exec()
	if err != nil {
		util.Error("Failed to record session creation",
			zap.String("session_id", session.SessionID),
			zap.Error(err))
		return fmt.Errorf("failed to record session creation: %w", err)
	}
	return nil
}

func (r *SessionAuditRepository) RecordRevoked(userID, sessionID, reason string, at time.Time) error {
	err := r.client.Prepared.RevokeSession.Bind(at, reason, userID, sessionID).Exec()
	if err != nil {
		util.Error("Failed to record session revocation",
			zap.String("session_id", sessionID),
			zap.String("reason", reason),
			zap.Error(err))
		return fmt.Errorf("failed to record session revocation: %w", err)
	}
	return nil
}

func (r *SessionAuditRepository) ListForUser(userID string) ([]*models.Session, error) {
	iter := r.client.Prepared.ListSessionsForUser.Bind(userID).Iter()

	var sessions []*models.Session
	for {
		s := &models.Session{UserID: userID}
		if !iter.Scan(&s.SessionID, &s.Username, &s.Role, &s.CreatedAt,
			&s.IPFingerprint, &s.UAFingerprint, &s.Active) {
			break
		}
		sessions = append(sessions, s)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list session audit rows: %w", err)
	}
	return sessions, nil
}
