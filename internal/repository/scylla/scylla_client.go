// Package scylla holds the durable repositories: the user credential table
// and the session audit trail that outlives the Redis runtime cache.
package scylla

import (
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"

	"security-core/internal/config"
	"security-core/internal/util"

	"go.uber.org/zap"
)

// PreparedStatements holds the statements the repositories execute.
type PreparedStatements struct {
	GetUserByUsername   *gocql.Query
	CreateUser          *gocql.Query
	UpdateUserLastLogin *gocql.Query

	CreateSession       *gocql.Query
	RevokeSession       *gocql.Query
	ListSessionsForUser *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.Mutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Hosts...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = scyllaConfig.Timeout
	cluster.ConnectTimeout = scyllaConfig.Timeout
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}

	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	util.Info("ScyllaDB client initialized",
		zap.Strings("hosts", scyllaConfig.Hosts),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	prepared := &PreparedStatements{}

	prepared.GetUserByUsername = s.Session.Query(`
        SELECT user_id, username, password_hash, role, totp_secret, active,
               created_at, last_login
        FROM users WHERE username = ?`)

	prepared.CreateUser = s.Session.Query(`
        INSERT INTO users (
            user_id, username, password_hash, role, totp_secret, active,
            created_at, last_login
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.UpdateUserLastLogin = s.Session.Query(`
        UPDATE users SET last_login = ? WHERE username = ?`)

	prepared.CreateSession = s.Session.Query(`
        INSERT INTO session_audit (
            user_id, session_id, username, role, created_at, ip_fingerprint,
            ua_fingerprint, active
        ) VALUES (?, ?, ?, ?, ?, ?, ?, true)`)

	prepared.RevokeSession = s.Session.Query(`
        UPDATE session_audit SET active = false, revoked_at = ?, revoked_reason = ?
        WHERE user_id = ? AND session_id = ?`)

	prepared.ListSessionsForUser = s.Session.Query(`
        SELECT session_id, username, role, created_at, ip_fingerprint,
               ua_fingerprint, active
        FROM session_audit WHERE user_id = ?`)

	s.Prepared = prepared
	s.isPrepared = true
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
	}
}
