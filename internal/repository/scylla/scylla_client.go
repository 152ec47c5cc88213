package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/util"
)

// PreparedStatements holds the statements used by the session and
// identity stores.
type PreparedStatements struct {
	CreateSession       *gocql.Query
	CreateDigestIndex   *gocql.Query
	CreateIdentityIndex *gocql.Query
	GetSessionByID      *gocql.Query
	GetSessionByDigest  *gocql.Query
	MarkRotated         *gocql.Query
	RevokeSession       *gocql.Query
	SessionsForIdentity *gocql.Query

	CreateIdentity    *gocql.Query
	CreateContactLink *gocql.Query
	GetContactLink    *gocql.Query
	GetIdentity       *gocql.Query
	UpdateLastLogin   *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.Mutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
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
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	p := &PreparedStatements{}

	p.CreateSession = s.Session.Query(`
		INSERT INTO token_sessions (
			session_id, identity_id, refresh_digest, issued_at, expires_at,
			revoked, predecessor_id, superseded_by, fingerprint, revoked_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	p.CreateDigestIndex = s.Session.Query(`
		INSERT INTO refresh_digests (refresh_digest, session_id) VALUES (?, ?)`)

	p.CreateIdentityIndex = s.Session.Query(`
		INSERT INTO identity_sessions (identity_id, session_id) VALUES (?, ?)`)

	p.GetSessionByID = s.Session.Query(`
		SELECT session_id, identity_id, refresh_digest, issued_at, expires_at,
			revoked, predecessor_id, superseded_by, fingerprint, revoked_at
		FROM token_sessions WHERE session_id = ?`)

	p.GetSessionByDigest = s.Session.Query(`
		SELECT session_id FROM refresh_digests WHERE refresh_digest = ?`)

	// Lightweight transaction: exactly one concurrent rotation wins.
	p.MarkRotated = s.Session.Query(`
		UPDATE token_sessions
		SET revoked = true, superseded_by = ?, revoked_at = ?
		WHERE session_id = ? IF revoked = false`)

	p.RevokeSession = s.Session.Query(`
		UPDATE token_sessions SET revoked = true, revoked_at = ?
		WHERE session_id = ?`)

	p.SessionsForIdentity = s.Session.Query(`
		SELECT session_id FROM identity_sessions WHERE identity_id = ?`)

	p.CreateIdentity = s.Session.Query(`
		INSERT INTO identities (
			identity_bucket, identity_id, subject_digest, contact,
			created_at, last_login_at
		) VALUES (?, ?, ?, ?, ?, ?)`)

	// LWT upsert guard: only the first login creates the link.
	p.CreateContactLink = s.Session.Query(`
		INSERT INTO contact_to_identity (subject_digest, identity_bucket, identity_id, created_at)
		VALUES (?, ?, ?, ?) IF NOT EXISTS`)

	p.GetContactLink = s.Session.Query(`
		SELECT identity_bucket, identity_id FROM contact_to_identity
		WHERE subject_digest = ?`)

	p.GetIdentity = s.Session.Query(`
		SELECT identity_bucket, identity_id, subject_digest, contact,
			created_at, last_login_at
		FROM identities WHERE identity_bucket = ? AND identity_id = ?`)

	p.UpdateLastLogin = s.Session.Query(`
		UPDATE identities SET last_login_at = ?
		WHERE identity_bucket = ? AND identity_id = ?`)

	s.Prepared = p
	s.isPrepared = true
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
	}
}

func (s *ScyllaClient) Query(stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...)
}

func (s *ScyllaClient) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}
	return nil
}

func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
