package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"identity-service/internal/model"
	"identity-service/internal/token"
	"identity-service/internal/util"
)

// SessionStore persists TokenSession records in Scylla. Lookups by
// refresh digest go through the refresh_digests table; rotation is a
// lightweight transaction so two concurrent rotations of one token can
// never both succeed.
type SessionStore struct {
	client *ScyllaClient
}

func NewSessionStore(client *ScyllaClient) *SessionStore {
	return &SessionStore{client: client}
}

var _ token.SessionStore = (*SessionStore)(nil)

func (s *SessionStore) Create(ctx context.Context, sess *model.TokenSession) error {
	var revokedAt time.Time
	if sess.RevokedAt != nil {
		revokedAt = *sess.RevokedAt
	}

	q := s.client.Prepared.CreateSession.Bind(
		sess.SessionID, sess.IdentityID, sess.RefreshDigest,
		sess.IssuedAt, sess.ExpiresAt, sess.Revoked,
		sess.PredecessorID, sess.SupersededBy, sess.Fingerprint, revokedAt,
	).WithContext(ctx)
	if err := s.client.ExecuteWithRetry(q, 2); err != nil {
		util.Error("failed to create token session",
			zap.String("session_id", sess.SessionID),
			zap.Error(err))
		return fmt.Errorf("failed to create session: %w", err)
	}

	digestQ := s.client.Prepared.CreateDigestIndex.Bind(
		sess.RefreshDigest, sess.SessionID,
	).WithContext(ctx)
	if err := s.client.ExecuteWithRetry(digestQ, 2); err != nil {
		return fmt.Errorf("failed to index refresh digest: %w", err)
	}

	identQ := s.client.Prepared.CreateIdentityIndex.Bind(
		sess.IdentityID, sess.SessionID,
	).WithContext(ctx)
	if err := s.client.ExecuteWithRetry(identQ, 2); err != nil {
		return fmt.Errorf("failed to index identity session: %w", err)
	}

	return nil
}

func (s *SessionStore) GetByDigest(ctx context.Context, refreshDigest string) (*model.TokenSession, error) {
	var sessionID string
	err := s.client.Prepared.GetSessionByDigest.Bind(refreshDigest).WithContext(ctx).Scan(&sessionID)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, token.ErrUnknownSession
		}
		return nil, fmt.Errorf("failed to look up refresh digest: %w", err)
	}
	return s.GetByID(ctx, sessionID)
}

func (s *SessionStore) GetByID(ctx context.Context, sessionID string) (*model.TokenSession, error) {
	sess := &model.TokenSession{}
	var revokedAt time.Time

	err := s.client.Prepared.GetSessionByID.Bind(sessionID).WithContext(ctx).Scan(
		&sess.SessionID, &sess.IdentityID, &sess.RefreshDigest,
		&sess.IssuedAt, &sess.ExpiresAt, &sess.Revoked,
		&sess.PredecessorID, &sess.SupersededBy, &sess.Fingerprint, &revokedAt,
	)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, token.ErrUnknownSession
		}
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	if !revokedAt.IsZero() {
		sess.RevokedAt = &revokedAt
	}
	return sess, nil
}

// MarkRotated revokes and links the session only if it is not already
// revoked. The LWT result says whether this caller won the rotation.
func (s *SessionStore) MarkRotated(ctx context.Context, sessionID, supersededBy string, at time.Time) (bool, error) {
	q := s.client.Prepared.MarkRotated.Bind(supersededBy, at, sessionID).WithContext(ctx)

	var prevRevoked bool
	applied, err := q.ScanCAS(&prevRevoked)
	if err != nil {
		if err == gocql.ErrNotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to rotate session: %w", err)
	}
	return applied, nil
}

func (s *SessionStore) Revoke(ctx context.Context, sessionID string, at time.Time) error {
	q := s.client.Prepared.RevokeSession.Bind(at, sessionID).WithContext(ctx)
	if err := s.client.ExecuteWithRetry(q, 2); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

func (s *SessionStore) ListByIdentity(ctx context.Context, identityID string) ([]*model.TokenSession, error) {
	iter := s.client.Prepared.SessionsForIdentity.Bind(identityID).WithContext(ctx).Iter()

	var ids []string
	var id string
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list identity sessions: %w", err)
	}

	sessions := make([]*model.TokenSession, 0, len(ids))
	for _, sid := range ids {
		sess, err := s.GetByID(ctx, sid)
		if err != nil {
			if err == token.ErrUnknownSession {
				continue
			}
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// DeleteExpiredBefore garbage-collects sessions past their refresh
// TTL. Hygiene only; expiry is enforced lazily at read time.
func (s *SessionStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	iter := s.client.Query(`SELECT session_id, refresh_digest, expires_at FROM token_sessions`).
		WithContext(ctx).PageSize(500).Iter()

	deleted := 0
	var sessionID, digest string
	var expiresAt time.Time
	for iter.Scan(&sessionID, &digest, &expiresAt) {
		if expiresAt.After(cutoff) {
			continue
		}
		if err := s.client.Query(`DELETE FROM token_sessions WHERE session_id = ?`, sessionID).
			WithContext(ctx).Exec(); err != nil {
			util.Warn("failed to delete expired session",
				zap.String("session_id", sessionID),
				zap.Error(err))
			continue
		}
		_ = s.client.Query(`DELETE FROM refresh_digests WHERE refresh_digest = ?`, digest).
			WithContext(ctx).Exec()
		deleted++
	}
	if err := iter.Close(); err != nil {
		return deleted, fmt.Errorf("expired session sweep failed: %w", err)
	}
	return deleted, nil
}
