package memory

import (
	"context"
	"sync"
	"time"

	"identity-service/internal/model"
	"identity-service/internal/token"
)

// SessionStore keeps token sessions in process memory. MarkRotated
// holds the store lock across the read-check-write, giving it the same
// single-winner guarantee as the Scylla conditional update.
type SessionStore struct {
	mu         sync.Mutex
	byID       map[string]*model.TokenSession
	byDigest   map[string]string
	byIdentity map[string][]string
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		byID:       make(map[string]*model.TokenSession),
		byDigest:   make(map[string]string),
		byIdentity: make(map[string][]string),
	}
}

var _ token.SessionStore = (*SessionStore)(nil)

func (s *SessionStore) Create(ctx context.Context, sess *model.TokenSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *sess
	s.byID[sess.SessionID] = &copied
	s.byDigest[sess.RefreshDigest] = sess.SessionID
	s.byIdentity[sess.IdentityID] = append(s.byIdentity[sess.IdentityID], sess.SessionID)
	return nil
}

func (s *SessionStore) GetByDigest(ctx context.Context, refreshDigest string) (*model.TokenSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byDigest[refreshDigest]
	if !ok {
		return nil, token.ErrUnknownSession
	}
	return s.getLocked(id)
}

func (s *SessionStore) GetByID(ctx context.Context, sessionID string) (*model.TokenSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(sessionID)
}

func (s *SessionStore) MarkRotated(ctx context.Context, sessionID, supersededBy string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.byID[sessionID]
	if !ok || sess.Revoked {
		return false, nil
	}
	sess.Revoked = true
	sess.SupersededBy = supersededBy
	revokedAt := at
	sess.RevokedAt = &revokedAt
	return true, nil
}

func (s *SessionStore) Revoke(ctx context.Context, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.byID[sessionID]
	if !ok {
		return token.ErrUnknownSession
	}
	if !sess.Revoked {
		sess.Revoked = true
		revokedAt := at
		sess.RevokedAt = &revokedAt
	}
	return nil
}

func (s *SessionStore) ListByIdentity(ctx context.Context, identityID string) ([]*model.TokenSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byIdentity[identityID]
	sessions := make([]*model.TokenSession, 0, len(ids))
	for _, id := range ids {
		if sess, ok := s.byID[id]; ok {
			copied := *sess
			sessions = append(sessions, &copied)
		}
	}
	return sessions, nil
}

func (s *SessionStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.byID {
		if sess.ExpiresAt.After(cutoff) {
			continue
		}
		delete(s.byID, id)
		delete(s.byDigest, sess.RefreshDigest)
		removed++
	}
	return removed, nil
}

func (s *SessionStore) getLocked(sessionID string) (*model.TokenSession, error) {
	sess, ok := s.byID[sessionID]
	if !ok {
		return nil, token.ErrUnknownSession
	}
	copied := *sess
	return &copied, nil
}
