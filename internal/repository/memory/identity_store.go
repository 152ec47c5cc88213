package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"identity-service/internal/model"
	"identity-service/internal/service"
)

// IdentityStore keeps identities in process memory, keyed by subject
// digest with a secondary index by identity ID.
type IdentityStore struct {
	mu        sync.Mutex
	bySubject map[string]*model.Identity
	byID      map[string]*model.Identity
}

func NewIdentityStore() *IdentityStore {
	return &IdentityStore{
		bySubject: make(map[string]*model.Identity),
		byID:      make(map[string]*model.Identity),
	}
}

var _ service.IdentityStore = (*IdentityStore)(nil)

func (s *IdentityStore) Upsert(ctx context.Context, subjectDigest, contact string, now time.Time) (*model.Identity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.bySubject[subjectDigest]; ok {
		login := now
		existing.LastLoginAt = &login
		copied := *existing
		return &copied, false, nil
	}

	ident := &model.Identity{
		IdentityID:    uuid.New().String(),
		SubjectDigest: subjectDigest,
		Contact:       contact,
		CreatedAt:     now,
	}
	s.bySubject[subjectDigest] = ident
	s.byID[ident.IdentityID] = ident
	copied := *ident
	return &copied, true, nil
}

func (s *IdentityStore) GetByID(ctx context.Context, identityID string) (*model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ident, ok := s.byID[identityID]
	if !ok {
		return nil, service.ErrIdentityNotFound
	}
	copied := *ident
	return &copied, nil
}
