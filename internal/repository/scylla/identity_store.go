package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"identity-service/internal/bucketing"
	"identity-service/internal/model"
	"identity-service/internal/service"
	"identity-service/internal/util"
)

// IdentityStore persists Identity records partitioned by bucket, with
// a contact_to_identity table resolving subject digests. Creation is
// guarded by an LWT so two concurrent first logins for one contact
// yield a single identity.
type IdentityStore struct {
	client  *ScyllaClient
	buckets *bucketing.Manager
}

func NewIdentityStore(client *ScyllaClient, buckets *bucketing.Manager) *IdentityStore {
	return &IdentityStore{
		client:  client,
		buckets: buckets,
	}
}

var _ service.IdentityStore = (*IdentityStore)(nil)

// Upsert returns the identity for a subject digest, creating it on
// first successful verification. The bool reports whether a new
// identity was created.
func (s *IdentityStore) Upsert(ctx context.Context, subjectDigest, contact string, now time.Time) (*model.Identity, bool, error) {
	if ident, err := s.getBySubject(ctx, subjectDigest); err == nil {
		if err := s.touchLastLogin(ctx, ident, now); err != nil {
			util.Warn("failed to update last login",
				zap.String("identity_id", ident.IdentityID),
				zap.Error(err))
		}
		return ident, false, nil
	} else if err != service.ErrIdentityNotFound {
		return nil, false, err
	}

	ident := &model.Identity{
		IdentityBucket: s.buckets.IdentityBucket(subjectDigest),
		IdentityID:     uuid.New().String(),
		SubjectDigest:  subjectDigest,
		Contact:        contact,
		CreatedAt:      now,
		LastLoginAt:    &now,
	}

	linkQ := s.client.Prepared.CreateContactLink.Bind(
		subjectDigest, ident.IdentityBucket, ident.IdentityID, now,
	).WithContext(ctx)

	// Failed-CAS result columns come back in schema order: partition
	// key, then regular columns alphabetically.
	var existingDigest string
	var existingCreated time.Time
	var existingBucket int
	var existingID string
	applied, err := linkQ.ScanCAS(&existingDigest, &existingCreated, &existingBucket, &existingID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to link contact: %w", err)
	}
	if !applied {
		// Lost the race to a concurrent first login; use theirs.
		existing, err := s.getByID(ctx, existingBucket, existingID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	q := s.client.Prepared.CreateIdentity.Bind(
		ident.IdentityBucket, ident.IdentityID, ident.SubjectDigest,
		ident.Contact, ident.CreatedAt, now,
	).WithContext(ctx)
	if err := s.client.ExecuteWithRetry(q, 2); err != nil {
		return nil, false, fmt.Errorf("failed to create identity: %w", err)
	}

	util.Info("identity created",
		zap.String("identity_id", ident.IdentityID),
		zap.Int("identity_bucket", ident.IdentityBucket))
	return ident, true, nil
}

// GetByID resolves an identity by its stable identifier.
func (s *IdentityStore) GetByID(ctx context.Context, identityID string) (*model.Identity, error) {
	// The bucket is derivable only from the subject digest, so scan the
	// bucket space is not an option; identities are read through the
	// contact link in every flow that has the digest. This path serves
	// the /me surface, which carries only the id, so the bucket is
	// recomputed from the stored digest after a lookup by id.
	iter := s.client.Query(`
		SELECT identity_bucket, identity_id, subject_digest, contact, created_at, last_login_at
		FROM identities WHERE identity_id = ? ALLOW FILTERING LIMIT 1`, identityID).
		WithContext(ctx).Iter()

	ident := &model.Identity{}
	var lastLogin time.Time
	if !iter.Scan(&ident.IdentityBucket, &ident.IdentityID, &ident.SubjectDigest,
		&ident.Contact, &ident.CreatedAt, &lastLogin) {
		if err := iter.Close(); err != nil {
			return nil, fmt.Errorf("failed to read identity: %w", err)
		}
		return nil, service.ErrIdentityNotFound
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to read identity: %w", err)
	}

	if !lastLogin.IsZero() {
		ident.LastLoginAt = &lastLogin
	}
	return ident, nil
}

func (s *IdentityStore) getBySubject(ctx context.Context, subjectDigest string) (*model.Identity, error) {
	var bucket int
	var identityID string
	err := s.client.Prepared.GetContactLink.Bind(subjectDigest).WithContext(ctx).Scan(&bucket, &identityID)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, service.ErrIdentityNotFound
		}
		return nil, fmt.Errorf("failed to resolve contact: %w", err)
	}
	return s.getByID(ctx, bucket, identityID)
}

func (s *IdentityStore) getByID(ctx context.Context, bucket int, identityID string) (*model.Identity, error) {
	ident := &model.Identity{}
	var lastLogin time.Time

	err := s.client.Prepared.GetIdentity.Bind(bucket, identityID).WithContext(ctx).Scan(
		&ident.IdentityBucket, &ident.IdentityID, &ident.SubjectDigest,
		&ident.Contact, &ident.CreatedAt, &lastLogin,
	)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, service.ErrIdentityNotFound
		}
		return nil, fmt.Errorf("failed to read identity: %w", err)
	}

	if !lastLogin.IsZero() {
		ident.LastLoginAt = &lastLogin
	}
	return ident, nil
}

func (s *IdentityStore) touchLastLogin(ctx context.Context, ident *model.Identity, now time.Time) error {
	q := s.client.Prepared.UpdateLastLogin.Bind(now, ident.IdentityBucket, ident.IdentityID).WithContext(ctx)
	if err := s.client.ExecuteWithRetry(q, 2); err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	ident.LastLoginAt = &now
	return nil
}
