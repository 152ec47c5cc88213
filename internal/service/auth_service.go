package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/model"
	"identity-service/internal/otp"
	"identity-service/internal/token"
	"identity-service/internal/util"
)

var (
	// ErrIdentityNotFound indicates no identity exists for the given ID.
	ErrIdentityNotFound = errors.New("identity not found")
	// ErrInvalidInput indicates a request failed shape validation.
	ErrInvalidInput = errors.New("invalid input")
)

// IdentityStore persists the durable mapping from contact to identity.
type IdentityStore interface {
	// Upsert returns the identity for the subject digest, creating it
	// when absent. The bool reports whether a new identity was created.
	Upsert(ctx context.Context, subjectDigest, contact string, now time.Time) (*model.Identity, bool, error)
	GetByID(ctx context.Context, identityID string) (*model.Identity, error)
}

// EventPublisher delivers audit records to the security event stream.
// The Kafka producer satisfies this.
type EventPublisher interface {
	Produce(ctx context.Context, topic string, key, value []byte) error
}

// LoginResult is what a successful OTP verification yields.
type LoginResult struct {
	Identity      *model.Identity
	Tokens        *model.TokenPair
	IsNewIdentity bool
}

// AuthService orchestrates the login flow: challenge issuance and
// verification, identity upsert, and token lifecycle.
type AuthService struct {
	challenges *otp.Manager
	tokens     *token.Service
	identities IdentityStore
	events     EventPublisher
	eventTopic string
	logger     *zap.Logger
	now        func() time.Time
}

func NewAuthService(
	challenges *otp.Manager,
	tokens *token.Service,
	identities IdentityStore,
	events EventPublisher,
	cfg config.KafkaConfig,
	logger *zap.Logger,
) *AuthService {
	return &AuthService{
		challenges: challenges,
		tokens:     tokens,
		identities: identities,
		events:     events,
		eventTopic: cfg.SecurityTopic,
		logger:     logger,
		now:        time.Now,
	}
}

// WithClock overrides the service's time source.
func (s *AuthService) WithClock(now func() time.Time) *AuthService {
	s.now = now
	s.challenges.WithClock(now)
	s.tokens.WithClock(now)
	return s
}

// RequestOTP issues a fresh challenge for the contact and dispatches
// the code out of band.
func (s *AuthService) RequestOTP(ctx context.Context, contact string) (*otp.Dispatch, error) {
	if err := util.ValidContact(contact); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	dispatch, err := s.challenges.RequestChallenge(ctx, contact)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, model.SecurityEvent{
		EventType:     model.EventOTPRequested,
		SubjectDigest: util.ContactDigest(contact),
		EventTime:     s.now().UTC(),
	})
	return dispatch, nil
}

// ResendOTP replaces the active challenge with a fresh code, subject
// to the cooldown and the daily resend cap.
func (s *AuthService) ResendOTP(ctx context.Context, contact string) (*otp.Dispatch, error) {
	if err := util.ValidContact(contact); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	dispatch, err := s.challenges.Resend(ctx, contact)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, model.SecurityEvent{
		EventType:     model.EventOTPResent,
		SubjectDigest: util.ContactDigest(contact),
		EventTime:     s.now().UTC(),
	})
	return dispatch, nil
}

// VerifyOTP checks the submitted code and, on success, upserts the
// identity and issues a token pair. A first-time contact gets a new
// identity; a returning one gets its last-login stamp refreshed.
func (s *AuthService) VerifyOTP(ctx context.Context, contact, code, fingerprint string) (*LoginResult, error) {
	if err := util.ValidContact(contact); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	subjectDigest := util.ContactDigest(contact)

	if err := s.challenges.Verify(ctx, contact, code); err != nil {
		switch {
		case errors.Is(err, otp.ErrInvalidCode):
			s.publish(ctx, model.SecurityEvent{
				EventType:     model.EventOTPVerifyFailed,
				SubjectDigest: subjectDigest,
				EventTime:     s.now().UTC(),
			})
		case errors.Is(err, otp.ErrTooManyAttempts):
			s.publish(ctx, model.SecurityEvent{
				EventType:     model.EventOTPLocked,
				SubjectDigest: subjectDigest,
				EventTime:     s.now().UTC(),
			})
		}
		return nil, err
	}

	identity, created, err := s.identities.Upsert(ctx, subjectDigest, util.NormalizeContact(contact), s.now().UTC())
	if err != nil {
		return nil, err
	}

	pair, err := s.tokens.Issue(ctx, identity.IdentityID, fingerprint)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, model.SecurityEvent{
		EventType:     model.EventLogin,
		SubjectDigest: subjectDigest,
		IdentityID:    identity.IdentityID,
		SessionID:     pair.SessionID,
		EventTime:     s.now().UTC(),
	})
	s.logger.Info("login completed",
		util.String("identity_id", identity.IdentityID),
		util.Bool("new_identity", created))

	return &LoginResult{Identity: identity, Tokens: pair, IsNewIdentity: created}, nil
}

// Refresh exchanges a refresh token for a fresh pair. Presenting an
// already-used token revokes its whole lineage.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*model.TokenPair, error) {
	pair, err := s.tokens.Rotate(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, token.ErrReuseDetected) {
			s.publish(ctx, model.SecurityEvent{
				EventType: model.EventReuseDetected,
				EventTime: s.now().UTC(),
			})
			s.publish(ctx, model.SecurityEvent{
				EventType: model.EventLineageRevoked,
				EventTime: s.now().UTC(),
			})
		}
		return nil, err
	}
	s.publish(ctx, model.SecurityEvent{
		EventType: model.EventTokenRotated,
		SessionID: pair.SessionID,
		EventTime: s.now().UTC(),
	})
	return pair, nil
}

// Logout revokes the caller's current session.
func (s *AuthService) Logout(ctx context.Context, identityID, sessionID string) error {
	if err := s.tokens.Revoke(ctx, sessionID); err != nil {
		return err
	}
	s.publish(ctx, model.SecurityEvent{
		EventType:  model.EventLogout,
		IdentityID: identityID,
		SessionID:  sessionID,
		EventTime:  s.now().UTC(),
	})
	return nil
}

// LogoutAll revokes every live session belonging to the identity and
// reports how many were revoked.
func (s *AuthService) LogoutAll(ctx context.Context, identityID string) (int, error) {
	revoked, err := s.tokens.RevokeAllForIdentity(ctx, identityID)
	if err != nil {
		return 0, err
	}
	s.publish(ctx, model.SecurityEvent{
		EventType:  model.EventLogout,
		IdentityID: identityID,
		EventTime:  s.now().UTC(),
		Details:    "all sessions",
	})
	return revoked, nil
}

// Identity looks up the identity record for the authenticated caller.
func (s *AuthService) Identity(ctx context.Context, identityID string) (*model.Identity, error) {
	return s.identities.GetByID(ctx, identityID)
}

// publish emits an audit event best-effort. Delivery failures are
// logged and never fail the request.
func (s *AuthService) publish(ctx context.Context, event model.SecurityEvent) {
	if s.events == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("security event marshal failed", util.ErrorField(err))
		return
	}
	key := event.SubjectDigest
	if key == "" {
		key = event.IdentityID
	}
	if err := s.events.Produce(ctx, s.eventTopic, []byte(key), payload); err != nil {
		s.logger.Warn("security event publish failed",
			util.String("event_type", event.EventType),
			util.ErrorField(err))
	}
}
