package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"identity-service/internal/config"
	"identity-service/internal/hashing"
	"identity-service/internal/model"
	"identity-service/internal/notify"
	"identity-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Domain errors. All are recoverable by the caller; none carries the
// raw code.
var (
	ErrCooldown          = errors.New("resend cooldown in effect")
	ErrTooManyResends    = errors.New("daily resend limit reached")
	ErrNoActiveChallenge = errors.New("no active challenge")
	ErrTooManyAttempts   = errors.New("too many verification attempts")
	ErrInvalidCode       = errors.New("invalid code")
)

// ChallengeStore is the persistence contract for outstanding
// challenges. Put supersedes any prior challenge for the subject.
// ReserveAttempt must be atomic with respect to concurrent calls for
// the same subject and returns the attempt number just taken, or
// ErrNoActiveChallenge when no challenge record exists. Consume
// removes the challenge and reports whether it still existed.
type ChallengeStore interface {
	Put(ctx context.Context, ch *model.OTPChallenge, ttl time.Duration) error
	Get(ctx context.Context, subjectDigest string) (*model.OTPChallenge, error)
	ReserveAttempt(ctx context.Context, subjectDigest string) (int, error)
	Consume(ctx context.Context, subjectDigest string) (bool, error)
	BeginCooldown(ctx context.Context, subjectDigest string, window time.Duration) (bool, error)
	IncrResends(ctx context.Context, subjectDigest string, window time.Duration) (int, error)
}

// Dispatch is the opaque receipt returned to the caller after a
// challenge is created. The raw code goes only to the notification
// collaborator.
type Dispatch struct {
	DispatchID string
	ExpiresAt  time.Time
}

// Manager owns the one-time-code lifecycle: generation, rate limiting,
// verification, and expiry.
type Manager struct {
	store    ChallengeStore
	hasher   *hashing.Hasher
	notifier notify.Notifier
	cfg      config.OTPConfig
	logger   *zap.Logger
	now      func() time.Time
}

func NewManager(store ChallengeStore, hasher *hashing.Hasher, notifier notify.Notifier, cfg config.OTPConfig, logger *zap.Logger) *Manager {
	return &Manager{
		store:    store,
		hasher:   hasher,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the manager's time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// RequestChallenge creates a fresh challenge for the contact,
// superseding any prior one, and hands the raw code to the
// notification collaborator. Fails with ErrCooldown while a previous
// send is still inside the cooldown window. A notification failure
// does not invalidate the stored challenge; the client can retry via
// Resend once delivery recovers.
func (m *Manager) RequestChallenge(ctx context.Context, contact string) (*Dispatch, error) {
	return m.issue(ctx, contact, false)
}

// Resend re-issues a challenge, additionally enforcing the daily
// resend cap.
func (m *Manager) Resend(ctx context.Context, contact string) (*Dispatch, error) {
	return m.issue(ctx, contact, true)
}

func (m *Manager) issue(ctx context.Context, contact string, isResend bool) (*Dispatch, error) {
	subject := util.ContactDigest(contact)
	cooldown := time.Duration(m.cfg.CooldownSeconds) * time.Second

	if cooldown > 0 {
		ok, err := m.store.BeginCooldown(ctx, subject, cooldown)
		if err != nil {
			return nil, fmt.Errorf("challenge store: %w", err)
		}
		if !ok {
			return nil, ErrCooldown
		}
	}

	if isResend {
		resends, err := m.store.IncrResends(ctx, subject, 24*time.Hour)
		if err != nil {
			return nil, fmt.Errorf("challenge store: %w", err)
		}
		if resends > m.cfg.MaxResendsPerDay {
			return nil, ErrTooManyResends
		}
	}

	code, err := m.generateCode()
	if err != nil {
		return nil, fmt.Errorf("failed to generate code: %w", err)
	}

	digest, err := m.hasher.HashCode(code)
	if err != nil {
		return nil, fmt.Errorf("failed to hash code: %w", err)
	}

	now := m.now().UTC()
	ch := &model.OTPChallenge{
		SubjectDigest: subject,
		Contact:       util.NormalizeContact(contact),
		CodeHash:      digest.Hash,
		CodeSalt:      digest.Salt,
		PepperVersion: digest.PepperVersion,
		Algorithm:     digest.Algorithm,
		IssuedAt:      now,
		ExpiresAt:     now.Add(m.cfg.TTL),
		Attempts:      0,
		MaxAttempts:   m.cfg.MaxAttempts,
	}

	// Put overwrites: exactly one live challenge per subject afterward.
	if err := m.store.Put(ctx, ch, m.cfg.TTL); err != nil {
		return nil, fmt.Errorf("challenge store: %w", err)
	}

	dispatchID := uuid.New().String()
	if err := m.notifier.Send(ctx, ch.Contact, code); err != nil {
		// Challenge stays live; the client retries via resend.
		m.logger.Warn("OTP delivery failed",
			util.String("subject", subject),
			util.String("dispatch_id", dispatchID),
			util.ErrorField(err),
		)
	}

	m.logger.Info("OTP challenge issued",
		util.String("subject", subject),
		util.String("dispatch_id", dispatchID),
		util.Bool("resend", isResend),
		util.Duration("ttl", m.cfg.TTL),
	)

	return &Dispatch{DispatchID: dispatchID, ExpiresAt: ch.ExpiresAt}, nil
}

// Verify checks a submitted code against the active challenge. The
// attempt is reserved atomically before the digest comparison so
// parallel calls can never exceed the attempt cap. On match the
// challenge is consumed; success is the only path to token issuance.
func (m *Manager) Verify(ctx context.Context, contact, submittedCode string) error {
	subject := util.ContactDigest(contact)

	ch, err := m.store.Get(ctx, subject)
	if err != nil {
		if errors.Is(err, ErrNoActiveChallenge) {
			return ErrNoActiveChallenge
		}
		return fmt.Errorf("challenge store: %w", err)
	}

	// Lazy expiry: no background sweep is needed for correctness.
	if ch.Expired(m.now()) {
		_, _ = m.store.Consume(ctx, subject)
		return ErrNoActiveChallenge
	}

	if ch.Attempts >= ch.MaxAttempts {
		return ErrTooManyAttempts
	}

	attempt, err := m.store.ReserveAttempt(ctx, subject)
	if err != nil {
		if errors.Is(err, ErrNoActiveChallenge) {
			return ErrNoActiveChallenge
		}
		return fmt.Errorf("challenge store: %w", err)
	}
	if attempt > ch.MaxAttempts {
		m.logger.Warn("OTP challenge locked",
			util.String("subject", subject),
			util.Int("attempts", attempt),
		)
		return ErrTooManyAttempts
	}

	match, err := m.hasher.VerifyCode(submittedCode, &hashing.Digest{
		Hash:          ch.CodeHash,
		Salt:          ch.CodeSalt,
		PepperVersion: ch.PepperVersion,
		Algorithm:     ch.Algorithm,
	})
	if err != nil {
		return fmt.Errorf("digest verification: %w", err)
	}
	if !match {
		m.logger.Info("OTP verification failed",
			util.String("subject", subject),
			util.Int("attempt", attempt),
		)
		return ErrInvalidCode
	}

	consumed, err := m.store.Consume(ctx, subject)
	if err != nil {
		return fmt.Errorf("challenge store: %w", err)
	}
	if !consumed {
		// A concurrent verify already consumed it.
		return ErrNoActiveChallenge
	}

	m.logger.Info("OTP verified", util.String("subject", subject))
	return nil
}

// generateCode returns a fixed-length numeric code drawn from
// crypto/rand, left-padded with zeros.
func (m *Manager) generateCode() (string, error) {
	bound := big.NewInt(1)
	for i := 0; i < m.cfg.CodeLength; i++ {
		bound.Mul(bound, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", m.cfg.CodeLength, n), nil
}
