package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"identity-service/internal/config"
	"identity-service/internal/hashing"
	"identity-service/internal/model"
	"identity-service/internal/util"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Domain errors for the token lifecycle.
var (
	ErrMalformed      = errors.New("malformed token")
	ErrBadSignature   = errors.New("bad token signature")
	ErrExpired        = errors.New("token expired")
	ErrUnknownSession = errors.New("unknown session")
	ErrReuseDetected  = errors.New("refresh token reuse detected")
	ErrRevoked        = errors.New("session revoked")
)

const tokenTypeAccess = "access"

// SessionStore persists TokenSession records. MarkRotated is a
// compare-and-set: it marks the session revoked and superseded only if
// it is not already revoked, reporting whether this call won. Sessions
// are retained after revocation until expiry for replay detection.
type SessionStore interface {
	Create(ctx context.Context, s *model.TokenSession) error
	GetByDigest(ctx context.Context, refreshDigest string) (*model.TokenSession, error)
	GetByID(ctx context.Context, sessionID string) (*model.TokenSession, error)
	MarkRotated(ctx context.Context, sessionID, supersededBy string, at time.Time) (bool, error)
	Revoke(ctx context.Context, sessionID string, at time.Time) error
	ListByIdentity(ctx context.Context, identityID string) ([]*model.TokenSession, error)
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// RevocationList is the fast denylist consulted on the hot
// authentication path. Entries live as long as an access token could.
type RevocationList interface {
	Add(ctx context.Context, sessionID string, ttl time.Duration) error
	Contains(ctx context.Context, sessionID string) (bool, error)
}

// AccessClaims are the signed, stateless claims carried by an access
// token.
type AccessClaims struct {
	TokenType string `json:"typ"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Service issues, verifies, rotates, and revokes token pairs.
type Service struct {
	sessions SessionStore
	revoked  RevocationList
	cfg      config.JWTConfig
	secret   []byte
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(sessions SessionStore, revoked RevocationList, cfg config.JWTConfig, logger *zap.Logger) *Service {
	return &Service{
		sessions: sessions,
		revoked:  revoked,
		cfg:      cfg,
		secret:   []byte(cfg.Secret),
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the service's time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Issue mints a fresh access/refresh pair for the identity. The raw
// refresh token is returned exactly once; only its digest is stored.
func (s *Service) Issue(ctx context.Context, identityID, fingerprint string) (*model.TokenPair, error) {
	return s.mint(ctx, identityID, fingerprint, "")
}

func (s *Service) mint(ctx context.Context, identityID, fingerprint, predecessorID string) (*model.TokenPair, error) {
	now := s.now().UTC()
	sessionID := uuid.New().String()

	refreshToken, err := generateOpaqueToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}

	accessToken, accessExp, err := s.signAccessToken(identityID, sessionID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	session := &model.TokenSession{
		SessionID:     sessionID,
		IdentityID:    identityID,
		RefreshDigest: hashing.TokenDigest(refreshToken),
		IssuedAt:      now,
		ExpiresAt:     now.Add(s.cfg.RefreshTTL),
		PredecessorID: predecessorID,
		Fingerprint:   fingerprint,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}

	s.logger.Info("token pair issued",
		util.String("identity_id", identityID),
		util.String("session_id", sessionID),
		util.Bool("rotation", predecessorID != ""),
	)

	return &model.TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		SessionID:        sessionID,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: session.ExpiresAt,
	}, nil
}

// VerifyAccess validates an access token by signature and expiry
// alone. Pure function over the token; no store access.
func (s *Service) VerifyAccess(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithIssuer(s.cfg.Issuer),
	)

	_, err := parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrBadSignature
		default:
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	if claims.TokenType != tokenTypeAccess {
		return nil, ErrMalformed
	}
	return claims, nil
}

// Authenticate is the guard-facing check: stateless verification plus
// one O(1) revocation-list lookup, so a revoked lineage invalidates
// outstanding access tokens before they expire.
func (s *Service) Authenticate(ctx context.Context, tokenString string) (*AccessClaims, error) {
	claims, err := s.VerifyAccess(tokenString)
	if err != nil {
		return nil, err
	}

	revoked, err := s.revoked.Contains(ctx, claims.SessionID)
	if err != nil {
		return nil, fmt.Errorf("revocation list: %w", err)
	}
	if revoked {
		return nil, ErrRevoked
	}
	return claims, nil
}

// Rotate exchanges a refresh token for a new pair. Refresh tokens are
// single-use: presenting an already-rotated or revoked token is
// treated as theft (or a client race) and revokes the entire rotation
// lineage, forcing re-authentication.
func (s *Service) Rotate(ctx context.Context, refreshToken string) (*model.TokenPair, error) {
	digest := hashing.TokenDigest(refreshToken)

	session, err := s.sessions.GetByDigest(ctx, digest)
	if err != nil {
		if errors.Is(err, ErrUnknownSession) {
			return nil, ErrUnknownSession
		}
		return nil, fmt.Errorf("session store: %w", err)
	}

	if session.Expired(s.now()) {
		return nil, ErrExpired
	}

	if session.Revoked {
		if err := s.revokeLineage(ctx, session); err != nil {
			s.logger.Error("lineage revocation failed",
				util.String("session_id", session.SessionID),
				util.ErrorField(err),
			)
		}
		return nil, ErrReuseDetected
	}

	newSessionID := uuid.New().String()
	won, err := s.sessions.MarkRotated(ctx, session.SessionID, newSessionID, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	if !won {
		// A concurrent rotation beat us; this presentation is a reuse.
		if err := s.revokeLineage(ctx, session); err != nil {
			s.logger.Error("lineage revocation failed",
				util.String("session_id", session.SessionID),
				util.ErrorField(err),
			)
		}
		return nil, ErrReuseDetected
	}

	pair, err := s.mintWithSessionID(ctx, session, newSessionID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("refresh token rotated",
		util.String("identity_id", session.IdentityID),
		util.String("session_id", session.SessionID),
		util.String("new_session_id", newSessionID),
	)
	return pair, nil
}

// mintWithSessionID creates the successor session under the id already
// linked by MarkRotated.
func (s *Service) mintWithSessionID(ctx context.Context, predecessor *model.TokenSession, sessionID string) (*model.TokenPair, error) {
	now := s.now().UTC()

	refreshToken, err := generateOpaqueToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}

	accessToken, accessExp, err := s.signAccessToken(predecessor.IdentityID, sessionID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	session := &model.TokenSession{
		SessionID:     sessionID,
		IdentityID:    predecessor.IdentityID,
		RefreshDigest: hashing.TokenDigest(refreshToken),
		IssuedAt:      now,
		ExpiresAt:     now.Add(s.cfg.RefreshTTL),
		PredecessorID: predecessor.SessionID,
		Fingerprint:   predecessor.Fingerprint,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}

	return &model.TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		SessionID:        sessionID,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: session.ExpiresAt,
	}, nil
}

// Revoke marks one session revoked (explicit logout). No lineage
// cascade.
func (s *Service) Revoke(ctx context.Context, sessionID string) error {
	if err := s.sessions.Revoke(ctx, sessionID, s.now().UTC()); err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	if err := s.revoked.Add(ctx, sessionID, s.cfg.AccessTTL); err != nil {
		return fmt.Errorf("revocation list: %w", err)
	}

	s.logger.Info("session revoked", util.String("session_id", sessionID))
	return nil
}

// RevokeAllForIdentity revokes every live session for an identity
// (logout everywhere).
func (s *Service) RevokeAllForIdentity(ctx context.Context, identityID string) (int, error) {
	sessions, err := s.sessions.ListByIdentity(ctx, identityID)
	if err != nil {
		return 0, fmt.Errorf("session store: %w", err)
	}

	count := 0
	for _, sess := range sessions {
		if sess.Revoked || sess.Expired(s.now()) {
			continue
		}
		if err := s.Revoke(ctx, sess.SessionID); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// revokeLineage walks predecessor and successor pointers from the
// given session and revokes every member, denylisting each for the
// access TTL.
func (s *Service) revokeLineage(ctx context.Context, from *model.TokenSession) error {
	seen := map[string]bool{}
	queue := []string{from.SessionID}
	revoked := 0

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true

		// Re-read so concurrent rotations' lineage pointers are seen.
		sess, err := s.sessions.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, ErrUnknownSession) {
				continue
			}
			return err
		}

		if err := s.sessions.Revoke(ctx, id, s.now().UTC()); err != nil {
			return err
		}
		if err := s.revoked.Add(ctx, id, s.cfg.AccessTTL); err != nil {
			return err
		}
		revoked++

		for _, next := range []string{sess.PredecessorID, sess.SupersededBy} {
			if next != "" && !seen[next] {
				queue = append(queue, next)
			}
		}
	}

	s.logger.Warn("rotation lineage revoked",
		util.String("identity_id", from.IdentityID),
		util.String("origin_session_id", from.SessionID),
		util.Int("sessions_revoked", revoked),
	)
	return nil
}

// SweepExpired deletes sessions past their refresh TTL. Best-effort
// hygiene; lazy expiry checks carry correctness.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	return s.sessions.DeleteExpiredBefore(ctx, s.now().UTC())
}

func (s *Service) signAccessToken(identityID, sessionID string, now time.Time) (string, time.Time, error) {
	exp := now.Add(s.cfg.AccessTTL)
	claims := &AccessClaims{
		TokenType: tokenTypeAccess,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identityID,
			Issuer:    s.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// generateOpaqueToken returns a 256-bit random URL-safe token.
func generateOpaqueToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
