package service_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/hashing"
	"identity-service/internal/model"
	"identity-service/internal/otp"
	"identity-service/internal/repository/memory"
	"identity-service/internal/service"
	"identity-service/internal/token"
)

type captureNotifier struct {
	mu    sync.Mutex
	codes []string
}

func (n *captureNotifier) Send(ctx context.Context, destination, code string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.codes = append(n.codes, code)
	return nil
}

func (n *captureNotifier) lastCode() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.codes) == 0 {
		return ""
	}
	return n.codes[len(n.codes)-1]
}

type capturePublisher struct {
	mu       sync.Mutex
	payloads []string
}

func (p *capturePublisher) Produce(ctx context.Context, topic string, key, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, string(value))
	return nil
}

func (p *capturePublisher) all() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.payloads...)
}

type fixture struct {
	svc      *service.AuthService
	tokens   *token.Service
	notifier *captureNotifier
	events   *capturePublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	otpCfg := config.OTPConfig{
		CodeLength:       6,
		TTL:              5 * time.Minute,
		CooldownSeconds:  0,
		MaxAttempts:      5,
		MaxResendsPerDay: 3,
		Pepper:           "test-pepper",
		Argon2MemoryCost: 8192,
		Argon2TimeCost:   1,
		Argon2Parallel:   1,
	}
	jwtCfg := config.JWTConfig{
		Secret:     "test-secret-0123456789abcdef",
		Issuer:     "identity-service",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 30 * 24 * time.Hour,
	}

	hasher, err := hashing.NewHasher(&config.Config{OTP: otpCfg})
	require.NoError(t, err)

	notifier := &captureNotifier{}
	challenges := otp.NewManager(memory.NewChallengeStore(), hasher, notifier, otpCfg, zap.NewNop())
	tokens := token.NewService(memory.NewSessionStore(), memory.NewRevocationList(), jwtCfg, zap.NewNop())
	events := &capturePublisher{}

	svc := service.NewAuthService(
		challenges,
		tokens,
		memory.NewIdentityStore(),
		events,
		config.KafkaConfig{SecurityTopic: "identity.security"},
		zap.NewNop(),
	)
	return &fixture{svc: svc, tokens: tokens, notifier: notifier, events: events}
}

func (f *fixture) login(t *testing.T, contact string) *service.LoginResult {
	t.Helper()
	ctx := context.Background()

	_, err := f.svc.RequestOTP(ctx, contact)
	require.NoError(t, err)

	result, err := f.svc.VerifyOTP(ctx, contact, f.notifier.lastCode(), "test-agent")
	require.NoError(t, err)
	return result
}

func TestVerifyOTP_FirstLoginCreatesIdentity(t *testing.T) {
	f := newFixture(t)

	result := f.login(t, "user@example.com")

	assert.True(t, result.IsNewIdentity)
	assert.NotEmpty(t, result.Identity.IdentityID)
	assert.Equal(t, "user@example.com", result.Identity.Contact)
	assert.NotEmpty(t, result.Tokens.AccessToken)
	assert.NotEmpty(t, result.Tokens.RefreshToken)
}

func TestVerifyOTP_ReturningContactKeepsIdentity(t *testing.T) {
	f := newFixture(t)

	first := f.login(t, "user@example.com")
	second := f.login(t, "User@Example.COM")

	assert.False(t, second.IsNewIdentity)
	assert.Equal(t, first.Identity.IdentityID, second.Identity.IdentityID)
	assert.NotNil(t, second.Identity.LastLoginAt)
}

func TestVerifyOTP_WrongCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.RequestOTP(ctx, "user@example.com")
	require.NoError(t, err)

	_, err = f.svc.VerifyOTP(ctx, "user@example.com", "000000", "")
	assert.ErrorIs(t, err, otp.ErrInvalidCode)
}

func TestVerifyOTP_InvalidContact(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.RequestOTP(context.Background(), "")
	assert.ErrorIs(t, err, service.ErrInvalidInput)

	_, err = f.svc.VerifyOTP(context.Background(), "@nope", "123456", "")
	assert.ErrorIs(t, err, service.ErrInvalidInput)
}

func TestRefresh_RotatesPair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result := f.login(t, "user@example.com")

	next, err := f.svc.Refresh(ctx, result.Tokens.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, result.Tokens.RefreshToken, next.RefreshToken)

	// The spent token is now poison.
	_, err = f.svc.Refresh(ctx, result.Tokens.RefreshToken)
	assert.ErrorIs(t, err, token.ErrReuseDetected)
}

func TestLogout_RevokesCurrentSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result := f.login(t, "user@example.com")

	claims, err := f.tokens.Authenticate(ctx, result.Tokens.AccessToken)
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(ctx, claims.Subject, claims.SessionID))

	_, err = f.tokens.Authenticate(ctx, result.Tokens.AccessToken)
	assert.ErrorIs(t, err, token.ErrRevoked)
}

func TestLogoutAll_RevokesEverySession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.login(t, "user@example.com")
	second := f.login(t, "user@example.com")

	count, err := f.svc.LogoutAll(ctx, first.Identity.IdentityID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	_, err = f.tokens.Authenticate(ctx, first.Tokens.AccessToken)
	assert.ErrorIs(t, err, token.ErrRevoked)
	_, err = f.tokens.Authenticate(ctx, second.Tokens.AccessToken)
	assert.ErrorIs(t, err, token.ErrRevoked)
}

func TestIdentity_Lookup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result := f.login(t, "user@example.com")

	identity, err := f.svc.Identity(ctx, result.Identity.IdentityID)
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", identity.Contact)

	_, err = f.svc.Identity(ctx, "no-such-identity")
	assert.ErrorIs(t, err, service.ErrIdentityNotFound)
}

func TestSecurityEvents_NeverCarrySecrets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result := f.login(t, "user@example.com")
	code := f.notifier.lastCode()

	_, err := f.svc.Refresh(ctx, result.Tokens.RefreshToken)
	require.NoError(t, err)

	payloads := f.events.all()
	require.NotEmpty(t, payloads)
	for _, payload := range payloads {
		assert.NotContains(t, payload, code)
		assert.NotContains(t, payload, result.Tokens.RefreshToken)
		assert.NotContains(t, payload, result.Tokens.AccessToken)
		assert.NotContains(t, payload, "user@example.com")
	}
}

func TestSecurityEvents_LoginPublished(t *testing.T) {
	f := newFixture(t)

	result := f.login(t, "user@example.com")

	found := false
	for _, payload := range f.events.all() {
		if strings.Contains(payload, model.EventLogin) && strings.Contains(payload, result.Identity.IdentityID) {
			found = true
		}
	}
	assert.True(t, found, "login event should be published")
}
