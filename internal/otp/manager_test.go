package otp_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/hashing"
	"identity-service/internal/otp"
	"identity-service/internal/repository/memory"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// captureNotifier records dispatched codes so tests can submit them.
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

type failingNotifier struct{}

func (failingNotifier) Send(ctx context.Context, destination, code string) error {
	return errors.New("delivery down")
}

func testOTPConfig() config.OTPConfig {
	return config.OTPConfig{
		CodeLength:       6,
		TTL:              5 * time.Minute,
		CooldownSeconds:  30,
		MaxAttempts:      5,
		MaxResendsPerDay: 3,
		Pepper:           "test-pepper",
		Argon2MemoryCost: 8192,
		Argon2TimeCost:   1,
		Argon2Parallel:   1,
	}
}

func newTestManager(t *testing.T, clock *fakeClock, cfg config.OTPConfig) (*otp.Manager, *captureNotifier) {
	t.Helper()
	hasher, err := hashing.NewHasher(&config.Config{OTP: cfg})
	require.NoError(t, err)

	store := memory.NewChallengeStore().WithClock(clock.Now)
	notifier := &captureNotifier{}
	mgr := otp.NewManager(store, hasher, notifier, cfg, zap.NewNop()).WithClock(clock.Now)
	return mgr, notifier
}

func TestRequestChallenge_ReturnsDispatchNotCode(t *testing.T) {
	clock := newFakeClock()
	mgr, notifier := newTestManager(t, clock, testOTPConfig())

	dispatch, err := mgr.RequestChallenge(context.Background(), "user@example.com")
	require.NoError(t, err)

	assert.NotEmpty(t, dispatch.DispatchID)
	assert.Equal(t, clock.Now().Add(5*time.Minute), dispatch.ExpiresAt)
	assert.Len(t, notifier.lastCode(), 6)
	assert.NotContains(t, dispatch.DispatchID, notifier.lastCode())
}

func TestVerify_CorrectCode(t *testing.T) {
	clock := newFakeClock()
	mgr, notifier := newTestManager(t, clock, testOTPConfig())
	ctx := context.Background()

	_, err := mgr.RequestChallenge(ctx, "user@example.com")
	require.NoError(t, err)

	require.NoError(t, mgr.Verify(ctx, "user@example.com", notifier.lastCode()))
}

func TestVerify_ConsumesChallenge(t *testing.T) {
	clock := newFakeClock()
	mgr, notifier := newTestManager(t, clock, testOTPConfig())
	ctx := context.Background()

	_, err := mgr.RequestChallenge(ctx, "user@example.com")
	require.NoError(t, err)
	code := notifier.lastCode()

	require.NoError(t, mgr.Verify(ctx, "user@example.com", code))

	// Same code again: the challenge is gone.
	err = mgr.Verify(ctx, "user@example.com", code)
	assert.ErrorIs(t, err, otp.ErrNoActiveChallenge)
}

func TestVerify_WrongCodeThenCorrect(t *testing.T) {
	clock := newFakeClock()
	mgr, notifier := newTestManager(t, clock, testOTPConfig())
	ctx := context.Background()

	_, err := mgr.RequestChallenge(ctx, "user@example.com")
	require.NoError(t, err)

	err = mgr.Verify(ctx, "user@example.com", "000000")
	assert.ErrorIs(t, err, otp.ErrInvalidCode)

	require.NoError(t, mgr.Verify(ctx, "user@example.com", notifier.lastCode()))
}

func TestVerify_NoChallenge(t *testing.T) {
	clock := newFakeClock()
	mgr, _ := newTestManager(t, clock, testOTPConfig())

	err := mgr.Verify(context.Background(), "user@example.com", "482913")
	assert.ErrorIs(t, err, otp.ErrNoActiveChallenge)
}

func TestVerify_AttemptCapLocksChallenge(t *testing.T) {
	clock := newFakeClock()
	mgr, notifier := newTestManager(t, clock, testOTPConfig())
	ctx := context.Background()

	_, err := mgr.RequestChallenge(ctx, "user@example.com")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		err := mgr.Verify(ctx, "user@example.com", "000000")
		assert.ErrorIs(t, err, otp.ErrInvalidCode)
	}

	// Even the correct code is rejected once the cap is hit.
	err = mgr.Verify(ctx, "user@example.com", notifier.lastCode())
	assert.ErrorIs(t, err, otp.ErrTooManyAttempts)
}

func TestVerify_ConcurrentAttemptsNeverExceedCap(t *testing.T) {
	clock := newFakeClock()
	cfg := testOTPConfig()
	mgr, _ := newTestManager(t, clock, cfg)
	ctx := context.Background()

	_, err := mgr.RequestChallenge(ctx, "user@example.com")
	require.NoError(t, err)

	const callers = 20
	results := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- mgr.Verify(ctx, "user@example.com", "000000")
		}()
	}
	wg.Wait()
	close(results)

	invalid, locked := 0, 0
	for err := range results {
		switch {
		case errors.Is(err, otp.ErrInvalidCode):
			invalid++
		case errors.Is(err, otp.ErrTooManyAttempts):
			locked++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.LessOrEqual(t, invalid, cfg.MaxAttempts)
	assert.Equal(t, callers, invalid+locked)
}

func TestVerify_ExpiredChallenge(t *testing.T) {
	clock := newFakeClock()
	mgr, notifier := newTestManager(t, clock, testOTPConfig())
	ctx := context.Background()

	_, err := mgr.RequestChallenge(ctx, "user@example.com")
	require.NoError(t, err)

	clock.Advance(6 * time.Minute)

	err = mgr.Verify(ctx, "user@example.com", notifier.lastCode())
	assert.ErrorIs(t, err, otp.ErrNoActiveChallenge)
}

func TestRequestChallenge_Cooldown(t *testing.T) {
	clock := newFakeClock()
	mgr, _ := newTestManager(t, clock, testOTPConfig())
	ctx := context.Background()

	_, err := mgr.RequestChallenge(ctx, "user@example.com")
	require.NoError(t, err)

	_, err = mgr.RequestChallenge(ctx, "user@example.com")
	assert.ErrorIs(t, err, otp.ErrCooldown)

	clock.Advance(31 * time.Second)
	_, err = mgr.RequestChallenge(ctx, "user@example.com")
	assert.NoError(t, err)
}

func TestRequestChallenge_CooldownIsPerContact(t *testing.T) {
	clock := newFakeClock()
	mgr, _ := newTestManager(t, clock, testOTPConfig())
	ctx := context.Background()

	_, err := mgr.RequestChallenge(ctx, "first@example.com")
	require.NoError(t, err)

	_, err = mgr.RequestChallenge(ctx, "second@example.com")
	assert.NoError(t, err)
}

func TestResend_SupersedesPriorChallenge(t *testing.T) {
	clock := newFakeClock()
	mgr, notifier := newTestManager(t, clock, testOTPConfig())
	ctx := context.Background()

	_, err := mgr.RequestChallenge(ctx, "user@example.com")
	require.NoError(t, err)
	oldCode := notifier.lastCode()

	clock.Advance(31 * time.Second)
	_, err = mgr.Resend(ctx, "user@example.com")
	require.NoError(t, err)
	newCode := notifier.lastCode()

	// The superseded code counts as a plain miss.
	if oldCode != newCode {
		err = mgr.Verify(ctx, "user@example.com", oldCode)
		assert.ErrorIs(t, err, otp.ErrInvalidCode)
	}
	require.NoError(t, mgr.Verify(ctx, "user@example.com", newCode))
}

func TestResend_DailyCap(t *testing.T) {
	clock := newFakeClock()
	mgr, _ := newTestManager(t, clock, testOTPConfig())
	ctx := context.Background()

	_, err := mgr.RequestChallenge(ctx, "user@example.com")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		clock.Advance(31 * time.Second)
		_, err = mgr.Resend(ctx, "user@example.com")
		require.NoError(t, err)
	}

	clock.Advance(31 * time.Second)
	_, err = mgr.Resend(ctx, "user@example.com")
	assert.ErrorIs(t, err, otp.ErrTooManyResends)

	// The window rolls over after a day.
	clock.Advance(24 * time.Hour)
	_, err = mgr.Resend(ctx, "user@example.com")
	assert.NoError(t, err)
}

func TestRequestChallenge_DeliveryFailureKeepsChallenge(t *testing.T) {
	clock := newFakeClock()
	cfg := testOTPConfig()
	hasher, err := hashing.NewHasher(&config.Config{OTP: cfg})
	require.NoError(t, err)
	store := memory.NewChallengeStore().WithClock(clock.Now)
	mgr := otp.NewManager(store, hasher, failingNotifier{}, cfg, zap.NewNop()).WithClock(clock.Now)

	dispatch, err := mgr.RequestChallenge(context.Background(), "user@example.com")
	require.NoError(t, err)
	assert.NotEmpty(t, dispatch.DispatchID)

	// The challenge is live even though delivery failed; a wrong guess
	// proves it exists.
	verr := mgr.Verify(context.Background(), "user@example.com", "000000")
	assert.ErrorIs(t, verr, otp.ErrInvalidCode)
}
