package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/guard"
	"identity-service/internal/handler"
	"identity-service/internal/hashing"
	"identity-service/internal/kyc"
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

type testServer struct {
	router   http.Handler
	notifier *captureNotifier
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	otpCfg := config.OTPConfig{
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
	provider := kyc.StaticProvider{Value: model.KYCPending}

	authService := service.NewAuthService(
		challenges,
		tokens,
		memory.NewIdentityStore(),
		nil,
		config.KafkaConfig{},
		zap.NewNop(),
	)
	g := guard.New(tokens, provider, zap.NewNop())
	authHandler := handler.NewAuthHandler(authService, provider, nil, zap.NewNop())
	router := handler.NewRouter(authHandler, g, zap.NewNop())

	return &testServer{router: router, notifier: notifier}
}

func (s *testServer) do(t *testing.T, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) login(t *testing.T, contact string) map[string]interface{} {
	t.Helper()

	rec := s.do(t, http.MethodPost, "/api/v1/auth/otp/request", "", map[string]string{"contact": contact})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/v1/auth/otp/verify", "", map[string]string{
		"contact": contact,
		"code":    s.notifier.lastCode(),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Data map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Data
}

func TestLoginFlow(t *testing.T) {
	s := newTestServer(t)

	data := s.login(t, "user@example.com")

	assert.NotEmpty(t, data["access_token"])
	assert.NotEmpty(t, data["refresh_token"])
	assert.Equal(t, true, data["is_new_identity"])
}

func TestRequestOTP_ResponseOmitsCode(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/auth/otp/request", "", map[string]string{"contact": "user@example.com"})
	require.Equal(t, http.StatusOK, rec.Code)

	assert.NotContains(t, rec.Body.String(), s.notifier.lastCode())
}

func TestRequestOTP_Cooldown429(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/auth/otp/request", "", map[string]string{"contact": "user@example.com"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/auth/otp/request", "", map[string]string{"contact": "user@example.com"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRequestOTP_BadContact400(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/auth/otp/request", "", map[string]string{"contact": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerifyOTP_WrongCode401(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/auth/otp/request", "", map[string]string{"contact": "user@example.com"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/auth/otp/verify", "", map[string]string{
		"contact": "user@example.com",
		"code":    "000000",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestVerifyOTP_Lockout423(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/auth/otp/request", "", map[string]string{"contact": "user@example.com"})
	require.Equal(t, http.StatusOK, rec.Code)

	for i := 0; i < 5; i++ {
		rec = s.do(t, http.MethodPost, "/api/v1/auth/otp/verify", "", map[string]string{
			"contact": "user@example.com",
			"code":    "000000",
		})
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec = s.do(t, http.MethodPost, "/api/v1/auth/otp/verify", "", map[string]string{
		"contact": "user@example.com",
		"code":    s.notifier.lastCode(),
	})
	assert.Equal(t, http.StatusLocked, rec.Code)
}

func TestVerifyOTP_NoChallenge401(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/auth/otp/verify", "", map[string]string{
		"contact": "user@example.com",
		"code":    "482913",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRefresh_Rotation(t *testing.T) {
	s := newTestServer(t)

	data := s.login(t, "user@example.com")
	refresh := data["refresh_token"].(string)

	rec := s.do(t, http.MethodPost, "/api/v1/auth/token/refresh", "", map[string]string{"refresh_token": refresh})
	require.Equal(t, http.StatusOK, rec.Code)

	// Reuse of the spent token is rejected.
	rec = s.do(t, http.MethodPost, "/api/v1/auth/token/refresh", "", map[string]string{"refresh_token": refresh})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRefresh_UnknownToken401(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/auth/token/refresh", "", map[string]string{"refresh_token": "bogus"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMe_RequiresAuth(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/v1/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMe_ReturnsIdentity(t *testing.T) {
	s := newTestServer(t)

	data := s.login(t, "user@example.com")
	access := data["access_token"].(string)

	rec := s.do(t, http.MethodGet, "/api/v1/me", access, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Data struct {
			Contact string `json:"contact"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "user@example.com", resp.Data.Contact)
}

func TestMeVerification_ReturnsStatus(t *testing.T) {
	s := newTestServer(t)

	data := s.login(t, "user@example.com")
	access := data["access_token"].(string)

	rec := s.do(t, http.MethodGet, "/api/v1/me/verification", access, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "pending", resp.Data["kyc_status"])
}

func TestLogout_InvalidatesAccessToken(t *testing.T) {
	s := newTestServer(t)

	data := s.login(t, "user@example.com")
	access := data["access_token"].(string)

	rec := s.do(t, http.MethodPost, "/api/v1/auth/logout", access, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/me", access, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
