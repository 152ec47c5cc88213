package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"identity-service/internal/guard"
	"identity-service/internal/kyc"
	"identity-service/internal/otp"
	"identity-service/internal/service"
	"identity-service/internal/token"
	"identity-service/internal/util"
)

// HealthChecker reports whether the service's backing stores are
// reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// AuthHandler handles HTTP requests for the login and session flows
type AuthHandler struct {
	authService *service.AuthService
	kycProvider kyc.Provider
	health      HealthChecker
	logger      *zap.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(authService *service.AuthService, kycProvider kyc.Provider, health HealthChecker, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		kycProvider: kycProvider,
		health:      health,
		logger:      logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// successResponse creates a successful response
func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

// errorResponse creates an error response
func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// RegisterRoutes registers all auth routes. The identity guard is
// composed per group: the login flow is public, the session surface is
// not.
func (h *AuthHandler) RegisterRoutes(router chi.Router, g *guard.Guard) {
	router.Route("/auth", func(r chi.Router) {
		r.Post("/otp/request", h.RequestOTP)
		r.Post("/otp/resend", h.ResendOTP)
		r.Post("/otp/verify", h.VerifyOTP)
		r.Post("/token/refresh", h.RefreshToken)

		r.Group(func(r chi.Router) {
			r.Use(g.RequireAuth)
			r.Post("/logout", h.Logout)
			r.Post("/logout-all", h.LogoutAll)
		})
	})

	router.Route("/me", func(r chi.Router) {
		r.Use(g.RequireAuth)
		r.Get("/", h.Me)
		r.Get("/verification", h.VerificationStatus)
	})
}

type contactRequest struct {
	Contact string `json:"contact"`
}

type dispatchResponse struct {
	DispatchID string    `json:"dispatch_id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// RequestOTP handles challenge issuance for a contact
func (h *AuthHandler) RequestOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req contactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	dispatch, err := h.authService.RequestOTP(ctx, req.Contact)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to issue code")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(dispatchResponse{
		DispatchID: dispatch.DispatchID,
		ExpiresAt:  dispatch.ExpiresAt,
	}, "Code sent"))
	h.logger.Info("OTP requested via HTTP",
		util.String("subject", util.ContactDigest(req.Contact)),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "RequestOTP"),
	)
}

// ResendOTP handles challenge replacement under the cooldown and the
// daily cap
func (h *AuthHandler) ResendOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req contactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	dispatch, err := h.authService.ResendOTP(ctx, req.Contact)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to resend code")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(dispatchResponse{
		DispatchID: dispatch.DispatchID,
		ExpiresAt:  dispatch.ExpiresAt,
	}, "Code resent"))
	h.logger.Info("OTP resent via HTTP",
		util.String("subject", util.ContactDigest(req.Contact)),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "ResendOTP"),
	)
}

type verifyRequest struct {
	Contact string `json:"contact"`
	Code    string `json:"code"`
}

type loginResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	IdentityID       string    `json:"identity_id"`
	IsNewIdentity    bool      `json:"is_new_identity"`
}

// VerifyOTP handles code verification and completes the login
func (h *AuthHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	result, err := h.authService.VerifyOTP(ctx, req.Contact, req.Code, r.UserAgent())
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Verification failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(loginResponse{
		AccessToken:      result.Tokens.AccessToken,
		RefreshToken:     result.Tokens.RefreshToken,
		AccessExpiresAt:  result.Tokens.AccessExpiresAt,
		RefreshExpiresAt: result.Tokens.RefreshExpiresAt,
		IdentityID:       result.Identity.IdentityID,
		IsNewIdentity:    result.IsNewIdentity,
	}, "Login successful"))
	h.logger.Info("Login via HTTP",
		util.String("identity_id", result.Identity.IdentityID),
		util.Bool("new_identity", result.IsNewIdentity),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "VerifyOTP"),
	)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// RefreshToken handles single-use refresh rotation
func (h *AuthHandler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.RefreshToken == "" {
		h.respondWithError(w, http.StatusBadRequest, errors.New("refresh_token is required"), "Refresh token is required")
		return
	}

	pair, err := h.authService.Refresh(ctx, req.RefreshToken)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Refresh failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(refreshResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
	}, "Token refreshed"))
	h.logger.Debug("Token refreshed via HTTP",
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "RefreshToken"),
	)
}

// Logout revokes the caller's current session
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ic, ok := guard.FromContext(ctx)
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, guard.ErrUnauthenticated, "Authentication required")
		return
	}

	if err := h.authService.Logout(ctx, ic.IdentityID, ic.SessionID); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Logout failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Logged out"))
	h.logger.Info("Logout via HTTP",
		util.String("identity_id", ic.IdentityID),
		util.String("method", "Logout"),
	)
}

// LogoutAll revokes every live session for the caller's identity
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ic, ok := guard.FromContext(ctx)
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, guard.ErrUnauthenticated, "Authentication required")
		return
	}

	revoked, err := h.authService.LogoutAll(ctx, ic.IdentityID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Logout failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]int{
		"sessions_revoked": revoked,
	}, "All sessions revoked"))
	h.logger.Info("Logout-all via HTTP",
		util.String("identity_id", ic.IdentityID),
		util.Int("sessions_revoked", revoked),
		util.String("method", "LogoutAll"),
	)
}

type meResponse struct {
	IdentityID  string     `json:"identity_id"`
	Contact     string     `json:"contact"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// Me returns the authenticated caller's identity record
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ic, ok := guard.FromContext(ctx)
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, guard.ErrUnauthenticated, "Authentication required")
		return
	}

	identity, err := h.authService.Identity(ctx, ic.IdentityID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to get identity")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(meResponse{
		IdentityID:  identity.IdentityID,
		Contact:     identity.Contact,
		CreatedAt:   identity.CreatedAt,
		LastLoginAt: identity.LastLoginAt,
	}, "Identity retrieved"))
}

// VerificationStatus returns the caller's current KYC state so clients
// can route to the submission flow
func (h *AuthHandler) VerificationStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ic, ok := guard.FromContext(ctx)
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, guard.ErrUnauthenticated, "Authentication required")
		return
	}

	status, err := h.kycProvider.Status(ctx, ic.IdentityID)
	if err != nil {
		h.respondWithError(w, http.StatusServiceUnavailable, err, "Verification status unavailable")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]string{
		"kyc_status": string(status),
	}, "Verification status retrieved"))
}

// HealthCheck handles service health check
func (h *AuthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.health != nil {
		if err := h.health.HealthCheck(ctx); err != nil {
			h.respondWithError(w, http.StatusServiceUnavailable, err, "Service unhealthy")
			return
		}
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Service is healthy"))
}

// Helper Methods

// respondWithJSON sends a JSON response
func (h *AuthHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError sends an error response
func (h *AuthHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// getStatusCode determines the appropriate HTTP status code for an error
func (h *AuthHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, otp.ErrCooldown), errors.Is(err, otp.ErrTooManyResends):
		return http.StatusTooManyRequests
	case errors.Is(err, otp.ErrTooManyAttempts):
		return http.StatusLocked
	case errors.Is(err, otp.ErrInvalidCode), errors.Is(err, otp.ErrNoActiveChallenge):
		return http.StatusUnauthorized
	case errors.Is(err, token.ErrMalformed),
		errors.Is(err, token.ErrBadSignature),
		errors.Is(err, token.ErrExpired),
		errors.Is(err, token.ErrUnknownSession),
		errors.Is(err, token.ErrReuseDetected),
		errors.Is(err, token.ErrRevoked):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrIdentityNotFound):
		return http.StatusNotFound
	default:
		return http.StatusServiceUnavailable
	}
}
