package guard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"identity-service/internal/kyc"
	"identity-service/internal/model"
	"identity-service/internal/token"
	"identity-service/internal/util"

	"go.uber.org/zap"
)

// Guard-domain errors.
var (
	ErrUnauthenticated      = errors.New("authentication required")
	ErrVerificationRequired = errors.New("identity verification required")
)

type contextKey struct{ name string }

var identityContextKey = &contextKey{"identity"}

// IdentityContext is the immutable per-request identity attached after
// successful authentication.
type IdentityContext struct {
	IdentityID string
	SessionID  string
}

// FromContext returns the identity attached by the Auth guard, if any.
func FromContext(ctx context.Context) (*IdentityContext, bool) {
	ic, ok := ctx.Value(identityContextKey).(*IdentityContext)
	return ic, ok
}

// Authenticator is the slice of the token service the Auth guard
// needs.
type Authenticator interface {
	Authenticate(ctx context.Context, tokenString string) (*token.AccessClaims, error)
}

// Guard carries the two request gates the routing layer composes per
// route: authentication first, then optional verification-status
// checks.
type Guard struct {
	auth   Authenticator
	kyc    kyc.Provider
	logger *zap.Logger
}

func New(auth Authenticator, kycProvider kyc.Provider, logger *zap.Logger) *Guard {
	return &Guard{
		auth:   auth,
		kyc:    kycProvider,
		logger: logger,
	}
}

// Identify validates a raw Authorization header value and returns the
// identity context. The header is an explicit input so the check stays
// a pure function of (header, clock, revocation list).
func (g *Guard) Identify(ctx context.Context, authorizationHeader string) (*IdentityContext, error) {
	raw := strings.TrimSpace(authorizationHeader)
	if raw == "" {
		return nil, ErrUnauthenticated
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(raw, prefix) {
		return nil, ErrUnauthenticated
	}

	claims, err := g.auth.Authenticate(ctx, strings.TrimSpace(raw[len(prefix):]))
	if err != nil {
		// Collapse all token failures to one outcome; the reason is
		// logged, never surfaced.
		g.logger.Debug("access token rejected", util.ErrorField(err))
		return nil, ErrUnauthenticated
	}

	return &IdentityContext{
		IdentityID: claims.Subject,
		SessionID:  claims.SessionID,
	}, nil
}

// RequireAuth aborts the request before route logic unless a valid
// access token is presented. This is the hottest path in the system:
// one signature check plus one revocation-list lookup, no other I/O.
func (g *Guard) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ic, err := g.Identify(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			writeRejection(w, http.StatusUnauthorized, "authentication required", "")
			return
		}

		ctx := context.WithValue(r.Context(), identityContextKey, ic)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireVerification runs after RequireAuth and enforces a minimum
// KYC state for the route. On denial the current state is returned so
// clients can redirect to the submission flow.
func (g *Guard) RequireVerification(required model.KYCStatus) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ic, ok := FromContext(r.Context())
			if !ok {
				writeRejection(w, http.StatusUnauthorized, "authentication required", "")
				return
			}

			status, err := g.kyc.Status(r.Context(), ic.IdentityID)
			if err != nil {
				g.logger.Error("KYC status lookup failed",
					util.String("identity_id", ic.IdentityID),
					util.ErrorField(err),
				)
				writeRejection(w, http.StatusServiceUnavailable, "verification status unavailable", "")
				return
			}

			if !status.Satisfies(required) {
				writeRejection(w, http.StatusForbidden, ErrVerificationRequired.Error(), string(status))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// CheckVerification is the non-HTTP form of the verification gate, for
// callers outside the middleware chain.
func (g *Guard) CheckVerification(ctx context.Context, identityID string, required model.KYCStatus) (model.KYCStatus, error) {
	status, err := g.kyc.Status(ctx, identityID)
	if err != nil {
		return "", err
	}
	if !status.Satisfies(required) {
		return status, ErrVerificationRequired
	}
	return status, nil
}

type rejection struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	KYCStatus string `json:"kyc_status,omitempty"`
}

func writeRejection(w http.ResponseWriter, status int, message, kycStatus string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(rejection{
		Success:   false,
		Error:     message,
		KYCStatus: kycStatus,
	})
}
