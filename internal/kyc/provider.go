package kyc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"identity-service/internal/config"
	"identity-service/internal/model"
	"identity-service/internal/util"

	"go.uber.org/zap"
)

// Provider reports the current verification state of an identity. The
// KYC state machine lives in the profile service; this client only
// reads it.
type Provider interface {
	Status(ctx context.Context, identityID string) (model.KYCStatus, error)
}

// HTTPProvider queries the profile service's status endpoint.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

func NewHTTPProvider(cfg config.KYCConfig, logger *zap.Logger) *HTTPProvider {
	return &HTTPProvider{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
}

type statusResponse struct {
	Status string `json:"status"`
}

func (p *HTTPProvider) Status(ctx context.Context, identityID string) (model.KYCStatus, error) {
	endpoint := fmt.Sprintf("%s/internal/kyc/%s/status", p.baseURL, url.PathEscape(identityID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build KYC status request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("KYC provider unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		// No submission yet.
		return model.KYCUnsubmitted, nil
	default:
		return "", fmt.Errorf("KYC provider returned status %d", resp.StatusCode)
	}

	var body statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode KYC status response: %w", err)
	}

	status := model.KYCStatus(body.Status)
	if !status.Valid() {
		p.logger.Warn("KYC provider returned unknown status",
			util.String("identity_id", identityID),
			util.String("status", body.Status),
		)
		return "", fmt.Errorf("unknown KYC status %q", body.Status)
	}
	return status, nil
}

// StaticProvider returns a fixed status; development fallback when no
// profile service is configured.
type StaticProvider struct {
	Value model.KYCStatus
}

func (p StaticProvider) Status(ctx context.Context, identityID string) (model.KYCStatus, error) {
	return p.Value, nil
}
