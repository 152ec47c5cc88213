package redis

import (
	"context"
	"fmt"
	"time"

	"identity-service/internal/client"
	"identity-service/internal/token"
)

const revokedPrefix = "token:revoked:"

// RevocationList denylists revoked session ids for as long as an
// access token minted under them could still be alive. Keys expire on
// their own, keeping the hot path a single O(1) lookup.
type RevocationList struct {
	client *client.RedisClient
}

func NewRevocationList(client *client.RedisClient) *RevocationList {
	return &RevocationList{client: client}
}

var _ token.RevocationList = (*RevocationList)(nil)

func (l *RevocationList) Add(ctx context.Context, sessionID string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := l.client.Set(ctx, revokedPrefix+sessionID, "1", ttl); err != nil {
		return fmt.Errorf("failed to denylist session: %w", err)
	}
	return nil
}

func (l *RevocationList) Contains(ctx context.Context, sessionID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	exists, err := l.client.Exists(ctx, revokedPrefix+sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to check denylist: %w", err)
	}
	return exists, nil
}
