package memory

import (
	"context"
	"sync"
	"time"

	"identity-service/internal/token"
)

// RevocationList is the in-process denylist of revoked session IDs.
type RevocationList struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewRevocationList() *RevocationList {
	return &RevocationList{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

var _ token.RevocationList = (*RevocationList)(nil)

// WithClock overrides the list's time source.
func (l *RevocationList) WithClock(now func() time.Time) *RevocationList {
	l.now = now
	return l
}

func (l *RevocationList) Add(ctx context.Context, sessionID string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[sessionID] = l.now().Add(ttl)
	return nil
}

func (l *RevocationList) Contains(ctx context.Context, sessionID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	expiresAt, ok := l.entries[sessionID]
	if !ok {
		return false, nil
	}
	if l.now().After(expiresAt) {
		delete(l.entries, sessionID)
		return false, nil
	}
	return true, nil
}
