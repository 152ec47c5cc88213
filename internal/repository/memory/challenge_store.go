package memory

import (
	"context"
	"sync"
	"time"

	"identity-service/internal/model"
	"identity-service/internal/otp"
)

// ChallengeStore is the in-process implementation of the challenge
// store, used in development without Redis and as the test double.
// Mutations take the store lock so its atomicity matches the Redis
// implementation's server-side scripts.
type ChallengeStore struct {
	mu         sync.Mutex
	challenges map[string]*challengeRecord
	cooldowns  map[string]time.Time
	resends    map[string]*windowCounter
	now        func() time.Time
}

type challengeRecord struct {
	challenge model.OTPChallenge
	storedAt  time.Time
	ttl       time.Duration
}

type windowCounter struct {
	count     int
	expiresAt time.Time
}

func NewChallengeStore() *ChallengeStore {
	return &ChallengeStore{
		challenges: make(map[string]*challengeRecord),
		cooldowns:  make(map[string]time.Time),
		resends:    make(map[string]*windowCounter),
		now:        time.Now,
	}
}

var _ otp.ChallengeStore = (*ChallengeStore)(nil)

// WithClock overrides the store's time source.
func (s *ChallengeStore) WithClock(now func() time.Time) *ChallengeStore {
	s.now = now
	return s
}

func (s *ChallengeStore) Put(ctx context.Context, ch *model.OTPChallenge, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.challenges[ch.SubjectDigest] = &challengeRecord{
		challenge: *ch,
		storedAt:  s.now(),
		ttl:       ttl,
	}
	return nil
}

func (s *ChallengeStore) Get(ctx context.Context, subjectDigest string) (*model.OTPChallenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.live(subjectDigest)
	if !ok {
		return nil, otp.ErrNoActiveChallenge
	}
	copied := rec.challenge
	return &copied, nil
}

func (s *ChallengeStore) ReserveAttempt(ctx context.Context, subjectDigest string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.live(subjectDigest)
	if !ok {
		return 0, otp.ErrNoActiveChallenge
	}
	rec.challenge.Attempts++
	return rec.challenge.Attempts, nil
}

func (s *ChallengeStore) Consume(ctx context.Context, subjectDigest string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.live(subjectDigest)
	delete(s.challenges, subjectDigest)
	return ok, nil
}

func (s *ChallengeStore) BeginCooldown(ctx context.Context, subjectDigest string, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if until, ok := s.cooldowns[subjectDigest]; ok && s.now().Before(until) {
		return false, nil
	}
	s.cooldowns[subjectDigest] = s.now().Add(window)
	return true, nil
}

func (s *ChallengeStore) IncrResends(ctx context.Context, subjectDigest string, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.resends[subjectDigest]
	if !ok || s.now().After(c.expiresAt) {
		c = &windowCounter{expiresAt: s.now().Add(window)}
		s.resends[subjectDigest] = c
	}
	c.count++
	return c.count, nil
}

// live returns the record if present and inside its TTL, evicting it
// otherwise. Callers hold the lock.
func (s *ChallengeStore) live(subjectDigest string) (*challengeRecord, bool) {
	rec, ok := s.challenges[subjectDigest]
	if !ok {
		return nil, false
	}
	if s.now().After(rec.storedAt.Add(rec.ttl)) {
		delete(s.challenges, subjectDigest)
		return nil, false
	}
	return rec, true
}
