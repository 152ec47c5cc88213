package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/client"
	"identity-service/internal/model"
	"identity-service/internal/otp"
	"identity-service/internal/util"
)

const (
	challengePrefix = "otp:challenge:"
	cooldownPrefix  = "otp:cooldown:"
	resendPrefix    = "otp:resends:"

	opTimeout = 5 * time.Second
)

// reserveAttemptScript bumps the attempt counter only while the
// challenge record exists, atomically server-side.
const reserveAttemptScript = `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
return redis.call('HINCRBY', KEYS[1], 'attempts', 1)
`

// incrWindowScript increments a counter and starts its window on first
// use, so the window is anchored to the first event rather than the
// last.
const incrWindowScript = `
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`

// ChallengeStore keeps OTP challenges in Redis hashes whose TTL is the
// challenge TTL, so superseded and expired records vanish on their
// own.
type ChallengeStore struct {
	client *client.RedisClient
}

func NewChallengeStore(client *client.RedisClient) *ChallengeStore {
	return &ChallengeStore{client: client}
}

var _ otp.ChallengeStore = (*ChallengeStore)(nil)

func (s *ChallengeStore) Put(ctx context.Context, ch *model.OTPChallenge, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := challengePrefix + ch.SubjectDigest

	pipe := s.client.TxPipeline()
	// DEL first: a new challenge supersedes the prior one entirely,
	// including its attempt counter.
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key,
		"contact", ch.Contact,
		"code_hash", ch.CodeHash,
		"code_salt", ch.CodeSalt,
		"pepper_version", ch.PepperVersion,
		"algorithm", ch.Algorithm,
		"issued_at", ch.IssuedAt.UTC().Format(time.RFC3339Nano),
		"expires_at", ch.ExpiresAt.UTC().Format(time.RFC3339Nano),
		"attempts", ch.Attempts,
		"max_attempts", ch.MaxAttempts,
	)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("failed to store OTP challenge",
			zap.String("subject", ch.SubjectDigest),
			zap.Error(err))
		return fmt.Errorf("failed to store challenge: %w", err)
	}

	util.Debug("OTP challenge stored",
		zap.String("subject", ch.SubjectDigest),
		zap.Duration("ttl", ttl))
	return nil
}

func (s *ChallengeStore) Get(ctx context.Context, subjectDigest string) (*model.OTPChallenge, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, challengePrefix+subjectDigest)
	if err != nil {
		return nil, fmt.Errorf("failed to read challenge: %w", err)
	}
	if len(fields) == 0 {
		return nil, otp.ErrNoActiveChallenge
	}

	ch, err := challengeFromFields(subjectDigest, fields)
	if err != nil {
		util.Error("corrupt OTP challenge record",
			zap.String("subject", subjectDigest),
			zap.Error(err))
		return nil, fmt.Errorf("corrupt challenge record: %w", err)
	}
	return ch, nil
}

func (s *ChallengeStore) ReserveAttempt(ctx context.Context, subjectDigest string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := s.client.Eval(ctx, reserveAttemptScript, []string{challengePrefix + subjectDigest})
	if err != nil {
		return 0, fmt.Errorf("failed to reserve attempt: %w", err)
	}

	n, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected script result %T", res)
	}
	if n < 0 {
		return 0, otp.ErrNoActiveChallenge
	}
	return int(n), nil
}

func (s *ChallengeStore) Consume(ctx context.Context, subjectDigest string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	deleted, err := s.client.Del(ctx, challengePrefix+subjectDigest)
	if err != nil {
		return false, fmt.Errorf("failed to consume challenge: %w", err)
	}
	return deleted > 0, nil
}

func (s *ChallengeStore) BeginCooldown(ctx context.Context, subjectDigest string, window time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	ok, err := s.client.SetNX(ctx, cooldownPrefix+subjectDigest, "1", window)
	if err != nil {
		return false, fmt.Errorf("failed to set cooldown: %w", err)
	}
	return ok, nil
}

func (s *ChallengeStore) IncrResends(ctx context.Context, subjectDigest string, window time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := s.client.Eval(ctx, incrWindowScript,
		[]string{resendPrefix + subjectDigest},
		window.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("failed to count resend: %w", err)
	}

	n, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected script result %T", res)
	}
	return int(n), nil
}

func challengeFromFields(subjectDigest string, fields map[string]string) (*model.OTPChallenge, error) {
	issuedAt, err := time.Parse(time.RFC3339Nano, fields["issued_at"])
	if err != nil {
		return nil, fmt.Errorf("bad issued_at: %w", err)
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, fields["expires_at"])
	if err != nil {
		return nil, fmt.Errorf("bad expires_at: %w", err)
	}
	attempts, err := strconv.Atoi(fields["attempts"])
	if err != nil {
		return nil, fmt.Errorf("bad attempts: %w", err)
	}
	maxAttempts, err := strconv.Atoi(fields["max_attempts"])
	if err != nil {
		return nil, fmt.Errorf("bad max_attempts: %w", err)
	}
	pepperVersion, err := strconv.Atoi(fields["pepper_version"])
	if err != nil {
		return nil, fmt.Errorf("bad pepper_version: %w", err)
	}

	return &model.OTPChallenge{
		SubjectDigest: subjectDigest,
		Contact:       fields["contact"],
		CodeHash:      fields["code_hash"],
		CodeSalt:      fields["code_salt"],
		PepperVersion: pepperVersion,
		Algorithm:     fields["algorithm"],
		IssuedAt:      issuedAt,
		ExpiresAt:     expiresAt,
		Attempts:      attempts,
		MaxAttempts:   maxAttempts,
	}, nil
}
