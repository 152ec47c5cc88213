package hashing

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"identity-service/internal/config"

	"golang.org/x/crypto/argon2"
)

var ErrInvalidDigest = errors.New("invalid digest format")

const algorithmID = "argon2id-v1"

type argon2Params struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
	saltLength  uint32
	keyLength   uint32
}

// Hasher produces and verifies one-way digests of one-time codes.
// Codes are peppered before hashing; the pepper comes from deployment
// config so every instance verifies digests written by any other.
type Hasher struct {
	params argon2Params
	pepper string
}

// Digest is the stored form of a hashed code. The raw code is not
// recoverable from it.
type Digest struct {
	Hash          string
	Salt          string
	PepperVersion int
	Algorithm     string
}

func NewHasher(cfg *config.Config) (*Hasher, error) {
	pepper := cfg.OTP.Pepper
	if pepper == "" {
		// Development fallback; config.Load rejects this in production.
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("failed to generate dev pepper: %w", err)
		}
		pepper = base64.RawURLEncoding.EncodeToString(buf)
	}

	return &Hasher{
		params: argon2Params{
			memory:      uint32(cfg.OTP.Argon2MemoryCost),
			iterations:  uint32(cfg.OTP.Argon2TimeCost),
			parallelism: uint8(cfg.OTP.Argon2Parallel),
			saltLength:  16,
			keyLength:   32,
		},
		pepper: pepper,
	}, nil
}

// HashCode digests a one-time code with a fresh salt.
func (h *Hasher) HashCode(code string) (*Digest, error) {
	salt := make([]byte, h.params.saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	hash := argon2.IDKey(
		[]byte(code+h.pepper),
		salt,
		h.params.iterations,
		h.params.memory,
		h.params.parallelism,
		h.params.keyLength,
	)

	return &Digest{
		Hash:          base64.RawURLEncoding.EncodeToString(hash),
		Salt:          base64.RawURLEncoding.EncodeToString(salt),
		PepperVersion: 1,
		Algorithm:     algorithmID,
	}, nil
}

// VerifyCode recomputes the digest for a submitted code and compares it
// in constant time against the stored one.
func (h *Hasher) VerifyCode(code string, d *Digest) (bool, error) {
	if d.Algorithm != algorithmID {
		return false, fmt.Errorf("%w: unknown algorithm %q", ErrInvalidDigest, d.Algorithm)
	}

	salt, err := base64.RawURLEncoding.DecodeString(d.Salt)
	if err != nil {
		return false, ErrInvalidDigest
	}
	expected, err := base64.RawURLEncoding.DecodeString(d.Hash)
	if err != nil {
		return false, ErrInvalidDigest
	}

	computed := argon2.IDKey(
		[]byte(code+h.pepper),
		salt,
		h.params.iterations,
		h.params.memory,
		h.params.parallelism,
		uint32(len(expected)),
	)

	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}

// TokenDigest returns the hex SHA-256 of an opaque refresh token.
// Unsalted on purpose: the digest is the store lookup key, and the
// 256-bit random token carries enough entropy on its own.
func TokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
