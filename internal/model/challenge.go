package model

import "time"

// OTPChallenge is the stored form of an outstanding one-time code.
// Only the code digest is kept; the raw code exists solely in the
// dispatch to the notification collaborator. At most one active
// challenge exists per subject at any time.
type OTPChallenge struct {
	SubjectDigest string    `db:"subject_digest"`
	Contact       string    `db:"contact"`
	CodeHash      string    `db:"code_hash"`
	CodeSalt      string    `db:"code_salt"`
	PepperVersion int       `db:"pepper_version"`
	Algorithm     string    `db:"algorithm"`
	IssuedAt      time.Time `db:"issued_at"`
	ExpiresAt     time.Time `db:"expires_at"`
	Attempts      int       `db:"attempts"`
	MaxAttempts   int       `db:"max_attempts"`
}

// Expired reports whether the challenge is past its TTL at the given
// instant. Expiry is checked lazily at read time.
func (c *OTPChallenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}
