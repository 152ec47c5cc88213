package model

import "time"

// Identity is the stable subject record created on first successful
// OTP verification. The subject key is a digest of the normalized
// contact address; the identifier never changes after creation.
type Identity struct {
	IdentityBucket int        `db:"identity_bucket"`
	IdentityID     string     `db:"identity_id"`
	SubjectDigest  string     `db:"subject_digest"`
	Contact        string     `db:"contact"`
	CreatedAt      time.Time  `db:"created_at"`
	LastLoginAt    *time.Time `db:"last_login_at"`
}
