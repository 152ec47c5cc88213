package model

import "time"

// TokenSession is the persisted record of one issued refresh token.
// Only the refresh token's SHA-256 digest is stored. Sessions are
// retained after revocation until expiry so replayed tokens can be
// recognized, then garbage-collected.
type TokenSession struct {
	SessionID     string     `db:"session_id"`
	IdentityID    string     `db:"identity_id"`
	RefreshDigest string     `db:"refresh_digest"`
	IssuedAt      time.Time  `db:"issued_at"`
	ExpiresAt     time.Time  `db:"expires_at"`
	Revoked       bool       `db:"revoked"`
	PredecessorID string     `db:"predecessor_id"`
	SupersededBy  string     `db:"superseded_by"`
	Fingerprint   string     `db:"fingerprint"`
	RevokedAt     *time.Time `db:"revoked_at"`
}

// Expired reports whether the session is past its refresh TTL.
func (s *TokenSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// TokenPair is what issuance and rotation hand back to the caller.
// Raw values are returned exactly once and never persisted.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	SessionID        string    `json:"-"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}
