package model

import "time"

// Security event types published to the audit stream.
const (
	EventOTPRequested    = "otp_requested"
	EventOTPResent       = "otp_resent"
	EventOTPVerifyFailed = "otp_verify_failed"
	EventOTPLocked       = "otp_locked"
	EventLogin           = "login"
	EventTokenRotated    = "token_rotated"
	EventReuseDetected   = "reuse_detected"
	EventLineageRevoked  = "lineage_revoked"
	EventLogout          = "logout"
)

// SecurityEvent is the audit record emitted for authentication
// activity. Never carries raw codes or tokens.
type SecurityEvent struct {
	EventType     string    `json:"event_type"`
	SubjectDigest string    `json:"subject_digest,omitempty"`
	IdentityID    string    `json:"identity_id,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
	EventTime     time.Time `json:"event_time"`
	Details       string    `json:"details,omitempty"`
}
