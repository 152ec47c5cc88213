package model

// KYCStatus is the verification state reported by the external KYC
// collaborator. The state machine itself lives there; this service
// only consumes the current value.
type KYCStatus string

const (
	KYCUnsubmitted KYCStatus = "unsubmitted"
	KYCPending     KYCStatus = "pending"
	KYCApproved    KYCStatus = "approved"
	KYCRejected    KYCStatus = "rejected"
)

// rank orders states for minimum-state route gates. Rejected never
// satisfies a gate.
func (s KYCStatus) rank() int {
	switch s {
	case KYCUnsubmitted:
		return 0
	case KYCPending:
		return 1
	case KYCApproved:
		return 2
	default:
		return -1
	}
}

// Satisfies reports whether the current state meets the required
// minimum state for a route.
func (s KYCStatus) Satisfies(required KYCStatus) bool {
	if s == KYCRejected {
		return false
	}
	return s.rank() >= required.rank()
}

// Valid reports whether the value is one of the recognized states.
func (s KYCStatus) Valid() bool {
	switch s {
	case KYCUnsubmitted, KYCPending, KYCApproved, KYCRejected:
		return true
	}
	return false
}
