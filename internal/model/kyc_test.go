package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKYCStatus_Satisfies(t *testing.T) {
	assert.True(t, KYCUnsubmitted.Satisfies(KYCUnsubmitted))
	assert.True(t, KYCPending.Satisfies(KYCUnsubmitted))
	assert.True(t, KYCApproved.Satisfies(KYCPending))
	assert.True(t, KYCApproved.Satisfies(KYCApproved))

	assert.False(t, KYCUnsubmitted.Satisfies(KYCPending))
	assert.False(t, KYCPending.Satisfies(KYCApproved))
}

func TestKYCStatus_RejectedNeverSatisfies(t *testing.T) {
	for _, required := range []KYCStatus{KYCUnsubmitted, KYCPending, KYCApproved, KYCRejected} {
		assert.False(t, KYCRejected.Satisfies(required), "rejected must not satisfy %s", required)
	}
}

func TestKYCStatus_Valid(t *testing.T) {
	assert.True(t, KYCPending.Valid())
	assert.False(t, KYCStatus("verified").Valid())
	assert.False(t, KYCStatus("").Valid())
}
