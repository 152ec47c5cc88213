package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeContact_Email(t *testing.T) {
	assert.Equal(t, "user@example.com", NormalizeContact("  User@Example.COM "))
}

func TestNormalizeContact_Mobile(t *testing.T) {
	assert.Equal(t, "+15551234567", NormalizeContact("+1 (555) 123-4567"))
}

func TestContactDigest_StableAcrossFormatting(t *testing.T) {
	assert.Equal(t, ContactDigest("User@Example.com"), ContactDigest("user@example.com"))
	assert.Equal(t, ContactDigest("+1 555 123 4567"), ContactDigest("+15551234567"))
	assert.NotEqual(t, ContactDigest("a@example.com"), ContactDigest("b@example.com"))
	assert.Len(t, ContactDigest("user@example.com"), 64)
}

func TestValidContact(t *testing.T) {
	assert.NoError(t, ValidContact("user@example.com"))
	assert.NoError(t, ValidContact("+15551234567"))

	assert.Error(t, ValidContact(""))
	assert.Error(t, ValidContact("@example.com"))
	assert.Error(t, ValidContact("user@"))
	assert.Error(t, ValidContact("a@b@c.com"))
	assert.Error(t, ValidContact("12345"))
	assert.Error(t, ValidContact("+1555123x567"))
}
