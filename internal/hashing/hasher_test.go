package hashing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/config"
)

func testConfig(pepper string) *config.Config {
	return &config.Config{
		OTP: config.OTPConfig{
			Pepper:           pepper,
			Argon2MemoryCost: 8192,
			Argon2TimeCost:   1,
			Argon2Parallel:   1,
		},
	}
}

func TestHashCode_RoundTrip(t *testing.T) {
	h, err := NewHasher(testConfig("test-pepper"))
	require.NoError(t, err)

	d, err := h.HashCode("482913")
	require.NoError(t, err)

	match, err := h.VerifyCode("482913", d)
	require.NoError(t, err)
	assert.True(t, match)
}

func TestVerifyCode_WrongCode(t *testing.T) {
	h, err := NewHasher(testConfig("test-pepper"))
	require.NoError(t, err)

	d, err := h.HashCode("482913")
	require.NoError(t, err)

	match, err := h.VerifyCode("111111", d)
	require.NoError(t, err)
	assert.False(t, match)
}

func TestVerifyCode_DifferentPepper(t *testing.T) {
	h1, err := NewHasher(testConfig("pepper-one"))
	require.NoError(t, err)
	h2, err := NewHasher(testConfig("pepper-two"))
	require.NoError(t, err)

	d, err := h1.HashCode("482913")
	require.NoError(t, err)

	match, err := h2.VerifyCode("482913", d)
	require.NoError(t, err)
	assert.False(t, match)
}

func TestHashCode_SaltVaries(t *testing.T) {
	h, err := NewHasher(testConfig("test-pepper"))
	require.NoError(t, err)

	d1, err := h.HashCode("482913")
	require.NoError(t, err)
	d2, err := h.HashCode("482913")
	require.NoError(t, err)

	assert.NotEqual(t, d1.Salt, d2.Salt)
	assert.NotEqual(t, d1.Hash, d2.Hash)
}

func TestVerifyCode_UnknownAlgorithm(t *testing.T) {
	h, err := NewHasher(testConfig("test-pepper"))
	require.NoError(t, err)

	d, err := h.HashCode("482913")
	require.NoError(t, err)
	d.Algorithm = "md5"

	_, err = h.VerifyCode("482913", d)
	assert.ErrorIs(t, err, ErrInvalidDigest)
}

func TestNewHasher_DevPepperFallback(t *testing.T) {
	h, err := NewHasher(testConfig(""))
	require.NoError(t, err)

	d, err := h.HashCode("482913")
	require.NoError(t, err)

	match, err := h.VerifyCode("482913", d)
	require.NoError(t, err)
	assert.True(t, match)
}

func TestTokenDigest(t *testing.T) {
	d1 := TokenDigest("some-opaque-token")
	d2 := TokenDigest("some-opaque-token")
	d3 := TokenDigest("another-token")

	assert.Equal(t, d1, d2)
	assert.NotEqual(t, d1, d3)
	assert.Len(t, d1, 64)
}
