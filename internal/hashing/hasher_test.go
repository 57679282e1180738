package hashing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParams() Argon2Params {
	return Argon2Params{
		Memory:      1024,
		Iterations:  1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
}

func TestHashAndVerify(t *testing.T) {
	h := NewHasher(testParams())

	encoded, err := h.HashPassword("correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(encoded, "$argon2id$"))

	ok, err := h.VerifyPassword("correct horse battery staple", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.VerifyPassword("wrong password", encoded)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashesAreSalted(t *testing.T) {
	h := NewHasher(testParams())

	first, err := h.HashPassword("same password")
	require.NoError(t, err)
	second, err := h.HashPassword("same password")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestVerifyHonorsEmbeddedParams(t *testing.T) {
	// A hash created with one parameter set verifies under a hasher
	// configured with another: params travel with the hash.
	old := NewHasher(testParams())
	encoded, err := old.HashPassword("pw")
	require.NoError(t, err)

	stronger := testParams()
	stronger.Iterations = 2
	ok, err := NewHasher(stronger).VerifyPassword("pw", encoded)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyRejectsMalformedHash(t *testing.T) {
	h := NewHasher(testParams())

	cases := []string{
		"",
		"plainly not a hash",
		"$argon2i$v=19$m=1024,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=1024,t=1,p=1$not-base64!$aGFzaA",
		"$argon2id$v=19$missing-fields",
	}
	for _, encoded := range cases {
		_, err := h.VerifyPassword("pw", encoded)
		assert.ErrorIs(t, err, ErrInvalidHash, "input %q", encoded)
	}
}

func TestVerifyRejectsUnknownVersion(t *testing.T) {
	h := NewHasher(testParams())

	_, err := h.VerifyPassword("pw", "$argon2id$v=18$m=1024,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaGhhc2hoYXNoaGFzaA")
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}
