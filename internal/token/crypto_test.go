package token

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := generateKey()
	require.NoError(t, err)
	aead, err := newAEAD(key)
	require.NoError(t, err)

	encrypted, err := encryptString(aead, "my secret value")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(encrypted, "ENC:"))
	assert.NotContains(t, encrypted, "my secret value")

	plain, err := decryptString(aead, encrypted)
	require.NoError(t, err)
	assert.Equal(t, "my secret value", plain)
}

func TestEncryptString_UniqueNonces(t *testing.T) {
	key, err := generateKey()
	require.NoError(t, err)
	aead, err := newAEAD(key)
	require.NoError(t, err)

	a, err := encryptString(aead, "same plaintext")
	require.NoError(t, err)
	b, err := encryptString(aead, "same plaintext")
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "each encryption must use a fresh nonce")
}

func TestDecryptString_Tampered(t *testing.T) {
	key, err := generateKey()
	require.NoError(t, err)
	aead, err := newAEAD(key)
	require.NoError(t, err)

	encrypted, err := encryptString(aead, "payload")
	require.NoError(t, err)

	// Flip a character in the ciphertext body.
	tampered := []byte(encrypted)
	last := len(tampered) - 1
	if tampered[last] == 'A' {
		tampered[last] = 'B'
	} else {
		tampered[last] = 'A'
	}

	_, err = decryptString(aead, string(tampered))
	assert.Error(t, err)
}

func TestDecryptString_MalformedInput(t *testing.T) {
	key, err := generateKey()
	require.NoError(t, err)
	aead, err := newAEAD(key)
	require.NoError(t, err)

	for _, input := range []string{
		"",
		"no prefix at all",
		"ENC:",
		"ENC:!!!not-base64!!!",
		"ENC:dG9vc2hvcnQ=", // valid base64 but shorter than a nonce
	} {
		_, err := decryptString(aead, input)
		assert.Error(t, err, "input %q should be rejected", input)
	}
}

func TestDeriveKey_Deterministic(t *testing.T) {
	salt, err := generateSalt()
	require.NoError(t, err)

	k1 := deriveKey("passphrase", salt)
	k2 := deriveKey("passphrase", salt)
	assert.Equal(t, k1, k2)

	other, err := generateSalt()
	require.NoError(t, err)
	assert.NotEqual(t, k1, deriveKey("passphrase", other), "different salts yield different keys")
	assert.NotEqual(t, k1, deriveKey("different", salt), "different passphrases yield different keys")
}
