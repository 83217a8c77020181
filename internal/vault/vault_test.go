// ABOUTME: Tests for the credential vault
// ABOUTME: Covers round-trips, nonce uniqueness, wrong keys, and bad envelopes

package vault

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) string {
	t.Helper()
	return base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
}

func TestVault_RoundTrip(t *testing.T) {
	v, err := New(testKey(t))
	require.NoError(t, err)

	envelope, err := v.Encrypt("sk-super-secret")
	require.NoError(t, err)
	assert.NotEqual(t, "sk-super-secret", envelope)

	plaintext, err := v.Decrypt(envelope)
	require.NoError(t, err)
	assert.Equal(t, "sk-super-secret", plaintext)
}

func TestVault_FreshNoncePerWrite(t *testing.T) {
	v, err := New(testKey(t))
	require.NoError(t, err)

	a, err := v.Encrypt("same-secret")
	require.NoError(t, err)
	b, err := v.Encrypt("same-secret")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestVault_RawKeyAccepted(t *testing.T) {
	v, err := New("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	envelope, err := v.Encrypt("s")
	require.NoError(t, err)
	plaintext, err := v.Decrypt(envelope)
	require.NoError(t, err)
	assert.Equal(t, "s", plaintext)
}

func TestVault_WrongKeyFails(t *testing.T) {
	v1, err := New("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	v2, err := New("fedcba9876543210fedcba9876543210")
	require.NoError(t, err)

	envelope, err := v1.Encrypt("secret")
	require.NoError(t, err)

	_, err = v2.Decrypt(envelope)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestVault_BadKeySize(t *testing.T) {
	_, err := New("too-short")
	assert.ErrorIs(t, err, ErrBadKey)

	_, err = New("")
	assert.ErrorIs(t, err, ErrBadKey)
}

func TestVault_CorruptEnvelope(t *testing.T) {
	v, err := New(testKey(t))
	require.NoError(t, err)

	_, err = v.Decrypt("not base64!!!")
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = v.Decrypt(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.ErrorIs(t, err, ErrDecrypt)
}
