// ABOUTME: Encryption-at-rest for provider credential secrets
// ABOUTME: ChaCha20-Poly1305 sealed envelopes with a process-wide master key

package vault

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrBadKey indicates the master key is not usable.
	ErrBadKey = errors.New("vault: master key must be 32 bytes")

	// ErrDecrypt indicates a ciphertext could not be opened. Either the key
	// is wrong or the stored value was corrupted.
	ErrDecrypt = errors.New("vault: decryption failed")
)

// Vault encrypts and decrypts credential secrets with a single master key.
// The key comes from configuration and its absence is startup-fatal.
type Vault struct {
	key []byte
}

// New creates a Vault from a base64-encoded master key. Raw 32-byte keys are
// accepted too, so `openssl rand -base64 32` and raw binary both work.
func New(masterKey string) (*Vault, error) {
	if masterKey == "" {
		return nil, ErrBadKey
	}

	key, err := base64.StdEncoding.DecodeString(masterKey)
	if err != nil || len(key) != chacha20poly1305.KeySize {
		// Not valid base64 (or wrong decoded size); try the raw bytes.
		key = []byte(masterKey)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrBadKey
	}

	return &Vault{key: key}, nil
}

// Encrypt seals a plaintext secret and returns a base64 envelope of
// nonce||ciphertext. A fresh random nonce is used for every call.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a base64 envelope produced by Encrypt.
func (v *Vault) Decrypt(envelope string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return "", fmt.Errorf("%w: invalid envelope encoding", ErrDecrypt)
	}

	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}

	if len(sealed) < aead.NonceSize() {
		return "", fmt.Errorf("%w: envelope too short", ErrDecrypt)
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecrypt
	}

	return string(plaintext), nil
}
