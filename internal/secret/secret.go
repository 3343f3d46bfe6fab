// Package secret decrypts stored driver credentials. Credential ciphertexts
// are AES-256-GCM sealed with a key derived from the configured encryption
// secret; decryption happens only inside driver constructors.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"github.com/filegate/filegate/pkg/fgerr"
)

// Box seals and opens credential strings with a single gateway-wide key.
type Box struct {
	aead cipher.AEAD
}

// NewBox derives the AES-256 key from the encryption secret.
func NewBox(encryptionSecret string) (*Box, error) {
	if encryptionSecret == "" {
		return nil, fgerr.New(fgerr.KindValidation, "encryption secret is empty")
	}
	key := sha256.Sum256([]byte(encryptionSecret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fgerr.Wrap(fgerr.KindInternal, "cipher init failed", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fgerr.Wrap(fgerr.KindInternal, "cipher init failed", err)
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts plaintext and returns base64(nonce || ciphertext).
func (b *Box) Seal(plaintext string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fgerr.Wrap(fgerr.KindInternal, "nonce generation failed", err)
	}
	out := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal.
func (b *Box) Open(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fgerr.Wrap(fgerr.KindValidation, "malformed credential ciphertext", err)
	}
	ns := b.aead.NonceSize()
	if len(raw) < ns {
		return "", fgerr.New(fgerr.KindValidation, "malformed credential ciphertext")
	}
	plain, err := b.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fgerr.Wrap(fgerr.KindForbidden, "credential decryption failed", err)
	}
	return string(plain), nil
}
