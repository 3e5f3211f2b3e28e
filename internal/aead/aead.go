// Package aead implements the AES-256-GCM authenticated encryption
// glue shared by both the v1 and v2 wire paths (spec.md §6): a
// 12-byte random IV, ciphertext, and a 16-byte tag laid out as
// IV‖ciphertext‖tag.
//
// Standard library only (crypto/aes, crypto/cipher, crypto/rand): no
// repo in the retrieved pack takes a third-party AEAD library as a
// direct dependency for a single AES-GCM primitive — see DESIGN.md.
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	KeySize   = 32
	NonceSize = 12
	TagSize   = 16
)

// ErrAuthFailure is returned when decryption fails authentication;
// callers must treat this as AuthFailure per spec.md §7 and drop the
// packet, never retry with the same ciphertext.
var ErrAuthFailure = errors.New("aead: authentication failed")

// Cipher wraps a validated 32-byte pre-shared key.
type Cipher struct {
	gcm cipher.AEAD
}

// New validates key length and constructs a Cipher. Config-time key
// validation (length and minimum diversity) happens in
// internal/config; New only checks length, since it may also be
// called directly by tests.
func New(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("aead: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aead: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("aead: new gcm: %w", err)
	}
	return &Cipher{gcm: gcm}, nil
}

// Seal encrypts plaintext, returning IV‖ciphertext‖tag.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("aead: read nonce: %w", err)
	}
	out := make([]byte, 0, NonceSize+len(plaintext)+TagSize)
	out = append(out, nonce...)
	out = c.gcm.Seal(out, nonce, plaintext, nil)
	return out, nil
}

// Open authenticates and decrypts an IV‖ciphertext‖tag blob.
func (c *Cipher) Open(blob []byte) ([]byte, error) {
	if len(blob) < NonceSize+TagSize {
		return nil, ErrAuthFailure
	}
	nonce := blob[:NonceSize]
	ciphertext := blob[NonceSize:]
	plaintext, err := c.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailure
	}
	return plaintext, nil
}
