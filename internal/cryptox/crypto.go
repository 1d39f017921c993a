// Package cryptox seals small blobs with AES-256-GCM. A sealed blob is the
// random nonce followed by the ciphertext.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// KeySize is the key length Seal and Open expect.
const KeySize = 32

var (
	ErrKeySize   = errors.New("cryptox: key must be 32 bytes")
	ErrMalformed = errors.New("cryptox: sealed data is malformed or was not sealed with this key")
)

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext under key. Every call uses a fresh nonce, so
// sealing the same plaintext twice yields different output.
func Seal(plaintext, key []byte) ([]byte, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	// nonce
	nonce := make([]byte, aesgcm.NonceSize(), aesgcm.NonceSize()+len(plaintext)+aesgcm.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("cryptox: nonce: %w", err)
	}

	return aesgcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal. Tampered data, truncated data and data sealed with
// another key all yield ErrMalformed.
func Open(sealed, key []byte) ([]byte, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(sealed) < aesgcm.NonceSize()+aesgcm.Overhead() {
		return nil, ErrMalformed
	}
	nonce, ciphertext := sealed[:aesgcm.NonceSize()], sealed[aesgcm.NonceSize():]

	plaintext, err := aesgcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrMalformed
	}
	return plaintext, nil
}
