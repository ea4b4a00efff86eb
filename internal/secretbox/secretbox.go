// Package secretbox seals credentials at rest. Values are encrypted with
// XChaCha20-Poly1305 under a random master key bound to a file next to
// the database; rows carry the key id so a box opened with the wrong key
// refuses cleanly instead of failing authentication one row at a time.
package secretbox

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
	"lukechampine.com/blake3"
)

// KeyFileName is the master key file inside the data directory.
const KeyFileName = "master.key"

const keySize = chacha20poly1305.KeySize

// Box seals and opens secret values under one master key.
type Box struct {
	kid  string
	aead cipher.AEAD
}

// Open loads the master key from dir, creating it with mode 0600 on first
// use. The key id is derived from the key bytes, so every box over the
// same file agrees on it.
func Open(dir string) (*Box, error) {
	path := filepath.Join(dir, KeyFileName)

	key, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		key = make([]byte, keySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate master key: %w", err)
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create key directory: %w", err)
		}
		if err := os.WriteFile(path, key, 0o600); err != nil {
			return nil, fmt.Errorf("write master key: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("read master key: %w", err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("master key %s: expected %d bytes, got %d", path, keySize, len(key))
	}

	return New(key)
}

// New builds a box over an explicit key. Tests use this; production goes
// through Open.
func New(key []byte) (*Box, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	sum := blake3.Sum256(key)
	return &Box{kid: hex.EncodeToString(sum[:8]), aead: aead}, nil
}

// KID identifies the master key this box holds.
func (b *Box) KID() string {
	return b.kid
}

// Seal encrypts a value under a fresh random nonce.
func (b *Box) Seal(plaintext []byte) (kid string, nonce, ciphertext []byte, err error) {
	nonce = make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return b.kid, nonce, b.aead.Seal(nil, nonce, plaintext, nil), nil
}

// OpenSecret decrypts a sealed value. A key id mismatch means the row was
// sealed under a different master key file; that is a configuration
// problem, not a corrupt row.
func (b *Box) OpenSecret(kid string, nonce, ciphertext []byte) ([]byte, error) {
	if kid != b.kid {
		return nil, fmt.Errorf("secret sealed under key %s, this hub holds %s", kid, b.kid)
	}
	plaintext, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open secret: %w", err)
	}
	return plaintext, nil
}
