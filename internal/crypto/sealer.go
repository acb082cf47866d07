// Package crypto provides the AEAD sealing used for snapshots, vault
// entries, and stored upstream credit keys.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Sealer encrypts and decrypts blobs with XChaCha20-Poly1305.
// A fresh random nonce is drawn per seal and prepended to the ciphertext.
type Sealer struct {
	key []byte
}

// NewSealer derives a sealing key from a master secret and a purpose
// label using HKDF-SHA256. Distinct labels yield independent keys.
func NewSealer(master []byte, purpose string) (*Sealer, error) {
	if len(master) == 0 {
		return nil, fmt.Errorf("crypto: empty master key")
	}
	key, err := deriveKey(master, nil, purpose)
	if err != nil {
		return nil, err
	}
	return &Sealer{key: key}, nil
}

// NewVaultSealer derives a per-user sealing key from the vault master
// key and the user's identity material.
func NewVaultSealer(master []byte, email, username string) (*Sealer, error) {
	if len(master) == 0 {
		return nil, fmt.Errorf("crypto: empty vault master key")
	}
	key, err := deriveKey(master, []byte(email), "vault:"+username)
	if err != nil {
		return nil, err
	}
	return &Sealer{key: key}, nil
}

func deriveKey(master, salt []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, master, salt, []byte(info))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("crypto: key derivation: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext. Output layout: nonce || ciphertext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal.
func (s *Sealer) Open(blob []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	if len(blob) < aead.NonceSize() {
		return nil, fmt.Errorf("crypto: blob shorter than nonce")
	}
	nonce, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: open: %w", err)
	}
	return plaintext, nil
}

// SealString encrypts a string and returns base64 for storage in JSON
// documents.
func (s *Sealer) SealString(plaintext string) (string, error) {
	blob, err := s.Seal([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

// OpenString reverses SealString.
func (s *Sealer) OpenString(encoded string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("crypto: decode: %w", err)
	}
	plaintext, err := s.Open(blob)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
