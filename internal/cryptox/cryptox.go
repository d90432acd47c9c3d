// Package cryptox provides AES-GCM encryption for document content and
// attachment files at rest. Sealed values embed the nonce so a single
// column or file holds everything needed to decrypt.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrCiphertextTooShort = errors.New("cryptox: ciphertext too short")

// Box performs symmetric encryption with a single 256-bit key.
type Box struct {
	aead cipher.AEAD
}

// NewBox builds a Box from a hex-encoded 32-byte key.
func NewBox(hexKey string) (*Box, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts plaintext and returns nonce||ciphertext.
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return b.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts data produced by Seal.
func (b *Box) Open(data []byte) ([]byte, error) {
	ns := b.aead.NonceSize()
	if len(data) < ns {
		return nil, ErrCiphertextTooShort
	}
	return b.aead.Open(nil, data[:ns], data[ns:], nil)
}

// SealJSON serializes v to JSON and encrypts it.
func (b *Box) SealJSON(v any) ([]byte, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b.Seal(plaintext)
}

// OpenJSON decrypts data and unmarshals the plaintext into v.
func (b *Box) OpenJSON(data []byte, v any) error {
	plaintext, err := b.Open(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(plaintext, v)
}
