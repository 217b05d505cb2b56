// Package pickle seals serialized ratchet state for storage. The master key
// protects state at rest against storage compromise; it does not grant the
// server any capability over conversation content.
package pickle

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrOpenFailed = errors.New("pickle: authentication failed")

type Codec struct {
	key [32]byte
}

func NewCodec(key []byte) (*Codec, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("pickle: master key must be 32 bytes, got %d", len(key))
	}
	c := &Codec{}
	copy(c.key[:], key)
	return c, nil
}

// Seal marshals v to JSON and encrypts it with AES-256-GCM under a fresh
// nonce. Ciphertext and nonce are stored as separate columns.
func (c *Codec) Seal(v any) ([]byte, []byte, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, nil, fmt.Errorf("pickle: marshal: %w", err)
	}
	aead, err := c.aead()
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("pickle: nonce: %w", err)
	}
	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Open decrypts and unmarshals a sealed pickle into v. A failure here means
// the stored state is unreadable with the current master key, which upstream
// layers treat as an unrecoverable desync.
func (c *Codec) Open(ciphertext, nonce []byte, v any) error {
	aead, err := c.aead()
	if err != nil {
		return err
	}
	if len(nonce) != aead.NonceSize() {
		return ErrOpenFailed
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return ErrOpenFailed
	}
	if err := json.Unmarshal(plaintext, v); err != nil {
		return fmt.Errorf("pickle: unmarshal: %w", err)
	}
	return nil
}

func (c *Codec) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("pickle: cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
