package store

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/chadiek/companion-gateway/internal/stream"
)

const nonceSize = 24

// Cipher seals transcripts at rest with NaCl secretbox. Output is base64 of
// nonce followed by the sealed box.
type Cipher struct {
	key [32]byte
}

// NewCipher parses a base64 encoded 32 byte key. An empty key returns nil,
// meaning transcripts are stored in plaintext and flagged as such.
func NewCipher(encodedKey string) (*Cipher, error) {
	if encodedKey == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, &stream.ConfigError{Field: "TRANSCRIPT_KEY", Reason: "not base64"}
	}
	if len(raw) != 32 {
		return nil, &stream.ConfigError{Field: "TRANSCRIPT_KEY", Reason: fmt.Sprintf("want 32 bytes, got %d", len(raw))}
	}
	c := &Cipher{}
	copy(c.key[:], raw)
	return c, nil
}

// Seal encrypts plaintext. On a nil Cipher it returns the input unchanged and
// encrypted=false.
func (c *Cipher) Seal(plaintext string) (out string, encrypted bool, err error) {
	if c == nil {
		return plaintext, false, nil
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", false, fmt.Errorf("read nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &c.key)
	return base64.StdEncoding.EncodeToString(box), true, nil
}

// Open decrypts a value produced by Seal.
func (c *Cipher) Open(sealed string) (string, error) {
	if c == nil {
		return "", errors.New("no transcript key configured")
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decode transcript: %w", err)
	}
	if len(raw) < nonceSize+secretbox.Overhead {
		return "", errors.New("transcript ciphertext too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &c.key)
	if !ok {
		return "", errors.New("transcript authentication failed")
	}
	return string(plain), nil
}
