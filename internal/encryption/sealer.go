// Package encryption seals small secrets for storage at rest with AES-256-GCM
// under a key derived from an operator passphrase with Argon2id.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

// sealedPrefix marks a sealed value so plaintext values stored before
// sealing was enabled can still be read
const sealedPrefix = "sealed:v1:"

var (
	// ErrSealed is returned when a sealed value is read without a key
	ErrSealed = errors.New("value is sealed")
	// ErrOpen is returned when a sealed value does not decrypt under the key
	ErrOpen = errors.New("failed to open sealed value")
)

// Params holds Argon2id parameters
type Params struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
}

// DefaultParams returns the recommended Argon2id parameters
func DefaultParams() Params {
	return Params{
		Memory:      64 * 1024,
		Iterations:  3,
		Parallelism: 4,
	}
}

// Sealer encrypts and decrypts values under one derived key
type Sealer struct {
	aead    cipher.AEAD
	keyHash string
}

// NewSealer derives a key from secret and salt
func NewSealer(secret, salt []byte, params Params) (*Sealer, error) {
	if len(secret) == 0 {
		return nil, errors.New("secret cannot be empty")
	}
	if len(salt) < 16 {
		return nil, fmt.Errorf("salt must be at least 16 bytes, got %d bytes", len(salt))
	}

	key := argon2.IDKey(secret, salt, params.Iterations, params.Memory, params.Parallelism, 32)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	sum := sha256.Sum256(key)
	return &Sealer{
		aead:    aead,
		keyHash: hex.EncodeToString(sum[:8]),
	}, nil
}

// GenerateSalt returns a random 32-byte salt
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// KeyHash identifies the derived key without revealing it
func (s *Sealer) KeyHash() string {
	return s.keyHash
}

// Seal encrypts plaintext with a fresh nonce and returns a printable value
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, plaintext, nil)
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal
func (s *Sealer) Open(value string) ([]byte, error) {
	if !IsSealed(value) {
		return nil, fmt.Errorf("%w: missing prefix", ErrOpen)
	}
	data, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}

	n := s.aead.NonceSize()
	if len(data) < n {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrOpen)
	}
	plaintext, err := s.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}
	return plaintext, nil
}

// IsSealed reports whether value was produced by Seal
func IsSealed(value string) bool {
	return strings.HasPrefix(value, sealedPrefix)
}
