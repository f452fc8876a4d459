package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	// KeySize is the AES-256 key length shared by both peers.
	KeySize = 32
	// NonceSize is the GCM nonce length prefixed to every ciphertext.
	NonceSize = 12
)

var (
	// ErrInvalidKeySize is returned when the provided key is not 32 bytes.
	ErrInvalidKeySize = errors.New("key must be exactly 32 bytes for AES-256")

	// ErrDecryptFailed is returned when GCM authentication fails on decrypt.
	ErrDecryptFailed = errors.New("authentication failed: ciphertext has been tampered with")
)

// EncryptChunk seals plaintext with AES-256-GCM under a fresh random nonce.
// The nonce is stored as the first 12 bytes of the returned ciphertext, so
// the result is self-contained and round-trips byte-exactly across the wire.
func EncryptChunk(plaintext, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// DecryptChunk opens a ciphertext produced by EncryptChunk. Any truncation
// or bit flip in the input yields ErrDecryptFailed; partial plaintext is
// never returned.
func DecryptChunk(ciphertext, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < NonceSize+gcm.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short (%d bytes)", ErrDecryptFailed, len(ciphertext))
	}

	nonce, sealed := ciphertext[:NonceSize], ciphertext[NonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}
