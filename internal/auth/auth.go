// Package auth implements the challenge-response handshake: the server
// issues a fresh salt, the client answers with hex(SHA-256(password||salt)).
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"os"

	"github.com/google/uuid"
)

const (
	// AdminUser is the only recognized client id.
	AdminUser = "admin"

	// EnvAdminPassword holds the server's expected password.
	EnvAdminPassword = "PARAFLOW_ADMIN_PASSWORD"

	fallbackPassword = "default_fallback_change_me"
)

// ErrAccessDenied is returned when the handshake answer does not match.
var ErrAccessDenied = errors.New("access denied")

// GenerateSalt returns a fresh random salt, one per LoginRequest.
func GenerateSalt() string {
	return uuid.New().String()
}

// Answer computes the client's response to a challenge.
func Answer(password, salt string) string {
	sum := sha256.Sum256([]byte(password + salt))
	return hex.EncodeToString(sum[:])
}

// Verifier checks handshake answers against the expected password.
type Verifier struct {
	password string
}

// NewVerifier builds a verifier for an explicit password.
func NewVerifier(password string) *Verifier {
	return &Verifier{password: password}
}

// NewVerifierFromEnv reads the expected password from PARAFLOW_ADMIN_PASSWORD,
// falling back to the well-known default when unset.
func NewVerifierFromEnv() *Verifier {
	password := os.Getenv(EnvAdminPassword)
	if password == "" {
		password = fallbackPassword
	}
	return NewVerifier(password)
}

// Verify reports whether answer matches the expected hash for the salt the
// server issued on this connection. Only the admin user is recognized.
func (v *Verifier) Verify(clientID, salt, answer string) bool {
	if clientID != AdminUser {
		return false
	}
	expected := Answer(v.password, salt)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(answer)) == 1
}
