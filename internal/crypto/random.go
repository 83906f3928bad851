package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// GenerateCredential creates a cryptographically secure random secret.
// Returns a base64 URL-encoded string suitable for use as a one-time
// bridging credential or a vote token.
func GenerateCredential() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateNonce creates a short hex nonce. It is cosmetic entropy for
// state tokens: it keeps concurrent requests from producing identical
// payloads but is never tracked or consumed server-side.
func GenerateNonce() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashCredential hashes a bridging credential using bcrypt.
// The real session provider hashes passwords at rest; the in-memory
// provider double does the same so tests exercise the same contract.
func HashCredential(credential string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(credential), bcrypt.DefaultCost)
}

// VerifyCredential compares a bcrypt hash against a plaintext credential.
func VerifyCredential(hash []byte, credential string) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(credential)) == nil
}
