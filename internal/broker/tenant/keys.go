// Package tenant implements credential issuance and permission checks for
// organization-scoped access.
package tenant

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// TokenPrefix marks broker-issued API key tokens.
const TokenPrefix = "dk_"

// tokenRandomBytes yields 43 url-safe characters after base64 encoding.
const tokenRandomBytes = 32

// GenerateToken creates a new API key token. The token is returned exactly
// once; only its hash is persisted.
func GenerateToken() (string, error) {
	raw := make([]byte, tokenRandomBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return TokenPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// HashToken returns the hex-encoded SHA-256 of a token, the form stored and
// looked up for authentication.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// DisplayPrefix returns the short leading fragment of a token safe to show in
// listings.
func DisplayPrefix(token string) string {
	const visible = len(TokenPrefix) + 8
	if len(token) < visible {
		return token
	}
	return token[:visible]
}

// ValidTokenShape reports whether a presented credential looks like a broker
// token. It says nothing about whether the token is known.
func ValidTokenShape(token string) bool {
	if !strings.HasPrefix(token, TokenPrefix) {
		return false
	}
	body := token[len(TokenPrefix):]
	if len(body) != base64.RawURLEncoding.EncodedLen(tokenRandomBytes) {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(body)
	return err == nil
}
