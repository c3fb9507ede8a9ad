package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// SecretEnvKey is the env var holding the shared server secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	SecretEnvKey = "VITALIS_SESSION_SECRET"

	// DefaultTokenBytes is the entropy of session and refresh tokens.
	DefaultTokenBytes = 32

	// MinTokenChars and MaxTokenChars bound encoded tokens of 32..64 random bytes.
	MinTokenChars = 43
	MaxTokenChars = 86

	// MinSecretBytes is the smallest accepted secret.
	MinSecretBytes = 32
)

// GenerateSecureToken returns n random bytes encoded as unpadded base64url.
// n <= 0 selects DefaultTokenBytes.
func GenerateSecureToken(n int) (string, error) {
	if n <= 0 {
		n = DefaultTokenBytes
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("token: read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// IsValidSessionToken reports whether s is shaped like a session token.
// It never touches storage; it only rejects obviously malformed input.
func IsValidSessionToken(s string) bool {
	return wellFormed(s)
}

// IsValidRefreshToken reports whether s is shaped like a refresh token.
func IsValidRefreshToken(s string) bool {
	return wellFormed(s)
}

func wellFormed(s string) bool {
	if len(s) < MinTokenChars || len(s) > MaxTokenChars {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	// Reject encodings with non-canonical trailing bits.
	_, err := base64.RawURLEncoding.Strict().DecodeString(s)
	return err == nil
}

// CreateHMAC returns the hex HMAC-SHA256 of data under secret.
func CreateHMAC(data string, secret []byte) string {
	m := hmac.New(sha256.New, secret)
	_, _ = m.Write([]byte(data))
	return hex.EncodeToString(m.Sum(nil))
}

// VerifyHMAC recomputes the HMAC of data and compares it to signature in constant time.
func VerifyHMAC(data, signature string, secret []byte) bool {
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	m := hmac.New(sha256.New, secret)
	_, _ = m.Write([]byte(data))
	return hmac.Equal(got, m.Sum(nil))
}

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Hasher derives storage digests for opaque tokens.
type Hasher struct {
	key []byte
}

// NewHasher returns a Hasher keyed by secret.
func NewHasher(secret []byte) (Hasher, error) {
	if len(secret) == 0 {
		return Hasher{}, ErrSecretMissing
	}
	return Hasher{key: secret}, nil
}

// Digest returns the stable 64-char hex HMAC-SHA256 digest of tok.
func (h Hasher) Digest(tok string) string {
	return CreateHMAC(tok, h.key)
}

// ParseSecret trims raw and enforces a minimum byte length.
func ParseSecret(raw string, minBytes int) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrSecretMissing
	}
	b := []byte(raw)
	if minBytes > 0 && len(b) < minBytes {
		return nil, ErrSecretTooShort
	}
	return b, nil
}
