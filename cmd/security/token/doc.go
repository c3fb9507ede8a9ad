// Package token holds the opaque-token primitives used by Vitalis sessions.
//
// Tokens are random bytes from crypto/rand encoded as unpadded base64url.
// Servers never store them in plaintext: a Hasher derives a stable
// HMAC-SHA256 hex digest under the server secret and stores index by that
// digest.
//
// Environment:
//   - VITALIS_SESSION_SECRET: HMAC key for digests and signatures.
package token
