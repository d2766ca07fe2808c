// Package security provides the credential and transport primitives for
// the platform:
//
//   - Agent authentication tokens (random, stored only as SHA-256 hashes)
//   - Administrator password records (PBKDF2-HMAC-SHA256)
//   - Administrator session tokens (HS256 JWT, key derived via HKDF from
//     the platform identity key)
//   - HTTP authentication middleware and per-client rate limiting
//   - TLS certificate generation and management (self-signed, ACME,
//     user-provided)
package security
