// Package security provides the security primitives shared by the OAuth
// engine and its storage backends: cryptographically random credential
// generation, password and secret handling, clock-skew tolerant expiry
// checks, per-identifier rate limiting, audit logging with PII hashing,
// and token encryption at rest.
package security
