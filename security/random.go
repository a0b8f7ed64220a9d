package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// Default credential lengths. Secrets are longer than identifiers because
// identifiers appear in URLs and logs while secrets never should.
const (
	// DefaultClientIDLength is the generated length of client identifiers.
	DefaultClientIDLength = 40

	// DefaultClientSecretLength is the generated length of client secrets.
	DefaultClientSecretLength = 60

	// DefaultTokenLength is the generated length of access and refresh
	// tokens and authorization codes. 40 URL-safe base64 characters carry
	// 240 bits of entropy, comfortably unguessable.
	DefaultTokenLength = 40
)

// GenerateSecret returns a cryptographically random URL-safe string of
// exactly length characters. It panics if the system entropy source fails,
// which is unrecoverable for a credential issuer.
func GenerateSecret(length int) string {
	if length <= 0 {
		length = DefaultTokenLength
	}
	// base64 expands 3 bytes to 4 characters; over-read so truncation
	// never shortens the result below the requested length.
	raw := make([]byte, (length*3+3)/4+3)
	if _, err := rand.Read(raw); err != nil {
		panic(fmt.Sprintf("security: entropy source failure: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(raw)[:length]
}

// GenerateToken returns a random string of the default token length.
func GenerateToken() string {
	return GenerateSecret(DefaultTokenLength)
}
