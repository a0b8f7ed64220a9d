package security

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Credential is a stored password hash. It replaces transparent
// property-style password setters with an explicit hash/verify pair.
type Credential struct {
	hash []byte
}

// HashPassword derives a Credential from a cleartext password using bcrypt.
func HashPassword(password string) (Credential, error) {
	if password == "" {
		return Credential{}, fmt.Errorf("password cannot be empty")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Credential{}, fmt.Errorf("failed to hash password: %w", err)
	}
	return Credential{hash: h}, nil
}

// CredentialFromHash wraps an already-derived bcrypt hash, as loaded from
// persistent storage.
func CredentialFromHash(hash string) Credential {
	return Credential{hash: []byte(hash)}
}

// Hash returns the stored bcrypt hash for persistence.
func (c Credential) Hash() string {
	return string(c.hash)
}

// Verify reports whether password matches the stored hash.
// bcrypt comparison is constant-time by design.
func (c Credential) Verify(password string) bool {
	if len(c.hash) == 0 {
		return false
	}
	return bcrypt.CompareHashAndPassword(c.hash, []byte(password)) == nil
}

// dummySecret is compared against when a client does not exist, so secret
// validation takes the same time whether or not the client is real.
const dummySecret = "mB1qT7vWc0xZr4kN8sD2fG6hJ9lP3yU5aE7iO1uQ4wS6dF8g"

// SecretsEqual compares two cleartext secrets in constant time.
func SecretsEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// SecretsEqualAntiEnum compares a presented secret against a stored one,
// substituting a dummy comparison when the stored secret is absent so that
// timing does not reveal whether the client exists.
func SecretsEqualAntiEnum(stored, presented string) bool {
	if stored == "" {
		// Burn the comparison anyway, then fail.
		subtle.ConstantTimeCompare([]byte(dummySecret), []byte(presented))
		return false
	}
	return SecretsEqual(stored, presented)
}
