package security

import "time"

const (
	// DefaultClockSkewGracePeriod is the default grace period for expiry
	// checks. It prevents false expiration errors caused by clock drift
	// between the server and its storage backend; 5 seconds covers typical
	// NTP drift while extending token lifetime only negligibly.
	DefaultClockSkewGracePeriod = 5 * time.Second
)

// IsExpired checks whether an expiry instant has passed, with the default
// clock skew grace period. A zero time means no expiration.
func IsExpired(expiresAt time.Time) bool {
	return IsExpiredWithGracePeriod(expiresAt, DefaultClockSkewGracePeriod)
}

// IsExpiredWithGracePeriod checks whether an expiry instant has passed,
// with a custom grace period.
func IsExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(gracePeriod))
}
