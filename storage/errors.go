package storage

import "errors"

// Sentinel errors returned by storage backends. Callers match them with
// errors.Is; backends wrap them with %w to add context.
var (
	// ErrClientNotFound is returned when no client matches the lookup.
	ErrClientNotFound = errors.New("client not found")

	// ErrClientExists is returned by CreateClient when a client with the
	// same (owner, name, internal) triple already exists. Callers racing on
	// a lookup-or-create path retry as a lookup.
	ErrClientExists = errors.New("client already exists")

	// ErrQuotaExceeded is returned by CreateClient when the owner's summed
	// rate allotments plus the new client's would exceed the owner's quota.
	ErrQuotaExceeded = errors.New("client rate quota exceeded")

	// ErrTokenNotFound is returned when no token matches the lookup.
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenExpired is returned when a token exists but its expiry has
	// passed. Expired rows are tombstoned lazily: checked on read, swept
	// out of band.
	ErrTokenExpired = errors.New("token expired")

	// ErrGrantNotFound is returned when no grant matches, including when a
	// concurrent exchange already consumed the code.
	ErrGrantNotFound = errors.New("authorization grant not found")

	// ErrGrantExpired is returned when a grant exists but its TTL has passed.
	ErrGrantExpired = errors.New("authorization grant expired")

	// ErrStorageUnavailable wraps transient backend failures (connection
	// errors). It is the only storage error class eligible for caller-side
	// retry and maps to HTTP 503 at the transport boundary.
	ErrStorageUnavailable = errors.New("storage unavailable")
)
