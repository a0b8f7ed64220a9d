package security

// Event type constants for security audit logging. Using constants keeps
// event names consistent across the codebase and queryable downstream.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when a bearer token is issued.
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a token is rotated via the refresh flow.
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked.
	EventTokenRevoked = "token_revoked"

	// EventPersonalTokenCreated is logged when a user creates a personal
	// access token.
	EventPersonalTokenCreated = "personal_token_created" //nolint:gosec // event type name, not a credential

	// Authorization flow events

	// EventGrantIssued is logged when an authorization code is created.
	EventGrantIssued = "grant_issued"

	// EventGrantReplayDetected is logged when an unknown or already-consumed
	// authorization code is presented for exchange (theft indicator).
	EventGrantReplayDetected = "grant_replay_detected"

	// Client lifecycle events

	// EventClientCreated is logged when a new OAuth client is registered.
	EventClientCreated = "client_created"

	// EventClientSecretReset is logged when a client secret is rotated.
	EventClientSecretReset = "client_secret_reset" //nolint:gosec // event type name, not a credential

	// EventQuotaExceeded is logged when client creation is rejected because
	// the owner's rate quota is exhausted.
	EventQuotaExceeded = "quota_exceeded"

	// Bootstrap events

	// EventBootstrap is logged when a bootstrap call hands out a token.
	EventBootstrap = "bootstrap_token_issued" //nolint:gosec // event type name, not a credential

	// Security violation events

	// EventAuthFailure is logged when authentication fails.
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded.
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventScopeEscalationAttempt is logged when a request asks for scopes
	// outside the client's or caller's allowed set.
	EventScopeEscalationAttempt = "scope_escalation_attempt"
)
