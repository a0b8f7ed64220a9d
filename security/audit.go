package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
// User identifiers are hashed before logging; token and secret values are
// never logged at all.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// Event represents a security audit event.
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenIssued logs a token issuance.
func (a *Auditor) LogTokenIssued(userID, clientID string, scopes []string, personal bool) {
	a.LogEvent(Event{
		Type:     EventTokenIssued,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"scopes":   scopes,
			"personal": personal,
		},
	})
}

// LogTokenRefreshed logs a refresh-token rotation.
func (a *Auditor) LogTokenRefreshed(userID, clientID string) {
	a.LogEvent(Event{
		Type:     EventTokenRefreshed,
		UserID:   userID,
		ClientID: clientID,
	})
}

// LogTokenRevoked logs a token revocation.
func (a *Auditor) LogTokenRevoked(userID, clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventTokenRevoked,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogGrantIssued logs the creation of an authorization code.
func (a *Auditor) LogGrantIssued(userID, clientID string, scopes []string) {
	a.LogEvent(Event{
		Type:     EventGrantIssued,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"scopes": scopes,
		},
	})
}

// LogGrantReplay logs an attempt to exchange an already-consumed or unknown
// authorization code. Replays are a token-theft indicator.
func (a *Auditor) LogGrantReplay(clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventGrantReplayDetected,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"severity": "critical",
		},
	})
}

// LogAuthFailure logs an authentication failure with its reason.
func (a *Auditor) LogAuthFailure(userID, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation.
func (a *Auditor) LogRateLimitExceeded(ipAddress, userID string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		UserID:    userID,
		IPAddress: ipAddress,
	})
}

// LogQuotaExceeded logs a rejected client creation due to the owner's rate
// quota being exhausted.
func (a *Auditor) LogQuotaExceeded(userID string, requested float64) {
	a.LogEvent(Event{
		Type:   EventQuotaExceeded,
		UserID: userID,
		Details: map[string]any{
			"requested_allotment": requested,
		},
	})
}

// LogClientCreated logs the registration of a new OAuth client.
func (a *Auditor) LogClientCreated(clientID, ownerID string, internal bool) {
	a.LogEvent(Event{
		Type:     EventClientCreated,
		UserID:   ownerID,
		ClientID: clientID,
		Details: map[string]any{
			"internal": internal,
		},
	})
}

// LogClientSecretReset logs a client secret rotation.
func (a *Auditor) LogClientSecretReset(clientID, ownerID string) {
	a.LogEvent(Event{
		Type:     EventClientSecretReset,
		UserID:   ownerID,
		ClientID: clientID,
	})
}

// LogBootstrap logs a bootstrap token handout.
func (a *Auditor) LogBootstrap(userID, clientID string, anonymous, createdClient bool) {
	a.LogEvent(Event{
		Type:     EventBootstrap,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"anonymous":      anonymous,
			"created_client": createdClient,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging.
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
