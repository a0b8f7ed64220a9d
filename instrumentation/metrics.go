package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the OAuth provider
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// OAuth Flow Metrics
	AuthorizationRequests metric.Int64Counter
	GrantsIssued          metric.Int64Counter
	CodesExchanged        metric.Int64Counter
	TokensIssued          metric.Int64Counter
	TokensRefreshed       metric.Int64Counter
	TokensRevoked         metric.Int64Counter
	BootstrapRequests     metric.Int64Counter
	ClientsCreated        metric.Int64Counter

	// Security Metrics
	RateLimitExceeded   metric.Int64Counter
	GrantReplayDetected metric.Int64Counter
	AuthFailures        metric.Int64Counter
	QuotaExceeded       metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageSizeClients       metric.Int64ObservableGauge
	StorageSizeTokens        metric.Int64ObservableGauge
	StorageSizeGrants        metric.Int64ObservableGauge

	// Audit Metrics
	AuditEventsTotal metric.Int64Counter

	// Encryption Metrics
	EncryptionOperationsTotal metric.Int64Counter
	EncryptionDuration        metric.Float64Histogram
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	engineMeter := inst.Meter("engine")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	var err error
	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"oauth.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.AuthorizationRequests, err = engineMeter.Int64Counter(
		"oauth.authorization.requests",
		metric.WithDescription("Number of authorization requests validated"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorization.requests counter: %w", err)
	}

	m.GrantsIssued, err = engineMeter.Int64Counter(
		"oauth.grants.issued",
		metric.WithDescription("Number of authorization grants issued"),
		metric.WithUnit("{grant}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grants.issued counter: %w", err)
	}

	m.CodesExchanged, err = engineMeter.Int64Counter(
		"oauth.code.exchanged",
		metric.WithDescription("Number of authorization codes exchanged for tokens"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.exchanged counter: %w", err)
	}

	m.TokensIssued, err = engineMeter.Int64Counter(
		"oauth.token.issued",
		metric.WithDescription("Number of access tokens issued"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.issued counter: %w", err)
	}

	m.TokensRefreshed, err = engineMeter.Int64Counter(
		"oauth.token.refreshed",
		metric.WithDescription("Number of tokens refreshed"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.refreshed counter: %w", err)
	}

	m.TokensRevoked, err = engineMeter.Int64Counter(
		"oauth.token.revoked",
		metric.WithDescription("Number of tokens revoked"),
		metric.WithUnit("{revocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.revoked counter: %w", err)
	}

	m.BootstrapRequests, err = engineMeter.Int64Counter(
		"oauth.bootstrap.requests",
		metric.WithDescription("Number of bootstrap token requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bootstrap.requests counter: %w", err)
	}

	m.ClientsCreated, err = engineMeter.Int64Counter(
		"oauth.client.created",
		metric.WithDescription("Number of clients created"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client.created counter: %w", err)
	}

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"oauth.rate_limit.exceeded",
		metric.WithDescription("Number of rate limit violations"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	m.GrantReplayDetected, err = securityMeter.Int64Counter(
		"oauth.grant.replay_detected",
		metric.WithDescription("Number of authorization code replay attempts detected"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grant.replay_detected counter: %w", err)
	}

	m.AuthFailures, err = securityMeter.Int64Counter(
		"oauth.auth.failures",
		metric.WithDescription("Number of failed client or token authentications"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth.failures counter: %w", err)
	}

	m.QuotaExceeded, err = securityMeter.Int64Counter(
		"oauth.quota.exceeded",
		metric.WithDescription("Number of client creation attempts rejected by quota"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create quota.exceeded counter: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"storage.operation.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageSizeClients, err = storageMeter.Int64ObservableGauge(
		"storage.size.clients",
		metric.WithDescription("Number of clients currently stored"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.size.clients gauge: %w", err)
	}

	m.StorageSizeTokens, err = storageMeter.Int64ObservableGauge(
		"storage.size.tokens",
		metric.WithDescription("Number of tokens currently stored"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.size.tokens gauge: %w", err)
	}

	m.StorageSizeGrants, err = storageMeter.Int64ObservableGauge(
		"storage.size.grants",
		metric.WithDescription("Number of pending grants currently stored"),
		metric.WithUnit("{grant}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.size.grants gauge: %w", err)
	}

	m.AuditEventsTotal, err = securityMeter.Int64Counter(
		"oauth.audit.events.total",
		metric.WithDescription("Total number of audit events"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.events.total counter: %w", err)
	}

	m.EncryptionOperationsTotal, err = securityMeter.Int64Counter(
		"oauth.encryption.operations.total",
		metric.WithDescription("Total number of encryption/decryption operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryption.operations.total counter: %w", err)
	}

	m.EncryptionDuration, err = securityMeter.Float64Histogram(
		"oauth.encryption.duration",
		metric.WithDescription("Encryption/decryption operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryption.duration histogram: %w", err)
	}

	return m, nil
}

// Helper methods for common metric recording patterns

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	}

	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordAuthorizationRequest records a validated authorization request
func (m *Metrics) RecordAuthorizationRequest(ctx context.Context, clientID, responseType string) {
	m.AuthorizationRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("response_type", responseType),
	))
}

// RecordGrantIssued records an issued authorization grant
func (m *Metrics) RecordGrantIssued(ctx context.Context, clientID string) {
	m.GrantsIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordCodeExchange records an authorization code exchange
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID string) {
	m.CodesExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordTokenIssued records an access token issuance
func (m *Metrics) RecordTokenIssued(ctx context.Context, clientID, grantType string, personal bool) {
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("grant_type", grantType),
		attribute.Bool("personal", personal),
	))
}

// RecordTokenRefresh records a token refresh operation
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string) {
	m.TokensRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordTokenRevocation records a token revocation
func (m *Metrics) RecordTokenRevocation(ctx context.Context, clientID string) {
	m.TokensRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordBootstrapRequest records a bootstrap token request
func (m *Metrics) RecordBootstrapRequest(ctx context.Context, anonymous, reused bool) {
	m.BootstrapRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("anonymous", anonymous),
		attribute.Bool("reused", reused),
	))
}

// RecordClientCreated records a client creation
func (m *Metrics) RecordClientCreated(ctx context.Context, internal bool) {
	m.ClientsCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("internal", internal),
	))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordGrantReplayDetected records an authorization code replay attempt
func (m *Metrics) RecordGrantReplayDetected(ctx context.Context, clientID string) {
	m.GrantReplayDetected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordAuthFailure records a failed client or token authentication
func (m *Metrics) RecordAuthFailure(ctx context.Context, reason string) {
	m.AuthFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordQuotaExceeded records a quota rejection
func (m *Metrics) RecordQuotaExceeded(ctx context.Context, ownerID string) {
	m.QuotaExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("owner_id", ownerID),
	))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("result", result),
	}

	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordEncryptionOperation records an encryption/decryption operation
func (m *Metrics) RecordEncryptionOperation(ctx context.Context, operation string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
	}

	m.EncryptionOperationsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.EncryptionDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
