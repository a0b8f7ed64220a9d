// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for the portal-oauth library.
//
// This package enables observability across all library layers through:
// - Metrics: Counters, histograms, and gauges for monitoring OAuth operations
// - Traces: Distributed tracing for request flows across components
//
// # Quick Start
//
// Enable basic instrumentation:
//
//	import "github.com/openmodeling/portal-oauth/instrumentation"
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "portal-oauth",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
// # Available Metrics
//
// HTTP Layer:
//   - oauth.http.requests.total{method, endpoint, status} - Total HTTP requests
//   - oauth.http.request.duration{endpoint} - Request duration in milliseconds
//
// OAuth Flows:
//   - oauth.authorization.requests{client_id, response_type} - Authorization requests validated
//   - oauth.grants.issued{client_id} - Authorization grants issued
//   - oauth.code.exchanged{client_id} - Authorization codes exchanged
//   - oauth.token.issued{client_id, grant_type, personal} - Access tokens issued
//   - oauth.token.refreshed{client_id} - Tokens refreshed
//   - oauth.token.revoked{client_id} - Tokens revoked
//   - oauth.bootstrap.requests{anonymous, reused} - Bootstrap token requests
//   - oauth.client.created{internal} - Clients created
//
// Security:
//   - oauth.rate_limit.exceeded{limiter_type} - Rate limit violations
//   - oauth.grant.replay_detected - Authorization code replay attempts
//   - oauth.auth.failures{reason} - Failed client or token authentications
//   - oauth.quota.exceeded - Client creation attempts rejected by quota
//
// Storage:
//   - storage.operation.total{operation, result} - Storage operations
//   - storage.operation.duration{operation} - Operation duration in milliseconds
//   - storage.size.{clients,tokens,grants} - Current storage sizes
//
// # Security Considerations
//
// When instrumenting OAuth flows, you MUST:
//   - NEVER log actual token values (access tokens, refresh tokens, authorization codes)
//   - NEVER log client secrets
//   - ONLY log metadata (token types, expiry times, validation results)
//
// Data collected in traces and metrics may be persisted for extended periods,
// accessible to operations teams, and subject to compliance requirements
// (GDPR, PCI-DSS, SOC 2). Client IP addresses and user IDs may be PII in
// some jurisdictions; use Config.LogClientIPs to suppress IP collection.
//
// # Thread Safety
//
// All instrumentation operations are thread-safe and can be called
// concurrently from multiple goroutines.
//
// # Performance
//
// When instrumentation is disabled the package runs on no-op providers with
// no allocations or latency impact.
package instrumentation
