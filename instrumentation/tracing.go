package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// SECURITY WARNING: Never log actual sensitive values (access tokens, refresh
// tokens, authorization codes, client secrets) in traces or metrics. Only log
// metadata such as token types, expiry times, and validation results. Traces
// are persisted, replicated, and readable by a wider audience than the
// production system itself.
const (
	// OAuth flow attributes - SAFE to use for metadata only
	AttrClientID         = "oauth.client_id"         // Client identifier (non-secret)
	AttrUserID           = "oauth.user_id"           // User identifier (non-secret)
	AttrScope            = "oauth.scope"             // Requested scopes
	AttrGrantType        = "oauth.grant_type"        // OAuth grant type
	AttrResponseType     = "oauth.response_type"     // OAuth response type
	AttrClientType       = "oauth.client_type"       // Client type (public/confidential)
	AttrRedirectURI      = "oauth.redirect_uri"      // Redirect URI (may contain sensitive data)
	AttrState            = "oauth.state"             // OAuth state parameter
	AttrTokenType        = "oauth.token_type"        //nolint:gosec // Token type (Bearer, etc.) - NOT the actual token
	AttrTokenPersonal    = "oauth.token.personal"    //nolint:gosec // Whether the token is a personal access token
	AttrGrantReplay      = "oauth.grant.replay"      // Whether code replay was detected (boolean)
	AttrExpiresIn        = "oauth.expires_in"        // Token expiry duration
	AttrError            = "oauth.error"             // Error code
	AttrErrorDescription = "oauth.error_description" // Error description

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"
	AttrStorageKey       = "storage.key"

	// Security attributes
	AttrRateLimiterType     = "security.rate_limiter.type"
	AttrClientIP            = "security.client_ip"
	AttrAuditEventType      = "security.audit.event_type"
	AttrEncryptionOperation = "security.encryption.operation"

	// HTTP attributes (in addition to standard semantic conventions)
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddOAuthFlowAttributes adds common OAuth flow attributes to a span (nil-safe)
func AddOAuthFlowAttributes(span trace.Span, clientID, userID, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if userID != "" {
		SetSpanAttributes(span, attribute.String(AttrUserID, userID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}

// AddSecurityAttributes adds security-related attributes to a span (nil-safe)
//
// PRIVACY NOTE: Client IP addresses may be PII. Check
// instrumentation.ShouldLogClientIPs() before calling this.
func AddSecurityAttributes(span trace.Span, clientIP string) {
	if clientIP != "" {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}
