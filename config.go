package oauth

import (
	"log/slog"
	"time"
)

// Default configuration values
const (
	// DefaultClientIDLength is the generated client_id length
	DefaultClientIDLength = 40

	// DefaultClientSecretLength is the generated client_secret length
	DefaultClientSecretLength = 60

	// DefaultTokenLength is the generated access/refresh token length
	DefaultTokenLength = 40

	// DefaultGrantTTL is how long an authorization code stays redeemable
	DefaultGrantTTL = 100 * time.Second

	// DefaultAccessTokenTTL is the lifetime of access tokens issued through
	// the code, refresh, and client_credentials flows
	DefaultAccessTokenTTL = time.Hour

	// DefaultBootstrapTokenTTL is the lifetime of anonymous session tokens
	DefaultBootstrapTokenTTL = 24 * time.Hour

	// DefaultClientName is the display name of the per-user bootstrap client
	DefaultClientName = "Default"

	// DefaultAnonymousUserID is the designated account anonymous sessions map to
	DefaultAnonymousUserID = "anonymous"

	// DefaultRateLimit is the rate allotment given to bootstrap-created clients
	DefaultRateLimit = 1.0
)

// Config holds the OAuth engine configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL) advertised in
	// discovery metadata. Empty means derive it from the incoming request.
	Issuer string

	// ClientIDLength is the length of generated client IDs. Default: 40.
	ClientIDLength int

	// ClientSecretLength is the length of generated client secrets. Default: 60.
	ClientSecretLength int

	// TokenLength is the length of generated access and refresh tokens.
	// Default: 40.
	TokenLength int

	// GrantTTL is the authorization-code lifetime. Default: 100s.
	GrantTTL time.Duration

	// AccessTokenTTL is the access-token lifetime for the standard flows.
	// Default: 1 hour.
	AccessTokenTTL time.Duration

	// BootstrapTokenTTL is the anonymous session token lifetime. Default: 24h.
	BootstrapTokenTTL time.Duration

	// DefaultClientName is the name of the per-user default client created by
	// bootstrap. Default: "Default".
	DefaultClientName string

	// AnonymousUserID is the account anonymous bootstrap sessions are
	// attributed to. Default: "anonymous".
	AnonymousUserID string

	// DefaultRateLimit is the rate allotment for bootstrap-created clients
	// when the request names none. Default: 1.0.
	DefaultRateLimit float64

	// AllowedResponseTypes restricts the authorize endpoint's response_type
	// parameter. Default: ["code"].
	AllowedResponseTypes []string

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// applySecureDefaults fills zero-valued fields with safe defaults.
func (c *Config) applySecureDefaults() {
	if c.ClientIDLength <= 0 {
		c.ClientIDLength = DefaultClientIDLength
	}
	if c.ClientSecretLength <= 0 {
		c.ClientSecretLength = DefaultClientSecretLength
	}
	if c.TokenLength <= 0 {
		c.TokenLength = DefaultTokenLength
	}
	if c.GrantTTL <= 0 {
		c.GrantTTL = DefaultGrantTTL
	}
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if c.BootstrapTokenTTL <= 0 {
		c.BootstrapTokenTTL = DefaultBootstrapTokenTTL
	}
	if c.DefaultClientName == "" {
		c.DefaultClientName = DefaultClientName
	}
	if c.AnonymousUserID == "" {
		c.AnonymousUserID = DefaultAnonymousUserID
	}
	if c.DefaultRateLimit <= 0 {
		c.DefaultRateLimit = DefaultRateLimit
	}
	if len(c.AllowedResponseTypes) == 0 {
		c.AllowedResponseTypes = []string{"code"}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
