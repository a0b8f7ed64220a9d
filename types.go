package oauth

// ErrorResponse represents an OAuth error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`

	// ErrorURI points to error documentation
	ErrorURI string `json:"error_uri,omitempty"`
}

// TokenResponse represents an OAuth 2.0 token response
type TokenResponse struct {
	// AccessToken is the access token
	AccessToken string `json:"access_token"`

	// TokenType is the type of token (always "bearer")
	TokenType string `json:"token_type"`

	// ExpiresIn is the lifetime in seconds of the access token.
	// Omitted for tokens that never expire.
	ExpiresIn int64 `json:"expires_in,omitempty"`

	// RefreshToken is the refresh token (absent for personal and bootstrap tokens)
	RefreshToken string `json:"refresh_token,omitempty"`

	// Scope is the space-separated scope of the access token
	Scope string `json:"scope,omitempty"`
}

// BootstrapResponse is the token response returned by the bootstrap endpoint,
// extended with the client credentials the browser session needs to act as an
// OAuth client of its own.
type BootstrapResponse struct {
	TokenResponse

	// ClientID is the reused or freshly created client identifier
	ClientID string `json:"client_id"`

	// ClientSecret is returned so the session can authenticate future
	// token-endpoint calls
	ClientSecret string `json:"client_secret"`

	// ClientName is the client's display name
	ClientName string `json:"client_name"`

	// RateLimit is the fraction of the owner's quota allotted to this client
	RateLimit float64 `json:"ratelimit"`
}

// AuthorizationServerMetadata represents OAuth 2.0 Authorization Server
// Metadata (RFC 8414), served at /.well-known/oauth-authorization-server.
type AuthorizationServerMetadata struct {
	// Issuer is the authorization server's issuer identifier URL
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL of the authorization endpoint
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the URL of the token endpoint
	TokenEndpoint string `json:"token_endpoint"`

	// ScopesSupported lists the OAuth scopes supported
	ScopesSupported []string `json:"scopes_supported,omitempty"`

	// ResponseTypesSupported lists the OAuth response types supported
	ResponseTypesSupported []string `json:"response_types_supported"`

	// GrantTypesSupported lists the OAuth grant types supported
	GrantTypesSupported []string `json:"grant_types_supported,omitempty"`

	// TokenEndpointAuthMethodsSupported lists the client authentication methods supported at the token endpoint
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`

	// RevocationEndpoint is the URL of the OAuth 2.0 token revocation endpoint (RFC 7009)
	RevocationEndpoint string `json:"revocation_endpoint,omitempty"`
}
