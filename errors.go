package oauth

import (
	"fmt"
	"net/http"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeServerError             = "server_error"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeInvalidRedirectURI      = "invalid_redirect_uri"
	ErrorCodeInsecureRedirectURI     = "insecure_redirect_uri"
	ErrorCodeInsufficientScope       = "insufficient_scope"
	ErrorCodeQuotaExceeded           = "quota_exceeded"
	ErrorCodeScopeNotAllowed         = "scope_not_allowed"
	ErrorCodeRateLimitExceeded       = "rate_limit_exceeded"
	ErrorCodeTemporarilyUnavailable  = "temporarily_unavailable"
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common OAuth errors as reusable instances
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidGrant indicates the authorization code or refresh token is invalid or expired
	ErrInvalidGrant = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidScope indicates the requested scope is invalid or unsupported
	ErrInvalidScope = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
	}

	// ErrInvalidToken indicates the access token is invalid or expired
	ErrInvalidToken = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrUnauthorizedClient indicates the client is not authorized for the requested grant type
	ErrUnauthorizedClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnauthorizedClient, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedGrantType indicates the grant type is not supported
	ErrUnsupportedGrantType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedResponseType indicates the authorize response type is not supported
	ErrUnsupportedResponseType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedResponseType, desc, http.StatusBadRequest)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}

	// ErrAccessDenied indicates the user or authorization server denied the request
	ErrAccessDenied = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeAccessDenied, desc, http.StatusForbidden)
	}

	// ErrInvalidRedirectURI indicates the redirect URI is invalid or not registered
	ErrInvalidRedirectURI = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRedirectURI, desc, http.StatusBadRequest)
	}

	// ErrInsecureRedirectURI indicates a non-HTTPS redirect URI outside localhost
	ErrInsecureRedirectURI = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInsecureRedirectURI, desc, http.StatusBadRequest)
	}

	// ErrInsufficientScope indicates the token lacks a required scope
	ErrInsufficientScope = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInsufficientScope, desc, http.StatusForbidden)
	}

	// ErrQuotaExceeded indicates the owner's client rate allotment is exhausted
	ErrQuotaExceeded = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeQuotaExceeded, desc, http.StatusForbidden)
	}

	// ErrScopeNotAllowed indicates a bootstrap scope request outside the caller's allowance
	ErrScopeNotAllowed = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeScopeNotAllowed, desc, http.StatusForbidden)
	}

	// ErrRateLimitExceeded indicates too many requests
	ErrRateLimitExceeded = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeRateLimitExceeded, desc, http.StatusTooManyRequests)
	}

	// ErrTemporarilyUnavailable indicates a transient storage failure; the caller may retry
	ErrTemporarilyUnavailable = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeTemporarilyUnavailable, desc, http.StatusServiceUnavailable)
	}
)
