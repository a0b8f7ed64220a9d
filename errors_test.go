package oauth

import (
	"errors"
	"net/http"
	"testing"
)

func TestOAuthError(t *testing.T) {
	tests := []struct {
		name       string
		err        *OAuthError
		wantCode   string
		wantStatus int
	}{
		{"invalid request", ErrInvalidRequest("x"), ErrorCodeInvalidRequest, http.StatusBadRequest},
		{"invalid grant", ErrInvalidGrant("x"), ErrorCodeInvalidGrant, http.StatusBadRequest},
		{"invalid client", ErrInvalidClient("x"), ErrorCodeInvalidClient, http.StatusUnauthorized},
		{"invalid scope", ErrInvalidScope("x"), ErrorCodeInvalidScope, http.StatusBadRequest},
		{"invalid token", ErrInvalidToken("x"), ErrorCodeInvalidToken, http.StatusUnauthorized},
		{"unauthorized client", ErrUnauthorizedClient("x"), ErrorCodeUnauthorizedClient, http.StatusBadRequest},
		{"unsupported response type", ErrUnsupportedResponseType("x"), ErrorCodeUnsupportedResponseType, http.StatusBadRequest},
		{"insufficient scope", ErrInsufficientScope("x"), ErrorCodeInsufficientScope, http.StatusForbidden},
		{"quota exceeded", ErrQuotaExceeded("x"), ErrorCodeQuotaExceeded, http.StatusForbidden},
		{"scope not allowed", ErrScopeNotAllowed("x"), ErrorCodeScopeNotAllowed, http.StatusForbidden},
		{"rate limited", ErrRateLimitExceeded("x"), ErrorCodeRateLimitExceeded, http.StatusTooManyRequests},
		{"temporarily unavailable", ErrTemporarilyUnavailable("x"), ErrorCodeTemporarilyUnavailable, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.wantCode)
			}
			if tt.err.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", tt.err.Status, tt.wantStatus)
			}
			if tt.err.Error() == "" {
				t.Error("Error() is empty")
			}
		})
	}
}

func TestOAuthError_ErrorsAs(t *testing.T) {
	var err error = ErrInvalidGrant("code expired")

	var oe *OAuthError
	if !errors.As(err, &oe) {
		t.Fatal("errors.As failed to unwrap OAuthError")
	}
	if oe.Code != ErrorCodeInvalidGrant {
		t.Errorf("Code = %q", oe.Code)
	}
}
