// Package testutil provides testing utilities and fixtures for the
// portal-oauth library.
package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/openmodeling/portal-oauth/storage"
)

// GenerateRandomString generates a random URL-safe string of the given length.
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// NewTestClient creates a client fixture owned by a test user, with one
// HTTPS redirect URI and the read/write default scopes.
func NewTestClient() *storage.Client {
	return &storage.Client{
		ID:            "test-client-" + GenerateRandomString(12),
		Secret:        GenerateRandomString(60),
		Name:          "Test Client",
		Description:   "client fixture",
		OwnerID:       "user-1",
		Confidential:  true,
		RedirectURIs:  []string{"https://app.example/cb"},
		DefaultScopes: []string{"read", "write"},
		RateLimit:     1.0,
		Created:       time.Now(),
	}
}

// NewTestToken creates a bearer token fixture for the given client and user.
func NewTestToken(clientID, userID string) *storage.Token {
	return &storage.Token{
		ID:           GenerateRandomString(16),
		ClientID:     clientID,
		UserID:       userID,
		TokenType:    storage.TokenTypeBearer,
		AccessToken:  GenerateRandomString(40),
		RefreshToken: GenerateRandomString(40),
		Expires:      time.Now().Add(time.Hour),
		Scopes:       []string{"read"},
		Created:      time.Now(),
	}
}

// NewTestGrant creates an unexpired grant fixture bound to the given client.
func NewTestGrant(clientID, userID string) *storage.Grant {
	return &storage.Grant{
		Code:        GenerateRandomString(40),
		ClientID:    clientID,
		UserID:      userID,
		RedirectURI: "https://app.example/cb",
		Scopes:      []string{"read"},
		Created:     time.Now(),
		Expires:     time.Now().Add(100 * time.Second),
	}
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error but got nil")
	}
}

// AssertEqual fails the test if got != want.
func AssertEqual(t *testing.T, got, want interface{}) {
	t.Helper()
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// AssertTimeEqual asserts two times are equal within a tolerance.
func AssertTimeEqual(t *testing.T, got, want time.Time, tolerance time.Duration) {
	t.Helper()
	diff := got.Sub(want)
	if diff < 0 {
		diff = -diff
	}
	if diff > tolerance {
		t.Errorf("time mismatch: got %v, want %v (tolerance %v, diff %v)", got, want, tolerance, diff)
	}
}
