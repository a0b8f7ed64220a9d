package oauth

import (
	"context"
	"testing"
	"time"

	"github.com/openmodeling/portal-oauth/scope"
	"github.com/openmodeling/portal-oauth/storage"
	"github.com/openmodeling/portal-oauth/storage/memory"
)

// testOwner is a minimal ResourceOwner for engine tests.
type testOwner struct {
	id      string
	email   string
	allowed []string
	quota   float64
}

func (o *testOwner) ID() string              { return o.id }
func (o *testOwner) Email() string           { return o.email }
func (o *testOwner) AllowedScopes() []string { return o.allowed }
func (o *testOwner) Quota() float64          { return o.quota }

func newTestOwner() *testOwner {
	return &testOwner{
		id:      "user-1",
		email:   "user-1@example.com",
		allowed: []string{"read", "write"},
		quota:   -1,
	}
}

func testRegistry() *scope.Registry {
	r := scope.NewRegistry()
	r.MustRegister(scope.Scope{ID: "read", HelpText: "Read access"})
	r.MustRegister(scope.Scope{ID: "write", HelpText: "Write access"})
	r.MustRegister(scope.Scope{ID: "admin", HelpText: "Administration", Internal: true})
	return r
}

func testEngine(t *testing.T) (*Engine, *memory.Store) {
	t.Helper()
	store := memory.New()
	t.Cleanup(store.Stop)
	return NewEngine(store, testRegistry(), Config{}), store
}

// registerTestClient creates a confidential client with one HTTPS redirect
// URI and the read scope, the fixture most flow tests start from.
func registerTestClient(t *testing.T, e *Engine, owner ResourceOwner) *storage.Client {
	t.Helper()
	client, err := e.CreateClient(context.Background(), owner, ClientRequest{
		Name:          "Flow Test App",
		Confidential:  true,
		RedirectURIs:  []string{"https://app.example/cb"},
		DefaultScopes: []string{"read"},
	})
	if err != nil {
		t.Fatalf("CreateClient failed: %v", err)
	}
	return client
}

// ============================================================
// Full authorization-code flow
// ============================================================

func TestEngine_FullCodeFlow(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	owner := newTestOwner()
	client := registerTestClient(t, e, owner)

	authCtx, err := e.AuthorizeRequest(ctx, client.ID, "https://app.example/cb", []string{"read"}, ResponseTypeCode, "xyz")
	if err != nil {
		t.Fatalf("AuthorizeRequest failed: %v", err)
	}
	if authCtx.State != "xyz" {
		t.Errorf("State = %q, want xyz", authCtx.State)
	}

	grant, err := e.Approve(ctx, authCtx, owner)
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if grant.Code == "" {
		t.Fatal("grant code is empty")
	}

	token, err := e.ExchangeCode(ctx, client.ID, client.Secret, grant.Code, "https://app.example/cb")
	if err != nil {
		t.Fatalf("ExchangeCode failed: %v", err)
	}
	if len(token.Scopes) != 1 || token.Scopes[0] != "read" {
		t.Errorf("Scopes = %v, want [read]", token.Scopes)
	}
	if token.RefreshToken == "" {
		t.Error("expected a refresh token")
	}
	if token.Expires.IsZero() {
		t.Error("expected a bounded expiry")
	}

	auth, err := e.ValidateBearer(ctx, token.AccessToken, "read")
	if err != nil {
		t.Fatalf("ValidateBearer failed: %v", err)
	}
	if auth.UserID != owner.ID() {
		t.Errorf("UserID = %q, want %q", auth.UserID, owner.ID())
	}
}

func TestEngine_AuthorizeRequest_Validation(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	owner := newTestOwner()
	client := registerTestClient(t, e, owner)

	tests := []struct {
		name         string
		clientID     string
		redirectURI  string
		scopes       []string
		responseType string
		wantCode     string
	}{
		{
			name:         "unknown client",
			clientID:     "no-such-client",
			redirectURI:  "https://app.example/cb",
			responseType: ResponseTypeCode,
			wantCode:     ErrorCodeInvalidClient,
		},
		{
			name:         "unregistered redirect",
			clientID:     client.ID,
			redirectURI:  "https://evil.example/cb",
			responseType: ResponseTypeCode,
			wantCode:     ErrorCodeInvalidRedirectURI,
		},
		{
			name:         "trailing slash is a different URI",
			clientID:     client.ID,
			redirectURI:  "https://app.example/cb/",
			responseType: ResponseTypeCode,
			wantCode:     ErrorCodeInvalidRedirectURI,
		},
		{
			name:         "unsupported response type",
			clientID:     client.ID,
			redirectURI:  "https://app.example/cb",
			responseType: "token",
			wantCode:     ErrorCodeUnsupportedResponseType,
		},
		{
			name:         "scope outside client allowance",
			clientID:     client.ID,
			redirectURI:  "https://app.example/cb",
			scopes:       []string{"write"},
			responseType: ResponseTypeCode,
			wantCode:     ErrorCodeInvalidScope,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.AuthorizeRequest(ctx, tt.clientID, tt.redirectURI, tt.scopes, tt.responseType, "")
			assertOAuthCode(t, err, tt.wantCode)
		})
	}
}

func TestEngine_AuthorizeRequest_DefaultScopes(t *testing.T) {
	e, _ := testEngine(t)
	owner := newTestOwner()
	client := registerTestClient(t, e, owner)

	authCtx, err := e.AuthorizeRequest(context.Background(), client.ID, "https://app.example/cb", nil, ResponseTypeCode, "")
	if err != nil {
		t.Fatalf("AuthorizeRequest failed: %v", err)
	}
	if len(authCtx.Scopes) != 1 || authCtx.Scopes[0] != "read" {
		t.Errorf("Scopes = %v, want the client defaults [read]", authCtx.Scopes)
	}
}

// ============================================================
// Grant single-use and redirect exactness
// ============================================================

func TestEngine_ExchangeCode_SingleUse(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	owner := newTestOwner()
	client := registerTestClient(t, e, owner)
	grant := approveGrant(t, e, client, owner)

	if _, err := e.ExchangeCode(ctx, client.ID, client.Secret, grant.Code, "https://app.example/cb"); err != nil {
		t.Fatalf("first exchange failed: %v", err)
	}

	_, err := e.ExchangeCode(ctx, client.ID, client.Secret, grant.Code, "https://app.example/cb")
	assertOAuthCode(t, err, ErrorCodeInvalidGrant)
}

func TestEngine_ExchangeCode_RedirectMismatch(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	owner := newTestOwner()
	client := registerTestClient(t, e, owner)
	grant := approveGrant(t, e, client, owner)

	_, err := e.ExchangeCode(ctx, client.ID, client.Secret, grant.Code, "https://app.example/cb/")
	assertOAuthCode(t, err, ErrorCodeInvalidGrant)
}

func TestEngine_ExchangeCode_WrongSecret(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	owner := newTestOwner()
	client := registerTestClient(t, e, owner)
	grant := approveGrant(t, e, client, owner)

	_, err := e.ExchangeCode(ctx, client.ID, "wrong-secret", grant.Code, "https://app.example/cb")
	assertOAuthCode(t, err, ErrorCodeInvalidClient)

	// The failed authentication must not have consumed the code.
	if _, err := e.ExchangeCode(ctx, client.ID, client.Secret, grant.Code, "https://app.example/cb"); err != nil {
		t.Errorf("exchange after failed auth attempt failed: %v", err)
	}
}

func TestEngine_ExchangeCode_ExpiredGrant(t *testing.T) {
	e, store := testEngine(t)
	ctx := context.Background()
	owner := newTestOwner()
	client := registerTestClient(t, e, owner)
	grant := approveGrant(t, e, client, owner)

	// Age the grant past its TTL.
	grant.Expires = time.Now().Add(-time.Second)
	if err := store.SaveGrant(ctx, grant); err != nil {
		t.Fatalf("SaveGrant failed: %v", err)
	}

	_, err := e.ExchangeCode(ctx, client.ID, client.Secret, grant.Code, "https://app.example/cb")
	assertOAuthCode(t, err, ErrorCodeInvalidGrant)
}

// ============================================================
// Refresh rotation
// ============================================================

func TestEngine_Refresh_Rotation(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	owner := newTestOwner()
	client := registerTestClient(t, e, owner)
	grant := approveGrant(t, e, client, owner)

	original, err := e.ExchangeCode(ctx, client.ID, client.Secret, grant.Code, "https://app.example/cb")
	if err != nil {
		t.Fatalf("ExchangeCode failed: %v", err)
	}

	rotated, err := e.Refresh(ctx, client.ID, client.Secret, original.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if rotated.RefreshToken == original.RefreshToken {
		t.Error("refresh token was not rotated")
	}
	if rotated.AccessToken == original.AccessToken {
		t.Error("access token was not rotated")
	}
	if rotated.UserID != original.UserID {
		t.Errorf("UserID = %q, want %q", rotated.UserID, original.UserID)
	}

	// The original refresh token is single-use.
	_, err = e.Refresh(ctx, client.ID, client.Secret, original.RefreshToken)
	assertOAuthCode(t, err, ErrorCodeInvalidGrant)

	// So is the original access token, replaced by the rotation.
	_, err = e.ValidateBearer(ctx, original.AccessToken, "read")
	assertOAuthCode(t, err, ErrorCodeInvalidToken)
}

func TestEngine_Refresh_WrongClient(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	owner := newTestOwner()
	client := registerTestClient(t, e, owner)
	grant := approveGrant(t, e, client, owner)

	token, err := e.ExchangeCode(ctx, client.ID, client.Secret, grant.Code, "https://app.example/cb")
	if err != nil {
		t.Fatalf("ExchangeCode failed: %v", err)
	}

	other, err := e.CreateClient(ctx, owner, ClientRequest{
		Name:         "Other App",
		Confidential: true,
		RedirectURIs: []string{"https://other.example/cb"},
	})
	if err != nil {
		t.Fatalf("CreateClient failed: %v", err)
	}

	_, err = e.Refresh(ctx, other.ID, other.Secret, token.RefreshToken)
	assertOAuthCode(t, err, ErrorCodeInvalidGrant)
}

// ============================================================
// Client credentials
// ============================================================

func TestEngine_ClientCredentials(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	owner := newTestOwner()
	client := registerTestClient(t, e, owner)

	token, err := e.ClientCredentials(ctx, client.ID, client.Secret, []string{"read"})
	if err != nil {
		t.Fatalf("ClientCredentials failed: %v", err)
	}
	if token.UserID != "" {
		t.Errorf("UserID = %q, want empty service identity", token.UserID)
	}
	if token.RefreshToken != "" {
		t.Error("client_credentials tokens must not carry a refresh token")
	}
}

func TestEngine_ClientCredentials_PublicClient(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	owner := newTestOwner()

	public, err := e.CreateClient(ctx, owner, ClientRequest{
		Name:          "Public App",
		RedirectURIs:  []string{"https://spa.example/cb"},
		DefaultScopes: []string{"read"},
	})
	if err != nil {
		t.Fatalf("CreateClient failed: %v", err)
	}

	_, err = e.ClientCredentials(ctx, public.ID, public.Secret, nil)
	assertOAuthCode(t, err, ErrorCodeUnauthorizedClient)
}

// ============================================================
// Bearer validation
// ============================================================

func TestEngine_ValidateBearer(t *testing.T) {
	e, store := testEngine(t)
	ctx := context.Background()
	owner := newTestOwner()
	client := registerTestClient(t, e, owner)
	grant := approveGrant(t, e, client, owner)

	token, err := e.ExchangeCode(ctx, client.ID, client.Secret, grant.Code, "https://app.example/cb")
	if err != nil {
		t.Fatalf("ExchangeCode failed: %v", err)
	}

	t.Run("missing token", func(t *testing.T) {
		_, err := e.ValidateBearer(ctx, "")
		assertOAuthCode(t, err, ErrorCodeInvalidToken)
	})

	t.Run("unknown token", func(t *testing.T) {
		_, err := e.ValidateBearer(ctx, "no-such-token")
		assertOAuthCode(t, err, ErrorCodeInvalidToken)
	})

	t.Run("insufficient scope", func(t *testing.T) {
		_, err := e.ValidateBearer(ctx, token.AccessToken, "write")
		assertOAuthCode(t, err, ErrorCodeInsufficientScope)
	})

	t.Run("expired token", func(t *testing.T) {
		expired := &storage.Token{
			ID:          "expired-row",
			ClientID:    client.ID,
			UserID:      "user-2",
			TokenType:   storage.TokenTypeBearer,
			AccessToken: "expired-access-value-0123456789abcdef",
			Expires:     time.Now().Add(-time.Minute),
			Scopes:      []string{"read"},
			Created:     time.Now().Add(-2 * time.Hour),
		}
		if err := store.IssueToken(ctx, expired); err != nil {
			t.Fatalf("IssueToken failed: %v", err)
		}
		_, err := e.ValidateBearer(ctx, expired.AccessToken, "read")
		assertOAuthCode(t, err, ErrorCodeInvalidToken)
	})

	t.Run("wildcard satisfies any scope", func(t *testing.T) {
		wild := &storage.Token{
			ID:          "wildcard-row",
			ClientID:    client.ID,
			UserID:      "user-3",
			TokenType:   storage.TokenTypeBearer,
			AccessToken: "wildcard-access-value-0123456789abcdef",
			Scopes:      []string{ScopeWildcard},
			Created:     time.Now(),
		}
		if err := store.IssueToken(ctx, wild); err != nil {
			t.Fatalf("IssueToken failed: %v", err)
		}
		if _, err := e.ValidateBearer(ctx, wild.AccessToken, "read", "write"); err != nil {
			t.Errorf("wildcard token rejected: %v", err)
		}
	})
}

// ============================================================
// Revocation
// ============================================================

func TestEngine_RevokeToken(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	owner := newTestOwner()
	client := registerTestClient(t, e, owner)
	grant := approveGrant(t, e, client, owner)

	token, err := e.ExchangeCode(ctx, client.ID, client.Secret, grant.Code, "https://app.example/cb")
	if err != nil {
		t.Fatalf("ExchangeCode failed: %v", err)
	}

	if err := e.RevokeToken(ctx, token.AccessToken); err != nil {
		t.Fatalf("RevokeToken failed: %v", err)
	}
	_, err = e.ValidateBearer(ctx, token.AccessToken, "read")
	assertOAuthCode(t, err, ErrorCodeInvalidToken)

	// Revoking again, or revoking garbage, is a no-op.
	if err := e.RevokeToken(ctx, token.AccessToken); err != nil {
		t.Errorf("second RevokeToken failed: %v", err)
	}
	if err := e.RevokeToken(ctx, "never-issued"); err != nil {
		t.Errorf("RevokeToken of unknown value failed: %v", err)
	}
}

// ============================================================
// Quota and uniqueness through the engine
// ============================================================

func TestEngine_CreateClient_Quota(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	owner := newTestOwner()
	owner.quota = 2.0

	if _, err := e.CreateClient(ctx, owner, ClientRequest{Name: "First", RateLimit: 1.5}); err != nil {
		t.Fatalf("CreateClient failed: %v", err)
	}

	_, err := e.CreateClient(ctx, owner, ClientRequest{Name: "Second", RateLimit: 1.0})
	assertOAuthCode(t, err, ErrorCodeQuotaExceeded)

	if _, err := e.CreateClient(ctx, owner, ClientRequest{Name: "Second", RateLimit: 0.5}); err != nil {
		t.Errorf("CreateClient within quota failed: %v", err)
	}
}

func TestEngine_CreateClient_Validation(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	owner := newTestOwner()

	_, err := e.CreateClient(ctx, owner, ClientRequest{Name: "App", DefaultScopes: []string{"no-such-scope"}})
	assertOAuthCode(t, err, ErrorCodeInvalidScope)

	_, err = e.CreateClient(ctx, owner, ClientRequest{Name: "App", RedirectURIs: []string{"http://evil.example/cb"}})
	assertOAuthCode(t, err, ErrorCodeInsecureRedirectURI)

	_, err = e.CreateClient(ctx, owner, ClientRequest{Name: "App", RedirectURIs: []string{"not a uri"}})
	assertOAuthCode(t, err, ErrorCodeInvalidRedirectURI)
}

func TestEngine_ResetClientSecret(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	owner := newTestOwner()
	client := registerTestClient(t, e, owner)
	oldSecret := client.Secret

	updated, err := e.ResetClientSecret(ctx, owner, client.ID)
	if err != nil {
		t.Fatalf("ResetClientSecret failed: %v", err)
	}
	if updated.Secret == oldSecret {
		t.Error("secret was not rotated")
	}
	if updated.ID != client.ID {
		t.Error("client ID must survive a secret reset")
	}

	stranger := &testOwner{id: "user-2", quota: -1}
	_, err = e.ResetClientSecret(ctx, stranger, client.ID)
	assertOAuthCode(t, err, ErrorCodeUnauthorizedClient)
}

// ============================================================
// Personal tokens
// ============================================================

func TestEngine_CreatePersonalToken(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	owner := newTestOwner()

	token, client, err := e.CreatePersonalToken(ctx, owner, "CI token", []string{"read"})
	if err != nil {
		t.Fatalf("CreatePersonalToken failed: %v", err)
	}
	if !token.Personal {
		t.Error("token is not marked personal")
	}
	if token.RefreshToken != "" {
		t.Error("personal tokens must not carry a refresh token")
	}
	if !token.Expires.IsZero() {
		t.Error("personal tokens start with no expiry")
	}
	if !client.Internal {
		t.Error("the dedicated token client must be internal")
	}
	if client.Name != "CI token" {
		t.Errorf("client Name = %q, want the token name", client.Name)
	}

	// Usable immediately, and the sliding window sets a bounded expiry.
	auth, err := e.ValidateBearer(ctx, token.AccessToken, "read")
	if err != nil {
		t.Fatalf("ValidateBearer failed: %v", err)
	}
	if auth.Token.Expires.IsZero() {
		t.Error("expected the sliding window to set an expiry on read")
	}
}

func TestEngine_CreatePersonalToken_DuplicateName(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	owner := newTestOwner()

	if _, _, err := e.CreatePersonalToken(ctx, owner, "CI token", []string{"read"}); err != nil {
		t.Fatalf("CreatePersonalToken failed: %v", err)
	}

	// A second token under the same name is routine bad input, not a server
	// fault.
	_, _, err := e.CreatePersonalToken(ctx, owner, "CI token", []string{"read"})
	assertOAuthCode(t, err, ErrorCodeInvalidRequest)
}

func TestEngine_CreatePersonalToken_ScopeDenied(t *testing.T) {
	e, _ := testEngine(t)
	owner := newTestOwner()
	owner.allowed = []string{"read"}

	_, _, err := e.CreatePersonalToken(context.Background(), owner, "CI token", []string{"write"})
	assertOAuthCode(t, err, ErrorCodeScopeNotAllowed)
}

// ============================================================
// Helpers
// ============================================================

func approveGrant(t *testing.T, e *Engine, client *storage.Client, owner ResourceOwner) *storage.Grant {
	t.Helper()
	ctx := context.Background()
	authCtx, err := e.AuthorizeRequest(ctx, client.ID, "https://app.example/cb", []string{"read"}, ResponseTypeCode, "")
	if err != nil {
		t.Fatalf("AuthorizeRequest failed: %v", err)
	}
	grant, err := e.Approve(ctx, authCtx, owner)
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	return grant
}

func assertOAuthCode(t *testing.T, err error, wantCode string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", wantCode)
	}
	oe, ok := err.(*OAuthError)
	if !ok {
		t.Fatalf("error %v (%T) is not an OAuthError", err, err)
	}
	if oe.Code != wantCode {
		t.Fatalf("error code = %q (%s), want %q", oe.Code, oe.Description, wantCode)
	}
}
