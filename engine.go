// Package oauth implements a multi-tenant OAuth2 provider core: client and
// token management, the authorization-code and refresh flows, scope
// negotiation, bearer validation, and the bootstrap session mechanic used by
// browser front-ends.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openmodeling/portal-oauth/instrumentation"
	"github.com/openmodeling/portal-oauth/internal/util"
	"github.com/openmodeling/portal-oauth/scope"
	"github.com/openmodeling/portal-oauth/security"
	"github.com/openmodeling/portal-oauth/storage"
)

// ScopeWildcard on a token satisfies any required-scope check.
const ScopeWildcard = scope.Wildcard

// Grant type identifiers accepted at the token endpoint
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
)

// Response type identifiers accepted at the authorize endpoint
const (
	ResponseTypeCode  = "code"
	ResponseTypeToken = "token"
)

// ResourceOwner is the authenticated caller as the engine sees it: exactly
// the fields the grant and bootstrap paths need, nothing else.
type ResourceOwner interface {
	// ID is the stable user identifier.
	ID() string

	// Email is the user's address, used only for audit context.
	Email() string

	// AllowedScopes is the scope allowance for bootstrap and personal-token
	// requests. A single "*" entry permits any registered scope.
	AllowedScopes() []string

	// Quota is the total rate allotment across the user's clients.
	// Negative means unlimited.
	Quota() float64
}

// AuthorizationContext carries a validated authorize request between
// AuthorizeRequest and the user's Approve/Deny decision.
type AuthorizationContext struct {
	// Client is the requesting client.
	Client *storage.Client

	// RedirectURI is the exact registered URI the flow will redirect to.
	RedirectURI string

	// Scopes is the negotiated scope set for the eventual token.
	Scopes []string

	// ResponseType is the validated response_type parameter.
	ResponseType string

	// State is the opaque client state echoed back on redirect.
	State string
}

// AuthenticatedRequest is the identity attached to a request after a
// successful bearer validation.
type AuthenticatedRequest struct {
	Token  *storage.Token
	Client *storage.Client

	// UserID is the resource owner, empty for client_credentials tokens.
	UserID string

	Scopes []string
}

// Engine is the OAuth2 state machine over the client, token, and grant
// stores. It holds no mutable request state of its own; all state lives in
// the store, so one Engine serves concurrent requests.
type Engine struct {
	store   storage.Store
	scopes  *scope.Registry
	config  Config
	logger  *slog.Logger
	auditor *security.Auditor
	inst    *instrumentation.Instrumentation
}

// NewEngine creates an OAuth engine over the given store and scope registry.
// The registry must be fully populated before the first request; the engine
// never mutates it.
func NewEngine(store storage.Store, scopes *scope.Registry, cfg Config) *Engine {
	cfg.applySecureDefaults()

	return &Engine{
		store:   store,
		scopes:  scopes,
		config:  cfg,
		logger:  cfg.Logger,
		auditor: security.NewAuditor(cfg.Logger, true),
	}
}

// SetAuditor replaces the default audit logger.
func (e *Engine) SetAuditor(a *security.Auditor) {
	e.auditor = a
}

// SetInstrumentation enables metrics and tracing for engine operations.
func (e *Engine) SetInstrumentation(inst *instrumentation.Instrumentation) {
	e.inst = inst
}

// Config returns a copy of the engine configuration after defaults.
func (e *Engine) Config() Config {
	return e.config
}

// Store exposes the underlying store for management surfaces.
func (e *Engine) Store() storage.Store {
	return e.store
}

// ============================================================
// Authorization flow
// ============================================================

// AuthorizeRequest validates the parameters of an authorize call and returns
// the context the consent step needs. No state is persisted; persistence
// happens at Approve.
func (e *Engine) AuthorizeRequest(ctx context.Context, clientID, redirectURI string, requestedScopes []string, responseType, state string) (*AuthorizationContext, error) {
	client, err := e.store.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, ErrInvalidClient("unknown client")
		}
		return nil, e.storeError("authorize", err)
	}

	if !util.Contains(e.config.AllowedResponseTypes, responseType) {
		return nil, ErrUnsupportedResponseType(fmt.Sprintf("response type %q is not supported", responseType))
	}

	if redirectURI == "" {
		redirectURI = client.DefaultRedirectURI()
	}
	if redirectURI == "" || !client.HasRedirectURI(redirectURI) {
		return nil, ErrInvalidRedirectURI("redirect_uri is not registered for this client")
	}

	negotiated, err := e.negotiateScopes(client, requestedScopes)
	if err != nil {
		return nil, err
	}

	if e.inst != nil {
		e.inst.Metrics().RecordAuthorizationRequest(ctx, client.ID, responseType)
	}

	return &AuthorizationContext{
		Client:       client,
		RedirectURI:  redirectURI,
		Scopes:       negotiated,
		ResponseType: responseType,
		State:        state,
	}, nil
}

// Approve records the resource owner's consent as a short-lived
// authorization grant. The code is single-use and bound to the exact
// redirect URI of the authorize step.
func (e *Engine) Approve(ctx context.Context, authCtx *AuthorizationContext, user ResourceOwner) (*storage.Grant, error) {
	if authCtx.ResponseType != ResponseTypeCode {
		return nil, ErrUnsupportedResponseType(fmt.Sprintf("approval cannot produce a %q response", authCtx.ResponseType))
	}

	now := time.Now()
	grant := &storage.Grant{
		Code:        security.GenerateSecret(e.config.TokenLength),
		ClientID:    authCtx.Client.ID,
		UserID:      user.ID(),
		RedirectURI: authCtx.RedirectURI,
		Scopes:      authCtx.Scopes,
		Created:     now,
		Expires:     now.Add(e.config.GrantTTL),
	}

	if err := e.store.SaveGrant(ctx, grant); err != nil {
		return nil, e.storeError("approve", err)
	}

	e.auditor.LogGrantIssued(user.ID(), authCtx.Client.ID, authCtx.Scopes)
	if e.inst != nil {
		e.inst.Metrics().RecordGrantIssued(ctx, authCtx.Client.ID)
	}

	return grant, nil
}

// Deny rejects the authorization request. Nothing is persisted; the caller
// redirects back to the client with the returned error.
func (e *Engine) Deny(authCtx *AuthorizationContext) *OAuthError {
	e.logger.Info("Authorization denied by resource owner", "client_id", authCtx.Client.ID)
	return ErrAccessDenied("the resource owner denied the request")
}

// ============================================================
// Token flows
// ============================================================

// ExchangeCode redeems an authorization code for a token. The code is
// consumed atomically before the token is issued, so concurrent exchanges of
// the same code succeed exactly once. A crash between consume and issue
// burns the code; the client restarts the flow.
func (e *Engine) ExchangeCode(ctx context.Context, clientID, clientSecret, code, redirectURI string) (*storage.Token, error) {
	client, err := e.authenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		return nil, err
	}

	grant, err := e.store.ConsumeGrant(ctx, client.ID, code)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrGrantNotFound):
			e.auditor.LogGrantReplay(client.ID, "")
			if e.inst != nil {
				e.inst.Metrics().RecordGrantReplayDetected(ctx, client.ID)
			}
			return nil, ErrInvalidGrant("authorization code is invalid or already used")
		case errors.Is(err, storage.ErrGrantExpired):
			return nil, ErrInvalidGrant("authorization code expired")
		default:
			return nil, e.storeError("exchange", err)
		}
	}

	// Exact match, trailing slash included. The code is already consumed at
	// this point; a mismatched redirect burns it.
	if grant.RedirectURI != redirectURI {
		e.auditor.LogAuthFailure(grant.UserID, client.ID, "", "redirect_uri mismatch on code exchange")
		return nil, ErrInvalidGrant("redirect_uri does not match the authorization request")
	}

	token, err := e.issueToken(ctx, client, grant.UserID, grant.Scopes, e.config.AccessTokenTTL, true, false, false)
	if err != nil {
		return nil, err
	}

	if e.inst != nil {
		e.inst.Metrics().RecordCodeExchange(ctx, client.ID)
	}

	return token, nil
}

// Refresh rotates a token: both access and refresh values are regenerated
// and the old row is replaced atomically, so a refresh token works exactly
// once.
func (e *Engine) Refresh(ctx context.Context, clientID, clientSecret, refreshToken string) (*storage.Token, error) {
	client, err := e.authenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		return nil, err
	}

	old, err := e.store.GetByRefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			e.auditor.LogAuthFailure("", client.ID, "", "unknown or rotated refresh token")
			return nil, ErrInvalidGrant("refresh token is invalid")
		}
		return nil, e.storeError("refresh", err)
	}

	if old.ClientID != client.ID {
		e.auditor.LogAuthFailure(old.UserID, client.ID, "", "refresh token presented by wrong client")
		return nil, ErrInvalidGrant("refresh token is invalid")
	}

	token, err := e.issueToken(ctx, client, old.UserID, old.Scopes, e.config.AccessTokenTTL, true, false, old.Internal)
	if err != nil {
		return nil, err
	}

	e.auditor.LogTokenRefreshed(old.UserID, client.ID)
	if e.inst != nil {
		e.inst.Metrics().RecordTokenRefresh(ctx, client.ID)
	}

	return token, nil
}

// ClientCredentials issues a service-identity token to a confidential
// client. The token carries no resource owner.
func (e *Engine) ClientCredentials(ctx context.Context, clientID, clientSecret string, requestedScopes []string) (*storage.Token, error) {
	client, err := e.authenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		return nil, err
	}

	if !client.Confidential {
		return nil, ErrUnauthorizedClient("client_credentials requires a confidential client")
	}

	negotiated, err := e.negotiateScopes(client, requestedScopes)
	if err != nil {
		return nil, err
	}

	return e.issueToken(ctx, client, "", negotiated, e.config.AccessTokenTTL, false, false, client.Internal)
}

// RevokeToken deletes the token named by an access token value. Unknown
// tokens are a no-op per RFC 7009.
func (e *Engine) RevokeToken(ctx context.Context, accessToken string) error {
	token, err := e.store.GetByAccessToken(ctx, accessToken)
	if err != nil && !errors.Is(err, storage.ErrTokenNotFound) && !errors.Is(err, storage.ErrTokenExpired) {
		return e.storeError("revoke", err)
	}

	if err := e.store.RevokeToken(ctx, accessToken); err != nil {
		return e.storeError("revoke", err)
	}

	if token != nil {
		e.auditor.LogTokenRevoked(token.UserID, token.ClientID, "")
		if e.inst != nil {
			e.inst.Metrics().RecordTokenRevocation(ctx, token.ClientID)
		}
	}
	return nil
}

// ValidateBearer authenticates an access token and checks its scopes against
// the operation's requirements. Missing, unknown, and expired tokens all
// collapse to the same invalid_token error so callers cannot probe which
// case applies.
func (e *Engine) ValidateBearer(ctx context.Context, accessToken string, requiredScopes ...string) (*AuthenticatedRequest, error) {
	if accessToken == "" {
		return nil, ErrInvalidToken("missing access token")
	}

	token, err := e.store.GetByAccessToken(ctx, accessToken)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrTokenNotFound), errors.Is(err, storage.ErrTokenExpired):
			if e.inst != nil {
				e.inst.Metrics().RecordAuthFailure(ctx, "invalid_token")
			}
			return nil, ErrInvalidToken("access token is invalid or expired")
		default:
			return nil, e.storeError("validate", err)
		}
	}

	if !util.Contains(token.Scopes, ScopeWildcard) && !util.ContainsAll(token.Scopes, requiredScopes) {
		if e.inst != nil {
			e.inst.Metrics().RecordAuthFailure(ctx, "insufficient_scope")
		}
		return nil, ErrInsufficientScope("token does not carry the required scopes")
	}

	client, err := e.store.GetClient(ctx, token.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, ErrInvalidToken("access token is invalid or expired")
		}
		return nil, e.storeError("validate", err)
	}

	return &AuthenticatedRequest{
		Token:  token,
		Client: client,
		UserID: token.UserID,
		Scopes: token.Scopes,
	}, nil
}

// ============================================================
// Internal helpers
// ============================================================

// authenticateClient loads a client and verifies its secret in constant
// time. A dummy comparison runs for unknown client IDs so response timing
// does not reveal whether the ID exists.
func (e *Engine) authenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	client, err := e.store.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			security.SecretsEqualAntiEnum("", clientSecret)
			e.auditor.LogAuthFailure("", clientID, "", "unknown client")
			return nil, ErrInvalidClient("client authentication failed")
		}
		return nil, e.storeError("authenticate", err)
	}

	if !security.SecretsEqual(client.Secret, clientSecret) {
		e.auditor.LogAuthFailure(client.OwnerID, client.ID, "", "client secret mismatch")
		if e.inst != nil {
			e.inst.Metrics().RecordAuthFailure(ctx, "invalid_client")
		}
		return nil, ErrInvalidClient("client authentication failed")
	}

	return client, nil
}

// negotiateScopes resolves the requested scope set against a client's
// allowance. No request means the client defaults; a request that intersects
// to nothing is an error rather than a silent downgrade to empty scope.
func (e *Engine) negotiateScopes(client *storage.Client, requested []string) ([]string, error) {
	allowed := make([]string, 0, len(client.DefaultScopes))
	for _, id := range client.DefaultScopes {
		if e.scopes.Contains(id) || id == ScopeWildcard {
			allowed = append(allowed, id)
		}
	}

	if len(requested) == 0 {
		return allowed, nil
	}

	if util.Contains(allowed, ScopeWildcard) {
		for _, id := range requested {
			if !e.scopes.Contains(id) {
				return nil, ErrInvalidScope(fmt.Sprintf("unknown scope %q", id))
			}
		}
		return requested, nil
	}

	negotiated := util.Intersect(requested, allowed)
	if len(negotiated) == 0 {
		return nil, ErrInvalidScope("requested scopes are not allowed for this client")
	}
	return negotiated, nil
}

// issueToken builds and stores a token. ttl <= 0 means the token never
// expires. The store atomically replaces any prior non-personal token for
// the same (client, user) pair.
func (e *Engine) issueToken(ctx context.Context, client *storage.Client, userID string, scopes []string, ttl time.Duration, withRefresh, personal, internal bool) (*storage.Token, error) {
	now := time.Now()
	token := &storage.Token{
		ID:          uuid.NewString(),
		ClientID:    client.ID,
		UserID:      userID,
		TokenType:   storage.TokenTypeBearer,
		AccessToken: security.GenerateSecret(e.config.TokenLength),
		Scopes:      scopes,
		Personal:    personal,
		Internal:    internal,
		Created:     now,
	}
	if withRefresh {
		token.RefreshToken = security.GenerateSecret(e.config.TokenLength)
	}
	if ttl > 0 {
		token.Expires = now.Add(ttl)
	}

	if err := e.store.IssueToken(ctx, token); err != nil {
		return nil, e.storeError("issue", err)
	}

	e.auditor.LogTokenIssued(userID, client.ID, scopes, personal)
	if e.inst != nil {
		grantType := GrantTypeAuthorizationCode
		if userID == "" {
			grantType = GrantTypeClientCredentials
		}
		e.inst.Metrics().RecordTokenIssued(ctx, client.ID, grantType, personal)
	}

	return token, nil
}

// storeError classifies a storage failure: transient backend errors become
// temporarily_unavailable (retryable by the caller), anything else is a
// server error.
func (e *Engine) storeError(op string, err error) *OAuthError {
	if errors.Is(err, storage.ErrStorageUnavailable) {
		e.logger.Error("Storage unavailable", "operation", op, "error", err)
		return ErrTemporarilyUnavailable("storage is temporarily unavailable")
	}
	e.logger.Error("Storage operation failed", "operation", op, "error", err)
	return ErrServerError("internal error")
}

// TokenResponseFor converts a stored token to the wire shape of the token
// endpoint.
func TokenResponseFor(token *storage.Token) *TokenResponse {
	return &TokenResponse{
		AccessToken:  token.AccessToken,
		TokenType:    token.TokenType,
		ExpiresIn:    token.ExpiresIn(),
		RefreshToken: token.RefreshToken,
		Scope:        strings.Join(token.Scopes, " "),
	}
}
