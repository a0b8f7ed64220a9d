package oauth

import (
	"context"
	"errors"
	"time"

	"github.com/openmodeling/portal-oauth/security"
	"github.com/openmodeling/portal-oauth/storage"
)

// BootstrapRequest is a session's request for a working client+token pair.
type BootstrapRequest struct {
	// SessionClientID is the client the browser session already holds, if
	// any. Anonymous sessions pass it back so repeated calls reuse one
	// client row.
	SessionClientID string

	// ClientName names the client to reuse or create. Empty means the
	// configured default client name.
	ClientName string

	// Scopes is the requested scope set; sanitized against the caller's
	// allowance.
	Scopes []string

	// RateLimit is the allotment for a newly created client. Zero means the
	// configured default.
	RateLimit float64

	// RedirectURIs for a newly created client. Optional.
	RedirectURIs []string

	// CreateNew forces creation of a fresh client+token pair instead of
	// reusing the caller's default client.
	CreateNew bool
}

// BootstrapResult is the client+token pair a bootstrap call resolved to.
type BootstrapResult struct {
	Client *storage.Client
	Token  *storage.Token

	// CreatedClient reports whether a new client row was inserted.
	CreatedClient bool

	// Anonymous reports whether the pair belongs to the anonymous account.
	Anonymous bool
}

// Bootstrap resolves a working client+token pair for a session, reusing
// existing rows so repeated calls are idempotent and cheap. A nil owner is
// an anonymous session.
func (e *Engine) Bootstrap(ctx context.Context, owner ResourceOwner, req BootstrapRequest) (*BootstrapResult, error) {
	if owner == nil {
		return e.bootstrapAnonymous(ctx, req)
	}
	if req.CreateNew {
		return e.bootstrapNewClient(ctx, owner, req)
	}
	return e.bootstrapDefault(ctx, owner, req)
}

// bootstrapAnonymous serves callers with no account: a shared internal
// client per browser session and a short-lived token renewed lazily on read.
func (e *Engine) bootstrapAnonymous(ctx context.Context, req BootstrapRequest) (*BootstrapResult, error) {
	userID := e.config.AnonymousUserID

	var client *storage.Client
	createdClient := false

	if req.SessionClientID != "" {
		existing, err := e.store.GetClient(ctx, req.SessionClientID)
		switch {
		case err == nil && existing.Internal && existing.OwnerID == "":
			client = existing
		case err != nil && !errors.Is(err, storage.ErrClientNotFound):
			return nil, e.storeError("bootstrap", err)
		}
	}

	if client == nil {
		created, err := e.CreateClient(ctx, nil, ClientRequest{
			Name:          e.config.DefaultClientName,
			Description:   "anonymous session client",
			Internal:      true,
			DefaultScopes: e.anonymousScopes(req.Scopes),
		})
		switch {
		case err == nil:
			client = created
			createdClient = true
		case errors.Is(err, storage.ErrClientExists):
			// Another session already created the shared anonymous client;
			// reuse it instead of failing the bootstrap.
			existing, ferr := e.store.FindClientByOwner(ctx, "", e.config.DefaultClientName)
			if ferr != nil {
				return nil, e.storeError("bootstrap", ferr)
			}
			client = existing
		default:
			return nil, err
		}
	}

	token, renewed, err := e.reuseOrIssueToken(ctx, client, userID, client.DefaultScopes, e.config.BootstrapTokenTTL)
	if err != nil {
		return nil, err
	}

	e.touchClient(ctx, client)
	e.auditor.LogBootstrap(userID, client.ID, true, createdClient)
	if e.inst != nil {
		e.inst.Metrics().RecordBootstrapRequest(ctx, true, !renewed)
	}

	return &BootstrapResult{
		Client:        client,
		Token:         token,
		CreatedClient: createdClient,
		Anonymous:     true,
	}, nil
}

// bootstrapDefault serves an authenticated user's default client: looked up
// by (owner, name), created on first touch, with a token that never expires.
func (e *Engine) bootstrapDefault(ctx context.Context, owner ResourceOwner, req BootstrapRequest) (*BootstrapResult, error) {
	name := req.ClientName
	if name == "" {
		name = e.config.DefaultClientName
	}

	scopes, err := sanitizeScopes(req.Scopes, owner.AllowedScopes())
	if err != nil {
		return nil, err
	}

	client, createdClient, err := e.lookupOrCreateClient(ctx, owner, name, scopes, req)
	if err != nil {
		return nil, err
	}

	// Zero expiry is the never-expires sentinel; the token is reused across
	// calls until explicitly regenerated.
	token, renewed, err := e.reuseOrIssueToken(ctx, client, owner.ID(), client.DefaultScopes, 0)
	if err != nil {
		return nil, err
	}

	e.touchClient(ctx, client)
	e.auditor.LogBootstrap(owner.ID(), client.ID, false, createdClient)
	if e.inst != nil {
		e.inst.Metrics().RecordBootstrapRequest(ctx, false, !renewed && !createdClient)
	}

	return &BootstrapResult{
		Client:        client,
		Token:         token,
		CreatedClient: createdClient,
	}, nil
}

// bootstrapNewClient always creates a fresh client+token pair for callers
// that explicitly opted in to an additional named application.
func (e *Engine) bootstrapNewClient(ctx context.Context, owner ResourceOwner, req BootstrapRequest) (*BootstrapResult, error) {
	if req.ClientName == "" {
		return nil, ErrInvalidRequest("client_name is required when requesting a new client")
	}

	scopes, err := sanitizeScopes(req.Scopes, owner.AllowedScopes())
	if err != nil {
		return nil, err
	}

	client, cerr := e.CreateClient(ctx, owner, ClientRequest{
		Name:          req.ClientName,
		RedirectURIs:  req.RedirectURIs,
		DefaultScopes: scopes,
		RateLimit:     req.RateLimit,
	})
	if cerr != nil {
		if errors.Is(cerr, storage.ErrClientExists) {
			return nil, ErrInvalidRequest("a client with this name already exists")
		}
		return nil, cerr
	}

	token, terr := e.issueToken(ctx, client, owner.ID(), client.DefaultScopes, 0, false, false, false)
	if terr != nil {
		return nil, terr
	}

	e.auditor.LogBootstrap(owner.ID(), client.ID, false, true)
	if e.inst != nil {
		e.inst.Metrics().RecordBootstrapRequest(ctx, false, false)
	}

	return &BootstrapResult{
		Client:        client,
		Token:         token,
		CreatedClient: true,
	}, nil
}

// lookupOrCreateClient finds the owner's client by name or creates it.
// The store enforces (owner, name, internal) uniqueness, so a concurrent
// first-time bootstrap loses the insert race and retries as a lookup.
func (e *Engine) lookupOrCreateClient(ctx context.Context, owner ResourceOwner, name string, scopes []string, req BootstrapRequest) (*storage.Client, bool, error) {
	client, err := e.store.FindClientByOwner(ctx, owner.ID(), name)
	if err == nil {
		return client, false, nil
	}
	if !errors.Is(err, storage.ErrClientNotFound) {
		return nil, false, e.storeError("bootstrap", err)
	}

	created, cerr := e.CreateClient(ctx, owner, ClientRequest{
		Name:          name,
		RedirectURIs:  req.RedirectURIs,
		DefaultScopes: scopes,
		RateLimit:     req.RateLimit,
	})
	if cerr == nil {
		return created, true, nil
	}
	if errors.Is(cerr, storage.ErrClientExists) {
		client, err = e.store.FindClientByOwner(ctx, owner.ID(), name)
		if err != nil {
			return nil, false, e.storeError("bootstrap", err)
		}
		return client, false, nil
	}
	return nil, false, cerr
}

// reuseOrIssueToken returns the live non-personal token for the pair, or
// issues a fresh one when none exists or the existing one expired. This is
// the lazy-renewal read path; no background job renews bootstrap tokens.
func (e *Engine) reuseOrIssueToken(ctx context.Context, client *storage.Client, userID string, scopes []string, ttl time.Duration) (*storage.Token, bool, error) {
	existing, err := e.store.GetTokenForClientUser(ctx, client.ID, userID)
	if err == nil && !security.IsExpired(existing.Expires) {
		return existing, false, nil
	}
	if err != nil && !errors.Is(err, storage.ErrTokenNotFound) && !errors.Is(err, storage.ErrTokenExpired) {
		return nil, false, e.storeError("bootstrap", err)
	}

	token, terr := e.issueToken(ctx, client, userID, scopes, ttl, false, false, true)
	if terr != nil {
		return nil, false, terr
	}
	return token, true, nil
}

// touchClient records bootstrap activity on the client. Failures are logged
// but never fail the bootstrap call.
func (e *Engine) touchClient(ctx context.Context, client *storage.Client) {
	client.LastActivity = time.Now()
	if err := e.store.SaveClient(ctx, client); err != nil {
		e.logger.Warn("Failed to update client activity", "client_id", client.ID, "error", err)
	}
}

// anonymousScopes resolves the scope set for anonymous session clients:
// requested scopes intersected with the registry's public catalog, or the
// whole public catalog when none are requested.
func (e *Engine) anonymousScopes(requested []string) []string {
	public := make([]string, 0)
	for _, s := range e.scopes.List(true) {
		public = append(public, s.ID)
	}
	if len(requested) == 0 {
		return public
	}
	sanitized, err := sanitizeScopes(requested, public)
	if err != nil {
		return public
	}
	return sanitized
}
