package oauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/openmodeling/portal-oauth/security"
	"github.com/openmodeling/portal-oauth/storage"
)

// ClientRequest describes a client to register.
type ClientRequest struct {
	Name          string
	Description   string
	Website       string
	Confidential  bool
	Internal      bool
	RedirectURIs  []string
	DefaultScopes []string

	// RateLimit is the fraction of the owner's quota this client claims.
	// Zero means the configured default.
	RateLimit float64
}

// ValidateRedirectURI enforces the registration rule: HTTPS everywhere,
// plain HTTP tolerated only for localhost and 127.0.0.1 loopback development
// targets.
func ValidateRedirectURI(uri string) *OAuthError {
	parsed, err := url.Parse(uri)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return ErrInvalidRedirectURI(fmt.Sprintf("malformed redirect URI %q", uri))
	}
	if parsed.Fragment != "" {
		return ErrInvalidRedirectURI("redirect URI must not contain a fragment")
	}

	switch parsed.Scheme {
	case "https":
		return nil
	case "http":
		host := parsed.Hostname()
		if host == "localhost" || host == "127.0.0.1" {
			return nil
		}
		if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
			return nil
		}
		return ErrInsecureRedirectURI(fmt.Sprintf("redirect URI %q must use HTTPS", uri))
	default:
		return ErrInvalidRedirectURI(fmt.Sprintf("unsupported redirect URI scheme %q", parsed.Scheme))
	}
}

// validateRedirectURIs checks every URI in order.
func validateRedirectURIs(uris []string) *OAuthError {
	for _, uri := range uris {
		if err := ValidateRedirectURI(uri); err != nil {
			return err
		}
	}
	return nil
}

// validateScopes verifies every scope is registered.
func (e *Engine) validateScopes(scopes []string) *OAuthError {
	for _, id := range scopes {
		if id == ScopeWildcard {
			continue
		}
		if !e.scopes.Contains(id) {
			return ErrInvalidScope(fmt.Sprintf("unknown scope %q", id))
		}
	}
	return nil
}

// CreateClient registers a new client for the owner. Credentials are
// generated here; the store enforces the owner's quota and the
// (owner, name, internal) uniqueness atomically.
func (e *Engine) CreateClient(ctx context.Context, owner ResourceOwner, req ClientRequest) (*storage.Client, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, ErrInvalidRequest("client name is required")
	}
	if err := e.validateScopes(req.DefaultScopes); err != nil {
		return nil, err
	}
	if err := validateRedirectURIs(req.RedirectURIs); err != nil {
		return nil, err
	}

	rateLimit := req.RateLimit
	if rateLimit <= 0 {
		rateLimit = e.config.DefaultRateLimit
	}

	ownerID := ""
	quota := float64(-1)
	if owner != nil {
		ownerID = owner.ID()
		quota = owner.Quota()
	}
	if req.Internal {
		// System clients do not draw on the owner's allotment.
		quota = -1
		rateLimit = 0
	}

	client := &storage.Client{
		ID:            security.GenerateSecret(e.config.ClientIDLength),
		Secret:        security.GenerateSecret(e.config.ClientSecretLength),
		Name:          req.Name,
		Description:   req.Description,
		Website:       req.Website,
		OwnerID:       ownerID,
		Confidential:  req.Confidential,
		Internal:      req.Internal,
		RedirectURIs:  req.RedirectURIs,
		DefaultScopes: req.DefaultScopes,
		RateLimit:     rateLimit,
		Created:       time.Now(),
	}

	if err := e.store.CreateClient(ctx, client, quota); err != nil {
		switch {
		case errors.Is(err, storage.ErrQuotaExceeded):
			e.auditor.LogQuotaExceeded(ownerID, rateLimit)
			if e.inst != nil {
				e.inst.Metrics().RecordQuotaExceeded(ctx, ownerID)
			}
			return nil, ErrQuotaExceeded("client rate allotment exceeds the owner's quota")
		case errors.Is(err, storage.ErrClientExists):
			return nil, err
		default:
			return nil, e.storeError("create_client", err)
		}
	}

	e.auditor.LogClientCreated(client.ID, ownerID, req.Internal)
	if e.inst != nil {
		e.inst.Metrics().RecordClientCreated(ctx, req.Internal)
	}

	return client, nil
}

// SetRedirectURIs replaces a client's registered redirect URIs after
// validating each one. The first entry becomes the canonical default.
func (e *Engine) SetRedirectURIs(ctx context.Context, client *storage.Client, uris []string) error {
	if err := validateRedirectURIs(uris); err != nil {
		return err
	}

	client.RedirectURIs = uris
	if err := e.store.SaveClient(ctx, client); err != nil {
		return e.storeError("set_redirect_uris", err)
	}
	return nil
}

// ResetClientSecret rotates the client secret. Existing tokens stay valid;
// only future client authentications are affected.
func (e *Engine) ResetClientSecret(ctx context.Context, owner ResourceOwner, clientID string) (*storage.Client, error) {
	client, err := e.ownedClient(ctx, owner, clientID)
	if err != nil {
		return nil, err
	}

	client.Secret = security.GenerateSecret(e.config.ClientSecretLength)
	if err := e.store.SaveClient(ctx, client); err != nil {
		return nil, e.storeError("reset_secret", err)
	}

	e.auditor.LogClientSecretReset(client.ID, client.OwnerID)
	return client, nil
}

// DeleteClient removes a client and cascades to its tokens and grants.
func (e *Engine) DeleteClient(ctx context.Context, owner ResourceOwner, clientID string) error {
	client, err := e.ownedClient(ctx, owner, clientID)
	if err != nil {
		return err
	}

	if err := e.store.DeleteClient(ctx, client.ID); err != nil {
		return e.storeError("delete_client", err)
	}
	return nil
}

// ownedClient loads a client and verifies the caller owns it. Internal
// clients are exempt from the ownership check for nil owners (management
// surfaces).
func (e *Engine) ownedClient(ctx context.Context, owner ResourceOwner, clientID string) (*storage.Client, error) {
	client, err := e.store.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, ErrInvalidClient("unknown client")
		}
		return nil, e.storeError("get_client", err)
	}

	if owner == nil {
		if !client.Internal {
			return nil, ErrUnauthorizedClient("client is not managed by this caller")
		}
		return client, nil
	}
	if client.OwnerID != owner.ID() {
		return nil, ErrUnauthorizedClient("client belongs to a different owner")
	}
	return client, nil
}

// CreatePersonalToken creates a personal access token: a dedicated internal
// client named for the token plus a token with no refresh flow. The token
// nominally never expires; its expiry slides forward on each use instead.
// Scope validation happens before any write.
func (e *Engine) CreatePersonalToken(ctx context.Context, owner ResourceOwner, name string, scopes []string) (*storage.Token, *storage.Client, error) {
	if err := e.validateScopes(scopes); err != nil {
		return nil, nil, err
	}
	sanitized, err := sanitizeScopes(scopes, owner.AllowedScopes())
	if err != nil {
		return nil, nil, err
	}

	client, cerr := e.CreateClient(ctx, owner, ClientRequest{
		Name:          name,
		Description:   "personal access token",
		Internal:      true,
		DefaultScopes: sanitized,
	})
	if cerr != nil {
		if errors.Is(cerr, storage.ErrClientExists) {
			return nil, nil, ErrInvalidRequest("a personal token with this name already exists")
		}
		return nil, nil, cerr
	}

	token, terr := e.issueToken(ctx, client, owner.ID(), sanitized, 0, false, true, false)
	if terr != nil {
		// Do not leave a dangling client behind a failed token insert.
		if derr := e.store.DeleteClient(ctx, client.ID); derr != nil {
			e.logger.Error("Failed to roll back personal token client", "client_id", client.ID, "error", derr)
		}
		return nil, nil, terr
	}

	return token, client, nil
}

// sanitizeScopes intersects a scope request with the caller's allowance.
// A wildcard allowance permits anything; an empty request yields the
// allowance itself (minus the wildcard).
func sanitizeScopes(requested, allowed []string) ([]string, error) {
	wildcard := false
	concrete := make([]string, 0, len(allowed))
	for _, id := range allowed {
		if id == ScopeWildcard {
			wildcard = true
			continue
		}
		concrete = append(concrete, id)
	}

	if len(requested) == 0 {
		return concrete, nil
	}
	if wildcard {
		return requested, nil
	}

	sanitized := make([]string, 0, len(requested))
	for _, id := range requested {
		for _, a := range concrete {
			if id == a {
				sanitized = append(sanitized, id)
				break
			}
		}
	}
	if len(sanitized) == 0 {
		return nil, ErrScopeNotAllowed("none of the requested scopes are allowed for this caller")
	}
	return sanitized, nil
}
