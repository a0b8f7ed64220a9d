// Package storage defines interfaces for persisting OAuth clients, bearer
// tokens, and authorization grants.
// It supports various backend implementations including in-memory and Valkey.
package storage

import (
	"context"
	"strings"
	"time"
)

// TokenTypeBearer is the only token type this provider issues.
const TokenTypeBearer = "bearer"

// Client represents a registered OAuth client application.
type Client struct {
	// ID is the public client identifier (random string, primary key).
	ID string

	// Secret is the client secret. It is stored in cleartext because the
	// bootstrap flow must return it to the session on reuse; callers compare
	// it in constant time and never log it.
	Secret string

	Name        string
	Description string
	Website     string

	// OwnerID is the owning user. Empty for system-owned internal clients.
	OwnerID string

	// Confidential clients may use the client_credentials grant.
	Confidential bool

	// Internal marks system and bootstrap clients exempt from the
	// user-facing scope picker and some ownership checks.
	Internal bool

	// RedirectURIs is the ordered list of registered redirect URIs.
	// The first entry is the canonical default.
	RedirectURIs []string

	// DefaultScopes is the scope set granted when a request names none.
	DefaultScopes []string

	// RateLimit is the fraction of the owning user's global quota allotted
	// to this client.
	RateLimit float64

	Created      time.Time
	LastActivity time.Time
}

// DefaultRedirectURI returns the canonical redirect URI, or "" when the
// client has none registered.
func (c *Client) DefaultRedirectURI() string {
	if len(c.RedirectURIs) == 0 {
		return ""
	}
	return c.RedirectURIs[0]
}

// HasRedirectURI reports whether uri exactly matches a registered URI.
func (c *Client) HasRedirectURI(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// JoinRedirectURIs renders the redirect URI list in its persisted form,
// a newline-joined ordered list.
func (c *Client) JoinRedirectURIs() string {
	return strings.Join(c.RedirectURIs, "\n")
}

// SplitRedirectURIs parses the persisted newline-joined redirect URI form.
func SplitRedirectURIs(joined string) []string {
	if joined == "" {
		return nil
	}
	return strings.Split(joined, "\n")
}

// Token represents a bearer credential issued to a (client, user) pairing.
type Token struct {
	// ID is an opaque row identifier (UUID).
	ID string

	ClientID string

	// UserID is the resource owner. Empty for client_credentials tokens
	// carrying a service identity.
	UserID string

	// TokenType is always "bearer".
	TokenType string

	// AccessToken and RefreshToken are globally unique random strings.
	// RefreshToken is empty for personal tokens.
	AccessToken  string
	RefreshToken string

	// Expires is the expiry instant. The zero value means the token never
	// expires.
	Expires time.Time

	Scopes []string

	// Personal marks user-created API tokens outside the authorization-code
	// flow. Personal tokens have no refresh flow and slide their expiry
	// forward on use.
	Personal bool

	// Internal marks bootstrap/system tokens.
	Internal bool

	Created time.Time
}

// ExpiresIn returns the remaining lifetime in whole seconds, or 0 for
// tokens that never expire.
func (t *Token) ExpiresIn() int64 {
	if t.Expires.IsZero() {
		return 0
	}
	remaining := time.Until(t.Expires)
	if remaining < 0 {
		return 0
	}
	return int64(remaining.Seconds())
}

// Grant represents a short-lived authorization code bridging the authorize
// step and the token exchange.
type Grant struct {
	// Code is the authorization code (random, indexed).
	Code string

	ClientID string
	UserID   string

	// RedirectURI is the exact URI used at the authorize step; exchange
	// must present the same value.
	RedirectURI string

	Scopes []string

	Created time.Time
	Expires time.Time
}

// ClientStore manages OAuth client registrations.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// CreateClient inserts a new client after atomically verifying that the
	// owner's quota admits the client's rate allotment and that no client
	// with the same (owner, name, internal) triple exists.
	// quota is the owner's total allowance; a negative quota means unlimited.
	// Returns ErrQuotaExceeded or ErrClientExists on violation, writing
	// nothing in either case.
	CreateClient(ctx context.Context, client *Client, quota float64) error

	// SaveClient updates an existing client (secret reset, redirect URIs,
	// activity timestamps).
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// FindClientByOwner returns the most recently created client with the
	// given owner and name, or ErrClientNotFound. Ties are broken by
	// creation time descending.
	FindClientByOwner(ctx context.Context, ownerID, name string) (*Client, error)

	// UsedQuota sums the RateLimit allotments of all clients owned by the
	// given user.
	UsedQuota(ctx context.Context, ownerID string) (float64, error)

	// DeleteClient removes a client, cascading deletion of all tokens and
	// grants that reference it.
	DeleteClient(ctx context.Context, clientID string) error

	// ListClients lists all registered clients (for admin purposes).
	ListClients(ctx context.Context) ([]*Client, error)
}

// TokenStore manages bearer tokens.
// All methods accept context.Context for tracing and cancellation.
type TokenStore interface {
	// IssueToken inserts a token. For non-personal tokens it atomically
	// replaces any existing non-personal token for the same (client, user)
	// pair, guaranteeing at most one live non-personal token per pair even
	// under concurrent issuance.
	IssueToken(ctx context.Context, token *Token) error

	// GetByAccessToken retrieves a token by its access token value.
	// As a side effect, a personal token's expiry is slid forward by the
	// store's configured personal-token TTL on each successful lookup.
	// Expired tokens are reported as ErrTokenExpired; the row is left for
	// the hygiene sweep.
	GetByAccessToken(ctx context.Context, accessToken string) (*Token, error)

	// GetByRefreshToken retrieves a non-personal token by its refresh
	// token value.
	GetByRefreshToken(ctx context.Context, refreshToken string) (*Token, error)

	// GetTokenForClientUser returns the live non-personal token for the
	// (client, user) pair, or ErrTokenNotFound.
	GetTokenForClientUser(ctx context.Context, clientID, userID string) (*Token, error)

	// RevokeToken deletes the token with the given access token value.
	// Revoking an unknown token is not an error (idempotent per RFC 7009).
	RevokeToken(ctx context.Context, accessToken string) error
}

// GrantStore manages ephemeral authorization codes.
// All methods accept context.Context for tracing and cancellation.
type GrantStore interface {
	// SaveGrant persists an authorization code. The code itself is
	// generated by the OAuth engine; the store only persists it.
	SaveGrant(ctx context.Context, grant *Grant) error

	// GetGrant retrieves a grant by client ID and code without consuming it.
	GetGrant(ctx context.Context, clientID, code string) (*Grant, error)

	// ConsumeGrant atomically retrieves and deletes a grant.
	// Concurrent consumption of the same code succeeds exactly once; all
	// other callers receive ErrGrantNotFound. Expired grants are reported
	// as ErrGrantExpired and deleted.
	// SECURITY: This operation MUST be atomic (delete-returning-row), never
	// a plain find-then-delete.
	ConsumeGrant(ctx context.Context, clientID, code string) (*Grant, error)
}

// Store combines all three persistence interfaces. Backends implement the
// combined interface so a single connection serves every entity.
type Store interface {
	ClientStore
	TokenStore
	GrantStore
}
