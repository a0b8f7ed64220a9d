package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openmodeling/portal-oauth/internal/util"
	"github.com/openmodeling/portal-oauth/security"
	"github.com/openmodeling/portal-oauth/storage"
)

// ============================================================
// TokenStore Implementation
// ============================================================

// tokenJSON is the JSON representation of a bearer token. Besides the row
// fields it carries the names of its index keys so the atomic Lua scripts
// can clean them up without knowing the plaintext credential values.
type tokenJSON struct {
	ID           string   `json:"id"`
	ClientID     string   `json:"client_id"`
	UserID       string   `json:"user_id,omitempty"`
	TokenType    string   `json:"token_type"`
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	Expires      int64    `json:"expires,omitempty"` // Unix seconds, 0 = never
	Scopes       []string `json:"scopes,omitempty"`
	Personal     bool     `json:"personal,omitempty"`
	Internal     bool     `json:"internal,omitempty"`
	Created      int64    `json:"created"`

	// Index key names for atomic cleanup
	AccessKey  string `json:"access_key"`
	RefreshKey string `json:"refresh_key,omitempty"`
	PairKey    string `json:"pair_key,omitempty"`
	SetKey     string `json:"set_key,omitempty"`
}

func (s *Store) toTokenJSON(token *storage.Token) (*tokenJSON, error) {
	j := &tokenJSON{
		ID:           token.ID,
		ClientID:     token.ClientID,
		UserID:       token.UserID,
		TokenType:    token.TokenType,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Scopes:       token.Scopes,
		Personal:     token.Personal,
		Internal:     token.Internal,
		Created:      token.Created.Unix(),
		AccessKey:    s.accessIndexKey(token.AccessToken),
		SetKey:       s.clientTokensKey(token.ClientID),
	}
	if !token.Expires.IsZero() {
		j.Expires = token.Expires.Unix()
	}
	if token.RefreshToken != "" {
		j.RefreshKey = s.refreshIndexKey(token.RefreshToken)
	}
	if !token.Personal {
		j.PairKey = s.pairKey(token.ClientID, token.UserID)
	}

	// Encrypt credential values at rest; the index keys above are hashes of
	// the plaintext so lookups keep working.
	enc := s.getEncryptor()
	if enc != nil && enc.IsEnabled() {
		val, err := enc.Encrypt(j.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt access token: %w", err)
		}
		j.AccessToken = val

		if j.RefreshToken != "" {
			val, err = enc.Encrypt(j.RefreshToken)
			if err != nil {
				return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
			}
			j.RefreshToken = val
		}
	}

	return j, nil
}

func (s *Store) fromTokenJSON(j *tokenJSON) (*storage.Token, error) {
	if j == nil {
		return nil, nil
	}
	t := &storage.Token{
		ID:           j.ID,
		ClientID:     j.ClientID,
		UserID:       j.UserID,
		TokenType:    j.TokenType,
		AccessToken:  j.AccessToken,
		RefreshToken: j.RefreshToken,
		Scopes:       j.Scopes,
		Personal:     j.Personal,
		Internal:     j.Internal,
		Created:      time.Unix(j.Created, 0),
	}
	if j.Expires > 0 {
		t.Expires = time.Unix(j.Expires, 0)
	}

	enc := s.getEncryptor()
	if enc != nil && enc.IsEnabled() {
		val, err := enc.Decrypt(t.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt access token: %w", err)
		}
		t.AccessToken = val

		if t.RefreshToken != "" {
			val, err = enc.Decrypt(t.RefreshToken)
			if err != nil {
				return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
			}
			t.RefreshToken = val
		}
	}

	return t, nil
}

// rowTTL computes the key TTL for a token row: expiry plus the retention
// window during which reads report ErrTokenExpired instead of not-found.
// Returns 0 for tokens that never expire.
func rowTTL(expires time.Time) time.Duration {
	if expires.IsZero() {
		return 0
	}
	ttl := calculateTTL(expires)
	return ttl + expiredTokenRetention
}

// IssueToken inserts a token. Non-personal tokens atomically replace any
// existing non-personal token for the same (client, user) pair via Lua.
func (s *Store) IssueToken(ctx context.Context, token *storage.Token) error {
	if token == nil || token.ID == "" || token.AccessToken == "" {
		return fmt.Errorf("invalid token")
	}

	j, err := s.toTokenJSON(token)
	if err != nil {
		return err
	}
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	ttl := int64(rowTTL(token.Expires).Seconds())

	if token.Personal {
		// Personal tokens sit outside the pair invariant; no replace needed
		cmds := make(valkeyCommands, 0, 3)
		cmds = cmds.set(s, s.tokenKey(token.ID), string(data), ttl)
		cmds = cmds.set(s, j.AccessKey, token.ID, ttl)
		cmds = append(cmds, s.client.B().Sadd().Key(j.SetKey).Member(token.ID).Build())
		for _, resp := range s.client.DoMulti(ctx, cmds...) {
			if err := resp.Error(); err != nil {
				return backendError("failed to save personal token", err)
			}
		}
	} else {
		refreshKey := ""
		if token.RefreshToken != "" {
			refreshKey = j.RefreshKey
		}
		err = s.client.Do(ctx,
			s.client.B().Eval().Script(luaIssueToken).
				Numkeys(3).
				Key(j.PairKey, s.tokenKey(token.ID), j.SetKey).
				Arg(s.tokenKey("")).
				Arg(string(data)).
				Arg(token.ID).
				Arg(j.AccessKey).
				Arg(refreshKey).
				Arg(fmt.Sprintf("%d", ttl)).
				Build(),
		).Error()
		if err != nil {
			return backendError("failed to issue token", err)
		}
	}

	s.logger.Debug("Issued token",
		"token_id", util.SafeTruncate(token.ID, tokenIDLogLength),
		"client_id", token.ClientID,
		"personal", token.Personal)
	return nil
}

// GetByAccessToken retrieves a token by its access token value.
// A live personal token has its expiry slid forward by the configured window.
func (s *Store) GetByAccessToken(ctx context.Context, accessToken string) (*storage.Token, error) {
	tok, err := s.getTokenByIndex(ctx, s.accessIndexKey(accessToken))
	if err != nil {
		return nil, err
	}

	if !tok.Expires.IsZero() && security.IsExpired(tok.Expires) {
		return nil, fmt.Errorf("%w: %s", storage.ErrTokenExpired, util.SafeTruncate(tok.ID, tokenIDLogLength))
	}

	if tok.Personal && s.personalTokenTTL > 0 {
		tok.Expires = time.Now().Add(s.personalTokenTTL)
		if err := s.slideTokenExpiry(ctx, tok); err != nil {
			// A failed slide never fails the lookup
			s.logger.Warn("Failed to slide personal token expiry",
				"token_id", util.SafeTruncate(tok.ID, tokenIDLogLength),
				"error", err)
		}
	}

	return tok, nil
}

// slideTokenExpiry rewrites a personal token row with its slid expiry and
// refreshes the key TTLs.
func (s *Store) slideTokenExpiry(ctx context.Context, tok *storage.Token) error {
	j, err := s.toTokenJSON(tok)
	if err != nil {
		return err
	}
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	ttl := int64(rowTTL(tok.Expires).Seconds())
	cmds := make(valkeyCommands, 0, 2)
	cmds = cmds.set(s, s.tokenKey(tok.ID), string(data), ttl)
	cmds = cmds.set(s, j.AccessKey, tok.ID, ttl)
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return backendError("failed to slide token expiry", err)
		}
	}
	return nil
}

// GetByRefreshToken retrieves a non-personal token by its refresh token value.
// Expiry is not checked here: refreshing an expired access token is the point
// of the refresh flow, and the row TTL bounds how long that stays possible.
func (s *Store) GetByRefreshToken(ctx context.Context, refreshToken string) (*storage.Token, error) {
	tok, err := s.getTokenByIndex(ctx, s.refreshIndexKey(refreshToken))
	if err != nil {
		return nil, err
	}
	if tok.Personal {
		return nil, storage.ErrTokenNotFound
	}
	return tok, nil
}

// GetTokenForClientUser returns the live non-personal token for the pair
func (s *Store) GetTokenForClientUser(ctx context.Context, clientID, userID string) (*storage.Token, error) {
	return s.getTokenByIndex(ctx, s.pairKey(clientID, userID))
}

// getTokenByIndex resolves an index key (access, refresh, or pair) to its
// token row.
func (s *Store) getTokenByIndex(ctx context.Context, indexKey string) (*storage.Token, error) {
	id, err := s.client.Do(ctx, s.client.B().Get().Key(indexKey).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, backendError("failed to resolve token index", err)
	}

	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.tokenKey(id)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, backendError("failed to get token", err)
	}

	var j tokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}

	return s.fromTokenJSON(&j)
}

// RevokeToken deletes the token with the given access token value.
// Revoking an unknown token is not an error (RFC 7009).
func (s *Store) RevokeToken(ctx context.Context, accessToken string) error {
	err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRevokeToken).
			Numkeys(1).
			Key(s.accessIndexKey(accessToken)).
			Arg(s.tokenKey("")).
			Build(),
	).Error()
	if err != nil {
		return backendError("failed to revoke token", err)
	}

	return nil
}

// deleteTokenByID removes a token row and its index entries given the row ID.
// Used by the client-deletion cascade.
func (s *Store) deleteTokenByID(ctx context.Context, tokenID string) error {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.tokenKey(tokenID)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil
		}
		return backendError("failed to get token", err)
	}

	var j tokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return fmt.Errorf("failed to unmarshal token: %w", err)
	}

	keys := []string{s.tokenKey(tokenID), j.AccessKey}
	if j.RefreshKey != "" {
		keys = append(keys, j.RefreshKey)
	}
	if j.PairKey != "" {
		keys = append(keys, j.PairKey)
	}
	if err := s.client.Do(ctx, s.client.B().Del().Key(keys...).Build()).Error(); err != nil {
		return backendError("failed to delete token", err)
	}

	return nil
}
