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
// GrantStore Implementation
// ============================================================

// grantJSON is the JSON representation of an authorization grant
type grantJSON struct {
	Code        string   `json:"code"`
	ClientID    string   `json:"client_id"`
	UserID      string   `json:"user_id"`
	RedirectURI string   `json:"redirect_uri,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
	Created     int64    `json:"created"`
	Expires     int64    `json:"expires"`
}

func toGrantJSON(grant *storage.Grant) *grantJSON {
	return &grantJSON{
		Code:        grant.Code,
		ClientID:    grant.ClientID,
		UserID:      grant.UserID,
		RedirectURI: grant.RedirectURI,
		Scopes:      grant.Scopes,
		Created:     grant.Created.Unix(),
		Expires:     grant.Expires.Unix(),
	}
}

func fromGrantJSON(j *grantJSON) *storage.Grant {
	if j == nil {
		return nil
	}
	return &storage.Grant{
		Code:        j.Code,
		ClientID:    j.ClientID,
		UserID:      j.UserID,
		RedirectURI: j.RedirectURI,
		Scopes:      j.Scopes,
		Created:     time.Unix(j.Created, 0),
		Expires:     time.Unix(j.Expires, 0),
	}
}

// SaveGrant persists an authorization code with a TTL slightly beyond its
// expiry so an expired-but-unswept grant is still reported as expired.
func (s *Store) SaveGrant(ctx context.Context, grant *storage.Grant) error {
	if grant == nil || grant.Code == "" {
		return fmt.Errorf("invalid grant")
	}

	data, err := json.Marshal(toGrantJSON(grant))
	if err != nil {
		return fmt.Errorf("failed to marshal grant: %w", err)
	}

	ttl := calculateTTL(grant.Expires) + expiredGrantRetention

	cmds := make(valkeyCommands, 0, 2)
	cmds = cmds.set(s, s.grantKey(grant.ClientID, grant.Code), string(data), int64(ttl.Seconds()))
	cmds = append(cmds, s.client.B().Sadd().Key(s.clientGrantsKey(grant.ClientID)).Member(grant.Code).Build())
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return backendError("failed to save grant", err)
		}
	}

	s.logger.Debug("Saved grant",
		"client_id", grant.ClientID,
		"code_prefix", util.SafeTruncate(grant.Code, tokenIDLogLength))
	return nil
}

// GetGrant retrieves a grant by client ID and code without consuming it
func (s *Store) GetGrant(ctx context.Context, clientID, code string) (*storage.Grant, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.grantKey(clientID, code)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrGrantNotFound
		}
		return nil, backendError("failed to get grant", err)
	}

	var j grantJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal grant: %w", err)
	}

	grant := fromGrantJSON(&j)
	// Grant expiry is issued and checked on the same clock; no skew grace,
	// matching the consume script.
	if security.IsExpiredWithGracePeriod(grant.Expires, 0) {
		return nil, fmt.Errorf("%w: code expired", storage.ErrGrantExpired)
	}

	return grant, nil
}

// ConsumeGrant atomically retrieves and deletes a grant via Lua.
// Only ONE concurrent request for the same code can succeed; all others
// receive ErrGrantNotFound. Expired grants are deleted and reported as
// ErrGrantExpired.
func (s *Store) ConsumeGrant(ctx context.Context, clientID, code string) (*storage.Grant, error) {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeGrant).
			Numkeys(2).
			Key(s.grantKey(clientID, code), s.clientGrantsKey(clientID)).
			Arg(fmt.Sprintf("%d", time.Now().Unix())).
			Arg(code).
			Build(),
	).ToString()
	if err != nil {
		return nil, backendError("failed to consume grant", err)
	}

	switch result {
	case "NOT_FOUND":
		return nil, storage.ErrGrantNotFound
	case "EXPIRED":
		return nil, fmt.Errorf("%w: code expired", storage.ErrGrantExpired)
	}

	var j grantJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse consumed grant: %w", err)
	}

	s.logger.Debug("Consumed grant",
		"client_id", clientID,
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))

	return fromGrantJSON(&j), nil
}
