package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/openmodeling/portal-oauth/storage"
)

// ============================================================
// ClientStore Implementation
// ============================================================

// clientJSON is the JSON representation of an OAuth client
type clientJSON struct {
	ID            string   `json:"id"`
	Secret        string   `json:"secret,omitempty"`
	Name          string   `json:"name"`
	Description   string   `json:"description,omitempty"`
	Website       string   `json:"website,omitempty"`
	OwnerID       string   `json:"owner_id,omitempty"`
	Confidential  bool     `json:"confidential"`
	Internal      bool     `json:"internal"`
	RedirectURIs  string   `json:"redirect_uris,omitempty"` // newline-joined persisted form
	DefaultScopes []string `json:"default_scopes,omitempty"`
	RateLimit     float64  `json:"ratelimit"`
	Created       int64    `json:"created"`
	LastActivity  int64    `json:"last_activity,omitempty"`
}

func toClientJSON(client *storage.Client) *clientJSON {
	j := &clientJSON{
		ID:            client.ID,
		Secret:        client.Secret,
		Name:          client.Name,
		Description:   client.Description,
		Website:       client.Website,
		OwnerID:       client.OwnerID,
		Confidential:  client.Confidential,
		Internal:      client.Internal,
		RedirectURIs:  client.JoinRedirectURIs(),
		DefaultScopes: client.DefaultScopes,
		RateLimit:     client.RateLimit,
		Created:       client.Created.Unix(),
	}
	if !client.LastActivity.IsZero() {
		j.LastActivity = client.LastActivity.Unix()
	}
	return j
}

func fromClientJSON(j *clientJSON) *storage.Client {
	if j == nil {
		return nil
	}
	c := &storage.Client{
		ID:            j.ID,
		Secret:        j.Secret,
		Name:          j.Name,
		Description:   j.Description,
		Website:       j.Website,
		OwnerID:       j.OwnerID,
		Confidential:  j.Confidential,
		Internal:      j.Internal,
		RedirectURIs:  storage.SplitRedirectURIs(j.RedirectURIs),
		DefaultScopes: j.DefaultScopes,
		RateLimit:     j.RateLimit,
		Created:       time.Unix(j.Created, 0),
	}
	if j.LastActivity > 0 {
		c.LastActivity = time.Unix(j.LastActivity, 0)
	}
	return c
}

// CreateClient inserts a new client after atomically verifying the owner's
// quota and the (owner, name, internal) uniqueness constraint via Lua.
func (s *Store) CreateClient(ctx context.Context, client *storage.Client, quota float64) error {
	if client == nil || client.ID == "" {
		return fmt.Errorf("invalid client")
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	internal := "0"
	if client.Internal {
		internal = "1"
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaCreateClient).
			Numkeys(2).
			Key(s.ownerKey(client.OwnerID), s.clientKey(client.ID)).
			Arg(s.clientKey("")).
			Arg(client.Name).
			Arg(internal).
			Arg(strconv.FormatFloat(client.RateLimit, 'f', -1, 64)).
			Arg(strconv.FormatFloat(quota, 'f', -1, 64)).
			Arg(string(data)).
			Arg(client.ID).
			Build(),
	).ToString()
	if err != nil {
		return backendError("failed to create client", err)
	}

	switch result {
	case "EXISTS":
		return fmt.Errorf("%w: owner %s already has client %q", storage.ErrClientExists, client.OwnerID, client.Name)
	case "QUOTA":
		return fmt.Errorf("%w: %.2f requested against quota %.2f", storage.ErrQuotaExceeded, client.RateLimit, quota)
	}

	s.logger.Debug("Created client", "client_id", client.ID, "owner_id", client.OwnerID, "internal", client.Internal)
	return nil
}

// SaveClient updates an existing client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ID == "" {
		return fmt.Errorf("invalid client")
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	// XX: only overwrite an existing row, never create one
	err = s.client.Do(ctx,
		s.client.B().Set().Key(s.clientKey(client.ID)).Value(string(data)).Xx().Build(),
	).Error()
	if err != nil {
		if isNilError(err) {
			return fmt.Errorf("%w: %s", storage.ErrClientNotFound, client.ID)
		}
		return backendError("failed to save client", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.clientKey(clientID)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		}
		return nil, backendError("failed to get client", err)
	}

	var j clientJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}

	return fromClientJSON(&j), nil
}

// FindClientByOwner returns the most recently created client with the given
// owner and name, or ErrClientNotFound.
func (s *Store) FindClientByOwner(ctx context.Context, ownerID, name string) (*storage.Client, error) {
	clients, err := s.clientsForOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	var found *storage.Client
	for _, c := range clients {
		if c.Name != name {
			continue
		}
		if found == nil || c.Created.After(found.Created) {
			found = c
		}
	}

	if found == nil {
		return nil, fmt.Errorf("%w: owner %s name %q", storage.ErrClientNotFound, ownerID, name)
	}

	return found, nil
}

// UsedQuota sums the RateLimit allotments of all clients owned by the given user
func (s *Store) UsedQuota(ctx context.Context, ownerID string) (float64, error) {
	clients, err := s.clientsForOwner(ctx, ownerID)
	if err != nil {
		return 0, err
	}

	var used float64
	for _, c := range clients {
		used += c.RateLimit
	}

	return used, nil
}

// clientsForOwner resolves the owner's client ID set to client rows.
// Dangling set members (deleted clients) are skipped.
func (s *Store) clientsForOwner(ctx context.Context, ownerID string) ([]*storage.Client, error) {
	ids, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.ownerKey(ownerID)).Build()).AsStrSlice()
	if err != nil {
		return nil, backendError("failed to list owner clients", err)
	}

	clients := make([]*storage.Client, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetClient(ctx, id)
		if err != nil {
			continue
		}
		clients = append(clients, c)
	}

	return clients, nil
}

// DeleteClient removes a client, cascading deletion of its tokens and grants
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	// Resolve the owner first so the owner set can be pruned
	client, err := s.GetClient(ctx, clientID)
	if err != nil && !isNotFound(err) {
		return err
	}

	// Cascade tokens
	tokenIDs, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.clientTokensKey(clientID)).Build()).AsStrSlice()
	if err != nil {
		return backendError("failed to list client tokens", err)
	}
	for _, id := range tokenIDs {
		if err := s.deleteTokenByID(ctx, id); err != nil {
			return err
		}
	}

	// Cascade grants
	codes, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.clientGrantsKey(clientID)).Build()).AsStrSlice()
	if err != nil {
		return backendError("failed to list client grants", err)
	}
	for _, code := range codes {
		if err := s.client.Do(ctx, s.client.B().Del().Key(s.grantKey(clientID, code)).Build()).Error(); err != nil {
			return backendError("failed to delete grant", err)
		}
	}

	keys := []string{
		s.clientTokensKey(clientID),
		s.clientGrantsKey(clientID),
		s.clientKey(clientID),
	}
	if err := s.client.Do(ctx, s.client.B().Del().Key(keys...).Build()).Error(); err != nil {
		return backendError("failed to delete client", err)
	}

	if client != nil {
		if err := s.client.Do(ctx,
			s.client.B().Srem().Key(s.ownerKey(client.OwnerID)).Member(clientID).Build(),
		).Error(); err != nil {
			s.logger.Warn("Failed to prune owner set", "client_id", clientID, "error", err)
		}
	}

	s.logger.Debug("Deleted client with cascade",
		"client_id", clientID,
		"tokens_deleted", len(tokenIDs),
		"grants_deleted", len(codes))
	return nil
}

// ListClients lists all registered clients
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	// Use SCAN to iterate over all client keys. The pattern excludes the
	// client:tokens: and client:grants: sets by matching only direct children.
	pattern := s.clientKey("*")

	// Deduplicate results (SCAN can return duplicates across iterations)
	clientMap := make(map[string]*storage.Client)

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return nil, backendError("failed to scan clients", err)
		}

		for _, key := range result.Elements {
			if _, exists := clientMap[key]; exists {
				continue
			}

			data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
			if err != nil {
				if isNilError(err) {
					continue // key may have been deleted between SCAN and GET
				}
				// Sets under the client: namespace are not client rows
				continue
			}

			var j clientJSON
			if err := json.Unmarshal([]byte(data), &j); err != nil {
				s.logger.Warn("Failed to unmarshal client, skipping",
					"key", key,
					"error", err)
				continue
			}
			if j.ID == "" {
				continue
			}

			clientMap[key] = fromClientJSON(&j)
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}

	clients := make([]*storage.Client, 0, len(clientMap))
	for _, c := range clientMap {
		clients = append(clients, c)
	}

	return clients, nil
}
