package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openmodeling/portal-oauth/instrumentation"
	"github.com/openmodeling/portal-oauth/internal/util"
	"github.com/openmodeling/portal-oauth/security"
	"github.com/openmodeling/portal-oauth/storage"
)

const (
	// tokenIDLogLength is the number of characters to include when logging
	// token identifiers. Enough for debugging without leaking the credential.
	tokenIDLogLength = 8

	// DefaultPersonalTokenTTL is the sliding-expiration window applied to
	// personal access tokens on each successful lookup.
	DefaultPersonalTokenTTL = 30 * 24 * time.Hour

	// DefaultCleanupInterval is how often the hygiene sweep runs.
	DefaultCleanupInterval = time.Minute
)

// Store is an in-memory implementation of all storage interfaces.
// It implements ClientStore, TokenStore, and GrantStore.
type Store struct {
	mu sync.RWMutex

	// Client storage
	clients map[string]*storage.Client // client ID -> client

	// Token storage (token values encrypted at rest if encryptor is set)
	tokens    map[string]*storage.Token // token ID -> token
	byAccess  map[string]string         // access token -> token ID
	byRefresh map[string]string         // refresh token -> token ID
	byPair    map[string]string         // clientID|userID -> non-personal token ID

	// Grant storage
	grants map[string]*storage.Grant // code -> grant

	// Security
	encryptor *security.Encryptor // token value encryption at rest (optional)

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during metric collection)
	clientsCountAtomic atomic.Int64
	tokensCountAtomic  atomic.Int64
	grantsCountAtomic  atomic.Int64

	// Lifecycle
	personalTokenTTL time.Duration
	cleanupInterval  time.Duration
	stopCleanup      chan struct{}
	logger           *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
	_ storage.GrantStore  = (*Store)(nil)
	_ storage.Store       = (*Store)(nil)
)

// New creates a new in-memory store with default cleanup interval (1 minute)
// and default personal-token sliding window (30 days).
func New() *Store {
	return NewWithInterval(DefaultCleanupInterval)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses the default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}

	s := &Store{
		clients:          make(map[string]*storage.Client),
		tokens:           make(map[string]*storage.Token),
		byAccess:         make(map[string]string),
		byRefresh:        make(map[string]string),
		byPair:           make(map[string]string),
		grants:           make(map[string]*storage.Grant),
		personalTokenTTL: DefaultPersonalTokenTTL,
		cleanupInterval:  cleanupInterval,
		stopCleanup:      make(chan struct{}),
		logger:           slog.Default(),
	}

	// Start background cleanup
	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetPersonalTokenTTL sets the sliding-expiration window for personal access
// tokens. A zero or negative value disables sliding expiry.
func (s *Store) SetPersonalTokenTTL(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.personalTokenTTL = ttl
}

// SetEncryptor sets the token encryptor for encryption at rest
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Token encryption at rest enabled for storage")
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}

	// Initialize atomic counters with current counts
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.tokensCountAtomic.Store(int64(len(s.tokens)))
	s.grantsCountAtomic.Store(int64(len(s.grants)))
	s.mu.Unlock()

	if inst != nil {
		// Register storage size callbacks using atomic counters (lock-free)
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.clientsCountAtomic.Load() },
			func() int64 { return s.tokensCountAtomic.Load() },
			func() int64 { return s.grantsCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	close(s.stopCleanup)
}

// ============================================================
// ClientStore Implementation
// ============================================================

// CreateClient inserts a new client after checking the owner's quota and the
// (owner, name, internal) uniqueness constraint. Both checks happen under the
// write lock so concurrent creates for the same owner serialize.
func (s *Store) CreateClient(ctx context.Context, client *storage.Client, quota float64) error {
	ctx, span := s.startStorageSpan(ctx, "create_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "create_client", err, startTime)
	}()

	if client == nil || client.ID == "" {
		err = fmt.Errorf("invalid client")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ID]; exists {
		err = fmt.Errorf("%w: %s", storage.ErrClientExists, client.ID)
		return err
	}

	var used float64
	for _, c := range s.clients {
		if c.OwnerID != client.OwnerID {
			continue
		}
		if c.Name == client.Name && c.Internal == client.Internal {
			err = fmt.Errorf("%w: owner %s already has client %q", storage.ErrClientExists, client.OwnerID, client.Name)
			return err
		}
		used += c.RateLimit
	}

	// Negative quota means unlimited
	if quota >= 0 && used+client.RateLimit > quota {
		err = fmt.Errorf("%w: %.2f requested, %.2f of %.2f in use", storage.ErrQuotaExceeded, client.RateLimit, used, quota)
		return err
	}

	stored := *client
	s.clients[client.ID] = &stored
	s.clientsCountAtomic.Add(1)

	s.logger.Debug("Created client", "client_id", client.ID, "owner_id", client.OwnerID, "internal", client.Internal)
	return nil
}

// SaveClient updates an existing client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_client", err, startTime)
	}()

	if client == nil || client.ID == "" {
		err = fmt.Errorf("invalid client")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ID]; !exists {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, client.ID)
		return err
	}

	stored := *client
	s.clients[client.ID] = &stored

	s.logger.Debug("Saved client", "client_id", client.ID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_client", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		return nil, err
	}

	clientCopy := *client
	return &clientCopy, nil
}

// FindClientByOwner returns the most recently created client with the given
// owner and name. Ties are broken by creation time descending.
func (s *Store) FindClientByOwner(ctx context.Context, ownerID, name string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *storage.Client
	for _, c := range s.clients {
		if c.OwnerID != ownerID || c.Name != name {
			continue
		}
		if found == nil || c.Created.After(found.Created) {
			found = c
		}
	}

	if found == nil {
		return nil, fmt.Errorf("%w: owner %s name %q", storage.ErrClientNotFound, ownerID, name)
	}

	clientCopy := *found
	return &clientCopy, nil
}

// UsedQuota sums the RateLimit allotments of all clients owned by the given user
func (s *Store) UsedQuota(ctx context.Context, ownerID string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var used float64
	for _, c := range s.clients {
		if c.OwnerID == ownerID {
			used += c.RateLimit
		}
	}

	return used, nil
}

// DeleteClient removes a client, cascading deletion of its tokens and grants
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	ctx, span := s.startStorageSpan(ctx, "delete_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "delete_client", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[clientID]; exists {
		delete(s.clients, clientID)
		s.clientsCountAtomic.Add(-1)
	}

	tokensDeleted := 0
	for id, tok := range s.tokens {
		if tok.ClientID == clientID {
			s.removeTokenLocked(id, tok)
			tokensDeleted++
		}
	}

	grantsDeleted := 0
	for code, grant := range s.grants {
		if grant.ClientID == clientID {
			delete(s.grants, code)
			s.grantsCountAtomic.Add(-1)
			grantsDeleted++
		}
	}

	s.logger.Debug("Deleted client with cascade",
		"client_id", clientID,
		"tokens_deleted", tokensDeleted,
		"grants_deleted", grantsDeleted)
	return nil
}

// ListClients lists all registered clients
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		clientCopy := *client
		clients = append(clients, &clientCopy)
	}

	return clients, nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// pairKey builds the (client, user) index key for non-personal tokens
func pairKey(clientID, userID string) string {
	return clientID + "\x00" + userID
}

// IssueToken inserts a token. For non-personal tokens the existing token for
// the same (client, user) pair is deleted under the same lock, so concurrent
// issuance never leaves two live tokens for one pair.
func (s *Store) IssueToken(ctx context.Context, token *storage.Token) error {
	ctx, span := s.startStorageSpan(ctx, "issue_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "issue_token", err, startTime)
	}()

	if token == nil || token.ID == "" || token.AccessToken == "" {
		err = fmt.Errorf("invalid token")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Atomic replace for the (client, user) pair
	if !token.Personal {
		key := pairKey(token.ClientID, token.UserID)
		if oldID, exists := s.byPair[key]; exists {
			if old, ok := s.tokens[oldID]; ok {
				s.removeTokenLocked(oldID, old)
				s.logger.Debug("Replaced existing token for pair",
					"client_id", token.ClientID,
					"token_id", util.SafeTruncate(oldID, tokenIDLogLength))
			}
		}
	}

	stored := *token
	if s.encryptor != nil && s.encryptor.IsEnabled() {
		if err = s.encryptTokenValues(&stored); err != nil {
			return err
		}
	}

	s.tokens[token.ID] = &stored
	s.byAccess[token.AccessToken] = token.ID
	if token.RefreshToken != "" {
		s.byRefresh[token.RefreshToken] = token.ID
	}
	if !token.Personal {
		s.byPair[pairKey(token.ClientID, token.UserID)] = token.ID
	}
	s.tokensCountAtomic.Add(1)

	s.logger.Debug("Issued token",
		"token_id", util.SafeTruncate(token.ID, tokenIDLogLength),
		"client_id", token.ClientID,
		"personal", token.Personal)
	return nil
}

// GetByAccessToken retrieves a token by its access token value.
// A live personal token has its expiry slid forward by the configured window.
func (s *Store) GetByAccessToken(ctx context.Context, accessToken string) (*storage.Token, error) {
	ctx, span := s.startStorageSpan(ctx, "get_by_access_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_by_access_token", err, startTime)
	}()

	// Write lock: the sliding-expiry side effect mutates the stored row
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byAccess[accessToken]
	if !ok {
		err = storage.ErrTokenNotFound
		return nil, err
	}

	tok, ok := s.tokens[id]
	if !ok {
		err = storage.ErrTokenNotFound
		return nil, err
	}

	// Expired rows stay in place for the hygiene sweep
	if !tok.Expires.IsZero() && security.IsExpired(tok.Expires) {
		err = fmt.Errorf("%w: %s", storage.ErrTokenExpired, util.SafeTruncate(id, tokenIDLogLength))
		return nil, err
	}

	if tok.Personal && s.personalTokenTTL > 0 {
		tok.Expires = time.Now().Add(s.personalTokenTTL)
	}

	return s.tokenCopyLocked(tok, accessToken)
}

// GetByRefreshToken retrieves a non-personal token by its refresh token value
func (s *Store) GetByRefreshToken(ctx context.Context, refreshToken string) (*storage.Token, error) {
	ctx, span := s.startStorageSpan(ctx, "get_by_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_by_refresh_token", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byRefresh[refreshToken]
	if !ok {
		err = storage.ErrTokenNotFound
		return nil, err
	}

	tok, ok := s.tokens[id]
	if !ok || tok.Personal {
		err = storage.ErrTokenNotFound
		return nil, err
	}

	return s.tokenCopyLocked(tok, "")
}

// GetTokenForClientUser returns the live non-personal token for the pair
func (s *Store) GetTokenForClientUser(ctx context.Context, clientID, userID string) (*storage.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byPair[pairKey(clientID, userID)]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}

	tok, ok := s.tokens[id]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}

	return s.tokenCopyLocked(tok, "")
}

// RevokeToken deletes the token with the given access token value.
// Revoking an unknown token is not an error (RFC 7009).
func (s *Store) RevokeToken(ctx context.Context, accessToken string) error {
	ctx, span := s.startStorageSpan(ctx, "revoke_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "revoke_token", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byAccess[accessToken]
	if !ok {
		return nil
	}

	if tok, exists := s.tokens[id]; exists {
		s.removeTokenLocked(id, tok)
		s.logger.Debug("Revoked token", "token_id", util.SafeTruncate(id, tokenIDLogLength))
	}

	return nil
}

// removeTokenLocked deletes a token and all its index entries.
// Caller must hold the write lock.
func (s *Store) removeTokenLocked(id string, tok *storage.Token) {
	delete(s.tokens, id)
	for access, tid := range s.byAccess {
		if tid == id {
			delete(s.byAccess, access)
		}
	}
	for refresh, tid := range s.byRefresh {
		if tid == id {
			delete(s.byRefresh, refresh)
		}
	}
	if !tok.Personal {
		key := pairKey(tok.ClientID, tok.UserID)
		if s.byPair[key] == id {
			delete(s.byPair, key)
		}
	}
	s.tokensCountAtomic.Add(-1)
}

// tokenCopyLocked returns a decrypted copy of a stored token.
// plainAccess restores the access token when the index key is at hand,
// avoiding a decrypt round trip for that field.
func (s *Store) tokenCopyLocked(tok *storage.Token, plainAccess string) (*storage.Token, error) {
	tokenCopy := *tok
	if s.encryptor != nil && s.encryptor.IsEnabled() {
		if err := s.decryptTokenValues(&tokenCopy); err != nil {
			return nil, err
		}
	}
	if plainAccess != "" {
		tokenCopy.AccessToken = plainAccess
	}
	return &tokenCopy, nil
}

// encryptTokenValues encrypts the credential fields of a token in place
func (s *Store) encryptTokenValues(tok *storage.Token) error {
	enc, err := s.encryptor.Encrypt(tok.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	tok.AccessToken = enc

	if tok.RefreshToken != "" {
		enc, err = s.encryptor.Encrypt(tok.RefreshToken)
		if err != nil {
			return fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		tok.RefreshToken = enc
	}
	return nil
}

// decryptTokenValues decrypts the credential fields of a token in place
func (s *Store) decryptTokenValues(tok *storage.Token) error {
	dec, err := s.encryptor.Decrypt(tok.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to decrypt access token: %w", err)
	}
	tok.AccessToken = dec

	if tok.RefreshToken != "" {
		dec, err = s.encryptor.Decrypt(tok.RefreshToken)
		if err != nil {
			return fmt.Errorf("failed to decrypt refresh token: %w", err)
		}
		tok.RefreshToken = dec
	}
	return nil
}

// ============================================================
// GrantStore Implementation
// ============================================================

// SaveGrant persists an authorization code
func (s *Store) SaveGrant(ctx context.Context, grant *storage.Grant) error {
	ctx, span := s.startStorageSpan(ctx, "save_grant")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_grant", err, startTime)
	}()

	if grant == nil || grant.Code == "" {
		err = fmt.Errorf("invalid grant")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.grants[grant.Code]; !exists {
		s.grantsCountAtomic.Add(1)
	}

	stored := *grant
	s.grants[grant.Code] = &stored

	s.logger.Debug("Saved grant",
		"client_id", grant.ClientID,
		"code_prefix", util.SafeTruncate(grant.Code, tokenIDLogLength))
	return nil
}

// GetGrant retrieves a grant by client ID and code without consuming it
func (s *Store) GetGrant(ctx context.Context, clientID, code string) (*storage.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	grant, ok := s.grants[code]
	if !ok || grant.ClientID != clientID {
		return nil, storage.ErrGrantNotFound
	}

	// Grant expiry is issued and checked on the same clock; no skew grace.
	if security.IsExpiredWithGracePeriod(grant.Expires, 0) {
		return nil, fmt.Errorf("%w: code expired", storage.ErrGrantExpired)
	}

	grantCopy := *grant
	return &grantCopy, nil
}

// ConsumeGrant atomically retrieves and deletes a grant.
// Only ONE concurrent request for the same code can succeed; all others
// receive ErrGrantNotFound. Expired grants are deleted and reported as
// ErrGrantExpired.
func (s *Store) ConsumeGrant(ctx context.Context, clientID, code string) (*storage.Grant, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_grant")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "consume_grant", err, startTime)
	}()

	// MUST use write lock for atomic get-and-delete
	s.mu.Lock()
	defer s.mu.Unlock()

	grant, ok := s.grants[code]
	if !ok || grant.ClientID != clientID {
		err = storage.ErrGrantNotFound
		return nil, err
	}

	delete(s.grants, code)
	s.grantsCountAtomic.Add(-1)

	if security.IsExpiredWithGracePeriod(grant.Expires, 0) {
		err = fmt.Errorf("%w: code expired", storage.ErrGrantExpired)
		return nil, err
	}

	s.logger.Debug("Consumed grant",
		"client_id", clientID,
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))

	grantCopy := *grant
	return &grantCopy, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup sweeps expired tokens and grants. Expiry is enforced lazily on
// read; this loop is hygiene only.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0

	for id, tok := range s.tokens {
		if !tok.Expires.IsZero() && security.IsExpired(tok.Expires) {
			s.removeTokenLocked(id, tok)
			cleaned++
		}
	}

	for code, grant := range s.grants {
		if security.IsExpired(grant.Expires) {
			delete(s.grants, code)
			s.grantsCountAtomic.Add(-1)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String("operation", operation),
		))

	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else {
		if span != nil {
			span.SetStatus(codes.Ok, "")
		}
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
