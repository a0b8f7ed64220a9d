package valkey

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/openmodeling/portal-oauth/security"
	"github.com/openmodeling/portal-oauth/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "oauth:"

	// DefaultPersonalTokenTTL is the sliding-expiration window applied to
	// personal access tokens on each successful lookup.
	DefaultPersonalTokenTTL = 30 * 24 * time.Hour

	// expiredTokenRetention is how long an expired token row is kept beyond
	// its expiry so reads can distinguish "expired" from "never existed".
	// Valkey key TTLs act as the hygiene sweep.
	expiredTokenRetention = 24 * time.Hour

	// expiredGrantRetention is the retention window for expired grants.
	expiredGrantRetention = time.Hour

	// tokenIDLogLength is the number of characters to include when logging token IDs
	tokenIDLogLength = 8

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "oauth:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// PersonalTokenTTL is the sliding-expiration window for personal access
	// tokens. Default: 30 days. Negative disables sliding expiry.
	PersonalTokenTTL time.Duration
}

// Store is a Valkey-backed implementation of all storage interfaces.
// It implements ClientStore, TokenStore, and GrantStore.
type Store struct {
	client           valkeygo.Client
	prefix           string
	logger           *slog.Logger
	personalTokenTTL time.Duration

	// encryptor provides optional token encryption at rest
	// Access must be synchronized via encryptorMu
	encryptor   *security.Encryptor
	encryptorMu sync.RWMutex
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
	_ storage.GrantStore  = (*Store)(nil)
	_ storage.Store       = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	personalTTL := cfg.PersonalTokenTTL
	if personalTTL == 0 {
		personalTTL = DefaultPersonalTokenTTL
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}

	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: failed to connect to valkey: %v", storage.ErrStorageUnavailable, err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client:           client,
		prefix:           prefix,
		logger:           logger,
		personalTokenTTL: personalTTL,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetEncryptor sets the token encryptor for encryption at rest.
// When set, access and refresh token values are encrypted before storing
// in Valkey and decrypted when retrieved. Lookup keys are SHA-256 hashes
// of the plaintext values, so the plaintext never appears in the keyspace.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Token encryption at rest enabled for Valkey storage")
	}
}

// getEncryptor returns the current encryptor (thread-safe)
func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

// ============================================================
// Key Helpers
// ============================================================

// hashLookupValue hashes a credential for use as a lookup key component.
// Token values never appear as key names in the Valkey keyspace.
func hashLookupValue(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// clientKey returns the key for a client: {prefix}client:{clientID}
func (s *Store) clientKey(clientID string) string {
	return fmt.Sprintf("%sclient:%s", s.prefix, clientID)
}

// ownerKey returns the set of client IDs owned by a user: {prefix}owner:{ownerID}
func (s *Store) ownerKey(ownerID string) string {
	return fmt.Sprintf("%sowner:%s", s.prefix, ownerID)
}

// tokenKey returns the key for a token row: {prefix}token:{tokenID}
func (s *Store) tokenKey(tokenID string) string {
	return fmt.Sprintf("%stoken:%s", s.prefix, tokenID)
}

// accessIndexKey maps a hashed access token to a token ID
func (s *Store) accessIndexKey(accessToken string) string {
	return fmt.Sprintf("%stoken:access:%s", s.prefix, hashLookupValue(accessToken))
}

// refreshIndexKey maps a hashed refresh token to a token ID
func (s *Store) refreshIndexKey(refreshToken string) string {
	return fmt.Sprintf("%stoken:refresh:%s", s.prefix, hashLookupValue(refreshToken))
}

// pairKey maps a (client, user) pair to its single non-personal token ID
func (s *Store) pairKey(clientID, userID string) string {
	return fmt.Sprintf("%stoken:pair:%s:%s", s.prefix, clientID, userID)
}

// clientTokensKey returns the set of token IDs issued for a client
func (s *Store) clientTokensKey(clientID string) string {
	return fmt.Sprintf("%sclient:tokens:%s", s.prefix, clientID)
}

// grantKey returns the key for a grant: {prefix}grant:{clientID}:{code}
func (s *Store) grantKey(clientID, code string) string {
	return fmt.Sprintf("%sgrant:%s:%s", s.prefix, clientID, code)
}

// clientGrantsKey returns the set of outstanding grant codes for a client
func (s *Store) clientGrantsKey(clientID string) string {
	return fmt.Sprintf("%sclient:grants:%s", s.prefix, clientID)
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// These Lua scripts provide atomic operations for security-critical OAuth
// flows. Using Lua ensures atomicity in Valkey, preventing race conditions
// like double token issuance for a pair or authorization code replay.

// luaCreateClient atomically checks the owner's quota and the
// (owner, name, internal) uniqueness constraint, then inserts the client.
// Both checks and the insert happen in one script so concurrent creates
// for the same owner serialize on the server.
//
// KEYS[1] = owner set key
// KEYS[2] = new client key
// ARGV[1] = client key prefix
// ARGV[2] = client name
// ARGV[3] = internal flag ("1"/"0")
// ARGV[4] = requested rate limit
// ARGV[5] = owner quota (negative = unlimited)
// ARGV[6] = client JSON
// ARGV[7] = client ID
//
// Returns "OK", "EXISTS", or "QUOTA".
const luaCreateClient = `
local used = 0
local ids = redis.call('SMEMBERS', KEYS[1])
for _, id in ipairs(ids) do
    local data = redis.call('GET', ARGV[1] .. id)
    if data then
        local c = cjson.decode(data)
        local internal = '0'
        if c.internal then internal = '1' end
        if c.name == ARGV[2] and internal == ARGV[3] then
            return 'EXISTS'
        end
        used = used + (tonumber(c.ratelimit) or 0)
    else
        redis.call('SREM', KEYS[1], id)
    end
end
local quota = tonumber(ARGV[5])
if quota >= 0 and used + tonumber(ARGV[4]) > quota then
    return 'QUOTA'
end
if redis.call('EXISTS', KEYS[2]) == 1 then
    return 'EXISTS'
end
redis.call('SET', KEYS[2], ARGV[6])
redis.call('SADD', KEYS[1], ARGV[7])
return 'OK'
`

// luaIssueToken atomically replaces the existing non-personal token for a
// (client, user) pair and inserts the new token with its lookup indexes.
// Only one concurrent issuance for a pair can leave a live token.
//
// KEYS[1] = pair key
// KEYS[2] = new token key
// KEYS[3] = client tokens set key
// ARGV[1] = token key prefix
// ARGV[2] = token JSON
// ARGV[3] = token ID
// ARGV[4] = access index key
// ARGV[5] = refresh index key ("" if none)
// ARGV[6] = TTL in seconds (0 = no expiry)
const luaIssueToken = `
local oldID = redis.call('GET', KEYS[1])
if oldID then
    local oldKey = ARGV[1] .. oldID
    local oldData = redis.call('GET', oldKey)
    if oldData then
        local old = cjson.decode(oldData)
        if old.access_key then redis.call('DEL', old.access_key) end
        if old.refresh_key and old.refresh_key ~= '' then redis.call('DEL', old.refresh_key) end
        redis.call('DEL', oldKey)
    end
    redis.call('SREM', KEYS[3], oldID)
end
local ttl = tonumber(ARGV[6])
if ttl > 0 then
    redis.call('SET', KEYS[2], ARGV[2], 'EX', ttl)
    redis.call('SET', ARGV[4], ARGV[3], 'EX', ttl)
    if ARGV[5] ~= '' then redis.call('SET', ARGV[5], ARGV[3], 'EX', ttl) end
    redis.call('SET', KEYS[1], ARGV[3], 'EX', ttl)
else
    redis.call('SET', KEYS[2], ARGV[2])
    redis.call('SET', ARGV[4], ARGV[3])
    if ARGV[5] ~= '' then redis.call('SET', ARGV[5], ARGV[3]) end
    redis.call('SET', KEYS[1], ARGV[3])
end
redis.call('SADD', KEYS[3], ARGV[3])
return 'OK'
`

// luaRevokeToken deletes a token row and all its index entries given the
// access index key. Unknown tokens are a no-op (RFC 7009 idempotency).
//
// KEYS[1] = access index key
// ARGV[1] = token key prefix
const luaRevokeToken = `
local id = redis.call('GET', KEYS[1])
if not id then
    return 'NOT_FOUND'
end
local tokenKey = ARGV[1] .. id
local data = redis.call('GET', tokenKey)
if data then
    local tok = cjson.decode(data)
    if tok.refresh_key and tok.refresh_key ~= '' then redis.call('DEL', tok.refresh_key) end
    if tok.pair_key and tok.pair_key ~= '' then
        local pairID = redis.call('GET', tok.pair_key)
        if pairID == id then redis.call('DEL', tok.pair_key) end
    end
    if tok.set_key and tok.set_key ~= '' then redis.call('SREM', tok.set_key, id) end
    redis.call('DEL', tokenKey)
end
redis.call('DEL', KEYS[1])
return 'OK'
`

// luaConsumeGrant atomically retrieves and deletes a grant. Only ONE
// concurrent exchange of the same code can succeed; all others observe the
// deleted key. Expired grants are deleted and reported as expired.
//
// KEYS[1] = grant key
// KEYS[2] = client grants set key
// ARGV[1] = current Unix timestamp in seconds
// ARGV[2] = grant code
//
// Returns the grant JSON, "NOT_FOUND", or "EXPIRED".
const luaConsumeGrant = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[2])
local grant = cjson.decode(data)
local now = tonumber(ARGV[1])
if grant.expires and now > grant.expires then
    return 'EXPIRED'
end
return data
`

// ============================================================
// Helpers
// ============================================================

// isNilError checks if the error indicates a nil/not-found result from Valkey.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// isNotFound reports whether err is any of the storage not-found sentinels.
func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrClientNotFound) ||
		errors.Is(err, storage.ErrTokenNotFound) ||
		errors.Is(err, storage.ErrGrantNotFound)
}

// backendError wraps a transport-level Valkey failure in
// storage.ErrStorageUnavailable so callers can classify it as transient.
func backendError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", storage.ErrStorageUnavailable, op, err)
}

// calculateTTL calculates the TTL for a key based on expiry time
// Returns 0 if the key has already expired
func calculateTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return 0
	}
	return ttl
}

// valkeyCommands accumulates commands for a DoMulti pipeline.
type valkeyCommands []valkeygo.Completed

// set appends a SET command, with EX when ttlSeconds is positive.
func (c valkeyCommands) set(s *Store, key, value string, ttlSeconds int64) valkeyCommands {
	if ttlSeconds > 0 {
		return append(c, s.client.B().Set().Key(key).Value(value).Ex(time.Duration(ttlSeconds)*time.Second).Build())
	}
	return append(c, s.client.B().Set().Key(key).Value(value).Build())
}
