// Package valkey provides a Valkey storage backend for the portal-oauth library.
//
// Valkey is a high-performance key-value store that is wire-compatible with Redis.
// This package implements all storage interfaces required by the portal-oauth
// library, making it suitable for production deployments that require:
//
//   - Distributed storage for horizontal scaling
//   - Persistence across server restarts
//   - Automatic TTL-based expiration
//   - High availability with clustering
//
// # Implemented Interfaces
//
// The Store type implements all required storage interfaces:
//
//   - [storage.ClientStore]: OAuth client management with per-owner quota enforcement
//   - [storage.TokenStore]: Token lifecycle (issue, lookup, revoke)
//   - [storage.GrantStore]: Single-use authorization codes
//
// # Key Schema
//
// All keys use a configurable prefix (default "oauth:") to avoid conflicts with
// other applications sharing the same Valkey instance:
//
//	{prefix}client:{clientID}          -> JSON(Client)
//	{prefix}owner:{ownerID}            -> SET of client IDs
//	{prefix}token:{tokenID}            -> JSON(Token), TTL = expiry + retention
//	{prefix}token:access:{sha256}      -> tokenID (hashed access token index)
//	{prefix}token:refresh:{sha256}     -> tokenID (hashed refresh token index)
//	{prefix}token:pair:{cid}:{uid}     -> tokenID (single non-personal token per pair)
//	{prefix}client:tokens:{clientID}   -> SET of token IDs (deletion cascade)
//	{prefix}grant:{clientID}:{code}    -> JSON(Grant), TTL = expiry + retention
//	{prefix}client:grants:{clientID}   -> SET of grant codes (deletion cascade)
//
// Lookup indexes are keyed by the SHA-256 hash of the token value, so
// plaintext credentials never appear in the keyspace.
//
// # Atomic Operations
//
// Security-critical operations must be atomic to prevent race conditions:
//
//   - CreateClient: quota check, uniqueness check, and insert in one script
//   - IssueToken: replace-then-insert for the single-token-per-pair rule
//   - ConsumeGrant: get-and-delete so an authorization code is redeemed once
//   - RevokeToken: row and all index entries removed together
//
// These operations use Lua scripts to ensure atomicity in Valkey, providing
// the same guarantees as the in-memory implementation but with distributed
// storage benefits.
//
// # Expired Rows
//
// Token and grant rows carry a Valkey TTL of their logical expiry plus a
// retention window. Within the window a lookup reports "expired" from the
// timestamp stored in the row; once the TTL fires the key is gone and the
// same lookup reports "not found". The Valkey TTL is the hygiene sweep.
//
// # Configuration
//
// Basic usage:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "oauth:",
//	})
//
// With TLS:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "valkey.example.com:6379",
//	    Password:  os.Getenv("VALKEY_PASSWORD"),
//	    TLS:       &tls.Config{MinVersion: tls.VersionTLS12},
//	    KeyPrefix: "oauth:",
//	})
//
// # Token Encryption at Rest
//
// Sensitive token fields (AccessToken, RefreshToken) can be encrypted before
// storing in Valkey:
//
//	key, _ := security.GenerateEncryptionKey()
//	encryptor, _ := security.NewEncryptor(key)
//	store.SetEncryptor(encryptor)
//
// When enabled, token values are encrypted with AES-256-GCM before storage
// and automatically decrypted when retrieved. Because lookup indexes are
// hashed, encryption at rest does not break token lookups.
//
// # Best Practices
//
//   - Always use TLS in production environments
//   - Set strong passwords for Valkey authentication
//   - Enable token encryption at rest for sensitive deployments
//   - Use dedicated Valkey instances or databases for OAuth storage
//   - Configure appropriate TTLs based on your security requirements
package valkey
