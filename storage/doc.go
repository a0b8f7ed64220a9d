// Package storage provides interfaces and shared types for OAuth client,
// token, and grant persistence.
//
// The storage package defines the core storage interfaces used throughout
// the portal-oauth library:
//   - ClientStore: manages registered OAuth clients and owner quotas
//   - TokenStore: manages bearer tokens (access, refresh, personal)
//   - GrantStore: manages short-lived authorization codes
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage for development and testing
//   - storage/valkey: Valkey/Redis-compatible distributed storage for production
package storage
