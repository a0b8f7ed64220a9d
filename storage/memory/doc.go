// Package memory provides an in-memory implementation of the OAuth storage interfaces.
//
// This package implements ClientStore, TokenStore, and GrantStore using Go's
// built-in maps with mutex protection for thread safety. It is suitable for
// development, testing, and single-instance deployments where persistence is
// not required.
//
// Features:
//   - Thread-safe operations using sync.RWMutex
//   - Atomic single-token-per-pair replacement and exactly-once grant consumption
//   - Personal-token sliding expiry on read
//   - Automatic hygiene sweep of expired tokens and grants
//   - Token encryption at rest via security.Encryptor
//
// For production deployments requiring persistence or multi-instance
// deployments, use the storage/valkey package instead.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	engine, _ := oauth.NewEngine(registry, store, config, logger)
package memory
