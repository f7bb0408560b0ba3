// Package kv defines the typed get/set/delete-with-TTL interface over the
// shared cache that backs the hot path of token lookups (spec.md §2), and a
// Redis-backed implementation grounded on dex's storage/redis adapter.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key has no value (or it has expired).
var ErrNotFound = errors.New("kv: not found")

// Store is a typed get/set/delete key-value store with TTL support. The
// token service is the primary caller; "token:<key>" rows are the hot path
// of /auth (spec.md §4.1), so implementations must keep Get cheap.
type Store interface {
	// Get returns the value stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value at key. If ttl is zero the value never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. It does not return ErrNotFound if key is
	// already absent: deletion is idempotent, matching the token
	// service's "delete removes the key-value entry first" invariant
	// (spec.md §4.1), which must tolerate being retried after a crash.
	Delete(ctx context.Context, key string) error

	// SetNX stores value at key only if it does not already exist,
	// reporting whether the set happened. Used by the OIDC authorization
	// code store for single-use semantics and, as a defense in depth
	// alongside the per-identity lock, for derived-token creation.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	Close() error
}
