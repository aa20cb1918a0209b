// Package kv defines the key/value store abstraction backing all Peer
// persistence: entities, queue state, and the LLM response cache.
//
// Two implementations are provided: an in-process Memory store for
// single-node deployments and tests, and a Redis store for durable
// multi-process deployments.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("kv: key not found")

// Store is the persistence primitive shared by every Peer component.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key with no expiry.
	Set(ctx context.Context, key string, value []byte) error

	// SetTTL stores value under key, expiring after ttl.
	// A non-positive ttl behaves like Set.
	SetTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores value under key only if the key does not exist.
	// Returns true when the value was stored. Used for unique indexes.
	SetNX(ctx context.Context, key string, value []byte) (bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns all keys with the given prefix, in unspecified order.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}
