// Package localstore provides the durable, process-local key/value store
// backing offline session availability. Values are opaque strings (the
// session manager stores serialized JSON); keys are namespaced by the
// caller.
package localstore

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned by Get for keys that have never been set or
// have been removed.
var ErrKeyNotFound = errors.New("localstore: key not found")

// Store is the durable key/value contract. Implementations must survive
// process restarts (SQLite) or explicitly document that they do not
// (Memory, used in tests and ephemeral mode).
type Store interface {
	// Get returns the value for key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key, overwriting any previous value.
	Set(ctx context.Context, key, value string) error

	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error

	// Keys returns every stored key.
	Keys(ctx context.Context) ([]string, error)

	// Len returns the number of stored keys.
	Len(ctx context.Context) (int, error)

	// Close releases the underlying resources.
	Close() error
}
