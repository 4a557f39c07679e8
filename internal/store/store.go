// Package store abstracts the gateway's persistence layer behind a small
// key-value interface with two backends: an in-process map (default) and
// Redis for deployments that need durability across restarts.
//
// Keys are namespaced by colon-separated prefixes, e.g. "credentials:abc123".
package store

import (
	"context"
	"errors"
)

// Key prefixes for the gateway's persisted object families.
const (
	PrefixCredentials = "credentials:"
	PrefixAPIKeys     = "apikeys:"
	PrefixConfig      = "config:"
	PrefixStats       = "stats:"
	PrefixLogs        = "logs:"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("store: key not found")

// Store is the persistence interface. Values are opaque byte slices; callers
// own serialization. Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, overwriting any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all keys with the given prefix, in unspecified order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Close releases backend resources.
	Close() error
}
