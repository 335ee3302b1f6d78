// Package cache provides id caches used to skip work already known to be done.
package cache

import (
	"context"
	"io"
)

// IDCache records keys that are known to have been handled. A miss is not
// authoritative: callers must fall back to their source of truth.
type IDCache[K comparable] interface {
	// Contains reports whether key has been added and not yet evicted or expired.
	Contains(ctx context.Context, key K) (bool, error)
	// Add records key.
	Add(ctx context.Context, key K) error
	// Closer is included for implementations that manage network connections.
	io.Closer
}
