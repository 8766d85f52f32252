// Package backend stores the cache's files under a single root directory.
package backend

import (
	"context"
	"io"

	stickercache "github.com/wolfeidau/sticker-cache"
)

// ErrNotFound is returned when a key does not exist in the backend. It is the
// same value as stickercache.ErrNotFound.
var ErrNotFound = stickercache.ErrNotFound

// Backend is a flat key/value file store. Keys use "/" as the separator.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at the given key, replacing any existing value
	// atomically: readers see either the old or the new content.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Size returns the size in bytes of the data at the given key.
	// Returns ErrNotFound if the key does not exist.
	Size(ctx context.Context, key string) (int64, error)
}

// LocalBackend is a Backend whose keys resolve to files callers can open
// directly.
type LocalBackend interface {
	Backend

	// Path returns the filesystem path for key. The file need not exist.
	Path(key string) string
}
