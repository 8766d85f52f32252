// Package snapshot persists the last accepted catalog payload.
//
// The store holds a single slot. Writes replace it atomically through the
// backend, so a failed write leaves the previous snapshot readable. Callers
// serialize access through the disk queue.
package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	stickercache "github.com/wolfeidau/sticker-cache"
	"github.com/wolfeidau/sticker-cache/backend"
	"github.com/wolfeidau/sticker-cache/telemetry"
)

// DefaultKey is the backend key of the snapshot file.
const DefaultKey = "APIData.json"

// Store reads and writes the catalog snapshot.
type Store struct {
	backend backend.Backend
	key     string
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithKey overrides the backend key of the snapshot.
func WithKey(key string) Option {
	return func(s *Store) {
		s.key = key
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a Store on b.
func New(b backend.Backend, opts ...Option) *Store {
	s := &Store{
		backend: b,
		key:     DefaultKey,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Key returns the backend key of the snapshot.
func (s *Store) Key() string {
	return s.key
}

// Has reports whether a snapshot exists. It does not parse it.
func (s *Store) Has(ctx context.Context) bool {
	ok, err := s.backend.Exists(ctx, s.key)
	if err != nil {
		s.logger.Warn("checking snapshot", "error", err)
		return false
	}
	return ok
}

// ReadRaw returns the stored payload verbatim.
func (s *Store) ReadRaw(ctx context.Context) ([]byte, error) {
	rc, err := s.backend.Read(ctx, s.key)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, fmt.Errorf("reading snapshot: %w", stickercache.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: reading snapshot: %w", stickercache.ErrIO, err)
	}
	defer func() { _ = rc.Close() }()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: reading snapshot: %w", stickercache.ErrIO, err)
	}
	return raw, nil
}

// Read decodes the stored snapshot. It fails with stickercache.ErrNotFound
// when there is none and stickercache.ErrCorruptMetadata when the payload is
// not a JSON object.
func (s *Store) Read(ctx context.Context) (*stickercache.Catalog, error) {
	raw, err := s.ReadRaw(ctx)
	if err != nil {
		return nil, err
	}
	c, err := stickercache.ParseCatalog(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", stickercache.ErrCorruptMetadata, err)
	}
	return c, nil
}

// Write replaces the snapshot with raw. Failures wrap stickercache.ErrIO.
func (s *Store) Write(ctx context.Context, raw []byte) error {
	if err := s.backend.Write(ctx, s.key, bytes.NewReader(raw)); err != nil {
		telemetry.RecordSnapshotWrite(ctx, "error", 0)
		return fmt.Errorf("%w: writing snapshot: %w", stickercache.ErrIO, err)
	}
	telemetry.RecordSnapshotWrite(ctx, "success", int64(len(raw)))
	s.logger.Debug("snapshot written", "bytes", len(raw), "digest", stickercache.HashBytes(raw).ShortString())
	return nil
}

// IsRemoteNewer reports whether a catalog stamped remote should replace the
// snapshot. With no snapshot the answer is always true. Otherwise a zero
// remote stamp is never newer, while a snapshot whose stamp is missing,
// unparsable or unreadable is always older. Equal stamps are not newer.
func (s *Store) IsRemoteNewer(ctx context.Context, remote time.Time) bool {
	if !s.Has(ctx) {
		return true
	}
	if remote.IsZero() {
		return false
	}
	local, err := s.Read(ctx)
	if err != nil {
		s.logger.Warn("snapshot unreadable, treating as stale", "error", err)
		return true
	}
	return IsNewer(local.UpdatedAt, remote)
}

// IsNewer applies the freshness rule to two stamps where zero means
// unparsable: a zero remote is never newer, a zero local is always older.
func IsNewer(local, remote time.Time) bool {
	if remote.IsZero() {
		return false
	}
	if local.IsZero() {
		return true
	}
	return local.Before(remote)
}
