// Package assetcache stores downloaded sticker files by their cache filename.
// Presence of a file is the only state; there is no index.
package assetcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	stickercache "github.com/wolfeidau/sticker-cache"
	"github.com/wolfeidau/sticker-cache/backend"
	"github.com/wolfeidau/sticker-cache/telemetry"
)

// DefaultDir is the backend prefix holding cached files.
const DefaultDir = "stickers"

// ErrInvalidName is returned for cache filenames that would escape the
// cache directory.
var ErrInvalidName = errors.New("invalid cache filename")

// Entry describes a stored asset file.
type Entry struct {
	Path string
	Size int64
	Hash stickercache.Hash
}

// Cache is the binary asset cache.
type Cache struct {
	backend backend.LocalBackend
	dir     string
	logger  *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithDir overrides the backend prefix.
func WithDir(dir string) Option {
	return func(c *Cache) {
		c.dir = dir
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// New creates a Cache on b.
func New(b backend.LocalBackend, opts ...Option) *Cache {
	c := &Cache{
		backend: b,
		dir:     DefaultDir,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LocalPath returns the path of the cached file for a, if present.
func (c *Cache) LocalPath(ctx context.Context, a stickercache.Asset) (string, bool) {
	key, err := c.key(a.CacheFilename())
	if err != nil {
		return "", false
	}
	ok, err := c.backend.Exists(ctx, key)
	if err != nil {
		c.logger.Warn("checking cached asset", "asset_id", a.ID, "error", err)
		return "", false
	}
	if !ok {
		telemetry.RecordAssetLookup(ctx, telemetry.CacheMiss)
		return "", false
	}
	telemetry.RecordAssetLookup(ctx, telemetry.CacheHit)
	return c.backend.Path(key), true
}

// Store writes data as the cached file for a. Failures wrap
// stickercache.ErrIO and leave no partial file behind.
func (c *Cache) Store(ctx context.Context, a stickercache.Asset, data []byte) (Entry, error) {
	key, err := c.key(a.CacheFilename())
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %w", stickercache.ErrIO, err)
	}
	if err := c.backend.Write(ctx, key, bytes.NewReader(data)); err != nil {
		return Entry{}, fmt.Errorf("%w: storing asset %s: %w", stickercache.ErrIO, a.ID, err)
	}
	telemetry.RecordAssetStore(ctx, int64(len(data)))
	return Entry{
		Path: c.backend.Path(key),
		Size: int64(len(data)),
		Hash: stickercache.HashBytes(data),
	}, nil
}

// Evict removes the cached file for a. Evicting an absent asset succeeds.
func (c *Cache) Evict(ctx context.Context, a stickercache.Asset) error {
	return c.EvictFilename(ctx, a.CacheFilename())
}

// EvictFilename removes a cached file by name.
func (c *Cache) EvictFilename(ctx context.Context, name string) error {
	key, err := c.key(name)
	if err != nil {
		return fmt.Errorf("%w: %w", stickercache.ErrIO, err)
	}
	if err := c.backend.Delete(ctx, key); err != nil {
		return fmt.Errorf("%w: evicting %s: %w", stickercache.ErrIO, name, err)
	}
	return nil
}

// Filenames lists the names of all cached files.
func (c *Cache) Filenames(ctx context.Context) ([]string, error) {
	keys, err := c.backend.List(ctx, c.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: listing cache: %w", stickercache.ErrIO, err)
	}
	names := make([]string, 0, len(keys))
	for _, key := range keys {
		name := path.Base(key)
		// nested files are not ours
		if path.Dir(key) != c.dir {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// Size returns the total size in bytes of all cached files.
func (c *Cache) Size(ctx context.Context) (int64, error) {
	names, err := c.Filenames(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, name := range names {
		n, err := c.backend.Size(ctx, c.dir+"/"+name)
		if err != nil {
			if errors.Is(err, backend.ErrNotFound) {
				continue
			}
			return 0, fmt.Errorf("%w: sizing %s: %w", stickercache.ErrIO, name, err)
		}
		total += n
	}
	return total, nil
}

// SweepOrphans removes every cached file whose name is not in keep and
// returns the removed names. Removal continues past individual failures.
func (c *Cache) SweepOrphans(ctx context.Context, keep map[string]struct{}) ([]string, error) {
	names, err := c.Filenames(ctx)
	if err != nil {
		return nil, err
	}
	var removed []string
	var errs []error
	for _, name := range names {
		if _, ok := keep[name]; ok {
			continue
		}
		if err := c.EvictFilename(ctx, name); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, name)
	}
	return removed, errors.Join(errs...)
}

func (c *Cache) key(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return c.dir + "/" + name, nil
}
