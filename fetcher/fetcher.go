// Package fetcher resolves assets to local file paths, downloading and
// caching them on a miss.
package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	stickercache "github.com/wolfeidau/sticker-cache"
	"github.com/wolfeidau/sticker-cache/assetcache"
	"github.com/wolfeidau/sticker-cache/diskqueue"
	"github.com/wolfeidau/sticker-cache/download"
	"github.com/wolfeidau/sticker-cache/upstream"
)

// DefaultConcurrency is the number of parallel downloads used by Prefetch
// when the caller passes zero.
const DefaultConcurrency = 4

// Source downloads the bytes of an asset.
type Source interface {
	FetchAsset(ctx context.Context, a stickercache.Asset) ([]byte, error)
}

var _ Source = (*upstream.Upstream)(nil)

// Fetcher returns cached asset paths and fills the cache on a miss. It never
// retries a failed download.
type Fetcher struct {
	cache     *assetcache.Cache
	queue     *diskqueue.Queue
	source    Source
	downloads *download.Downloader
	dispatch  func(func())
	logger    *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// WithDownloader shares a download de-duplicator between fetchers.
func WithDownloader(d *download.Downloader) Option {
	return func(f *Fetcher) {
		f.downloads = d
	}
}

// WithDispatcher sets how Fetch delivers callbacks. The default runs each
// callback on a new goroutine.
func WithDispatcher(dispatch func(func())) Option {
	return func(f *Fetcher) {
		f.dispatch = dispatch
	}
}

// New creates a Fetcher. Cache access runs on queue.
func New(cache *assetcache.Cache, queue *diskqueue.Queue, source Source, opts ...Option) *Fetcher {
	f := &Fetcher{
		cache:    cache,
		queue:    queue,
		source:   source,
		dispatch: func(fn func()) { go fn() },
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.downloads == nil {
		f.downloads = download.New(download.WithLogger(f.logger))
	}
	return f
}

// FetchPath returns the local path of a's file. A cached file is returned
// without any network access. On a miss the asset is downloaded and stored
// first. Any failure yields ("", false).
func (f *Fetcher) FetchPath(ctx context.Context, a stickercache.Asset) (string, bool) {
	p, _, err := f.resolve(ctx, a)
	if err != nil {
		f.logger.Warn("fetching asset", "asset_id", a.ID, "error", err)
		return "", false
	}
	return p, true
}

// Fetch is the callback form of FetchPath.
func (f *Fetcher) Fetch(ctx context.Context, a stickercache.Asset, onComplete func(path string, ok bool)) {
	go func() {
		p, ok := f.FetchPath(ctx, a)
		f.dispatch(func() { onComplete(p, ok) })
	}()
}

// resolve reports the path of a and whether it was already cached.
func (f *Fetcher) resolve(ctx context.Context, a stickercache.Asset) (string, bool, error) {
	hit, err := diskqueue.Call(ctx, f.queue, func(ctx context.Context) (cachedPath, error) {
		p, ok := f.cache.LocalPath(ctx, a)
		return cachedPath{path: p, ok: ok}, nil
	})
	if err != nil {
		return "", false, fmt.Errorf("looking up cache: %w", err)
	}
	if hit.ok {
		return hit.path, true, nil
	}

	res, shared, err := f.downloads.Do(ctx, a.Key(), func(ctx context.Context) (*download.Result, error) {
		data, err := f.source.FetchAsset(ctx, a)
		if err != nil {
			return nil, err
		}
		entry, err := diskqueue.Call(ctx, f.queue, func(ctx context.Context) (assetcache.Entry, error) {
			return f.cache.Store(ctx, a, data)
		})
		if err != nil {
			return nil, err
		}
		f.logger.Debug("asset cached", "asset_id", a.ID, "size", entry.Size, "hash", entry.Hash.ShortString())
		return &download.Result{Path: entry.Path, Size: entry.Size, Hash: entry.Hash}, nil
	})
	if err != nil {
		f.downloads.ForgetOnError(a.Key(), err)
		return "", false, err
	}
	if shared {
		f.logger.Debug("shared asset download", "asset_id", a.ID)
	}
	return res.Path, false, nil
}

type cachedPath struct {
	path string
	ok   bool
}

// PrefetchResult lists asset ids by how Prefetch resolved them.
type PrefetchResult struct {
	Cached     []string
	Downloaded []string
	Failed     []string
}

// Prefetch resolves every asset with at most concurrency downloads in flight.
// Failures are collected, not returned. Assets not started before ctx ends
// count as failed.
func (f *Fetcher) Prefetch(ctx context.Context, assets []stickercache.Asset, concurrency int) PrefetchResult {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	var (
		mu  sync.Mutex
		out PrefetchResult
	)
	add := func(list *[]string, id string) {
		mu.Lock()
		*list = append(*list, id)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	seen := make(map[string]struct{}, len(assets))
	for _, a := range assets {
		if _, dup := seen[a.Key()]; dup {
			continue
		}
		seen[a.Key()] = struct{}{}

		if gctx.Err() != nil {
			add(&out.Failed, a.ID)
			continue
		}
		g.Go(func() error {
			_, hit, err := f.resolve(gctx, a)
			switch {
			case err != nil:
				f.logger.Warn("prefetching asset", "asset_id", a.ID, "error", err)
				add(&out.Failed, a.ID)
			case hit:
				add(&out.Cached, a.ID)
			default:
				add(&out.Downloaded, a.ID)
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}
