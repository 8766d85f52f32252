// Package download collapses concurrent downloads of the same asset into one
// upstream request.
package download

import (
	"context"
	"errors"
	"log/slog"

	stickercache "github.com/wolfeidau/sticker-cache"
	"golang.org/x/sync/singleflight"
)

// Result is a downloaded asset as stored in the cache.
type Result struct {
	Path string
	Size int64
	Hash stickercache.Hash
}

// DownloadFunc fetches and stores one asset. It receives a context detached
// from any single caller so that one caller giving up does not cancel the
// download for the others.
type DownloadFunc func(ctx context.Context) (*Result, error)

// Downloader deduplicates concurrent downloads by key. It uses DoChan so
// each caller can honour its own deadline.
type Downloader struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// New creates a new Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Do runs fn once for all concurrent callers with the same key and reports
// whether the result was shared. If ctx ends first Do returns ctx.Err() and
// the download carries on for the remaining waiters.
func (d *Downloader) Do(ctx context.Context, key string, fn DownloadFunc) (*Result, bool, error) {
	ch := d.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			if res.Shared {
				d.logger.Debug("shared download failed", "key", key, "error", res.Err)
			}
			return nil, res.Shared, res.Err
		}
		return res.Val.(*Result), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Forget drops an in-flight key so the next caller starts a fresh download.
func (d *Downloader) Forget(key string) {
	d.group.Forget(key)
}

// ForgetOnError forgets key when err came from the download itself. Errors
// caused by the caller's own deadline leave the in-flight download shared.
func (d *Downloader) ForgetOnError(key string, err error) {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	d.Forget(key)
}
