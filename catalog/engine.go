// Package catalog runs the sync cycle that keeps the local snapshot and the
// binary cache in step with the remote catalog.
//
// Every cycle fetches the remote catalog on the caller's goroutine and then
// submits one job to the disk queue. The job decides which catalog to serve,
// hands it to the caller, and only afterwards evicts stale assets and writes
// the new snapshot. Because the decision and the maintenance share a job,
// overlapping cycles observe each other's snapshot writes.
package catalog

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	stickercache "github.com/wolfeidau/sticker-cache"
	"github.com/wolfeidau/sticker-cache/assetcache"
	"github.com/wolfeidau/sticker-cache/diskqueue"
	"github.com/wolfeidau/sticker-cache/snapshot"
	"github.com/wolfeidau/sticker-cache/state"
	"github.com/wolfeidau/sticker-cache/telemetry"
	"github.com/wolfeidau/sticker-cache/upstream"
)

// Fetcher retrieves the remote catalog of a project.
type Fetcher interface {
	FetchCatalog(ctx context.Context, projectID string) (*upstream.CatalogResponse, error)
}

var _ Fetcher = (*upstream.Upstream)(nil)

// Journal records completed cycles.
type Journal interface {
	Append(ctx context.Context, rec state.SyncRecord) error
}

var _ Journal = (*state.DB)(nil)

// Dispatcher runs completion callbacks.
type Dispatcher func(fn func())

// GoDispatcher runs each callback on a new goroutine.
func GoDispatcher(fn func()) {
	go fn()
}

// Result is what a cycle hands to its caller.
type Result struct {
	Groups    []stickercache.AssetGroup
	Outcome   string
	UpdatedAt time.Time
}

// Assets returns the flattened assets of the result.
func (r Result) Assets() []stickercache.Asset {
	return stickercache.Flatten(r.Groups)
}

// Engine is the sync engine for one project.
type Engine struct {
	projectID string
	fetcher   Fetcher
	snapshots *snapshot.Store
	cache     *assetcache.Cache
	queue     *diskqueue.Queue

	reporter Reporter
	journal  Journal
	dispatch Dispatcher
	logger   *slog.Logger
	now      func() time.Time

	fetches singleflight.Group
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithReporter sets the collaborator that receives background errors.
func WithReporter(r Reporter) Option {
	return func(e *Engine) {
		e.reporter = r
	}
}

// WithJournal records every cycle in j.
func WithJournal(j Journal) Option {
	return func(e *Engine) {
		e.journal = j
	}
}

// WithDispatcher sets how GetGroups and GetAssets deliver callbacks.
func WithDispatcher(d Dispatcher) Option {
	return func(e *Engine) {
		e.dispatch = d
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an engine. All snapshot and cache access runs on queue.
func New(projectID string, fetcher Fetcher, snapshots *snapshot.Store, cache *assetcache.Cache, queue *diskqueue.Queue, opts ...Option) *Engine {
	e := &Engine{
		projectID: projectID,
		fetcher:   fetcher,
		snapshots: snapshots,
		cache:     cache,
		queue:     queue,
		dispatch:  GoDispatcher,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.reporter == nil {
		e.reporter = NewLogReporter(e.logger)
	}
	return e
}

// Groups runs a sync cycle and returns the catalog groups to use. It never
// fails: when neither the remote nor the snapshot is usable it returns an
// empty slice. It returns nil only when ctx ends before the cycle decides.
func (e *Engine) Groups(ctx context.Context) []stickercache.AssetGroup {
	return e.Sync(ctx).Groups
}

// Assets is Groups flattened in group order then asset order.
func (e *Engine) Assets(ctx context.Context) []stickercache.Asset {
	groups := e.Groups(ctx)
	if groups == nil {
		return nil
	}
	return stickercache.Flatten(groups)
}

// GetGroups runs a sync cycle in the background and passes the groups to
// onComplete through the dispatcher.
func (e *Engine) GetGroups(ctx context.Context, onComplete func([]stickercache.AssetGroup)) {
	go func() {
		groups := e.Groups(ctx)
		e.dispatch(func() { onComplete(groups) })
	}()
}

// GetAssets is the callback form of Assets.
func (e *Engine) GetAssets(ctx context.Context, onComplete func([]stickercache.Asset)) {
	go func() {
		assets := e.Assets(ctx)
		e.dispatch(func() { onComplete(assets) })
	}()
}

// Sync runs one cycle and returns the served catalog with the path taken.
// Eviction and persistence continue on the disk queue after Sync returns.
func (e *Engine) Sync(ctx context.Context) Result {
	start := e.now()

	remote, fetchErr := e.fetch(ctx)
	if ctx.Err() != nil {
		return Result{}
	}
	if fetchErr != nil {
		e.logger.Info("catalog fetch failed, serving local snapshot", "project", e.projectID, "error", fetchErr)
	}

	results := make(chan Result, 1)
	c := &cycle{
		engine:   e,
		start:    start,
		remote:   remote,
		fetchErr: fetchErr,
		results:  results,
	}
	if err := e.queue.Submit(ctx, c.run); err != nil {
		if errors.Is(err, diskqueue.ErrClosed) {
			e.logger.Warn("sync skipped, disk queue closed", "project", e.projectID)
			return Result{Groups: []stickercache.AssetGroup{}, Outcome: telemetry.SyncDegradedEmpty}
		}
		return Result{}
	}

	select {
	case res := <-results:
		telemetry.RecordSyncCycle(ctx, res.Outcome, e.now().Sub(start))
		return res
	case <-ctx.Done():
		return Result{}
	}
}

// fetch de-duplicates concurrent catalog requests. The shared request runs
// detached from any one caller; each caller still honours its own ctx.
func (e *Engine) fetch(ctx context.Context) (*upstream.CatalogResponse, error) {
	ch := e.fetches.DoChan(e.projectID, func() (any, error) {
		return e.fetcher.FetchCatalog(context.WithoutCancel(ctx), e.projectID)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*upstream.CatalogResponse), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
