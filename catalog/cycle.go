package catalog

import (
	"context"
	"fmt"
	"time"

	stickercache "github.com/wolfeidau/sticker-cache"
	"github.com/wolfeidau/sticker-cache/snapshot"
	"github.com/wolfeidau/sticker-cache/state"
	"github.com/wolfeidau/sticker-cache/telemetry"
	"github.com/wolfeidau/sticker-cache/upstream"
)

// Eviction reasons recorded in metrics.
const (
	evictCatalog = "catalog"
	evictOrphan  = "orphan"
)

// cycle is the disk-queue half of one sync.
type cycle struct {
	engine   *Engine
	start    time.Time
	remote   *upstream.CatalogResponse
	fetchErr error
	results  chan<- Result

	record state.SyncRecord
}

func (c *cycle) run(ctx context.Context) error {
	e := c.engine

	if c.fetchErr != nil {
		c.record.Error = c.fetchErr.Error()
		c.degrade(ctx)
		c.finish(ctx)
		return nil
	}

	remote := c.remote.Catalog
	c.record.RemoteUpdatedAt = remote.UpdatedAt

	if !e.snapshots.Has(ctx) {
		c.deliver(telemetry.SyncFirst, remote)
		c.persist(ctx)
		c.finish(ctx)
		return nil
	}

	local, err := e.snapshots.Read(ctx)
	if err != nil {
		// Without a readable snapshot there is no old asset list to diff
		// against, so sweep anything the new catalog does not name.
		e.logger.Warn("local snapshot unreadable, replacing with remote", "error", err)
		c.record.Error = err.Error()
		c.deliver(telemetry.SyncRefreshed, remote)
		c.sweep(ctx, remote)
		c.persist(ctx)
		c.finish(ctx)
		return nil
	}
	c.record.LocalUpdatedAt = local.UpdatedAt

	if !snapshot.IsNewer(local.UpdatedAt, remote.UpdatedAt) {
		c.deliver(telemetry.SyncFreshLocal, local)
		c.finish(ctx)
		return nil
	}

	c.deliver(telemetry.SyncRefreshed, remote)
	c.evict(ctx, local, remote)
	c.persist(ctx)
	c.finish(ctx)
	return nil
}

// degrade serves the snapshot, or nothing, after a failed fetch.
func (c *cycle) degrade(ctx context.Context) {
	e := c.engine
	if !e.snapshots.Has(ctx) {
		c.deliver(telemetry.SyncDegradedEmpty, &stickercache.Catalog{})
		return
	}
	local, err := e.snapshots.Read(ctx)
	if err != nil {
		e.reporter.Report(ctx, "read_snapshot", err)
		c.deliver(telemetry.SyncDegradedEmpty, &stickercache.Catalog{})
		return
	}
	c.record.LocalUpdatedAt = local.UpdatedAt
	c.deliver(telemetry.SyncDegradedLocal, local)
}

func (c *cycle) deliver(outcome string, cat *stickercache.Catalog) {
	groups := cat.Groups
	if groups == nil {
		groups = []stickercache.AssetGroup{}
	}
	c.record.Outcome = outcome
	c.record.Groups = len(groups)
	c.record.Assets = len(stickercache.Flatten(groups))
	c.record.Duration = c.engine.now().Sub(c.start)
	c.results <- Result{Groups: groups, Outcome: outcome, UpdatedAt: cat.UpdatedAt}
}

// evict removes the cached files of assets that left the catalog.
func (c *cycle) evict(ctx context.Context, local, remote *stickercache.Catalog) {
	e := c.engine
	gone := stickercache.NewAssetSet(remote.Assets()).Difference(local.Assets())
	for _, a := range gone {
		if err := e.cache.Evict(ctx, a); err != nil {
			e.reporter.Report(ctx, "evict", fmt.Errorf("asset %s: %w", a.ID, err))
			continue
		}
		c.record.Evicted = append(c.record.Evicted, a.CacheFilename())
	}
	telemetry.RecordEviction(ctx, evictCatalog, len(c.record.Evicted))
	if len(c.record.Evicted) > 0 {
		e.logger.Debug("evicted assets", "count", len(c.record.Evicted))
	}
}

func (c *cycle) sweep(ctx context.Context, remote *stickercache.Catalog) {
	e := c.engine
	keep := make(map[string]struct{})
	for _, a := range remote.Assets() {
		keep[a.CacheFilename()] = struct{}{}
	}
	removed, err := e.cache.SweepOrphans(ctx, keep)
	if err != nil {
		e.reporter.Report(ctx, "sweep", err)
	}
	c.record.Evicted = append(c.record.Evicted, removed...)
	telemetry.RecordEviction(ctx, evictOrphan, len(removed))
}

func (c *cycle) persist(ctx context.Context) {
	e := c.engine
	if err := e.snapshots.Write(ctx, c.remote.Raw); err != nil {
		e.reporter.Report(ctx, "persist", err)
		c.record.Error = err.Error()
		return
	}
	c.record.SnapshotDigest = stickercache.HashBytes(c.remote.Raw)
}

func (c *cycle) finish(ctx context.Context) {
	e := c.engine
	if e.journal == nil {
		return
	}
	c.record.At = e.now()
	if err := e.journal.Append(ctx, c.record); err != nil {
		e.reporter.Report(ctx, "journal", err)
	}
}
