package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	stickercache "github.com/wolfeidau/sticker-cache"
	"github.com/wolfeidau/sticker-cache/diskqueue"
	"github.com/wolfeidau/sticker-cache/state"
)

// DefaultStatusHistory is the number of sync records included in Status.
const DefaultStatusHistory = 10

// Status describes the local state of the cache. It never touches the
// network.
type Status struct {
	ProjectID      string             `json:"project_id"`
	Root           string             `json:"root"`
	HasSnapshot    bool               `json:"has_snapshot"`
	SnapshotError  string             `json:"snapshot_error,omitempty"`
	UpdatedAt      time.Time          `json:"updated_at,omitzero"`
	SnapshotDigest stickercache.Hash  `json:"snapshot_digest,omitzero"`
	Groups         int                `json:"groups"`
	Assets         int                `json:"assets"`
	CachedFiles    int                `json:"cached_files"`
	CachedBytes    int64              `json:"cached_bytes"`
	MissingFiles   int                `json:"missing_files"`
	PendingJobs    int                `json:"pending_jobs"`
	Recent         []state.SyncRecord `json:"recent,omitempty"`
}

// Status reports the snapshot, the binary cache and recent sync cycles.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	st, err := diskqueue.Call(ctx, m.queue, m.diskStatus)
	if err != nil {
		return Status{}, err
	}
	st.ProjectID = m.config.ProjectID
	st.Root = m.root
	st.PendingJobs = m.queue.Pending()

	st.Recent, err = m.db.Recent(ctx, DefaultStatusHistory)
	if err != nil {
		return Status{}, fmt.Errorf("reading sync journal: %w", err)
	}
	return st, nil
}

func (m *Manager) diskStatus(ctx context.Context) (Status, error) {
	var st Status

	names, err := m.cache.Filenames(ctx)
	if err != nil {
		return st, err
	}
	st.CachedFiles = len(names)
	if st.CachedBytes, err = m.cache.Size(ctx); err != nil {
		return st, err
	}

	raw, err := m.snapshots.ReadRaw(ctx)
	if errors.Is(err, stickercache.ErrNotFound) {
		return st, nil
	}
	if err != nil {
		return st, err
	}
	st.HasSnapshot = true
	st.SnapshotDigest = stickercache.HashBytes(raw)

	c, err := stickercache.ParseCatalog(raw)
	if err != nil {
		st.SnapshotError = err.Error()
		return st, nil
	}
	st.UpdatedAt = c.UpdatedAt
	st.Groups = len(c.Groups)

	cached := make(map[string]struct{}, len(names))
	for _, name := range names {
		cached[name] = struct{}{}
	}
	assets := c.Assets()
	st.Assets = len(assets)
	for _, a := range assets {
		if _, ok := cached[a.CacheFilename()]; !ok {
			st.MissingFiles++
		}
	}
	return st, nil
}
