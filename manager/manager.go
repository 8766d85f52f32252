// Package manager wires the sticker cache together for one project: storage,
// the disk queue, the sync engine, the asset fetcher and analytics.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	stickercache "github.com/wolfeidau/sticker-cache"
	"github.com/wolfeidau/sticker-cache/analytics"
	"github.com/wolfeidau/sticker-cache/assetcache"
	"github.com/wolfeidau/sticker-cache/backend"
	"github.com/wolfeidau/sticker-cache/catalog"
	"github.com/wolfeidau/sticker-cache/diskqueue"
	"github.com/wolfeidau/sticker-cache/fetcher"
	"github.com/wolfeidau/sticker-cache/snapshot"
	"github.com/wolfeidau/sticker-cache/state"
	"github.com/wolfeidau/sticker-cache/telemetry"
	"github.com/wolfeidau/sticker-cache/upstream"
)

// StateFile is the name of the bbolt database under the cache root.
const StateFile = "state.db"

// ErrNoProject is returned when Config.ProjectID is empty.
var ErrNoProject = errors.New("project id is required")

// Config holds manager configuration.
type Config struct {
	// ProjectID identifies the catalog to mirror. Required.
	ProjectID string

	// CacheDir is the cache root. It takes precedence over SharedDir.
	CacheDir string

	// SharedDir is a directory shared with other processes of the same
	// app, used as the cache root when CacheDir is empty.
	SharedDir string

	// DisableAnalytics turns off usage events.
	DisableAnalytics bool

	// CatalogURL and EventsURL override the service endpoints.
	CatalogURL string
	EventsURL  string

	// HTTPTimeout bounds each upstream request.
	// Default: 30 seconds
	HTTPTimeout time.Duration

	// HTTPClient replaces the instrumented default client.
	HTTPClient *http.Client

	// PrefetchConcurrency is the number of parallel downloads for Prefetch.
	// Default: 4
	PrefetchConcurrency int

	// JournalLimit is the number of sync records kept.
	// Default: 100
	JournalLimit int

	// Reporter receives background maintenance errors. Defaults to logging.
	Reporter catalog.Reporter

	// Logger for the manager
	Logger *slog.Logger
}

// Manager owns every component of the cache for one project.
type Manager struct {
	config Config
	logger *slog.Logger
	root   string

	queue     *diskqueue.Queue
	db        *state.DB
	upstream  *upstream.Upstream
	snapshots *snapshot.Store
	cache     *assetcache.Cache
	engine    *catalog.Engine
	fetcher   *fetcher.Fetcher
	analytics *analytics.Client
}

// Sticker is an asset resolved to a local file, ready to hand to a UI.
type Sticker struct {
	ID          string `json:"id"`
	Path        string `json:"path"`
	Description string `json:"description"`
}

// ResolveRoot returns the cache root for cfg: CacheDir, then SharedDir, then
// the per-user cache directory.
func ResolveRoot(cfg Config) (string, error) {
	switch {
	case cfg.CacheDir != "":
		return cfg.CacheDir, nil
	case cfg.SharedDir != "":
		return cfg.SharedDir, nil
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("locating user cache dir: %w", err)
	}
	return filepath.Join(dir, "sticker-cache", cfg.ProjectID), nil
}

// New creates a manager and opens its state. When analytics is enabled an
// "Opened App" event is sent in the background.
func New(ctx context.Context, cfg Config) (*Manager, error) {
	if cfg.ProjectID == "" {
		return nil, ErrNoProject
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = upstream.DefaultTimeout
	}
	if cfg.PrefetchConcurrency == 0 {
		cfg.PrefetchConcurrency = fetcher.DefaultConcurrency
	}
	if cfg.JournalLimit == 0 {
		cfg.JournalLimit = state.DefaultJournalLimit
	}

	root, err := ResolveRoot(cfg)
	if err != nil {
		return nil, err
	}

	fs, err := backend.NewFilesystem(root)
	if err != nil {
		return nil, fmt.Errorf("creating filesystem backend: %w", err)
	}
	storage := backend.NewInstrumentedBackend(fs, "filesystem")

	db := state.New(
		state.WithLogger(cfg.Logger.With("component", "state")),
		state.WithJournalLimit(cfg.JournalLimit),
	)
	if err := db.Open(filepath.Join(root, StateFile)); err != nil {
		return nil, fmt.Errorf("opening state: %w", err)
	}

	upOpts := []upstream.UpstreamOption{}
	if cfg.CatalogURL != "" {
		upOpts = append(upOpts, upstream.WithCatalogURL(cfg.CatalogURL))
	}
	if cfg.EventsURL != "" {
		upOpts = append(upOpts, upstream.WithEventsURL(cfg.EventsURL))
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout:   cfg.HTTPTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, "upstream"),
		}
	}
	upOpts = append(upOpts, upstream.WithHTTPClient(client))
	up := upstream.NewUpstream(upOpts...)

	queue := diskqueue.New(diskqueue.WithLogger(cfg.Logger.With("component", "diskqueue")))
	snapshots := snapshot.New(storage, snapshot.WithLogger(cfg.Logger.With("component", "snapshot")))
	cache := assetcache.New(storage, assetcache.WithLogger(cfg.Logger.With("component", "assetcache")))

	engineOpts := []catalog.Option{
		catalog.WithLogger(cfg.Logger.With("component", "catalog")),
		catalog.WithJournal(db),
	}
	if cfg.Reporter != nil {
		engineOpts = append(engineOpts, catalog.WithReporter(cfg.Reporter))
	}
	engine := catalog.New(cfg.ProjectID, up, snapshots, cache, queue, engineOpts...)

	f := fetcher.New(cache, queue, up, fetcher.WithLogger(cfg.Logger.With("component", "fetcher")))

	events := analytics.New(cfg.ProjectID, up, db,
		analytics.WithEnabled(!cfg.DisableAnalytics),
		analytics.WithLogger(cfg.Logger.With("component", "analytics")),
	)

	m := &Manager{
		config:    cfg,
		logger:    cfg.Logger,
		root:      root,
		queue:     queue,
		db:        db,
		upstream:  up,
		snapshots: snapshots,
		cache:     cache,
		engine:    engine,
		fetcher:   f,
		analytics: events,
	}

	m.logger.Debug("cache opened", "project", cfg.ProjectID, "root", root, "analytics", events.Enabled())
	events.TrackOpened(ctx)
	return m, nil
}

// Root returns the cache root directory.
func (m *Manager) Root() string {
	return m.root
}

// ProjectID returns the configured project.
func (m *Manager) ProjectID() string {
	return m.config.ProjectID
}

// Sync runs one sync cycle.
func (m *Manager) Sync(ctx context.Context) catalog.Result {
	return m.engine.Sync(ctx)
}

// Groups runs a sync cycle and returns the catalog groups.
func (m *Manager) Groups(ctx context.Context) []stickercache.AssetGroup {
	return m.engine.Groups(ctx)
}

// Assets runs a sync cycle and returns every asset.
func (m *Manager) Assets(ctx context.Context) []stickercache.Asset {
	return m.engine.Assets(ctx)
}

// FetchPath returns the local file of a, downloading it on a miss.
func (m *Manager) FetchPath(ctx context.Context, a stickercache.Asset) (string, bool) {
	return m.fetcher.FetchPath(ctx, a)
}

// CachedPath returns the local file of a only if it is already cached.
func (m *Manager) CachedPath(ctx context.Context, a stickercache.Asset) (string, bool) {
	type lookup struct {
		path string
		ok   bool
	}
	res, err := diskqueue.Call(ctx, m.queue, func(ctx context.Context) (lookup, error) {
		p, ok := m.cache.LocalPath(ctx, a)
		return lookup{p, ok}, nil
	})
	if err != nil {
		return "", false
	}
	return res.path, res.ok
}

// Sticker resolves a to a local file together with its description.
func (m *Manager) Sticker(ctx context.Context, a stickercache.Asset) (Sticker, bool) {
	p, ok := m.fetcher.FetchPath(ctx, a)
	if !ok {
		return Sticker{}, false
	}
	return Sticker{ID: a.ID, Path: p, Description: a.DescriptionOrEmpty()}, true
}

// Prefetch downloads every asset that is not cached yet.
func (m *Manager) Prefetch(ctx context.Context, assets []stickercache.Asset) fetcher.PrefetchResult {
	return m.fetcher.Prefetch(ctx, assets, m.config.PrefetchConcurrency)
}

// TrackSent records that a was sent.
func (m *Manager) TrackSent(ctx context.Context, a stickercache.Asset) {
	m.analytics.TrackSent(ctx, a)
}

// Lookup finds the asset with id in the local snapshot without any network
// access.
func (m *Manager) Lookup(ctx context.Context, id string) (stickercache.Asset, bool) {
	c, err := diskqueue.Call(ctx, m.queue, func(ctx context.Context) (*stickercache.Catalog, error) {
		return m.snapshots.Read(ctx)
	})
	if err != nil {
		if !errors.Is(err, stickercache.ErrNotFound) {
			m.logger.Warn("reading snapshot", "error", err)
		}
		return stickercache.Asset{}, false
	}
	for _, a := range c.Assets() {
		if a.ID == id {
			return a, true
		}
	}
	return stickercache.Asset{}, false
}

// Close waits for queued disk work and pending analytics, then closes the
// state database.
func (m *Manager) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), analytics.DefaultSendTimeout)
	defer cancel()
	if err := m.analytics.Close(ctx); err != nil {
		m.logger.Debug("analytics not flushed", "error", err)
	}
	qerr := m.queue.Close()
	return errors.Join(qerr, m.db.Close())
}
