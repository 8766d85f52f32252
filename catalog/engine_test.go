package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	stickercache "github.com/wolfeidau/sticker-cache"
	"github.com/wolfeidau/sticker-cache/assetcache"
	"github.com/wolfeidau/sticker-cache/backend"
	"github.com/wolfeidau/sticker-cache/diskqueue"
	"github.com/wolfeidau/sticker-cache/snapshot"
	"github.com/wolfeidau/sticker-cache/state"
	"github.com/wolfeidau/sticker-cache/telemetry"
	"github.com/wolfeidau/sticker-cache/upstream"
)

const (
	jan = "2020-01-01T00:00:00.000+0000"
	feb = "2020-02-01T00:00:00.000+0000"
)

func catalogJSON(updatedAt string, ids ...string) string {
	stickers := make([]string, 0, len(ids))
	for i, id := range ids {
		stickers = append(stickers, fmt.Sprintf(`{"id":%q,"url":"https://cdn.example.com/%s.png","sortOrder":%d}`, id, id, i))
	}
	return fmt.Sprintf(`{"updatedAt":%q,"groups":[{"groupName":"A","stickers":[%s]}]}`, updatedAt, strings.Join(stickers, ","))
}

func pngAsset(id string) stickercache.Asset {
	return stickercache.Asset{ID: id, SourceURL: "https://cdn.example.com/" + id + ".png"}
}

type fakeFetcher struct {
	raw   string
	err   error
	calls atomic.Int32
}

func (f *fakeFetcher) FetchCatalog(_ context.Context, _ string) (*upstream.CatalogResponse, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	c, err := stickercache.ParseCatalog([]byte(f.raw))
	if err != nil {
		return nil, err
	}
	return &upstream.CatalogResponse{Raw: []byte(f.raw), Catalog: c}, nil
}

type recordingReporter struct {
	mu  sync.Mutex
	ops []string
}

func (r *recordingReporter) Report(_ context.Context, op string, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
}

func (r *recordingReporter) reported() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ops...)
}

type testEnv struct {
	engine    *Engine
	snapshots *snapshot.Store
	cache     *assetcache.Cache
	queue     *diskqueue.Queue
	reporter  *recordingReporter
}

func newTestEnv(t *testing.T, fetcher Fetcher, opts ...Option) *testEnv {
	t.Helper()
	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return newTestEnvOn(t, fs, fs, fetcher, opts...)
}

func newTestEnvOn(t *testing.T, snapBackend backend.Backend, cacheBackend backend.LocalBackend, fetcher Fetcher, opts ...Option) *testEnv {
	t.Helper()
	q := diskqueue.New()
	t.Cleanup(func() { _ = q.Close() })

	env := &testEnv{
		snapshots: snapshot.New(snapBackend),
		cache:     assetcache.New(cacheBackend),
		queue:     q,
		reporter:  &recordingReporter{},
	}
	opts = append([]Option{WithReporter(env.reporter)}, opts...)
	env.engine = New("proj-1", fetcher, env.snapshots, env.cache, q, opts...)
	return env
}

// drain waits for every job queued so far, including cycle maintenance.
func (env *testEnv) drain(t *testing.T) {
	t.Helper()
	require.NoError(t, env.queue.Do(context.Background(), func(context.Context) error { return nil }))
}

func (env *testEnv) seedSnapshot(t *testing.T, raw string) {
	t.Helper()
	require.NoError(t, env.snapshots.Write(context.Background(), []byte(raw)))
}

func (env *testEnv) seedAsset(t *testing.T, id string) {
	t.Helper()
	_, err := env.cache.Store(context.Background(), pngAsset(id), []byte("bytes of "+id))
	require.NoError(t, err)
}

func (env *testEnv) hasAsset(id string) bool {
	_, ok := env.cache.LocalPath(context.Background(), pngAsset(id))
	return ok
}

func (env *testEnv) snapshotRaw(t *testing.T) string {
	t.Helper()
	raw, err := env.snapshots.ReadRaw(context.Background())
	require.NoError(t, err)
	return string(raw)
}

func ids(groups []stickercache.AssetGroup) []string {
	var out []string
	for _, a := range stickercache.Flatten(groups) {
		out = append(out, a.ID)
	}
	return out
}

func TestEngine_FirstSyncServesRemoteAndPersists(t *testing.T) {
	remote := catalogJSON(jan, "s3")
	env := newTestEnv(t, &fakeFetcher{raw: remote})
	ctx := context.Background()

	res := env.engine.Sync(ctx)
	require.Equal(t, []string{"s3"}, ids(res.Groups))
	require.Equal(t, telemetry.SyncFirst, res.Outcome)

	require.Eventually(t, func() bool {
		return env.snapshots.Has(ctx)
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, remote, env.snapshotRaw(t))
}

func TestEngine_StaleSnapshotServesRemoteThenEvicts(t *testing.T) {
	remote := catalogJSON(feb, "s2")
	env := newTestEnv(t, &fakeFetcher{raw: remote})
	env.seedSnapshot(t, catalogJSON(jan, "s1"))
	env.seedAsset(t, "s1")

	groups := env.engine.Groups(context.Background())
	require.Equal(t, []string{"s2"}, ids(groups))

	env.drain(t)
	require.False(t, env.hasAsset("s1"))
	require.Equal(t, remote, env.snapshotRaw(t))
	require.Empty(t, env.reporter.reported())
}

func TestEngine_StaleSnapshotKeepsSharedAssets(t *testing.T) {
	env := newTestEnv(t, &fakeFetcher{raw: catalogJSON(feb, "s0", "s2")})
	env.seedSnapshot(t, catalogJSON(jan, "s0", "s1"))
	env.seedAsset(t, "s0")
	env.seedAsset(t, "s1")

	assets := env.engine.Assets(context.Background())
	require.Len(t, assets, 2)

	env.drain(t)
	require.True(t, env.hasAsset("s0"))
	require.False(t, env.hasAsset("s1"))
}

func TestEngine_EqualTimestampsReuseSnapshot(t *testing.T) {
	local := catalogJSON(jan, "s1")
	env := newTestEnv(t, &fakeFetcher{raw: catalogJSON(jan, "s2")})
	env.seedSnapshot(t, local)
	env.seedAsset(t, "s1")

	res := env.engine.Sync(context.Background())
	require.Equal(t, []string{"s1"}, ids(res.Groups))
	require.Equal(t, telemetry.SyncFreshLocal, res.Outcome)

	env.drain(t)
	require.Equal(t, local, env.snapshotRaw(t))
	require.True(t, env.hasAsset("s1"))
}

func TestEngine_NewerSnapshotIsKept(t *testing.T) {
	local := catalogJSON(feb, "s1")
	env := newTestEnv(t, &fakeFetcher{raw: catalogJSON(jan, "s2")})
	env.seedSnapshot(t, local)

	require.Equal(t, []string{"s1"}, ids(env.engine.Groups(context.Background())))
	env.drain(t)
	require.Equal(t, local, env.snapshotRaw(t))
}

func TestEngine_UnparsableRemoteTimestamp(t *testing.T) {
	remote := catalogJSON("last tuesday", "s2")

	t.Run("snapshot exists", func(t *testing.T) {
		local := catalogJSON(jan, "s1")
		env := newTestEnv(t, &fakeFetcher{raw: remote})
		env.seedSnapshot(t, local)

		res := env.engine.Sync(context.Background())
		require.Equal(t, []string{"s1"}, ids(res.Groups))
		require.Equal(t, telemetry.SyncFreshLocal, res.Outcome)
		env.drain(t)
		require.Equal(t, local, env.snapshotRaw(t))
	})

	t.Run("no snapshot", func(t *testing.T) {
		env := newTestEnv(t, &fakeFetcher{raw: remote})

		res := env.engine.Sync(context.Background())
		require.Equal(t, []string{"s2"}, ids(res.Groups))
		require.Equal(t, telemetry.SyncFirst, res.Outcome)
		env.drain(t)
		require.Equal(t, remote, env.snapshotRaw(t))
	})
}

func TestEngine_UnparsableLocalTimestampRefreshes(t *testing.T) {
	remote := catalogJSON(jan, "s2")
	env := newTestEnv(t, &fakeFetcher{raw: remote})
	env.seedSnapshot(t, catalogJSON("garbage", "s1"))
	env.seedAsset(t, "s1")

	res := env.engine.Sync(context.Background())
	require.Equal(t, telemetry.SyncRefreshed, res.Outcome)
	require.Equal(t, []string{"s2"}, ids(res.Groups))

	env.drain(t)
	require.False(t, env.hasAsset("s1"))
	require.Equal(t, remote, env.snapshotRaw(t))
}

func TestEngine_FetchTimeoutServesSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	up := upstream.NewUpstream(
		upstream.WithCatalogURL(srv.URL),
		upstream.WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}),
	)
	local := catalogJSON(jan, "s1")
	env := newTestEnv(t, up)
	env.seedSnapshot(t, local)

	res := env.engine.Sync(context.Background())
	require.Equal(t, []string{"s1"}, ids(res.Groups))
	require.Equal(t, telemetry.SyncDegradedLocal, res.Outcome)

	env.drain(t)
	require.Equal(t, local, env.snapshotRaw(t))
}

func TestEngine_FetchFailureWithoutSnapshotIsEmpty(t *testing.T) {
	env := newTestEnv(t, &fakeFetcher{err: stickercache.ErrNetwork})

	res := env.engine.Sync(context.Background())
	require.NotNil(t, res.Groups)
	require.Empty(t, res.Groups)
	require.Equal(t, telemetry.SyncDegradedEmpty, res.Outcome)

	env.drain(t)
	require.False(t, env.snapshots.Has(context.Background()))
}

func TestEngine_DecodeFailureServesSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `["not","an","object"]`)
	}))
	t.Cleanup(srv.Close)

	env := newTestEnv(t, upstream.NewUpstream(upstream.WithCatalogURL(srv.URL)))
	env.seedSnapshot(t, catalogJSON(jan, "s1"))

	require.Equal(t, []string{"s1"}, ids(env.engine.Groups(context.Background())))
}

func TestEngine_DegradeWithCorruptSnapshotReports(t *testing.T) {
	env := newTestEnv(t, &fakeFetcher{err: stickercache.ErrNetwork})
	env.seedSnapshot(t, "{{{ not json")

	res := env.engine.Sync(context.Background())
	require.Empty(t, res.Groups)
	require.Equal(t, telemetry.SyncDegradedEmpty, res.Outcome)
	require.Equal(t, []string{"read_snapshot"}, env.reporter.reported())
}

func TestEngine_CorruptSnapshotIsReplacedAndSwept(t *testing.T) {
	remote := catalogJSON(jan, "s2")
	env := newTestEnv(t, &fakeFetcher{raw: remote})
	env.seedSnapshot(t, "{{{ not json")
	env.seedAsset(t, "s2")
	env.seedAsset(t, "s9")

	res := env.engine.Sync(context.Background())
	require.Equal(t, []string{"s2"}, ids(res.Groups))
	require.Equal(t, telemetry.SyncRefreshed, res.Outcome)

	env.drain(t)
	require.True(t, env.hasAsset("s2"))
	require.False(t, env.hasAsset("s9"))
	require.Equal(t, remote, env.snapshotRaw(t))
}

type failingWrites struct {
	backend.Backend
}

func (failingWrites) Write(context.Context, string, io.Reader) error {
	return errors.New("disk full")
}

func TestEngine_PersistFailureIsReportedNotReturned(t *testing.T) {
	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	env := newTestEnvOn(t, failingWrites{fs}, fs, &fakeFetcher{raw: catalogJSON(jan, "s3")})

	res := env.engine.Sync(context.Background())
	require.Equal(t, []string{"s3"}, ids(res.Groups))

	env.drain(t)
	require.Equal(t, []string{"persist"}, env.reporter.reported())
	require.False(t, env.snapshots.Has(context.Background()))
}

// gatedBackend blocks writes and deletes while armed until the gate opens.
type gatedBackend struct {
	backend.LocalBackend
	armed   atomic.Bool
	gate    chan struct{}
	once    sync.Once
	blocked chan string
}

func newGatedBackend(t *testing.T) *gatedBackend {
	t.Helper()
	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return &gatedBackend{LocalBackend: fs, gate: make(chan struct{}), blocked: make(chan string, 16)}
}

func (g *gatedBackend) wait(op string) {
	if !g.armed.Load() {
		return
	}
	g.blocked <- op
	<-g.gate
}

func (g *gatedBackend) open() { g.once.Do(func() { close(g.gate) }) }

func (g *gatedBackend) Write(ctx context.Context, key string, r io.Reader) error {
	g.wait("write")
	return g.LocalBackend.Write(ctx, key, r)
}

func (g *gatedBackend) Delete(ctx context.Context, key string) error {
	g.wait("delete")
	return g.LocalBackend.Delete(ctx, key)
}

func TestEngine_ResultDeliveredBeforeMaintenance(t *testing.T) {
	t.Run("first sync", func(t *testing.T) {
		gb := newGatedBackend(t)
		env := newTestEnvOn(t, gb, gb, &fakeFetcher{raw: catalogJSON(jan, "s3")})
		t.Cleanup(gb.open)
		gb.armed.Store(true)

		res := env.engine.Sync(context.Background())
		require.Equal(t, telemetry.SyncFirst, res.Outcome)
		require.Equal(t, []string{"s3"}, ids(res.Groups))

		require.Equal(t, "write", <-gb.blocked)
		require.False(t, env.snapshots.Has(context.Background()))

		gb.open()
		env.drain(t)
		require.Equal(t, catalogJSON(jan, "s3"), env.snapshotRaw(t))
	})

	t.Run("stale snapshot", func(t *testing.T) {
		gb := newGatedBackend(t)
		env := newTestEnvOn(t, gb, gb, &fakeFetcher{raw: catalogJSON(feb, "s2")})
		t.Cleanup(gb.open)
		env.seedSnapshot(t, catalogJSON(jan, "s1"))
		env.seedAsset(t, "s1")
		gb.armed.Store(true)

		res := env.engine.Sync(context.Background())
		require.Equal(t, telemetry.SyncRefreshed, res.Outcome)
		require.Equal(t, []string{"s2"}, ids(res.Groups))

		require.Equal(t, "delete", <-gb.blocked)
		require.True(t, env.hasAsset("s1"))
		require.Equal(t, catalogJSON(jan, "s1"), env.snapshotRaw(t))

		gb.open()
		env.drain(t)
		require.False(t, env.hasAsset("s1"))
		require.Equal(t, catalogJSON(feb, "s2"), env.snapshotRaw(t))
		require.Empty(t, env.reporter.reported())
	})
}

func TestEngine_OverlappingSyncsRefreshOnce(t *testing.T) {
	env := newTestEnv(t, &fakeFetcher{raw: catalogJSON(feb, "s2")})
	env.seedSnapshot(t, catalogJSON(jan, "s1"))

	var wg sync.WaitGroup
	outcomes := make([]string, 2)
	for i := range outcomes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = env.engine.Sync(context.Background()).Outcome
		}()
	}
	wg.Wait()

	require.ElementsMatch(t, []string{telemetry.SyncRefreshed, telemetry.SyncFreshLocal}, outcomes)
}

func TestEngine_CanceledContextReturnsNil(t *testing.T) {
	env := newTestEnv(t, &fakeFetcher{raw: catalogJSON(jan, "s1")})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.Nil(t, env.engine.Groups(ctx))
	require.Nil(t, env.engine.Assets(ctx))
}

func TestEngine_GetGroupsUsesDispatcher(t *testing.T) {
	var dispatched atomic.Int32
	dispatcher := func(fn func()) {
		dispatched.Add(1)
		fn()
	}
	env := newTestEnv(t, &fakeFetcher{raw: catalogJSON(jan, "s1", "s2")}, WithDispatcher(dispatcher))

	groupsCh := make(chan []stickercache.AssetGroup, 1)
	env.engine.GetGroups(context.Background(), func(groups []stickercache.AssetGroup) {
		groupsCh <- groups
	})
	assetsCh := make(chan []stickercache.Asset, 1)
	env.engine.GetAssets(context.Background(), func(assets []stickercache.Asset) {
		assetsCh <- assets
	})

	select {
	case groups := <-groupsCh:
		require.Equal(t, []string{"s1", "s2"}, ids(groups))
	case <-time.After(2 * time.Second):
		t.Fatal("GetGroups callback not called")
	}
	select {
	case assets := <-assetsCh:
		require.Len(t, assets, 2)
	case <-time.After(2 * time.Second):
		t.Fatal("GetAssets callback not called")
	}
	require.Equal(t, int32(2), dispatched.Load())
}

func TestEngine_JournalRecordsCycles(t *testing.T) {
	db := state.New(state.WithNoSync(true))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "state.db")))
	t.Cleanup(func() { _ = db.Close() })

	remote := catalogJSON(feb, "s2")
	env := newTestEnv(t, &fakeFetcher{raw: remote}, WithJournal(db))
	env.seedSnapshot(t, catalogJSON(jan, "s1"))
	env.seedAsset(t, "s1")

	env.engine.Sync(context.Background())
	env.drain(t)

	rec, ok, err := db.Last(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, telemetry.SyncRefreshed, rec.Outcome)
	require.Equal(t, 1, rec.Assets)
	require.Equal(t, []string{"s1.png"}, rec.Evicted)
	require.Equal(t, stickercache.HashBytes([]byte(remote)), rec.SnapshotDigest)
	require.Empty(t, rec.Error)
}

func TestLogReporterCountsErrors(t *testing.T) {
	r := NewLogReporter(nil)
	r.Report(context.Background(), "evict", errors.New("boom"))

	var got []string
	ReporterFunc(func(_ context.Context, op string, _ error) {
		got = append(got, op)
	}).Report(context.Background(), "persist", nil)
	require.Equal(t, []string{"persist"}, got)
}
