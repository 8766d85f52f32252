package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics installs a Metrics instance backed by a ManualReader.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetrics(mp.Meter(meterName))
	require.NoError(t, err)
	m.meterProvider = mp
	globalMetrics = m

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

func TestNewResource(t *testing.T) {
	res, err := newResource(MetricsConfig{ServiceName: "sticker-cache", ServiceVersion: "1.2.3"})
	require.NoError(t, err)
	require.Equal(t, resource.Default().SchemaURL(), res.SchemaURL())

	name, ok := res.Set().Value(semconv.ServiceNameKey)
	require.True(t, ok)
	require.Equal(t, "sticker-cache", name.AsString())
	version, ok := res.Set().Value(semconv.ServiceVersionKey)
	require.True(t, ok)
	require.Equal(t, "1.2.3", version.AsString())
}

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

// findHistogram finds a histogram metric by name and returns its data points.
func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

// findGauge finds a gauge metric by name and returns its data points.
func findGauge(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if g, ok := m.Data.(metricdata.Gauge[int64]); ok {
					return g.DataPoints
				}
			}
		}
	}
	return nil
}

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordHTTP_SharedMetrics(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/stickers/s1", nil)
	r = InjectTags(r)
	SetCacheResult(r, CacheHit)

	RecordHTTP(context.Background(), r, http.StatusOK, 1024, 50*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "sticker_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "hit"))

	bytesDps := findCounter(rm, "sticker_cache_http_response_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 1024, bytesDps[0].Value)

	histDps := findHistogram(rm, "sticker_cache_http_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)

	// shared metrics never carry the endpoint
	_, hasEndpoint := dps[0].Attributes.Value(attribute.Key("endpoint"))
	require.False(t, hasEndpoint)
}

func TestRecordHTTP_DetailMetricWithEndpoint(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/stickers/s1", nil)
	r = InjectTags(r)
	SetCacheResult(r, CacheMiss)
	SetEndpoint(r, "sticker")

	RecordHTTP(context.Background(), r, http.StatusOK, 4096, 100*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "sticker_cache_http_requests_by_endpoint_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "endpoint", "sticker"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "miss"))
}

func TestRecordHTTP_DefaultsWhenNoTags(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/unknown", nil)

	RecordHTTP(context.Background(), r, http.StatusNotFound, 0, time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "sticker_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "bypass"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "4xx"))
	require.Empty(t, findCounter(rm, "sticker_cache_http_requests_by_endpoint_total"))
}

func TestRecordSyncCycle(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordSyncCycle(ctx, SyncRefreshed, 20*time.Millisecond)
	RecordSyncCycle(ctx, SyncRefreshed, 30*time.Millisecond)
	RecordSyncCycle(ctx, SyncDegradedLocal, time.Second)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "sticker_cache_sync_cycles_total")
	require.Len(t, dps, 2)
	for _, dp := range dps {
		switch {
		case hasAttr(dp.Attributes, "outcome", SyncRefreshed):
			require.EqualValues(t, 2, dp.Value)
		case hasAttr(dp.Attributes, "outcome", SyncDegradedLocal):
			require.EqualValues(t, 1, dp.Value)
		default:
			t.Fatalf("unexpected outcome attributes %v", dp.Attributes)
		}
	}
}

func TestRecordEviction_SkipsZero(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordEviction(ctx, "catalog", 0)
	RecordEviction(ctx, "catalog", 3)

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "sticker_cache_evictions_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 3, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "reason", "catalog"))
}

func TestRecordSnapshotWrite(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordSnapshotWrite(ctx, "success", 2048)
	RecordSnapshotWrite(ctx, "error", 0)

	rm := collectMetrics(t, reader)
	require.Len(t, findCounter(rm, "sticker_cache_snapshot_writes_total"), 2)

	hist := findHistogram(rm, "sticker_cache_snapshot_size_bytes")
	require.Len(t, hist, 1)
	require.Equal(t, uint64(1), hist[0].Count)
	require.InDelta(t, 2048, hist[0].Sum, 0.001)
}

func TestRecordDiskQueueDepth(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordDiskQueueDepth(context.Background(), 4)

	rm := collectMetrics(t, reader)
	dps := findGauge(rm, "sticker_cache_disk_queue_depth")
	require.Len(t, dps, 1)
	require.EqualValues(t, 4, dps[0].Value)
}

func TestRecordFunctions_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil
	ctx := context.Background()

	r := InjectTags(httptest.NewRequest(http.MethodGet, "/test", nil))

	require.NotPanics(t, func() {
		RecordHTTP(ctx, r, http.StatusOK, 0, time.Millisecond)
		RecordBackendOp(ctx, "filesystem", "write", "success", time.Millisecond, 10)
		RecordUpstreamFetch(ctx, "asset", time.Millisecond, 10, "success")
		RecordSyncCycle(ctx, SyncFirst, time.Millisecond)
		RecordEviction(ctx, "orphan", 1)
		RecordSnapshotWrite(ctx, "success", 1)
		RecordAssetLookup(ctx, CacheHit)
		RecordAssetStore(ctx, 1)
		RecordMaintenanceError(ctx, "persist")
		RecordAnalyticsEvent(ctx, "Opened App", "success")
		RecordDiskQueueDepth(ctx, 1)
	})
}

func TestPrometheusHandler_NotFoundWhenDisabled(t *testing.T) {
	globalMetrics = nil

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{204, "2xx"},
		{304, "3xx"},
		{404, "4xx"},
		{503, "5xx"},
		{100, "unknown"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusClass(tt.status), "StatusClass(%d)", tt.status)
	}
}
