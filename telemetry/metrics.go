package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

const (
	meterName = "github.com/wolfeidau/sticker-cache"
)

// Sync outcomes, one per path through a sync cycle.
const (
	SyncDegradedLocal = "degraded_local"
	SyncDegradedEmpty = "degraded_empty"
	SyncFirst         = "first_sync"
	SyncFreshLocal    = "fresh_local"
	SyncRefreshed     = "refreshed"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	syncCyclesTotal   metric.Int64Counter
	syncDuration      metric.Float64Histogram
	evictionsTotal    metric.Int64Counter
	snapshotWrites    metric.Int64Counter
	snapshotBytes     metric.Float64Histogram
	assetLookupsTotal metric.Int64Counter
	assetStoreSize    metric.Float64Histogram
	maintenanceErrors metric.Int64Counter
	analyticsEvents   metric.Int64Counter
	diskQueueDepth    metric.Int64Gauge

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "sticker-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := newResource(cfg)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// Without exporters a no-op periodic reader still collects.
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m
	return nil
}

// newResource describes the service. The semconv version must match the one
// resource.Default uses or the schema URLs conflict.
func newResource(cfg MetricsConfig) (*resource.Resource, error) {
	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
}

var (
	latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60}
	diskBuckets    = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	sizeBuckets    = []float64{512, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 33554432}
)

// newMetrics creates every instrument on meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	b := &instrumentBuilder{meter: meter}
	m := &Metrics{
		requestsTotal:           b.counter("sticker_cache_http_requests_total", "Total number of HTTP requests", "{request}"),
		responseBytesTotal:      b.counter("sticker_cache_http_response_bytes_total", "Total bytes sent in HTTP responses", "By"),
		requestDuration:         b.histogram("sticker_cache_http_request_duration_seconds", "HTTP request duration in seconds", "s", latencyBuckets),
		requestsByEndpointTotal: b.counter("sticker_cache_http_requests_by_endpoint_total", "Total number of HTTP requests by endpoint", "{request}"),

		upstreamFetchDuration:   b.histogram("sticker_cache_upstream_fetch_duration_seconds", "Duration of upstream requests", "s", latencyBuckets),
		upstreamFetchTotal:      b.counter("sticker_cache_upstream_fetch_total", "Total number of upstream requests", "{request}"),
		upstreamFetchBytesTotal: b.counter("sticker_cache_upstream_fetch_bytes_total", "Total bytes fetched from upstream", "By"),

		backendRequestDuration: b.histogram("sticker_cache_backend_request_duration_seconds", "Duration of backend storage operations", "s", diskBuckets),
		backendRequestsTotal:   b.counter("sticker_cache_backend_requests_total", "Total number of backend storage operations", "{request}"),
		backendBytesTotal:      b.counter("sticker_cache_backend_bytes_total", "Total bytes transferred in backend operations", "By"),

		syncCyclesTotal:   b.counter("sticker_cache_sync_cycles_total", "Total catalog sync cycles by outcome", "{cycle}"),
		syncDuration:      b.histogram("sticker_cache_sync_duration_seconds", "Time until a sync cycle delivered its result", "s", latencyBuckets),
		evictionsTotal:    b.counter("sticker_cache_evictions_total", "Total cached assets evicted", "{asset}"),
		snapshotWrites:    b.counter("sticker_cache_snapshot_writes_total", "Total catalog snapshot writes", "{write}"),
		snapshotBytes:     b.histogram("sticker_cache_snapshot_size_bytes", "Size of written catalog snapshots", "By", sizeBuckets),
		assetLookupsTotal: b.counter("sticker_cache_asset_lookups_total", "Total asset cache lookups", "{lookup}"),
		assetStoreSize:    b.histogram("sticker_cache_asset_store_size_bytes", "Size of assets written to the cache", "By", sizeBuckets),
		maintenanceErrors: b.counter("sticker_cache_maintenance_errors_total", "Total background maintenance errors", "{error}"),
		analyticsEvents:   b.counter("sticker_cache_analytics_events_total", "Total analytics events sent", "{event}"),
		diskQueueDepth:    b.gauge("sticker_cache_disk_queue_depth", "Jobs waiting on the disk queue", "{job}"),
	}
	if b.err != nil {
		return nil, b.err
	}
	return m, nil
}

// instrumentBuilder creates instruments and keeps the first error.
type instrumentBuilder struct {
	meter metric.Meter
	err   error
}

func (b *instrumentBuilder) counter(name, desc, unit string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	b.keep(err)
	return c
}

func (b *instrumentBuilder) histogram(name, desc, unit string, bounds []float64) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit(unit),
		metric.WithExplicitBucketBoundaries(bounds...),
	)
	b.keep(err)
	return h
}

func (b *instrumentBuilder) gauge(name, desc, unit string) metric.Int64Gauge {
	g, err := b.meter.Int64Gauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
	b.keep(err)
	return g
}

func (b *instrumentBuilder) keep(err error) {
	if b.err == nil {
		b.err = err
	}
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Endpoint and cache result are read from request tags set by handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	cacheResult := string(CacheBypass)
	endpoint := ""
	if tags := GetTags(r); tags != nil {
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		endpoint = tags.Endpoint
	}

	shared := metric.WithAttributes(
		attribute.String("status_class", StatusClass(status)),
		attribute.String("cache_result", cacheResult),
	)
	globalMetrics.requestsTotal.Add(ctx, 1, shared)
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, shared)
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), shared)

	if endpoint != "" {
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", StatusClass(status)),
			attribute.String("cache_result", cacheResult),
		))
	}
}

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.backendRequestsTotal.Add(ctx, 1, attrs)
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordUpstreamFetch records an upstream request. kind is "catalog",
// "asset" or "event".
func RecordUpstreamFetch(ctx context.Context, kind string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	)
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), attrs)
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, attrs)
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, bytesRead, attrs)
	}
}

// RecordSyncCycle records a sync cycle that delivered its result after
// duration. outcome is one of the Sync* constants.
func RecordSyncCycle(ctx context.Context, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.syncCyclesTotal.Add(ctx, 1, attrs)
	globalMetrics.syncDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordEviction records n assets removed from the cache. reason is
// "catalog" for a catalog transition or "orphan" for a directory sweep.
func RecordEviction(ctx context.Context, reason string, n int) {
	if globalMetrics == nil || n <= 0 {
		return
	}
	globalMetrics.evictionsTotal.Add(ctx, int64(n), metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordSnapshotWrite records a snapshot write attempt.
func RecordSnapshotWrite(ctx context.Context, outcome string, size int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.snapshotWrites.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if outcome == "success" {
		globalMetrics.snapshotBytes.Record(ctx, float64(size))
	}
}

// RecordAssetLookup records a binary cache lookup.
func RecordAssetLookup(ctx context.Context, result CacheResult) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.assetLookupsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", string(result))))
}

// RecordAssetStore records an asset written to the cache.
func RecordAssetStore(ctx context.Context, size int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.assetStoreSize.Record(ctx, float64(size))
}

// RecordMaintenanceError records an error swallowed by background
// maintenance. op names the failed step, e.g. "evict" or "persist".
func RecordMaintenanceError(ctx context.Context, op string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.maintenanceErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordAnalyticsEvent records an analytics event delivery attempt.
func RecordAnalyticsEvent(ctx context.Context, eventType, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.analyticsEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", eventType),
		attribute.String("outcome", outcome),
	))
}

// RecordDiskQueueDepth records the number of jobs waiting on the disk queue.
func RecordDiskQueueDepth(ctx context.Context, depth int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.diskQueueDepth.Record(ctx, int64(depth))
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
