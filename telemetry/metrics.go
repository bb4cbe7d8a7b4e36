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
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/unity-cache"
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
	sessionsTotal   metric.Int64Counter
	sessionsActive  metric.Int64UpDownCounter
	sessionDuration metric.Float64Histogram
	connBytesTotal  metric.Int64Counter

	commandsTotal   metric.Int64Counter
	commandDuration metric.Float64Histogram

	getsTotal        metric.Int64Counter
	getBytesTotal    metric.Int64Counter
	putBytesTotal    metric.Int64Counter
	commitsTotal     metric.Int64Counter
	entryWriteSize   metric.Float64Histogram
	commitStreamSize metric.Int64Counter

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

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
		cfg.ServiceName = "unity-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	// Build resource with service info
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	// Setup OTLP exporter if endpoint configured
	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	// Setup Prometheus exporter if enabled
	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
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

func newMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)

	if m.sessionsTotal, err = meter.Int64Counter(
		"unity_cache_sessions_total",
		metric.WithDescription("Total number of closed client sessions"),
		metric.WithUnit("{session}"),
	); err != nil {
		return nil, err
	}

	if m.sessionsActive, err = meter.Int64UpDownCounter(
		"unity_cache_sessions_active",
		metric.WithDescription("Number of currently connected client sessions"),
		metric.WithUnit("{session}"),
	); err != nil {
		return nil, err
	}

	if m.sessionDuration, err = meter.Float64Histogram(
		"unity_cache_session_duration_seconds",
		metric.WithDescription("Client session lifetime in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.1, 1, 5, 15, 60, 300, 900, 3600, 14400),
	); err != nil {
		return nil, err
	}

	if m.connBytesTotal, err = meter.Int64Counter(
		"unity_cache_connection_bytes_total",
		metric.WithDescription("Total bytes read from and written to client connections"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.commandsTotal, err = meter.Int64Counter(
		"unity_cache_commands_total",
		metric.WithDescription("Total number of protocol commands handled"),
		metric.WithUnit("{command}"),
	); err != nil {
		return nil, err
	}

	if m.commandDuration, err = meter.Float64Histogram(
		"unity_cache_command_duration_seconds",
		metric.WithDescription("Protocol command handling duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, err
	}

	if m.getsTotal, err = meter.Int64Counter(
		"unity_cache_gets_total",
		metric.WithDescription("Total stream lookups by kind and result"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.getBytesTotal, err = meter.Int64Counter(
		"unity_cache_get_bytes_total",
		metric.WithDescription("Total stream bytes served to clients"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.putBytesTotal, err = meter.Int64Counter(
		"unity_cache_put_bytes_total",
		metric.WithDescription("Total stream bytes received from clients"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.commitsTotal, err = meter.Int64Counter(
		"unity_cache_commits_total",
		metric.WithDescription("Total transaction commits by outcome"),
		metric.WithUnit("{commit}"),
	); err != nil {
		return nil, err
	}

	if m.commitStreamSize, err = meter.Int64Counter(
		"unity_cache_commit_streams_total",
		metric.WithDescription("Total streams persisted by commits"),
		metric.WithUnit("{stream}"),
	); err != nil {
		return nil, err
	}

	if m.entryWriteSize, err = meter.Float64Histogram(
		"unity_cache_entry_write_size_bytes",
		metric.WithDescription("Size of cache entries written to storage"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(128, 512, 1024, 2048, 4096, 8192, 16384, 32768, 65536, 131072, 262144, 524288, 1048576, 2097152, 4194304, 8388608, 16777216, 33554432, 67108864, 134217728, 268435456),
	); err != nil {
		return nil, err
	}

	if m.backendRequestDuration, err = meter.Float64Histogram(
		"unity_cache_backend_request_duration_seconds",
		metric.WithDescription("Duration of backend storage operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	); err != nil {
		return nil, err
	}

	if m.backendRequestsTotal, err = meter.Int64Counter(
		"unity_cache_backend_requests_total",
		metric.WithDescription("Total number of backend storage operations"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.backendBytesTotal, err = meter.Int64Counter(
		"unity_cache_backend_bytes_total",
		metric.WithDescription("Total bytes transferred in backend operations"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	return &m, nil
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

// RecordSessionStart marks a client session as connected.
func RecordSessionStart(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.sessionsActive.Add(ctx, 1)
}

// RecordSessionEnd marks a client session as closed.
// outcome is "quit", "disconnect" or "error".
func RecordSessionEnd(ctx context.Context, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.sessionsActive.Add(ctx, -1)
	globalMetrics.sessionsTotal.Add(ctx, 1, attrs)
	globalMetrics.sessionDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordConnBytes records bytes transferred over a client connection.
func RecordConnBytes(ctx context.Context, read, written int64) {
	if globalMetrics == nil {
		return
	}
	if read > 0 {
		globalMetrics.connBytesTotal.Add(ctx, read, metric.WithAttributes(attribute.String("direction", "read")))
	}
	if written > 0 {
		globalMetrics.connBytesTotal.Add(ctx, written, metric.WithAttributes(attribute.String("direction", "write")))
	}
}

// RecordCommand records one handled protocol command.
func RecordCommand(ctx context.Context, command, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.commandsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("command", command),
		attribute.String("outcome", outcome),
	))
	globalMetrics.commandDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("command", command),
	))
}

// RecordGet records a stream lookup and the bytes served on a hit.
func RecordGet(ctx context.Context, kind string, result CacheResult, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("kind", kind),
		attribute.String("cache_result", string(result)),
	}
	globalMetrics.getsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.getBytesTotal.Add(ctx, bytes, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// RecordPut records a stream received inside a transaction.
func RecordPut(ctx context.Context, kind string, bytes int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.putBytesTotal.Add(ctx, bytes, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordCommit records a transaction commit.
// outcome is "success", "empty" or "error".
func RecordCommit(ctx context.Context, outcome string, streams int) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.commitsTotal.Add(ctx, 1, attrs)
	if streams > 0 {
		globalMetrics.commitStreamSize.Add(ctx, int64(streams), attrs)
	}
}

// RecordEntryWrite records an entry written to storage with its size.
func RecordEntryWrite(ctx context.Context, storage string, size int64, replaced bool) {
	if globalMetrics == nil {
		return
	}

	result := "new"
	if replaced {
		result = "replaced"
	}

	attrs := []attribute.KeyValue{
		attribute.String("storage", storage),
		attribute.String("result", result),
	}
	globalMetrics.entryWriteSize.Record(ctx, float64(size), metric.WithAttributes(attrs...))
}

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
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
