package telemetry

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics creates a Metrics instance backed by a ManualReader for testing.
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

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordSession(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordSessionStart(ctx)
	RecordSessionStart(ctx)
	RecordSessionEnd(ctx, "quit", 2*time.Second)

	rm := collectMetrics(t, reader)

	active := findCounter(rm, "unity_cache_sessions_active")
	require.Len(t, active, 1)
	require.EqualValues(t, 1, active[0].Value)

	total := findCounter(rm, "unity_cache_sessions_total")
	require.Len(t, total, 1)
	require.EqualValues(t, 1, total[0].Value)
	require.True(t, hasAttr(total[0].Attributes, "outcome", "quit"))

	hist := findHistogram(rm, "unity_cache_session_duration_seconds")
	require.Len(t, hist, 1)
	require.Equal(t, uint64(1), hist[0].Count)
}

func TestRecordCommand(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordCommand(ctx, "get", "success", time.Millisecond)
	RecordCommand(ctx, "get", "success", time.Millisecond)
	RecordCommand(ctx, "put", "error", time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "unity_cache_commands_total")
	require.Len(t, dps, 2)
	for _, dp := range dps {
		if hasAttr(dp.Attributes, "command", "get") {
			require.EqualValues(t, 2, dp.Value)
			require.True(t, hasAttr(dp.Attributes, "outcome", "success"))
		} else {
			require.True(t, hasAttr(dp.Attributes, "command", "put"))
			require.True(t, hasAttr(dp.Attributes, "outcome", "error"))
		}
	}
}

func TestRecordGet(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordGet(ctx, "info", CacheHit, 128)
	RecordGet(ctx, "bin", CacheMiss, 0)

	rm := collectMetrics(t, reader)

	gets := findCounter(rm, "unity_cache_gets_total")
	require.Len(t, gets, 2)

	served := findCounter(rm, "unity_cache_get_bytes_total")
	require.Len(t, served, 1)
	require.EqualValues(t, 128, served[0].Value)
	require.True(t, hasAttr(served[0].Attributes, "kind", "info"))
}

func TestRecordCommitAndEntryWrite(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordCommit(ctx, "success", 3)
	RecordCommit(ctx, "empty", 0)
	RecordEntryWrite(ctx, "filesystem", 4096, true)

	rm := collectMetrics(t, reader)

	commits := findCounter(rm, "unity_cache_commits_total")
	require.Len(t, commits, 2)

	streams := findCounter(rm, "unity_cache_commit_streams_total")
	require.Len(t, streams, 1)
	require.EqualValues(t, 3, streams[0].Value)

	writes := findHistogram(rm, "unity_cache_entry_write_size_bytes")
	require.Len(t, writes, 1)
	require.True(t, hasAttr(writes[0].Attributes, "result", "replaced"))
}

func TestRecordBackendOp(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordBackendOp(context.Background(), "filesystem", "commit", "success", time.Millisecond, 512)
	RecordBackendOp(context.Background(), "filesystem", "read", "not_found", time.Millisecond, 0)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "unity_cache_backend_requests_total")
	require.Len(t, dps, 2)

	bytesDps := findCounter(rm, "unity_cache_backend_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 512, bytesDps[0].Value)
	require.True(t, hasAttr(bytesDps[0].Attributes, "op", "commit"))
}

func TestInstrumentedConn(t *testing.T) {
	reader := setupTestMetrics(t)

	client, server := net.Pipe()
	conn := NewInstrumentedConn(context.Background(), server)

	go func() {
		_, _ = client.Write([]byte("hello"))
		buf := make([]byte, 3)
		_, _ = client.Read(buf)
		_ = client.Close()
	}()

	buf := make([]byte, 5)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	_, err = conn.Write([]byte("bye"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	require.EqualValues(t, 5, conn.BytesRead())
	require.EqualValues(t, 3, conn.BytesWritten())

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "unity_cache_connection_bytes_total")
	require.Len(t, dps, 2)
}

func TestRecord_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil
	ctx := context.Background()

	// Should not panic
	RecordSessionStart(ctx)
	RecordSessionEnd(ctx, "error", time.Second)
	RecordCommand(ctx, "get", "success", time.Millisecond)
	RecordGet(ctx, "info", CacheHit, 1)
	RecordPut(ctx, "info", 1)
	RecordCommit(ctx, "success", 1)
	RecordEntryWrite(ctx, "memory", 1, false)
	RecordConnBytes(ctx, 1, 1)
}

func TestPrometheusHandler_NotFoundWhenDisabled(t *testing.T) {
	globalMetrics = nil

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
