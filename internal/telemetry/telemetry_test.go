package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	for _, endpoint := range []string{"", "   "} {
		shutdown, err := Init(context.Background(), endpoint, "kotae", "test", false)
		require.NoError(t, err)
		require.NotNil(t, shutdown)
		assert.NoError(t, shutdown(context.Background()))
	}
}

func TestInitRejectsBadEndpoint(t *testing.T) {
	_, err := Init(context.Background(), "grpc://collector:4317", "kotae", "test", false)
	assert.ErrorContains(t, err, "unsupported scheme")
}

func TestResolveEndpoint(t *testing.T) {
	tests := []struct {
		name         string
		endpoint     string
		insecure     bool
		wantHost     string
		wantInsecure bool
		wantErr      bool
	}{
		{"bare host keeps flag", "collector:4318", false, "collector:4318", false, false},
		{"bare host insecure flag", "collector:4318", true, "collector:4318", true, false},
		{"http implies insecure", "http://collector:4318", false, "collector:4318", true, false},
		{"https stays secure", "https://otel.example.com", false, "otel.example.com", false, false},
		{"https honours explicit insecure", "https://otel.example.com", true, "otel.example.com", true, false},
		{"unknown scheme", "grpc://collector:4317", false, "", false, true},
		{"missing host", "http://", false, "", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, insecure, err := resolveEndpoint(tt.endpoint, tt.insecure)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantInsecure, insecure)
		})
	}
}

func TestResourceDefaults(t *testing.T) {
	res, err := newResource(context.Background(), "", "")
	require.NoError(t, err)

	name, ok := res.Set().Value(semconv.ServiceNameKey)
	require.True(t, ok)
	assert.Equal(t, DefaultServiceName, name.AsString())
	version, ok := res.Set().Value(semconv.ServiceVersionKey)
	require.True(t, ok)
	assert.Equal(t, "dev", version.AsString())
}

func histogramBounds(t *testing.T, rm metricdata.ResourceMetrics, name string) []float64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			h, ok := m.Data.(metricdata.Histogram[float64])
			require.True(t, ok, "%s is not a float histogram", name)
			require.NotEmpty(t, h.DataPoints)
			return h.DataPoints[0].Bounds
		}
	}
	t.Fatalf("metric %s not collected", name)
	return nil
}

func TestLatencyView(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := newMeterProvider(reader, nil)
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	ctx := context.Background()

	chat := mp.Meter(ScopeChat)
	total, err := chat.Float64Histogram("kotae.chat.total_latency", metric.WithUnit("ms"))
	require.NoError(t, err)
	total.Record(ctx, 42000)

	// Same name under another scope keeps the SDK defaults.
	other, err := mp.Meter("elsewhere").Float64Histogram("kotae.chat.other_latency")
	require.NoError(t, err)
	other.Record(ctx, 1)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	assert.Equal(t, LatencyBucketsMS, histogramBounds(t, rm, "kotae.chat.total_latency"))
	assert.NotEqual(t, LatencyBucketsMS, histogramBounds(t, rm, "kotae.chat.other_latency"))
}
