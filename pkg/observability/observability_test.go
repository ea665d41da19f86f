package observability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Mindburn-Labs/helm-market/pkg/contracts"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "helm-market", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())

	ctx, finish := p.TrackOperation(context.Background(), "market.noop")
	require.NotNil(t, ctx)
	finish(errors.New("ignored"))

	p.RecordOperation(ctx, attribute.String("k", "v"))
	p.RecordError(ctx, errors.New("x"))
	p.RecordDuration(ctx, time.Millisecond)
	require.NoError(t, p.Shutdown(context.Background()))
}

func newTestProvider(t *testing.T) (*Provider, *sdkmetric.ManualReader, *tracetest.SpanRecorder) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		_ = tp.Shutdown(context.Background())
	})
	p, err := NewWithProviders(tp, mp)
	require.NoError(t, err)
	return p, reader, spans
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sum(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	data, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is %T", m.Name, m.Data)
	var total int64
	for _, dp := range data.DataPoints {
		total += dp.Value
	}
	return total
}

func TestTrackOperation_RecordsRED(t *testing.T) {
	p, reader, spans := newTestProvider(t)
	ctx := context.Background()

	_, done := p.TrackOperation(ctx, "market.approve_agreement", AgreementOperation("provider", "P-ab")...)
	done(nil)
	_, done = p.TrackOperation(ctx, "market.approve_agreement", AgreementOperation("provider", "P-cd")...)
	done(fmt.Errorf("approve: %w", contracts.ErrExpired))

	metrics := collect(t, reader)
	require.Contains(t, metrics, MetricOperations)
	require.Contains(t, metrics, MetricErrors)
	require.Contains(t, metrics, MetricDuration)
	require.Contains(t, metrics, MetricActiveOperations)
	assert.Equal(t, int64(2), sum(t, metrics[MetricOperations]))
	assert.Equal(t, int64(1), sum(t, metrics[MetricErrors]))
	assert.Equal(t, int64(0), sum(t, metrics[MetricActiveOperations]))

	ended := spans.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "market.approve_agreement", ended[0].Name())
	assert.Equal(t, codes.Error, ended[1].Status().Code)
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "none"},
		{&contracts.RemoteError{Code: contracts.RemoteNotFound}, "remote.not_found"},
		{&contracts.StateError{Entity: "agreement"}, "invalid_state"},
		{fmt.Errorf("send: %w", contracts.ErrTransport), "transport"},
		{contracts.ErrExpired, "expired"},
		{contracts.ErrUnsubscribed, "unsubscribed"},
		{contracts.ErrNotFound, "not_found"},
		{context.DeadlineExceeded, "context"},
		{errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorKind(tt.err))
	}
}

func TestAttributeHelpers(t *testing.T) {
	attrs := ProposalOperation("requestor", "sub-1", "R-ab")
	require.Len(t, attrs, 3)
	assert.Equal(t, "market.proposal.id", string(attrs[2].Key))
	assert.Equal(t, "R-ab", attrs[2].Value.AsString())

	attrs = MessageOperation("provider", "proposal", "node-a")
	assert.Equal(t, "node-a", attrs[2].Value.AsString())

	AddSpanEvent(context.Background(), "noop")
}
