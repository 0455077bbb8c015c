package observability

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jio-gl/multiguard/pkg/contracts"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "multiguard", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	// A disabled provider still tolerates the whole surface.
	ctx, finish := p.TrackOperation(context.Background(), "governance.approve")
	require.NotNil(t, ctx)
	finish(errors.New("boom"))
	p.recordRequest(ctx)
	p.recordDuration(ctx, 0)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProviderBadCAFile(t *testing.T) {
	_, err := New(context.Background(), &Config{Enabled: true, CAFile: "/nonexistent/ca.pem", ServiceName: "t"})
	require.Error(t, err)
}

func newRecordingProvider(t *testing.T) (*Provider, *tracetest.SpanRecorder, *sdkmetric.ManualReader) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	p, err := newWithSDK(DefaultConfig(),
		sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)),
		sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	)
	require.NoError(t, err)
	return p, recorder, reader
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

func TestTrackOperationRecordsSpanAndMetrics(t *testing.T) {
	p, recorder, reader := newRecordingProvider(t)

	_, finish := p.TrackOperation(context.Background(), "governance.create",
		ProposalOperation(0, contracts.KindAddOwner, "alice")...)
	finish(nil)

	_, finish = p.TrackOperation(context.Background(), "governance.approve",
		ProposalOperation(3, "", "bob")...)
	finish(fmt.Errorf("approve: %w", contracts.ErrDeadlinePassed))

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	require.Equal(t, "governance.create", spans[0].Name())
	require.Equal(t, codes.Ok, spans[0].Status().Code)
	require.Equal(t, codes.Error, spans[1].Status().Code)

	metrics := collect(t, reader)
	requests, ok := metrics["multiguard.operations.total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	var total int64
	for _, dp := range requests.DataPoints {
		total += dp.Value
	}
	require.Equal(t, int64(2), total)

	errs, ok := metrics["multiguard.errors.total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, errs.DataPoints, 1)
	kind, _ := errs.DataPoints[0].Attributes.Value(AttrErrorKind)
	require.Equal(t, "deadline_passed", kind.AsString())
}

func TestProposalOperation(t *testing.T) {
	attrs := ProposalOperation(7, contracts.KindPause, "carol")
	require.Len(t, attrs, 3)
	require.Equal(t, attribute.Key("multiguard.caller"), attrs[0].Key)
	require.Equal(t, int64(7), attrs[1].Value.AsInt64())
	require.Equal(t, "PAUSE", attrs[2].Value.AsString())

	require.Len(t, ProposalOperation(0, "", "carol"), 1)
}

func TestErrorKind(t *testing.T) {
	require.Equal(t, "", ErrorKind(nil))
	require.Equal(t, "system_paused", ErrorKind(fmt.Errorf("x: %w", contracts.ErrSystemPaused)))
	ext := &contracts.ExternalCallError{Target: "t", Reason: "reverted"}
	require.Equal(t, "external_call_failed", ErrorKind(ext))
	require.Equal(t, "validation", ErrorKind(contracts.ErrDuplicateOwner))
}

func TestSpanHelpers(t *testing.T) {
	ctx := context.Background()
	AddSpanEvent(ctx, "test.event", attribute.String("key", "value"))
	SetSpanStatus(ctx, errors.New("test error"))
	SetSpanStatus(ctx, nil)
}
