package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "aegis", config.ServiceName)
	require.Equal(t, "development", config.Environment)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.True(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)

	// All recording paths must be safe no-ops when disabled.
	ctx := context.Background()
	p.RecordRequest(ctx, attribute.String("op", "ingest"))
	p.RecordError(ctx, errors.New("boom"))
	p.RecordDuration(ctx, 0)

	ctx, done := p.TrackOperation(ctx, "ingest_alert")
	done(nil)
	require.NotNil(t, ctx)

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestTrackOperationRecordsError(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	_, done := p.TrackOperation(context.Background(), "verify_bundle",
		attribute.String("artifact", "detector"))
	done(errors.New("signature invalid"))
}

func TestTracerAndMeterFallbacks(t *testing.T) {
	p := &Provider{}
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
}
