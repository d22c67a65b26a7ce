package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDisabledReturnsNoopProviders(t *testing.T) {
	tel, shutdown, err := New(Config{})
	require.NoError(t, err)
	require.Nil(t, tel.MeterProvider)
	require.NotNil(t, tel.Meter)
	require.NotNil(t, tel.Tracer)

	counter, err := tel.Meter.Int64Counter("noop")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)
	require.NoError(t, shutdown(context.Background()))
}

func TestEnabledWithoutServer(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: true, TraceSampleRatio: 5})
	require.NoError(t, err)
	require.NotNil(t, tel.MeterProvider)
	require.NotNil(t, tel.TracerProvider)

	_, span := tel.Tracer.Start(context.Background(), "op")
	span.End()
	require.NoError(t, shutdown(context.Background()))
}
