package telemetry

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_Disabled(t *testing.T) {
	tel, shutdown, err := New(Config{}, nil)
	require.NoError(t, err)
	assert.Nil(t, tel.MeterProvider)
	assert.Nil(t, tel.MetricsHandler())
	assert.NotNil(t, tel.Meter)
	assert.NotNil(t, tel.Tracer)
	require.NoError(t, shutdown(context.Background()))
}

func TestNew_ExportsInstrumentsThroughHandler(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: true, ServiceName: "gojodtx-test"}, zap.NewNop())
	require.NoError(t, err)
	defer func() { require.NoError(t, shutdown(context.Background())) }()

	counter, err := tel.Meter.Int64Counter("gojodtx_test_transactions")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	_, span := tel.Tracer.Start(context.Background(), "tx")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	rec := httptest.NewRecorder()
	tel.MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "gojodtx_test_transactions_total")
}

func TestNew_ServesMetricsAddr(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: true, MetricsAddr: "127.0.0.1:0"}, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, tel.server)
	require.NoError(t, shutdown(context.Background()))
}
