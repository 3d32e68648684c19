package internaltelemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestTxnMetrics_Records(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewTxnMetrics(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.TxStarted(ctx)
	m.TxStarted(ctx)
	m.TxFinished(ctx, "committed")
	m.PrepareLatency(ctx, "n1", 3*time.Millisecond, true)
	m.LockWait(time.Millisecond)
	m.RepairFlagged(ctx, "missed_commit")
	m.PendingTx(ctx, 1)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	names := map[string]metricdata.Metrics{}
	for _, md := range rm.ScopeMetrics[0].Metrics {
		names[md.Name] = md
	}
	assert.Len(t, names, 6)
	started, ok := names["gojodtx.txn.started_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, started.DataPoints, 1)
	assert.Equal(t, int64(2), started.DataPoints[0].Value)
}

func TestTxnMetrics_NilIsNoop(t *testing.T) {
	var m *TxnMetrics
	assert.NotPanics(t, func() {
		m.TxStarted(context.Background())
		m.LockWait(time.Second)
		m.RepairFlagged(context.Background(), "x")
	})
}
