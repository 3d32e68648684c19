package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// TxnMetrics holds the metric instruments of the distributed write path.
// A nil *TxnMetrics records nothing.
type TxnMetrics struct {
	TxStartedCounter        metric.Int64Counter
	TxFinishedCounter       metric.Int64Counter
	PrepareLatencyHistogram metric.Float64Histogram
	LockWaitHistogram       metric.Float64Histogram
	RepairFlaggedCounter    metric.Int64Counter
	PendingTxUpDownCounter  metric.Int64UpDownCounter
}

// NewTxnMetrics creates and registers all the metrics for the 2PC path.
func NewTxnMetrics(meter metric.Meter) (*TxnMetrics, error) {
	txStartedCounter, err := meter.Int64Counter(
		"gojodtx.txn.started_total",
		metric.WithDescription("Total number of distributed transactions started by this coordinator."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	txFinishedCounter, err := meter.Int64Counter(
		"gojodtx.txn.finished_total",
		metric.WithDescription("Total number of distributed transactions finished, by outcome."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	prepareLatencyHistogram, err := meter.Float64Histogram(
		"gojodtx.txn.prepare.duration",
		metric.WithDescription("Latency of one participant's prepare round trip."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	lockWaitHistogram, err := meter.Float64Histogram(
		"gojodtx.keylock.wait.duration",
		metric.WithDescription("Time spent waiting for a key set in the lock table."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	repairFlaggedCounter, err := meter.Int64Counter(
		"gojodtx.repair.flagged_total",
		metric.WithDescription("Total number of participants flagged for repair."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pendingTxUpDownCounter, err := meter.Int64UpDownCounter(
		"gojodtx.replica.pending_tx",
		metric.WithDescription("Transactions applied on this replica and awaiting completion."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &TxnMetrics{
		TxStartedCounter:        txStartedCounter,
		TxFinishedCounter:       txFinishedCounter,
		PrepareLatencyHistogram: prepareLatencyHistogram,
		LockWaitHistogram:       lockWaitHistogram,
		RepairFlaggedCounter:    repairFlaggedCounter,
		PendingTxUpDownCounter:  pendingTxUpDownCounter,
	}, nil
}

func (m *TxnMetrics) TxStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.TxStartedCounter.Add(ctx, 1)
}

func (m *TxnMetrics) TxFinished(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.TxFinishedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *TxnMetrics) PrepareLatency(ctx context.Context, node string, d time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.PrepareLatencyHistogram.Record(ctx, float64(d)/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("node", node), attribute.Bool("ok", ok)))
}

// LockWait matches the keylock wait observer signature.
func (m *TxnMetrics) LockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.LockWaitHistogram.Record(context.Background(), float64(d)/float64(time.Millisecond))
}

func (m *TxnMetrics) RepairFlagged(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.RepairFlaggedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *TxnMetrics) PendingTx(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.PendingTxUpDownCounter.Add(ctx, delta)
}
