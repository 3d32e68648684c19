// Package repair receives inconsistencies the coordinator cannot resolve
// itself (a participant that missed a commit, a rollback that never reached
// an applied replica) and hands each one to the affected node as a
// repair-records task.
package repair

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sushant-115/gojodtx/core/distributed/task"
	"github.com/sushant-115/gojodtx/core/distributed/transport"
	internaltelemetry "github.com/sushant-115/gojodtx/internal/telemetry"
)

var (
	ErrQueueFull = errors.New("repair queue is full")
	ErrClosed    = errors.New("repair dispatcher is closed")
)

// Reasons a participant is flagged.
const (
	ReasonMissedCommit        = "missed_commit"
	ReasonCommitUndelivered   = "commit_undelivered"
	ReasonRollbackUndelivered = "rollback_undelivered"
	// ReasonRollbackConflict marks a rollback that reached the replica but
	// could not restore a key another writer changed after the prepare.
	ReasonRollbackConflict = "rollback_conflict"
)

// Inconsistency describes one participant whose state may diverge from the
// transaction outcome.
type Inconsistency struct {
	TxID       string
	Node       string
	Partitions []string
	Phase      string
	Reason     string
	Detail     string
	DetectedAt time.Time
}

// Sink accepts inconsistencies for later reconciliation.
type Sink interface {
	Flag(ctx context.Context, inc Inconsistency) error
}

// Request is the body of the repair-records task sent to a node.
type Request struct {
	TxID       string   `codec:"tx_id"`
	Reason     string   `codec:"reason"`
	Detail     string   `codec:"detail"`
	Partitions []string `codec:"partitions"`
	Committed  bool     `codec:"committed"`
}

// Config tunes the dispatcher.
type Config struct {
	QueueSize   int           `yaml:"queue_size"`
	RatePerSec  float64       `yaml:"rate_per_sec"` // 0 = unlimited
	Burst       int           `yaml:"burst"`
	SendTimeout time.Duration `yaml:"send_timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
}

func (c *Config) setDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
}

type item struct {
	inc      Inconsistency
	attempts int
}

// Dispatcher is a Sink that sends every flagged inconsistency to its node,
// one at a time and at a bounded rate.
type Dispatcher struct {
	cfg       Config
	nodeID    string
	transport transport.Transport
	limiter   *rate.Limiter
	logger    *zap.Logger
	metrics   *internaltelemetry.TxnMetrics

	mu     sync.RWMutex
	queue  chan item
	closed bool
	cancel context.CancelFunc
	wg     sync.WaitGroup

	dispatched atomic.Int64
	failed     atomic.Int64
}

func NewDispatcher(cfg Config, nodeID string, tr transport.Transport, logger *zap.Logger, metrics *internaltelemetry.TxnMetrics) *Dispatcher {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	return &Dispatcher{
		cfg:       cfg,
		nodeID:    nodeID,
		transport: tr,
		limiter:   rate.NewLimiter(limit, cfg.Burst),
		logger:    logger.Named("repair"),
		metrics:   metrics,
		queue:     make(chan item, cfg.QueueSize),
	}
}

// Start runs the dispatch loop until Close.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.loop(ctx)
}

func (d *Dispatcher) Flag(ctx context.Context, inc Inconsistency) error {
	if inc.DetectedAt.IsZero() {
		inc.DetectedAt = time.Now()
	}
	d.logger.Warn("Participant flagged for repair",
		zap.String("tx_id", inc.TxID),
		zap.String("node", inc.Node),
		zap.Strings("partitions", inc.Partitions),
		zap.String("phase", inc.Phase),
		zap.String("reason", inc.Reason),
		zap.String("detail", inc.Detail))
	d.metrics.RepairFlagged(ctx, inc.Reason)
	return d.enqueue(item{inc: inc})
}

func (d *Dispatcher) enqueue(it item) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- it:
		return nil
	default:
		d.failed.Add(1)
		d.logger.Error("Repair queue full, inconsistency not queued",
			zap.String("tx_id", it.inc.TxID), zap.String("node", it.inc.Node))
		return ErrQueueFull
	}
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()
	for it := range d.queue {
		if err := d.limiter.Wait(ctx); err != nil {
			d.failed.Add(1)
			d.logger.Error("Repair dispatch abandoned", zap.String("tx_id", it.inc.TxID), zap.String("node", it.inc.Node), zap.Error(err))
			continue
		}
		err := d.send(ctx, it.inc)
		if err == nil {
			d.dispatched.Add(1)
			continue
		}
		it.attempts++
		if it.attempts < d.cfg.MaxAttempts && ctx.Err() == nil {
			d.logger.Warn("Repair dispatch failed, requeueing",
				zap.String("tx_id", it.inc.TxID), zap.String("node", it.inc.Node), zap.Int("attempt", it.attempts), zap.Error(err))
			if qerr := d.enqueue(it); qerr == nil {
				continue
			}
		}
		d.failed.Add(1)
		d.logger.Error("Repair dispatch failed",
			zap.String("tx_id", it.inc.TxID), zap.String("node", it.inc.Node), zap.Int("attempts", it.attempts), zap.Error(err))
	}
}

func (d *Dispatcher) send(ctx context.Context, inc Inconsistency) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	peer, err := d.transport.ProtocolVersion(ctx, inc.Node)
	if err != nil {
		return err
	}
	version, err := task.Negotiate(task.Latest().ProtocolVersion(), peer)
	if err != nil {
		return err
	}
	body, err := task.Marshal(&Request{
		TxID:       inc.TxID,
		Reason:     inc.Reason,
		Detail:     inc.Detail,
		Partitions: inc.Partitions,
		Committed:  inc.Reason != ReasonRollbackUndelivered && inc.Reason != ReasonRollbackConflict,
	})
	if err != nil {
		return err
	}
	payload, err := task.NewOpaqueTask(task.CodeRepairRecords, body).Encode()
	if err != nil {
		return err
	}
	resp, err := d.transport.Send(ctx, inc.Node, transport.Request{
		Version: version,
		Code:    int(task.CodeRepairRecords),
		From:    d.nodeID,
		TxID:    inc.TxID,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	if resp.Failure != nil {
		return fmt.Errorf("node %s rejected repair: %w", inc.Node, resp.Failure)
	}
	return nil
}

// Stats reports how many repairs were delivered and how many were given up.
func (d *Dispatcher) Stats() (dispatched, failed int64) {
	return d.dispatched.Load(), d.failed.Load()
}

// Close stops accepting inconsistencies and waits for the queue to drain,
// bounded by ctx. Items still queued when ctx expires are counted as failed.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		if d.cancel != nil {
			d.cancel()
		}
		return nil
	case <-ctx.Done():
		if d.cancel != nil {
			d.cancel()
		}
		<-done
		return ctx.Err()
	}
}
