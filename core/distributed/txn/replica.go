package txn

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/sushant-115/gojodtx/core/distributed/task"
	"github.com/sushant-115/gojodtx/core/index"
	"github.com/sushant-115/gojodtx/core/transaction"
	internaltelemetry "github.com/sushant-115/gojodtx/internal/telemetry"
)

const defaultOutcomeCacheSize = 4096

// replicaTx is the replica-side record of one transaction.
type replicaTx struct {
	machine     *Machine
	coordinator string
	partitions  []string
	ops         []task.IndexOperation
	prepared    time.Time
	applied     *index.Applied
	result      *task.TxResult
	err         error
	done        chan struct{} // closed when prepare finished
}

// Outcome of a finished transaction, remembered for duplicate messages.
type replicaOutcome struct {
	state  State
	result *task.TxResult
	err    error
}

// Replica applies the batches of distributed transactions to the local
// database and keeps their undo logs until the coordinator decides.
type Replica struct {
	nodeID  string
	db      *index.Database
	logger  *zap.Logger
	metrics *internaltelemetry.TxnMetrics

	mu       sync.Mutex
	txs      map[string]*replicaTx
	outcomes *lru.Cache[string, replicaOutcome]
}

func NewReplica(nodeID string, db *index.Database, logger *zap.Logger, metrics *internaltelemetry.TxnMetrics, outcomeCacheSize int) (*Replica, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if outcomeCacheSize <= 0 {
		outcomeCacheSize = defaultOutcomeCacheSize
	}
	outcomes, err := lru.New[string, replicaOutcome](outcomeCacheSize)
	if err != nil {
		return nil, err
	}
	return &Replica{
		nodeID:   nodeID,
		db:       db,
		logger:   logger.Named("replica").With(zap.String("node", nodeID)),
		metrics:  metrics,
		txs:      make(map[string]*replicaTx),
		outcomes: outcomes,
	}, nil
}

// Prepare locks every key of the batch in one call, applies the interpreted
// operations and releases the keys. On success the undo log is kept until
// Complete; on failure the batch is already reverted when Prepare returns.
// A repeated Prepare for the same transaction returns the recorded vote.
func (r *Replica) Prepare(ctx context.Context, t *task.TxTask) (*task.TxResult, error) {
	r.mu.Lock()
	if rec, ok := r.txs[t.TxID]; ok {
		r.mu.Unlock()
		select {
		case <-rec.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return rec.result, rec.err
	}
	if out, ok := r.outcomes.Get(t.TxID); ok {
		r.mu.Unlock()
		if out.err != nil {
			return nil, out.err
		}
		if out.state == StateRolledBack {
			return nil, &Failure{Kind: KindProtocol, Node: r.nodeID, Err: fmt.Errorf("%w: tx %s", ErrRolledBack, t.TxID)}
		}
		return out.result, nil
	}
	rec := &replicaTx{
		machine:     NewMachine(t.TxID),
		coordinator: t.Coordinator,
		partitions:  partitionsOf(t.Ops),
		ops:         t.Ops,
		prepared:    time.Now(),
		done:        make(chan struct{}),
	}
	r.txs[t.TxID] = rec
	r.mu.Unlock()

	rec.result, rec.err = r.apply(t, rec)
	close(rec.done)

	if rec.err != nil {
		r.mu.Lock()
		delete(r.txs, t.TxID)
		r.outcomes.Add(t.TxID, replicaOutcome{state: StateRolledBack, err: rec.err})
		r.mu.Unlock()
		return nil, rec.err
	}
	r.metrics.PendingTx(ctx, 1)
	return rec.result, nil
}

func (r *Replica) apply(t *task.TxTask, rec *replicaTx) (*task.TxResult, error) {
	log := r.logger.With(zap.String("tx_id", t.TxID), zap.String("coordinator", t.Coordinator))
	if err := rec.machine.Transition(StatePrepared); err != nil {
		return nil, err
	}
	if len(t.Ops) == 0 {
		_ = rec.machine.Transition(StateRolledBack)
		return nil, &Failure{Kind: KindProtocol, Node: r.nodeID, Err: ErrNoOperations}
	}
	if err := rec.machine.Transition(StateLocked); err != nil {
		return nil, err
	}

	applied, err := r.db.ApplyChanges(changesOf(t.Ops))
	if err != nil {
		_ = rec.machine.Transition(StateRolledBack)
		f := failureOf(err)
		f.Node = r.nodeID
		f.Phase = PhasePrepare
		if f.Index != "" {
			f.Partition = partitionOfKey(t.Ops, f.Index, f.Key)
		}
		log.Warn("Prepare failed, batch reverted", zap.String("kind", string(f.Kind)), zap.Error(err))
		return nil, f
	}
	rec.applied = applied
	if err := rec.machine.Transition(StateApplied); err != nil {
		return nil, err
	}
	log.Debug("Prepared transaction", zap.Int("effective", applied.Effective), zap.Strings("partitions", rec.partitions))
	return &task.TxResult{TxID: t.TxID, Node: r.nodeID, Applied: applied.Effective}, nil
}

// Complete commits or rolls back a prepared transaction. A completion for a
// transaction this replica never applied is discarded.
func (r *Replica) Complete(ctx context.Context, c task.Completion) error {
	txID := c.TransactionID()
	r.mu.Lock()
	rec, ok := r.txs[txID]
	if !ok {
		r.discardLocked(txID, c.Succeeded())
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	select {
	case <-rec.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if rec.err != nil {
		return nil
	}
	if parts := c.Partitions(); parts != nil && !overlaps(parts, rec.partitions) {
		return &Failure{Kind: KindProtocol, Node: r.nodeID, Err: fmt.Errorf("%w: tx %s got %v, prepared %v", ErrPartitionMismatch, txID, parts, rec.partitions)}
	}

	r.mu.Lock()
	if r.txs[txID] != rec {
		r.mu.Unlock()
		return nil
	}
	delete(r.txs, txID)
	r.mu.Unlock()
	r.metrics.PendingTx(ctx, -1)

	state := StateCommitted
	var err error
	if !c.Succeeded() {
		state = StateRolledBack
		if rerr := rec.applied.Revert(); rerr != nil {
			f := failureOf(rerr)
			f.Phase = PhaseRollback
			f.Node = r.nodeID
			if f.Index != "" {
				f.Partition = partitionOfKey(rec.ops, f.Index, f.Key)
			}
			err = f
			r.logger.Error("Rollback incomplete", zap.String("tx_id", txID), zap.String("kind", string(f.Kind)), zap.Error(rerr))
		}
	}
	if terr := rec.machine.Transition(state); terr != nil && err == nil {
		err = terr
	}
	r.outcomes.Add(txID, replicaOutcome{state: state, result: rec.result})
	r.logger.Debug("Completed transaction", zap.String("tx_id", txID), zap.Stringer("state", state))
	return err
}

// discardLocked handles a completion for a transaction with no prepared
// batch here. A rollback that overtakes its prepare leaves a tombstone so the
// late prepare is refused instead of applied. The caller holds r.mu.
func (r *Replica) discardLocked(txID string, success bool) {
	if _, seen := r.outcomes.Get(txID); seen {
		return
	}
	if !success {
		r.outcomes.Add(txID, replicaOutcome{state: StateRolledBack})
	}
	r.logger.Debug("Discarding completion for transaction not applied here",
		zap.String("tx_id", txID), zap.Bool("success", success))
}

// Pending lists the transactions applied here and awaiting a decision.
func (r *Replica) Pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.txs))
	for id := range r.txs {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// State reports the replica-side state of a transaction.
func (r *Replica) State(txID string) (State, bool) {
	r.mu.Lock()
	rec, ok := r.txs[txID]
	r.mu.Unlock()
	if ok {
		return rec.machine.State(), true
	}
	if out, ok := r.outcomes.Get(txID); ok {
		return out.state, true
	}
	return StateInit, false
}

// changesOf groups operations by (index, key), keeping submission order.
func changesOf(ops []task.IndexOperation) []*transaction.KeyChanges {
	type ik struct{ index, key string }
	byKey := make(map[ik]*transaction.KeyChanges)
	var out []*transaction.KeyChanges
	for _, op := range ops {
		k := ik{op.Index, op.Key}
		kc, ok := byKey[k]
		if !ok {
			kc = &transaction.KeyChanges{Index: op.Index, Key: op.Key}
			byKey[k] = kc
			out = append(out, kc)
		}
		kc.Append(op.Op, op.Value)
	}
	return out
}

func partitionsOf(ops []task.IndexOperation) []string {
	var out []string
	for _, op := range ops {
		if !slices.Contains(out, op.Partition) {
			out = append(out, op.Partition)
		}
	}
	slices.Sort(out)
	return out
}

func partitionOfKey(ops []task.IndexOperation, index, key string) string {
	for _, op := range ops {
		if op.Index == index && op.Key == key {
			return op.Partition
		}
	}
	return ""
}

func overlaps(a, b []string) bool {
	for _, x := range a {
		if slices.Contains(b, x) {
			return true
		}
	}
	return false
}
