package repair

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sushant-115/gojodtx/core/distributed/task"
)

// Completer finishes a transaction the local replica still holds.
type Completer interface {
	Complete(ctx context.Context, c task.Completion) error
}

// Actions reported back to the dispatching node.
const (
	ActionCompleted = "completed"
	ActionResync    = "queued_for_resync"
)

// Ack answers a repair-records task.
type Ack struct {
	TxID   string `codec:"tx_id"`
	Action string `codec:"action"`
}

const defaultMaxResync = 1024

// Receiver serves repair-records tasks on the flagged node. An undelivered
// decision is applied to the local replica directly; a missed commit or a
// conflicted rollback needs the data from a healthy replica and is queued
// until a resync picks it up.
type Receiver struct {
	completer Completer
	logger    *zap.Logger

	mu     sync.Mutex
	resync []Request
	max    int
}

func NewReceiver(completer Completer, maxResync int, logger *zap.Logger) *Receiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxResync <= 0 {
		maxResync = defaultMaxResync
	}
	return &Receiver{completer: completer, logger: logger.Named("repair_receiver"), max: maxResync}
}

func (r *Receiver) HandleOpaque(ctx context.Context, t *task.OpaqueTask) (any, error) {
	if t.Code() != task.CodeRepairRecords {
		return nil, fmt.Errorf("%w: no handler for %s on this node", task.ErrUnknownTaskCode, t.Name())
	}
	var req Request
	if err := task.Unmarshal(t.Payload, &req); err != nil {
		return nil, err
	}
	log := r.logger.With(zap.String("tx_id", req.TxID), zap.String("reason", req.Reason), zap.Strings("partitions", req.Partitions))

	switch req.Reason {
	case ReasonCommitUndelivered, ReasonRollbackUndelivered:
		c := task.NewCompletion(task.Latest().ProtocolVersion(), req.TxID, req.Committed, req.Partitions)
		if err := r.completer.Complete(ctx, c); err != nil {
			log.Error("Failed to apply repaired decision", zap.Error(err))
			return nil, err
		}
		log.Info("Applied repaired decision", zap.Bool("committed", req.Committed))
		return &Ack{TxID: req.TxID, Action: ActionCompleted}, nil
	case ReasonMissedCommit, ReasonRollbackConflict:
		r.mu.Lock()
		if len(r.resync) >= r.max {
			r.resync = r.resync[1:]
		}
		r.resync = append(r.resync, req)
		r.mu.Unlock()
		log.Warn("Queued transaction for resync", zap.String("detail", req.Detail))
		return &Ack{TxID: req.TxID, Action: ActionResync}, nil
	}
	return nil, fmt.Errorf("%w: unknown repair reason %q", task.ErrMalformedPayload, req.Reason)
}

// Resync returns the missed commits and conflicted rollbacks awaiting a
// data sync, oldest first.
func (r *Receiver) Resync() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Request(nil), r.resync...)
}
