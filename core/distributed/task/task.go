// Package task defines the remote task catalog: the wire codes, the payload
// shapes each code decodes to, and the versioned factory that builds a task
// instance for a code received from a peer.
package task

import "context"

// RemoteTask is an addressable unit of distributed work. A task is built by
// the catalog on receipt, decoded once, executed once, then discarded.
type RemoteTask interface {
	Code() Code
	Name() string
	Encode() ([]byte, error)
	Decode(payload []byte) error
	Execute(ctx context.Context, node Node) (any, error)
}

// Node is the local execution surface a decoded task runs against.
type Node interface {
	ID() string
	PrepareTx(ctx context.Context, t *TxTask) (*TxResult, error)
	CompleteTx(ctx context.Context, c Completion) error
	HandleOpaque(ctx context.Context, t *OpaqueTask) (any, error)
}

// Completion is the phase-two message of a transaction: commit when
// Succeeded is true, rollback otherwise.
type Completion interface {
	RemoteTask
	TransactionID() string
	Succeeded() bool
	// Partitions lists the partitions the receiver took part in. It is nil
	// for the V0 shape, which carries no addressing.
	Partitions() []string
}
