package task

import "context"

// Completed2pcTask is the V0 completion: no partition addressing.
type Completed2pcTask struct {
	TxID    string `codec:"tx_id"`
	Success bool   `codec:"success"`
}

func NewCompleted2pcTask() RemoteTask { return &Completed2pcTask{} }

func (t *Completed2pcTask) Code() Code            { return CodeCompleted2pc }
func (t *Completed2pcTask) Name() string          { return CodeCompleted2pc.String() }
func (t *Completed2pcTask) TransactionID() string { return t.TxID }
func (t *Completed2pcTask) Succeeded() bool       { return t.Success }
func (t *Completed2pcTask) Partitions() []string  { return nil }

func (t *Completed2pcTask) Encode() ([]byte, error)     { return Marshal(t) }
func (t *Completed2pcTask) Decode(payload []byte) error { return Unmarshal(payload, t) }

func (t *Completed2pcTask) Execute(ctx context.Context, node Node) (any, error) {
	return nil, node.CompleteTx(ctx, t)
}

// Completed2pcTaskV1 adds the partitions the receiving participant took part
// in, so the coordinator addresses only the nodes that participated.
type Completed2pcTaskV1 struct {
	TxID          string   `codec:"tx_id"`
	Success       bool     `codec:"success"`
	PartitionKeys []string `codec:"partition_keys"`
}

func NewCompleted2pcTaskV1() RemoteTask { return &Completed2pcTaskV1{} }

func (t *Completed2pcTaskV1) Code() Code            { return CodeCompleted2pc }
func (t *Completed2pcTaskV1) Name() string          { return CodeCompleted2pc.String() }
func (t *Completed2pcTaskV1) TransactionID() string { return t.TxID }
func (t *Completed2pcTaskV1) Succeeded() bool       { return t.Success }
func (t *Completed2pcTaskV1) Partitions() []string  { return t.PartitionKeys }

func (t *Completed2pcTaskV1) Encode() ([]byte, error)     { return Marshal(t) }
func (t *Completed2pcTaskV1) Decode(payload []byte) error { return Unmarshal(payload, t) }

func (t *Completed2pcTaskV1) Execute(ctx context.Context, node Node) (any, error) {
	return nil, node.CompleteTx(ctx, t)
}

// NewCompletion builds the completion shape understood by a peer speaking version.
func NewCompletion(version int, txID string, success bool, partitions []string) Completion {
	if version >= 1 {
		return &Completed2pcTaskV1{TxID: txID, Success: success, PartitionKeys: partitions}
	}
	return &Completed2pcTask{TxID: txID, Success: success}
}
