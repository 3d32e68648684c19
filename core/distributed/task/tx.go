package task

import (
	"context"

	"github.com/sushant-115/gojodtx/core/transaction"
)

// IndexOperation is one recorded index change shipped inside a TxTask.
type IndexOperation struct {
	Index     string         `codec:"index"`
	Partition string         `codec:"partition"`
	Key       string         `codec:"key"`
	Op        transaction.Op `codec:"op"`
	Value     string         `codec:"value"`
}

// TxTask carries the operations of one distributed transaction to a participant.
type TxTask struct {
	TxID        string           `codec:"tx_id"`
	Coordinator string           `codec:"coordinator"`
	Ops         []IndexOperation `codec:"ops"`
}

// TxResult is a participant's successful vote.
type TxResult struct {
	TxID    string `codec:"tx_id"`
	Node    string `codec:"node"`
	Applied int    `codec:"applied"` // effective operations after interpretation
}

func NewTxTask() RemoteTask { return &TxTask{} }

func (t *TxTask) Code() Code   { return CodeTx }
func (t *TxTask) Name() string { return CodeTx.String() }

func (t *TxTask) Encode() ([]byte, error) { return Marshal(t) }

func (t *TxTask) Decode(payload []byte) error { return Unmarshal(payload, t) }

func (t *TxTask) Execute(ctx context.Context, node Node) (any, error) {
	return node.PrepareTx(ctx, t)
}
