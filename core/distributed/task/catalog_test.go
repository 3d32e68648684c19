package task

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojodtx/core/transaction"
)

func TestCatalog_KnownCodes(t *testing.T) {
	for _, c := range []*Catalog{V0, V1} {
		for code := CodeCreateRecord; code <= CodeEnterpriseStats; code++ {
			if code == CodeUnreachableServer {
				continue
			}
			tk, err := c.CreateTask(int(code))
			require.NoError(t, err, "v%d code %d", c.ProtocolVersion(), code)
			assert.Equal(t, code, tk.Code())
			assert.Equal(t, code.String(), tk.Name())
		}
		assert.Len(t, c.Codes(), 29)
	}
}

func TestCatalog_ExpectedKinds(t *testing.T) {
	tk, err := V0.CreateTask(int(CodeTx))
	require.NoError(t, err)
	assert.IsType(t, &TxTask{}, tk)

	tk, err = V0.CreateTask(int(CodeCompleted2pc))
	require.NoError(t, err)
	assert.IsType(t, &Completed2pcTask{}, tk)

	tk, err = V1.CreateTask(int(CodeCompleted2pc))
	require.NoError(t, err)
	assert.IsType(t, &Completed2pcTaskV1{}, tk)

	tk, err = V1.CreateTask(int(CodeGossip))
	require.NoError(t, err)
	assert.IsType(t, &OpaqueTask{}, tk)
}

func TestCatalog_UnknownCode(t *testing.T) {
	for _, code := range []int{-1, 30, 31, 1000} {
		for _, c := range []*Catalog{V0, V1} {
			_, err := c.CreateTask(code)
			require.ErrorIs(t, err, ErrUnknownTaskCode)
			require.NotErrorIs(t, err, ErrRemoteInvocationNotSupported)

			var codeErr *CodeError
			require.ErrorAs(t, err, &codeErr)
			assert.Equal(t, Code(code), codeErr.Code)
			assert.Equal(t, c.ProtocolVersion(), codeErr.Version)
		}
	}
}

func TestCatalog_LocalOnlyCodeRejectedAtEveryVersion(t *testing.T) {
	for _, c := range catalogs {
		_, err := c.CreateTask(int(CodeUnreachableServer))
		require.ErrorIs(t, err, ErrRemoteInvocationNotSupported)
		require.NotErrorIs(t, err, ErrUnknownTaskCode)
	}
}

func TestCatalog_DiffBetweenVersions(t *testing.T) {
	assert.Equal(t, []Code{CodeCompleted2pc}, Diff(V0, V1))
	assert.Empty(t, Diff(V1, V1))
	assert.Equal(t, 0, V0.ProtocolVersion())
	assert.Equal(t, 1, V1.ProtocolVersion())
	assert.Same(t, V1, Latest())
}

func TestCatalog_ForVersionAndNegotiate(t *testing.T) {
	c, err := ForVersion(0)
	require.NoError(t, err)
	assert.Same(t, V0, c)

	_, err = ForVersion(2)
	require.ErrorIs(t, err, ErrUnsupportedProtocolVersion)

	v, err := Negotiate(1, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	v, err = Negotiate(1, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	_, err = Negotiate(1, -1)
	require.ErrorIs(t, err, ErrNoCommonProtocolVersion)
}

func TestCatalog_DecodeTxTask(t *testing.T) {
	in := &TxTask{
		TxID:        "tx-1",
		Coordinator: "node1",
		Ops: []IndexOperation{
			{Index: "users.email", Partition: "users_0", Key: "a@x", Op: transaction.OpAdd, Value: "#9:1"},
			{Index: "users.email", Partition: "users_0", Key: "a@x", Op: transaction.OpRemove, Value: "#9:1"},
		},
	}
	payload, err := in.Encode()
	require.NoError(t, err)

	out, err := V1.Decode(int(CodeTx), payload)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestCatalog_DecodeCompletionKeepsPartitionKeysOnlyInV1(t *testing.T) {
	v1 := NewCompletion(1, "tx-2", true, []string{"users_0", "users_1"})
	payload, err := v1.Encode()
	require.NoError(t, err)

	got, err := V1.Decode(int(CodeCompleted2pc), payload)
	require.NoError(t, err)
	c := got.(Completion)
	assert.Equal(t, "tx-2", c.TransactionID())
	assert.True(t, c.Succeeded())
	assert.Equal(t, []string{"users_0", "users_1"}, c.Partitions())

	v0 := NewCompletion(0, "tx-2", false, []string{"ignored"})
	assert.Nil(t, v0.Partitions())
	assert.False(t, v0.Succeeded())
}

func TestCatalog_DecodeMalformedPayload(t *testing.T) {
	_, err := V0.Decode(int(CodeTx), []byte{0xa3, 'a', 'b', 'c'})
	require.ErrorIs(t, err, ErrMalformedPayload)
}

type recordingNode struct {
	prepared  *TxTask
	completed Completion
	opaque    *OpaqueTask
}

func (n *recordingNode) ID() string { return "n1" }

func (n *recordingNode) PrepareTx(_ context.Context, t *TxTask) (*TxResult, error) {
	n.prepared = t
	return &TxResult{TxID: t.TxID, Node: "n1", Applied: len(t.Ops)}, nil
}

func (n *recordingNode) CompleteTx(_ context.Context, c Completion) error {
	n.completed = c
	return nil
}

func (n *recordingNode) HandleOpaque(_ context.Context, t *OpaqueTask) (any, error) {
	n.opaque = t
	return len(t.Payload), nil
}

func TestTasks_ExecuteDispatchesToNode(t *testing.T) {
	ctx := context.Background()
	n := &recordingNode{}

	res, err := (&TxTask{TxID: "tx", Ops: make([]IndexOperation, 2)}).Execute(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, 2, res.(*TxResult).Applied)
	assert.Equal(t, "tx", n.prepared.TxID)

	_, err = NewCompletion(1, "tx", true, nil).Execute(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, "tx", n.completed.TransactionID())

	res, err = NewOpaqueTask(CodeGossip, []byte("hello")).Execute(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, 5, res)
	assert.Equal(t, CodeGossip, n.opaque.Code())
}
