package txn

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojodtx/core/distributed/task"
	"github.com/sushant-115/gojodtx/core/distributed/transport"
)

func TestNode_RejectsUnknownAndLocalOnlyCodesDistinctly(t *testing.T) {
	n := newTestNode(t, setup("n1")).node
	ctx := context.Background()

	tests := []struct {
		name     string
		req      transport.Request
		kind     Kind
		sentinel error
	}{
		{"local only", transport.Request{Version: 1, Code: int(task.CodeUnreachableServer)}, KindRemoteNotSupported, task.ErrRemoteInvocationNotSupported},
		{"local only at v0", transport.Request{Version: 0, Code: int(task.CodeUnreachableServer)}, KindRemoteNotSupported, task.ErrRemoteInvocationNotSupported},
		{"unknown code", transport.Request{Version: 1, Code: 99}, KindUnknownTask, task.ErrUnknownTaskCode},
		{"negative code", transport.Request{Version: 0, Code: -1}, KindUnknownTask, task.ErrUnknownTaskCode},
		{"future version", transport.Request{Version: 7, Code: int(task.CodeTx)}, KindVersionMismatch, task.ErrUnsupportedProtocolVersion},
		{"malformed payload", transport.Request{Version: 1, Code: int(task.CodeTx), Payload: []byte{0xa3, 'a', 'b', 'c'}}, KindProtocol, ErrProtocol},
		{"no opaque handler", transport.Request{Version: 1, Code: int(task.CodeGossip)}, KindProtocol, ErrProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := n.Handle(ctx, tt.req)
			require.NotNil(t, resp.Failure)
			assert.Equal(t, string(tt.kind), resp.Failure.Kind)
			assert.False(t, resp.Failure.Transient)

			f := fromWire(resp.Failure, "n1", PhasePrepare)
			assert.Equal(t, tt.kind, f.Kind)
			assert.True(t, errors.Is(f, tt.sentinel), f.Error())
		})
	}
}

func TestNode_UnknownAndLocalOnlyAreNotConfused(t *testing.T) {
	n := newTestNode(t, setup("n1")).node
	local := fromWire(n.Handle(context.Background(), transport.Request{Version: 1, Code: 28}).Failure, "n1", PhasePrepare)
	unknown := fromWire(n.Handle(context.Background(), transport.Request{Version: 1, Code: 30}).Failure, "n1", PhasePrepare)

	assert.False(t, errors.Is(local, task.ErrUnknownTaskCode))
	assert.False(t, errors.Is(unknown, task.ErrRemoteInvocationNotSupported))
}

func TestNode_DispatchesOpaqueTasks(t *testing.T) {
	tn := newTestNode(t, setup("n1"))
	var got []byte
	n := NewNode("n1", tn.replica, OpaqueHandlerFunc(func(_ context.Context, ot *task.OpaqueTask) (any, error) {
		got = ot.Payload
		return map[string]string{"status": "ok", "task": ot.Name()}, nil
	}), zap.NewNop())

	resp := n.Handle(context.Background(), transport.Request{Version: 1, Code: int(task.CodeGossip), Payload: []byte("ping")})
	require.Nil(t, resp.Failure)
	assert.Equal(t, "ping", string(got))

	var out map[string]string
	require.NoError(t, task.Unmarshal(resp.Payload, &out))
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, task.CodeGossip.String(), out["task"])
}

func TestNode_PrepareRoundTripThroughHandle(t *testing.T) {
	tn := newTestNode(t, setup("n1"))
	payload, err := (&task.TxTask{TxID: "tx-1", Coordinator: "c", Ops: []task.IndexOperation{put("p1", "k", "v")}}).Encode()
	require.NoError(t, err)

	resp := tn.node.Handle(context.Background(), transport.Request{Version: 1, Code: int(task.CodeTx), TxID: "tx-1", Payload: payload})
	require.Nil(t, resp.Failure)
	var res task.TxResult
	require.NoError(t, task.Unmarshal(resp.Payload, &res))
	assert.Equal(t, "tx-1", res.TxID)
	assert.Equal(t, "n1", res.Node)
	assert.Equal(t, 1, res.Applied)

	comp, err := task.NewCompletion(1, "tx-1", true, []string{"p1"}).Encode()
	require.NoError(t, err)
	resp = tn.node.Handle(context.Background(), transport.Request{Version: 1, Code: int(task.CodeCompleted2pc), Payload: comp})
	require.Nil(t, resp.Failure)
	assert.Nil(t, resp.Payload)
	assert.Equal(t, []string{"v"}, tn.values(t, "k"))
}
