package txn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojodtx/core/distributed/repair"
	"github.com/sushant-115/gojodtx/core/distributed/task"
	"github.com/sushant-115/gojodtx/core/index"
)

// withRepairReceivers rebuilds the nodes of a test cluster so that they
// serve repair tasks against their own replica.
func withRepairReceivers(t *testing.T, setups ...nodeSetup) (map[string]*testNode, map[string]*repair.Receiver, *dropCompletions) {
	t.Helper()
	tr, nodes := newTestCluster(t, setups...)
	receivers := make(map[string]*repair.Receiver, len(nodes))
	for id, n := range nodes {
		rcv := repair.NewReceiver(n.replica, 16, zap.NewNop())
		receivers[id] = rcv
		n.node = NewNode(id, n.replica, rcv, zap.NewNop())
		tr.Register(id, n.node)
	}
	return nodes, receivers, &dropCompletions{Transport: tr, node: "n2"}
}

func TestRepair_UndeliveredCommitIsCompletedByDispatcher(t *testing.T) {
	nodes, receivers, tr := withRepairReceivers(t, setup("n1"), setup("n2"), setup("n3"))

	d := repair.NewDispatcher(repair.Config{RatePerSec: 1000, Burst: 10}, "coord", tr, zap.NewNop(), nil)
	d.Start(context.Background())
	c := testCoordinator(tr, staticResolver{"p1": {"n1", "n2", "n3"}}, d, Config{})

	out, err := c.Execute(context.Background(), []task.IndexOperation{put("p1", "k", "v")})
	require.NoError(t, err)
	require.True(t, out.Committed())

	require.Eventually(t, func() bool {
		dispatched, _ := d.Stats()
		return dispatched == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, d.Close(context.Background()))

	assert.Empty(t, nodes["n2"].replica.Pending())
	st, ok := nodes["n2"].replica.State(out.TxID)
	require.True(t, ok)
	assert.Equal(t, StateCommitted, st)
	assert.Equal(t, []string{"v"}, nodes["n2"].values(t, "k"))
	assert.Empty(t, receivers["n2"].Resync())
}

func TestRepair_MissedCommitIsQueuedForResync(t *testing.T) {
	n3 := setup("n3")
	n3.engine = &poisonEngine{BTreeEngine: index.NewBTreeEngine(8), poison: "v"}
	_, receivers, tr := withRepairReceivers(t, setup("n1"), setup("n2"), n3)

	d := repair.NewDispatcher(repair.Config{}, "coord", tr.Transport, zap.NewNop(), nil)
	d.Start(context.Background())
	c := testCoordinator(tr.Transport, staticResolver{"p1": {"n1", "n2", "n3"}}, d, Config{})

	out, err := c.Execute(context.Background(), []task.IndexOperation{put("p1", "k", "v")})
	require.NoError(t, err)
	require.True(t, out.Committed())

	require.Eventually(t, func() bool { return len(receivers["n3"].Resync()) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, d.Close(context.Background()))
	req := receivers["n3"].Resync()[0]
	assert.Equal(t, out.TxID, req.TxID)
	assert.Equal(t, repair.ReasonMissedCommit, req.Reason)
	assert.True(t, req.Committed)
}
