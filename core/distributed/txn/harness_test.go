package txn

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojodtx/core/distributed/repair"
	"github.com/sushant-115/gojodtx/core/distributed/task"
	"github.com/sushant-115/gojodtx/core/distributed/transport"
	"github.com/sushant-115/gojodtx/core/index"
	"github.com/sushant-115/gojodtx/core/transaction"
)

// staticResolver maps partitions to replicas; keys without an explicit
// partition land in "p1".
type staticResolver map[string][]string

func (r staticResolver) PartitionForKey(string) (string, error) {
	if _, ok := r["p1"]; !ok {
		return "", errors.New("no partitions")
	}
	return "p1", nil
}

func (r staticResolver) NodesFor(partition string) []string { return r[partition] }

var errPoison = errors.New("disk refused value")

// poisonEngine fails every Add of one value.
type poisonEngine struct {
	*index.BTreeEngine
	poison string
}

func (e *poisonEngine) Add(ix, key, value string) (bool, error) {
	if value == e.poison {
		return false, errPoison
	}
	return e.BTreeEngine.Add(ix, key, value)
}

type recordingSink struct {
	mu   sync.Mutex
	incs []repair.Inconsistency
}

func (s *recordingSink) Flag(_ context.Context, inc repair.Inconsistency) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incs = append(s.incs, inc)
	return nil
}

func (s *recordingSink) all() []repair.Inconsistency {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]repair.Inconsistency(nil), s.incs...)
	sort.Slice(out, func(i, j int) bool { return out[i].Node < out[j].Node })
	return out
}

// versionPinned makes a node announce an older protocol version.
type versionPinned struct {
	transport.Handler
	version int
}

func (v versionPinned) ProtocolVersion() int { return v.version }

// dropCompletions fails every completion sent to one node.
type dropCompletions struct {
	transport.Transport
	node string
}

func (d dropCompletions) Send(ctx context.Context, node string, req transport.Request) (transport.Response, error) {
	if node == d.node && req.Code == int(task.CodeCompleted2pc) {
		return transport.Response{}, fmt.Errorf("%w: injected", transport.ErrUnreachable)
	}
	return d.Transport.Send(ctx, node, req)
}

// lostPrepareReply delivers every prepare to one node but reports a timeout
// instead of its reply.
type lostPrepareReply struct {
	transport.Transport
	node string
}

func (l lostPrepareReply) Send(ctx context.Context, node string, req transport.Request) (transport.Response, error) {
	resp, err := l.Transport.Send(ctx, node, req)
	if err == nil && node == l.node && req.Code == int(task.CodeTx) {
		return transport.Response{}, context.DeadlineExceeded
	}
	return resp, err
}

// afterPrepare runs fn once a prepare to node has been answered.
type afterPrepare struct {
	transport.Transport
	node string
	fn   func()
}

func (a afterPrepare) Send(ctx context.Context, node string, req transport.Request) (transport.Response, error) {
	resp, err := a.Transport.Send(ctx, node, req)
	if node == a.node && req.Code == int(task.CodeTx) {
		a.fn()
	}
	return resp, err
}

type testNode struct {
	id      string
	db      *index.Database
	replica *Replica
	node    *Node
}

func (n *testNode) values(t *testing.T, key string) []string {
	t.Helper()
	ix, ok := n.db.Index("tags")
	require.True(t, ok)
	got, err := ix.Get(nil, key)
	require.NoError(t, err)
	return got
}

type nodeSetup struct {
	id      string
	engine  index.Engine
	typ     index.Type
	version int // -1 = latest
}

func setup(id string) nodeSetup { return nodeSetup{id: id, typ: index.TypeNotUnique, version: -1} }

func newTestNode(t *testing.T, s nodeSetup) *testNode {
	t.Helper()
	if s.engine == nil {
		s.engine = index.NewBTreeEngine(8)
	}
	db := index.NewDatabase("db", s.engine, nil, zap.NewNop())
	_, err := db.CreateIndex(index.NewMetadata("tags", nil, nil, s.typ, index.DefaultAlgorithm, index.DefaultValueContainerAlgorithm))
	require.NoError(t, err)
	replica, err := NewReplica(s.id, db, zap.NewNop(), nil, 64)
	require.NoError(t, err)
	return &testNode{id: s.id, db: db, replica: replica, node: NewNode(s.id, replica, nil, zap.NewNop())}
}

func newTestCluster(t *testing.T, setups ...nodeSetup) (*transport.Local, map[string]*testNode) {
	t.Helper()
	tr := transport.NewLocal()
	nodes := make(map[string]*testNode, len(setups))
	for _, s := range setups {
		n := newTestNode(t, s)
		nodes[s.id] = n
		var h transport.Handler = n.node
		if s.version >= 0 {
			h = versionPinned{Handler: n.node, version: s.version}
		}
		tr.Register(s.id, h)
	}
	return tr, nodes
}

func put(partition, key, value string) task.IndexOperation {
	return task.IndexOperation{Index: "tags", Partition: partition, Key: key, Op: transaction.OpAdd, Value: value}
}

// requestsWithCode returns the requests of one code delivered to node.
func requestsWithCode(tr *transport.Local, node string, code task.Code) []transport.Request {
	var out []transport.Request
	for _, r := range tr.Sent(node) {
		if r.Code == int(code) {
			out = append(out, r)
		}
	}
	return out
}

func decodeCompletion(t *testing.T, req transport.Request) task.Completion {
	t.Helper()
	cat, err := task.ForVersion(req.Version)
	require.NoError(t, err)
	rt, err := cat.Decode(req.Code, req.Payload)
	require.NoError(t, err)
	c, ok := rt.(task.Completion)
	require.True(t, ok)
	return c
}

func decodeTx(t *testing.T, req transport.Request) *task.TxTask {
	t.Helper()
	rt, err := task.Latest().Decode(req.Code, req.Payload)
	require.NoError(t, err)
	tx, ok := rt.(*task.TxTask)
	require.True(t, ok)
	return tx
}
