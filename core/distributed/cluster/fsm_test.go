package cluster

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memorySink struct {
	bytes.Buffer
	closed, cancelled bool
}

func (s *memorySink) ID() string { return "mem" }

func (s *memorySink) Close() error {
	s.closed = true
	return nil
}

func (s *memorySink) Cancel() error {
	s.cancelled = true
	return nil
}

type failingSink struct{ memorySink }

func (s *failingSink) Write([]byte) (int, error) { return 0, errors.New("disk full") }

var logIndex uint64

func applyCmd(t *testing.T, f *FSM, op, key string, value any) any {
	t.Helper()
	cmd := Command{Op: op, Key: key}
	if value != nil {
		b, err := json.Marshal(value)
		require.NoError(t, err)
		cmd.Value = string(b)
	}
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	logIndex++
	return f.Apply(&raft.Log{Index: logIndex, Data: data})
}

func seed(t *testing.T) *FSM {
	t.Helper()
	f := NewFSM(zap.NewNop())
	for _, n := range []NodeInfo{
		{ID: "n1", Address: "10.0.0.1:7000", ProtocolVersion: 1},
		{ID: "n2", Address: "10.0.0.2:7000", ProtocolVersion: 1},
		{ID: "n3", Address: "10.0.0.3:7000", ProtocolVersion: 0},
	} {
		require.Nil(t, applyCmd(t, f, OpAddNode, n.ID, n))
	}
	require.Nil(t, applyCmd(t, f, OpAssignPartition, "p1", PartitionInfo{ID: "p1", StartSlot: 0, EndSlot: 511, Replicas: []string{"n1", "n2", "n3"}}))
	require.Nil(t, applyCmd(t, f, OpAssignPartition, "p2", PartitionInfo{ID: "p2", StartSlot: 512, EndSlot: TotalHashSlots - 1, Replicas: []string{"n2", "n3"}}))
	return f
}

func TestFSM_ApplyMembership(t *testing.T) {
	f := seed(t)
	assert.Len(t, f.Nodes(), 3)
	assert.Equal(t, logIndex, f.LastApplied())

	parts := f.Partitions()
	require.Len(t, parts, 2)
	assert.Equal(t, "p1", parts[0].ID)
	assert.Equal(t, "p2", parts[1].ID)

	require.Nil(t, applyCmd(t, f, OpRemoveNode, "n2", nil))
	_, ok := f.Node("n2")
	assert.False(t, ok)
	p1, _ := f.Partition("p1")
	assert.Equal(t, []string{"n1", "n3"}, p1.Replicas)
	p2, _ := f.Partition("p2")
	assert.Equal(t, []string{"n3"}, p2.Replicas)

	require.Nil(t, applyCmd(t, f, OpRemovePartition, "p2", nil))
	_, ok = f.PartitionForSlot(TotalHashSlots - 1)
	assert.False(t, ok)
}

func TestFSM_RejectsInvalidCommands(t *testing.T) {
	f := seed(t)

	tests := []struct {
		name string
		op   string
		key  string
		val  any
		want error
	}{
		{"unknown op", "drop_everything", "x", nil, ErrUnknownOp},
		{"overlap", OpAssignPartition, "p3", PartitionInfo{ID: "p3", StartSlot: 500, EndSlot: 600, Replicas: []string{"n1"}}, ErrSlotConflict},
		{"out of range", OpAssignPartition, "p3", PartitionInfo{ID: "p3", StartSlot: 0, EndSlot: TotalHashSlots, Replicas: []string{"n1"}}, ErrInvalidPartition},
		{"inverted range", OpAssignPartition, "p3", PartitionInfo{ID: "p3", StartSlot: 9, EndSlot: 3, Replicas: []string{"n1"}}, ErrInvalidPartition},
		{"no replicas", OpAssignPartition, "p3", PartitionInfo{ID: "p3", StartSlot: 0, EndSlot: 1}, ErrInvalidPartition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := applyCmd(t, f, tt.op, tt.key, tt.val)
			err, ok := resp.(error)
			require.True(t, ok, "expected an error response, got %v", resp)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	resp := applyCmd(t, f, OpAddNode, "n9", NodeInfo{ID: "n9"})
	assert.Error(t, resp.(error))

	resp = f.Apply(&raft.Log{Index: 99, Data: []byte("{")})
	assert.Error(t, resp.(error))

	// Reassigning a partition to new replicas is not a conflict with itself.
	require.Nil(t, applyCmd(t, f, OpAssignPartition, "p1", PartitionInfo{ID: "p1", StartSlot: 0, EndSlot: 511, Replicas: []string{"n1"}}))
	assert.Len(t, f.Partitions(), 2)
}

func TestFSM_SnapshotRestore(t *testing.T) {
	f := seed(t)
	snap, err := f.Snapshot()
	require.NoError(t, err)

	// Later changes do not leak into an existing snapshot.
	require.Nil(t, applyCmd(t, f, OpRemoveNode, "n1", nil))

	sink := &memorySink{}
	require.NoError(t, snap.Persist(sink))
	snap.Release()
	assert.True(t, sink.closed)

	restored := NewFSM(nil)
	require.NoError(t, restored.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))
	assert.Len(t, restored.Nodes(), 3)
	p1, ok := restored.Partition("p1")
	require.True(t, ok)
	assert.Equal(t, []string{"n1", "n2", "n3"}, p1.Replicas)

	require.Error(t, restored.Restore(io.NopCloser(bytes.NewReader([]byte("not json")))))
}

func TestFSM_PersistCancelsOnWriteError(t *testing.T) {
	snap, err := seed(t).Snapshot()
	require.NoError(t, err)
	sink := &failingSink{}
	require.Error(t, snap.Persist(sink))
	assert.True(t, sink.cancelled)
	assert.False(t, sink.closed)
}

func TestView_Routing(t *testing.T) {
	v := NewView(seed(t))

	for _, key := range []string{"alpha", "beta", "gamma", "delta", "42"} {
		part, err := v.PartitionForKey(key)
		require.NoError(t, err)
		want := "p1"
		if SlotForKey(key) >= 512 {
			want = "p2"
		}
		assert.Equal(t, want, part, key)
	}
	assert.Equal(t, []string{"n1", "n2", "n3"}, v.NodesFor("p1"))
	assert.Nil(t, v.NodesFor("p9"))

	addr, ok := v.Address("n2")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.2:7000", addr)
	_, ok = v.Address("n9")
	assert.False(t, ok)

	ver, ok := v.ProtocolVersion("n3")
	require.True(t, ok)
	assert.Equal(t, 0, ver)
}

func TestView_KeyWithoutPartition(t *testing.T) {
	v := NewView(NewFSM(nil))
	_, err := v.PartitionForKey("k")
	require.ErrorIs(t, err, ErrNoPartition)
}

func TestSlotForKeyIsStable(t *testing.T) {
	assert.Equal(t, SlotForKey("user:1"), SlotForKey("user:1"))
	for _, k := range []string{"", "a", "user:1", "a much longer key with spaces"} {
		s := SlotForKey(k)
		assert.GreaterOrEqual(t, s, 0)
		assert.Less(t, s, TotalHashSlots)
	}
}
