// Package cluster keeps the raft-replicated membership of the cluster: the
// nodes with their task addresses and protocol versions, and the partitions
// with the hash slots they own and the nodes replicating them.
package cluster

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	"go.uber.org/zap"
)

// TotalHashSlots is the fixed number of hash slots keys are spread over.
const TotalHashSlots = 1024

// Command is the unit replicated through the raft log.
type Command struct {
	Op    string `json:"op"`
	Key   string `json:"key"`             // node or partition id
	Value string `json:"value,omitempty"` // JSON encoded NodeInfo or PartitionInfo
}

const (
	OpAddNode         = "add_node"
	OpRemoveNode      = "remove_node"
	OpAssignPartition = "assign_partition"
	OpRemovePartition = "remove_partition"
)

var (
	ErrUnknownOp        = errors.New("unknown cluster command")
	ErrInvalidPartition = errors.New("invalid partition assignment")
	ErrSlotConflict     = errors.New("slot range overlaps another partition")
	ErrNoPartition      = errors.New("no partition owns the key's slot")
)

// NodeInfo describes one member.
type NodeInfo struct {
	ID              string `json:"id"`
	Address         string `json:"address"` // host:port of the task endpoint
	RaftAddress     string `json:"raft_address,omitempty"`
	ProtocolVersion int    `json:"protocol_version"`
}

// PartitionInfo is a contiguous range of hash slots and its replicas.
type PartitionInfo struct {
	ID          string    `json:"id"`
	StartSlot   int       `json:"start_slot"` // inclusive
	EndSlot     int       `json:"end_slot"`   // inclusive
	Replicas    []string  `json:"replicas"`
	LastUpdated time.Time `json:"last_updated"`
}

func (p PartitionInfo) owns(slot int) bool { return slot >= p.StartSlot && slot <= p.EndSlot }

func (p PartitionInfo) validate() error {
	switch {
	case p.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidPartition)
	case p.StartSlot < 0 || p.EndSlot >= TotalHashSlots || p.StartSlot > p.EndSlot:
		return fmt.Errorf("%w: %s slots %d-%d", ErrInvalidPartition, p.ID, p.StartSlot, p.EndSlot)
	case len(p.Replicas) == 0:
		return fmt.Errorf("%w: %s has no replicas", ErrInvalidPartition, p.ID)
	}
	return nil
}

// SlotForKey hashes a key to its slot.
func SlotForKey(key string) int {
	return int(crc32.ChecksumIEEE([]byte(key)) % TotalHashSlots)
}

// FSM implements raft.FSM over the membership state.
type FSM struct {
	mu          sync.RWMutex
	nodes       map[string]NodeInfo
	partitions  map[string]PartitionInfo
	lastApplied uint64
	logger      *zap.Logger
}

var _ raft.FSM = (*FSM)(nil)

func NewFSM(logger *zap.Logger) *FSM {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FSM{
		nodes:      make(map[string]NodeInfo),
		partitions: make(map[string]PartitionInfo),
		logger:     logger.Named("cluster_fsm"),
	}
}

// Apply applies one committed log entry. A rejected command returns its
// error as the response; the state is left unchanged.
func (f *FSM) Apply(entry *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		f.logger.Error("Failed to decode cluster command", zap.Uint64("index", entry.Index), zap.Error(err))
		return fmt.Errorf("decode cluster command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastApplied = entry.Index

	var err error
	switch cmd.Op {
	case OpAddNode:
		err = f.addNode(cmd)
	case OpRemoveNode:
		f.removeNode(cmd.Key)
	case OpAssignPartition:
		err = f.assignPartition(cmd)
	case OpRemovePartition:
		delete(f.partitions, cmd.Key)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownOp, cmd.Op)
	}
	if err != nil {
		f.logger.Warn("Rejected cluster command", zap.String("op", cmd.Op), zap.String("key", cmd.Key), zap.Uint64("index", entry.Index), zap.Error(err))
		return err
	}
	f.logger.Debug("Applied cluster command", zap.String("op", cmd.Op), zap.String("key", cmd.Key), zap.Uint64("index", entry.Index))
	return nil
}

func (f *FSM) addNode(cmd Command) error {
	var info NodeInfo
	if err := json.Unmarshal([]byte(cmd.Value), &info); err != nil {
		return fmt.Errorf("invalid node info for %s: %w", cmd.Key, err)
	}
	if info.ID == "" {
		info.ID = cmd.Key
	}
	if info.ID != cmd.Key || info.Address == "" {
		return fmt.Errorf("invalid node info for %s", cmd.Key)
	}
	f.nodes[info.ID] = info
	return nil
}

// removeNode drops the node and takes it out of every replica set.
func (f *FSM) removeNode(id string) {
	delete(f.nodes, id)
	for pid, p := range f.partitions {
		if i := slices.Index(p.Replicas, id); i >= 0 {
			p.Replicas = slices.Delete(slices.Clone(p.Replicas), i, i+1)
			f.partitions[pid] = p
		}
	}
}

func (f *FSM) assignPartition(cmd Command) error {
	var p PartitionInfo
	if err := json.Unmarshal([]byte(cmd.Value), &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPartition, err)
	}
	if p.ID == "" {
		p.ID = cmd.Key
	}
	if err := p.validate(); err != nil {
		return err
	}
	for id, other := range f.partitions {
		if id != p.ID && p.StartSlot <= other.EndSlot && other.StartSlot <= p.EndSlot {
			return fmt.Errorf("%w: %s and %s", ErrSlotConflict, p.ID, id)
		}
	}
	f.partitions[p.ID] = p
	return nil
}

// Node returns the member with the given id.
func (f *FSM) Node(id string) (NodeInfo, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n, ok := f.nodes[id]
	return n, ok
}

// Nodes returns every member ordered by id.
func (f *FSM) Nodes() []NodeInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]NodeInfo, 0, len(f.nodes))
	for _, n := range f.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *FSM) Partition(id string) (PartitionInfo, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.partitions[id]
	if ok {
		p.Replicas = slices.Clone(p.Replicas)
	}
	return p, ok
}

// Partitions returns every partition ordered by start slot.
func (f *FSM) Partitions() []PartitionInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]PartitionInfo, 0, len(f.partitions))
	for _, p := range f.partitions {
		p.Replicas = slices.Clone(p.Replicas)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartSlot < out[j].StartSlot })
	return out
}

// PartitionForSlot returns the partition owning slot.
func (f *FSM) PartitionForSlot(slot int) (PartitionInfo, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, p := range f.partitions {
		if p.owns(slot) {
			p.Replicas = slices.Clone(p.Replicas)
			return p, true
		}
	}
	return PartitionInfo{}, false
}

func (f *FSM) LastApplied() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastApplied
}

type snapshotData struct {
	Nodes      map[string]NodeInfo      `json:"nodes"`
	Partitions map[string]PartitionInfo `json:"partitions"`
}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	data := snapshotData{
		Nodes:      make(map[string]NodeInfo, len(f.nodes)),
		Partitions: make(map[string]PartitionInfo, len(f.partitions)),
	}
	for id, n := range f.nodes {
		data.Nodes[id] = n
	}
	for id, p := range f.partitions {
		p.Replicas = slices.Clone(p.Replicas)
		data.Partitions[id] = p
	}
	f.logger.Debug("Created cluster snapshot", zap.Uint64("index", f.lastApplied))
	return &fsmSnapshot{data: data, logger: f.logger}, nil
}

func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var data snapshotData
	if err := json.NewDecoder(rc).Decode(&data); err != nil {
		return fmt.Errorf("decode cluster snapshot: %w", err)
	}
	if data.Nodes == nil {
		data.Nodes = make(map[string]NodeInfo)
	}
	if data.Partitions == nil {
		data.Partitions = make(map[string]PartitionInfo)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes = data.Nodes
	f.partitions = data.Partitions
	f.logger.Info("Restored cluster state from snapshot", zap.Int("nodes", len(f.nodes)), zap.Int("partitions", len(f.partitions)))
	return nil
}

type fsmSnapshot struct {
	data   snapshotData
	logger *zap.Logger
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	b, err := json.Marshal(s.data)
	if err == nil {
		_, err = sink.Write(b)
	}
	if err != nil {
		_ = sink.Cancel()
		return fmt.Errorf("persist cluster snapshot: %w", err)
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
