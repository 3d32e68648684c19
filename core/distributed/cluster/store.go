package cluster

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/raft"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var ErrNotLeader = errors.New("not the raft leader")

const defaultApplyTimeout = 5 * time.Second

// Store changes the membership through the raft log. Writes are accepted
// on the leader only.
type Store struct {
	raft         *raft.Raft
	fsm          *FSM
	applyTimeout time.Duration
	logger       *zap.Logger
	closers      []func() error
}

func NewStore(r *raft.Raft, fsm *FSM, applyTimeout time.Duration, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if applyTimeout <= 0 {
		applyTimeout = defaultApplyTimeout
	}
	return &Store{raft: r, fsm: fsm, applyTimeout: applyTimeout, logger: logger.Named("cluster_store")}
}

func (s *Store) FSM() *FSM      { return s.fsm }
func (s *Store) View() *View    { return NewView(s.fsm) }
func (s *Store) IsLeader() bool { return s.raft.State() == raft.Leader }

// Leader returns the raft address of the current leader, if known.
func (s *Store) Leader() string {
	addr, _ := s.raft.LeaderWithID()
	return string(addr)
}

func (s *Store) AddNode(info NodeInfo) error {
	return s.applyJSON(OpAddNode, info.ID, info)
}

func (s *Store) RemoveNode(id string) error {
	return s.apply(Command{Op: OpRemoveNode, Key: id})
}

func (s *Store) AssignPartition(p PartitionInfo) error {
	if p.LastUpdated.IsZero() {
		p.LastUpdated = time.Now().UTC()
	}
	return s.applyJSON(OpAssignPartition, p.ID, p)
}

func (s *Store) RemovePartition(id string) error {
	return s.apply(Command{Op: OpRemovePartition, Key: id})
}

// Join adds a voter to the raft configuration.
func (s *Store) Join(nodeID, raftAddr string) error {
	if !s.IsLeader() {
		return fmt.Errorf("%w: leader is %q", ErrNotLeader, s.Leader())
	}
	if err := s.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(raftAddr), 0, s.applyTimeout).Error(); err != nil {
		return fmt.Errorf("add voter %s (%s): %w", nodeID, raftAddr, err)
	}
	s.logger.Info("Node joined raft cluster", zap.String("node", nodeID), zap.String("raft_addr", raftAddr))
	return nil
}

func (s *Store) Leave(nodeID string) error {
	if !s.IsLeader() {
		return fmt.Errorf("%w: leader is %q", ErrNotLeader, s.Leader())
	}
	if err := s.raft.RemoveServer(raft.ServerID(nodeID), 0, s.applyTimeout).Error(); err != nil {
		return fmt.Errorf("remove server %s: %w", nodeID, err)
	}
	return nil
}

func (s *Store) applyJSON(op, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", op, err)
	}
	return s.apply(Command{Op: op, Key: key, Value: string(b)})
}

func (s *Store) apply(cmd Command) error {
	if !s.IsLeader() {
		return fmt.Errorf("%w: leader is %q", ErrNotLeader, s.Leader())
	}
	b, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode cluster command: %w", err)
	}
	future := s.raft.Apply(b, s.applyTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("apply %s %s: %w", cmd.Op, cmd.Key, err)
	}
	if err, ok := future.Response().(error); ok && err != nil {
		return err
	}
	return nil
}

// Close shuts raft down and releases its stores.
func (s *Store) Close() error {
	err := s.raft.Shutdown().Error()
	for _, c := range s.closers {
		err = multierr.Append(err, c())
	}
	return err
}
