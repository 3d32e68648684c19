package cluster

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/zap"
)

// RaftConfig configures the membership raft group of one node.
type RaftConfig struct {
	NodeID         string
	BindAddr       string
	Dir            string
	Bootstrap      bool
	SnapshotRetain int
	MaxPool        int
	Timeout        time.Duration
	ApplyTimeout   time.Duration
}

func (c *RaftConfig) setDefaults() {
	if c.SnapshotRetain <= 0 {
		c.SnapshotRetain = 2
	}
	if c.MaxPool <= 0 {
		c.MaxPool = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

// StartRaft opens the bolt log store and the snapshot store under
// cfg.Dir, starts the TCP transport and the raft node, and bootstraps a
// single-voter cluster when asked to.
func StartRaft(cfg RaftConfig, fsm *FSM, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.setDefaults()
	hlog := NewRaftLogger(logger.Named("raft"))

	conf := raft.DefaultConfig()
	conf.LocalID = raft.ServerID(cfg.NodeID)
	conf.Logger = hlog

	dir := filepath.Join(cfg.Dir, cfg.NodeID, "raft_meta")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create raft directory %s: %w", dir, err)
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve raft address %s: %w", cfg.BindAddr, err)
	}
	var advertise net.Addr = addr
	if addr.Port == 0 {
		advertise = nil // advertise whatever port the listener got
	}
	trans, err := raft.NewTCPTransportWithLogger(cfg.BindAddr, advertise, cfg.MaxPool, cfg.Timeout, hlog.Named("transport"))
	if err != nil {
		return nil, fmt.Errorf("create raft transport: %w", err)
	}
	snapshots, err := raft.NewFileSnapshotStoreWithLogger(dir, cfg.SnapshotRetain, hlog.Named("snapshots"))
	if err != nil {
		_ = trans.Close()
		return nil, fmt.Errorf("create snapshot store at %s: %w", dir, err)
	}
	boltPath := filepath.Join(dir, "raft.db")
	bolt, err := raftboltdb.NewBoltStore(boltPath)
	if err != nil {
		_ = trans.Close()
		return nil, fmt.Errorf("create bolt store at %s: %w", boltPath, err)
	}

	r, err := raft.NewRaft(conf, fsm, bolt, bolt, snapshots, trans)
	if err != nil {
		_ = bolt.Close()
		_ = trans.Close()
		return nil, fmt.Errorf("create raft node: %w", err)
	}

	if cfg.Bootstrap {
		existing, err := raft.HasExistingState(bolt, bolt, snapshots)
		if err != nil {
			logger.Warn("Could not inspect raft state before bootstrap", zap.Error(err))
		}
		if !existing {
			boot := raft.Configuration{Servers: []raft.Server{{ID: conf.LocalID, Address: trans.LocalAddr()}}}
			if err := r.BootstrapCluster(boot).Error(); err != nil {
				_ = r.Shutdown().Error()
				_ = bolt.Close()
				return nil, fmt.Errorf("bootstrap raft cluster: %w", err)
			}
			logger.Info("Bootstrapped raft cluster", zap.String("node", cfg.NodeID), zap.String("raft_addr", string(trans.LocalAddr())))
		}
	}

	store := NewStore(r, fsm, cfg.ApplyTimeout, logger)
	store.closers = append(store.closers, bolt.Close)
	return store, nil
}
