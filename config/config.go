// Package config loads the YAML configuration of a gojodtx node.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sushant-115/gojodtx/core/distributed/repair"
	"github.com/sushant-115/gojodtx/core/distributed/txn"
	"github.com/sushant-115/gojodtx/core/index"
	"github.com/sushant-115/gojodtx/pkg/logger"
	"github.com/sushant-115/gojodtx/pkg/telemetry"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Logger      logger.Config     `yaml:"logger"`
	Telemetry   telemetry.Config  `yaml:"telemetry"`
	Raft        RaftConfig        `yaml:"raft"`
	Transport   TransportConfig   `yaml:"transport"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Repair      repair.Config     `yaml:"repair"`
	Cluster     ClusterConfig     `yaml:"cluster"`
	Indexes     []IndexConfig     `yaml:"indexes"`
}

type NodeConfig struct {
	ID      string `yaml:"id"`
	DataDir string `yaml:"data_dir"`
	// BTreeDegree is the degree of the in-memory index engine.
	BTreeDegree int `yaml:"btree_degree"`
	// OutcomeCacheSize bounds how many finished transactions a replica
	// remembers for duplicate messages.
	OutcomeCacheSize int `yaml:"outcome_cache_size"`
	// HealthAddr serves the gRPC health service; empty disables it.
	HealthAddr string `yaml:"health_addr"`
	// AdminAddr serves the HTTP admin API (transactions, join, cluster
	// state); empty disables it.
	AdminAddr string `yaml:"admin_addr"`
}

// IndexConfig declares an index created at startup unless a persisted
// configuration for it already exists.
type IndexConfig struct {
	Name     string   `yaml:"name"`
	Type     string   `yaml:"type"`
	KeyTypes []string `yaml:"key_types"`
	Clusters []string `yaml:"clusters"`
}

type RaftConfig struct {
	BindAddr       string        `yaml:"bind_addr"`
	Bootstrap      bool          `yaml:"bootstrap"`
	SnapshotRetain int           `yaml:"snapshot_retain"`
	MaxPool        int           `yaml:"max_pool"`
	Timeout        time.Duration `yaml:"timeout"`
	ApplyTimeout   time.Duration `yaml:"apply_timeout"`
}

type TransportConfig struct {
	ListenAddr       string        `yaml:"listen_addr"`
	AdvertiseAddr    string        `yaml:"advertise_addr"`
	CertDir          string        `yaml:"cert_dir"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	MaxBodyBytes     int64         `yaml:"max_body_bytes"`
	MaxConcurrency   int           `yaml:"max_concurrency"`
	VersionCacheSize int           `yaml:"version_cache_size"`
}

type CoordinatorConfig struct {
	PrepareTimeout  time.Duration `yaml:"prepare_timeout"`
	CompleteTimeout time.Duration `yaml:"complete_timeout"`
	// Quorum is "majority", "all" or a replica count.
	Quorum      string `yaml:"quorum"`
	MaxInflight int    `yaml:"max_inflight"`
}

// ClusterConfig seeds the membership when this node bootstraps raft.
type ClusterConfig struct {
	Nodes      []ClusterNode      `yaml:"nodes"`
	Partitions []ClusterPartition `yaml:"partitions"`
}

type ClusterNode struct {
	ID              string `yaml:"id"`
	Address         string `yaml:"address"`
	RaftAddress     string `yaml:"raft_address"`
	ProtocolVersion int    `yaml:"protocol_version"`
}

type ClusterPartition struct {
	ID        string   `yaml:"id"`
	StartSlot int      `yaml:"start_slot"`
	EndSlot   int      `yaml:"end_slot"`
	Replicas  []string `yaml:"replicas"`
}

// Default returns the configuration used for every field the file leaves out.
func Default() Config {
	return Config{
		Node: NodeConfig{
			DataDir:          "./data",
			BTreeDegree:      32,
			OutcomeCacheSize: 4096,
		},
		Logger:    logger.Config{Level: "info", Format: "json", OutputFile: "stdout"},
		Telemetry: telemetry.Config{ServiceName: "gojodtx", TraceSampleRatio: 1},
		Raft: RaftConfig{
			BindAddr:       "127.0.0.1:7100",
			SnapshotRetain: 2,
			MaxPool:        3,
			Timeout:        10 * time.Second,
			ApplyTimeout:   5 * time.Second,
		},
		Transport: TransportConfig{
			ListenAddr:       ":7443",
			RequestTimeout:   5 * time.Second,
			MaxBodyBytes:     16 << 20,
			VersionCacheSize: 256,
		},
		Coordinator: CoordinatorConfig{
			PrepareTimeout:  2 * time.Second,
			CompleteTimeout: 2 * time.Second,
			Quorum:          "majority",
		},
		Repair: repair.Config{
			QueueSize:   1024,
			RatePerSec:  50,
			Burst:       10,
			SendTimeout: 5 * time.Second,
			MaxAttempts: 3,
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg, err := LoadUnvalidated(path)
	if err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// LoadUnvalidated reads path over the defaults, leaving validation to the
// caller so that command-line overrides can be applied first.
func LoadUnvalidated(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return decode(data)
}

func Parse(data []byte) (Config, error) {
	cfg, err := decode(data)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var problems []string
	if c.Node.ID == "" {
		problems = append(problems, "node.id is required")
	}
	if c.Transport.ListenAddr == "" {
		problems = append(problems, "transport.listen_addr is required")
	}
	if c.Transport.CertDir == "" {
		problems = append(problems, "transport.cert_dir is required")
	}
	if c.Raft.BindAddr == "" {
		problems = append(problems, "raft.bind_addr is required")
	}
	if _, err := txn.ParseQuorum(c.Coordinator.Quorum); err != nil {
		problems = append(problems, "coordinator.quorum: "+err.Error())
	}
	if c.Coordinator.PrepareTimeout < 0 || c.Coordinator.CompleteTimeout < 0 {
		problems = append(problems, "coordinator timeouts must not be negative")
	}
	if c.Repair.RatePerSec < 0 {
		problems = append(problems, "repair.rate_per_sec must not be negative")
	}
	seen := make(map[string]bool, len(c.Indexes))
	for _, ix := range c.Indexes {
		if ix.Name == "" || seen[ix.Name] {
			problems = append(problems, fmt.Sprintf("indexes: missing or duplicate name %q", ix.Name))
		}
		seen[ix.Name] = true
		if _, err := index.ParseType(ix.Type); err != nil {
			problems = append(problems, fmt.Sprintf("indexes %s: %v", ix.Name, err))
		}
	}
	nodes := make(map[string]bool, len(c.Cluster.Nodes))
	for _, n := range c.Cluster.Nodes {
		if n.ID == "" || n.Address == "" {
			problems = append(problems, "cluster.nodes entries need id and address")
			continue
		}
		nodes[n.ID] = true
	}
	for _, p := range c.Cluster.Partitions {
		for _, r := range p.Replicas {
			if !nodes[r] {
				problems = append(problems, fmt.Sprintf("cluster.partitions %s: replica %s is not in cluster.nodes", p.ID, r))
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %v", ErrInvalid, problems)
	}
	return nil
}

// Quorum returns the parsed coordinator quorum policy.
func (c Config) Quorum() txn.QuorumPolicy {
	q, err := txn.ParseQuorum(c.Coordinator.Quorum)
	if err != nil {
		return txn.Majority{}
	}
	return q
}
