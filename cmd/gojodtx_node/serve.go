package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sushant-115/gojodtx/config"
	"github.com/sushant-115/gojodtx/config/certs"
	"github.com/sushant-115/gojodtx/core/distributed/cluster"
	"github.com/sushant-115/gojodtx/core/distributed/repair"
	"github.com/sushant-115/gojodtx/core/distributed/task"
	"github.com/sushant-115/gojodtx/core/distributed/transport"
	"github.com/sushant-115/gojodtx/core/distributed/txn"
	"github.com/sushant-115/gojodtx/core/index"
	"github.com/sushant-115/gojodtx/core/index/keylock"
	internaltelemetry "github.com/sushant-115/gojodtx/internal/telemetry"
	"github.com/sushant-115/gojodtx/pkg/logger"
	"github.com/sushant-115/gojodtx/pkg/telemetry"
)

const shutdownTimeout = 15 * time.Second

var _ txn.Resolver = (*cluster.View)(nil)

// closers runs shutdown steps in reverse registration order.
type closers []func(ctx context.Context) error

func (c *closers) add(fn func(ctx context.Context) error) { *c = append(*c, fn) }

func (c closers) close(ctx context.Context) error {
	var err error
	for i := len(c) - 1; i >= 0; i-- {
		err = multierr.Append(err, c[i](ctx))
	}
	return err
}

func runServe(parent context.Context, cfg config.Config) (err error) {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	base, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = base.Sync() }()
	log := base.With(zap.String("node", cfg.Node.ID))

	var cleanup closers
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if cerr := cleanup.close(sctx); cerr != nil {
			log.Error("Shutdown finished with errors", zap.Error(cerr))
			err = multierr.Append(err, cerr)
		}
		log.Info("Node stopped")
	}()

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry, log)
	if err != nil {
		return err
	}
	cleanup.add(shutdownTelemetry)
	metrics, err := internaltelemetry.NewTxnMetrics(tel.Meter)
	if err != nil {
		return err
	}

	locks := keylock.New(keylock.WithWaitObserver(metrics.LockWait))
	db := index.NewDatabase(cfg.Node.ID, index.NewBTreeEngine(cfg.Node.BTreeDegree), locks, log)
	if err := loadIndexes(db, filepath.Join(cfg.Node.DataDir, cfg.Node.ID, "indexes"), cfg.Indexes, log); err != nil {
		return err
	}
	replica, err := txn.NewReplica(cfg.Node.ID, db, log, metrics, cfg.Node.OutcomeCacheSize)
	if err != nil {
		return err
	}
	node := txn.NewNode(cfg.Node.ID, replica, repair.NewReceiver(replica, 0, log), log)

	serverTLS, clientTLS, err := certs.LoadDir(cfg.Transport.CertDir)
	if err != nil {
		return err
	}
	server, err := transport.NewServer(transport.ServerConfig{
		Addr:           cfg.Transport.ListenAddr,
		TLS:            serverTLS,
		MaxBodyBytes:   cfg.Transport.MaxBodyBytes,
		MaxConcurrency: cfg.Transport.MaxConcurrency,
	}, node, log)
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return err
	}
	cleanup.add(server.Close)

	store, err := cluster.StartRaft(cluster.RaftConfig{
		NodeID:         cfg.Node.ID,
		BindAddr:       cfg.Raft.BindAddr,
		Dir:            cfg.Node.DataDir,
		Bootstrap:      cfg.Raft.Bootstrap,
		SnapshotRetain: cfg.Raft.SnapshotRetain,
		MaxPool:        cfg.Raft.MaxPool,
		Timeout:        cfg.Raft.Timeout,
		ApplyTimeout:   cfg.Raft.ApplyTimeout,
	}, cluster.NewFSM(log), log)
	if err != nil {
		return err
	}
	cleanup.add(func(context.Context) error { return store.Close() })
	view := store.View()

	advertise := cfg.Transport.AdvertiseAddr
	if advertise == "" {
		advertise = server.Addr()
	}
	if cfg.Raft.Bootstrap {
		go func() {
			if err := seedMembership(ctx, store, cfg, advertise, log); err != nil {
				log.Error("Failed to seed cluster membership", zap.Error(err))
			}
		}()
	}

	peers := transport.NewPeerManager(clientTLS, nil, cfg.Transport.RequestTimeout)
	versions, err := transport.NewVersionCache(cfg.Transport.VersionCacheSize)
	if err != nil {
		return err
	}
	h3 := transport.NewHTTP3Transport(peers, view, versions, log)
	cleanup.add(func(context.Context) error { return h3.Close() })

	dispatcher := repair.NewDispatcher(cfg.Repair, cfg.Node.ID, h3, log, metrics)
	dispatcher.Start(context.Background())
	cleanup.add(dispatcher.Close)

	coordinator := txn.NewCoordinator(txn.Config{
		NodeID:          cfg.Node.ID,
		PrepareTimeout:  cfg.Coordinator.PrepareTimeout,
		CompleteTimeout: cfg.Coordinator.CompleteTimeout,
		Quorum:          cfg.Quorum(),
		MaxInflight:     cfg.Coordinator.MaxInflight,
	}, h3, view,
		txn.WithRepairSink(dispatcher),
		txn.WithLogger(log),
		txn.WithMetrics(metrics),
		txn.WithTracer(tel.Tracer),
	)

	if cfg.Node.HealthAddr != "" {
		stopHealth, err := startHealth(cfg.Node.HealthAddr, log)
		if err != nil {
			return err
		}
		cleanup.add(stopHealth)
	}
	if cfg.Node.AdminAddr != "" {
		api := &adminAPI{nodeID: cfg.Node.ID, coordinator: coordinator, members: store, db: db, logger: log.Named("admin")}
		mux := api.routes()
		if h := tel.MetricsHandler(); h != nil {
			mux.Handle("/metrics", h)
		}
		stopAdmin, err := startHTTP(cfg.Node.AdminAddr, mux, log)
		if err != nil {
			return err
		}
		cleanup.add(stopAdmin)
	}

	log.Info("Node started",
		zap.String("tasks_addr", server.Addr()),
		zap.String("raft_addr", cfg.Raft.BindAddr),
		zap.Int("protocol_version", node.ProtocolVersion()))
	<-ctx.Done()
	log.Info("Shutdown signal received")
	return nil
}

// seedMembership waits for leadership and writes the configured nodes and
// partitions, then adds the other nodes as raft voters.
func seedMembership(ctx context.Context, store *cluster.Store, cfg config.Config, advertise string, log *zap.Logger) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for !store.IsLeader() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	self := cluster.NodeInfo{ID: cfg.Node.ID, Address: advertise, RaftAddress: cfg.Raft.BindAddr, ProtocolVersion: task.Latest().ProtocolVersion()}
	nodes := []cluster.NodeInfo{self}
	for _, n := range cfg.Cluster.Nodes {
		if n.ID == cfg.Node.ID {
			continue
		}
		nodes = append(nodes, cluster.NodeInfo{ID: n.ID, Address: n.Address, RaftAddress: n.RaftAddress, ProtocolVersion: n.ProtocolVersion})
	}
	for _, n := range nodes {
		if err := store.AddNode(n); err != nil {
			return fmt.Errorf("add node %s: %w", n.ID, err)
		}
	}
	for _, p := range cfg.Cluster.Partitions {
		info := cluster.PartitionInfo{ID: p.ID, StartSlot: p.StartSlot, EndSlot: p.EndSlot, Replicas: p.Replicas}
		if err := store.AssignPartition(info); err != nil {
			return fmt.Errorf("assign partition %s: %w", p.ID, err)
		}
	}
	var err error
	for _, n := range nodes[1:] {
		if n.RaftAddress == "" {
			continue
		}
		err = multierr.Append(err, store.Join(n.ID, n.RaftAddress))
	}
	log.Info("Seeded cluster membership", zap.Int("nodes", len(nodes)), zap.Int("partitions", len(cfg.Cluster.Partitions)))
	return err
}

func startHealth(addr string, log *zap.Logger) (func(context.Context) error, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen for health on %s: %w", addr, err)
	}
	srv := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error("Health server stopped", zap.Error(err))
		}
	}()
	return func(context.Context) error {
		hs.Shutdown()
		srv.GracefulStop()
		return nil
	}, nil
}

func startHTTP(addr string, h http.Handler, log *zap.Logger) (func(context.Context) error, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen for admin API on %s: %w", addr, err)
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Admin server stopped", zap.Error(err))
		}
	}()
	log.Info("Serving admin API", zap.String("addr", lis.Addr().String()))
	return srv.Shutdown, nil
}
