package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/sushant-115/gojodtx/core/distributed/cluster"
	"github.com/sushant-115/gojodtx/core/distributed/task"
	"github.com/sushant-115/gojodtx/core/distributed/txn"
	"github.com/sushant-115/gojodtx/core/index"
	"github.com/sushant-115/gojodtx/core/transaction"
)

type txExecutor interface {
	Execute(ctx context.Context, ops []task.IndexOperation) (*txn.Outcome, error)
}

type membership interface {
	Join(nodeID, raftAddr string) error
	IsLeader() bool
	FSM() *cluster.FSM
}

// adminAPI is the HTTP surface of a node: clients submit transactions here
// and operators inspect and grow the cluster.
type adminAPI struct {
	nodeID      string
	coordinator txExecutor
	members     membership
	db          *index.Database
	logger      *zap.Logger
}

func (a *adminAPI) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/tx", a.handleTx)
	mux.HandleFunc("/index", a.handleIndexGet)
	mux.HandleFunc("/cluster", a.handleCluster)
	mux.HandleFunc("/raft/join", a.handleJoin)
	return mux
}

type txOp struct {
	Index     string `json:"index"`
	Partition string `json:"partition,omitempty"`
	Key       string `json:"key"`
	Op        string `json:"op"`
	Value     string `json:"value,omitempty"`
}

type txRequest struct {
	Ops []txOp `json:"ops"`
}

type txVote struct {
	Node       string   `json:"node"`
	Partitions []string `json:"partitions"`
	Applied    bool     `json:"applied"`
	Failure    string   `json:"failure,omitempty"`
}

type txResponse struct {
	TxID     string   `json:"tx_id"`
	State    string   `json:"state"`
	Votes    []txVote `json:"votes"`
	Failures []string `json:"failures,omitempty"`
	Error    string   `json:"error,omitempty"`
}

func (a *adminAPI) handleTx(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req txRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
		return
	}
	ops := make([]task.IndexOperation, 0, len(req.Ops))
	for _, o := range req.Ops {
		op, err := transaction.ParseOp(o.Op)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ops = append(ops, task.IndexOperation{Index: o.Index, Partition: o.Partition, Key: o.Key, Op: op, Value: o.Value})
	}

	out, err := a.coordinator.Execute(r.Context(), ops)
	resp := txResponse{TxID: out.TxID, State: out.State.String()}
	for _, v := range out.Votes {
		tv := txVote{Node: v.Node, Partitions: v.Partitions, Applied: v.Applied}
		if v.Failure != nil {
			tv.Failure = v.Failure.Error()
		}
		resp.Votes = append(resp.Votes, tv)
	}
	for _, f := range out.Failures {
		resp.Failures = append(resp.Failures, f.Error())
	}

	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status = http.StatusConflict
		if errors.Is(err, txn.ErrNoOperations) || errors.Is(err, txn.ErrNoReplicas) || errors.Is(err, cluster.ErrNoPartition) {
			status = http.StatusBadRequest
		}
	}
	writeJSON(w, status, resp, a.logger)
}

func (a *adminAPI) handleIndexGet(w http.ResponseWriter, r *http.Request) {
	name, key := r.URL.Query().Get("name"), r.URL.Query().Get("key")
	ix, ok := a.db.Index(name)
	if !ok {
		http.Error(w, "unknown index "+name, http.StatusNotFound)
		return
	}
	values, err := ix.Get(nil, key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"index": name, "key": key, "values": values}, a.logger)
}

func (a *adminAPI) handleCluster(w http.ResponseWriter, _ *http.Request) {
	fsm := a.members.FSM()
	writeJSON(w, http.StatusOK, map[string]any{
		"node":       a.nodeID,
		"leader":     a.members.IsLeader(),
		"nodes":      fsm.Nodes(),
		"partitions": fsm.Partitions(),
	}, a.logger)
}

func (a *adminAPI) handleJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	nodeID, raftAddr := r.URL.Query().Get("nodeId"), r.URL.Query().Get("raftAddr")
	if nodeID == "" || raftAddr == "" {
		http.Error(w, "nodeId and raftAddr are required", http.StatusBadRequest)
		return
	}
	if err := a.members.Join(nodeID, raftAddr); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, cluster.ErrNotLeader) {
			status = http.StatusForbidden
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to write response", zap.Error(err))
	}
}
