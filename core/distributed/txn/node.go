package txn

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/gojodtx/core/distributed/task"
	"github.com/sushant-115/gojodtx/core/distributed/transport"
)

// OpaqueHandler serves the task kinds whose bodies this layer does not
// interpret.
type OpaqueHandler interface {
	HandleOpaque(ctx context.Context, t *task.OpaqueTask) (any, error)
}

// OpaqueHandlerFunc adapts a function to OpaqueHandler.
type OpaqueHandlerFunc func(ctx context.Context, t *task.OpaqueTask) (any, error)

func (f OpaqueHandlerFunc) HandleOpaque(ctx context.Context, t *task.OpaqueTask) (any, error) {
	return f(ctx, t)
}

// Node receives tasks from peers: it decodes each request with the catalog
// of the request's protocol version and executes the task against the local
// replica.
type Node struct {
	id      string
	catalog *task.Catalog
	replica *Replica
	opaque  OpaqueHandler
	logger  *zap.Logger
}

var (
	_ task.Node         = (*Node)(nil)
	_ transport.Handler = (*Node)(nil)
)

func NewNode(id string, replica *Replica, opaque OpaqueHandler, logger *zap.Logger) *Node {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Node{
		id:      id,
		catalog: task.Latest(),
		replica: replica,
		opaque:  opaque,
		logger:  logger.Named("node").With(zap.String("node", id)),
	}
}

func (n *Node) ID() string             { return n.id }
func (n *Node) ProtocolVersion() int   { return n.catalog.ProtocolVersion() }
func (n *Node) Replica() *Replica      { return n.replica }
func (n *Node) Catalog() *task.Catalog { return n.catalog }

func (n *Node) PrepareTx(ctx context.Context, t *task.TxTask) (*task.TxResult, error) {
	return n.replica.Prepare(ctx, t)
}

func (n *Node) CompleteTx(ctx context.Context, c task.Completion) error {
	return n.replica.Complete(ctx, c)
}

func (n *Node) HandleOpaque(ctx context.Context, t *task.OpaqueTask) (any, error) {
	if n.opaque == nil {
		return nil, &Failure{Kind: KindProtocol, Node: n.id, Err: fmt.Errorf("%w: no handler for %s", ErrProtocol, t.Name())}
	}
	return n.opaque.HandleOpaque(ctx, t)
}

// Handle serves one transport request.
func (n *Node) Handle(ctx context.Context, req transport.Request) transport.Response {
	log := n.logger.With(zap.Int("code", req.Code), zap.Int("version", req.Version), zap.String("from", req.From))
	if req.TxID != "" {
		log = log.With(zap.String("tx_id", req.TxID))
	}

	if req.Version > n.ProtocolVersion() {
		err := fmt.Errorf("%w: peer sent v%d, this node speaks up to v%d", task.ErrUnsupportedProtocolVersion, req.Version, n.ProtocolVersion())
		log.Warn("Rejected request", zap.Error(err))
		return transport.Response{Failure: toWire(err)}
	}
	catalog, err := task.ForVersion(req.Version)
	if err != nil {
		log.Warn("Rejected request", zap.Error(err))
		return transport.Response{Failure: toWire(err)}
	}
	t, err := catalog.Decode(req.Code, req.Payload)
	if err != nil {
		log.Warn("Rejected task", zap.Error(err))
		return transport.Response{Failure: toWire(err)}
	}

	result, err := t.Execute(ctx, n)
	if err != nil {
		log.Debug("Task failed", zap.String("task", t.Name()), zap.Error(err))
		return transport.Response{Failure: toWire(err)}
	}
	if result == nil {
		return transport.Response{}
	}
	payload, err := task.Marshal(result)
	if err != nil {
		log.Error("Failed to encode task result", zap.String("task", t.Name()), zap.Error(err))
		return transport.Response{Failure: toWire(fmt.Errorf("%w: %v", ErrProtocol, err))}
	}
	return transport.Response{Payload: payload}
}
