// Package txn drives distributed transactions with two-phase commit. The
// coordinator sends each participant the operations of the partitions it
// replicates, counts votes per partition against a quorum policy, then
// commits everywhere or rolls back the participants that applied.
package txn

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sushant-115/gojodtx/core/distributed/repair"
	"github.com/sushant-115/gojodtx/core/distributed/task"
	"github.com/sushant-115/gojodtx/core/distributed/transport"
	internaltelemetry "github.com/sushant-115/gojodtx/internal/telemetry"
)

// Resolver maps keys to partitions and partitions to the nodes replicating them.
type Resolver interface {
	PartitionForKey(key string) (string, error)
	NodesFor(partition string) []string
}

// Config tunes a Coordinator.
type Config struct {
	NodeID          string
	PrepareTimeout  time.Duration
	CompleteTimeout time.Duration
	Quorum          QuorumPolicy
	MaxInflight     int // concurrent dispatches per transaction; 0 = unlimited
}

func (c *Config) setDefaults() {
	if c.PrepareTimeout <= 0 {
		c.PrepareTimeout = 2 * time.Second
	}
	if c.CompleteTimeout <= 0 {
		c.CompleteTimeout = 2 * time.Second
	}
	if c.Quorum == nil {
		c.Quorum = Majority{}
	}
}

// Vote is one participant's answer to PREPARE.
type Vote struct {
	Node       string
	Partitions []string
	Version    int
	Applied    bool
	Effective  int
	Failure    *Failure
	Latency    time.Duration
}

// Outcome is the result of one distributed transaction.
type Outcome struct {
	TxID  string
	State State
	Votes []Vote
	// PartitionKeys lists, per participant, the partitions it took part in.
	PartitionKeys map[string][]string
	// Failures raised while dispatching the decision.
	Failures []*Failure
}

func (o *Outcome) Committed() bool { return o.State == StateCommitted }

// Vote returns the vote of node.
func (o *Outcome) Vote(node string) (Vote, bool) {
	for _, v := range o.Votes {
		if v.Node == node {
			return v, true
		}
	}
	return Vote{}, false
}

type participant struct {
	node       string
	partitions []string
	ops        []task.IndexOperation
	vote       Vote
	negotiated bool
	// dispatched is set once the prepare request left this node; answered
	// once the participant replied to it, successfully or not.
	dispatched bool
	answered   bool
}

// mayHaveApplied reports whether the participant could hold the prepared
// changes: it applied, or the prepare went out and no reply came back.
func (pt *participant) mayHaveApplied() bool {
	return pt.vote.Applied || (pt.dispatched && !pt.answered)
}

type plan struct {
	participants []*participant
	replicas     map[string][]string // partition -> nodes
}

// Coordinator runs the coordinator side of two-phase commit.
type Coordinator struct {
	cfg          Config
	transport    transport.Transport
	resolver     Resolver
	repair       repair.Sink
	logger       *zap.Logger
	metrics      *internaltelemetry.TxnMetrics
	tracer       trace.Tracer
	localVersion int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithRepairSink(s repair.Sink) Option { return func(c *Coordinator) { c.repair = s } }

func WithLogger(l *zap.Logger) Option { return func(c *Coordinator) { c.logger = l } }

func WithMetrics(m *internaltelemetry.TxnMetrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func WithTracer(t trace.Tracer) Option { return func(c *Coordinator) { c.tracer = t } }

func NewCoordinator(cfg Config, tr transport.Transport, resolver Resolver, opts ...Option) *Coordinator {
	cfg.setDefaults()
	c := &Coordinator{
		cfg:          cfg,
		transport:    tr,
		resolver:     resolver,
		logger:       zap.NewNop(),
		tracer:       otel.Tracer("github.com/sushant-115/gojodtx/core/distributed/txn"),
		localVersion: task.Latest().ProtocolVersion(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("coordinator").With(zap.String("node", cfg.NodeID))
	return c
}

// Execute runs ops as one distributed transaction. The returned Outcome is
// always non-nil; a rolled-back transaction also returns an error wrapping
// ErrRolledBack and the cause of the rollback.
func (c *Coordinator) Execute(ctx context.Context, ops []task.IndexOperation) (*Outcome, error) {
	txID := uuid.NewString()
	ctx, span := c.tracer.Start(ctx, "txn.Execute", trace.WithAttributes(
		attribute.String("tx_id", txID),
		attribute.Int("ops", len(ops)),
	))
	defer span.End()
	c.metrics.TxStarted(ctx)

	log := c.logger.With(zap.String("tx_id", txID))
	machine := NewMachine(txID)
	out := &Outcome{TxID: txID, State: StateInit}

	p, err := c.plan(ops)
	if err != nil {
		return c.finish(ctx, span, log, machine, out, StateRolledBack, err)
	}
	out.PartitionKeys = make(map[string][]string, len(p.participants))
	for _, pt := range p.participants {
		out.PartitionKeys[pt.node] = slices.Clone(pt.partitions)
	}

	c.prepare(ctx, txID, p)
	if err := machine.Transition(StatePrepared); err != nil {
		return c.finish(ctx, span, log, machine, out, StateRolledBack, err)
	}
	for _, pt := range p.participants {
		out.Votes = append(out.Votes, pt.vote)
	}
	span.AddEvent("prepared", trace.WithAttributes(attribute.Int("participants", len(p.participants))))

	// The decision must reach participants even if the caller gave up.
	dctx := context.WithoutCancel(ctx)
	commit, cause := c.decide(p)
	if commit {
		out.Failures = c.complete(dctx, txID, p, true)
		return c.finish(ctx, span, log, machine, out, StateCommitted, nil)
	}
	out.Failures = c.complete(dctx, txID, p, false)
	return c.finish(ctx, span, log, machine, out, StateRolledBack, cause)
}

func (c *Coordinator) finish(ctx context.Context, span trace.Span, log *zap.Logger, m *Machine, out *Outcome, state State, cause error) (*Outcome, error) {
	if err := m.Transition(state); err != nil {
		log.Error("Illegal transition", zap.Error(err))
	}
	out.State = m.State()
	span.SetAttributes(attribute.String("state", out.State.String()))

	if out.State == StateCommitted {
		c.metrics.TxFinished(ctx, "committed")
		log.Info("Transaction committed", zap.Int("participants", len(out.Votes)), zap.Int("decision_failures", len(out.Failures)))
		return out, nil
	}
	c.metrics.TxFinished(ctx, "rolled_back")
	err := fmt.Errorf("%w: tx %s", ErrRolledBack, out.TxID)
	if cause != nil {
		err = fmt.Errorf("%w: tx %s: %w", ErrRolledBack, out.TxID, cause)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "rolled back")
	log.Warn("Transaction rolled back", zap.Error(err))
	return out, err
}

// plan groups ops by partition and assigns every partition's ops to each of
// its replicas.
func (c *Coordinator) plan(ops []task.IndexOperation) (*plan, error) {
	if len(ops) == 0 {
		return nil, ErrNoOperations
	}
	byPartition := make(map[string][]task.IndexOperation)
	var order []string
	for _, op := range ops {
		if op.Partition == "" {
			part, err := c.resolver.PartitionForKey(op.Key)
			if err != nil {
				return nil, fmt.Errorf("resolve partition of key %q: %w", op.Key, err)
			}
			op.Partition = part
		}
		if _, ok := byPartition[op.Partition]; !ok {
			order = append(order, op.Partition)
		}
		byPartition[op.Partition] = append(byPartition[op.Partition], op)
	}
	sort.Strings(order)

	p := &plan{replicas: make(map[string][]string, len(order))}
	byNode := make(map[string]*participant)
	for _, part := range order {
		nodes := c.resolver.NodesFor(part)
		if len(nodes) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNoReplicas, part)
		}
		p.replicas[part] = nodes
		for _, node := range nodes {
			pt, ok := byNode[node]
			if !ok {
				pt = &participant{node: node}
				byNode[node] = pt
				p.participants = append(p.participants, pt)
			}
			pt.partitions = append(pt.partitions, part)
			pt.ops = append(pt.ops, byPartition[part]...)
		}
	}
	sort.Slice(p.participants, func(i, j int) bool { return p.participants[i].node < p.participants[j].node })
	for _, pt := range p.participants {
		pt.vote = Vote{Node: pt.node, Partitions: pt.partitions}
	}
	return p, nil
}

func (c *Coordinator) group() *errgroup.Group {
	g := &errgroup.Group{}
	if c.cfg.MaxInflight > 0 {
		g.SetLimit(c.cfg.MaxInflight)
	}
	return g
}

func (c *Coordinator) prepare(ctx context.Context, txID string, p *plan) {
	g := c.group()
	for _, pt := range p.participants {
		g.Go(func() error {
			c.prepareOne(ctx, txID, pt)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Coordinator) negotiate(ctx context.Context, pt *participant, phase Phase) *Failure {
	if pt.negotiated {
		return nil
	}
	peer, err := c.transport.ProtocolVersion(ctx, pt.node)
	if err != nil {
		return sendFailure(err, pt.node, phase)
	}
	v, err := task.Negotiate(c.localVersion, peer)
	if err != nil {
		return &Failure{Kind: KindVersionMismatch, Phase: phase, Node: pt.node, Err: err}
	}
	pt.vote.Version = v
	pt.negotiated = true
	return nil
}

func (c *Coordinator) prepareOne(ctx context.Context, txID string, pt *participant) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PrepareTimeout)
	defer cancel()

	f := c.sendPrepare(ctx, txID, pt)
	pt.vote.Latency = time.Since(start)
	c.metrics.PrepareLatency(ctx, pt.node, pt.vote.Latency, f == nil)
	if f == nil {
		return
	}
	if f.Partition == "" {
		if f.Index != "" {
			f.Partition = partitionOfKey(pt.ops, f.Index, f.Key)
		} else if len(pt.partitions) == 1 {
			f.Partition = pt.partitions[0]
		}
	}
	pt.vote.Failure = f
	c.logger.Warn("Participant failed prepare",
		zap.String("tx_id", txID),
		zap.String("participant", pt.node),
		zap.String("kind", string(f.Kind)),
		zap.Bool("transient", f.Transient()),
		zap.Error(f.Err))
}

func (c *Coordinator) sendPrepare(ctx context.Context, txID string, pt *participant) *Failure {
	if f := c.negotiate(ctx, pt, PhasePrepare); f != nil {
		return f
	}
	payload, err := (&task.TxTask{TxID: txID, Coordinator: c.cfg.NodeID, Ops: pt.ops}).Encode()
	if err != nil {
		return &Failure{Kind: KindProtocol, Phase: PhasePrepare, Node: pt.node, Err: err}
	}
	pt.dispatched = true
	resp, err := c.transport.Send(ctx, pt.node, transport.Request{
		Version: pt.vote.Version,
		Code:    int(task.CodeTx),
		From:    c.cfg.NodeID,
		TxID:    txID,
		Payload: payload,
	})
	if err != nil {
		return sendFailure(err, pt.node, PhasePrepare)
	}
	pt.answered = true
	if resp.Failure != nil {
		return fromWire(resp.Failure, pt.node, PhasePrepare)
	}
	var res task.TxResult
	if err := task.Unmarshal(resp.Payload, &res); err != nil {
		return &Failure{Kind: KindProtocol, Phase: PhasePrepare, Node: pt.node, Err: err}
	}
	pt.vote.Applied = true
	pt.vote.Effective = res.Applied
	return nil
}

// decide commits only when no participant reported a permanent failure and
// every partition reached quorum among its replicas.
func (c *Coordinator) decide(p *plan) (bool, error) {
	for _, pt := range p.participants {
		if f := pt.vote.Failure; f != nil && !f.Transient() {
			return false, f
		}
	}
	applied := make(map[string]bool, len(p.participants))
	for _, pt := range p.participants {
		applied[pt.node] = pt.vote.Applied
	}
	parts := make([]string, 0, len(p.replicas))
	for part := range p.replicas {
		parts = append(parts, part)
	}
	sort.Strings(parts)
	for _, part := range parts {
		nodes := p.replicas[part]
		got := 0
		for _, n := range nodes {
			if applied[n] {
				got++
			}
		}
		if need := c.cfg.Quorum.Required(len(nodes)); got < need {
			return false, fmt.Errorf("%w: partition %s applied on %d of %d replicas, %s policy needs %d",
				ErrQuorumNotReached, part, got, len(nodes), c.cfg.Quorum, need)
		}
	}
	return true, nil
}

// complete dispatches the decision. A commit goes to every participant; a
// rollback to every participant that applied or never answered the prepare.
func (c *Coordinator) complete(ctx context.Context, txID string, p *plan, success bool) []*Failure {
	phase := PhaseCommit
	if !success {
		phase = PhaseRollback
	}
	var (
		mu       sync.Mutex
		failures []*Failure
	)
	g := c.group()
	for _, pt := range p.participants {
		if !success && !pt.mayHaveApplied() {
			continue
		}
		g.Go(func() error {
			f := c.sendCompletion(ctx, txID, pt, success, phase)
			if f != nil {
				mu.Lock()
				failures = append(failures, f)
				mu.Unlock()
			}
			c.flagIfDiverged(ctx, txID, pt, success, phase, f)
			return nil
		})
	}
	_ = g.Wait()
	sort.Slice(failures, func(i, j int) bool { return failures[i].Node < failures[j].Node })
	return failures
}

func (c *Coordinator) sendCompletion(ctx context.Context, txID string, pt *participant, success bool, phase Phase) *Failure {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CompleteTimeout)
	defer cancel()

	if f := c.negotiate(ctx, pt, phase); f != nil {
		return f
	}
	payload, err := task.NewCompletion(pt.vote.Version, txID, success, pt.partitions).Encode()
	if err != nil {
		return &Failure{Kind: KindProtocol, Phase: phase, Node: pt.node, Err: err}
	}
	resp, err := c.transport.Send(ctx, pt.node, transport.Request{
		Version: pt.vote.Version,
		Code:    int(task.CodeCompleted2pc),
		From:    c.cfg.NodeID,
		TxID:    txID,
		Payload: payload,
	})
	if err != nil {
		return sendFailure(err, pt.node, phase)
	}
	if resp.Failure != nil {
		return fromWire(resp.Failure, pt.node, phase)
	}
	return nil
}

func (c *Coordinator) flagIfDiverged(ctx context.Context, txID string, pt *participant, success bool, phase Phase, f *Failure) {
	var reason string
	switch {
	case success && !pt.vote.Applied:
		reason = repair.ReasonMissedCommit
	case success && f != nil:
		reason = repair.ReasonCommitUndelivered
	case !success && f != nil && f.Kind == KindConstraint:
		reason = repair.ReasonRollbackConflict
	case !success && f != nil:
		reason = repair.ReasonRollbackUndelivered
	default:
		return
	}
	inc := repair.Inconsistency{
		TxID:       txID,
		Node:       pt.node,
		Partitions: slices.Clone(pt.partitions),
		Phase:      string(phase),
		Reason:     reason,
		DetectedAt: time.Now(),
	}
	switch {
	case f != nil:
		inc.Detail = f.Error()
	case pt.vote.Failure != nil:
		inc.Detail = pt.vote.Failure.Error()
	}
	if c.repair == nil {
		c.logger.Error("Participant diverged and no repair sink is configured",
			zap.String("tx_id", txID), zap.String("participant", pt.node), zap.String("reason", reason))
		return
	}
	if err := c.repair.Flag(ctx, inc); err != nil {
		c.logger.Error("Failed to flag participant for repair",
			zap.String("tx_id", txID), zap.String("participant", pt.node), zap.String("reason", reason), zap.Error(err))
	}
}

// FirstFailure extracts the participant failure wrapped in err, for callers
// that need the structured cause of a rollback.
func FirstFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
