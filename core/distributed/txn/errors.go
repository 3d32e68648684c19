package txn

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sushant-115/gojodtx/core/distributed/task"
	"github.com/sushant-115/gojodtx/core/distributed/transport"
	"github.com/sushant-115/gojodtx/core/index"
)

var (
	ErrRolledBack        = errors.New("transaction rolled back")
	ErrQuorumNotReached  = errors.New("quorum not reached")
	ErrIllegalTransition = errors.New("illegal transaction state transition")
	ErrNoReplicas        = errors.New("partition has no replicas")
	ErrNoOperations      = errors.New("transaction has no operations")
	ErrApplyFailed       = errors.New("local apply failed")
	ErrProtocol          = errors.New("protocol error")
	ErrPartitionMismatch = errors.New("completion addressed to partitions this node did not prepare")
)

// Kind classifies a participant failure.
type Kind string

const (
	KindUnreachable        Kind = "unreachable"
	KindTimeout            Kind = "timeout"
	KindIO                 Kind = "io"
	KindApply              Kind = "apply"
	KindConstraint         Kind = "constraint_violation"
	KindVersionMismatch    Kind = "version_mismatch"
	KindUnknownTask        Kind = "unknown_task"
	KindRemoteNotSupported Kind = "remote_invocation_not_supported"
	KindProtocol           Kind = "protocol"
)

// Transient reports whether the same request could succeed later without
// any change to the data or the software on either end.
func (k Kind) Transient() bool {
	switch k {
	case KindUnreachable, KindTimeout, KindIO, KindApply:
		return true
	}
	return false
}

// sentinel is the error a kind unwraps to on the coordinator side.
func (k Kind) sentinel() error {
	switch k {
	case KindUnreachable:
		return transport.ErrUnreachable
	case KindTimeout:
		return context.DeadlineExceeded
	case KindApply:
		return ErrApplyFailed
	case KindConstraint:
		return index.ErrDuplicateKey
	case KindVersionMismatch:
		return task.ErrUnsupportedProtocolVersion
	case KindUnknownTask:
		return task.ErrUnknownTaskCode
	case KindRemoteNotSupported:
		return task.ErrRemoteInvocationNotSupported
	case KindProtocol:
		return ErrProtocol
	}
	return nil
}

// Phase names the 2PC round a failure happened in.
type Phase string

const (
	PhasePrepare  Phase = "prepare"
	PhaseCommit   Phase = "commit"
	PhaseRollback Phase = "rollback"
)

// Failure is a participant failure with enough context to tell where it
// happened and whether retrying makes sense.
type Failure struct {
	Kind      Kind
	Phase     Phase
	Node      string
	Partition string
	Index     string
	Key       string
	Err       error
}

func (f *Failure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s failure", f.Kind)
	if f.Phase != "" {
		fmt.Fprintf(&b, " in %s", f.Phase)
	}
	if f.Node != "" {
		fmt.Fprintf(&b, " on node %s", f.Node)
	}
	if f.Partition != "" {
		fmt.Fprintf(&b, " partition %s", f.Partition)
	}
	if f.Index != "" {
		fmt.Fprintf(&b, " index %s key %q", f.Index, f.Key)
	}
	if f.Err != nil {
		fmt.Fprintf(&b, ": %v", f.Err)
	}
	return b.String()
}

func (f *Failure) Unwrap() error   { return f.Err }
func (f *Failure) Transient() bool { return f.Kind.Transient() }

// failureOf classifies an error raised while serving a request on this node.
func failureOf(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	var (
		dup      *index.DuplicateKeyError
		conflict *index.RevertConflictError
	)
	switch {
	case errors.As(err, &dup):
		return &Failure{Kind: KindConstraint, Index: dup.Index, Key: dup.Key, Err: err}
	case errors.As(err, &conflict):
		return &Failure{Kind: KindConstraint, Index: conflict.Index, Key: conflict.Key, Err: err}
	case errors.Is(err, task.ErrRemoteInvocationNotSupported):
		return &Failure{Kind: KindRemoteNotSupported, Err: err}
	case errors.Is(err, task.ErrUnknownTaskCode):
		return &Failure{Kind: KindUnknownTask, Err: err}
	case errors.Is(err, task.ErrUnsupportedProtocolVersion), errors.Is(err, task.ErrNoCommonProtocolVersion):
		return &Failure{Kind: KindVersionMismatch, Err: err}
	case errors.Is(err, task.ErrMalformedPayload), errors.Is(err, index.ErrIndexNotFound), errors.Is(err, ErrPartitionMismatch):
		return &Failure{Kind: KindProtocol, Err: err}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &Failure{Kind: KindTimeout, Err: err}
	}
	return &Failure{Kind: KindApply, Err: err}
}

func toWire(err error) *transport.WireFailure {
	f := failureOf(err)
	msg := err.Error()
	if f.Err != nil {
		msg = f.Err.Error()
	}
	return &transport.WireFailure{
		Kind:      string(f.Kind),
		Message:   msg,
		Index:     f.Index,
		Key:       f.Key,
		Transient: f.Transient(),
	}
}

// fromWire rebuilds a Failure reported by node.
func fromWire(wf *transport.WireFailure, node string, phase Phase) *Failure {
	kind := Kind(wf.Kind)
	var err error
	if s := kind.sentinel(); s != nil {
		err = fmt.Errorf("%w: %s", s, wf.Message)
	} else {
		kind = KindProtocol
		err = fmt.Errorf("%w: %s: %s", ErrProtocol, wf.Kind, wf.Message)
	}
	return &Failure{Kind: kind, Phase: phase, Node: node, Index: wf.Index, Key: wf.Key, Err: err}
}

// sendFailure classifies an error returned by the transport itself.
func sendFailure(err error, node string, phase Phase) *Failure {
	kind := KindIO
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		kind = KindTimeout
	case errors.Is(err, transport.ErrUnreachable), errors.Is(err, transport.ErrUnknownNode):
		kind = KindUnreachable
	case errors.Is(err, task.ErrNoCommonProtocolVersion):
		kind = KindVersionMismatch
	}
	return &Failure{Kind: kind, Phase: phase, Node: node, Err: err}
}
