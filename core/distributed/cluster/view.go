package cluster

import (
	"fmt"

	"github.com/sushant-115/gojodtx/core/distributed/transport"
)

// View answers routing questions from the replicated membership state.
type View struct {
	fsm *FSM
}

var _ transport.AddressResolver = (*View)(nil)

func NewView(fsm *FSM) *View { return &View{fsm: fsm} }

// PartitionForKey returns the partition owning the key's hash slot.
func (v *View) PartitionForKey(key string) (string, error) {
	slot := SlotForKey(key)
	p, ok := v.fsm.PartitionForSlot(slot)
	if !ok {
		return "", fmt.Errorf("%w: key %q slot %d", ErrNoPartition, key, slot)
	}
	return p.ID, nil
}

// NodesFor returns the replicas of a partition in assignment order.
func (v *View) NodesFor(partition string) []string {
	p, ok := v.fsm.Partition(partition)
	if !ok {
		return nil
	}
	return p.Replicas
}

func (v *View) Address(node string) (string, bool) {
	n, ok := v.fsm.Node(node)
	if !ok || n.Address == "" {
		return "", false
	}
	return n.Address, true
}

// ProtocolVersion returns the version a node announced when it joined.
func (v *View) ProtocolVersion(node string) (int, bool) {
	n, ok := v.fsm.Node(node)
	return n.ProtocolVersion, ok
}
