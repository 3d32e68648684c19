package txn

import (
	"fmt"
	"sync"
)

// State is the 2PC state of one transaction as seen by one node.
type State int

const (
	StateInit State = iota
	StatePrepared
	StateLocked  // replica holds every key of the batch
	StateApplied // replica applied the batch and keeps its undo log
	StateCommitted
	StateRolledBack
)

var stateNames = map[State]string{
	StateInit:       "INIT",
	StatePrepared:   "PREPARED",
	StateLocked:     "LOCKED",
	StateApplied:    "APPLIED",
	StateCommitted:  "COMMITTED",
	StateRolledBack: "ROLLED_BACK",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) Terminal() bool { return s == StateCommitted || s == StateRolledBack }

// transitions lists the legal successors of every state. LOCKED and APPLIED
// are replica-local; the coordinator goes from PREPARED straight to a
// terminal state.
var transitions = map[State][]State{
	StateInit:     {StatePrepared, StateRolledBack},
	StatePrepared: {StateLocked, StateCommitted, StateRolledBack},
	StateLocked:   {StateApplied, StateRolledBack},
	StateApplied:  {StateCommitted, StateRolledBack},
}

func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Machine tracks the state of one transaction. It is safe for concurrent use.
type Machine struct {
	txID    string
	mu      sync.Mutex
	state   State
	history []State
}

func NewMachine(txID string) *Machine {
	return &Machine{txID: txID, state: StateInit, history: []State{StateInit}}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// History returns every state the transaction went through, in order.
func (m *Machine) History() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]State(nil), m.history...)
}

func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.CanTransition(to) {
		return fmt.Errorf("%w: tx %s %s -> %s", ErrIllegalTransition, m.txID, m.state, to)
	}
	m.state = to
	m.history = append(m.history, to)
	return nil
}
