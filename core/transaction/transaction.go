// Package transaction holds the client-side transaction context and the
// per-key change log that index writes accumulate while a transaction is open.
package transaction

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var ErrTxnNotRunning = errors.New("transaction is not running")

// TransactionState represents the lifecycle of a client transaction.
type TransactionState int

const (
	TxnStateRunning   TransactionState = iota // operations are being recorded
	TxnStateCommitted                         // changes were applied to the indexes
	TxnStateAborted                           // changes were discarded
)

func (s TransactionState) String() string {
	switch s {
	case TxnStateRunning:
		return "RUNNING"
	case TxnStateCommitted:
		return "COMMITTED"
	case TxnStateAborted:
		return "ABORTED"
	}
	return fmt.Sprintf("TransactionState(%d)", int(s))
}

// Transaction records index changes per key until commit.
// A nil *Transaction means "no enclosing transaction".
type Transaction struct {
	ID    string
	State TransactionState

	changes map[string]map[string]*KeyChanges // index -> key -> log
	order   []*KeyChanges                     // first-touch order
}

// New opens a running transaction with a random id.
func New() *Transaction {
	return &Transaction{
		ID:      uuid.NewString(),
		State:   TxnStateRunning,
		changes: make(map[string]map[string]*KeyChanges),
	}
}

// Active reports whether tx is a running transaction. It is safe on a nil receiver.
func (t *Transaction) Active() bool {
	return t != nil && t.State == TxnStateRunning
}

// Record appends one change to the log of (index, key).
func (t *Transaction) Record(index, key string, op Op, value string) error {
	if !t.Active() {
		return ErrTxnNotRunning
	}
	byKey, ok := t.changes[index]
	if !ok {
		byKey = make(map[string]*KeyChanges)
		t.changes[index] = byKey
	}
	kc, ok := byKey[key]
	if !ok {
		kc = &KeyChanges{Index: index, Key: key}
		byKey[key] = kc
		t.order = append(t.order, kc)
	}
	kc.Append(op, value)
	return nil
}

// Changes returns every key log in the order keys were first touched.
func (t *Transaction) Changes() []*KeyChanges {
	out := make([]*KeyChanges, len(t.order))
	copy(out, t.order)
	return out
}

// KeyLog returns the change log for one key, or nil if the key was not touched.
func (t *Transaction) KeyLog(index, key string) *KeyChanges {
	return t.changes[index][key]
}

// Finish moves the transaction to a terminal state.
func (t *Transaction) Finish(committed bool) error {
	if !t.Active() {
		return ErrTxnNotRunning
	}
	if committed {
		t.State = TxnStateCommitted
	} else {
		t.State = TxnStateAborted
	}
	return nil
}
