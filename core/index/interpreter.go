package index

import "github.com/sushant-115/gojodtx/core/transaction"

// Interpreter reduces the change log recorded against one key during a
// transaction to its net effect. Implementations only drop entries; the
// survivors keep their recorded order.
//
// The reduction exists so that a unique index does not reject a commit
// because several values were transiently associated with a key when only
// one, or none, remains at the end.
type Interpreter interface {
	Interpret(changes *transaction.KeyChanges) []transaction.Entry
}

// InterpreterFunc adapts a function to Interpreter.
type InterpreterFunc func(changes *transaction.KeyChanges) []transaction.Entry

func (f InterpreterFunc) Interpret(changes *transaction.KeyChanges) []transaction.Entry {
	return f(changes)
}

// DefaultInterpreter cancels add/remove pairs of the same value in either
// order, drops repeated adds or removes of a value already pending, and lets
// a remove-key entry supersede everything recorded before it.
//
// The log is assumed to be consistent with the key's state at transaction
// start: a value is only added when absent and only removed when present.
type DefaultInterpreter struct{}

func (DefaultInterpreter) Interpret(changes *transaction.KeyChanges) []transaction.Entry {
	if changes == nil {
		return nil
	}
	out := make([]transaction.Entry, 0, len(changes.Entries))
	for _, e := range changes.Entries {
		switch e.Op {
		case transaction.OpRemoveKey:
			out = append(out[:0], e)
		case transaction.OpAdd, transaction.OpRemove:
			if lastPending(out, e.Op, e.Value) >= 0 {
				continue
			}
			if i := lastPending(out, e.Op.Inverse(), e.Value); i >= 0 {
				out = append(out[:i], out[i+1:]...)
				continue
			}
			out = append(out, e)
		}
	}
	return out
}

// DictionaryInterpreter follows upsert semantics: an add replaces whatever
// the key held, so only the last add survives.
type DictionaryInterpreter struct{}

func (DictionaryInterpreter) Interpret(changes *transaction.KeyChanges) []transaction.Entry {
	if changes == nil {
		return nil
	}
	out := make([]transaction.Entry, 0, 2)
	for _, e := range changes.Entries {
		switch e.Op {
		case transaction.OpAdd, transaction.OpRemoveKey:
			out = append(out[:0], e)
		case transaction.OpRemove:
			if n := len(out); n > 0 && out[n-1].Op == transaction.OpAdd && out[n-1].Value == e.Value {
				// the add overwrote the stored value, so the key ends up empty
				out = append(out[:0], transaction.RemoveKey())
				continue
			}
			out = append(out, e)
		}
	}
	return out
}

func lastPending(entries []transaction.Entry, op transaction.Op, value string) int {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Op == op && entries[i].Value == value {
			return i
		}
	}
	return -1
}

func interpreterFor(t Type) Interpreter {
	if t == TypeDictionary {
		return DictionaryInterpreter{}
	}
	return DefaultInterpreter{}
}
