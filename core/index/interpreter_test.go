package index

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sushant-115/gojodtx/core/transaction"
)

func changesOf(entries ...transaction.Entry) *transaction.KeyChanges {
	return &transaction.KeyChanges{Index: "idx", Key: "k", Entries: entries}
}

var (
	add       = transaction.Add
	remove    = transaction.Remove
	removeKey = transaction.RemoveKey
)

func TestDefaultInterpreter(t *testing.T) {
	tests := []struct {
		name string
		in   []transaction.Entry
		want []transaction.Entry
	}{
		{"add then remove cancels", []transaction.Entry{add("x"), remove("x")}, []transaction.Entry{}},
		{"other value survives", []transaction.Entry{add("x"), add("y"), remove("x")}, []transaction.Entry{add("y")}},
		{"single add unchanged", []transaction.Entry{add("x")}, []transaction.Entry{add("x")}},
		{"re-add after cancel", []transaction.Entry{add("x"), remove("x"), add("x")}, []transaction.Entry{add("x")}},
		{"remove then add cancels", []transaction.Entry{remove("x"), add("x")}, []transaction.Entry{}},
		{"order of survivors kept", []transaction.Entry{add("a"), add("b"), remove("z"), add("c"), remove("b")}, []transaction.Entry{add("a"), remove("z"), add("c")}},
		{"repeated add collapses", []transaction.Entry{add("x"), add("x"), remove("x")}, []transaction.Entry{}},
		{"remove key supersedes", []transaction.Entry{add("a"), remove("b"), removeKey(), add("c")}, []transaction.Entry{removeKey(), add("c")}},
		{"empty", nil, []transaction.Entry{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DefaultInterpreter{}.Interpret(changesOf(tt.in...))
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Nil(t, DefaultInterpreter{}.Interpret(nil))
}

func TestDefaultInterpreter_DoesNotMutateLog(t *testing.T) {
	log := changesOf(add("x"), add("y"), remove("x"))
	before := slices.Clone(log.Entries)
	DefaultInterpreter{}.Interpret(log)
	assert.Equal(t, before, log.Entries)
}

// apply replays entries with set semantics on a starting state.
func apply(state []string, entries []transaction.Entry) []string {
	out := slices.Clone(state)
	for _, e := range entries {
		switch e.Op {
		case transaction.OpAdd:
			if !slices.Contains(out, e.Value) {
				out = append(out, e.Value)
			}
		case transaction.OpRemove:
			out = slices.DeleteFunc(out, func(v string) bool { return v == e.Value })
		case transaction.OpRemoveKey:
			out = out[:0]
		}
	}
	slices.Sort(out)
	return out
}

// For well-formed logs (adds of absent values, removes of present ones) the
// effective sequence reaches the same state as the full one.
func TestDefaultInterpreter_PreservesNetEffect(t *testing.T) {
	logs := []struct {
		start []string
		log   []transaction.Entry
	}{
		{nil, []transaction.Entry{add("x"), add("y"), remove("x"), add("z"), remove("y")}},
		{[]string{"x"}, []transaction.Entry{remove("x"), add("y"), add("x"), remove("y")}},
		{[]string{"a", "b"}, []transaction.Entry{remove("a"), removeKey(), add("a"), add("c"), remove("a")}},
		{[]string{"q"}, []transaction.Entry{add("r"), remove("q"), remove("r"), add("q")}},
	}
	for _, l := range logs {
		full := apply(l.start, l.log)
		effective := apply(l.start, DefaultInterpreter{}.Interpret(changesOf(l.log...)))
		assert.Equal(t, full, effective, "log %v", l.log)
	}
}

func TestDictionaryInterpreter(t *testing.T) {
	tests := []struct {
		name string
		in   []transaction.Entry
		want []transaction.Entry
	}{
		{"last put wins", []transaction.Entry{add("x"), add("y"), add("z")}, []transaction.Entry{add("z")}},
		{"put then remove empties key", []transaction.Entry{add("x"), remove("x")}, []transaction.Entry{removeKey()}},
		{"remove of stored value kept", []transaction.Entry{remove("w")}, []transaction.Entry{remove("w")}},
		{"remove key then put", []transaction.Entry{removeKey(), add("v")}, []transaction.Entry{add("v")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DictionaryInterpreter{}.Interpret(changesOf(tt.in...)))
		})
	}
}

func TestInterpreterFunc(t *testing.T) {
	keepAll := InterpreterFunc(func(c *transaction.KeyChanges) []transaction.Entry { return c.Entries })
	log := changesOf(add("x"), remove("x"))
	assert.Equal(t, log.Entries, keepAll.Interpret(log))
}
