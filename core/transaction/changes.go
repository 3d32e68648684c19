package transaction

import "fmt"

// Op is the kind of a recorded index change.
type Op uint8

const (
	OpAdd       Op = iota + 1 // associate a value with the key
	OpRemove                  // dissociate one value from the key
	OpRemoveKey               // drop the key with every value
)

func (o Op) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpRemove:
		return "remove"
	case OpRemoveKey:
		return "remove_key"
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// ParseOp reads the String form of an operation.
func ParseOp(s string) (Op, error) {
	for _, o := range []Op{OpAdd, OpRemove, OpRemoveKey} {
		if o.String() == s {
			return o, nil
		}
	}
	return 0, fmt.Errorf("unknown index operation %q", s)
}

// Inverse returns the operation that undoes o for a single value.
// OpRemoveKey has no single-value inverse and returns itself.
func (o Op) Inverse() Op {
	switch o {
	case OpAdd:
		return OpRemove
	case OpRemove:
		return OpAdd
	}
	return o
}

// Entry is one recorded change. Value is empty for OpRemoveKey.
type Entry struct {
	Op    Op
	Value string
}

func Add(value string) Entry    { return Entry{Op: OpAdd, Value: value} }
func Remove(value string) Entry { return Entry{Op: OpRemove, Value: value} }
func RemoveKey() Entry          { return Entry{Op: OpRemoveKey} }

func (e Entry) String() string {
	if e.Op == OpRemoveKey {
		return e.Op.String()
	}
	return fmt.Sprintf("%s(%s)", e.Op, e.Value)
}

// KeyChanges is the append-only, temporally ordered log of changes made
// to one key of one index. It is never reordered, only reduced.
type KeyChanges struct {
	Index   string
	Key     string
	Entries []Entry
}

func (c *KeyChanges) Append(op Op, value string) {
	if op == OpRemoveKey {
		value = ""
	}
	c.Entries = append(c.Entries, Entry{Op: op, Value: value})
}
