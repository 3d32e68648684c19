package task

import (
	"fmt"
	"reflect"
	"sort"
)

// Constructor builds an empty task ready to decode its payload.
type Constructor func() RemoteTask

// Catalog maps task codes to constructors for one protocol version.
// It is immutable after construction and safe for concurrent use.
type Catalog struct {
	version   int
	table     map[Code]Constructor
	localOnly map[Code]struct{}
}

var (
	// V0 is the base catalog.
	V0 = newV0()
	// V1 replaces the completion task with the partition-key aware variant.
	V1 = V0.Extend(1, map[Code]Constructor{
		CodeCompleted2pc: NewCompleted2pcTaskV1,
	})

	catalogs = []*Catalog{V0, V1}
)

func newV0() *Catalog {
	table := make(map[Code]Constructor, len(codeNames))
	for code := range codeNames {
		table[code] = opaque(code)
	}
	table[CodeTx] = NewTxTask
	table[CodeCompleted2pc] = NewCompleted2pcTask
	delete(table, CodeUnreachableServer)

	return &Catalog{
		version:   0,
		table:     table,
		localOnly: map[Code]struct{}{CodeUnreachableServer: {}},
	}
}

// Extend returns a new catalog for version built from c's table with the
// given entries overridden or added.
func (c *Catalog) Extend(version int, overrides map[Code]Constructor) *Catalog {
	table := make(map[Code]Constructor, len(c.table)+len(overrides))
	for code, ctor := range c.table {
		table[code] = ctor
	}
	for code, ctor := range overrides {
		table[code] = ctor
	}
	localOnly := make(map[Code]struct{}, len(c.localOnly))
	for code := range c.localOnly {
		localOnly[code] = struct{}{}
	}
	return &Catalog{version: version, table: table, localOnly: localOnly}
}

func (c *Catalog) ProtocolVersion() int { return c.version }

// CreateTask returns a fresh task for code. Local-only codes fail with
// ErrRemoteInvocationNotSupported, unmapped codes with ErrUnknownTaskCode.
func (c *Catalog) CreateTask(code int) (RemoteTask, error) {
	tc := Code(code)
	if _, ok := c.localOnly[tc]; ok {
		return nil, &CodeError{Code: tc, Version: c.version, Err: ErrRemoteInvocationNotSupported}
	}
	ctor, ok := c.table[tc]
	if !ok {
		return nil, &CodeError{Code: tc, Version: c.version, Err: ErrUnknownTaskCode}
	}
	return ctor(), nil
}

// Decode builds the task for code and decodes payload into it.
func (c *Catalog) Decode(code int, payload []byte) (RemoteTask, error) {
	t, err := c.CreateTask(code)
	if err != nil {
		return nil, err
	}
	if err := t.Decode(payload); err != nil {
		return nil, &CodeError{Code: Code(code), Version: c.version, Err: err}
	}
	return t, nil
}

// Codes lists the remotely invocable codes in ascending order.
func (c *Catalog) Codes() []Code {
	out := make([]Code, 0, len(c.table))
	for code := range c.table {
		out = append(out, code)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Diff lists the codes whose task shape differs between two catalogs.
func Diff(from, to *Catalog) []Code {
	var out []Code
	for _, code := range to.Codes() {
		prev, ok := from.table[code]
		if !ok || reflect.TypeOf(prev()) != reflect.TypeOf(to.table[code]()) {
			out = append(out, code)
		}
	}
	return out
}

// ForVersion returns the catalog for a protocol version.
func ForVersion(version int) (*Catalog, error) {
	if version < 0 || version >= len(catalogs) {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedProtocolVersion, version)
	}
	return catalogs[version], nil
}

// Latest returns the highest catalog this build supports.
func Latest() *Catalog { return catalogs[len(catalogs)-1] }

// Negotiate returns the highest version supported by both ends.
func Negotiate(local, peer int) (int, error) {
	v := local
	if peer < v {
		v = peer
	}
	if v < 0 || v >= len(catalogs) {
		return 0, fmt.Errorf("%w: local v%d, peer v%d", ErrNoCommonProtocolVersion, local, peer)
	}
	return v, nil
}
