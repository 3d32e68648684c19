// Package index implements the index layer of a database node: index
// descriptors and their persisted configuration, per-key change
// interpretation, and batch application under the node's key lock table.
package index

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/gojodtx/core/index/keylock"
	"github.com/sushant-115/gojodtx/core/transaction"
)

// Database is the set of indexes of one database on one node. All indexes
// share a single lock table so a batch touching several indexes is locked
// in one call.
type Database struct {
	name   string
	engine Engine
	locks  *keylock.Manager
	logger *zap.Logger

	mu      sync.RWMutex
	indexes map[string]*Index
}

func NewDatabase(name string, engine Engine, locks *keylock.Manager, logger *zap.Logger) *Database {
	if locks == nil {
		locks = keylock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Database{
		name:    name,
		engine:  engine,
		locks:   locks,
		logger:  logger.With(zap.String("database", name)),
		indexes: make(map[string]*Index),
	}
}

func (d *Database) Name() string            { return d.name }
func (d *Database) Locks() *keylock.Manager { return d.locks }

// CreateIndex registers a new index described by meta.
func (d *Database) CreateIndex(meta Metadata, opts ...IndexOption) (*Index, error) {
	if meta.Name() == "" {
		return nil, fmt.Errorf("%w: name", ErrMissingConfigField)
	}
	ix := &Index{db: d, meta: meta, interp: interpreterFor(meta.Type())}
	for _, opt := range opts {
		opt(ix)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.indexes[meta.Name()]; ok {
		return nil, fmt.Errorf("%w: %s", ErrIndexExists, meta.Name())
	}
	d.indexes[meta.Name()] = ix
	d.logger.Info("Index created", zap.String("index", meta.Name()), zap.String("type", string(meta.Type())))
	return ix, nil
}

// LoadIndex registers an index from its persisted configuration.
func (d *Database) LoadIndex(cfg Configuration, opts ...IndexOption) (*Index, error) {
	cfg, err := cfg.Upgrade()
	if err != nil {
		return nil, err
	}
	meta, err := cfg.ToMetadata()
	if err != nil {
		return nil, err
	}
	return d.CreateIndex(meta, append([]IndexOption{WithEngineMetadata(cfg.Metadata)}, opts...)...)
}

func (d *Database) Index(name string) (*Index, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ix, ok := d.indexes[name]
	return ix, ok
}

// Indexes returns every index ordered by name.
func (d *Database) Indexes() []*Index {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Index, 0, len(d.indexes))
	for _, ix := range d.indexes {
		out = append(out, ix)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (d *Database) DropIndex(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.indexes[name]; !ok {
		return fmt.Errorf("%w: %s", ErrIndexNotFound, name)
	}
	delete(d.indexes, name)
	return d.engine.Drop(name)
}

// Configurations renders every index configuration, ordered by name.
func (d *Database) Configurations() []Configuration {
	indexes := d.Indexes()
	out := make([]Configuration, 0, len(indexes))
	for _, ix := range indexes {
		out = append(out, ix.UpdateConfiguration())
	}
	return out
}

type undoStep struct {
	ix      *Index
	key     string
	entries []transaction.Entry
}

// Applied is a batch of effective operations that reached the engine.
type Applied struct {
	db        *Database
	Effective int
	lockKeys  []any
	undo      []undoStep
}

// Revert restores the state the batch overwrote. It locks the batch keys
// again for the duration of the restore. A key another writer changed since
// the batch keeps the newer value and is reported as a *RevertConflictError.
func (a *Applied) Revert() error {
	if a == nil || len(a.undo) == 0 {
		return nil
	}
	l := a.db.locks.LockKeyCollectionForUpdateNoTx(nil, a.lockKeys)
	defer l.Release()
	err := a.db.revertLocked(a.undo)
	a.undo = nil
	return err
}

// ApplyChanges interprets every key log, locks all touched keys in one call,
// applies the effective operations and releases the keys. When an operation
// fails, everything applied so far in the batch is reverted before the
// error is returned.
func (d *Database) ApplyChanges(changes []*transaction.KeyChanges) (*Applied, error) {
	type planned struct {
		ix      *Index
		key     string
		entries []transaction.Entry
	}
	plan := make([]planned, 0, len(changes))
	lockKeys := make([]any, 0, len(changes))
	for _, kc := range changes {
		ix, ok := d.Index(kc.Index)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, kc.Index)
		}
		effective := ix.Interpreter().Interpret(kc)
		if len(effective) == 0 {
			continue
		}
		plan = append(plan, planned{ix: ix, key: kc.Key, entries: effective})
		lockKeys = append(lockKeys, keylock.Namespaced(kc.Index, kc.Key))
	}

	applied := &Applied{db: d, lockKeys: lockKeys}
	l := d.locks.LockKeyCollectionForUpdateNoTx(nil, lockKeys)
	defer l.Release()

	for _, p := range plan {
		for _, e := range p.entries {
			undo, err := p.ix.applyLocked(p.key, e)
			if err != nil {
				if rerr := d.revertLocked(applied.undo); rerr != nil {
					d.logger.Error("Failed to revert partially applied batch", zap.Error(rerr))
					err = multierr.Append(err, rerr)
				}
				return nil, err
			}
			if len(undo) > 0 {
				applied.undo = append(applied.undo, undoStep{ix: p.ix, key: p.key, entries: undo})
			}
			applied.Effective++
		}
	}
	return applied, nil
}

func (d *Database) revertLocked(steps []undoStep) error {
	var err error
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		err = multierr.Append(err, s.ix.restoreLocked(s.key, s.entries))
	}
	return err
}

// Commit applies a transaction's interpreted changes and finishes it.
func (d *Database) Commit(tx *transaction.Transaction) (*Applied, error) {
	if !tx.Active() {
		return nil, transaction.ErrTxnNotRunning
	}
	applied, err := d.ApplyChanges(tx.Changes())
	if err != nil {
		_ = tx.Finish(false)
		return nil, err
	}
	return applied, tx.Finish(true)
}

// Rollback discards a transaction's recorded changes.
func (d *Database) Rollback(tx *transaction.Transaction) error {
	return tx.Finish(false)
}
