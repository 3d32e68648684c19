package index

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"go.uber.org/multierr"

	"github.com/sushant-115/gojodtx/core/index/keylock"
	"github.com/sushant-115/gojodtx/core/transaction"
)

// Index is one index of a Database. Writes outside a transaction lock the
// key in the database lock table; writes inside a transaction are recorded
// in the transaction's change log and applied at commit.
type Index struct {
	db *Database

	mu             sync.RWMutex
	meta           Metadata
	engineMetadata map[string]string
	interp         Interpreter
	customInterp   bool
}

// IndexOption configures an Index at creation.
type IndexOption func(*Index)

// WithInterpreter replaces the type-derived change interpreter.
func WithInterpreter(i Interpreter) IndexOption {
	return func(ix *Index) {
		ix.interp = i
		ix.customInterp = true
	}
}

// WithEngineMetadata attaches the free-form engine metadata persisted with the configuration.
func WithEngineMetadata(md map[string]string) IndexOption {
	return func(ix *Index) { ix.engineMetadata = maps.Clone(md) }
}

func (ix *Index) Name() string { return ix.Metadata().Name() }

func (ix *Index) Metadata() Metadata {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.meta
}

func (ix *Index) Interpreter() Interpreter {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.interp
}

func (ix *Index) lockKey(key string) string { return keylock.Namespaced(ix.Name(), key) }

// Put associates value with key. Keys are stored in their canonical string
// form, so Put(tx, 42, v) and Put(tx, "42", v) address the same entry.
func (ix *Index) Put(tx *transaction.Transaction, key any, value string) error {
	k := keylock.Canonical(key)
	if tx.Active() {
		return tx.Record(ix.Name(), k, transaction.OpAdd, value)
	}
	l := ix.db.locks.LockKeysForUpdateNoTx(tx, ix.lockKey(k))
	defer l.Release()
	_, err := ix.applyLocked(k, transaction.Add(value))
	return err
}

// CheckEntry reports whether value could be put under key without breaking
// uniqueness, taking the transaction's pending changes into account.
func (ix *Index) CheckEntry(tx *transaction.Transaction, key any, value string) error {
	k := keylock.Canonical(key)
	if !tx.Active() {
		l := ix.db.locks.LockKeysForUpdateNoTx(tx, ix.lockKey(k))
		defer l.Release()
	}
	if ix.Metadata().Type() != TypeUnique {
		return nil
	}
	values, err := ix.get(tx, k)
	if err != nil {
		return err
	}
	for _, v := range values {
		if v != value {
			return &DuplicateKeyError{Index: ix.Name(), Key: k, Existing: v, Value: value}
		}
	}
	return nil
}

// Remove drops key with every value it holds.
func (ix *Index) Remove(tx *transaction.Transaction, key any) (bool, error) {
	k := keylock.Canonical(key)
	if tx.Active() {
		return true, tx.Record(ix.Name(), k, transaction.OpRemoveKey, "")
	}
	l := ix.db.locks.LockKeysForUpdateNoTx(tx, ix.lockKey(k))
	defer l.Release()
	undo, err := ix.applyLocked(k, transaction.RemoveKey())
	return len(undo) > 0, err
}

// RemoveValue dissociates one value from key.
func (ix *Index) RemoveValue(tx *transaction.Transaction, key any, value string) (bool, error) {
	k := keylock.Canonical(key)
	if tx.Active() {
		return true, tx.Record(ix.Name(), k, transaction.OpRemove, value)
	}
	l := ix.db.locks.LockKeysForUpdateNoTx(tx, ix.lockKey(k))
	defer l.Release()
	undo, err := ix.applyLocked(k, transaction.Remove(value))
	return len(undo) > 0, err
}

// Get returns the values under key as seen by tx: stored values with the
// transaction's interpreted changes laid over them.
func (ix *Index) Get(tx *transaction.Transaction, key any) ([]string, error) {
	return ix.get(tx, keylock.Canonical(key))
}

func (ix *Index) get(tx *transaction.Transaction, key string) ([]string, error) {
	values, err := ix.db.engine.Values(ix.Name(), key)
	if err != nil {
		return nil, err
	}
	if !tx.Active() {
		return values, nil
	}
	log := tx.KeyLog(ix.Name(), key)
	if log == nil {
		return values, nil
	}
	single := ix.Metadata().Type() == TypeDictionary
	for _, e := range ix.Interpreter().Interpret(log) {
		switch e.Op {
		case transaction.OpAdd:
			if single {
				values = values[:0]
			}
			if !slices.Contains(values, e.Value) {
				values = append(values, e.Value)
			}
		case transaction.OpRemove:
			values = slices.DeleteFunc(values, func(v string) bool { return v == e.Value })
		case transaction.OpRemoveKey:
			values = values[:0]
		}
	}
	return values, nil
}

// applyLocked applies one effective entry to the engine and returns the
// entries that restore the previous state. The caller holds the key lock.
func (ix *Index) applyLocked(key string, e transaction.Entry) ([]transaction.Entry, error) {
	eng := ix.db.engine
	meta := ix.Metadata()
	name := meta.Name()

	switch e.Op {
	case transaction.OpAdd:
		if meta.Type().SingleValued() {
			existing, err := eng.Values(name, key)
			if err != nil {
				return nil, err
			}
			if len(existing) > 0 && !slices.Contains(existing, e.Value) {
				if meta.Type() == TypeUnique {
					return nil, &DuplicateKeyError{Index: name, Key: key, Existing: existing[0], Value: e.Value}
				}
				removed, err := eng.RemoveKey(name, key)
				if err != nil {
					return nil, err
				}
				if _, err := eng.Add(name, key, e.Value); err != nil {
					return nil, err
				}
				undo := []transaction.Entry{transaction.Remove(e.Value)}
				for _, v := range removed {
					undo = append(undo, transaction.Add(v))
				}
				return undo, nil
			}
		}
		added, err := eng.Add(name, key, e.Value)
		if err != nil || !added {
			return nil, err
		}
		return []transaction.Entry{transaction.Remove(e.Value)}, nil

	case transaction.OpRemove:
		removed, err := eng.Remove(name, key, e.Value)
		if err != nil || !removed {
			return nil, err
		}
		return []transaction.Entry{transaction.Add(e.Value)}, nil

	case transaction.OpRemoveKey:
		removed, err := eng.RemoveKey(name, key)
		if err != nil {
			return nil, err
		}
		undo := make([]transaction.Entry, 0, len(removed))
		for _, v := range removed {
			undo = append(undo, transaction.Add(v))
		}
		return undo, nil
	}
	return nil, fmt.Errorf("index %s: unsupported operation %s", name, e.Op)
}

// restoreLocked replays undo entries. On a single-valued index a value is
// only restored while the key is empty or already holds it; a value written
// by someone else in the meantime is kept and reported as a conflict.
func (ix *Index) restoreLocked(key string, undo []transaction.Entry) error {
	name := ix.Name()
	single := ix.Metadata().Type().SingleValued()
	var errs error
	for _, e := range undo {
		var err error
		switch e.Op {
		case transaction.OpAdd:
			if single {
				current, verr := ix.db.engine.Values(name, key)
				if verr != nil {
					err = verr
					break
				}
				if len(current) > 0 && !slices.Contains(current, e.Value) {
					errs = multierr.Append(errs, &RevertConflictError{Index: name, Key: key, Value: e.Value, Current: current})
					continue
				}
			}
			_, err = ix.db.engine.Add(name, key, e.Value)
		case transaction.OpRemove:
			_, err = ix.db.engine.Remove(name, key, e.Value)
		case transaction.OpRemoveKey:
			_, err = ix.db.engine.RemoveKey(name, key)
		}
		if err != nil {
			return multierr.Append(errs, fmt.Errorf("restore %s/%s: %w", name, key, err))
		}
	}
	return errs
}

// LoadFromConfiguration replaces the index descriptor with the one stored in cfg.
func (ix *Index) LoadFromConfiguration(cfg Configuration) error {
	cfg, err := cfg.Upgrade()
	if err != nil {
		return err
	}
	meta, err := cfg.ToMetadata()
	if err != nil {
		return err
	}
	if meta.Name() != ix.Name() {
		return fmt.Errorf("configuration of %q cannot be loaded into index %q", meta.Name(), ix.Name())
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.meta = meta
	ix.engineMetadata = maps.Clone(cfg.Metadata)
	if !ix.customInterp {
		ix.interp = interpreterFor(meta.Type())
	}
	return nil
}

// UpdateConfiguration renders the current descriptor as a configuration document.
func (ix *Index) UpdateConfiguration() Configuration {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ConfigurationOf(ix.meta, ix.engineMetadata)
}

// AddCluster starts feeding records of cluster into the index.
func (ix *Index) AddCluster(cluster string) *Index {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.meta = ix.meta.WithCluster(cluster)
	return ix
}

// RemoveCluster stops feeding records of cluster into the index.
func (ix *Index) RemoveCluster(cluster string) *Index {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.meta = ix.meta.WithoutCluster(cluster)
	return ix
}
