package index

import (
	"slices"
	"sync"

	"github.com/google/btree"
)

// Engine is the storage surface the index layer applies key operations to.
type Engine interface {
	Values(index, key string) ([]string, error)
	Add(index, key, value string) (bool, error)
	Remove(index, key, value string) (bool, error)
	RemoveKey(index, key string) ([]string, error)
	Drop(index string) error
}

type entry struct {
	key    string
	values []string
}

func entryLess(a, b entry) bool { return a.key < b.key }

// BTreeEngine keeps every index in an ordered in-memory B-tree.
type BTreeEngine struct {
	mu     sync.RWMutex
	degree int
	trees  map[string]*btree.BTreeG[entry]
}

func NewBTreeEngine(degree int) *BTreeEngine {
	if degree < 2 {
		degree = 32
	}
	return &BTreeEngine{degree: degree, trees: make(map[string]*btree.BTreeG[entry])}
}

func (e *BTreeEngine) tree(index string) *btree.BTreeG[entry] {
	t, ok := e.trees[index]
	if !ok {
		t = btree.NewG(e.degree, entryLess)
		e.trees[index] = t
	}
	return t
}

func (e *BTreeEngine) Values(index, key string) ([]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.trees[index]
	if !ok {
		return nil, nil
	}
	it, ok := t.Get(entry{key: key})
	if !ok {
		return nil, nil
	}
	return slices.Clone(it.values), nil
}

func (e *BTreeEngine) Add(index, key, value string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.tree(index)
	it, _ := t.Get(entry{key: key})
	if slices.Contains(it.values, value) {
		return false, nil
	}
	t.ReplaceOrInsert(entry{key: key, values: append(slices.Clone(it.values), value)})
	return true, nil
}

func (e *BTreeEngine) Remove(index, key, value string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.trees[index]
	if !ok {
		return false, nil
	}
	it, ok := t.Get(entry{key: key})
	if !ok || !slices.Contains(it.values, value) {
		return false, nil
	}
	rest := slices.DeleteFunc(slices.Clone(it.values), func(v string) bool { return v == value })
	if len(rest) == 0 {
		t.Delete(it)
	} else {
		t.ReplaceOrInsert(entry{key: key, values: rest})
	}
	return true, nil
}

func (e *BTreeEngine) RemoveKey(index, key string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.trees[index]
	if !ok {
		return nil, nil
	}
	it, ok := t.Delete(entry{key: key})
	if !ok {
		return nil, nil
	}
	return it.values, nil
}

func (e *BTreeEngine) Drop(index string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.trees, index)
	return nil
}

// Keys returns the keys of an index in order, for inspection and tests.
func (e *BTreeEngine) Keys(index string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.trees[index]
	if !ok {
		return nil
	}
	keys := make([]string, 0, t.Len())
	t.Ascend(func(it entry) bool {
		keys = append(keys, it.key)
		return true
	})
	return keys
}
