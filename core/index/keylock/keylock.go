// Package keylock grants exclusive, node-local locks over arbitrary key sets.
//
// Callers must pass every key of a unit of work in a single lock call. The
// manager orders keys canonically before acquiring them, so two callers
// locking overlapping sets always request the shared keys in the same order
// and cannot deadlock. Locking again from the same unit of work before
// releasing is a caller error that is not detected and may deadlock.
//
// Locks are only taken when no transaction is active: transactional writes
// are serialized at commit time instead.
package keylock

import (
	"sort"
	"sync"
	"time"

	"github.com/sushant-115/gojodtx/core/transaction"
)

type keyLock struct {
	mu   sync.Mutex
	refs int // holder plus waiters
}

// Manager is the per-node lock table.
type Manager struct {
	mu     sync.Mutex
	locks  map[string]*keyLock
	onWait func(time.Duration)
}

// Option configures a Manager.
type Option func(*Manager)

// WithWaitObserver reports how long every lock call waited for its keys.
func WithWaitObserver(fn func(time.Duration)) Option {
	return func(m *Manager) { m.onWait = fn }
}

func New(opts ...Option) *Manager {
	m := &Manager{locks: make(map[string]*keyLock)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Locked is a set of keys held by one caller.
type Locked struct {
	m    *Manager
	keys []string
	once sync.Once
}

// Keys returns the canonical keys held, in acquisition order.
func (l *Locked) Keys() []string {
	if l == nil {
		return nil
	}
	return l.keys
}

// Release unlocks every held key. It is idempotent and safe on nil.
func (l *Locked) Release() {
	if l == nil || l.m == nil {
		return
	}
	l.once.Do(func() { l.m.release(l.keys) })
}

// LockKeysForUpdateNoTx locks keys exclusively unless tx is active, in which
// case it returns an empty Locked.
func (m *Manager) LockKeysForUpdateNoTx(tx *transaction.Transaction, keys ...any) *Locked {
	return m.LockKeyCollectionForUpdateNoTx(tx, keys)
}

// LockKeyCollectionForUpdateNoTx is the collection form of LockKeysForUpdateNoTx.
func (m *Manager) LockKeyCollectionForUpdateNoTx(tx *transaction.Transaction, keys []any) *Locked {
	if tx.Active() {
		return &Locked{}
	}
	ordered := Normalize(keys)
	m.acquire(ordered)
	return &Locked{m: m, keys: ordered}
}

// ReleaseKeysForUpdateNoTx releases keys locked by LockKeysForUpdateNoTx.
func (m *Manager) ReleaseKeysForUpdateNoTx(tx *transaction.Transaction, keys ...any) {
	m.ReleaseKeyCollectionForUpdateNoTx(tx, keys)
}

// ReleaseKeyCollectionForUpdateNoTx is the collection form of ReleaseKeysForUpdateNoTx.
func (m *Manager) ReleaseKeyCollectionForUpdateNoTx(tx *transaction.Transaction, keys []any) {
	if tx.Active() {
		return
	}
	m.release(Normalize(keys))
}

// WithKeysLocked runs fn while holding keys and releases them on every exit
// path, panics included.
func (m *Manager) WithKeysLocked(tx *transaction.Transaction, keys []any, fn func() error) error {
	l := m.LockKeyCollectionForUpdateNoTx(tx, keys)
	defer l.Release()
	return fn()
}

// Held returns the number of keys currently locked or waited on.
func (m *Manager) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *Manager) acquire(keys []string) {
	start := time.Now()
	for _, k := range keys {
		m.mu.Lock()
		kl, ok := m.locks[k]
		if !ok {
			kl = &keyLock{}
			m.locks[k] = kl
		}
		kl.refs++
		m.mu.Unlock()

		kl.mu.Lock()
	}
	if m.onWait != nil {
		m.onWait(time.Since(start))
	}
}

func (m *Manager) release(keys []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(keys) - 1; i >= 0; i-- {
		kl, ok := m.locks[keys[i]]
		if !ok {
			continue
		}
		kl.mu.Unlock()
		kl.refs--
		if kl.refs == 0 {
			delete(m.locks, keys[i])
		}
	}
}

// Normalize converts keys to their canonical form, drops duplicates and
// sorts them. Every lock call goes through it, so the order is the same on
// every goroutine.
func Normalize(keys []any) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		c := Canonical(k)
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
