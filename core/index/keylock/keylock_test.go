package keylock

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojodtx/core/transaction"
)

func TestNormalize_SortsAndDedupes(t *testing.T) {
	got := Normalize([]any{"b", 3, "a", "b", []any{"x", 1}, nil})
	assert.Equal(t, []string{nullKey, "3", "a", "b", "x" + separator + "1"}, got)
}

func TestCanonical_ScalarsShareStringForm(t *testing.T) {
	for _, k := range []any{1, int64(1), int32(1), uint64(1), uint32(1), float64(1), "1", []byte("1")} {
		assert.Equal(t, "1", Canonical(k), "%T", k)
	}
	assert.Equal(t, []string{"1"}, Normalize([]any{1, "1"}))
}

func TestLock_VariadicAndCollectionFormsAgree(t *testing.T) {
	m := New()
	l1 := m.LockKeysForUpdateNoTx(nil, "k2", "k1", "k3")
	keys := l1.Keys()
	l1.Release()

	l2 := m.LockKeyCollectionForUpdateNoTx(nil, []any{"k3", "k1", "k2", "k1"})
	assert.Equal(t, keys, l2.Keys())
	l2.Release()
	assert.Zero(t, m.Held())
}

func TestLock_SkippedInsideActiveTransaction(t *testing.T) {
	m := New()
	tx := transaction.New()

	l := m.LockKeysForUpdateNoTx(tx, "a", "b")
	assert.Empty(t, l.Keys())
	assert.Zero(t, m.Held())
	l.Release()

	// a finished transaction no longer counts as enclosing
	require.NoError(t, tx.Finish(true))
	l = m.LockKeysForUpdateNoTx(tx, "a")
	assert.Equal(t, 1, m.Held())
	m.ReleaseKeysForUpdateNoTx(tx, "a")
	assert.Zero(t, m.Held())
}

func TestLock_IsExclusive(t *testing.T) {
	m := New()
	held := m.LockKeysForUpdateNoTx(nil, "a", "b")

	acquired := make(chan struct{})
	go func() {
		l := m.LockKeysForUpdateNoTx(nil, "b", "c")
		close(acquired)
		l.Release()
	}()

	select {
	case <-acquired:
		t.Fatal("overlapping key set acquired while held")
	case <-time.After(50 * time.Millisecond):
	}

	held.Release()
	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never acquired after release")
	}
}

func TestLock_ReleaseIsIdempotent(t *testing.T) {
	m := New()
	l := m.LockKeysForUpdateNoTx(nil, "a")
	l.Release()
	l.Release()
	var none *Locked
	none.Release()
	assert.Zero(t, m.Held())
}

func TestWithKeysLocked_ReleasesOnErrorAndPanic(t *testing.T) {
	m := New()
	boom := errors.New("boom")

	err := m.WithKeysLocked(nil, []any{"a"}, func() error { return boom })
	require.ErrorIs(t, err, boom)
	assert.Zero(t, m.Held())

	require.Panics(t, func() {
		_ = m.WithKeysLocked(nil, []any{"a", "b"}, func() error { panic("apply failed") })
	})
	assert.Zero(t, m.Held())
}

func TestLock_WaitObserver(t *testing.T) {
	var calls int32
	m := New(WithWaitObserver(func(time.Duration) { atomic.AddInt32(&calls, 1) }))
	m.LockKeysForUpdateNoTx(nil, "a").Release()
	m.LockKeysForUpdateNoTx(nil, "a", "b").Release()
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

// Randomized overlapping key sets locked from many goroutines must neither
// deadlock nor let two holders into the same key.
func TestLock_RandomOverlappingSetsNoDeadlock(t *testing.T) {
	const (
		workers    = 16
		iterations = 300
		keySpace   = 10
	)
	m := New()
	inUse := make([]int32, keySpace)
	universe := make([]any, keySpace)
	for i := range universe {
		universe[i] = i
	}

	var wg sync.WaitGroup
	var violations int32
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for i := 0; i < iterations; i++ {
				n := 1 + r.Intn(keySpace)
				perm := r.Perm(keySpace)[:n]
				keys := make([]any, n)
				for j, p := range perm {
					keys[j] = universe[p]
				}

				l := m.LockKeyCollectionForUpdateNoTx(nil, keys)
				for _, p := range perm {
					if !atomic.CompareAndSwapInt32(&inUse[p], 0, 1) {
						atomic.AddInt32(&violations, 1)
					}
				}
				if r.Intn(4) == 0 {
					time.Sleep(time.Duration(r.Intn(50)) * time.Microsecond)
				}
				for _, p := range perm {
					atomic.StoreInt32(&inUse[p], 0)
				}
				l.Release()
			}
		}(int64(w + 1))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("deadlock: workers did not finish")
	}
	assert.Zero(t, atomic.LoadInt32(&violations))
	assert.Zero(t, m.Held())
}
