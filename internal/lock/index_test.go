package lock_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ModeShape/modeshape-sub003/internal/lock"
	"github.com/ModeShape/modeshape-sub003/pkg/model"
)

func rec(nodeID, lockID string) *model.LockRecord {
	return &model.LockRecord{LockedNodeID: nodeID, LockID: lockID}
}

func TestIndex_PutGetRemove(t *testing.T) {
	x := lock.NewIndex()
	assert.Equal(t, 0, x.Len())

	x.Put(rec("n1", "l1"))
	x.Put(rec("n1", "l2"))
	assert.Equal(t, 1, x.Len())

	got, ok := x.Get("n1")
	assert.True(t, ok)
	assert.Equal(t, "l2", got.LockID)

	removed, ok := x.Remove("n1")
	assert.True(t, ok)
	assert.Equal(t, "l2", removed.LockID)
	assert.Equal(t, 0, x.Len())

	_, ok = x.Remove("n1")
	assert.False(t, ok)
}

func TestIndex_PutIfAbsent(t *testing.T) {
	x := lock.NewIndex()
	cur, loaded := x.PutIfAbsent(rec("n1", "l1"))
	assert.False(t, loaded)
	assert.Equal(t, "l1", cur.LockID)

	cur, loaded = x.PutIfAbsent(rec("n1", "l2"))
	assert.True(t, loaded)
	assert.Equal(t, "l1", cur.LockID)
	assert.Equal(t, 1, x.Len())
}

func TestIndex_CompareAndRemove(t *testing.T) {
	x := lock.NewIndex()
	x.Put(rec("n1", "new"))

	assert.False(t, x.CompareAndRemove("n1", "old"))
	assert.Equal(t, 1, x.Len())
	assert.True(t, x.CompareAndRemove("n1", "new"))
	assert.Equal(t, 0, x.Len())
	assert.False(t, x.CompareAndRemove("n1", "new"))
}

func TestIndex_CompareAndSwap(t *testing.T) {
	x := lock.NewIndex()
	assert.False(t, x.CompareAndSwap(rec("n1", "l1")))

	x.Put(rec("n1", "l1"))
	updated := rec("n1", "l1")
	updated.HeldBySession = true
	assert.True(t, x.CompareAndSwap(updated))
	got, _ := x.Get("n1")
	assert.True(t, got.HeldBySession)

	assert.False(t, x.CompareAndSwap(rec("n1", "other")))
}

func TestIndex_FindByTokenAndRange(t *testing.T) {
	x := lock.NewIndex()
	x.Put(rec("n1", "l1"))
	x.Put(rec("n2", "l2"))

	got, ok := x.FindByToken("l2")
	assert.True(t, ok)
	assert.Equal(t, "n2", got.LockedNodeID)
	_, ok = x.FindByToken("missing")
	assert.False(t, ok)

	seen := 0
	x.Range(func(*model.LockRecord) bool {
		seen++
		return true
	})
	assert.Equal(t, 2, seen)
}

func TestIndex_ConcurrentReservations(t *testing.T) {
	x := lock.NewIndex()
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, loaded := x.PutIfAbsent(rec("n", string(rune('a'+i)))); !loaded {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
	assert.Equal(t, 1, x.Len())
}
