package lock

import (
	"sync"
	"sync/atomic"

	"github.com/ModeShape/modeshape-sub003/pkg/model"
)

// Index maps locked node ids to lock records for one workspace. It is safe
// for concurrent use. Stored records are never mutated; updates replace them.
type Index struct {
	m sync.Map // node id -> *model.LockRecord
	n atomic.Int64
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{}
}

// Get returns the record for nodeID.
func (x *Index) Get(nodeID string) (*model.LockRecord, bool) {
	v, ok := x.m.Load(nodeID)
	if !ok {
		return nil, false
	}
	return v.(*model.LockRecord), true
}

// Put stores rec, replacing any record for the same node.
func (x *Index) Put(rec *model.LockRecord) {
	if _, loaded := x.m.Swap(rec.LockedNodeID, rec); !loaded {
		x.n.Add(1)
	}
}

// PutIfAbsent stores rec only if the node has no record. It returns the
// record now in the index and whether one was already present.
func (x *Index) PutIfAbsent(rec *model.LockRecord) (*model.LockRecord, bool) {
	v, loaded := x.m.LoadOrStore(rec.LockedNodeID, rec)
	if !loaded {
		x.n.Add(1)
	}
	return v.(*model.LockRecord), loaded
}

// Remove deletes the record for nodeID regardless of its lock id.
func (x *Index) Remove(nodeID string) (*model.LockRecord, bool) {
	v, loaded := x.m.LoadAndDelete(nodeID)
	if !loaded {
		return nil, false
	}
	x.n.Add(-1)
	return v.(*model.LockRecord), true
}

// CompareAndRemove deletes the record for nodeID only if it carries lockID,
// so a stale removal cannot drop a newer lock on the same node.
func (x *Index) CompareAndRemove(nodeID, lockID string) bool {
	for {
		cur, ok := x.Get(nodeID)
		if !ok || cur.LockID != lockID {
			return false
		}
		if x.m.CompareAndDelete(nodeID, cur) {
			x.n.Add(-1)
			return true
		}
	}
}

// CompareAndSwap replaces the record for rec.LockedNodeID only if the
// current one carries the same lock id.
func (x *Index) CompareAndSwap(rec *model.LockRecord) bool {
	for {
		cur, ok := x.Get(rec.LockedNodeID)
		if !ok || cur.LockID != rec.LockID {
			return false
		}
		if x.m.CompareAndSwap(rec.LockedNodeID, cur, rec) {
			return true
		}
	}
}

// FindByToken scans for the record whose lock id equals token.
func (x *Index) FindByToken(token string) (*model.LockRecord, bool) {
	var found *model.LockRecord
	x.m.Range(func(_, v any) bool {
		rec := v.(*model.LockRecord)
		if rec.LockID == token {
			found = rec
			return false
		}
		return true
	})
	return found, found != nil
}

// Range calls fn for each record until fn returns false.
func (x *Index) Range(fn func(*model.LockRecord) bool) {
	x.m.Range(func(_, v any) bool {
		return fn(v.(*model.LockRecord))
	})
}

// Len returns the number of records.
func (x *Index) Len() int {
	return int(x.n.Load())
}
