package session

import (
	"context"
	"sync"
	"sync/atomic"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Session is one client's connection to a workspace.
type Session struct {
	id        string
	userID    string
	workspace string
	registry  *Registry
	locks     *LockManager
	closed    atomic.Bool

	mu      sync.Mutex
	pending sets.Set[string]
}

func (s *Session) ID() string        { return s.id }
func (s *Session) UserID() string    { return s.userID }
func (s *Session) Workspace() string { return s.workspace }

// LockManager returns the session's lock manager.
func (s *Session) LockManager() *LockManager { return s.locks }

// IsLive reports whether the session has not logged out.
func (s *Session) IsLive() bool { return !s.closed.Load() }

// MarkModified records unsaved edits on a node. Locking a node with
// unsaved edits fails.
func (s *Session) MarkModified(nodeID string) {
	s.mu.Lock()
	s.pending.Insert(nodeID)
	s.mu.Unlock()
}

// Save discards the pending-edit markers.
func (s *Session) Save() {
	s.mu.Lock()
	s.pending = sets.New[string]()
	s.mu.Unlock()
}

func (s *Session) hasPendingChanges(nodeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Has(nodeID)
}

// Logout releases the session's session-scoped locks, hands back its
// open-scoped tokens and removes it from the live set. Calling it again is
// a no-op.
func (s *Session) Logout(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	err := s.locks.cleanLocks(ctx)
	s.registry.remove(s.id)
	return err
}
