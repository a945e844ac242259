package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/ModeShape/modeshape-sub003/internal/lock"
	"github.com/ModeShape/modeshape-sub003/internal/store"
	"github.com/ModeShape/modeshape-sub003/pkg/errclass"
	"github.com/ModeShape/modeshape-sub003/pkg/logging"
	"github.com/ModeShape/modeshape-sub003/pkg/model"
	"github.com/ModeShape/modeshape-sub003/pkg/pathutil"
)

// LockManager is a session's view of locking: it holds the session's lock
// tokens and applies ownership rules before delegating to the workspace
// coordinator.
type LockManager struct {
	session *Session
	env     Env
	logger  *logging.Logger

	mu     sync.Mutex
	tokens sets.Set[string]
}

func newLockManager(s *Session, env Env) *LockManager {
	return &LockManager{
		session: s,
		env:     env,
		logger: env.Logger.WithFields(map[string]any{
			"session_id": s.id,
			"workspace":  s.workspace,
		}),
		tokens: sets.New[string](),
	}
}

func (m *LockManager) coordinator() *lock.Coordinator {
	return m.env.Locks.Coordinator(m.session.workspace)
}

func (m *LockManager) principal() store.Principal {
	return store.Principal{UserID: m.session.userID, SessionID: m.session.id}
}

func (m *LockManager) checkLive() error {
	if !m.session.IsLive() {
		return errclass.ErrSessionClosed.WithMessagef("session %s is closed", m.session.id)
	}
	return nil
}

func (m *LockManager) resolve(ctx context.Context, path string) (*store.NodeInfo, error) {
	clean, err := pathutil.Clean(path)
	if err != nil {
		return nil, err
	}
	node, res, err := m.env.Store.NodeByPath(ctx, m.session.workspace, clean)
	if err != nil {
		return nil, errclass.Transient(err, "resolve path")
	}
	if res == store.NotFound {
		return nil, errclass.ErrPathNotFound.WithMessagef("no node at %s in workspace %q", clean, m.session.workspace)
	}
	return node, nil
}

func (m *LockManager) holds(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens.Has(token)
}

// Lock locks the node at path and gives this session its token. A zero
// timeoutHint uses the repository's extension window; an empty ownerInfo
// uses the session's user id.
func (m *LockManager) Lock(ctx context.Context, path string, deep, sessionScoped bool, timeoutHint time.Duration, ownerInfo string) (*Lock, error) {
	if err := m.checkLive(); err != nil {
		return nil, err
	}
	node, err := m.resolve(ctx, path)
	if err != nil {
		return nil, err
	}
	if ownerInfo == "" {
		ownerInfo = m.session.userID
	}

	rec, err := m.coordinator().Lock(ctx, lock.LockRequest{
		NodeID:         node.ID,
		Deep:           deep,
		SessionScoped:  sessionScoped,
		Owner:          ownerInfo,
		SessionID:      m.session.id,
		Timeout:        timeoutHint,
		PendingChanges: m.session.hasPendingChanges(node.ID),
	})
	if err != nil {
		return nil, err
	}

	if err := m.AddLockToken(ctx, rec.LockID); err != nil {
		m.logger.ErrorErr("accept token of new lock", err, map[string]any{"lock_id": rec.LockID})
		if uerr := m.coordinator().Unlock(ctx, rec); uerr != nil {
			m.logger.ErrorErr("release lock after failed token accept", uerr, map[string]any{"lock_id": rec.LockID})
		}
		return nil, err
	}
	if cur, ok := m.coordinator().LockForToken(rec.LockID); ok {
		rec = cur
	}
	return m.newLock(rec, node.Path), nil
}

// AddLockToken makes this session the holder of token. It fails if another
// session already holds it.
func (m *LockManager) AddLockToken(ctx context.Context, token string) error {
	if err := m.checkLive(); err != nil {
		return err
	}
	if m.holds(token) {
		return nil
	}
	if _, err := m.coordinator().AcceptToken(ctx, token); err != nil {
		return err
	}
	m.mu.Lock()
	m.tokens.Insert(token)
	m.mu.Unlock()
	return nil
}

// RemoveLockToken gives up token so another session may take it. Tokens of
// session-scoped locks cannot be removed. A token whose lock is already
// gone is simply dropped.
func (m *LockManager) RemoveLockToken(ctx context.Context, token string) error {
	if err := m.checkLive(); err != nil {
		return err
	}
	if !m.holds(token) {
		return errclass.ErrTokenNotHeld.WithMessagef("session does not hold lock token %s", token)
	}

	c := m.coordinator()
	rec, res, err := c.LedgerRecord(ctx, token)
	if err != nil {
		return err
	}
	if res == store.NotFound {
		m.dropToken(token)
		return nil
	}
	if rec.SessionScoped {
		return errclass.ErrTokenNotHeld.WithMessagef("lock token %s belongs to a session-scoped lock", token)
	}

	if err := c.SetHeldBySession(ctx, token, false); err != nil {
		if errors.Is(err, errclass.ErrInvalidLockToken) {
			m.dropToken(token)
			return nil
		}
		return err
	}
	m.dropToken(token)
	return nil
}

func (m *LockManager) dropToken(token string) {
	m.mu.Lock()
	m.tokens.Delete(token)
	m.mu.Unlock()
}

// Unlock releases the lock held on the node at path. Releasing a lock whose
// token this session does not hold requires the unlock-any permission.
func (m *LockManager) Unlock(ctx context.Context, path string) error {
	if err := m.checkLive(); err != nil {
		return err
	}
	node, err := m.resolve(ctx, path)
	if err != nil {
		return err
	}
	c := m.coordinator()
	rec, err := c.LockFor(ctx, node.ID)
	if err != nil {
		return err
	}
	if rec == nil {
		return errclass.ErrNotLocked.WithMessagef("node %s is not locked", node.Path)
	}
	if rec.LockedNodeID != node.ID {
		return errclass.ErrNotLocked.WithMessagef("node %s is locked by a deep lock on an ancestor", node.Path)
	}

	if !m.holds(rec.LockID) {
		if !m.env.Permissions.HasPermission(ctx, m.principal(), m.session.workspace, node.Path, store.PermUnlockAny) {
			return errclass.ErrTokenNotHeld.WithMessagef("session does not hold the lock on %s", node.Path)
		}
		m.logger.Info("releasing another session's lock", map[string]any{"lock_id": rec.LockID, "path": node.Path})
	}

	if err := c.Unlock(ctx, rec); err != nil {
		return err
	}
	m.dropToken(rec.LockID)
	return nil
}

// HoldsLock reports whether the node at path is itself the holder of a
// lock, not merely covered by an ancestor's deep lock.
func (m *LockManager) HoldsLock(ctx context.Context, path string) (bool, error) {
	node, err := m.resolve(ctx, path)
	if err != nil {
		return false, err
	}
	rec, err := m.coordinator().LockFor(ctx, node.ID)
	if err != nil {
		return false, err
	}
	return rec != nil && rec.LockedNodeID == node.ID, nil
}

// IsLocked reports whether any lock applies to the node at path.
func (m *LockManager) IsLocked(ctx context.Context, path string) (bool, error) {
	node, err := m.resolve(ctx, path)
	if err != nil {
		return false, err
	}
	rec, err := m.coordinator().LockFor(ctx, node.ID)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// GetLock returns the lock in effect on the node at path, failing with
// E_NOT_LOCKED when there is none.
func (m *LockManager) GetLock(ctx context.Context, path string) (*Lock, error) {
	node, err := m.resolve(ctx, path)
	if err != nil {
		return nil, err
	}
	rec, err := m.coordinator().LockFor(ctx, node.ID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errclass.ErrNotLocked.WithMessagef("node %s is not locked", node.Path)
	}
	holderPath := node.Path
	if rec.LockedNodeID != node.ID {
		holder, res, err := m.env.Store.Node(ctx, m.session.workspace, rec.LockedNodeID)
		if err != nil {
			return nil, errclass.Transient(err, "read lock holder")
		}
		if res == store.Found {
			holderPath = holder.Path
		}
	}
	return m.newLock(rec, holderPath), nil
}

// CheckForLock guards content edits: it fails with E_ALREADY_LOCKED when
// the node at path is locked and this session does not hold the token.
func (m *LockManager) CheckForLock(ctx context.Context, path string) error {
	node, err := m.resolve(ctx, path)
	if err != nil {
		return err
	}
	rec, err := m.coordinator().LockFor(ctx, node.ID)
	if err != nil {
		return err
	}
	if rec == nil || m.holds(rec.LockID) {
		return nil
	}
	return errclass.ErrAlreadyLocked.WithMessagef("node %s is locked by %s", node.Path, rec.Owner)
}

// LockTokens returns the tokens this session holds.
func (m *LockManager) LockTokens() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	tokens := m.tokens.UnsortedList()
	sort.Strings(tokens)
	return tokens
}

func (m *LockManager) cleanLocks(ctx context.Context) error {
	tokens := m.LockTokens()
	if len(tokens) == 0 {
		return nil
	}
	err := m.coordinator().CleanLocks(ctx, tokens)
	m.mu.Lock()
	m.tokens = sets.New[string]()
	m.mu.Unlock()
	return err
}

func (m *LockManager) newLock(rec *model.LockRecord, path string) *Lock {
	return &Lock{record: rec, path: path, manager: m}
}
