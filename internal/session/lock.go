package session

import (
	"context"
	"math"
	"sync"

	"github.com/ModeShape/modeshape-sub003/internal/store"
	"github.com/ModeShape/modeshape-sub003/pkg/errclass"
	"github.com/ModeShape/modeshape-sub003/pkg/model"
)

// Lock is a caller-facing handle on one lock record, seen through the
// session that obtained it.
type Lock struct {
	manager *LockManager
	path    string

	mu     sync.Mutex
	record *model.LockRecord
}

func (l *Lock) rec() *model.LockRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.record
}

// Path is the path of the node holding the lock.
func (l *Lock) Path() string { return l.path }

func (l *Lock) Owner() string         { return l.rec().Owner }
func (l *Lock) IsDeep() bool          { return l.rec().Deep }
func (l *Lock) IsSessionScoped() bool { return l.rec().SessionScoped }

// Record returns a copy of the underlying lock record.
func (l *Lock) Record() model.LockRecord { return *l.rec() }

// Token returns the lock token, or "" if the lock is session-scoped or this
// session does not hold it.
func (l *Lock) Token() string {
	rec := l.rec()
	if rec.SessionScoped || !l.manager.holds(rec.LockID) {
		return ""
	}
	return rec.LockID
}

// IsLockOwningSession reports whether this session holds the token.
func (l *Lock) IsLockOwningSession() bool {
	return l.manager.holds(l.rec().LockID)
}

// IsLive reports whether the lock still exists in the ledger.
func (l *Lock) IsLive(ctx context.Context) (bool, error) {
	_, res, err := l.manager.coordinator().LedgerRecord(ctx, l.rec().LockID)
	if err != nil {
		return false, err
	}
	return res == store.Found, nil
}

// SecondsRemaining is the time left before expiry for the owning session,
// and math.MinInt64 for any other session.
func (l *Lock) SecondsRemaining() int64 {
	if !l.IsLockOwningSession() {
		return math.MinInt64
	}
	now := l.manager.env.Locks.Now()
	return int64(l.rec().ExpiresAt.Sub(now).Seconds())
}

// Refresh extends the lock's expiry. Only the owning session may refresh.
func (l *Lock) Refresh(ctx context.Context) error {
	if err := l.manager.checkLive(); err != nil {
		return err
	}
	rec := l.rec()
	if !l.manager.holds(rec.LockID) {
		return errclass.ErrTokenNotHeld.WithMessage("only the owning session may refresh a lock")
	}
	c := l.manager.coordinator()
	_, res, err := c.LedgerRecord(ctx, rec.LockID)
	if err != nil {
		return err
	}
	if res == store.NotFound {
		return errclass.ErrNotLocked.WithMessagef("lock %s no longer exists", rec.LockID)
	}
	if err := c.SetHeldBySession(ctx, rec.LockID, true); err != nil {
		return err
	}
	updated, _, err := c.LedgerRecord(ctx, rec.LockID)
	if err != nil {
		return err
	}
	if updated != nil {
		l.mu.Lock()
		l.record = updated
		l.mu.Unlock()
	}
	return nil
}
