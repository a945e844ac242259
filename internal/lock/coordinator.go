// Package lock coordinates exclusive node locks for a content repository.
//
// A lock is recorded three times: as a ledger entry under
// /jcr:system/mode:locks/<lock_id> in the system workspace (the source of
// truth), as jcr:lockOwner/jcr:lockIsDeep marker properties on the locked
// node, and as store-level enforcement. Each process keeps a per-workspace
// Index over the ledger, maintained by local operations and by replaying the
// store's change feed. A periodic sweep extends live session-scoped locks,
// reaps orphaned ones, and reconciles enforcement against the ledger.
//
// Acquisition order is ledger, enforcement, markers. A ledger entry without
// enforcement is re-enforced by the sweep once it is older than the
// enforcement timeout; enforcement without a ledger entry is cleared.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ModeShape/modeshape-sub003/internal/audit"
	"github.com/ModeShape/modeshape-sub003/internal/store"
	"github.com/ModeShape/modeshape-sub003/pkg/errclass"
	"github.com/ModeShape/modeshape-sub003/pkg/logging"
	"github.com/ModeShape/modeshape-sub003/pkg/metrics"
	"github.com/ModeShape/modeshape-sub003/pkg/model"
	"github.com/ModeShape/modeshape-sub003/pkg/pathutil"
	"github.com/ModeShape/modeshape-sub003/pkg/uuidutil"
)

// Release reasons, used for metrics and audit details.
const (
	reasonUnlock      = "unlock"
	reasonLogout      = "logout"
	reasonExpired     = "expired"
	reasonNodeRemoved = "node_removed"
	reasonUnenforced  = "enforce_failed"
)

// env holds the collaborators shared by a registry and its coordinators.
type env struct {
	store   store.ContentStore
	policy  model.LockPolicy
	logger  *logging.Logger
	audit   *audit.FileAppender
	metrics *metrics.Registry
	events  EventSink
	now     func() time.Time
}

// EventSink receives every audited lock event.
type EventSink interface {
	LockEvent(eventType model.AuditEventType, rec *model.LockRecord, details map[string]any)
}

func (e *env) record(eventType model.AuditEventType, rec *model.LockRecord, details map[string]any) {
	if err := e.audit.Append(eventType, rec.Workspace, rec.LockID, details); err != nil {
		e.logger.WarnErr("append audit record", err, lockFields(rec))
	}
	if e.events != nil {
		e.events.LockEvent(eventType, rec, details)
	}
}

func lockFields(rec *model.LockRecord) map[string]any {
	return map[string]any{
		"workspace": rec.Workspace,
		"lock_id":   rec.LockID,
		"node_id":   rec.LockedNodeID,
	}
}

func errorCode(err error) string {
	var re *errclass.RepoError
	if errors.As(err, &re) {
		return re.Code
	}
	return "unknown"
}

// LockRequest describes one acquisition.
type LockRequest struct {
	NodeID        string
	Deep          bool
	SessionScoped bool
	Owner         string
	SessionID     string
	// Timeout sets the initial expiry. Zero means the extension window.
	Timeout time.Duration
	// PendingChanges reports unsaved session edits on the node.
	PendingChanges bool
}

// Coordinator runs the lock protocol for one workspace.
type Coordinator struct {
	workspace string
	index     *Index
	*env

	// heldMu serializes check-and-set of the ledger held flag.
	heldMu sync.Mutex
}

func newCoordinator(workspace string, e *env) *Coordinator {
	return &Coordinator{
		workspace: workspace,
		index:     NewIndex(),
		env:       e,
	}
}

// Workspace returns the workspace this coordinator serves.
func (c *Coordinator) Workspace() string {
	return c.workspace
}

// Lock acquires a lock on req.NodeID. On any failure after the index slot
// is reserved, everything written so far is rolled back.
func (c *Coordinator) Lock(ctx context.Context, req LockRequest) (*model.LockRecord, error) {
	rec, err := c.lock(ctx, req)
	if err != nil {
		c.metrics.RecordFailure(c.workspace, errorCode(err))
		return nil, err
	}
	c.metrics.RecordAcquire(c.workspace, rec.SessionScoped)
	c.metrics.SetIndexSize(c.workspace, c.index.Len())
	c.record(model.EventTypeLockAcquire, rec, map[string]any{
		"owner":          rec.Owner,
		"deep":           rec.Deep,
		"session_scoped": rec.SessionScoped,
		"session_id":     rec.LockingSessionID,
	})
	c.logger.Debug("lock acquired", lockFields(rec))
	return rec, nil
}

func (c *Coordinator) lock(ctx context.Context, req LockRequest) (*model.LockRecord, error) {
	node, res, err := c.store.Node(ctx, c.workspace, req.NodeID)
	if err != nil {
		return nil, errclass.Transient(err, "read node")
	}
	if res == store.NotFound {
		return nil, errclass.ErrPathNotFound.WithMessagef("node %s not found in workspace %q", req.NodeID, c.workspace)
	}
	if !node.Lockable {
		return nil, errclass.ErrNotLockable.WithMessagef("node %s is not lockable", node.Path)
	}

	existing, err := c.lockForNode(ctx, node)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errclass.ErrAlreadyLocked.WithMessagef("node %s is locked by %s", node.Path, existing.Owner)
	}
	if req.PendingChanges {
		return nil, errclass.ErrStaleState.WithMessagef("node %s has pending changes", node.Path)
	}
	if req.Deep {
		if err := c.checkDescendants(ctx, node.Path); err != nil {
			return nil, err
		}
	}

	now := c.now().UTC()
	ttl := req.Timeout
	if ttl <= 0 {
		ttl = c.policy.ExtensionWindow
	}
	rec := &model.LockRecord{
		LockID:           uuidutil.NewV7(),
		LockedNodeID:     node.ID,
		Workspace:        c.workspace,
		Owner:            req.Owner,
		Deep:             req.Deep,
		SessionScoped:    req.SessionScoped,
		LockingSessionID: req.SessionID,
		AcquiredAt:       now,
		ExpiresAt:        now.Add(ttl),
	}

	if cur, loaded := c.index.PutIfAbsent(rec); loaded {
		return nil, errclass.ErrAlreadyLocked.WithMessagef("node %s is locked by %s", node.Path, cur.Owner)
	}

	_, created, err := c.store.CreateIfAbsent(ctx, model.SystemWorkspace, ledgerEntryPath(rec.LockID), encodeRecord(rec))
	if err != nil {
		c.index.CompareAndRemove(rec.LockedNodeID, rec.LockID)
		return nil, errclass.Transient(err, "write ledger entry")
	}
	if !created {
		c.index.CompareAndRemove(rec.LockedNodeID, rec.LockID)
		return nil, errclass.ErrLockFailed.WithMessagef("ledger entry %s already exists", rec.LockID)
	}

	enforceCtx, cancel := context.WithTimeout(ctx, c.policy.EnforceTimeout)
	err = c.store.LockNode(enforceCtx, c.workspace, node.ID, rec.Deep)
	cancel()
	if err != nil {
		c.rollback(ctx, rec, false)
		if errors.Is(err, store.ErrEnforced) {
			return nil, errclass.ErrAlreadyLocked.Wrap(err, fmt.Sprintf("node %s is locked in another process", node.Path))
		}
		return nil, errclass.ErrLockFailed.Wrap(err, fmt.Sprintf("store refused to lock %s", node.Path))
	}

	res, err = c.store.SetProperties(ctx, c.workspace, node.ID, markers(rec))
	if err != nil || res == store.NotFound {
		c.rollback(ctx, rec, true)
		if err == nil {
			err = fmt.Errorf("node %s removed during lock", node.ID)
		}
		return nil, errclass.ErrLockFailed.Wrap(err, "write lock markers")
	}
	// Replay may have put a competing attempt in the slot; enforcement
	// decided this one won.
	c.index.Put(rec)
	return rec, nil
}

func markers(rec *model.LockRecord) store.Properties {
	return store.Properties{
		model.PropLockOwner:  rec.Owner,
		model.PropLockIsDeep: strconv.FormatBool(rec.Deep),
	}
}

// rollback undoes a partial acquisition. Failures here can leave a node
// enforced without a ledger entry, so they are logged at error level; the
// sweep clears such nodes.
func (c *Coordinator) rollback(ctx context.Context, rec *model.LockRecord, enforced bool) {
	ctx = context.WithoutCancel(ctx)
	fields := lockFields(rec)
	if enforced {
		if err := c.store.UnlockNode(ctx, c.workspace, rec.LockedNodeID); err != nil {
			c.logger.ErrorErr("rollback: release enforcement", err, fields)
		}
		if _, err := c.store.RemoveProperties(ctx, c.workspace, rec.LockedNodeID,
			model.PropLockOwner, model.PropLockIsDeep); err != nil {
			c.logger.ErrorErr("rollback: clear lock markers", err, fields)
		}
	}
	if _, err := c.store.RemoveNode(ctx, model.SystemWorkspace, ledgerEntryPath(rec.LockID)); err != nil {
		c.logger.ErrorErr("rollback: remove ledger entry", err, fields)
	}
	c.index.CompareAndRemove(rec.LockedNodeID, rec.LockID)
}

// checkDescendants fails if any node below path holds a lock.
func (c *Coordinator) checkDescendants(ctx context.Context, path string) error {
	if c.index.Len() == 0 {
		return nil
	}
	queue := []string{path}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		children, err := c.store.Children(ctx, c.workspace, p)
		if err != nil {
			return errclass.Transient(err, "walk subtree")
		}
		for _, child := range children {
			if rec, ok := c.index.Get(child.ID); ok {
				return errclass.ErrAlreadyLocked.WithMessagef("descendant %s is locked by %s", child.Path, rec.Owner)
			}
			queue = append(queue, child.Path)
		}
	}
	return nil
}

// Unlock releases rec. A ledger entry already removed by someone else is
// tolerated; the index entry is dropped either way.
func (c *Coordinator) Unlock(ctx context.Context, rec *model.LockRecord) error {
	return c.release(ctx, rec, reasonUnlock)
}

func (c *Coordinator) release(ctx context.Context, rec *model.LockRecord, reason string) error {
	fields := lockFields(rec)
	res, err := c.store.RemoveNode(ctx, model.SystemWorkspace, ledgerEntryPath(rec.LockID))
	if err != nil {
		return errclass.Transient(err, "remove ledger entry")
	}

	if res == store.NotFound {
		// Whoever removed the entry also released the node, which may
		// since have been locked again.
		c.logger.Warn("ledger entry already removed", fields)
	} else {
		if _, err := c.store.RemoveProperties(ctx, c.workspace, rec.LockedNodeID,
			model.PropLockOwner, model.PropLockIsDeep); err != nil {
			c.logger.ErrorErr("clear lock markers", err, fields)
		}
		if err := c.store.UnlockNode(ctx, c.workspace, rec.LockedNodeID); err != nil {
			c.logger.ErrorErr("release store enforcement", err, fields)
		}
	}
	c.index.CompareAndRemove(rec.LockedNodeID, rec.LockID)

	c.metrics.RecordRelease(c.workspace, reason)
	c.metrics.SetIndexSize(c.workspace, c.index.Len())
	eventType := model.EventTypeLockRelease
	if reason == reasonExpired || reason == reasonNodeRemoved || reason == reasonUnenforced {
		eventType = model.EventTypeLockReap
	}
	c.record(eventType, rec, map[string]any{"reason": reason})
	c.logger.Debug("lock released", fields, map[string]any{"reason": reason})
	return nil
}

// LockFor returns the lock in effect on nodeID: its own lock, else the
// nearest deep lock on an ancestor, else nil.
func (c *Coordinator) LockFor(ctx context.Context, nodeID string) (*model.LockRecord, error) {
	if c.index.Len() == 0 {
		return nil, nil
	}
	if rec, ok := c.index.Get(nodeID); ok {
		return rec, nil
	}
	node, res, err := c.store.Node(ctx, c.workspace, nodeID)
	if err != nil {
		return nil, errclass.Transient(err, "read node")
	}
	if res == store.NotFound {
		return nil, nil
	}
	return c.deepAncestor(ctx, node.Path)
}

func (c *Coordinator) lockForNode(ctx context.Context, node *store.NodeInfo) (*model.LockRecord, error) {
	if c.index.Len() == 0 {
		return nil, nil
	}
	if rec, ok := c.index.Get(node.ID); ok {
		return rec, nil
	}
	return c.deepAncestor(ctx, node.Path)
}

func (c *Coordinator) deepAncestor(ctx context.Context, path string) (*model.LockRecord, error) {
	hasDeep := false
	c.index.Range(func(rec *model.LockRecord) bool {
		hasDeep = rec.Deep
		return !hasDeep
	})
	if !hasDeep {
		return nil, nil
	}
	for p := pathutil.Parent(path); p != ""; p = pathutil.Parent(p) {
		anc, res, err := c.store.NodeByPath(ctx, c.workspace, p)
		if err != nil {
			return nil, errclass.Transient(err, "read ancestor")
		}
		if res == store.NotFound {
			continue
		}
		if rec, ok := c.index.Get(anc.ID); ok && rec.Deep {
			return rec, nil
		}
	}
	return nil, nil
}

// LedgerRecord reads the durable record for token.
func (c *Coordinator) LedgerRecord(ctx context.Context, token string) (*model.LockRecord, store.Result, error) {
	_, rec, res, err := c.ledgerEntry(ctx, token)
	return rec, res, err
}

func (c *Coordinator) ledgerEntry(ctx context.Context, token string) (*store.NodeInfo, *model.LockRecord, store.Result, error) {
	if !uuidutil.Valid(token) {
		return nil, nil, store.NotFound, errclass.ErrInvalidLockToken.WithMessagef("malformed lock token %q", token)
	}
	node, res, err := c.store.NodeByPath(ctx, model.SystemWorkspace, ledgerEntryPath(token))
	if err != nil {
		return nil, nil, store.NotFound, errclass.Transient(err, "read ledger entry")
	}
	if res == store.NotFound {
		return nil, nil, store.NotFound, nil
	}
	rec, err := decodeRecord(token, node.Properties)
	if err != nil {
		return nil, nil, store.NotFound, errclass.ErrInvalidLockToken.Wrap(err, "corrupt ledger entry")
	}
	return node, rec, store.Found, nil
}

// IsHeldBySession reports whether some session has accepted token.
func (c *Coordinator) IsHeldBySession(ctx context.Context, token string) (bool, error) {
	_, rec, res, err := c.ledgerEntry(ctx, token)
	if err != nil {
		return false, err
	}
	if res == store.NotFound {
		return false, errclass.ErrInvalidLockToken.WithMessagef("no lock for token %s", token)
	}
	return rec.HeldBySession, nil
}

// SetHeldBySession writes the held flag. Accepting a token also extends the
// lock's expiry to at least now plus the extension window.
func (c *Coordinator) SetHeldBySession(ctx context.Context, token string, held bool) error {
	c.heldMu.Lock()
	defer c.heldMu.Unlock()
	_, err := c.setHeld(ctx, token, held)
	return err
}

// AcceptToken marks token held, failing if another session holds it.
func (c *Coordinator) AcceptToken(ctx context.Context, token string) (*model.LockRecord, error) {
	c.heldMu.Lock()
	defer c.heldMu.Unlock()

	held, err := c.IsHeldBySession(ctx, token)
	if err != nil {
		return nil, err
	}
	if held {
		return nil, errclass.ErrTokenAlreadyHeld.WithMessagef("lock token %s is held by another session", token)
	}
	return c.setHeld(ctx, token, true)
}

func (c *Coordinator) setHeld(ctx context.Context, token string, held bool) (*model.LockRecord, error) {
	node, rec, res, err := c.ledgerEntry(ctx, token)
	if err != nil {
		return nil, err
	}
	if res == store.NotFound {
		return nil, errclass.ErrInvalidLockToken.WithMessagef("no lock for token %s", token)
	}
	if rec.Workspace != c.workspace {
		return nil, errclass.ErrInvalidLockToken.WithMessagef("lock token %s belongs to workspace %q", token, rec.Workspace)
	}

	props := store.Properties{model.PropIsHeldBySession: strconv.FormatBool(held)}
	updated := *rec
	updated.HeldBySession = held
	if exp := c.now().UTC().Add(c.policy.ExtensionWindow); held && exp.After(rec.ExpiresAt) {
		updated.ExpiresAt = exp
		props[model.PropExpirationDate] = formatTime(exp)
	}

	res, err = c.store.SetProperties(ctx, model.SystemWorkspace, node.ID, props)
	if err != nil {
		return nil, errclass.Transient(err, "update ledger entry")
	}
	if res == store.NotFound {
		return nil, errclass.ErrInvalidLockToken.WithMessagef("lock %s was released", token)
	}
	c.index.CompareAndSwap(&updated)

	eventType := model.EventTypeTokenRemove
	if held {
		eventType = model.EventTypeTokenAdd
	}
	c.record(eventType, &updated, nil)
	return &updated, nil
}

// extend pushes rec's expiry to expiresAt. A record reaped concurrently is
// not an error.
func (c *Coordinator) extend(ctx context.Context, rec *model.LockRecord, expiresAt time.Time) (*model.LockRecord, error) {
	node, res, err := c.store.NodeByPath(ctx, model.SystemWorkspace, ledgerEntryPath(rec.LockID))
	if err != nil {
		return nil, errclass.Transient(err, "read ledger entry")
	}
	if res == store.NotFound {
		return nil, nil
	}
	updated := rec.WithExpiry(expiresAt.UTC())
	res, err = c.store.SetProperties(ctx, model.SystemWorkspace, node.ID, store.Properties{
		model.PropExpirationDate: formatTime(updated.ExpiresAt),
	})
	if err != nil {
		return nil, errclass.Transient(err, "extend ledger entry")
	}
	if res == store.NotFound {
		return nil, nil
	}
	c.index.CompareAndSwap(updated)
	return updated, nil
}

// reenforce applies store enforcement and markers for a ledger record
// whose acquisition did not finish.
func (c *Coordinator) reenforce(ctx context.Context, rec *model.LockRecord) error {
	enforceCtx, cancel := context.WithTimeout(ctx, c.policy.EnforceTimeout)
	err := c.store.LockNode(enforceCtx, c.workspace, rec.LockedNodeID, rec.Deep)
	cancel()
	if err != nil && !errors.Is(err, store.ErrEnforced) {
		return err
	}
	if _, err := c.store.SetProperties(ctx, c.workspace, rec.LockedNodeID, markers(rec)); err != nil {
		return err
	}
	return nil
}

// LockNodeInternally records rec in the index without touching the store.
func (c *Coordinator) LockNodeInternally(rec *model.LockRecord) {
	c.index.Put(rec)
	c.metrics.SetIndexSize(c.workspace, c.index.Len())
}

// UnlockNodeInternally drops the index entry for nodeID if it still carries
// lockID. An empty lockID drops whatever is there. It reports whether an
// entry was dropped.
func (c *Coordinator) UnlockNodeInternally(nodeID, lockID string) bool {
	var removed bool
	if lockID == "" {
		_, removed = c.index.Remove(nodeID)
	} else {
		removed = c.index.CompareAndRemove(nodeID, lockID)
	}
	c.metrics.SetIndexSize(c.workspace, c.index.Len())
	return removed
}

// LockForToken looks token up in the index.
func (c *Coordinator) LockForToken(token string) (*model.LockRecord, bool) {
	return c.index.FindByToken(token)
}

// Locks returns the indexed locks ordered by acquisition time.
func (c *Coordinator) Locks() []*model.LockRecord {
	var out []*model.LockRecord
	c.index.Range(func(rec *model.LockRecord) bool {
		out = append(out, rec)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].AcquiredAt.Equal(out[j].AcquiredAt) {
			return out[i].LockID < out[j].LockID
		}
		return out[i].AcquiredAt.Before(out[j].AcquiredAt)
	})
	return out
}

// CleanLocks is called when a session ends with the tokens it held:
// session-scoped locks are released and open-scoped ones are handed back
// so another session may accept them.
func (c *Coordinator) CleanLocks(ctx context.Context, tokens []string) error {
	var errs []error
	for _, token := range tokens {
		rec, res, err := c.LedgerRecord(ctx, token)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if res == store.NotFound {
			continue
		}
		if rec.SessionScoped {
			err = c.release(ctx, rec, reasonLogout)
		} else {
			err = c.SetHeldBySession(ctx, token, false)
		}
		if err != nil {
			c.logger.WarnErr("clean lock at logout", err, lockFields(rec))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
