package lock

import (
	"context"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/ModeShape/modeshape-sub003/internal/store"
	"github.com/ModeShape/modeshape-sub003/pkg/errclass"
	"github.com/ModeShape/modeshape-sub003/pkg/model"
)

// SweepResult summarizes one CleanUpLocks run.
type SweepResult struct {
	Checked  int `json:"checked"`
	Extended int `json:"extended"`
	Reaped   int `json:"reaped"`
	Cleared  int `json:"cleared"`
	Failed   int `json:"failed"`
}

// CleanUpLocks runs one sweep. Session-scoped locks of live sessions are
// extended; those of dead sessions are reaped once expired. Open-scoped
// locks are left alone by liveness. Independently of scope, a record whose
// node is gone is reaped, an unenforced record past the enforcement timeout
// is re-enforced or reaped, and enforcement with no ledger record is
// cleared. Per-record failures are logged and skipped.
func (r *Registry) CleanUpLocks(ctx context.Context) error {
	_, err := r.Sweep(ctx)
	return err
}

// Sweep is CleanUpLocks returning counts.
func (r *Registry) Sweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	result, err := r.sweep(ctx)
	r.env.metrics.RecordSweep(err == nil, time.Since(start), result.Extended, result.Reaped)

	fields := map[string]any{
		"checked":     result.Checked,
		"extended":    result.Extended,
		"reaped":      result.Reaped,
		"cleared":     result.Cleared,
		"failed":      result.Failed,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		r.env.logger.ErrorErr("lock sweep failed", err, fields)
		return result, err
	}
	r.env.logger.Debug("lock sweep finished", fields)
	return result, nil
}

func (r *Registry) sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	live, err := r.sessions.LiveSessionIDs(ctx)
	if err != nil {
		return result, errclass.Transient(err, "list live sessions")
	}

	// Enforcement is snapshotted before the ledger is read: every enforced
	// node in the snapshot already had its ledger entry written.
	workspaces, err := r.env.store.Workspaces(ctx)
	if err != nil {
		return result, errclass.Transient(err, "list workspaces")
	}
	enforced := make(map[string]sets.Set[string], len(workspaces))
	for _, ws := range workspaces {
		ids, err := r.env.store.EnforcedLocks(ctx, ws)
		if err != nil {
			r.env.logger.WarnErr("list enforced locks", err, map[string]any{"workspace": ws})
			continue
		}
		enforced[ws] = sets.New(ids...)
	}

	entries, err := r.readLedger(ctx)
	if err != nil {
		return result, err
	}

	now := r.env.now()
	recorded := make(map[string]sets.Set[string])
	for _, e := range entries {
		if e.err != nil {
			r.env.logger.WarnErr("skipping undecodable ledger entry", e.err, map[string]any{"path": e.path})
			result.Failed++
			continue
		}
		rec := e.rec
		if recorded[rec.Workspace] == nil {
			recorded[rec.Workspace] = sets.New[string]()
		}
		recorded[rec.Workspace].Insert(rec.LockedNodeID)
		result.Checked++

		if err := r.sweepRecord(ctx, rec, live, enforced, now, &result); err != nil {
			r.env.logger.ErrorErr("sweep lock", err, lockFields(rec))
			result.Failed++
		}
	}

	for ws, ids := range enforced {
		for _, id := range sets.List(ids) {
			if recorded[ws].Has(id) {
				continue
			}
			cleared, err := r.clearUnrecorded(ctx, ws, id)
			if err != nil {
				r.env.logger.ErrorErr("clear unrecorded enforcement", err, map[string]any{"workspace": ws, "node_id": id})
				result.Failed++
				continue
			}
			if cleared {
				result.Cleared++
			}
		}
	}
	return result, nil
}

func (r *Registry) sweepRecord(ctx context.Context, rec *model.LockRecord, live sets.Set[string],
	enforced map[string]sets.Set[string], now time.Time, result *SweepResult) error {
	c := r.Coordinator(rec.Workspace)

	_, res, err := r.env.store.Node(ctx, rec.Workspace, rec.LockedNodeID)
	if err != nil {
		return err
	}
	if res == store.NotFound {
		result.Reaped++
		return c.release(ctx, rec, reasonNodeRemoved)
	}

	if ids, ok := enforced[rec.Workspace]; ok && !ids.Has(rec.LockedNodeID) &&
		now.Sub(rec.AcquiredAt) > r.env.policy.EnforceTimeout {
		if err := c.reenforce(ctx, rec); err != nil {
			r.env.logger.WarnErr("re-enforcing lock failed, reaping", err, lockFields(rec))
			result.Reaped++
			return c.release(ctx, rec, reasonUnenforced)
		}
		r.env.logger.Info("re-enforced lock", lockFields(rec))
	}

	if rec.SessionScoped {
		if live.Has(rec.LockingSessionID) {
			updated, err := c.extend(ctx, rec, now.Add(r.env.policy.ExtensionWindow))
			if err != nil {
				return err
			}
			if updated == nil {
				return nil
			}
			rec = updated
			result.Extended++
		} else if rec.IsExpired(now) {
			result.Reaped++
			return c.release(ctx, rec, reasonExpired)
		}
	}

	// Heal an index that missed a feed event.
	if _, ok := c.index.Get(rec.LockedNodeID); !ok {
		c.index.PutIfAbsent(rec)
	}
	return nil
}

// clearUnrecorded releases store enforcement and markers on a node that
// has no ledger entry. Nodes with an index entry are skipped as in flight.
func (r *Registry) clearUnrecorded(ctx context.Context, ws, nodeID string) (bool, error) {
	c := r.Coordinator(ws)
	if _, ok := c.index.Get(nodeID); ok {
		return false, nil
	}
	if err := r.env.store.UnlockNode(ctx, ws, nodeID); err != nil {
		return false, err
	}
	if _, err := r.env.store.RemoveProperties(ctx, ws, nodeID, model.PropLockOwner, model.PropLockIsDeep); err != nil {
		return false, err
	}
	r.env.logger.Warn("cleared enforcement with no ledger entry", map[string]any{"workspace": ws, "node_id": nodeID})
	r.env.record(model.EventTypeEnforceClear, &model.LockRecord{Workspace: ws, LockedNodeID: nodeID},
		map[string]any{"node_id": nodeID})
	return true, nil
}
