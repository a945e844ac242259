package lock

import (
	"context"
	"fmt"

	"github.com/ModeShape/modeshape-sub003/internal/store"
	"github.com/ModeShape/modeshape-sub003/pkg/model"
	"github.com/ModeShape/modeshape-sub003/pkg/pathutil"
)

// Notify replays ledger changes made by other processes into the indexes.
// Change sets from this process are skipped since local operations already
// updated the index. A bad event is logged and skipped.
func (r *Registry) Notify(cs store.ChangeSet) {
	if cs.ProcessID == r.env.store.ProcessID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.env.policy.EnforceTimeout)
	defer cancel()
	for _, ch := range cs.Changes {
		if !isLedgerEntry(ch.Path) {
			continue
		}
		if err := r.replay(ctx, ch); err != nil {
			r.env.logger.WarnErr("replay ledger change", err, map[string]any{
				"kind":       string(ch.Kind),
				"path":       ch.Path,
				"process_id": cs.ProcessID,
			})
			r.env.metrics.RecordReplay(string(ch.Kind), false)
			continue
		}
		r.env.metrics.RecordReplay(string(ch.Kind), true)
	}
}

func (r *Registry) replay(ctx context.Context, ch store.Change) error {
	lockID := pathutil.Base(ch.Path)
	switch ch.Kind {
	case store.NodeAdded, store.PropertyChanged:
		rec, err := decodeRecord(lockID, ch.Properties)
		if err != nil {
			return err
		}
		return r.replayAdded(ctx, r.Coordinator(rec.Workspace), rec)
	case store.NodeRemoved:
		ws, nodeID := ch.Properties[model.PropWorkspace], ch.Properties[model.PropLockedNode]
		if ws != "" && nodeID != "" {
			return r.replayRemoved(ctx, r.Coordinator(ws), nodeID, lockID)
		}
		for _, c := range r.Coordinators() {
			if rec, ok := c.LockForToken(lockID); ok {
				if err := r.replayRemoved(ctx, c, rec.LockedNodeID, lockID); err != nil {
					return err
				}
			}
		}
	default:
		return fmt.Errorf("unknown change kind %q", ch.Kind)
	}
	return nil
}

// replayAdded indexes rec unless the node already carries a different lock
// that is still in the ledger. A competing entry for a locked node is an
// attempt that will lose enforcement and roll back.
func (r *Registry) replayAdded(ctx context.Context, c *Coordinator, rec *model.LockRecord) error {
	if cur, ok := c.index.Get(rec.LockedNodeID); ok && cur.LockID != rec.LockID {
		_, res, err := c.LedgerRecord(ctx, cur.LockID)
		if err != nil {
			return err
		}
		if res == store.Found {
			r.env.logger.Debug("ignoring competing ledger entry", map[string]any{
				"workspace": rec.Workspace,
				"node_id":   rec.LockedNodeID,
				"lock_id":   rec.LockID,
				"held_lock": cur.LockID,
			})
			return nil
		}
	}
	c.LockNodeInternally(rec)
	return nil
}

// replayRemoved drops lockID from the index. When that empties the slot the
// ledger is checked for another record on the node, which a rolled-back
// attempt may have displaced.
func (r *Registry) replayRemoved(ctx context.Context, c *Coordinator, nodeID, lockID string) error {
	if !c.UnlockNodeInternally(nodeID, lockID) {
		return nil
	}
	entries, err := r.readLedger(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.err == nil && e.rec.Workspace == c.workspace && e.rec.LockedNodeID == nodeID && e.rec.LockID != lockID {
			if _, loaded := c.index.PutIfAbsent(e.rec); !loaded {
				c.metrics.SetIndexSize(c.workspace, c.index.Len())
			}
			return nil
		}
	}
	return nil
}
