package lock

import (
	"context"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/ModeShape/modeshape-sub003/pkg/errclass"
	"github.com/ModeShape/modeshape-sub003/pkg/model"
)

// BadEntry is a ledger child that does not decode as a lock record.
type BadEntry struct {
	Path string
	Err  error
}

// Inspection is a read-only snapshot of the ledger, the indexes and store
// enforcement, taken without changing any of them.
type Inspection struct {
	Now          time.Time
	Policy       model.LockPolicy
	LiveSessions sets.Set[string]
	Records      []*model.LockRecord
	BadEntries   []BadEntry
	// Enforced maps workspace to the node ids the store enforces.
	Enforced map[string]sets.Set[string]
	// Indexed maps workspace to the records of that workspace's index.
	Indexed map[string][]*model.LockRecord
}

// Inspect snapshots lock state for diagnostics.
func (r *Registry) Inspect(ctx context.Context) (*Inspection, error) {
	live, err := r.sessions.LiveSessionIDs(ctx)
	if err != nil {
		return nil, errclass.Transient(err, "list live sessions")
	}
	workspaces, err := r.env.store.Workspaces(ctx)
	if err != nil {
		return nil, errclass.Transient(err, "list workspaces")
	}

	in := &Inspection{
		Now:          r.env.now(),
		Policy:       r.env.policy,
		LiveSessions: live,
		Enforced:     make(map[string]sets.Set[string], len(workspaces)),
		Indexed:      make(map[string][]*model.LockRecord),
	}
	for _, ws := range workspaces {
		ids, err := r.env.store.EnforcedLocks(ctx, ws)
		if err != nil {
			return nil, errclass.Transient(err, "list enforced locks")
		}
		in.Enforced[ws] = sets.New(ids...)
	}

	entries, err := r.readLedger(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.err != nil {
			in.BadEntries = append(in.BadEntries, BadEntry{Path: e.path, Err: e.err})
			continue
		}
		in.Records = append(in.Records, e.rec)
	}
	for _, c := range r.Coordinators() {
		in.Indexed[c.Workspace()] = c.Locks()
	}
	return in, nil
}
