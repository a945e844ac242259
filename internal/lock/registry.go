package lock

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/felixgeelhaar/fortify/retry"
	"golang.org/x/sync/singleflight"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/ModeShape/modeshape-sub003/internal/audit"
	"github.com/ModeShape/modeshape-sub003/internal/store"
	"github.com/ModeShape/modeshape-sub003/pkg/errclass"
	"github.com/ModeShape/modeshape-sub003/pkg/logging"
	"github.com/ModeShape/modeshape-sub003/pkg/metrics"
	"github.com/ModeShape/modeshape-sub003/pkg/model"
)

// Options configures a Registry. Zero values select defaults.
type Options struct {
	Policy  model.LockPolicy
	Logger  *logging.Logger
	Audit   *audit.FileAppender
	Metrics *metrics.Registry
	// Events, when set, is told about every audited lock event.
	Events EventSink
	// RetryAttempts bounds retries of the sweep's ledger read.
	RetryAttempts int
	Clock         func() time.Time
}

// Registry owns one Coordinator per workspace of a repository, runs the
// sweep and replays ledger changes made by other processes.
type Registry struct {
	env      env
	sessions store.SessionRegistry
	retrier  retry.Retry[[]ledgerEntry]

	coordinators sync.Map // workspace -> *Coordinator
	group        singleflight.Group

	mu          sync.Mutex
	unsubscribe func()
}

// NewRegistry creates a registry over st. sessions reports liveness to the
// sweep.
func NewRegistry(st store.ContentStore, sessions store.SessionRegistry, opts Options) *Registry {
	if opts.Policy == (model.LockPolicy{}) {
		opts.Policy = model.DefaultLockPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	r := &Registry{
		env: env{
			store:   st,
			policy:  opts.Policy,
			logger:  opts.Logger.WithFields(map[string]any{"component": "locks"}),
			audit:   opts.Audit,
			metrics: opts.Metrics,
			events:  opts.Events,
			now:     opts.Clock,
		},
		sessions: sessions,
	}
	if opts.RetryAttempts > 0 {
		r.retrier = retry.New[[]ledgerEntry](retry.Config{
			MaxAttempts:   opts.RetryAttempts,
			InitialDelay:  100 * time.Millisecond,
			MaxDelay:      2 * time.Second,
			BackoffPolicy: retry.BackoffExponential,
			Multiplier:    2.0,
			Jitter:        true,
			IsRetryable:   isRetryable,
		})
	}
	return r
}

func isRetryable(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Policy returns the timing policy in use.
func (r *Registry) Policy() model.LockPolicy {
	return r.env.policy
}

// Now returns the registry clock's current time.
func (r *Registry) Now() time.Time {
	return r.env.now()
}

// Coordinator returns the coordinator for workspace, creating it on first
// use. Concurrent first calls share one instance.
func (r *Registry) Coordinator(workspace string) *Coordinator {
	if v, ok := r.coordinators.Load(workspace); ok {
		return v.(*Coordinator)
	}
	v, _, _ := r.group.Do(workspace, func() (any, error) {
		if v, ok := r.coordinators.Load(workspace); ok {
			return v, nil
		}
		c := newCoordinator(workspace, &r.env)
		r.coordinators.Store(workspace, c)
		return c, nil
	})
	return v.(*Coordinator)
}

// Coordinators returns the coordinators created so far, by workspace name.
func (r *Registry) Coordinators() []*Coordinator {
	var out []*Coordinator
	r.coordinators.Range(func(_, v any) bool {
		out = append(out, v.(*Coordinator))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].workspace < out[j].workspace })
	return out
}

// FindLockByToken searches every workspace index for token.
func (r *Registry) FindLockByToken(token string) (*model.LockRecord, bool) {
	for _, c := range r.Coordinators() {
		if rec, ok := c.LockForToken(token); ok {
			return rec, true
		}
	}
	return nil, false
}

// Start subscribes to ledger changes and loads the ledger into the indexes.
// Calling Start twice is a no-op.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.unsubscribe != nil {
		r.mu.Unlock()
		return nil
	}
	r.unsubscribe = r.env.store.Feed().Subscribe(model.SystemWorkspace, model.LedgerPath, r.Notify)
	r.mu.Unlock()

	return r.Refresh(ctx)
}

// Close stops change-feed replay.
func (r *Registry) Close() {
	r.mu.Lock()
	unsubscribe := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// Refresh rebuilds the indexes from the ledger. Undecodable ledger entries
// are removed. Index entries with no ledger entry are dropped once older
// than the enforcement timeout, so in-flight acquisitions survive.
func (r *Registry) Refresh(ctx context.Context) error {
	entries, err := r.readLedger(ctx)
	if err != nil {
		return err
	}

	recorded := sets.New[string]()
	for _, e := range entries {
		if e.err != nil {
			r.env.logger.WarnErr("pruning undecodable ledger entry", e.err, map[string]any{"path": e.path})
			if _, err := r.env.store.RemoveNode(ctx, model.SystemWorkspace, e.path); err != nil {
				r.env.logger.ErrorErr("prune ledger entry", err, map[string]any{"path": e.path})
			}
			continue
		}
		recorded.Insert(e.rec.LockID)
		r.Coordinator(e.rec.Workspace).LockNodeInternally(e.rec)
	}

	cutoff := r.env.now().Add(-r.env.policy.EnforceTimeout)
	for _, c := range r.Coordinators() {
		for _, rec := range c.Locks() {
			if !recorded.Has(rec.LockID) && rec.AcquiredAt.Before(cutoff) {
				c.UnlockNodeInternally(rec.LockedNodeID, rec.LockID)
			}
		}
	}
	r.env.logger.Info("lock indexes loaded", map[string]any{"locks": recorded.Len()})
	return nil
}

// ledgerEntry is one child of the ledger; err is set when it cannot be
// decoded.
type ledgerEntry struct {
	path string
	rec  *model.LockRecord
	err  error
}

// Ledger returns every decodable record in the ledger.
func (r *Registry) Ledger(ctx context.Context) ([]*model.LockRecord, error) {
	entries, err := r.readLedger(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*model.LockRecord, 0, len(entries))
	for _, e := range entries {
		if e.err == nil {
			out = append(out, e.rec)
		}
	}
	return out, nil
}

func (r *Registry) readLedger(ctx context.Context) ([]ledgerEntry, error) {
	read := func(ctx context.Context) ([]ledgerEntry, error) {
		nodes, err := r.env.store.Children(ctx, model.SystemWorkspace, model.LedgerPath)
		if err != nil {
			return nil, err
		}
		entries := make([]ledgerEntry, 0, len(nodes))
		for _, n := range nodes {
			rec, err := decodeRecord(n.Path[len(model.LedgerPath)+1:], n.Properties)
			entries = append(entries, ledgerEntry{path: n.Path, rec: rec, err: err})
		}
		return entries, nil
	}

	var entries []ledgerEntry
	var err error
	if r.retrier != nil {
		entries, err = r.retrier.Do(ctx, read)
	} else {
		entries, err = read(ctx)
	}
	if err != nil {
		return nil, errclass.Transient(err, "read ledger")
	}
	return entries, nil
}
