// Package engine hosts several named repositories in one process and runs
// the lock sweep for all of them on a shared timer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/ModeShape/modeshape-sub003/internal/lock"
	"github.com/ModeShape/modeshape-sub003/internal/repo"
	"github.com/ModeShape/modeshape-sub003/pkg/errclass"
	"github.com/ModeShape/modeshape-sub003/pkg/logging"
	"github.com/ModeShape/modeshape-sub003/pkg/model"
)

// MaxConcurrentSweeps bounds how many repositories are swept at once.
const MaxConcurrentSweeps = 4

// Outcome is the result of sweeping one repository.
type Outcome struct {
	Repository string           `json:"repository"`
	Result     lock.SweepResult `json:"result"`
	Err        error            `json:"-"`
}

// Engine owns a set of repositories keyed by name.
type Engine struct {
	interval time.Duration
	logger   *logging.Logger

	mu    sync.RWMutex
	repos map[string]*repo.Repository

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an engine sweeping every interval. A non-positive interval
// selects the default sweep interval.
func New(interval time.Duration, logger *logging.Logger) *Engine {
	if interval <= 0 {
		interval = model.DefaultLockPolicy().SweepInterval
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Engine{
		interval: interval,
		logger:   logger.WithFields(map[string]any{"component": "engine"}),
		repos:    make(map[string]*repo.Repository),
	}
}

// Add registers r under its name.
func (e *Engine) Add(r *repo.Repository) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.repos[r.Name]; ok {
		return errclass.ErrNameInvalid.WithMessagef("repository %q already registered", r.Name)
	}
	e.repos[r.Name] = r
	return nil
}

// Remove unregisters the named repository without closing it.
func (e *Engine) Remove(name string) (*repo.Repository, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.repos[name]
	delete(e.repos, name)
	return r, ok
}

// Repository returns the named repository.
func (e *Engine) Repository(name string) (*repo.Repository, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.repos[name]
	if !ok {
		return nil, errclass.ErrRepositoryUnknown.WithMessagef("repository %q", name)
	}
	return r, nil
}

// Names returns the registered repository names in order.
func (e *Engine) Names() []string {
	e.mu.RLock()
	names := make([]string, 0, len(e.repos))
	for name := range e.repos {
		names = append(names, name)
	}
	e.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (e *Engine) snapshot() []*repo.Repository {
	names := e.Names()
	out := make([]*repo.Repository, 0, len(names))
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, name := range names {
		if r, ok := e.repos[name]; ok {
			out = append(out, r)
		}
	}
	return out
}

// SweepAll sweeps every repository. A failing repository is logged and
// reported in its Outcome; it does not stop the others.
func (e *Engine) SweepAll(ctx context.Context) []Outcome {
	repos := e.snapshot()
	outcomes := make([]Outcome, len(repos))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxConcurrentSweeps)
	for i, r := range repos {
		g.Go(func() error {
			res, err := r.Sweep(gctx)
			outcomes[i] = Outcome{Repository: r.Name, Result: res, Err: err}
			if err != nil {
				e.logger.ErrorErr("sweep failed", err, map[string]any{"repository": r.Name})
			}
			return nil
		})
	}
	g.Wait()
	return outcomes
}

// Start runs SweepAll every interval until Shutdown or ctx is done.
func (e *Engine) Start(ctx context.Context) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	done := e.done
	go func() {
		defer close(done)
		wait.UntilWithContext(runCtx, func(ctx context.Context) { e.SweepAll(ctx) }, e.interval)
	}()
	e.logger.Info("sweep scheduler started", map[string]any{"interval": e.interval.String()})
}

func (e *Engine) stop() {
	e.runMu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.runMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Shutdown stops the scheduler and closes every repository.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stop()
	var errs []error
	for _, r := range e.snapshot() {
		if err := r.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close repository %s: %w", r.Name, err))
		}
		e.Remove(r.Name)
	}
	return errors.Join(errs...)
}
