// Package repo assembles one lock-coordinated repository: a content store,
// the lock registry over it and the sessions working against it.
package repo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ModeShape/modeshape-sub003/internal/audit"
	"github.com/ModeShape/modeshape-sub003/internal/lock"
	"github.com/ModeShape/modeshape-sub003/internal/session"
	"github.com/ModeShape/modeshape-sub003/internal/store"
	"github.com/ModeShape/modeshape-sub003/internal/store/memstore"
	"github.com/ModeShape/modeshape-sub003/internal/store/sqlitestore"
	"github.com/ModeShape/modeshape-sub003/pkg/config"
	"github.com/ModeShape/modeshape-sub003/pkg/errclass"
	"github.com/ModeShape/modeshape-sub003/pkg/logging"
	"github.com/ModeShape/modeshape-sub003/pkg/metrics"
	"github.com/ModeShape/modeshape-sub003/pkg/model"
	"github.com/ModeShape/modeshape-sub003/pkg/pathutil"
	"github.com/ModeShape/modeshape-sub003/pkg/uuidutil"
	"github.com/ModeShape/modeshape-sub003/pkg/webhook"
)

const (
	ConfigFileName = config.DefaultFileName
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
)

// Repository is a content store with lock coordination attached.
type Repository struct {
	Name string

	cfg      *config.Config
	store    store.ContentStore
	locks    *lock.Registry
	sessions *session.Registry
	env      session.Env
	logger   *logging.Logger
	hooks    *webhook.Client
	closer   func() error
}

type options struct {
	store       store.ContentStore
	permissions store.PermissionChecker
	logger      *logging.Logger
	metrics     *metrics.Registry
}

// Option customizes Open.
type Option func(*options)

// WithStore supplies the content store instead of building one from the
// config's driver. The caller keeps ownership of it.
func WithStore(st store.ContentStore) Option {
	return func(o *options) { o.store = st }
}

// WithPermissions sets the checker consulted before a session releases a
// lock it does not hold. Sessions are denied when none is set.
func WithPermissions(p store.PermissionChecker) Option {
	return func(o *options) { o.permissions = p }
}

func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(o *options) { o.metrics = m }
}

// Open builds the repository described by cfg, rebuilds its lock indexes
// from the ledger and starts replaying changes from other processes.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Repository, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := pathutil.ValidateName(cfg.Repository); err != nil {
		return nil, err
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = newLogger(cfg)
	}
	if o.metrics == nil && cfg.Metrics.Enabled {
		o.metrics = metrics.Default()
	}

	r := &Repository{
		Name:   cfg.Repository,
		cfg:    cfg,
		logger: o.logger.WithFields(map[string]any{"repository": cfg.Repository}),
	}

	if o.store != nil {
		r.store = o.store
	} else {
		st, closer, err := openStore(ctx, cfg, r.logger)
		if err != nil {
			return nil, err
		}
		r.store = st
		r.closer = closer
	}

	lockOpts := lock.Options{
		Policy:        cfg.Policy(),
		Logger:        r.logger,
		Audit:         audit.NewFileAppender(cfg.Audit.Path),
		Metrics:       o.metrics,
		RetryAttempts: cfg.Locks.RetryAttempts,
	}
	if len(cfg.Webhooks.Hooks) > 0 {
		r.hooks = newHooks(cfg, r.logger)
		lockOpts.Events = r.hooks
	}
	r.sessions = session.NewRegistry()
	r.locks = lock.NewRegistry(r.store, r.sessions, lockOpts)
	r.env = session.Env{
		Locks:       r.locks,
		Store:       r.store,
		Permissions: o.permissions,
		Logger:      r.logger,
	}

	if err := r.locks.Start(ctx); err != nil {
		r.locks.Close()
		if r.hooks != nil {
			r.hooks.Close()
		}
		if r.closer != nil {
			r.closer()
		}
		return nil, fmt.Errorf("start lock registry: %w", err)
	}
	r.logger.Info("repository opened", map[string]any{"driver": cfg.Store.Driver})
	return r, nil
}

func newLogger(cfg *config.Config) *logging.Logger {
	level := logging.ParseLevel(cfg.Logging.Level)
	if cfg.Logging.Format == "text" {
		return logging.NewTextLogger(level)
	}
	return logging.NewLogger(level)
}

func newHooks(cfg *config.Config, logger *logging.Logger) *webhook.Client {
	hooks := make([]webhook.HookConfig, 0, len(cfg.Webhooks.Hooks))
	for _, h := range cfg.Webhooks.Hooks {
		hooks = append(hooks, webhook.HookConfig{
			URL:     h.URL,
			Secret:  h.Secret,
			Events:  h.Events,
			Timeout: h.Timeout.D(),
		})
	}
	return webhook.NewClient(webhook.Config{
		Hooks:      hooks,
		MaxRetries: cfg.Webhooks.MaxRetries,
		RetryDelay: cfg.Webhooks.RetryDelay.D(),
		QueueSize:  cfg.Webhooks.QueueSize,
		Repository: cfg.Repository,
		Logger:     logger,
	})
}

func openStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (store.ContentStore, func() error, error) {
	switch cfg.Store.Driver {
	case DriverMemory:
		return memstore.New(), nil, nil
	case DriverSQLite:
		if dir := filepath.Dir(cfg.Store.Path); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, nil, fmt.Errorf("create store directory: %w", err)
			}
		}
		st, err := sqlitestore.Open(ctx, sqlitestore.Options{
			Path:         cfg.Store.Path,
			PollInterval: cfg.Store.PollInterval.D(),
			Logger:       logger,
		})
		if err != nil {
			return nil, nil, errclass.Transient(err, "open sqlite store")
		}
		return st, st.Close, nil
	default:
		return nil, nil, errclass.ErrConfigInvalid.WithMessagef("unknown store driver %q", cfg.Store.Driver)
	}
}

// Config returns the configuration the repository was opened with.
func (r *Repository) Config() *config.Config { return r.cfg }

func (r *Repository) Store() store.ContentStore { return r.store }

func (r *Repository) Locks() *lock.Registry { return r.locks }

func (r *Repository) Sessions() *session.Registry { return r.sessions }

// Login opens a session for userID on workspace.
func (r *Repository) Login(userID, workspace string) (*session.Session, error) {
	return r.sessions.Login(r.env, userID, workspace)
}

type workspaceCreator interface {
	CreateWorkspace(ctx context.Context, name string) error
}

// CreateWorkspace makes an empty workspace, when the store supports it.
func (r *Repository) CreateWorkspace(ctx context.Context, name string) error {
	wc, ok := r.store.(workspaceCreator)
	if !ok {
		return errclass.ErrConfigInvalid.WithMessage("store does not support creating workspaces")
	}
	if err := wc.CreateWorkspace(ctx, name); err != nil {
		return errclass.Transient(err, "create workspace")
	}
	return nil
}

// ReleaseLock releases the lock with lockID regardless of which session
// holds its token.
func (r *Repository) ReleaseLock(ctx context.Context, lockID string) (*model.LockRecord, error) {
	if !uuidutil.Valid(lockID) {
		return nil, errclass.ErrInvalidLockToken.WithMessagef("%q is not a lock id", lockID)
	}
	rec, ok := r.locks.FindLockByToken(lockID)
	if !ok {
		records, err := r.locks.Ledger(ctx)
		if err != nil {
			return nil, err
		}
		for _, candidate := range records {
			if candidate.LockID == lockID {
				rec, ok = candidate, true
				break
			}
		}
	}
	if !ok {
		return nil, errclass.ErrNotLocked.WithMessagef("no lock with id %s", lockID)
	}
	if err := r.locks.Coordinator(rec.Workspace).Unlock(ctx, rec); err != nil {
		return nil, err
	}
	r.logger.Info("lock released administratively", map[string]any{"lock_id": lockID, "workspace": rec.Workspace})
	return rec, nil
}

// Sweep runs one reconciliation pass over the ledger.
func (r *Repository) Sweep(ctx context.Context) (lock.SweepResult, error) {
	return r.locks.Sweep(ctx)
}

// Close logs out every live session, stops change replay, flushes queued
// webhook events and closes a store the repository opened itself.
func (r *Repository) Close(ctx context.Context) error {
	var errs []error
	for _, s := range r.sessions.Sessions() {
		if err := s.Logout(ctx); err != nil {
			errs = append(errs, fmt.Errorf("logout session %s: %w", s.ID(), err))
		}
	}
	r.locks.Close()
	if r.hooks != nil {
		r.hooks.Close()
	}
	if r.closer != nil {
		if err := r.closer(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	r.logger.Info("repository closed")
	return errors.Join(errs...)
}

// FindConfig walks up from dir looking for a lockd.yaml file.
func FindConfig(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	for {
		candidate := filepath.Join(dir, ConfigFileName)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no %s found", ConfigFileName)
		}
		dir = parent
	}
}
