package lockd

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/ModeShape/modeshape-sub003/internal/doctor"
	"github.com/ModeShape/modeshape-sub003/internal/lock"
	"github.com/ModeShape/modeshape-sub003/internal/repo"
	"github.com/ModeShape/modeshape-sub003/internal/session"
	"github.com/ModeShape/modeshape-sub003/internal/store"
	"github.com/ModeShape/modeshape-sub003/pkg/config"
	"github.com/ModeShape/modeshape-sub003/pkg/logging"
	"github.com/ModeShape/modeshape-sub003/pkg/model"
)

type (
	Session           = session.Session
	LockManager       = session.LockManager
	Lock              = session.Lock
	Record            = model.LockRecord
	SweepResult       = lock.SweepResult
	CheckResult       = doctor.Result
	Principal         = store.Principal
	Permission        = store.Permission
	PermissionChecker = store.PermissionChecker
	PermissionFunc    = store.PermissionFunc
)

// PermUnlockAny lets a session release locks it does not hold.
const PermUnlockAny = store.PermUnlockAny

// Options configures Open. Config wins over ConfigPath, which must name an
// existing file; with neither the defaults apply.
type Options struct {
	ConfigPath  string
	Config      *config.Config
	Permissions PermissionChecker
	Logger      *logging.Logger
}

// Client provides high-level lock operations on one repository.
type Client struct {
	repo *repo.Repository
}

// Open opens the repository described by opts.
func Open(ctx context.Context, opts Options) (*Client, error) {
	cfg := opts.Config
	if cfg == nil && opts.ConfigPath != "" {
		if _, err := os.Stat(opts.ConfigPath); err != nil {
			return nil, fmt.Errorf("lockd open: %w", err)
		}
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("lockd open: %w", err)
		}
		cfg = loaded
	}

	var ropts []repo.Option
	if opts.Permissions != nil {
		ropts = append(ropts, repo.WithPermissions(opts.Permissions))
	}
	if opts.Logger != nil {
		ropts = append(ropts, repo.WithLogger(opts.Logger))
	}
	r, err := repo.Open(ctx, cfg, ropts...)
	if err != nil {
		return nil, fmt.Errorf("lockd open: %w", err)
	}
	return &Client{repo: r}, nil
}

// Name returns the repository name.
func (c *Client) Name() string { return c.repo.Name }

// Login opens a session for userID on workspace.
func (c *Client) Login(userID, workspace string) (*Session, error) {
	return c.repo.Login(userID, workspace)
}

// CreateNode creates the node at path, and any missing ancestors, if it does
// not exist yet. It returns the node id.
func (c *Client) CreateNode(ctx context.Context, workspace, path string) (string, error) {
	node, _, err := c.repo.Store().CreateIfAbsent(ctx, workspace, path, nil)
	if err != nil {
		return "", fmt.Errorf("create node %s: %w", path, err)
	}
	return node.ID, nil
}

// Locks returns the ledger's records, limited to workspace when it is not
// empty, ordered by workspace and acquisition time.
func (c *Client) Locks(ctx context.Context, workspace string) ([]Record, error) {
	records, err := c.repo.Locks().Ledger(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		if workspace == "" || rec.Workspace == workspace {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Workspace != out[j].Workspace {
			return out[i].Workspace < out[j].Workspace
		}
		return out[i].AcquiredAt.Before(out[j].AcquiredAt)
	})
	return out, nil
}

// Release releases the lock with lockID regardless of its owner.
func (c *Client) Release(ctx context.Context, lockID string) (Record, error) {
	rec, err := c.repo.ReleaseLock(ctx, lockID)
	if err != nil {
		return Record{}, err
	}
	return *rec, nil
}

// Sweep runs one cleanup pass.
func (c *Client) Sweep(ctx context.Context) (SweepResult, error) {
	return c.repo.Sweep(ctx)
}

// Check reports lock state inconsistencies without repairing them.
func (c *Client) Check(ctx context.Context, strict bool) (*CheckResult, error) {
	return doctor.NewDoctor(c.repo.Locks(), c.repo.Store(), c.repo.Config().Audit.Path).Check(ctx, strict)
}

// Close logs out every session and closes the repository.
func (c *Client) Close(ctx context.Context) error {
	return c.repo.Close(ctx)
}
