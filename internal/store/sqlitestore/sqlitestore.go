// Package sqlitestore is a durable content store on SQLite. Every mutation
// appends its change set to a changes table; each open Store tails that
// table so processes sharing one database file see each other's writes.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/ModeShape/modeshape-sub003/internal/store"
	"github.com/ModeShape/modeshape-sub003/pkg/logging"
	"github.com/ModeShape/modeshape-sub003/pkg/pathutil"
	"github.com/ModeShape/modeshape-sub003/pkg/uuidutil"
)

//go:embed schema.sql
var schema string

const (
	defaultPollInterval = 250 * time.Millisecond
	changeRetention     = 10 * time.Minute
	pollBatch           = 500
	trimEvery           = 100
)

// Options configures Open.
type Options struct {
	Path         string
	PollInterval time.Duration
	// ProcessID stamps change sets written through this handle. Generated
	// when empty.
	ProcessID string
	Logger    *logging.Logger
}

// Store is a ContentStore backed by one SQLite database file.
type Store struct {
	db        *sql.DB
	processID string
	bus       *store.Bus
	logger    *logging.Logger

	mu      sync.Mutex
	lastSeq int64
	polls   int

	cancel context.CancelFunc
	done   chan struct{}
}

var _ store.ContentStore = (*Store)(nil)

// Open opens or creates the database and starts tailing its change log.
// Changes written before Open are not replayed.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("sqlitestore: path is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.ProcessID == "" {
		opts.ProcessID = uuidutil.NewV4()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate", opts.Path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("execute schema: %w", err)
	}

	s := &Store{
		db:        db,
		processID: opts.ProcessID,
		bus:       store.NewBus(),
		logger:    opts.Logger.WithFields(map[string]any{"component": "sqlitestore"}),
		done:      make(chan struct{}),
	}
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM changes`).Scan(&s.lastSeq); err != nil {
		db.Close()
		return nil, fmt.Errorf("read change log head: %w", err)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		defer close(s.done)
		wait.UntilWithContext(pollCtx, s.poll, opts.PollInterval)
	}()
	return s, nil
}

// Close stops the change-log poller and closes the database.
func (s *Store) Close() error {
	s.cancel()
	<-s.done
	return s.db.Close()
}

func (s *Store) ProcessID() string { return s.processID }

func (s *Store) Feed() store.ChangeFeed { return s.bus }

// Sync delivers every change logged so far to subscribers.
func (s *Store) Sync(ctx context.Context) {
	s.poll(ctx)
}

func (s *Store) poll(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		rows, err := s.db.QueryContext(ctx,
			`SELECT seq, payload FROM changes WHERE seq > ? ORDER BY seq LIMIT ?`, s.lastSeq, pollBatch)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.WarnErr("poll change log", err)
			}
			return
		}
		n := 0
		for rows.Next() {
			var seq int64
			var payload string
			if err := rows.Scan(&seq, &payload); err != nil {
				s.logger.WarnErr("scan change", err)
				break
			}
			n++
			s.lastSeq = seq
			var cs store.ChangeSet
			if err := json.Unmarshal([]byte(payload), &cs); err != nil {
				s.logger.WarnErr("decode change set", err, map[string]any{"seq": seq})
				continue
			}
			s.bus.Publish(cs)
		}
		rows.Close()
		if n < pollBatch {
			break
		}
	}

	s.polls++
	if s.polls%trimEvery == 0 {
		cutoff := time.Now().Add(-changeRetention).UTC().Format(time.RFC3339Nano)
		if _, err := s.db.ExecContext(ctx, `DELETE FROM changes WHERE created_at < ?`, cutoff); err != nil {
			s.logger.WarnErr("trim change log", err)
		}
	}
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) appendChanges(ctx context.Context, tx *sql.Tx, cs store.ChangeSet) error {
	if len(cs.Changes) == 0 {
		return nil
	}
	cs.ProcessID = s.processID
	payload, err := json.Marshal(cs)
	if err != nil {
		return fmt.Errorf("encode change set: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO changes (process_id, workspace, payload, created_at) VALUES (?, ?, ?, ?)`,
		s.processID, cs.Workspace, string(payload), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append change: %w", err)
	}
	return nil
}

// selectNodes loads nodes and their properties matching a WHERE clause on
// the nodes table aliased as n.
func selectNodes(ctx context.Context, q querier, where string, args ...any) ([]*store.NodeInfo, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT n.id, n.path, p.name, p.value
		FROM nodes n
		LEFT JOIN properties p ON p.workspace = n.workspace AND p.node_id = n.id
		WHERE `+where+`
		ORDER BY n.path`, args...)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	var out []*store.NodeInfo
	byID := make(map[string]*store.NodeInfo)
	for rows.Next() {
		var id, path string
		var name, value sql.NullString
		if err := rows.Scan(&id, &path, &name, &value); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		n, ok := byID[id]
		if !ok {
			n = &store.NodeInfo{ID: id, Path: path, Properties: store.Properties{}}
			byID[id] = n
			out = append(out, n)
		}
		if name.Valid {
			n.Properties[name.String] = value.String
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	for _, n := range out {
		n.Lockable = n.Properties[store.PropLockable] != "false"
	}
	return out, nil
}

func selectOne(ctx context.Context, q querier, where string, args ...any) (*store.NodeInfo, store.Result, error) {
	nodes, err := selectNodes(ctx, q, where, args...)
	if err != nil {
		return nil, store.NotFound, err
	}
	if len(nodes) == 0 {
		return nil, store.NotFound, nil
	}
	return nodes[0], store.Found, nil
}

func (s *Store) Workspaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM workspaces ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query workspaces: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// CreateWorkspace registers a workspace with an empty root node.
func (s *Store) CreateWorkspace(ctx context.Context, name string) error {
	if err := pathutil.ValidateName(name); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return ensureWorkspace(ctx, tx, name)
	})
}

func ensureWorkspace(ctx context.Context, tx *sql.Tx, ws string) error {
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO workspaces (name) VALUES (?)`, ws); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO nodes (workspace, id, path, parent) VALUES (?, ?, ?, '')`,
		ws, uuidutil.NewV4(), pathutil.Root)
	if err != nil {
		return fmt.Errorf("create root node: %w", err)
	}
	return nil
}

func (s *Store) Node(ctx context.Context, ws, id string) (*store.NodeInfo, store.Result, error) {
	return selectOne(ctx, s.db, `n.workspace = ? AND n.id = ?`, ws, id)
}

func (s *Store) NodeByPath(ctx context.Context, ws, path string) (*store.NodeInfo, store.Result, error) {
	return selectOne(ctx, s.db, `n.workspace = ? AND n.path = ?`, ws, path)
}

func (s *Store) Children(ctx context.Context, ws, path string) ([]*store.NodeInfo, error) {
	return selectNodes(ctx, s.db, `n.workspace = ? AND n.parent = ?`, ws, path)
}

func (s *Store) CreateIfAbsent(ctx context.Context, ws, path string, props store.Properties) (*store.NodeInfo, bool, error) {
	path, err := pathutil.Clean(path)
	if err != nil {
		return nil, false, err
	}

	var node *store.NodeInfo
	created := false
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureWorkspace(ctx, tx, ws); err != nil {
			return err
		}

		var chain []string
		for p := path; p != pathutil.Root; p = pathutil.Parent(p) {
			chain = append(chain, p)
		}
		cs := store.ChangeSet{Workspace: ws}
		for i := len(chain) - 1; i >= 0; i-- {
			p := chain[i]
			id := uuidutil.NewV4()
			res, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO nodes (workspace, id, path, parent) VALUES (?, ?, ?, ?)`,
				ws, id, p, pathutil.Parent(p))
			if err != nil {
				return fmt.Errorf("insert node %s: %w", p, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("insert node %s: %w", p, err)
			}
			if affected == 0 {
				continue
			}
			var nodeProps store.Properties
			if i == 0 {
				created = true
				nodeProps = props.Clone()
				for name, value := range nodeProps {
					if _, err := tx.ExecContext(ctx,
						`INSERT INTO properties (workspace, node_id, name, value) VALUES (?, ?, ?, ?)`,
						ws, id, name, value); err != nil {
						return fmt.Errorf("insert property %s: %w", name, err)
					}
				}
			}
			cs.Changes = append(cs.Changes, store.Change{
				Kind: store.NodeAdded, NodeID: id, Path: p, Properties: nodeProps,
			})
		}
		if err := s.appendChanges(ctx, tx, cs); err != nil {
			return err
		}

		var res store.Result
		node, res, err = selectOne(ctx, tx, `n.workspace = ? AND n.path = ?`, ws, path)
		if err != nil {
			return err
		}
		if res == store.NotFound {
			return fmt.Errorf("node %s vanished during create", path)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return node, created, nil
}

func (s *Store) RemoveNode(ctx context.Context, ws, path string) (store.Result, error) {
	if path == pathutil.Root {
		return store.NotFound, nil
	}
	result := store.NotFound
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		prefix := path + "/"
		doomed, err := selectNodes(ctx, tx,
			`n.workspace = ? AND (n.path = ? OR substr(n.path, 1, length(?)) = ?)`,
			ws, path, prefix, prefix)
		if err != nil {
			return err
		}
		if len(doomed) == 0 {
			return nil
		}
		result = store.Found
		sort.Slice(doomed, func(i, j int) bool { return doomed[i].Path > doomed[j].Path })

		cs := store.ChangeSet{Workspace: ws}
		for _, n := range doomed {
			for _, stmt := range []string{
				`DELETE FROM properties WHERE workspace = ? AND node_id = ?`,
				`DELETE FROM enforced_locks WHERE workspace = ? AND node_id = ?`,
				`DELETE FROM nodes WHERE workspace = ? AND id = ?`,
			} {
				if _, err := tx.ExecContext(ctx, stmt, ws, n.ID); err != nil {
					return fmt.Errorf("remove node %s: %w", n.Path, err)
				}
			}
			cs.Changes = append(cs.Changes, store.Change{
				Kind: store.NodeRemoved, NodeID: n.ID, Path: n.Path, Properties: n.Properties,
			})
		}
		return s.appendChanges(ctx, tx, cs)
	})
	if err != nil {
		return store.NotFound, err
	}
	return result, nil
}

func (s *Store) SetProperties(ctx context.Context, ws, id string, props store.Properties) (store.Result, error) {
	return s.mutate(ctx, ws, id, func(tx *sql.Tx) error {
		for name, value := range props {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO properties (workspace, node_id, name, value) VALUES (?, ?, ?, ?)
				ON CONFLICT (workspace, node_id, name) DO UPDATE SET value = excluded.value`,
				ws, id, name, value)
			if err != nil {
				return fmt.Errorf("set property %s: %w", name, err)
			}
		}
		return nil
	})
}

func (s *Store) RemoveProperties(ctx context.Context, ws, id string, names ...string) (store.Result, error) {
	return s.mutate(ctx, ws, id, func(tx *sql.Tx) error {
		for _, name := range names {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM properties WHERE workspace = ? AND node_id = ? AND name = ?`,
				ws, id, name); err != nil {
				return fmt.Errorf("remove property %s: %w", name, err)
			}
		}
		return nil
	})
}

func (s *Store) mutate(ctx context.Context, ws, id string, fn func(tx *sql.Tx) error) (store.Result, error) {
	result := store.NotFound
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, res, err := selectOne(ctx, tx, `n.workspace = ? AND n.id = ?`, ws, id)
		if err != nil || res == store.NotFound {
			return err
		}
		result = store.Found
		if err := fn(tx); err != nil {
			return err
		}
		after, _, err := selectOne(ctx, tx, `n.workspace = ? AND n.id = ?`, ws, id)
		if err != nil {
			return err
		}
		return s.appendChanges(ctx, tx, store.ChangeSet{Workspace: ws, Changes: []store.Change{
			{Kind: store.PropertyChanged, NodeID: id, Path: after.Path, Properties: after.Properties},
		}})
	})
	if err != nil {
		return store.NotFound, err
	}
	return result, nil
}

func (s *Store) LockNode(ctx context.Context, ws, id string, deep bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, res, err := selectOne(ctx, tx, `n.workspace = ? AND n.id = ?`, ws, id)
		if err != nil {
			return err
		}
		if res == store.NotFound {
			return fmt.Errorf("node %s not found in %q", id, ws)
		}
		r, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO enforced_locks (workspace, node_id, deep, process_id, enforced_at)
			VALUES (?, ?, ?, ?, ?)`,
			ws, id, deep, s.processID, time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("enforce lock: %w", err)
		}
		affected, err := r.RowsAffected()
		if err != nil {
			return fmt.Errorf("enforce lock: %w", err)
		}
		if affected == 0 {
			return store.ErrEnforced
		}
		return nil
	})
}

func (s *Store) UnlockNode(ctx context.Context, ws, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM enforced_locks WHERE workspace = ? AND node_id = ?`, ws, id); err != nil {
		return fmt.Errorf("release enforcement: %w", err)
	}
	return nil
}

func (s *Store) EnforcedLocks(ctx context.Context, ws string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id FROM enforced_locks WHERE workspace = ? ORDER BY node_id`, ws)
	if err != nil {
		return nil, fmt.Errorf("query enforced locks: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan enforced lock: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
