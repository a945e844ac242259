// Package memstore is an in-memory content store. A Backend holds the shared
// content; each Open handle acts as one process attached to it, so several
// lock registries can be exercised against the same durable state.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ModeShape/modeshape-sub003/internal/store"
	"github.com/ModeShape/modeshape-sub003/pkg/pathutil"
	"github.com/ModeShape/modeshape-sub003/pkg/uuidutil"
)

// Backend is the shared state behind one or more Store handles.
type Backend struct {
	mu         sync.RWMutex
	workspaces map[string]*workspace
	bus        *store.Bus

	faultMu sync.Mutex
	faults  map[string]error
	gate    chan struct{}
}

type workspace struct {
	byPath   map[string]*node
	byID     map[string]*node
	enforced map[string]bool
}

type node struct {
	id    string
	path  string
	props store.Properties
}

// NewBackend creates an empty backend.
func NewBackend() *Backend {
	return &Backend{
		workspaces: make(map[string]*workspace),
		bus:        store.NewBus(),
		faults:     make(map[string]error),
	}
}

// New returns a handle on a fresh backend.
func New() *Store {
	return NewBackend().Open(uuidutil.NewV4())
}

// Open attaches a handle identified by processID.
func (b *Backend) Open(processID string) *Store {
	return &Store{backend: b, processID: processID}
}

// SetFault makes every call of the named Store method fail with err until
// cleared with a nil err.
func (b *Backend) SetFault(op string, err error) {
	b.faultMu.Lock()
	defer b.faultMu.Unlock()
	if err == nil {
		delete(b.faults, op)
		return
	}
	b.faults[op] = err
}

// HoldEnforcement makes LockNode block until release is called or the
// caller's context ends.
func (b *Backend) HoldEnforcement() (release func()) {
	gate := make(chan struct{})
	b.faultMu.Lock()
	b.gate = gate
	b.faultMu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			b.faultMu.Lock()
			if b.gate == gate {
				b.gate = nil
			}
			b.faultMu.Unlock()
			close(gate)
		})
	}
}

func (b *Backend) fault(op string) error {
	b.faultMu.Lock()
	defer b.faultMu.Unlock()
	if err, ok := b.faults[op]; ok {
		return fmt.Errorf("memstore %s: %w", op, err)
	}
	return nil
}

// Enforced reports whether the node is enforced at store level.
func (b *Backend) Enforced(ws, id string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	w, ok := b.workspaces[ws]
	return ok && w.enforced[id]
}

// EnforceDirect marks a node enforced without going through a lock
// coordinator, as a crashed process would leave it.
func (b *Backend) EnforceDirect(ws, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.workspace(ws).enforced[id] = true
}

// workspace returns the named workspace, creating it with a root node.
// Callers hold b.mu for writing.
func (b *Backend) workspace(name string) *workspace {
	w, ok := b.workspaces[name]
	if !ok {
		root := &node{id: uuidutil.NewV4(), path: pathutil.Root, props: store.Properties{}}
		w = &workspace{
			byPath:   map[string]*node{pathutil.Root: root},
			byID:     map[string]*node{root.id: root},
			enforced: make(map[string]bool),
		}
		b.workspaces[name] = w
	}
	return w
}

func (n *node) info() *store.NodeInfo {
	return &store.NodeInfo{
		ID:         n.id,
		Path:       n.path,
		Lockable:   n.props[store.PropLockable] != "false",
		Properties: n.props.Clone(),
	}
}

// Store is one process's handle on a Backend.
type Store struct {
	backend   *Backend
	processID string
}

var _ store.ContentStore = (*Store)(nil)

// Backend returns the shared backend.
func (s *Store) Backend() *Backend { return s.backend }

func (s *Store) ProcessID() string { return s.processID }

func (s *Store) Feed() store.ChangeFeed { return s.backend.bus }

// CreateWorkspace makes an empty workspace visible to Workspaces.
func (s *Store) CreateWorkspace(_ context.Context, name string) error {
	if err := pathutil.ValidateName(name); err != nil {
		return err
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.workspace(name)
	return nil
}

func (s *Store) Workspaces(ctx context.Context) ([]string, error) {
	if err := s.backend.fault("Workspaces"); err != nil {
		return nil, err
	}
	s.backend.mu.RLock()
	defer s.backend.mu.RUnlock()
	names := make([]string, 0, len(s.backend.workspaces))
	for name := range s.backend.workspaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) Node(ctx context.Context, ws, id string) (*store.NodeInfo, store.Result, error) {
	if err := s.backend.fault("Node"); err != nil {
		return nil, store.NotFound, err
	}
	s.backend.mu.RLock()
	defer s.backend.mu.RUnlock()
	w, ok := s.backend.workspaces[ws]
	if !ok {
		return nil, store.NotFound, nil
	}
	n, ok := w.byID[id]
	if !ok {
		return nil, store.NotFound, nil
	}
	return n.info(), store.Found, nil
}

func (s *Store) NodeByPath(ctx context.Context, ws, path string) (*store.NodeInfo, store.Result, error) {
	if err := s.backend.fault("NodeByPath"); err != nil {
		return nil, store.NotFound, err
	}
	s.backend.mu.RLock()
	defer s.backend.mu.RUnlock()
	w, ok := s.backend.workspaces[ws]
	if !ok {
		return nil, store.NotFound, nil
	}
	n, ok := w.byPath[path]
	if !ok {
		return nil, store.NotFound, nil
	}
	return n.info(), store.Found, nil
}

func (s *Store) Children(ctx context.Context, ws, path string) ([]*store.NodeInfo, error) {
	if err := s.backend.fault("Children"); err != nil {
		return nil, err
	}
	s.backend.mu.RLock()
	defer s.backend.mu.RUnlock()
	w, ok := s.backend.workspaces[ws]
	if !ok {
		return nil, nil
	}
	var out []*store.NodeInfo
	for p, n := range w.byPath {
		if p != pathutil.Root && pathutil.Parent(p) == path {
			out = append(out, n.info())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *Store) CreateIfAbsent(ctx context.Context, ws, path string, props store.Properties) (*store.NodeInfo, bool, error) {
	if err := s.backend.fault("CreateIfAbsent"); err != nil {
		return nil, false, err
	}
	path, err := pathutil.Clean(path)
	if err != nil {
		return nil, false, err
	}

	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	w := s.backend.workspace(ws)
	if n, ok := w.byPath[path]; ok {
		return n.info(), false, nil
	}

	var missing []string
	for p := path; p != pathutil.Root; p = pathutil.Parent(p) {
		if _, ok := w.byPath[p]; ok {
			break
		}
		missing = append(missing, p)
	}

	cs := store.ChangeSet{ProcessID: s.processID, Workspace: ws}
	var created *node
	for i := len(missing) - 1; i >= 0; i-- {
		n := &node{id: uuidutil.NewV4(), path: missing[i], props: store.Properties{}}
		if i == 0 {
			n.props = props.Clone()
			created = n
		}
		w.byPath[n.path] = n
		w.byID[n.id] = n
		cs.Changes = append(cs.Changes, store.Change{
			Kind: store.NodeAdded, NodeID: n.id, Path: n.path, Properties: n.props.Clone(),
		})
	}
	s.backend.bus.Publish(cs)
	return created.info(), true, nil
}

func (s *Store) RemoveNode(ctx context.Context, ws, path string) (store.Result, error) {
	if err := s.backend.fault("RemoveNode"); err != nil {
		return store.NotFound, err
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	w, ok := s.backend.workspaces[ws]
	if !ok || path == pathutil.Root {
		return store.NotFound, nil
	}
	if _, ok := w.byPath[path]; !ok {
		return store.NotFound, nil
	}

	var doomed []*node
	for p, n := range w.byPath {
		if pathutil.IsAtOrBelow(p, path) {
			doomed = append(doomed, n)
		}
	}
	// Deepest first, like a recursive delete.
	sort.Slice(doomed, func(i, j int) bool { return doomed[i].path > doomed[j].path })

	cs := store.ChangeSet{ProcessID: s.processID, Workspace: ws}
	for _, n := range doomed {
		delete(w.byPath, n.path)
		delete(w.byID, n.id)
		delete(w.enforced, n.id)
		cs.Changes = append(cs.Changes, store.Change{
			Kind: store.NodeRemoved, NodeID: n.id, Path: n.path, Properties: n.props.Clone(),
		})
	}
	s.backend.bus.Publish(cs)
	return store.Found, nil
}

func (s *Store) SetProperties(ctx context.Context, ws, id string, props store.Properties) (store.Result, error) {
	if err := s.backend.fault("SetProperties"); err != nil {
		return store.NotFound, err
	}
	return s.mutate(ws, id, func(n *node) {
		for k, v := range props {
			n.props[k] = v
		}
	})
}

func (s *Store) RemoveProperties(ctx context.Context, ws, id string, names ...string) (store.Result, error) {
	if err := s.backend.fault("RemoveProperties"); err != nil {
		return store.NotFound, err
	}
	return s.mutate(ws, id, func(n *node) {
		for _, name := range names {
			delete(n.props, name)
		}
	})
}

func (s *Store) mutate(ws, id string, fn func(*node)) (store.Result, error) {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	w, ok := s.backend.workspaces[ws]
	if !ok {
		return store.NotFound, nil
	}
	n, ok := w.byID[id]
	if !ok {
		return store.NotFound, nil
	}
	fn(n)
	s.backend.bus.Publish(store.ChangeSet{ProcessID: s.processID, Workspace: ws, Changes: []store.Change{
		{Kind: store.PropertyChanged, NodeID: n.id, Path: n.path, Properties: n.props.Clone()},
	}})
	return store.Found, nil
}

func (s *Store) LockNode(ctx context.Context, ws, id string, deep bool) error {
	s.backend.faultMu.Lock()
	gate := s.backend.gate
	s.backend.faultMu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := s.backend.fault("LockNode"); err != nil {
		return err
	}

	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	w, ok := s.backend.workspaces[ws]
	if !ok {
		return fmt.Errorf("memstore: workspace %q not found", ws)
	}
	if _, ok := w.byID[id]; !ok {
		return fmt.Errorf("memstore: node %s not found in %q", id, ws)
	}
	if w.enforced[id] {
		return store.ErrEnforced
	}
	w.enforced[id] = true
	return nil
}

func (s *Store) UnlockNode(ctx context.Context, ws, id string) error {
	if err := s.backend.fault("UnlockNode"); err != nil {
		return err
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	if w, ok := s.backend.workspaces[ws]; ok {
		delete(w.enforced, id)
	}
	return nil
}

func (s *Store) EnforcedLocks(ctx context.Context, ws string) ([]string, error) {
	if err := s.backend.fault("EnforcedLocks"); err != nil {
		return nil, err
	}
	s.backend.mu.RLock()
	defer s.backend.mu.RUnlock()
	w, ok := s.backend.workspaces[ws]
	if !ok {
		return nil, nil
	}
	ids := make([]string, 0, len(w.enforced))
	for id := range w.enforced {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
