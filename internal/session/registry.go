// Package session tracks live sessions and gives each one a lock manager
// enforcing token ownership.
package session

import (
	"context"
	"sort"
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/ModeShape/modeshape-sub003/internal/lock"
	"github.com/ModeShape/modeshape-sub003/internal/store"
	"github.com/ModeShape/modeshape-sub003/pkg/errclass"
	"github.com/ModeShape/modeshape-sub003/pkg/logging"
	"github.com/ModeShape/modeshape-sub003/pkg/pathutil"
	"github.com/ModeShape/modeshape-sub003/pkg/uuidutil"
)

// Env is what sessions work against.
type Env struct {
	Locks       *lock.Registry
	Store       store.ContentStore
	Permissions store.PermissionChecker
	Logger      *logging.Logger
}

// Registry is the set of live sessions of one repository process.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

var _ store.SessionRegistry = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Login opens a session for userID on workspace.
func (r *Registry) Login(env Env, userID, workspace string) (*Session, error) {
	if userID == "" {
		return nil, errclass.ErrNameInvalid.WithMessage("user id must not be empty")
	}
	if err := pathutil.ValidateName(workspace); err != nil {
		return nil, err
	}
	if env.Permissions == nil {
		env.Permissions = store.DenyAll
	}
	if env.Logger == nil {
		env.Logger = logging.Nop()
	}

	s := &Session{
		id:        uuidutil.NewV4(),
		userID:    userID,
		workspace: workspace,
		registry:  r,
		pending:   sets.New[string](),
	}
	s.locks = newLockManager(s, env)

	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()

	env.Logger.Debug("session opened", map[string]any{"session_id": s.id, "user_id": userID, "workspace": workspace})
	return s, nil
}

// Get returns the live session with id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Sessions returns the live sessions ordered by id.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// LiveSessionIDs implements store.SessionRegistry.
func (r *Registry) LiveSessionIDs(context.Context) (sets.Set[string], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := sets.New[string]()
	for id := range r.sessions {
		ids.Insert(id)
	}
	return ids, nil
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}
