package lock_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/ModeShape/modeshape-sub003/internal/lock"
	"github.com/ModeShape/modeshape-sub003/internal/store"
	"github.com/ModeShape/modeshape-sub003/internal/store/memstore"
	"github.com/ModeShape/modeshape-sub003/pkg/model"
)

const ws = "default"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type liveSessions struct {
	mu  sync.Mutex
	ids sets.Set[string]
	err error
}

func newLiveSessions(ids ...string) *liveSessions {
	return &liveSessions{ids: sets.New(ids...)}
}

func (l *liveSessions) LiveSessionIDs(context.Context) (sets.Set[string], error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	return l.ids.Clone(), nil
}

func (l *liveSessions) Remove(id string) {
	l.mu.Lock()
	l.ids.Delete(id)
	l.mu.Unlock()
}

type fixture struct {
	backend  *memstore.Backend
	store    *memstore.Store
	clock    *fakeClock
	sessions *liveSessions
	registry *lock.Registry
}

func testPolicy() model.LockPolicy {
	return model.LockPolicy{
		SweepInterval:   30 * time.Second,
		ExtensionWindow: 60 * time.Second,
		EnforceTimeout:  200 * time.Millisecond,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend := memstore.NewBackend()
	return attach(t, backend, "proc-1", newClock(), newLiveSessions("s1", "s2"))
}

// attach opens another process on the same backend.
func attach(t *testing.T, backend *memstore.Backend, processID string, clock *fakeClock, sessions *liveSessions) *fixture {
	t.Helper()
	st := backend.Open(processID)
	reg := lock.NewRegistry(st, sessions, lock.Options{
		Policy: testPolicy(),
		Clock:  clock.Now,
	})
	require.NoError(t, reg.Start(context.Background()))
	t.Cleanup(reg.Close)
	return &fixture{backend: backend, store: st, clock: clock, sessions: sessions, registry: reg}
}

func (f *fixture) node(t *testing.T, path string, props ...store.Properties) *store.NodeInfo {
	t.Helper()
	p := store.Properties{}
	for _, extra := range props {
		for k, v := range extra {
			p[k] = v
		}
	}
	n, _, err := f.store.CreateIfAbsent(context.Background(), ws, path, p)
	require.NoError(t, err)
	return n
}

func (f *fixture) coordinator() *lock.Coordinator {
	return f.registry.Coordinator(ws)
}

func (f *fixture) lock(t *testing.T, nodeID string, deep, sessionScoped bool, sessionID string) *model.LockRecord {
	t.Helper()
	rec, err := f.coordinator().Lock(context.Background(), lock.LockRequest{
		NodeID:        nodeID,
		Deep:          deep,
		SessionScoped: sessionScoped,
		Owner:         "alice",
		SessionID:     sessionID,
	})
	require.NoError(t, err)
	return rec
}

func (f *fixture) ledgerLen(t *testing.T) int {
	t.Helper()
	recs, err := f.registry.Ledger(context.Background())
	require.NoError(t, err)
	return len(recs)
}
