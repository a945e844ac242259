package sqlitestore_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ModeShape/modeshape-sub003/internal/store"
	"github.com/ModeShape/modeshape-sub003/internal/store/sqlitestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, path, processID string) *sqlitestore.Store {
	t.Helper()
	s, err := sqlitestore.Open(context.Background(), sqlitestore.Options{
		Path:         path,
		PollInterval: 10 * time.Millisecond,
		ProcessID:    processID,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateIfAbsent(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, filepath.Join(t.TempDir(), "repo.db"), "p1")

	n, created, err := s.CreateIfAbsent(ctx, "default", "/a/b", store.Properties{"k": "v"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "/a/b", n.Path)
	assert.Equal(t, "v", n.Properties["k"])

	again, created, err := s.CreateIfAbsent(ctx, "default", "/a/b", store.Properties{"k": "x"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, n.ID, again.ID)
	assert.Equal(t, "v", again.Properties["k"])

	kids, err := s.Children(ctx, "default", "/a")
	require.NoError(t, err)
	require.Len(t, kids, 1)
	assert.Equal(t, n.ID, kids[0].ID)

	names, err := s.Workspaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"default"}, names)
}

func TestPropertiesAndRemove(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, filepath.Join(t.TempDir(), "repo.db"), "p1")

	n, _, err := s.CreateIfAbsent(ctx, "ws", "/n/child", nil)
	require.NoError(t, err)

	res, err := s.SetProperties(ctx, "ws", n.ID, store.Properties{"a": "1", store.PropLockable: "false"})
	require.NoError(t, err)
	assert.Equal(t, store.Found, res)
	res, err = s.SetProperties(ctx, "ws", n.ID, store.Properties{"a": "2"})
	require.NoError(t, err)
	assert.Equal(t, store.Found, res)

	got, res, err := s.Node(ctx, "ws", n.ID)
	require.NoError(t, err)
	assert.Equal(t, store.Found, res)
	assert.Equal(t, "2", got.Properties["a"])
	assert.False(t, got.Lockable)

	res, err = s.RemoveProperties(ctx, "ws", n.ID, "a")
	require.NoError(t, err)
	assert.Equal(t, store.Found, res)

	res, err = s.RemoveNode(ctx, "ws", "/n")
	require.NoError(t, err)
	assert.Equal(t, store.Found, res)

	_, res, err = s.NodeByPath(ctx, "ws", "/n/child")
	require.NoError(t, err)
	assert.Equal(t, store.NotFound, res)

	res, err = s.SetProperties(ctx, "ws", n.ID, store.Properties{"a": "3"})
	require.NoError(t, err)
	assert.Equal(t, store.NotFound, res)
}

func TestRemoveNode_NonASCIIPaths(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, filepath.Join(t.TempDir(), "repo.db"), "p1")

	child, _, err := s.CreateIfAbsent(ctx, "ws", "/é/child", nil)
	require.NoError(t, err)
	sibling, _, err := s.CreateIfAbsent(ctx, "ws", "/éa", nil)
	require.NoError(t, err)

	res, err := s.RemoveNode(ctx, "ws", "/é")
	require.NoError(t, err)
	assert.Equal(t, store.Found, res)

	_, res, err = s.Node(ctx, "ws", child.ID)
	require.NoError(t, err)
	assert.Equal(t, store.NotFound, res)

	_, res, err = s.Node(ctx, "ws", sibling.ID)
	require.NoError(t, err)
	assert.Equal(t, store.Found, res)
}

func TestEnforcementSharedAcrossHandles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "repo.db")
	p1 := openStore(t, path, "p1")
	p2 := openStore(t, path, "p2")

	n, _, err := p1.CreateIfAbsent(ctx, "ws", "/n", nil)
	require.NoError(t, err)

	require.NoError(t, p1.LockNode(ctx, "ws", n.ID, true))
	assert.ErrorIs(t, p2.LockNode(ctx, "ws", n.ID, false), store.ErrEnforced)

	ids, err := p2.EnforcedLocks(ctx, "ws")
	require.NoError(t, err)
	assert.Equal(t, []string{n.ID}, ids)

	require.NoError(t, p2.UnlockNode(ctx, "ws", n.ID))
	ids, err = p1.EnforcedLocks(ctx, "ws")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestFeedCrossesProcesses(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "repo.db")
	p1 := openStore(t, path, "p1")
	p2 := openStore(t, path, "p2")

	var mu sync.Mutex
	var got []store.ChangeSet
	cancel := p2.Feed().Subscribe("system", "/jcr:system/mode:locks", func(cs store.ChangeSet) {
		mu.Lock()
		got = append(got, cs)
		mu.Unlock()
	})
	defer cancel()

	_, _, err := p1.CreateIfAbsent(ctx, "system", "/jcr:system/mode:locks/l1", store.Properties{"owner": "alice"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "p1", got[0].ProcessID)
	last := got[0].Changes[len(got[0].Changes)-1]
	assert.Equal(t, store.NodeAdded, last.Kind)
	assert.Equal(t, "alice", last.Properties["owner"])
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := sqlitestore.Open(context.Background(), sqlitestore.Options{})
	assert.Error(t, err)
}
