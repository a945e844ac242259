package lockd_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ModeShape/modeshape-sub003/pkg/config"
	"github.com/ModeShape/modeshape-sub003/pkg/errclass"
	"github.com/ModeShape/modeshape-sub003/pkg/lockd"
	"github.com/ModeShape/modeshape-sub003/pkg/logging"
)

func openClient(t *testing.T, opts lockd.Options) *lockd.Client {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	c, err := lockd.Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func TestClient_LockListRelease(t *testing.T) {
	ctx := context.Background()
	c := openClient(t, lockd.Options{})
	_, err := c.CreateNode(ctx, "default", "/docs/report")
	require.NoError(t, err)

	s, err := c.Login("alice", "default")
	require.NoError(t, err)
	l, err := s.LockManager().Lock(ctx, "/docs", true, false, 0, "")
	require.NoError(t, err)
	assert.NotEmpty(t, l.Token())

	locked, err := s.LockManager().IsLocked(ctx, "/docs/report")
	require.NoError(t, err)
	assert.True(t, locked, "deep lock covers descendants")

	records, err := c.Locks(ctx, "default")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, l.Token(), records[0].LockID)

	none, err := c.Locks(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, none)

	rec, err := c.Release(ctx, records[0].LockID)
	require.NoError(t, err)
	assert.True(t, rec.Deep)

	records, err = c.Locks(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestClient_TokenHandOff(t *testing.T) {
	ctx := context.Background()
	c := openClient(t, lockd.Options{})
	_, err := c.CreateNode(ctx, "default", "/docs")
	require.NoError(t, err)

	alice, err := c.Login("alice", "default")
	require.NoError(t, err)
	bob, err := c.Login("bob", "default")
	require.NoError(t, err)

	l, err := alice.LockManager().Lock(ctx, "/docs", false, false, 0, "")
	require.NoError(t, err)
	token := l.Token()

	err = bob.LockManager().AddLockToken(ctx, token)
	assert.ErrorIs(t, err, errclass.ErrTokenAlreadyHeld)

	require.NoError(t, alice.LockManager().RemoveLockToken(ctx, token))
	require.NoError(t, bob.LockManager().AddLockToken(ctx, token))

	holds, err := bob.LockManager().HoldsLock(ctx, "/docs")
	require.NoError(t, err)
	assert.True(t, holds)
	require.NoError(t, bob.LockManager().Unlock(ctx, "/docs"))
}

func TestClient_PermissionsAllowUnlockAny(t *testing.T) {
	ctx := context.Background()
	perms := lockd.PermissionFunc(func(_ context.Context, p lockd.Principal, _, _ string, perm lockd.Permission) bool {
		return p.UserID == "admin" && perm == lockd.PermUnlockAny
	})
	c := openClient(t, lockd.Options{Permissions: perms})
	_, err := c.CreateNode(ctx, "default", "/docs")
	require.NoError(t, err)

	alice, err := c.Login("alice", "default")
	require.NoError(t, err)
	_, err = alice.LockManager().Lock(ctx, "/docs", false, true, 0, "")
	require.NoError(t, err)

	bob, err := c.Login("bob", "default")
	require.NoError(t, err)
	assert.ErrorIs(t, bob.LockManager().Unlock(ctx, "/docs"), errclass.ErrTokenNotHeld)

	admin, err := c.Login("admin", "default")
	require.NoError(t, err)
	assert.NoError(t, admin.LockManager().Unlock(ctx, "/docs"))
}

func TestClient_OpenFromConfigPathAndCheck(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Repository = "docs"
	cfg.Store.Driver = "sqlite"
	cfg.Store.Path = filepath.Join(dir, "store.db")
	cfg.Audit.Path = filepath.Join(dir, "audit.jsonl")
	path := filepath.Join(dir, config.DefaultFileName)
	require.NoError(t, config.Save(path, cfg))

	c := openClient(t, lockd.Options{ConfigPath: path})
	assert.Equal(t, "docs", c.Name())

	_, err := c.CreateNode(ctx, "default", "/docs")
	require.NoError(t, err)
	s, err := c.Login("alice", "default")
	require.NoError(t, err)
	_, err = s.LockManager().Lock(ctx, "/docs", false, false, 0, "ops")
	require.NoError(t, err)

	res, err := c.Check(ctx, true)
	require.NoError(t, err)
	assert.True(t, res.Healthy)

	swept, err := c.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, swept.Reaped)
}

func TestOpen_MissingConfig(t *testing.T) {
	_, err := lockd.Open(context.Background(), lockd.Options{
		ConfigPath: filepath.Join(t.TempDir(), "missing.yaml"),
		Logger:     logging.Nop(),
	})
	assert.ErrorIs(t, err, os.ErrNotExist)
}
