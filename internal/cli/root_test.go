package cli_test

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ModeShape/modeshape-sub003/internal/cli"
	"github.com/ModeShape/modeshape-sub003/internal/repo"
	"github.com/ModeShape/modeshape-sub003/pkg/color"
	"github.com/ModeShape/modeshape-sub003/pkg/config"
	"github.com/ModeShape/modeshape-sub003/pkg/errclass"
	"github.com/ModeShape/modeshape-sub003/pkg/logging"
	"github.com/ModeShape/modeshape-sub003/pkg/model"
)

func executeCommand(ctx context.Context, args ...string) (string, error) {
	color.Disable()
	cmd := cli.NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

// initDir writes a sqlite-backed config into a fresh directory.
func initDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	_, err := executeCommand(context.Background(), "init", dir)
	require.NoError(t, err)
	return filepath.Join(dir, repo.ConfigFileName)
}

// lockDocs opens the repository behind cfgPath and takes an open-scoped
// lock on /docs, leaving it in the ledger after the session logs out.
func lockDocs(t *testing.T, cfgPath string) model.LockRecord {
	t.Helper()
	ctx := context.Background()
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	dir := filepath.Dir(cfgPath)
	cfg.Store.Path = filepath.Join(dir, cfg.Store.Path)
	cfg.Audit.Path = filepath.Join(dir, cfg.Audit.Path)

	r, err := repo.Open(ctx, cfg, repo.WithLogger(logging.Nop()))
	require.NoError(t, err)
	defer r.Close(ctx)
	_, _, err = r.Store().CreateIfAbsent(ctx, "default", "/docs", nil)
	require.NoError(t, err)
	s, err := r.Login("alice", "default")
	require.NoError(t, err)
	l, err := s.LockManager().Lock(ctx, "/docs", true, false, 0, "ops team")
	require.NoError(t, err)
	return l.Record()
}

func TestRootCommand_Help(t *testing.T) {
	out, err := executeCommand(context.Background(), "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "lock ledger")
	assert.Contains(t, out, "sweep")
}

func TestRootCommand_UnknownCommand(t *testing.T) {
	_, err := executeCommand(context.Background(), "unknown-command-xyz")
	assert.Error(t, err)
}

func TestInit_RefusesToOverwrite(t *testing.T) {
	cfgPath := initDir(t)
	_, err := executeCommand(context.Background(), "init", filepath.Dir(cfgPath))
	assert.ErrorIs(t, err, errclass.ErrConfigInvalid)

	_, err = executeCommand(context.Background(), "init", "--force", "--driver", "memory", filepath.Dir(cfgPath))
	require.NoError(t, err)
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, repo.DriverMemory, cfg.Store.Driver)
}

func TestConfigGetSet(t *testing.T) {
	ctx := context.Background()
	cfgPath := initDir(t)

	out, err := executeCommand(ctx, "--config", cfgPath, "config", "get", "store.driver")
	require.NoError(t, err)
	assert.Equal(t, "sqlite\n", out)

	out, err = executeCommand(ctx, "--config", cfgPath, "config", "set", "locks.sweep_interval", "10s")
	require.NoError(t, err)
	assert.Contains(t, out, "Set locks.sweep_interval = 10s")

	out, err = executeCommand(ctx, "--config", cfgPath, "--json", "config", "get", "locks.sweep_interval")
	require.NoError(t, err)
	var kv map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &kv))
	assert.Equal(t, "10s", kv["value"])

	_, err = executeCommand(ctx, "--config", cfgPath, "config", "set", "locks.sweep_interval", "1h")
	assert.ErrorIs(t, err, errclass.ErrConfigInvalid, "extension window would be shorter than two sweeps")

	_, err = executeCommand(ctx, "--config", cfgPath, "config", "get", "no.such.key")
	assert.ErrorIs(t, err, errclass.ErrConfigInvalid)
}

func TestConfigShow_JSON(t *testing.T) {
	cfgPath := initDir(t)
	out, err := executeCommand(context.Background(), "--config", cfgPath, "--json", "config", "show")
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	locks := got["locks"].(map[string]any)
	assert.Equal(t, "30s", locks["sweep_interval"])
}

func TestLocksListAndRelease(t *testing.T) {
	ctx := context.Background()
	cfgPath := initDir(t)
	rec := lockDocs(t, cfgPath)

	out, err := executeCommand(ctx, "--config", cfgPath, "locks", "list")
	require.NoError(t, err)
	assert.Contains(t, out, rec.LockID)
	assert.Contains(t, out, "/docs")
	assert.Contains(t, out, "deep/open")

	out, err = executeCommand(ctx, "--config", cfgPath, "--json", "locks", "list", "--workspace", "default")
	require.NoError(t, err)
	var views []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "ops team", views[0]["owner"])
	assert.Equal(t, "/docs", views[0]["path"])

	out, err = executeCommand(ctx, "--config", cfgPath, "--json", "locks", "list", "--workspace", "other")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)

	out, err = executeCommand(ctx, "--config", cfgPath, "locks", "release", rec.LockID)
	require.NoError(t, err)
	assert.Contains(t, out, "Released")

	out, err = executeCommand(ctx, "--config", cfgPath, "locks", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "no locks")

	_, err = executeCommand(ctx, "--config", cfgPath, "locks", "release", rec.LockID)
	assert.ErrorIs(t, err, errclass.ErrNotLocked)
}

func TestLocksRelease_RejectsMalformedID(t *testing.T) {
	cfgPath := initDir(t)
	_, err := executeCommand(context.Background(), "--config", cfgPath, "locks", "release", "not-a-lock")
	assert.ErrorIs(t, err, errclass.ErrInvalidLockToken)
}

func TestLocksList_NeedsPersistentStore(t *testing.T) {
	dir := t.TempDir()
	_, err := executeCommand(context.Background(), "init", "--driver", "memory", dir)
	require.NoError(t, err)

	_, err = executeCommand(context.Background(), "--config", filepath.Join(dir, repo.ConfigFileName), "locks", "list")
	assert.ErrorIs(t, err, errclass.ErrConfigInvalid)
}

func TestSweep_JSON(t *testing.T) {
	cfgPath := initDir(t)
	lockDocs(t, cfgPath)

	out, err := executeCommand(context.Background(), "--config", cfgPath, "--json", "sweep")
	require.NoError(t, err)
	var res map[string]int
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 1, res["checked"])
	assert.Zero(t, res["reaped"], "open-scoped locks survive the sweep")
}

func TestAuditVerify(t *testing.T) {
	ctx := context.Background()
	cfgPath := initDir(t)
	rec := lockDocs(t, cfgPath)
	_, err := executeCommand(ctx, "--config", cfgPath, "locks", "release", rec.LockID)
	require.NoError(t, err)

	out, err := executeCommand(ctx, "--config", cfgPath, "--json", "audit", "verify")
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, true, got["valid"])
	assert.GreaterOrEqual(t, got["records"], float64(2))

	_, err = executeCommand(ctx, "audit", "verify", filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.Error(t, err)
}

func TestServe_StopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	_, err := executeCommand(context.Background(), "init", "--driver", "memory", dir)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = executeCommand(ctx, "serve", filepath.Join(dir, repo.ConfigFileName))
	assert.NoError(t, err)
}

func TestDoctor(t *testing.T) {
	ctx := context.Background()
	cfgPath := initDir(t)
	lockDocs(t, cfgPath)

	out, err := executeCommand(ctx, "--config", cfgPath, "doctor", "--strict")
	require.NoError(t, err)
	assert.Contains(t, out, "1 locks checked, no findings")

	out, err = executeCommand(ctx, "--config", cfgPath, "--json", "doctor")
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, true, got["healthy"])
}
