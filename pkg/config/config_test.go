package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ModeShape/modeshape-sub003/pkg/config"
	"github.com/ModeShape/modeshape-sub003/pkg/errclass"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 30*time.Second, cfg.Locks.SweepInterval.D())
	assert.Equal(t, 60*time.Second, cfg.Locks.ExtensionWindow.D())
}

func TestLoad_NotExists(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLoad_Exists(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.DefaultFileName)
	content := `
repository: content
store:
  driver: sqlite
  path: /var/lib/lockd/repo.db
locks:
  sweep_interval: 10s
  extension_window: 25s
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "content", cfg.Repository)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 10*time.Second, cfg.Locks.SweepInterval.D())
	assert.Equal(t, 25*time.Second, cfg.Locks.ExtensionWindow.D())
	assert.Equal(t, 5*time.Second, cfg.Locks.EnforceTimeout.D(), "unset keys keep defaults")
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_RejectsShortExtensionWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.DefaultFileName)
	content := "locks:\n  sweep_interval: 30s\n  extension_window: 45s\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	_, err := config.Load(path)
	require.ErrorIs(t, err, errclass.ErrConfigInvalid)
}

func TestLoad_BadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.DefaultFileName)
	require.NoError(t, os.WriteFile(path, []byte("locks:\n  sweep_interval: soon\n"), 0644))

	_, err := config.Load(path)
	require.Error(t, err)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.DefaultFileName)
	cfg := config.Default()
	require.NoError(t, cfg.Set("locks.sweep_interval", "5s"))
	require.NoError(t, cfg.Set("audit.path", "/tmp/audit.jsonl"))
	require.NoError(t, config.Save(path, cfg))

	loaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hooks:")
}

func TestLoad_EmptyHooksListIsNil(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.DefaultFileName)
	require.NoError(t, os.WriteFile(path, []byte("webhooks:\n  hooks: []\n"), 0644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Nil(t, cfg.Webhooks.Hooks)
	assert.Equal(t, config.Default(), cfg)
}

func TestValidate_Store(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Driver = "sqlite"
	require.ErrorIs(t, cfg.Validate(), errclass.ErrConfigInvalid)

	cfg.Store.Path = "repo.db"
	require.NoError(t, cfg.Validate())

	cfg.Store.Driver = "postgres"
	require.ErrorIs(t, cfg.Validate(), errclass.ErrConfigInvalid)
}

func TestGetSet(t *testing.T) {
	cfg := config.Default()

	require.NoError(t, cfg.Set("metrics.enabled", "true"))
	v, err := cfg.Get("metrics.enabled")
	require.NoError(t, err)
	assert.Equal(t, "true", v)

	require.NoError(t, cfg.Set("locks.retry_attempts", "5"))
	v, err = cfg.Get("locks.retry_attempts")
	require.NoError(t, err)
	assert.Equal(t, "5", v)

	_, err = cfg.Get("nope")
	require.ErrorIs(t, err, errclass.ErrConfigInvalid)
	require.ErrorIs(t, cfg.Set("nope", "x"), errclass.ErrConfigInvalid)
}

func TestSet_RejectsInvalidWithoutMutating(t *testing.T) {
	cfg := config.Default()
	err := cfg.Set("locks.extension_window", "1s")
	require.ErrorIs(t, err, errclass.ErrConfigInvalid)
	assert.Equal(t, 60*time.Second, cfg.Locks.ExtensionWindow.D())

	require.ErrorIs(t, cfg.Set("locks.sweep_interval", "later"), errclass.ErrConfigInvalid)
}

func TestPolicy(t *testing.T) {
	p := config.Default().Policy()
	assert.Equal(t, 30*time.Second, p.SweepInterval)
	assert.Equal(t, 5*time.Second, p.EnforceTimeout)
}

func TestLoad_Webhooks(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.DefaultFileName)
	content := `
webhooks:
  max_retries: 1
  hooks:
    - url: https://hooks.example.com/locks
      secret: s3cret
      events: [lock_acquire, lock_reap]
      timeout: 2s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Webhooks.Hooks, 1)
	hook := cfg.Webhooks.Hooks[0]
	assert.Equal(t, "https://hooks.example.com/locks", hook.URL)
	assert.Equal(t, []string{"lock_acquire", "lock_reap"}, hook.Events)
	assert.Equal(t, 2*time.Second, hook.Timeout.D())
	assert.Equal(t, 1, cfg.Webhooks.MaxRetries)
	assert.Equal(t, time.Second, cfg.Webhooks.RetryDelay.D(), "unset keys keep defaults")
}

func TestValidate_Webhooks(t *testing.T) {
	cfg := config.Default()
	cfg.Webhooks.Hooks = []config.HookConfig{{URL: "ftp://example.com", Events: []string{"*"}}}
	assert.ErrorIs(t, cfg.Validate(), errclass.ErrConfigInvalid)

	cfg.Webhooks.Hooks = []config.HookConfig{{URL: "http://example.com/hook"}}
	assert.ErrorIs(t, cfg.Validate(), errclass.ErrConfigInvalid, "a hook needs events")

	cfg.Webhooks.Hooks[0].Events = []string{"*"}
	assert.NoError(t, cfg.Validate())

	require.NoError(t, cfg.Set("webhooks.retry_delay", "250ms"))
	got, err := cfg.Get("webhooks.retry_delay")
	require.NoError(t, err)
	assert.Equal(t, "250ms", got)
	assert.ErrorIs(t, cfg.Set("webhooks.queue_size", "-1"), errclass.ErrConfigInvalid)
}

func TestCreate_RefusesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.DefaultFileName)
	require.NoError(t, config.Create(path, config.Default()))

	err := config.Create(path, config.Default())
	assert.ErrorIs(t, err, os.ErrExist)
}
