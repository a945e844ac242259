package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ModeShape/modeshape-sub003/pkg/metrics"
)

func TestRegistry_RegistersAll(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewRegistry(reg)
	m.RecordAcquire("default", true)
	m.RecordFailure("default", "E_ALREADY_LOCKED")
	m.RecordRelease("default", "unlock")
	m.RecordSweep(true, 10*time.Millisecond, 2, 1)
	m.RecordReplay("node_added", true)
	m.SetIndexSize("default", 3)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, len(m.Collectors()))
}

func TestRegistry_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewRegistry(reg)

	m.RecordAcquire("default", true)
	m.RecordAcquire("default", true)
	m.RecordAcquire("default", false)

	count, err := testutil.GatherAndCount(reg, "lockd_locks_acquired_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "one series per scope")

	m.RecordSweep(false, time.Second, 0, 4)
	count, err = testutil.GatherAndCount(reg, "lockd_sweep_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNewRegistry_Unregistered(t *testing.T) {
	m := metrics.NewRegistry(nil)
	m.RecordRelease("ws", "reap")
	assert.NotEmpty(t, m.Collectors())
}
