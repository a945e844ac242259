// Package metrics provides Prometheus metrics for the lock subsystem.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide metrics registry, registered against the
// Prometheus default registerer on first use.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry(prometheus.DefaultRegisterer)
	})
	return defaultRegistry
}

// Registry holds all lock subsystem metrics.
type Registry struct {
	locksAcquired  *prometheus.CounterVec
	lockFailures   *prometheus.CounterVec
	locksReleased  *prometheus.CounterVec
	sweepRuns      *prometheus.CounterVec
	sweepExtended  prometheus.Counter
	sweepReaped    prometheus.Counter
	sweepDuration  prometheus.Histogram
	replayedEvents *prometheus.CounterVec
	liveLocks      *prometheus.GaugeVec
}

// NewRegistry creates the metrics and registers them with reg. A nil reg
// leaves them unregistered, which tests use to avoid global state.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		locksAcquired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lockd",
			Name:      "locks_acquired_total",
			Help:      "Locks acquired, by workspace and scope.",
		}, []string{"workspace", "scope"}),
		lockFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lockd",
			Name:      "lock_failures_total",
			Help:      "Failed lock acquisitions, by error code.",
		}, []string{"workspace", "code"}),
		locksReleased: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lockd",
			Name:      "locks_released_total",
			Help:      "Locks released, by reason (unlock, logout, reap, node_removed).",
		}, []string{"workspace", "reason"}),
		sweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lockd",
			Name:      "sweep_runs_total",
			Help:      "Cleanup sweeps, by outcome.",
		}, []string{"outcome"}),
		sweepExtended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lockd",
			Name:      "sweep_extended_total",
			Help:      "Session-scoped locks whose expiration the sweep extended.",
		}),
		sweepReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lockd",
			Name:      "sweep_reaped_total",
			Help:      "Lock records destroyed by the sweep.",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lockd",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of cleanup sweeps.",
			Buckets:   prometheus.DefBuckets,
		}),
		replayedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lockd",
			Name:      "feed_replayed_total",
			Help:      "Ledger change events replayed into the index, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		liveLocks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lockd",
			Name:      "index_locks",
			Help:      "Locks currently present in the in-memory index.",
		}, []string{"workspace"}),
	}
	if reg != nil {
		reg.MustRegister(
			r.locksAcquired, r.lockFailures, r.locksReleased,
			r.sweepRuns, r.sweepExtended, r.sweepReaped, r.sweepDuration,
			r.replayedEvents, r.liveLocks,
		)
	}
	return r
}

func scope(sessionScoped bool) string {
	if sessionScoped {
		return "session"
	}
	return "open"
}

// RecordAcquire records a successful lock acquisition. All Record methods
// are no-ops on a nil Registry.
func (r *Registry) RecordAcquire(workspace string, sessionScoped bool) {
	if r == nil {
		return
	}
	r.locksAcquired.WithLabelValues(workspace, scope(sessionScoped)).Inc()
}

// RecordFailure records a failed acquisition with its error code.
func (r *Registry) RecordFailure(workspace, code string) {
	if r == nil {
		return
	}
	r.lockFailures.WithLabelValues(workspace, code).Inc()
}

// RecordRelease records a released lock.
func (r *Registry) RecordRelease(workspace, reason string) {
	if r == nil {
		return
	}
	r.locksReleased.WithLabelValues(workspace, reason).Inc()
}

// RecordSweep records one sweep run.
func (r *Registry) RecordSweep(success bool, duration time.Duration, extended, reaped int) {
	if r == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "error"
	}
	r.sweepRuns.WithLabelValues(outcome).Inc()
	r.sweepDuration.Observe(duration.Seconds())
	r.sweepExtended.Add(float64(extended))
	r.sweepReaped.Add(float64(reaped))
}

// RecordReplay records one replayed change-feed event.
func (r *Registry) RecordReplay(kind string, ok bool) {
	if r == nil {
		return
	}
	outcome := "applied"
	if !ok {
		outcome = "skipped"
	}
	r.replayedEvents.WithLabelValues(kind, outcome).Inc()
}

// SetIndexSize publishes the current index size for a workspace.
func (r *Registry) SetIndexSize(workspace string, n int) {
	if r == nil {
		return
	}
	r.liveLocks.WithLabelValues(workspace).Set(float64(n))
}

// Collectors exposes the underlying collectors, mainly for tests.
func (r *Registry) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		r.locksAcquired, r.lockFailures, r.locksReleased,
		r.sweepRuns, r.sweepExtended, r.sweepReaped, r.sweepDuration,
		r.replayedEvents, r.liveLocks,
	}
}
