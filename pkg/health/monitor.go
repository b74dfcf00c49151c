package health

import (
	"context"
	"time"

	"github.com/driftware/paddock/pkg/config"
	"github.com/driftware/paddock/pkg/log"
	"github.com/driftware/paddock/pkg/store"
	"github.com/driftware/paddock/pkg/types"
)

// Signals is everything the cycle needs to know about fleet health.
// FailureRate is nil when there are too few recent samples to trust.
type Signals struct {
	Stale         []*types.Worker
	StuckTasks    []*types.Task
	SpawnTimeouts []*types.Worker
	FailureRate   *float64
	Failures      int
	Samples       int
}

// Monitor derives failure signals from the worker registry and the task
// store. It only reads; acting on the signals is the actuator's job.
type Monitor struct {
	store store.Store
	cfg   *config.Config
}

// NewMonitor builds a monitor over the given store.
func NewMonitor(st store.Store, cfg *config.Config) *Monitor {
	return &Monitor{store: st, cfg: cfg}
}

// Collect gathers all health signals as of now. The allWorkers slice
// must cover every status, terminated included, so the failure-rate
// window sees outcomes of workers that have already been cleaned up.
func (m *Monitor) Collect(ctx context.Context, now time.Time, allWorkers []*types.Worker) (*Signals, error) {
	sig := &Signals{}

	stale, err := m.store.GetStaleWorkers(ctx, now.Add(-m.cfg.HeartbeatTimeout))
	if err != nil {
		return nil, err
	}
	sig.Stale = stale

	stuck, err := m.store.GetStuckTasks(ctx, now.Add(-m.cfg.StuckTaskTimeout), m.cfg.OrchestratorMarkers)
	if err != nil {
		return nil, err
	}
	sig.StuckTasks = stuck

	timedOut, err := m.store.GetSpawningPastTimeout(ctx, now.Add(-m.cfg.SpawnTimeout))
	if err != nil {
		return nil, err
	}
	sig.SpawnTimeouts = timedOut

	m.failureRate(now, allWorkers, sig)

	if len(sig.Stale) > 0 || len(sig.StuckTasks) > 0 || len(sig.SpawnTimeouts) > 0 {
		log.WithComponent("health").Warn().
			Int("stale_workers", len(sig.Stale)).
			Int("stuck_tasks", len(sig.StuckTasks)).
			Int("spawn_timeouts", len(sig.SpawnTimeouts)).
			Msg("unhealthy fleet signals detected")
	}
	return sig, nil
}

// failureRate computes failures / (failures + successes) over the
// trailing window. A worker counts as a failure sample when it recorded
// an error in the window, and as a success sample when it was promoted
// to active in the window. Below MinSamplesForRate the rate stays nil
// so a single bad spawn cannot freeze the fleet.
func (m *Monitor) failureRate(now time.Time, workers []*types.Worker, sig *Signals) {
	windowStart := now.Add(-m.cfg.FailureWindow)

	for _, w := range workers {
		if ts, ok := w.Metadata.Time(types.MetaErrorTimestamp); ok && ts.After(windowStart) {
			sig.Failures++
			sig.Samples++
			continue
		}
		if ts, ok := w.Metadata.Time(types.MetaPromotedToActiveAt); ok && ts.After(windowStart) {
			sig.Samples++
		}
	}

	if sig.Samples < m.cfg.MinSamplesForRate {
		return
	}
	rate := float64(sig.Failures) / float64(sig.Samples)
	sig.FailureRate = &rate

	if rate > m.cfg.FailureRateCeiling {
		log.WithComponent("health").Error().
			Float64("failure_rate", rate).
			Float64("ceiling", m.cfg.FailureRateCeiling).
			Int("failures", sig.Failures).
			Int("samples", sig.Samples).
			Msg("failure rate above ceiling")
	}
}
