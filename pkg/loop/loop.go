package loop

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/driftware/paddock/pkg/actuator"
	"github.com/driftware/paddock/pkg/config"
	"github.com/driftware/paddock/pkg/health"
	"github.com/driftware/paddock/pkg/journal"
	"github.com/driftware/paddock/pkg/log"
	"github.com/driftware/paddock/pkg/metrics"
	"github.com/driftware/paddock/pkg/provider"
	"github.com/driftware/paddock/pkg/reconcile"
	"github.com/driftware/paddock/pkg/store"
	"github.com/driftware/paddock/pkg/types"
)

// zombieSweepEvery spaces out full provider pod listings; the sweep is
// a safety net, not part of the steady-state loop.
const zombieSweepEvery = 10

// DemandSource yields the scaling demand signal.
type DemandSource interface {
	DispatchableTaskCount(ctx context.Context, runType string) (count int, degraded bool, err error)
}

// ControlLoop runs the observe, decide, act, record cycle.
type ControlLoop struct {
	store      store.Store
	provider   provider.Client
	demand     DemandSource
	monitor    *health.Monitor
	actuator   *actuator.Actuator
	reconciler *reconcile.Reconciler
	journal    *journal.Journal // nil disables the journal
	cfg        *config.Config

	now   func() time.Time
	cycle int64
}

// New wires a control loop from its parts. jr may be nil.
func New(st store.Store, pc provider.Client, ds DemandSource, jr *journal.Journal, cfg *config.Config) *ControlLoop {
	return &ControlLoop{
		store:      st,
		provider:   pc,
		demand:     ds,
		monitor:    health.NewMonitor(st, cfg),
		actuator:   actuator.New(st, pc, cfg),
		reconciler: reconcile.New(cfg),
		journal:    jr,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the loop's clock and the actuator's with it, for
// tests that step time.
func (l *ControlLoop) SetClock(now func() time.Time) {
	l.now = now
	l.actuator.SetClock(now)
}

// Run executes cycles until ctx is cancelled: one immediately, then one
// per poll interval. A fixed ticker keeps the cadence from drifting
// with cycle duration. On shutdown the loop finishes the current cycle
// and makes one last attempt to complete pending terminations.
func (l *ControlLoop) Run(ctx context.Context) error {
	logger := log.WithComponent("loop")
	logger.Info().
		Dur("poll_interval", l.cfg.PollInterval).
		Int("min_active", l.cfg.MinActiveGPUs).
		Int("max_active", l.cfg.MaxActiveGPUs).
		Msg("control loop starting")

	l.RunCycle(ctx)

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("control loop stopping")
			l.shutdownSweep()
			return ctx.Err()
		case <-ticker.C:
			l.RunCycle(ctx)
		}
	}
}

// shutdownSweep gives pending terminations one bounded last chance, so
// a clean shutdown does not leave pods billing against a dead loop.
func (l *ControlLoop) shutdownSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.CallTimeout)
	defer cancel()

	terminating, err := l.store.GetWorkers(ctx, types.WorkerStatusTerminating)
	if err != nil || len(terminating) == 0 {
		return
	}
	res := l.actuator.FinishTerminating(ctx, terminating)
	log.WithComponent("loop").Info().
		Int("terminated", res.Terminated).
		Int("pending", len(terminating)-res.Terminated).
		Msg("shutdown termination sweep")
}

// observation is everything one cycle reads before acting.
type observation struct {
	workers   []*types.Worker
	busy      map[string]bool
	demand    int
	degraded  bool
	demandErr error
}

// observe fans out the independent reads under the observe budget. A
// failed worker read aborts the cycle; a failed demand read degrades
// it.
func (l *ControlLoop) observe(ctx context.Context) (*observation, error) {
	octx, cancel := context.WithTimeout(ctx, l.cfg.ObserveBudget)
	defer cancel()

	obs := &observation{}
	g, gctx := errgroup.WithContext(octx)

	g.Go(func() error {
		workers, err := l.store.GetWorkers(gctx)
		if err != nil {
			return err
		}
		obs.workers = workers
		return nil
	})
	g.Go(func() error {
		busy, err := l.store.BusyWorkerIDs(gctx)
		if err != nil {
			return err
		}
		obs.busy = busy
		return nil
	})
	g.Go(func() error {
		// Demand failure is recorded, not returned; the cycle still
		// runs health enforcement with the fleet held steady.
		n, degraded, err := l.demand.DispatchableTaskCount(gctx, l.cfg.RunType)
		if err != nil {
			obs.demandErr = err
			obs.degraded = true
			return nil
		}
		obs.demand = n
		obs.degraded = degraded
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return obs, nil
}

// RunCycle executes exactly one cycle and returns its record. Errors
// inside the cycle are accumulated on the record rather than returned;
// only a failure to observe the fleet at all aborts.
func (l *ControlLoop) RunCycle(ctx context.Context) (*types.CycleRecord, error) {
	l.cycle++
	start := l.now()
	logger := log.WithCycle(l.cycle)

	cctx, cancel := context.WithTimeout(ctx, l.cfg.CycleDeadline())
	defer cancel()

	rec := &types.CycleRecord{CycleNumber: l.cycle, Timestamp: start}

	obs, err := l.observe(cctx)
	if err != nil {
		logger.Error().Err(err).Msg("cycle aborted, fleet state unreadable")
		rec.Errors = append(rec.Errors, err.Error())
		l.finishCycle(cctx, rec, start)
		return rec, err
	}
	rec.Demand = obs.demand
	rec.DegradedDemand = obs.degraded
	if obs.demandErr != nil {
		rec.Errors = append(rec.Errors, obs.demandErr.Error())
	}

	sig, err := l.monitor.Collect(cctx, l.now(), obs.workers)
	if err != nil {
		rec.Errors = append(rec.Errors, err.Error())
		sig = &health.Signals{}
	}
	rec.FailureRate = sig.FailureRate

	var res actuator.Result
	res.Add(l.actuator.Promote(cctx, filterStatus(obs.workers, types.WorkerStatusSpawning)))
	res.Add(l.actuator.EnforceHealth(cctx, sig))
	res.Add(l.actuator.CleanupErrors(cctx, filterStatus(obs.workers, types.WorkerStatusError)))
	res.Add(l.actuator.FinishTerminating(cctx, filterStatus(obs.workers, types.WorkerStatusTerminating)))
	res.Add(l.actuator.ResetUnassignedOrphans(cctx))

	// Recovery changed statuses and requeued tasks, so the decision
	// reads fresh state instead of the pre-recovery snapshot.
	workers, err := l.store.GetWorkers(cctx)
	if err != nil {
		rec.Errors = append(rec.Errors, err.Error())
		workers = obs.workers
	}
	busy, err := l.store.BusyWorkerIDs(cctx)
	if err != nil {
		rec.Errors = append(rec.Errors, err.Error())
		busy = obs.busy
	}

	actives := filterStatus(workers, types.WorkerStatusActive)
	rec.NActive = len(actives)
	rec.NSpawning = len(filterStatus(workers, types.WorkerStatusSpawning))
	rec.NError = len(filterStatus(workers, types.WorkerStatusError))
	rec.NTerminating = len(filterStatus(workers, types.WorkerStatusTerminating))
	rec.Busy = len(busy)

	decision := l.reconciler.Decide(reconcile.Inputs{
		NActive:        rec.NActive,
		NSpawning:      rec.NSpawning,
		NError:         rec.NError,
		NTerminating:   rec.NTerminating,
		Demand:         rec.Demand,
		DegradedDemand: rec.DegradedDemand,
		Busy:           rec.Busy,
		IdleEligible:   len(actuator.IdleEligible(actives, busy, l.cfg.WorkerGracePeriod, l.now())),
		FailureRate:    sig.FailureRate,
	})
	rec.Desired = decision.Desired
	rec.Delta = decision.Delta
	rec.ScaleUpBlocked = decision.ScaleUpBlocked

	switch {
	case obs.demandErr != nil:
		// Unknown demand: enforce health, hold size.
		logger.Warn().Msg("demand signal unavailable, holding fleet size")
	case decision.Delta > 0:
		res.Add(l.actuator.ScaleUp(cctx, decision.Delta))
	case decision.Delta < 0:
		res.Add(l.actuator.ScaleDown(cctx, -decision.Delta, actives, busy))
	}

	res.Add(l.actuator.FailsafeSweep(cctx, filterStatus(workers, types.WorkerStatusActive)))

	if l.cycle%zombieSweepEvery == 0 {
		res.Add(l.zombieSweep(cctx, workers))
	}

	rec.WorkersSpawned = res.Spawned
	rec.WorkersTerminated = res.Terminated
	rec.WorkersPromoted = res.Promoted
	rec.WorkersFailed = res.Failed
	rec.TasksReset = res.TasksReset
	rec.Errors = append(rec.Errors, res.Errors...)

	l.finishCycle(cctx, rec, start)
	return rec, nil
}

func (l *ControlLoop) zombieSweep(ctx context.Context, workers []*types.Worker) actuator.Result {
	var res actuator.Result
	pods, err := l.provider.ListPods(ctx)
	if err != nil {
		res.Errors = append(res.Errors, "list pods: "+err.Error())
		return res
	}
	var nonTerminal []*types.Worker
	for _, w := range workers {
		if !w.Status.Terminal() {
			nonTerminal = append(nonTerminal, w)
		}
	}
	return l.actuator.ZombieSweep(ctx, pods, nonTerminal)
}

func (l *ControlLoop) finishCycle(ctx context.Context, rec *types.CycleRecord, start time.Time) {
	rec.DurationSeconds = l.now().Sub(start).Seconds()
	rec.Truncated = ctx.Err() != nil

	metrics.RecordCycle(rec)
	if l.journal != nil {
		if err := l.journal.Append(rec); err != nil {
			log.WithComponent("loop").Warn().Err(err).Msg("failed to journal cycle record")
		}
	}

	ev := log.WithCycle(rec.CycleNumber).Info().
		Int("active", rec.NActive).
		Int("spawning", rec.NSpawning).
		Int("error", rec.NError).
		Int("terminating", rec.NTerminating).
		Int("demand", rec.Demand).
		Int("busy", rec.Busy).
		Int("desired", rec.Desired).
		Int("delta", rec.Delta).
		Int("workers_spawned", rec.WorkersSpawned).
		Int("workers_terminated", rec.WorkersTerminated).
		Int("workers_promoted", rec.WorkersPromoted).
		Int("tasks_reset", rec.TasksReset).
		Float64("duration_s", rec.DurationSeconds)
	if rec.FailureRate != nil {
		ev = ev.Float64("failure_rate", *rec.FailureRate)
	}
	if rec.ScaleUpBlocked != "" {
		ev = ev.Str("scale_up_blocked", rec.ScaleUpBlocked)
	}
	if rec.Truncated {
		ev = ev.Bool("truncated", true)
	}
	if len(rec.Errors) > 0 {
		ev = ev.Strs("errors", rec.Errors)
	}
	ev.Msg("cycle complete")
}

func filterStatus(workers []*types.Worker, status types.WorkerStatus) []*types.Worker {
	var out []*types.Worker
	for _, w := range workers {
		if w.Status == status {
			out = append(out, w)
		}
	}
	return out
}
