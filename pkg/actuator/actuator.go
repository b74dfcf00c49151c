package actuator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/driftware/paddock/pkg/config"
	"github.com/driftware/paddock/pkg/health"
	"github.com/driftware/paddock/pkg/log"
	"github.com/driftware/paddock/pkg/provider"
	"github.com/driftware/paddock/pkg/store"
	"github.com/driftware/paddock/pkg/types"
)

// WorkerIDPrefix starts every worker id and pod name this control plane
// owns. The zombie sweep uses it to recognize its own pods.
const WorkerIDPrefix = "gpu-worker"

// Result accumulates what one cycle actually did.
type Result struct {
	Spawned    int
	Terminated int
	Promoted   int
	Failed     int
	TasksReset int
	Errors     []string
}

// Add folds another result into r.
func (r *Result) Add(other Result) {
	r.Spawned += other.Spawned
	r.Terminated += other.Terminated
	r.Promoted += other.Promoted
	r.Failed += other.Failed
	r.TasksReset += other.TasksReset
	r.Errors = append(r.Errors, other.Errors...)
}

func (r *Result) errf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Actuator executes lifecycle transitions against the registry and the
// provider. Every method is safe to call again next cycle if this cycle
// is cut short.
type Actuator struct {
	store    store.Store
	provider provider.Client
	cfg      *config.Config
	now      func() time.Time
}

// New builds an actuator.
func New(st store.Store, pc provider.Client, cfg *config.Config) *Actuator {
	return &Actuator{
		store:    st,
		provider: pc,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the actuator's clock, for tests.
func (a *Actuator) SetClock(now func() time.Time) { a.now = now }

func (a *Actuator) stamp() string {
	return a.now().UTC().Format(time.RFC3339)
}

// newWorkerID builds a sortable, collision-free worker id.
func (a *Actuator) newWorkerID() string {
	return fmt.Sprintf("%s-%s-%s",
		WorkerIDPrefix,
		a.now().UTC().Format("20060102-150405"),
		uuid.NewString()[:8])
}

// Promote moves spawning workers that have proven themselves to active.
// Proof is a heartbeat fresher than the heartbeat timeout, or a task
// row that left Queued under this worker's id. A heartbeat older than
// the timeout proves only that the worker once existed.
func (a *Actuator) Promote(ctx context.Context, spawning []*types.Worker) Result {
	var res Result
	for _, w := range spawning {
		alive := false
		if age, ok := w.HeartbeatAge(a.now()); ok && age < a.cfg.HeartbeatTimeout {
			alive = true
		}
		if !alive {
			processed, err := a.store.HasProcessedTasks(ctx, w.ID)
			if err != nil {
				res.errf("promote %s: %v", w.ID, err)
				continue
			}
			alive = processed
		}
		if !alive {
			continue
		}

		err := a.store.UpdateWorkerStatus(ctx, w.ID, types.WorkerStatusActive, types.Metadata{
			types.MetaPromotedToActiveAt: a.stamp(),
		})
		if err != nil {
			res.errf("promote %s: %v", w.ID, err)
			continue
		}
		res.Promoted++
		log.WithWorkerID(w.ID).Info().
			Dur("spawn_duration", a.now().Sub(w.CreatedAt)).
			Msg("worker promoted to active")
	}
	return res
}

// EnforceHealth acts on the monitor's signals: stale and stuck workers
// move to error with their tasks requeued immediately, spawn timeouts
// move to error and lose their pod right away since there is nothing on
// it worth inspecting.
func (a *Actuator) EnforceHealth(ctx context.Context, sig *health.Signals) Result {
	var res Result

	for _, w := range sig.Stale {
		age := "never"
		if d, ok := w.HeartbeatAge(a.now()); ok {
			age = d.Truncate(time.Second).String()
		}
		a.failWorker(ctx, &res, w, fmt.Sprintf("heartbeat timeout (last %s ago)", age))
	}

	// Stuck tasks condemn their worker: a task wedged past the timeout
	// means the process on that instance is no longer making progress.
	byWorker := make(map[string][]*types.Task)
	for _, t := range sig.StuckTasks {
		if t.WorkerID == "" {
			continue
		}
		byWorker[t.WorkerID] = append(byWorker[t.WorkerID], t)
	}
	for workerID, tasks := range byWorker {
		w, err := a.store.GetWorker(ctx, workerID)
		if err != nil {
			res.errf("stuck tasks on %s: %v", workerID, err)
			continue
		}
		if w.Status != types.WorkerStatusActive {
			continue
		}
		a.failWorker(ctx, &res, w, fmt.Sprintf("stuck task (%d running past timeout)", len(tasks)))
	}

	for _, w := range sig.SpawnTimeouts {
		// The timeout list was collected before promotion ran this
		// cycle; a worker whose first heartbeat just landed is active
		// now and must not be torn down.
		cur, err := a.store.GetWorker(ctx, w.ID)
		if err != nil {
			res.errf("spawn timeout %s: %v", w.ID, err)
			continue
		}
		if cur.Status != types.WorkerStatusSpawning {
			continue
		}

		reason := fmt.Sprintf("spawn timeout after %s", a.now().Sub(cur.CreatedAt).Truncate(time.Second))
		if err := a.markError(ctx, cur.ID, reason); err != nil {
			res.errf("spawn timeout %s: %v", cur.ID, err)
			continue
		}
		res.Failed++
		cur.Status = types.WorkerStatusError
		res.Add(a.terminate(ctx, cur))
	}

	return res
}

// failWorker marks an active worker as failed and requeues its tasks so
// other workers can pick them up this same cycle. The ids of the tasks
// being requeued go into the log line so an operator can trace a
// generation back to the instance that dropped it.
func (a *Actuator) failWorker(ctx context.Context, res *Result, w *types.Worker, reason string) {
	if err := a.markError(ctx, w.ID, reason); err != nil {
		res.errf("fail %s: %v", w.ID, err)
		return
	}
	res.Failed++

	var taskIDs []string
	if running, err := a.store.RunningTasksFor(ctx, w.ID); err == nil {
		for _, t := range running {
			taskIDs = append(taskIDs, t.ID)
		}
	}

	n, err := a.store.ResetOrphanedTasks(ctx, []string{w.ID})
	if err != nil {
		res.errf("reset tasks of %s: %v", w.ID, err)
	} else {
		res.TasksReset += n
	}

	log.WithWorkerID(w.ID).Warn().
		Str("reason", reason).
		Int("tasks_reset", n).
		Strs("task_ids", taskIDs).
		Msg("worker marked failed")
}

func (a *Actuator) markError(ctx context.Context, workerID, reason string) error {
	return a.store.UpdateWorkerStatus(ctx, workerID, types.WorkerStatusError, types.Metadata{
		types.MetaErrorReason:    reason,
		types.MetaErrorTimestamp: a.stamp(),
	})
}

// CleanupErrors terminates error workers whose grace period has
// expired. The grace window leaves the pod up long enough for log
// collection; a worker with no recorded error timestamp gets one now
// and waits a full window.
func (a *Actuator) CleanupErrors(ctx context.Context, errored []*types.Worker) Result {
	var res Result
	for _, w := range errored {
		errAt, ok := w.Metadata.Time(types.MetaErrorTimestamp)
		if !ok {
			if err := a.store.UpdateWorkerStatus(ctx, w.ID, types.WorkerStatusError, types.Metadata{
				types.MetaErrorTimestamp: a.stamp(),
			}); err != nil {
				res.errf("backfill error time %s: %v", w.ID, err)
			}
			continue
		}
		if a.now().Sub(errAt) < a.cfg.ErrorCleanupGrace {
			continue
		}
		res.Add(a.terminate(ctx, w))
	}
	return res
}

// FinishTerminating retries teardown for workers stuck in terminating.
// A transient provider failure last cycle lands here; rows older than
// the terminating timeout are forced to terminated so they stop
// occupying the books.
func (a *Actuator) FinishTerminating(ctx context.Context, terminating []*types.Worker) Result {
	var res Result
	for _, w := range terminating {
		startedAt, ok := w.Metadata.Time(types.MetaTerminatedAt)
		if ok && a.now().Sub(startedAt) > a.cfg.TerminatingTimeout {
			if err := a.store.UpdateWorkerStatus(ctx, w.ID, types.WorkerStatusTerminated, types.Metadata{
				types.MetaDiagnostics: "forced terminated after terminating timeout",
			}); err != nil {
				res.errf("force terminate %s: %v", w.ID, err)
				continue
			}
			res.Terminated++
			log.WithWorkerID(w.ID).Warn().Msg("terminating timed out, row forced to terminated")
			continue
		}
		res.Add(a.terminate(ctx, w))
	}
	return res
}

// terminate runs the teardown sequence for one worker. Tasks are
// requeued before the pod is torn down so a task is never stranded on a
// dead instance, and the row only reaches terminated once the provider
// has confirmed or the pod is already gone.
func (a *Actuator) terminate(ctx context.Context, w *types.Worker) Result {
	var res Result
	logger := log.WithWorkerID(w.ID)

	if w.Status != types.WorkerStatusTerminating {
		err := a.store.UpdateWorkerStatus(ctx, w.ID, types.WorkerStatusTerminating, types.Metadata{
			types.MetaTerminatedAt: a.stamp(),
		})
		if err != nil {
			res.errf("terminate %s: %v", w.ID, err)
			return res
		}
	}

	n, err := a.store.ResetOrphanedTasks(ctx, []string{w.ID})
	if err != nil {
		res.errf("reset tasks of %s: %v", w.ID, err)
		return res
	}
	res.TasksReset += n

	if podID := w.PodID(); podID != "" {
		err := a.provider.TerminatePod(ctx, podID)
		switch {
		case err == nil:
		case provider.IsNotFound(err):
			// Already gone at the provider. Success.
			logger.Debug().Str("pod_id", podID).Msg("pod already gone at provider")
		default:
			res.errf("terminate pod %s for %s: %v", podID, w.ID, err)
			logger.Warn().Err(err).Str("pod_id", podID).Msg("pod termination failed, will retry next cycle")
			return res
		}
	}

	if err := a.store.UpdateWorkerStatus(ctx, w.ID, types.WorkerStatusTerminated, nil); err != nil {
		res.errf("terminate %s: %v", w.ID, err)
		return res
	}
	res.Terminated++
	logger.Info().Int("tasks_reset", n).Msg("worker terminated")
	return res
}

// ScaleUp provisions n new workers. The registry row is written before
// the provider call so a crash between the two leaves an orphan row
// that the spawn timeout reclaims, never an untracked pod.
func (a *Actuator) ScaleUp(ctx context.Context, n int) Result {
	var res Result
	for i := 0; i < n; i++ {
		id := a.newWorkerID()
		if err := a.store.CreateWorker(ctx, id, a.cfg.ProviderGPUType, nil); err != nil {
			res.errf("create worker row %s: %v", id, err)
			return res
		}

		podID, err := a.provider.CreatePod(ctx, types.PodSpec{
			Name:    id,
			GPUType: a.cfg.ProviderGPUType,
			Image:   a.cfg.ProviderImage,
			Env:     map[string]string{"WORKER_ID": id},
		})
		if err != nil {
			res.errf("create pod for %s: %v", id, err)
			if merr := a.markError(ctx, id, fmt.Sprintf("spawn_failed: %v", err)); merr != nil {
				res.errf("mark spawn failure %s: %v", id, merr)
			}
			res.Failed++
			// One refused pod usually means the rest would be refused
			// too. Let the next cycle re-decide.
			return res
		}

		if err := a.store.UpdateWorkerStatus(ctx, id, types.WorkerStatusSpawning, types.Metadata{
			types.MetaProviderPodID: podID,
		}); err != nil {
			res.errf("record pod id for %s: %v", id, err)
			continue
		}
		res.Spawned++
		log.WithWorkerID(id).Info().Str("pod_id", podID).Msg("worker spawning")
	}
	return res
}

// ScaleDown terminates up to n idle workers, oldest first. Busy workers
// and workers inside the post-promotion grace period are never victims.
func (a *Actuator) ScaleDown(ctx context.Context, n int, actives []*types.Worker, busy map[string]bool) Result {
	var res Result

	victims := IdleEligible(actives, busy, a.cfg.WorkerGracePeriod, a.now())
	if len(victims) > n {
		victims = victims[:n]
	}
	for _, w := range victims {
		res.Add(a.terminate(ctx, w))
	}
	return res
}

// IdleEligible returns active workers with no running task whose grace
// period has elapsed, oldest first. The grace period runs from
// promotion, or creation when the promotion time was never recorded.
func IdleEligible(actives []*types.Worker, busy map[string]bool, grace time.Duration, now time.Time) []*types.Worker {
	var out []*types.Worker
	for _, w := range actives {
		if busy[w.ID] {
			continue
		}
		since := w.CreatedAt
		if promoted, ok := w.Metadata.Time(types.MetaPromotedToActiveAt); ok {
			since = promoted
		}
		if now.Sub(since) < grace {
			continue
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ZombieSweep terminates provider pods that carry this fleet's name
// prefix but have no live registry row. These appear when a row update
// fails after pod creation, or when an operator deletes rows by hand.
func (a *Actuator) ZombieSweep(ctx context.Context, pods []*types.Pod, nonTerminal []*types.Worker) Result {
	var res Result

	tracked := make(map[string]bool, len(nonTerminal))
	for _, w := range nonTerminal {
		if podID := w.PodID(); podID != "" {
			tracked[podID] = true
		}
	}

	for _, p := range pods {
		if !strings.HasPrefix(p.Name, WorkerIDPrefix) || p.Gone() || tracked[p.ID] {
			continue
		}
		log.WithComponent("actuator").Warn().
			Str("pod_id", p.ID).
			Str("pod_name", p.Name).
			Msg("terminating zombie pod with no registry row")

		err := a.provider.TerminatePod(ctx, p.ID)
		if err != nil && !provider.IsNotFound(err) {
			res.errf("terminate zombie %s: %v", p.ID, err)
			continue
		}
		res.Terminated++
	}
	return res
}

// FailsafeSweep catches active workers whose heartbeat is stale far
// beyond the normal timeout. The regular stale path should have caught
// them cycles ago; reaching this threshold means something upstream is
// wedged, so the worker is failed and torn down in one pass.
func (a *Actuator) FailsafeSweep(ctx context.Context, actives []*types.Worker) Result {
	var res Result
	for _, w := range actives {
		age, ok := w.HeartbeatAge(a.now())
		if ok && age < a.cfg.FailsafeStaleThreshold {
			continue
		}
		if !ok && a.now().Sub(w.CreatedAt) < a.cfg.FailsafeStaleThreshold {
			continue
		}

		reason := fmt.Sprintf("failsafe: heartbeat stale beyond %s", a.cfg.FailsafeStaleThreshold)
		if err := a.markError(ctx, w.ID, reason); err != nil {
			res.errf("failsafe %s: %v", w.ID, err)
			continue
		}
		res.Failed++
		w.Status = types.WorkerStatusError
		res.Add(a.terminate(ctx, w))
	}
	return res
}

// ResetUnassignedOrphans requeues Running tasks that lost their worker
// assignment without being reset, a state task-side bugs occasionally
// produce.
func (a *Actuator) ResetUnassignedOrphans(ctx context.Context) Result {
	var res Result
	cutoff := a.now().Add(-15 * time.Minute)
	n, err := a.store.ResetUnassignedOrphans(ctx, cutoff, a.cfg.OrchestratorMarkers)
	if err != nil {
		res.errf("reset unassigned orphans: %v", err)
		return res
	}
	res.TasksReset += n
	if n > 0 {
		log.WithComponent("actuator").Warn().Int("tasks_reset", n).Msg("requeued unassigned orphaned tasks")
	}
	return res
}
