package actuator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftware/paddock/pkg/config"
	"github.com/driftware/paddock/pkg/health"
	"github.com/driftware/paddock/pkg/provider"
	"github.com/driftware/paddock/pkg/store"
	"github.com/driftware/paddock/pkg/types"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	return &config.Config{
		HeartbeatTimeout:       5 * time.Minute,
		SpawnTimeout:           5 * time.Minute,
		StuckTaskTimeout:       10 * time.Minute,
		WorkerGracePeriod:      2 * time.Minute,
		ErrorCleanupGrace:      10 * time.Minute,
		TerminatingTimeout:     5 * time.Minute,
		FailsafeStaleThreshold: 15 * time.Minute,
		ProviderGPUType:        "rtx4090",
		ProviderImage:          "worker:latest",
		OrchestratorMarkers:    []string{"_orchestrator"},
	}
}

func newFixture(t *testing.T) (*Actuator, *store.MemoryStore, *provider.Fake) {
	t.Helper()
	st := store.NewMemoryStore()
	st.SetClock(func() time.Time { return testNow })
	fake := provider.NewFake()
	a := New(st, fake, testConfig())
	a.SetClock(func() time.Time { return testNow })
	return a, st, fake
}

func seedActive(st *store.MemoryStore, id, podID string, createdAt time.Time) {
	st.PutWorker(&types.Worker{
		ID:        id,
		Status:    types.WorkerStatusActive,
		CreatedAt: createdAt,
		Metadata: types.Metadata{
			types.MetaProviderPodID:      podID,
			types.MetaPromotedToActiveAt: createdAt.Format(time.RFC3339),
		},
	})
}

func TestScaleUpRowBeforePod(t *testing.T) {
	a, st, fake := newFixture(t)
	fake.CreateErr = &provider.Error{Kind: provider.KindInvalid, Op: "create"}

	res := a.ScaleUp(context.Background(), 2)
	assert.Zero(t, res.Spawned)
	assert.Equal(t, 1, res.Failed, "one refusal stops the batch")
	assert.Equal(t, 1, fake.CreateCalls)

	// The refused spawn still left an auditable row.
	workers, err := st.GetWorkers(context.Background(), types.WorkerStatusError)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Contains(t, workers[0].ErrorReason(), "spawn_failed")
}

func TestScaleUpRecordsPodID(t *testing.T) {
	a, st, fake := newFixture(t)

	res := a.ScaleUp(context.Background(), 3)
	assert.Equal(t, 3, res.Spawned)
	assert.Equal(t, 3, fake.PodCount())

	workers, err := st.GetWorkers(context.Background(), types.WorkerStatusSpawning)
	require.NoError(t, err)
	require.Len(t, workers, 3)
	for _, w := range workers {
		assert.NotEmpty(t, w.PodID())
		assert.Contains(t, w.ID, WorkerIDPrefix)
	}
}

func TestPromoteOnHeartbeat(t *testing.T) {
	a, st, _ := newFixture(t)
	st.PutWorker(&types.Worker{ID: "w-1", Status: types.WorkerStatusSpawning, CreatedAt: testNow.Add(-time.Minute)})
	st.SetHeartbeat("w-1", testNow)
	st.PutWorker(&types.Worker{ID: "w-quiet", Status: types.WorkerStatusSpawning, CreatedAt: testNow.Add(-time.Minute)})

	spawning, err := st.GetWorkers(context.Background(), types.WorkerStatusSpawning)
	require.NoError(t, err)

	res := a.Promote(context.Background(), spawning)
	assert.Equal(t, 1, res.Promoted)

	w, _ := st.Worker("w-1")
	assert.Equal(t, types.WorkerStatusActive, w.Status)
	_, hasPromotedAt := w.Metadata.Time(types.MetaPromotedToActiveAt)
	assert.True(t, hasPromotedAt)

	quiet, _ := st.Worker("w-quiet")
	assert.Equal(t, types.WorkerStatusSpawning, quiet.Status)
}

func TestPromoteOnProcessedTask(t *testing.T) {
	a, st, _ := newFixture(t)
	st.PutWorker(&types.Worker{ID: "w-1", Status: types.WorkerStatusSpawning, CreatedAt: testNow.Add(-time.Minute)})
	st.PutTask(&types.Task{ID: "t-1", Status: types.TaskStatusRunning, WorkerID: "w-1"})

	spawning, _ := st.GetWorkers(context.Background(), types.WorkerStatusSpawning)
	res := a.Promote(context.Background(), spawning)
	assert.Equal(t, 1, res.Promoted)
}

func TestHeartbeatLossFailsWorkerAndRequeuesTasks(t *testing.T) {
	a, st, _ := newFixture(t)
	seedActive(st, "w-1", "pod-1", testNow.Add(-time.Hour))
	st.SetHeartbeat("w-1", testNow.Add(-20*time.Minute))

	started := testNow.Add(-time.Minute)
	st.PutTask(&types.Task{ID: "t-1", Status: types.TaskStatusRunning, WorkerID: "w-1", GenerationStartedAt: &started})

	stale, err := st.GetStaleWorkers(context.Background(), testNow.Add(-5*time.Minute))
	require.NoError(t, err)
	res := a.EnforceHealth(context.Background(), &health.Signals{Stale: stale})

	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.TasksReset)

	w, _ := st.Worker("w-1")
	assert.Equal(t, types.WorkerStatusError, w.Status)
	assert.Contains(t, w.ErrorReason(), "heartbeat")
	_, hasErrTime := w.Metadata.Time(types.MetaErrorTimestamp)
	assert.True(t, hasErrTime)

	task, _ := st.Task("t-1")
	assert.Equal(t, types.TaskStatusQueued, task.Status)
	assert.Empty(t, task.WorkerID)
}

func TestStuckTaskFailsWorker(t *testing.T) {
	a, st, _ := newFixture(t)
	seedActive(st, "w-1", "pod-1", testNow.Add(-time.Hour))
	st.SetHeartbeat("w-1", testNow) // heartbeating fine, but wedged

	started := testNow.Add(-30 * time.Minute)
	st.PutTask(&types.Task{ID: "t-stuck", Status: types.TaskStatusRunning, WorkerID: "w-1", GenerationStartedAt: &started, Attempts: 1})

	stuck, err := st.GetStuckTasks(context.Background(), testNow.Add(-10*time.Minute), nil)
	require.NoError(t, err)
	res := a.EnforceHealth(context.Background(), &health.Signals{StuckTasks: stuck})

	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.TasksReset)

	w, _ := st.Worker("w-1")
	assert.Contains(t, w.ErrorReason(), "stuck task")

	task, _ := st.Task("t-stuck")
	assert.Equal(t, types.TaskStatusQueued, task.Status)
	assert.Equal(t, 2, task.Attempts)
}

func TestSpawnTimeoutTerminatesImmediately(t *testing.T) {
	a, st, fake := newFixture(t)
	podID, err := fake.CreatePod(context.Background(), types.PodSpec{Name: "gpu-worker-x"})
	require.NoError(t, err)
	st.PutWorker(&types.Worker{
		ID:        "w-slow",
		Status:    types.WorkerStatusSpawning,
		CreatedAt: testNow.Add(-10 * time.Minute),
		Metadata:  types.Metadata{types.MetaProviderPodID: podID},
	})

	timedOut, err := st.GetSpawningPastTimeout(context.Background(), testNow.Add(-5*time.Minute))
	require.NoError(t, err)
	res := a.EnforceHealth(context.Background(), &health.Signals{SpawnTimeouts: timedOut})

	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Terminated)
	assert.True(t, fake.Terminated(podID))

	w, _ := st.Worker("w-slow")
	assert.Equal(t, types.WorkerStatusTerminated, w.Status)
	assert.Contains(t, w.ErrorReason(), "spawn timeout")
}

func TestSpawnTimeoutSparesJustPromotedWorker(t *testing.T) {
	a, st, fake := newFixture(t)
	podID, _ := fake.CreatePod(context.Background(), types.PodSpec{Name: "gpu-worker-x"})
	st.PutWorker(&types.Worker{
		ID:        "w-late",
		Status:    types.WorkerStatusSpawning,
		CreatedAt: testNow.Add(-10 * time.Minute),
		Metadata:  types.Metadata{types.MetaProviderPodID: podID},
	})
	st.SetHeartbeat("w-late", testNow)

	// The timeout signal is a snapshot from before promotion ran.
	timedOut, err := st.GetSpawningPastTimeout(context.Background(), testNow.Add(-5*time.Minute))
	require.NoError(t, err)
	require.Len(t, timedOut, 1)

	res := a.Promote(context.Background(), timedOut)
	require.Equal(t, 1, res.Promoted)

	res = a.EnforceHealth(context.Background(), &health.Signals{SpawnTimeouts: timedOut})
	assert.Zero(t, res.Failed)
	assert.Zero(t, res.Terminated)
	assert.False(t, fake.Terminated(podID))

	w, _ := st.Worker("w-late")
	assert.Equal(t, types.WorkerStatusActive, w.Status)
}

func TestPromoteRequiresFreshHeartbeat(t *testing.T) {
	a, st, _ := newFixture(t)
	st.PutWorker(&types.Worker{ID: "w-once", Status: types.WorkerStatusSpawning, CreatedAt: testNow.Add(-time.Hour)})
	st.SetHeartbeat("w-once", testNow.Add(-20*time.Minute)) // beyond the 5m timeout

	spawning, err := st.GetWorkers(context.Background(), types.WorkerStatusSpawning)
	require.NoError(t, err)
	res := a.Promote(context.Background(), spawning)
	assert.Zero(t, res.Promoted)

	w, _ := st.Worker("w-once")
	assert.Equal(t, types.WorkerStatusSpawning, w.Status)
}

func TestTasksResetBeforePodTeardown(t *testing.T) {
	a, st, fake := newFixture(t)
	podID, _ := fake.CreatePod(context.Background(), types.PodSpec{Name: "gpu-worker-x"})
	seedActive(st, "w-1", podID, testNow.Add(-time.Hour))

	started := testNow.Add(-time.Minute)
	st.PutTask(&types.Task{ID: "t-1", Status: types.TaskStatusRunning, WorkerID: "w-1", GenerationStartedAt: &started})

	fake.OnTerminate = func(string) {
		task, ok := st.Task("t-1")
		require.True(t, ok)
		assert.Equal(t, types.TaskStatusQueued, task.Status, "task must be requeued before the pod goes away")
	}

	w, err := st.GetWorker(context.Background(), "w-1")
	require.NoError(t, err)
	res := a.terminate(context.Background(), w)
	assert.Equal(t, 1, res.Terminated)
	assert.Equal(t, 1, res.TasksReset)
}

func TestTerminateTreatsNotFoundAsSuccess(t *testing.T) {
	a, st, _ := newFixture(t)
	// Pod id recorded but the pod no longer exists at the provider.
	seedActive(st, "w-1", "pod-ghost", testNow.Add(-time.Hour))

	w, err := st.GetWorker(context.Background(), "w-1")
	require.NoError(t, err)
	res := a.terminate(context.Background(), w)

	assert.Equal(t, 1, res.Terminated)
	assert.Empty(t, res.Errors)
	got, _ := st.Worker("w-1")
	assert.Equal(t, types.WorkerStatusTerminated, got.Status)
}

func TestTerminateRetriesAfterTransientFailure(t *testing.T) {
	a, st, fake := newFixture(t)
	podID, _ := fake.CreatePod(context.Background(), types.PodSpec{Name: "gpu-worker-x"})
	seedActive(st, "w-1", podID, testNow.Add(-time.Hour))

	fake.TerminateErr = &provider.Error{Kind: provider.KindTransient, Op: "terminate"}
	w, _ := st.GetWorker(context.Background(), "w-1")
	res := a.terminate(context.Background(), w)
	assert.Zero(t, res.Terminated)
	require.NotEmpty(t, res.Errors)

	// Row parks in terminating; the next cycle finishes the job.
	got, _ := st.Worker("w-1")
	assert.Equal(t, types.WorkerStatusTerminating, got.Status)

	fake.TerminateErr = nil
	terminating, err := st.GetWorkers(context.Background(), types.WorkerStatusTerminating)
	require.NoError(t, err)
	res = a.FinishTerminating(context.Background(), terminating)
	assert.Equal(t, 1, res.Terminated)
	assert.True(t, fake.Terminated(podID))
}

func TestFinishTerminatingForcesStuckRows(t *testing.T) {
	a, st, fake := newFixture(t)
	fake.TerminateErr = &provider.Error{Kind: provider.KindTransient, Op: "terminate"}

	st.PutWorker(&types.Worker{
		ID:        "w-wedged",
		Status:    types.WorkerStatusTerminating,
		CreatedAt: testNow.Add(-time.Hour),
		Metadata: types.Metadata{
			types.MetaProviderPodID: "pod-1",
			types.MetaTerminatedAt:  testNow.Add(-20 * time.Minute).Format(time.RFC3339),
		},
	})

	terminating, _ := st.GetWorkers(context.Background(), types.WorkerStatusTerminating)
	res := a.FinishTerminating(context.Background(), terminating)

	assert.Equal(t, 1, res.Terminated)
	w, _ := st.Worker("w-wedged")
	assert.Equal(t, types.WorkerStatusTerminated, w.Status)
}

func TestCleanupErrorsHonorsGrace(t *testing.T) {
	a, st, fake := newFixture(t)
	podOld, _ := fake.CreatePod(context.Background(), types.PodSpec{Name: "gpu-worker-old"})
	podNew, _ := fake.CreatePod(context.Background(), types.PodSpec{Name: "gpu-worker-new"})

	st.PutWorker(&types.Worker{
		ID: "w-old", Status: types.WorkerStatusError, CreatedAt: testNow.Add(-time.Hour),
		Metadata: types.Metadata{
			types.MetaProviderPodID:  podOld,
			types.MetaErrorTimestamp: testNow.Add(-15 * time.Minute).Format(time.RFC3339),
		},
	})
	st.PutWorker(&types.Worker{
		ID: "w-new", Status: types.WorkerStatusError, CreatedAt: testNow.Add(-time.Hour),
		Metadata: types.Metadata{
			types.MetaProviderPodID:  podNew,
			types.MetaErrorTimestamp: testNow.Add(-time.Minute).Format(time.RFC3339),
		},
	})

	errored, _ := st.GetWorkers(context.Background(), types.WorkerStatusError)
	res := a.CleanupErrors(context.Background(), errored)

	assert.Equal(t, 1, res.Terminated)
	assert.True(t, fake.Terminated(podOld))
	assert.False(t, fake.Terminated(podNew))

	fresh, _ := st.Worker("w-new")
	assert.Equal(t, types.WorkerStatusError, fresh.Status)
}

func TestCleanupErrorsBackfillsMissingTimestamp(t *testing.T) {
	a, st, _ := newFixture(t)
	st.PutWorker(&types.Worker{ID: "w-1", Status: types.WorkerStatusError, CreatedAt: testNow.Add(-time.Hour)})

	errored, _ := st.GetWorkers(context.Background(), types.WorkerStatusError)
	res := a.CleanupErrors(context.Background(), errored)
	assert.Zero(t, res.Terminated)

	w, _ := st.Worker("w-1")
	_, ok := w.Metadata.Time(types.MetaErrorTimestamp)
	assert.True(t, ok, "missing error timestamp backfilled so the grace clock can run")
}

func TestScaleDownPicksOldestIdle(t *testing.T) {
	a, st, fake := newFixture(t)
	podA, _ := fake.CreatePod(context.Background(), types.PodSpec{Name: "gpu-worker-a"})
	podB, _ := fake.CreatePod(context.Background(), types.PodSpec{Name: "gpu-worker-b"})
	podC, _ := fake.CreatePod(context.Background(), types.PodSpec{Name: "gpu-worker-c"})

	seedActive(st, "w-oldest", podA, testNow.Add(-3*time.Hour))
	seedActive(st, "w-busy", podB, testNow.Add(-2*time.Hour))
	seedActive(st, "w-young", podC, testNow.Add(-30*time.Second)) // inside grace

	started := testNow.Add(-time.Minute)
	st.PutTask(&types.Task{ID: "t-1", Status: types.TaskStatusRunning, WorkerID: "w-busy", GenerationStartedAt: &started})

	actives, err := st.GetWorkers(context.Background(), types.WorkerStatusActive)
	require.NoError(t, err)
	busy, err := st.BusyWorkerIDs(context.Background())
	require.NoError(t, err)

	res := a.ScaleDown(context.Background(), 2, actives, busy)
	assert.Equal(t, 1, res.Terminated, "only the old idle worker is eligible")
	assert.True(t, fake.Terminated(podA))
	assert.False(t, fake.Terminated(podB))
	assert.False(t, fake.Terminated(podC))
}

func TestZombieSweep(t *testing.T) {
	a, st, fake := newFixture(t)

	fake.AddPod(&types.Pod{ID: "pod-zombie", Name: "gpu-worker-20260301-old", DesiredStatus: types.PodStatusRunning})
	fake.AddPod(&types.Pod{ID: "pod-tracked", Name: "gpu-worker-20260301-live", DesiredStatus: types.PodStatusRunning})
	fake.AddPod(&types.Pod{ID: "pod-foreign", Name: "someone-elses-job", DesiredStatus: types.PodStatusRunning})

	seedActive(st, "w-live", "pod-tracked", testNow.Add(-time.Hour))

	pods, err := fake.ListPods(context.Background())
	require.NoError(t, err)
	nonTerminal, err := st.GetWorkers(context.Background(), types.NonTerminalStatuses()...)
	require.NoError(t, err)

	res := a.ZombieSweep(context.Background(), pods, nonTerminal)
	assert.Equal(t, 1, res.Terminated)
	assert.True(t, fake.Terminated("pod-zombie"))
	assert.False(t, fake.Terminated("pod-tracked"))
	assert.False(t, fake.Terminated("pod-foreign"))
}

func TestFailsafeSweep(t *testing.T) {
	a, st, fake := newFixture(t)
	podID, _ := fake.CreatePod(context.Background(), types.PodSpec{Name: "gpu-worker-x"})
	seedActive(st, "w-forgotten", podID, testNow.Add(-2*time.Hour))
	st.SetHeartbeat("w-forgotten", testNow.Add(-30*time.Minute))

	seedActive(st, "w-fine", "", testNow.Add(-2*time.Hour))
	st.SetHeartbeat("w-fine", testNow.Add(-time.Minute))

	actives, _ := st.GetWorkers(context.Background(), types.WorkerStatusActive)
	res := a.FailsafeSweep(context.Background(), actives)

	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Terminated)
	assert.True(t, fake.Terminated(podID))

	fine, _ := st.Worker("w-fine")
	assert.Equal(t, types.WorkerStatusActive, fine.Status)
}

func TestResetUnassignedOrphans(t *testing.T) {
	a, st, _ := newFixture(t)
	started := testNow.Add(-30 * time.Minute)
	st.PutTask(&types.Task{ID: "t-orphan", Status: types.TaskStatusRunning, GenerationStartedAt: &started})
	st.PutTask(&types.Task{ID: "t-owned", Status: types.TaskStatusRunning, WorkerID: "w-1", GenerationStartedAt: &started})

	res := a.ResetUnassignedOrphans(context.Background())
	assert.Equal(t, 1, res.TasksReset)

	orphan, _ := st.Task("t-orphan")
	assert.Equal(t, types.TaskStatusQueued, orphan.Status)
	owned, _ := st.Task("t-owned")
	assert.Equal(t, types.TaskStatusRunning, owned.Status)
}
