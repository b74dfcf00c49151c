package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/driftware/paddock/pkg/types"
)

// MemoryStore is an in-memory Store with the same semantics as the
// Postgres gateway. Determinism tests run against it.
type MemoryStore struct {
	mu      sync.Mutex
	workers map[string]*types.Worker
	tasks   map[string]*types.Task
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workers: make(map[string]*types.Worker),
		tasks:   make(map[string]*types.Task),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store's clock, for tests that step time.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// PutWorker seeds a worker row directly, bypassing lifecycle rules.
func (s *MemoryStore) PutWorker(w *types.Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.Metadata == nil {
		w.Metadata = types.Metadata{}
	}
	cp := *w
	cp.Metadata = w.Metadata.Clone()
	s.workers[w.ID] = &cp
}

// PutTask seeds a task row directly.
func (s *MemoryStore) PutTask(t *types.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
}

// SetHeartbeat records a worker heartbeat, the one write workers
// themselves perform.
func (s *MemoryStore) SetHeartbeat(workerID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workers[workerID]; ok {
		t := at
		w.LastHeartbeat = &t
	}
}

// Task returns a copy of the task row, for assertions.
func (s *MemoryStore) Task(id string) (types.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return types.Task{}, false
	}
	return *t, true
}

// Worker returns a copy of the worker row, for assertions.
func (s *MemoryStore) Worker(id string) (types.Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return types.Worker{}, false
	}
	cp := *w
	cp.Metadata = w.Metadata.Clone()
	return cp, true
}

func (s *MemoryStore) copyWorker(w *types.Worker) *types.Worker {
	cp := *w
	cp.Metadata = w.Metadata.Clone()
	return &cp
}

// CreateWorker inserts a spawning row.
func (s *MemoryStore) CreateWorker(_ context.Context, id, instanceType string, meta types.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workers[id]; exists {
		return fmt.Errorf("worker %s already exists", id)
	}
	if meta == nil {
		meta = types.Metadata{}
	}
	now := s.now()
	s.workers[id] = &types.Worker{
		ID:           id,
		InstanceType: instanceType,
		Status:       types.WorkerStatusSpawning,
		CreatedAt:    now,
		UpdatedAt:    now,
		Metadata:     meta.Clone(),
	}
	return nil
}

// GetWorker fetches one row.
func (s *MemoryStore) GetWorker(_ context.Context, id string) (*types.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return nil, fmt.Errorf("worker %s not found", id)
	}
	return s.copyWorker(w), nil
}

// GetWorkers lists workers newest first, optionally filtered.
func (s *MemoryStore) GetWorkers(_ context.Context, statuses ...types.WorkerStatus) ([]*types.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[types.WorkerStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var out []*types.Worker
	for _, w := range s.workers {
		if len(want) > 0 && !want[w.Status] {
			continue
		}
		out = append(out, s.copyWorker(w))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// CountWorkers counts rows in one status.
func (s *MemoryStore) CountWorkers(_ context.Context, status types.WorkerStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.workers {
		if w.Status == status {
			n++
		}
	}
	return n, nil
}

// UpdateWorkerStatus sets the status and shallow-merges metadata.
func (s *MemoryStore) UpdateWorkerStatus(_ context.Context, id string, status types.WorkerStatus, meta types.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return fmt.Errorf("worker %s not found", id)
	}
	w.Status = status
	w.Metadata = w.Metadata.Merge(meta)
	w.UpdatedAt = s.now()
	return nil
}

// GetStaleWorkers returns active workers past the heartbeat cutoff.
func (s *MemoryStore) GetStaleWorkers(_ context.Context, heartbeatCutoff time.Time) ([]*types.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Worker
	for _, w := range s.workers {
		if w.Status != types.WorkerStatusActive {
			continue
		}
		if w.LastHeartbeat != nil {
			if w.LastHeartbeat.Before(heartbeatCutoff) {
				out = append(out, s.copyWorker(w))
			}
		} else if w.CreatedAt.Before(heartbeatCutoff) {
			out = append(out, s.copyWorker(w))
		}
	}
	return out, nil
}

// GetSpawningPastTimeout returns spawning rows created before the cutoff.
func (s *MemoryStore) GetSpawningPastTimeout(_ context.Context, createdCutoff time.Time) ([]*types.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Worker
	for _, w := range s.workers {
		if w.Status == types.WorkerStatusSpawning && w.CreatedAt.Before(createdCutoff) {
			out = append(out, s.copyWorker(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetStuckTasks returns Running tasks started before the cutoff,
// excluding marker task types.
func (s *MemoryStore) GetStuckTasks(_ context.Context, startedCutoff time.Time, excludeMarkers []string) ([]*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Task
	for _, t := range s.tasks {
		if t.Status != types.TaskStatusRunning || t.GenerationStartedAt == nil {
			continue
		}
		if !t.GenerationStartedAt.Before(startedCutoff) {
			continue
		}
		if matchesAnyMarker(t.TaskType, excludeMarkers) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CountQueuedTasks is the raw queue depth.
func (s *MemoryStore) CountQueuedTasks(_ context.Context, _ string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.Status == types.TaskStatusQueued {
			n++
		}
	}
	return n, nil
}

// HasRunningTasks reports whether the worker owns any Running task.
func (s *MemoryStore) HasRunningTasks(_ context.Context, workerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.WorkerID == workerID && t.Status == types.TaskStatusRunning {
			return true, nil
		}
	}
	return false, nil
}

// HasProcessedTasks reports whether any task for this worker left Queued.
func (s *MemoryStore) HasProcessedTasks(_ context.Context, workerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.WorkerID == workerID && t.Status != types.TaskStatusQueued {
			return true, nil
		}
	}
	return false, nil
}

// RunningTasksFor lists Running tasks assigned to one worker.
func (s *MemoryStore) RunningTasksFor(_ context.Context, workerID string) ([]*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Task
	for _, t := range s.tasks {
		if t.WorkerID == workerID && t.Status == types.TaskStatusRunning {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// BusyWorkerIDs returns worker ids with at least one Running task.
func (s *MemoryStore) BusyWorkerIDs(_ context.Context) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	busy := make(map[string]bool)
	for _, t := range s.tasks {
		if t.Status == types.TaskStatusRunning && t.WorkerID != "" {
			busy[t.WorkerID] = true
		}
	}
	return busy, nil
}

// ResetOrphanedTasks requeues Running tasks owned by the given workers.
// The whole batch applies or none of it does, matching the stored
// routine.
func (s *MemoryStore) ResetOrphanedTasks(_ context.Context, workerIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	failed := make(map[string]bool, len(workerIDs))
	for _, id := range workerIDs {
		failed[id] = true
	}

	n := 0
	for _, t := range s.tasks {
		if t.Status == types.TaskStatusRunning && failed[t.WorkerID] {
			t.Status = types.TaskStatusQueued
			t.WorkerID = ""
			t.GenerationStartedAt = nil
			t.Attempts++
			n++
		}
	}
	return n, nil
}

// ResetUnassignedOrphans requeues Running tasks with no worker assigned.
func (s *MemoryStore) ResetUnassignedOrphans(_ context.Context, startedCutoff time.Time, excludeMarkers []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.Status != types.TaskStatusRunning || t.WorkerID != "" || t.GenerationStartedAt == nil {
			continue
		}
		if !t.GenerationStartedAt.Before(startedCutoff) || t.Attempts >= 3 {
			continue
		}
		if matchesAnyMarker(t.TaskType, excludeMarkers) {
			continue
		}
		t.Status = types.TaskStatusQueued
		t.GenerationStartedAt = nil
		t.Attempts++
		n++
	}
	return n, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() {}
