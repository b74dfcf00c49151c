package store

import (
	"context"
	"time"

	"github.com/driftware/paddock/pkg/types"
)

// Store is the capability interface over the shared datastore. The
// Postgres implementation backs production; the in-memory implementation
// backs every determinism test.
type Store interface {
	// Workers
	CreateWorker(ctx context.Context, id, instanceType string, meta types.Metadata) error
	GetWorker(ctx context.Context, id string) (*types.Worker, error)
	// GetWorkers returns all workers, or only those in the given
	// statuses when a filter is supplied, newest first.
	GetWorkers(ctx context.Context, statuses ...types.WorkerStatus) ([]*types.Worker, error)
	CountWorkers(ctx context.Context, status types.WorkerStatus) (int, error)
	// UpdateWorkerStatus sets the status and shallow-merges meta over
	// the existing metadata. Unknown keys already present are kept.
	UpdateWorkerStatus(ctx context.Context, id string, status types.WorkerStatus, meta types.Metadata) error

	// Failure-signal queries
	GetStaleWorkers(ctx context.Context, heartbeatCutoff time.Time) ([]*types.Worker, error)
	GetSpawningPastTimeout(ctx context.Context, createdCutoff time.Time) ([]*types.Worker, error)
	GetStuckTasks(ctx context.Context, startedCutoff time.Time, excludeMarkers []string) ([]*types.Task, error)

	// Task observations
	CountQueuedTasks(ctx context.Context, runType string) (int, error)
	HasRunningTasks(ctx context.Context, workerID string) (bool, error)
	// HasProcessedTasks reports whether any task row for this worker has
	// left Queued, which proves the worker came up and claimed work.
	HasProcessedTasks(ctx context.Context, workerID string) (bool, error)
	RunningTasksFor(ctx context.Context, workerID string) ([]*types.Task, error)
	// BusyWorkerIDs returns the set of worker ids with at least one
	// Running task assigned.
	BusyWorkerIDs(ctx context.Context) (map[string]bool, error)

	// Task mutations
	// ResetOrphanedTasks atomically moves every Running task owned by
	// the given workers back to Queued, clearing worker_id and
	// generation_started_at. One transaction; returns rows moved.
	ResetOrphanedTasks(ctx context.Context, workerIDs []string) (int, error)
	// ResetUnassignedOrphans moves Running tasks with no worker assigned
	// and a start older than the cutoff back to Queued.
	ResetUnassignedOrphans(ctx context.Context, startedCutoff time.Time, excludeMarkers []string) (int, error)

	Close()
}
