package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/driftware/paddock/pkg/log"
	"github.com/driftware/paddock/pkg/types"
)

const workerColumns = "id, instance_type, status, created_at, updated_at, last_heartbeat, metadata"

// PostgresStore implements Store against the shared Postgres datastore.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pooled client and verifies connectivity.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.WithComponent("store").Info().Msg("connected to datastore")
	return &PostgresStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func scanWorker(row pgx.Row) (*types.Worker, error) {
	var (
		w        types.Worker
		hb       *time.Time
		metaJSON []byte
	)
	if err := row.Scan(&w.ID, &w.InstanceType, &w.Status, &w.CreatedAt, &w.UpdatedAt, &hb, &metaJSON); err != nil {
		return nil, err
	}
	w.LastHeartbeat = hb
	w.Metadata = types.Metadata{}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &w.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for worker %s: %w", w.ID, err)
		}
	}
	return &w, nil
}

func collectWorkers(rows pgx.Rows) ([]*types.Worker, error) {
	defer rows.Close()
	var workers []*types.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// CreateWorker inserts a new registry row. Status starts at spawning.
func (s *PostgresStore) CreateWorker(ctx context.Context, id, instanceType string, meta types.Metadata) error {
	if meta == nil {
		meta = types.Metadata{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO workers (id, instance_type, status, created_at, updated_at, metadata)
		 VALUES ($1, $2, $3, now(), now(), $4)`,
		id, instanceType, types.WorkerStatusSpawning, metaJSON)
	if err != nil {
		return fmt.Errorf("failed to create worker %s: %w", id, err)
	}
	return nil
}

// GetWorker fetches a single row by id.
func (s *PostgresStore) GetWorker(ctx context.Context, id string) (*types.Worker, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE id = $1`, id)
	w, err := scanWorker(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get worker %s: %w", id, err)
	}
	return w, nil
}

// GetWorkers lists workers newest first, optionally filtered by status.
func (s *PostgresStore) GetWorkers(ctx context.Context, statuses ...types.WorkerStatus) ([]*types.Worker, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if len(statuses) == 0 {
		rows, err = s.pool.Query(ctx,
			`SELECT `+workerColumns+` FROM workers ORDER BY created_at DESC`)
	} else {
		filter := make([]string, len(statuses))
		for i, st := range statuses {
			filter[i] = string(st)
		}
		rows, err = s.pool.Query(ctx,
			`SELECT `+workerColumns+` FROM workers WHERE status = ANY($1) ORDER BY created_at DESC`,
			filter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	return collectWorkers(rows)
}

// CountWorkers counts rows in one status.
func (s *PostgresStore) CountWorkers(ctx context.Context, status types.WorkerStatus) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM workers WHERE status = $1`, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count workers: %w", err)
	}
	return n, nil
}

// UpdateWorkerStatus sets the status and shallow-merges meta over the
// existing metadata column. The jsonb || operator keeps unknown keys and
// lets supplied keys win, in one statement.
func (s *PostgresStore) UpdateWorkerStatus(ctx context.Context, id string, status types.WorkerStatus, meta types.Metadata) error {
	if meta == nil {
		meta = types.Metadata{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE workers
		 SET status = $2,
		     metadata = COALESCE(metadata, '{}'::jsonb) || $3::jsonb,
		     updated_at = now()
		 WHERE id = $1`,
		id, status, metaJSON)
	if err != nil {
		return fmt.Errorf("failed to update worker %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("worker %s not found", id)
	}
	return nil
}

// GetStaleWorkers returns active workers whose heartbeat is older than
// the cutoff, or that never heartbeated and were created before it.
func (s *PostgresStore) GetStaleWorkers(ctx context.Context, heartbeatCutoff time.Time) ([]*types.Worker, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+workerColumns+` FROM workers
		 WHERE status = $1
		   AND (last_heartbeat < $2 OR (last_heartbeat IS NULL AND created_at < $2))
		 ORDER BY created_at DESC`,
		types.WorkerStatusActive, heartbeatCutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale workers: %w", err)
	}
	return collectWorkers(rows)
}

// GetSpawningPastTimeout returns spawning rows created before the cutoff.
func (s *PostgresStore) GetSpawningPastTimeout(ctx context.Context, createdCutoff time.Time) ([]*types.Worker, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+workerColumns+` FROM workers
		 WHERE status = $1 AND created_at < $2
		 ORDER BY created_at ASC`,
		types.WorkerStatusSpawning, createdCutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query spawning timeouts: %w", err)
	}
	return collectWorkers(rows)
}

func matchesAnyMarker(taskType string, markers []string) bool {
	lower := strings.ToLower(taskType)
	for _, m := range markers {
		if m != "" && strings.Contains(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// GetStuckTasks returns Running tasks started before the cutoff. Tasks
// whose type contains any marker substring run indefinitely by design of
// the queue and are excluded.
func (s *PostgresStore) GetStuckTasks(ctx context.Context, startedCutoff time.Time, excludeMarkers []string) ([]*types.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, status, COALESCE(worker_id, ''), task_type, generation_started_at, user_id, attempts
		 FROM tasks
		 WHERE status = $1 AND generation_started_at < $2`,
		types.TaskStatusRunning, startedCutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stuck tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		var t types.Task
		if err := rows.Scan(&t.ID, &t.Status, &t.WorkerID, &t.TaskType, &t.GenerationStartedAt, &t.UserID, &t.Attempts); err != nil {
			return nil, err
		}
		if matchesAnyMarker(t.TaskType, excludeMarkers) {
			continue
		}
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

// CountQueuedTasks is the raw queue depth, used only when the demand
// oracle is unreachable.
func (s *PostgresStore) CountQueuedTasks(ctx context.Context, runType string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM tasks WHERE status = $1 AND run_type = $2`,
		types.TaskStatusQueued, runType).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count queued tasks: %w", err)
	}
	return n, nil
}

// HasRunningTasks reports whether the worker owns any Running task.
func (s *PostgresStore) HasRunningTasks(ctx context.Context, workerID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM tasks WHERE worker_id = $1 AND status = $2)`,
		workerID, types.TaskStatusRunning).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check running tasks for %s: %w", workerID, err)
	}
	return exists, nil
}

// HasProcessedTasks reports whether any task for this worker has left
// Queued.
func (s *PostgresStore) HasProcessedTasks(ctx context.Context, workerID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM tasks WHERE worker_id = $1 AND status <> $2)`,
		workerID, types.TaskStatusQueued).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check processed tasks for %s: %w", workerID, err)
	}
	return exists, nil
}

// RunningTasksFor lists the Running tasks assigned to one worker.
func (s *PostgresStore) RunningTasksFor(ctx context.Context, workerID string) ([]*types.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, status, COALESCE(worker_id, ''), task_type, generation_started_at, user_id, attempts
		 FROM tasks WHERE worker_id = $1 AND status = $2`,
		workerID, types.TaskStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to list running tasks for %s: %w", workerID, err)
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		var t types.Task
		if err := rows.Scan(&t.ID, &t.Status, &t.WorkerID, &t.TaskType, &t.GenerationStartedAt, &t.UserID, &t.Attempts); err != nil {
			return nil, err
		}
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

// BusyWorkerIDs returns every worker id owning at least one Running task.
func (s *PostgresStore) BusyWorkerIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT worker_id FROM tasks WHERE status = $1 AND worker_id IS NOT NULL`,
		types.TaskStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to query busy workers: %w", err)
	}
	defer rows.Close()

	busy := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		busy[id] = true
	}
	return busy, rows.Err()
}

// ResetOrphanedTasks invokes the stored routine that atomically requeues
// every Running task owned by the given workers. The routine clears
// worker_id and generation_started_at and bumps the attempt counter in
// one transaction.
func (s *PostgresStore) ResetOrphanedTasks(ctx context.Context, workerIDs []string) (int, error) {
	if len(workerIDs) == 0 {
		return 0, nil
	}
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT reset_orphaned_tasks($1::text[])`, workerIDs).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to reset orphaned tasks: %w", err)
	}
	return n, nil
}

// ResetUnassignedOrphans requeues Running tasks that lost their worker
// assignment entirely. Marker tasks are excluded the same way as in
// stuck detection.
func (s *PostgresStore) ResetUnassignedOrphans(ctx context.Context, startedCutoff time.Time, excludeMarkers []string) (int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_type FROM tasks
		 WHERE status = $1 AND worker_id IS NULL AND generation_started_at < $2 AND attempts < 3`,
		types.TaskStatusRunning, startedCutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to query unassigned orphans: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id, taskType string
		if err := rows.Scan(&id, &taskType); err != nil {
			rows.Close()
			return 0, err
		}
		if matchesAnyMarker(taskType, excludeMarkers) {
			continue
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks
		 SET status = $2, worker_id = NULL, generation_started_at = NULL, attempts = attempts + 1
		 WHERE id = ANY($1)`,
		ids, types.TaskStatusQueued)
	if err != nil {
		return 0, fmt.Errorf("failed to reset unassigned orphans: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
