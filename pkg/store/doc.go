/*
Package store is the gateway to the shared datastore.

The Store interface exposes exactly the row-level operations the control
plane needs: worker CRUD with shallow metadata merge, the failure-signal
queries (stale heartbeats, spawn timeouts, stuck tasks), task
observations, and the atomic reset of orphaned tasks.

PostgresStore backs production over a pgx connection pool. The orphan
reset is delegated to the reset_orphaned_tasks stored routine so that a
crash mid-cleanup can never strand half a batch: every Running task owned
by a failed worker moves back to Queued in one transaction, with
worker_id and generation_started_at cleared.

MemoryStore mirrors the same semantics in process memory and is the
substrate for all determinism tests. It adds seeding helpers (PutWorker,
PutTask, SetHeartbeat) that stand in for the out-of-band writes workers
perform against the real datastore.
*/
package store
