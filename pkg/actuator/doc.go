/*
Package actuator executes lifecycle transitions.

The reconciler says how many workers the fleet should have; the
actuator makes it so, one registry write and one provider call at a
time. Two ordering rules hold everywhere:

  - a registry row exists before its pod is requested, so a crash can
    orphan a row (reclaimed by the spawn timeout) but never a pod
  - a failed worker's tasks are requeued before its pod is torn down,
    so no task is left pointing at a dead instance

Every method tolerates being re-run: termination left half done by a
transient provider error is picked up again next cycle from the
terminating status.
*/
package actuator
