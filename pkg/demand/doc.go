/*
Package demand produces the scaling demand signal.

The oracle endpoint knows about per-user concurrency caps and returns
the number of queued tasks that could actually be dispatched right now.
When it is unreachable the Oracle falls back to the raw queued count
from the datastore and flags the cycle as degraded, so a flaky endpoint
never stalls the control loop.
*/
package demand
