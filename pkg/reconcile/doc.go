/*
Package reconcile holds the pure scaling policy.

Decide maps observed state to one Decision with no I/O and no clock, so
every branch is exercised by plain table tests. All safety rules live
here: the fleet ceiling, the minimum floor, the failure-rate interlock
that blocks scale-up while spawns are failing, and the one-at-a-time
drain at zero demand.
*/
package reconcile
