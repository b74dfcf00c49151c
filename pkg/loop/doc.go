/*
Package loop drives the observe, decide, act, record cycle.

Each cycle reads the registry, the task queue, and the demand signal
concurrently under a budget, runs recovery (promotion, health
enforcement, error cleanup, pending terminations) against that state,
then re-reads the fleet and asks the reconciler for a scaling decision.
Every cycle ends with a record that is logged, journaled, and exported
as metrics, whether or not anything went wrong inside it.

The loop is deliberately stateless between cycles beyond the cycle
counter: every decision is recomputed from the stores, so a crash or
restart loses nothing but a tick.
*/
package loop
