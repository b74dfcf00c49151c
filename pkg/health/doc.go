/*
Package health turns raw registry and task rows into failure signals.

Three independent detectors feed the cycle: active workers that stopped
heartbeating, tasks that have been Running far longer than any
generation should take, and spawning rows whose pod never came up. On
top of those the monitor keeps a trailing-window failure rate over
spawn outcomes; the reconciler uses it to stop pouring new instances
into a provider that is currently failing them.
*/
package health
