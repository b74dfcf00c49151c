// Package metrics exposes Prometheus instrumentation for the control
// plane. RecordCycle is the single publish point; everything else is
// derived from the cycle record.
package metrics
