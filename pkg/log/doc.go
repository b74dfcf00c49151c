/*
Package log provides structured logging for Paddock using zerolog.

It wraps zerolog behind a small global logger initialized once at process
start. Production deployments use JSON output so cycle records and
lifecycle events can be shipped as-is; local runs use the console writer.
Child loggers carry component, worker_id, or cycle fields so one worker's
lifecycle can be traced across the spawn/promote/error/terminate events
that different packages emit.
*/
package log
