/*
Package types defines the core data structures used throughout Paddock.

It holds the domain model shared by every other package: the Worker row
and its lifecycle states, the read-only slice of the task model the
control plane observes, the provider's Pod view, the schemaless worker
Metadata mapping with typed accessors for the promoted keys, and the
per-cycle CycleRecord diagnostic.

Worker lifecycle:

	spawning ──► active ──► error ──► terminating ──► terminated
	    │                     ▲                           ▲
	    └─────────────────────┴───────────────────────────┘

terminated is absorbing. error may only move to terminating. Workers
themselves write only last_heartbeat and, on self-termination, error;
every other transition belongs to the orchestrator.
*/
package types
