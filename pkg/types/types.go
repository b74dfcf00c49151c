package types

import (
	"time"
)

// WorkerStatus represents the lifecycle state of a GPU worker
type WorkerStatus string

const (
	WorkerStatusSpawning    WorkerStatus = "spawning"
	WorkerStatusActive      WorkerStatus = "active"
	WorkerStatusError       WorkerStatus = "error"
	WorkerStatusTerminating WorkerStatus = "terminating"
	WorkerStatusTerminated  WorkerStatus = "terminated"
)

// Terminal reports whether the status is absorbing: a worker never
// transitions out of terminated.
func (s WorkerStatus) Terminal() bool {
	return s == WorkerStatusTerminated
}

// NonTerminalStatuses lists every status that still counts against the
// fleet ceiling.
func NonTerminalStatuses() []WorkerStatus {
	return []WorkerStatus{
		WorkerStatusSpawning,
		WorkerStatusActive,
		WorkerStatusError,
		WorkerStatusTerminating,
	}
}

// Recognized metadata keys. Unknown keys are preserved on merge.
const (
	MetaProviderPodID      = "provider_pod_id"
	MetaErrorReason        = "error_reason"
	MetaErrorTimestamp     = "error_timestamp"
	MetaPromotedToActiveAt = "promoted_to_active_at"
	MetaTerminatedAt       = "terminated_at"
	MetaDiagnostics        = "diagnostics"
	MetaSelfTerminated     = "self_terminated"
)

// Metadata is the schemaless per-worker mapping stored in the registry.
// Timestamps are stored as RFC 3339 strings so the column survives JSON
// round-trips unchanged.
type Metadata map[string]any

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Merge returns a copy of m with update applied on top. Keys in update
// win; keys only in m are preserved.
func (m Metadata) Merge(update Metadata) Metadata {
	out := m.Clone()
	for k, v := range update {
		out[k] = v
	}
	return out
}

// String returns the value for key if it is a string.
func (m Metadata) String(key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// Time parses the value for key as an RFC 3339 timestamp.
func (m Metadata) Time(key string) (time.Time, bool) {
	s := m.String(key)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Bool returns the value for key if it is a boolean.
func (m Metadata) Bool(key string) bool {
	v, _ := m[key].(bool)
	return v
}

// Worker is one provisioned GPU instance and its registry row.
type Worker struct {
	ID            string
	InstanceType  string
	Status        WorkerStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastHeartbeat *time.Time
	Metadata      Metadata
}

// PodID returns the provider pod id recorded at spawn time, or "" if pod
// creation has not returned yet.
func (w *Worker) PodID() string {
	return w.Metadata.String(MetaProviderPodID)
}

// ErrorReason returns the recorded failure reason, if any.
func (w *Worker) ErrorReason() string {
	return w.Metadata.String(MetaErrorReason)
}

// HeartbeatAge returns how long ago the worker last reported in, and
// whether it ever has.
func (w *Worker) HeartbeatAge(now time.Time) (time.Duration, bool) {
	if w.LastHeartbeat == nil {
		return 0, false
	}
	return now.Sub(*w.LastHeartbeat), true
}

// TaskStatus mirrors the task store's status column. The control plane
// only ever reads tasks and resets Running rows back to Queued.
type TaskStatus string

const (
	TaskStatusQueued   TaskStatus = "Queued"
	TaskStatusRunning  TaskStatus = "Running"
	TaskStatusComplete TaskStatus = "Complete"
	TaskStatusFailed   TaskStatus = "Failed"
)

// Task is the slice of a task row the control plane cares about.
type Task struct {
	ID                  string
	Status              TaskStatus
	WorkerID            string // empty when unassigned
	TaskType            string
	GenerationStartedAt *time.Time
	UserID              string
	Attempts            int
}

// Pod is the provider's view of one instance.
type Pod struct {
	ID            string
	Name          string
	DesiredStatus string
	ActualStatus  string
	UptimeSeconds int64
	CostPerHour   float64
}

// Provider pod desired statuses observed in practice.
const (
	PodStatusProvisioning = "PROVISIONING"
	PodStatusRunning      = "RUNNING"
	PodStatusTerminated   = "TERMINATED"
	PodStatusFailed       = "FAILED"
)

// Gone reports whether the provider considers the pod finished.
func (p *Pod) Gone() bool {
	return p.DesiredStatus == PodStatusTerminated || p.DesiredStatus == PodStatusFailed
}

// PodSpec is the request to provision one instance.
type PodSpec struct {
	Name    string
	GPUType string
	Image   string
	Env     map[string]string
}

// CycleRecord is the structured diagnostic emitted once per control
// cycle. It is both logged and persisted to the local journal.
type CycleRecord struct {
	CycleNumber       int64     `json:"cycle_number"`
	Timestamp         time.Time `json:"ts"`
	NActive           int       `json:"n_active"`
	NSpawning         int       `json:"n_spawning"`
	NError            int       `json:"n_error"`
	NTerminating      int       `json:"n_terminating"`
	Demand            int       `json:"demand"`
	DegradedDemand    bool      `json:"degraded_demand,omitempty"`
	Busy              int       `json:"busy"`
	Desired           int       `json:"desired"`
	Delta             int       `json:"delta"`
	ScaleUpBlocked    string    `json:"scale_up_blocked,omitempty"`
	WorkersSpawned    int       `json:"workers_spawned"`
	WorkersTerminated int       `json:"workers_terminated"`
	WorkersPromoted   int       `json:"workers_promoted"`
	WorkersFailed     int       `json:"workers_failed"`
	TasksReset        int       `json:"tasks_reset"`
	FailureRate       *float64  `json:"failure_rate,omitempty"`
	DurationSeconds   float64   `json:"duration_seconds"`
	Truncated         bool      `json:"truncated,omitempty"`
	Errors            []string  `json:"errors,omitempty"`
}
