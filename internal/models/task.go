package models

import (
	"time"
)

// TaskStatus enumerates lifecycle states of a submitted drawing.
type TaskStatus string

const (
	StatusQueued     TaskStatus = "queued"
	StatusProcessing TaskStatus = "processing"
	StatusDone       TaskStatus = "done"
	StatusError      TaskStatus = "error"

	// StatusNotFound is only ever returned to status readers; it is never stored.
	StatusNotFound TaskStatus = "not_found"
)

// Terminal reports whether no further transitions are expected.
func (s TaskStatus) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// TaskResult is filled in incrementally: label and child name first, the
// artifact fields once the mesh has been retrieved.
type TaskResult struct {
	Label          string  `json:"label"`
	ChildName      string  `json:"child_name"`
	JobID          string  `json:"job_id,omitempty"`
	Artifact       string  `json:"artifact,omitempty"`
	ModelURL       string  `json:"model_url,omitempty"`
	ElapsedSeconds float64 `json:"elapsed_seconds,omitempty"`
}

// TaskRecord is the registry's view of one submission.
type TaskRecord struct {
	ID        string      `json:"task_id"`
	Status    TaskStatus  `json:"status"`
	Progress  int         `json:"progress"`
	Result    *TaskResult `json:"result"`
	Error     *string     `json:"error"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// TaskSummary omits result and error detail for listings.
type TaskSummary struct {
	ID        string     `json:"task_id"`
	Status    TaskStatus `json:"status"`
	Progress  int        `json:"progress"`
	CreatedAt time.Time  `json:"created_at"`
}

// TaskPatch is a partial update; nil fields are left unchanged.
type TaskPatch struct {
	Status   *TaskStatus
	Progress *int
	Result   *TaskResult
	Error    *string
}

// DeliveryItem is what the pull-based consumer receives for a finished task.
type DeliveryItem struct {
	TaskID      string    `json:"task_id"`
	Label       string    `json:"label"`
	ChildName   string    `json:"child_name"`
	JobID       string    `json:"job_id"`
	Artifact    string    `json:"artifact"`
	ModelURL    string    `json:"model_url,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// ExternalJob is one decoded status document from the mesh generation service.
// Result and Output are kept loosely typed because the service does not always
// place the artifact in the same shape.
type ExternalJob struct {
	ID       string         `json:"task_id"`
	Status   string         `json:"status"`
	Progress int            `json:"progress"`
	Result   map[string]any `json:"result,omitempty"`
	Output   map[string]any `json:"output,omitempty"`
}

// Remote job states reported by the generation service.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobSuccess   = "success"
	JobFailed    = "failed"
	JobError     = "error"
	JobCancelled = "cancelled"
	JobBanned    = "banned"
	JobExpired   = "expired"
	JobUnknown   = "unknown"
)

// StatusPtr and friends build TaskPatch fields inline.
func StatusPtr(s TaskStatus) *TaskStatus { return &s }

func IntPtr(v int) *int { return &v }

func StringPtr(v string) *string { return &v }
