package repair

import (
	"fmt"
	"time"
)

// ErrorEntry is one logged failure. Entries sharing a fingerprint describe
// the same symptom recurring across runs.
type ErrorEntry struct {
	ErrorID         string     `json:"error_id"`
	ExecutionID     string     `json:"execution_id"`
	ProtocolName    string     `json:"protocol_name"`
	ProtocolVersion int        `json:"protocol_version"`
	StepID          string     `json:"step_id,omitempty"`
	ErrorClass      ErrorClass `json:"error_class"`
	Message         string     `json:"message,omitempty"`

	OccurredAt   time.Time  `json:"occurred_at"`
	DiagnosedAt  *time.Time `json:"diagnosed_at,omitempty"`
	PatchedAt    *time.Time `json:"patched_at,omitempty"`
	PatchVersion int        `json:"patch_version,omitempty"`
	Escalated    bool       `json:"escalated,omitempty"`
}

// Fingerprint identifies the symptom: same protocol, same step, same class.
func (e *ErrorEntry) Fingerprint() string {
	return fmt.Sprintf("%s/%s/%s", e.ProtocolName, e.StepID, e.ErrorClass)
}

// ErrorLog persists error entries and serves fingerprint queries.
type ErrorLog interface {
	Append(entry *ErrorEntry) error
	Update(entry *ErrorEntry) error
	Get(errorID string) (*ErrorEntry, error)
	ByFingerprint(fingerprint string) ([]*ErrorEntry, error)
}

// ReviewTask is the escalation artifact: a human-readable work item created
// when automated repair declines to act.
type ReviewTask struct {
	TaskID      string    `json:"task_id"`
	ErrorID     string    `json:"error_id"`
	Fingerprint string    `json:"fingerprint"`
	Title       string    `json:"title"`
	Details     string    `json:"details,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ReviewTasks persists escalation tasks.
type ReviewTasks interface {
	Create(task *ReviewTask) error
	List() ([]*ReviewTask, error)
}
