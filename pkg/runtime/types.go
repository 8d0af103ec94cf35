// Package runtime contains the protocol execution engine: the step loop,
// timeout and retry handling, transition routing, pause/resume, and the
// per-run execution record.
package runtime

import (
	"context"
	"time"

	"github.com/matterdesk/protoflow/pkg/schema"
)

// ExecutionStatus is the lifecycle state of one run.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusPaused    ExecutionStatus = "paused"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

// TriggerType records what started a run.
type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerScheduled TriggerType = "scheduled"
	TriggerEvent     TriggerType = "event"
	TriggerChained   TriggerType = "chained"
)

// SafetyLimit bounds the step loop. A protocol that routes through more
// steps than this is assumed to be cycling and the run fails.
const SafetyLimit = 20

// MaxChainDepth bounds chained executions (a run triggering another run).
const MaxChainDepth = 5

// ExecutionRequest asks the engine to run a protocol.
type ExecutionRequest struct {
	ProtocolName string         `json:"protocol_name"`
	Version      int            `json:"version,omitempty"` // 0 means latest
	WorkspaceID  string         `json:"workspace_id,omitempty"`
	Inputs       map[string]any `json:"inputs,omitempty"`

	Trigger           TriggerType `json:"trigger,omitempty"`
	ParentExecutionID string      `json:"parent_execution_id,omitempty"`
	ChainDepth        int         `json:"chain_depth,omitempty"`
}

// StepRecord is the durable trace of one step attempt sequence: the final
// attempt's result plus how many tries it took.
type StepRecord struct {
	StepID          string          `json:"step_id"`
	Type            schema.StepType `json:"type"`
	Attempts        int             `json:"attempts"`
	Success         bool            `json:"success"`
	Output          map[string]any  `json:"output,omitempty"`
	Error           string          `json:"error,omitempty"`
	ErrorKind       string          `json:"error_kind,omitempty"`
	TokensUsed      int             `json:"tokens_used,omitempty"`
	ExecutionTimeMS int64           `json:"execution_time_ms"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     time.Time       `json:"completed_at"`
}

// ExecutionRecord is the durable state of one run. It is saved after every
// step so a paused or crashed run can be inspected and resumed.
type ExecutionRecord struct {
	ExecutionID     string          `json:"execution_id"`
	ProtocolName    string          `json:"protocol_name"`
	ProtocolVersion int             `json:"protocol_version"`
	WorkspaceID     string          `json:"workspace_id,omitempty"`
	Status          ExecutionStatus `json:"status"`

	Trigger           TriggerType `json:"trigger,omitempty"`
	ParentExecutionID string      `json:"parent_execution_id,omitempty"`
	ChainDepth        int         `json:"chain_depth,omitempty"`

	CurrentStep    string       `json:"current_step,omitempty"`
	StepsCompleted []StepRecord `json:"steps_completed,omitempty"`

	Inputs      map[string]any `json:"inputs,omitempty"`
	Scaffold    map[string]any `json:"scaffold,omitempty"`
	StepOutputs map[string]any `json:"step_outputs,omitempty"`
	Variables   map[string]any `json:"variables,omitempty"`

	LLMCalls    int `json:"llm_calls"`
	TotalTokens int `json:"total_tokens"`

	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ReviewDecision resolves a paused human_review step.
type ReviewDecision struct {
	Approved   bool   `json:"approved"`
	ReviewedBy string `json:"reviewed_by,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

// ProtocolSource resolves protocol definitions by name and version.
type ProtocolSource interface {
	// Latest returns the highest published version of the named protocol.
	Latest(ctx context.Context, name string) (*schema.Protocol, error)

	// Version returns a specific protocol version.
	Version(ctx context.Context, name string, version int) (*schema.Protocol, error)
}

// ExecutionStore persists execution records and their trace streams.
// Engine persistence is best-effort: a store failure is logged and the run
// continues, so a broken disk never turns a healthy run into a failed one.
type ExecutionStore interface {
	Save(rec *ExecutionRecord) error
	Load(executionID string) (*ExecutionRecord, error)
	List() ([]*ExecutionRecord, error)
	AppendEvent(executionID string, ev TraceEvent) error
}
