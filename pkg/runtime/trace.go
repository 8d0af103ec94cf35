package runtime

import "time"

// TraceEvent is one line in a run's JSONL trace stream.
type TraceEvent struct {
	Time        time.Time `json:"time"`
	ExecutionID string    `json:"execution_id"`
	Event       string    `json:"event"` // execution_started, step_started, step_attempt_failed, step_completed, step_failed, fallback_routed, execution_paused, execution_resumed, execution_completed, execution_failed
	StepID      string    `json:"step_id,omitempty"`
	Attempt     int       `json:"attempt,omitempty"`
	Success     bool      `json:"success,omitempty"`
	Error       string    `json:"error,omitempty"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	DurationMS  int64     `json:"duration_ms,omitempty"`
	Tokens      int       `json:"tokens,omitempty"`
	Next        string    `json:"next,omitempty"`
}

func event(executionID, name, stepID string) TraceEvent {
	return TraceEvent{
		Time:        time.Now().UTC(),
		ExecutionID: executionID,
		Event:       name,
		StepID:      stepID,
	}
}
