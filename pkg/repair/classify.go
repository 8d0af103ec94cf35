// Package repair implements the out-of-band failure classifier and
// self-repair controller: failed runs are logged with an error class,
// diagnosed via a distinguished meta-protocol, patched into a new protocol
// version, or escalated to a human when automated repair keeps missing.
package repair

import (
	"strings"

	"github.com/matterdesk/protoflow/pkg/executors"
	"github.com/matterdesk/protoflow/pkg/runtime"
)

// ErrorClass buckets a failure for fingerprinting and patch selection.
type ErrorClass string

const (
	ClassToolSchemaMismatch   ErrorClass = "TOOL_SCHEMA_MISMATCH"
	ClassTimeoutExceeded      ErrorClass = "TIMEOUT_EXCEEDED"
	ClassLLMParseError        ErrorClass = "LLM_PARSE_ERROR"
	ClassToolExecutionFailure ErrorClass = "TOOL_EXECUTION_FAILURE"
	ClassToolNotFound         ErrorClass = "TOOL_NOT_FOUND"
	ClassLLMTransportFailure  ErrorClass = "LLM_TRANSPORT_FAILURE"
	ClassConditionError       ErrorClass = "CONDITION_ERROR"
	ClassProtocolNotFound     ErrorClass = "PROTOCOL_NOT_FOUND"
	ClassInputValidation      ErrorClass = "INPUT_VALIDATION"
	ClassUnknownStep          ErrorClass = "UNKNOWN_STEP"
	ClassStepLimitExceeded    ErrorClass = "STEP_LIMIT_EXCEEDED"
	ClassUnclassified         ErrorClass = "UNCLASSIFIED"
)

var kindToClass = map[string]ErrorClass{
	executors.ErrKindTimeout:        ClassTimeoutExceeded,
	executors.ErrKindToolNotFound:   ClassToolNotFound,
	executors.ErrKindToolFailure:    ClassToolExecutionFailure,
	executors.ErrKindLLMTransport:   ClassLLMTransportFailure,
	executors.ErrKindCondition:      ClassConditionError,
	executors.ErrKindUnknownStep:    ClassUnknownStep,
	runtime.ErrKindProtocolNotFound: ClassProtocolNotFound,
	runtime.ErrKindInputValidation:  ClassInputValidation,
	runtime.ErrKindStepLimit:        ClassStepLimitExceeded,
}

// Classify assigns an error class to a failed execution. The engine's error
// kind decides when present; otherwise the record is inspected for LLM parse
// debris and schema complaints before giving up with UNCLASSIFIED.
func Classify(rec *runtime.ExecutionRecord) ErrorClass {
	if rec == nil || rec.Status != runtime.StatusFailed {
		return ClassUnclassified
	}
	if class, ok := kindToClass[rec.ErrorKind]; ok {
		// A condition that choked on malformed LLM output is an LLM
		// problem, not an expression problem.
		if class == ClassConditionError && hasParseDebris(rec) {
			return ClassLLMParseError
		}
		return class
	}
	if strings.Contains(strings.ToLower(rec.Error), "schema") {
		return ClassToolSchemaMismatch
	}
	if hasParseDebris(rec) {
		return ClassLLMParseError
	}
	return ClassUnclassified
}

func hasParseDebris(rec *runtime.ExecutionRecord) bool {
	for _, out := range rec.StepOutputs {
		if m, ok := out.(map[string]any); ok && m["parse_error"] == true {
			return true
		}
	}
	return false
}
