package repair

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/matterdesk/protoflow/pkg/runtime"
	"github.com/matterdesk/protoflow/pkg/schema"
)

// MetaProtocolName is the distinguished protocol that diagnoses other
// protocols' failures. It is never allowed to diagnose itself.
const MetaProtocolName = "protocol-self-repair"

// EscalationThreshold is how many already-patched recurrences of one
// fingerprint the controller tolerates before it stops patching and
// escalates: repeated patches for the same symptom mean the automated fix
// is not working.
const EscalationThreshold = 3

// RepairState tracks one repair attempt: idle → diagnosing → {patching →
// patched} | escalated.
type RepairState string

const (
	StateIdle       RepairState = "idle"
	StateDiagnosing RepairState = "diagnosing"
	StatePatching   RepairState = "patching"
	StatePatched    RepairState = "patched"
	StateEscalated  RepairState = "escalated"
)

// Outcome reports what the controller did about one error.
type Outcome struct {
	State        RepairState `json:"state"`
	ErrorID      string      `json:"error_id"`
	Reason       string      `json:"reason,omitempty"`
	PatchVersion int         `json:"patch_version,omitempty"`
	ReviewTask   *ReviewTask `json:"review_task,omitempty"`
	Diagnosis    string      `json:"diagnosis,omitempty"`
}

// Executor runs protocols. Satisfied by *runtime.Engine.
type Executor interface {
	Execute(ctx context.Context, req runtime.ExecutionRequest) (*runtime.ExecutionRecord, error)
}

// ProtocolStore is a protocol source that can also publish new versions.
type ProtocolStore interface {
	runtime.ProtocolSource
	Publish(ctx context.Context, proto *schema.Protocol) error
}

// Controller is the self-repair loop. It operates out-of-band: the engine
// never calls it inline; failures are logged first and repaired later.
type Controller struct {
	Protocols ProtocolStore
	Errors    ErrorLog
	Reviews   ReviewTasks

	// Engine runs the meta-protocol for diagnosis. Optional: without one
	// the controller still patches, using its built-in rules alone.
	Engine Executor

	NewID func() string
}

// NewController wires a controller around its stores.
func NewController(protocols ProtocolStore, errors ErrorLog, reviews ReviewTasks, engine Executor) *Controller {
	return &Controller{
		Protocols: protocols,
		Errors:    errors,
		Reviews:   reviews,
		Engine:    engine,
		NewID:     uuid.NewString,
	}
}

// LogFailure classifies a failed run and appends it to the error log.
// Returns the logged entry so callers can trigger repair immediately.
func (c *Controller) LogFailure(rec *runtime.ExecutionRecord) (*ErrorEntry, error) {
	if rec == nil || rec.Status != runtime.StatusFailed {
		return nil, fmt.Errorf("execution is not failed")
	}
	entry := &ErrorEntry{
		ErrorID:         c.newID(),
		ExecutionID:     rec.ExecutionID,
		ProtocolName:    rec.ProtocolName,
		ProtocolVersion: rec.ProtocolVersion,
		StepID:          rec.CurrentStep,
		ErrorClass:      Classify(rec),
		Message:         rec.Error,
		OccurredAt:      time.Now().UTC(),
	}
	if err := c.Errors.Append(entry); err != nil {
		return nil, fmt.Errorf("append error log: %w", err)
	}
	return entry, nil
}

// Repair decides what to do about a logged error: escalate when the
// recursion guard or the recurrence pattern says automated repair is
// pointless, otherwise diagnose and publish a patched protocol version.
func (c *Controller) Repair(ctx context.Context, errorID string) (*Outcome, error) {
	entry, err := c.Errors.Get(errorID)
	if err != nil {
		return nil, fmt.Errorf("load error %s: %w", errorID, err)
	}
	outcome := &Outcome{State: StateDiagnosing, ErrorID: errorID}

	// Recursion guard: the meta-protocol never diagnoses itself.
	if entry.ProtocolName == MetaProtocolName {
		return c.escalate(entry, outcome, "recursion guard: meta-protocol failures go straight to a human")
	}

	// Pattern guard: the same fingerprint patched before and failing
	// again, enough times, means the next patch won't help either.
	prior, err := c.Errors.ByFingerprint(entry.Fingerprint())
	if err != nil {
		return nil, fmt.Errorf("fingerprint lookup: %w", err)
	}
	patched := 0
	for _, p := range prior {
		if p.ErrorID != entry.ErrorID && p.PatchedAt != nil {
			patched++
		}
	}
	if patched >= EscalationThreshold {
		return c.escalate(entry, outcome,
			fmt.Sprintf("%d prior patches for fingerprint %s recurred", patched, entry.Fingerprint()))
	}

	outcome.Diagnosis = c.diagnose(ctx, entry)
	now := time.Now().UTC()
	entry.DiagnosedAt = &now

	outcome.State = StatePatching
	patchedProto, reason, err := c.patch(ctx, entry)
	if err != nil {
		return nil, err
	}
	if patchedProto == nil {
		return c.escalate(entry, outcome, reason)
	}

	if err := c.Protocols.Publish(ctx, patchedProto); err != nil {
		return nil, fmt.Errorf("publish patched protocol: %w", err)
	}
	patchedAt := time.Now().UTC()
	entry.PatchedAt = &patchedAt
	entry.PatchVersion = patchedProto.Metadata.Version
	if err := c.Errors.Update(entry); err != nil {
		return nil, fmt.Errorf("update error log: %w", err)
	}

	outcome.State = StatePatched
	outcome.PatchVersion = patchedProto.Metadata.Version
	return outcome, nil
}

// diagnose runs the meta-protocol against the error, handing it the same
// input shape every diagnosis gets. Diagnosis is advisory: a missing or
// failing meta-protocol degrades to the built-in rule description.
func (c *Controller) diagnose(ctx context.Context, entry *ErrorEntry) string {
	if c.Engine == nil {
		return fmt.Sprintf("rule-based diagnosis: %s at step %q", entry.ErrorClass, entry.StepID)
	}
	rec, err := c.Engine.Execute(ctx, runtime.ExecutionRequest{
		ProtocolName: MetaProtocolName,
		Trigger:      runtime.TriggerChained,
		ChainDepth:   1,
		Inputs: map[string]any{
			"error_id":         entry.ErrorID,
			"error_class":      string(entry.ErrorClass),
			"protocol_id":      entry.ProtocolName,
			"protocol_version": entry.ProtocolVersion,
			"step_id":          entry.StepID,
			"message":          entry.Message,
		},
	})
	if err != nil || rec == nil || rec.Status != runtime.StatusCompleted {
		return fmt.Sprintf("rule-based diagnosis (meta-protocol unavailable): %s at step %q", entry.ErrorClass, entry.StepID)
	}
	if out, ok := rec.StepOutputs["diagnose"].(map[string]any); ok {
		if s, ok := out["content"].(string); ok && s != "" {
			return s
		}
	}
	return fmt.Sprintf("meta-protocol run %s completed", rec.ExecutionID)
}

// patch clones the failing protocol, applies the rule for the error class,
// and bumps the version. A nil protocol with a reason means no rule applies
// and the error must be escalated instead.
func (c *Controller) patch(ctx context.Context, entry *ErrorEntry) (*schema.Protocol, string, error) {
	proto, err := c.Protocols.Latest(ctx, entry.ProtocolName)
	if err != nil {
		return nil, "", fmt.Errorf("load protocol %s: %w", entry.ProtocolName, err)
	}

	clone, err := cloneProtocol(proto)
	if err != nil {
		return nil, "", err
	}
	step := clone.StepByID(entry.StepID)

	switch entry.ErrorClass {
	case ClassTimeoutExceeded:
		if step == nil {
			return nil, fmt.Sprintf("step %q no longer exists in %s", entry.StepID, entry.ProtocolName), nil
		}
		step.TimeoutSeconds = step.Timeout() * 2
	case ClassToolExecutionFailure, ClassLLMTransportFailure:
		if step == nil {
			return nil, fmt.Sprintf("step %q no longer exists in %s", entry.StepID, entry.ProtocolName), nil
		}
		if step.Retry == nil {
			step.Retry = &schema.RetryPolicy{MaxAttempts: 2, BackoffMS: 1000}
		} else {
			step.Retry.MaxAttempts++
		}
	case ClassLLMParseError, ClassToolSchemaMismatch:
		if step == nil || step.LLM == nil {
			return nil, fmt.Sprintf("no llm config to constrain at step %q", entry.StepID), nil
		}
		step.LLM.ResponseFormat = "json"
	default:
		return nil, fmt.Sprintf("no automated patch for error class %s", entry.ErrorClass), nil
	}

	clone.Metadata.Version = proto.Metadata.Version + 1
	return clone, "", nil
}

func (c *Controller) escalate(entry *ErrorEntry, outcome *Outcome, reason string) (*Outcome, error) {
	task := &ReviewTask{
		TaskID:      c.newID(),
		ErrorID:     entry.ErrorID,
		Fingerprint: entry.Fingerprint(),
		Title:       fmt.Sprintf("Escalation: %s in %s at step %q", entry.ErrorClass, entry.ProtocolName, entry.StepID),
		Details:     fmt.Sprintf("%s\n\nLast error: %s", reason, entry.Message),
		CreatedAt:   time.Now().UTC(),
	}
	if c.Reviews != nil {
		if err := c.Reviews.Create(task); err != nil {
			return nil, fmt.Errorf("create review task: %w", err)
		}
	}
	entry.Escalated = true
	if err := c.Errors.Update(entry); err != nil {
		return nil, fmt.Errorf("update error log: %w", err)
	}

	outcome.State = StateEscalated
	outcome.Reason = reason
	outcome.ReviewTask = task
	return outcome, nil
}

func (c *Controller) newID() string {
	if c.NewID != nil {
		return c.NewID()
	}
	return uuid.NewString()
}

func cloneProtocol(p *schema.Protocol) (*schema.Protocol, error) {
	data, err := yamlRoundTrip(p)
	if err != nil {
		return nil, fmt.Errorf("clone protocol: %w", err)
	}
	return data, nil
}
