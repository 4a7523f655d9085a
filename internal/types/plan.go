package types

import "time"

// =============================================================================
// OPERATIONS & EXECUTION RESULTS
// =============================================================================

// Operation is one registry-dispatched write, as produced by the write or
// plan interpreter. Name must exist in the operations registry at dispatch
// time; an unregistered name is a hard validation failure, never a no-op.
type Operation struct {
	Name                 string                 `json:"name"`
	Params               map[string]interface{} `json:"params"`
	RequiresConfirmation bool                   `json:"requires_confirmation,omitempty"`
}

// OpStatus is the outcome of one executed operation.
type OpStatus string

const (
	OpOK      OpStatus = "ok"
	OpFailed  OpStatus = "failed"
	OpSkipped OpStatus = "skipped"
)

// ExecutionResult reports one operation's outcome. UndoToken is present only
// for reversible operations (those whose registry entry declares an inverse).
type ExecutionResult struct {
	Operation Operation   `json:"operation"`
	Status    OpStatus    `json:"status"`
	Payload   interface{} `json:"payload,omitempty"`
	UndoToken string      `json:"undo_token,omitempty"`
	Error     *Error      `json:"error,omitempty"`
}

// WriteResponse is the caller-facing result of the write interpreter.
type WriteResponse struct {
	Operations []ExecutionResult `json:"operations"`
}

// =============================================================================
// PLAN & SESSION
// =============================================================================

// StepStatus is the lifecycle state of one plan step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepRunning    StepStatus = "running"
	StepDone       StepStatus = "done"
	StepFailed     StepStatus = "failed"
	StepRolledBack StepStatus = "rolled_back"
)

// PlanStep is one confirmed-then-executed operation inside a plan.
type PlanStep struct {
	Index     int              `json:"index"`
	Operation Operation        `json:"operation"`
	Status    StepStatus       `json:"status"`
	Result    *ExecutionResult `json:"result,omitempty"`
}

// SessionState is the plan session state machine.
// created -> building -> awaiting_confirmation -> executing -> completed|aborted
type SessionState string

const (
	SessionCreated              SessionState = "created"
	SessionBuilding             SessionState = "building"
	SessionAwaitingConfirmation SessionState = "awaiting_confirmation"
	SessionExecuting            SessionState = "executing"
	SessionCompleted            SessionState = "completed"
	SessionAborted              SessionState = "aborted"
)

// Terminal reports whether the state admits no further transitions.
func (s SessionState) Terminal() bool {
	return s == SessionCompleted || s == SessionAborted
}

// Manifest summarizes a terminated plan: which steps were applied, which were
// rolled back, and which applied steps could not be reversed.
type Manifest struct {
	Outcome      string   `json:"outcome"` // completed | failed | cancelled
	Applied      []string `json:"applied,omitempty"`
	RolledBack   []string `json:"rolled_back,omitempty"`
	Irreversible []string `json:"irreversible,omitempty"`
	Reason       string   `json:"reason,omitempty"`
}

// =============================================================================
// STREAMED EVENTS
// =============================================================================

// EventType classifies a session stream event.
type EventType string

const (
	EventStepProposed      EventType = "step_proposed"
	EventPlanReady         EventType = "plan_ready"
	EventStepStatusChanged EventType = "step_status_changed"
	EventRolledBack        EventType = "rolled_back"
	EventSessionTerminal   EventType = "session_terminal"
)

// Event is one entry of a session's ordered, at-least-once event log.
// IDs increase monotonically per session starting at 1; delivery order is
// generation order, never reordered.
type Event struct {
	ID        uint64     `json:"id"`
	SessionID string     `json:"session_id"`
	Type      EventType  `json:"type"`
	Step      *PlanStep  `json:"step,omitempty"`
	Manifest  *Manifest  `json:"manifest,omitempty"`
	Truncated bool       `json:"truncated,omitempty"` // replay buffer overflowed; summary only
	Timestamp time.Time  `json:"timestamp"`
}
