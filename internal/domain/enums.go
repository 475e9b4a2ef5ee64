// Package domain defines the core domain models for the run engine.
package domain

// RunStatus represents the status of a run.
type RunStatus string

const (
	RunStatusReceived    RunStatus = "RECEIVED"
	RunStatusPlanning    RunStatus = "PLANNING"
	RunStatusExecuting   RunStatus = "EXECUTING"
	RunStatusWaiting     RunStatus = "WAITING"
	RunStatusSummarizing RunStatus = "SUMMARIZING"
	RunStatusCompleted   RunStatus = "COMPLETED"
	RunStatusFailed      RunStatus = "FAILED"
	RunStatusCanceled    RunStatus = "CANCELED"
	RunStatusExpired     RunStatus = "EXPIRED"
)

// runTransitions lists the statuses reachable from each non-terminal status.
// CANCELED, EXPIRED and FAILED are reachable from every non-terminal status.
var runTransitions = map[RunStatus][]RunStatus{
	RunStatusReceived:    {RunStatusPlanning},
	RunStatusPlanning:    {RunStatusPlanning, RunStatusExecuting},
	RunStatusExecuting:   {RunStatusExecuting, RunStatusWaiting, RunStatusSummarizing},
	RunStatusWaiting:     {RunStatusWaiting, RunStatusExecuting},
	RunStatusSummarizing: {RunStatusSummarizing, RunStatusCompleted},
}

// IsTerminal reports whether no further transition is allowed.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCanceled, RunStatusExpired:
		return true
	}
	return false
}

// IsValid reports whether s is a known status.
func (s RunStatus) IsValid() bool {
	if s.IsTerminal() {
		return true
	}
	_, ok := runTransitions[s]
	return ok
}

// CanTransitionTo reports whether a run in status s may move to next.
// Self-transitions of active statuses are checkpoints (step advance, retry bookkeeping).
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	if s.IsTerminal() || !next.IsValid() {
		return false
	}
	switch next {
	case RunStatusFailed, RunStatusCanceled, RunStatusExpired:
		return true
	}
	for _, allowed := range runTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// EventType represents the type of an event.
type EventType string

const (
	EventTypeRunCreated     EventType = "run_created"
	EventTypeStatusChanged  EventType = "status_changed"
	EventTypePlanGenerated  EventType = "plan_generated"
	EventTypePlanFailed     EventType = "plan_failed"
	EventTypeStepStarted    EventType = "step_started"
	EventTypeStepCompleted  EventType = "step_completed"
	EventTypeStepFailed     EventType = "step_failed"
	EventTypeSandboxPolled  EventType = "sandbox_polled"
	EventTypeMessageAdded   EventType = "message_added"
	EventTypeCreditCharged  EventType = "credit_charged"
	EventTypeRunResumed     EventType = "run_resumed"
	EventTypeRunCompleted   EventType = "run_completed"
	EventTypeRunFailed      EventType = "run_failed"
	EventTypeRunCanceled    EventType = "run_canceled"
	EventTypeRunExpired     EventType = "run_expired"
	EventTypeSummaryFailed  EventType = "summary_failed"
	EventTypePolicyDecision EventType = "policy_decision"
)

// MessageRole is the author of a conversation message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// MessageType distinguishes the seed prompt from later turns.
type MessageType string

const (
	MessageTypeInitial  MessageType = "initial"
	MessageTypeFollowUp MessageType = "follow_up"
	MessageTypeSummary  MessageType = "summary"
)

// SandboxStatus is the externally owned status of a sandbox task.
type SandboxStatus string

const (
	SandboxStatusPending   SandboxStatus = "PENDING"
	SandboxStatusRunning   SandboxStatus = "RUNNING"
	SandboxStatusSucceeded SandboxStatus = "SUCCEEDED"
	SandboxStatusFailed    SandboxStatus = "FAILED"
	SandboxStatusUnknown   SandboxStatus = "UNKNOWN"
)

// IsTerminal reports whether the sandbox will not change the task status again.
func (s SandboxStatus) IsTerminal() bool {
	return s == SandboxStatusSucceeded || s == SandboxStatusFailed
}

// CompletenessStatus is the verdict of a data completeness evaluation.
type CompletenessStatus string

const (
	CompletenessComplete    CompletenessStatus = "COMPLETE"
	CompletenessIncomplete  CompletenessStatus = "INCOMPLETE"
	CompletenessUpstreamGap CompletenessStatus = "UPSTREAM_GAP"
)

// BusinessType classifies ledger entries. (business type, source id) is unique.
type BusinessType string

const (
	BusinessRunCreate  BusinessType = "RUN_CREATE"
	BusinessStepCharge BusinessType = "STEP_CHARGE"
	BusinessAdminGrant BusinessType = "ADMIN_GRANT"
	BusinessTopUp      BusinessType = "TOP_UP"
	BusinessRefund     BusinessType = "REFUND"
)

func (b BusinessType) IsValid() bool {
	switch b {
	case BusinessRunCreate, BusinessStepCharge, BusinessAdminGrant, BusinessTopUp, BusinessRefund:
		return true
	}
	return false
}

// SourceType names the kind of object a ledger entry originates from.
type SourceType string

const (
	SourceRun   SourceType = "run"
	SourceStep  SourceType = "step"
	SourceAdmin SourceType = "admin"
	SourceAPI   SourceType = "api"
)

func (s SourceType) IsValid() bool {
	switch s {
	case SourceRun, SourceStep, SourceAdmin, SourceAPI:
		return true
	}
	return false
}

// IdempotencyStatus is the state of an admin idempotency record.
type IdempotencyStatus string

const (
	IdempotencyProcessing IdempotencyStatus = "PROCESSING"
	IdempotencyCompleted  IdempotencyStatus = "COMPLETED"
	IdempotencyFailed     IdempotencyStatus = "FAILED"
)
