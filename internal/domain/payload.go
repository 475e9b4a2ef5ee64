package domain

import "encoding/json"

// RunCreatedPayload is the payload for run_created events.
type RunCreatedPayload struct {
	OwnerID string `json:"owner_id"`
	Goal    string `json:"goal"`
}

// StatusChangedPayload is the payload for status_changed events.
type StatusChangedPayload struct {
	From RunStatus `json:"from"`
	To   RunStatus `json:"to"`
}

// PlanGeneratedPayload is the payload for plan_generated events.
type PlanGeneratedPayload struct {
	Steps []PlanStep `json:"steps"`
}

// StepPayload is the payload for step_started, step_completed and step_failed events.
type StepPayload struct {
	StepID   string          `json:"step_id"`
	Index    int             `json:"index"`
	ToolName string          `json:"tool_name"`
	Attempt  int             `json:"attempt,omitempty"`
	TaskID   string          `json:"task_id,omitempty"`
	Output   json.RawMessage `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
	Fatal    bool            `json:"fatal,omitempty"`
}

// SandboxPolledPayload is the payload for sandbox_polled events.
type SandboxPolledPayload struct {
	TaskID string        `json:"task_id"`
	Status SandboxStatus `json:"status"`
	Error  string        `json:"error,omitempty"`
}

// MessageAddedPayload is the payload for message_added events.
type MessageAddedPayload struct {
	Seq  int64       `json:"seq"`
	Role MessageRole `json:"role"`
	Type MessageType `json:"message_type"`
}

// CreditChargedPayload is the payload for credit_charged events.
type CreditChargedPayload struct {
	LedgerID     string       `json:"ledger_id"`
	BusinessType BusinessType `json:"business_type"`
	Delta        int64        `json:"delta"`
	BalanceAfter int64        `json:"balance_after"`
	Replayed     bool         `json:"replayed,omitempty"`
}

// RunEndedPayload is the payload for run_completed, run_failed, run_canceled and run_expired events.
type RunEndedPayload struct {
	Status RunStatus `json:"status"`
	Reason string    `json:"reason,omitempty"`
}

// PolicyDecisionPayload is the payload for policy_decision events.
type PolicyDecisionPayload struct {
	StepID   string `json:"step_id"`
	ToolName string `json:"tool_name"`
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}
