package domain

import (
	"encoding/json"
	"time"
)

// Reserved tool names handled by the lifecycle manager itself.
const (
	ToolDone      = "done"
	ToolAwaitUser = "await_user"
)

// Run represents one end-to-end execution of an agent goal.
type Run struct {
	RunID          string          `json:"run_id"`
	OwnerID        string          `json:"owner_id"`
	Goal           string          `json:"goal"`
	Status         RunStatus       `json:"status"`
	CurrentStep    int             `json:"current_step"`
	MaxSteps       int             `json:"max_steps"`
	Plan           []PlanStep      `json:"plan,omitempty"`
	Snapshot       Snapshot        `json:"snapshot"`
	LastError      string          `json:"last_error,omitempty"`
	Debug          bool            `json:"debug,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	ExpiresAt      time.Time       `json:"expires_at"`
	StartedAt      time.Time       `json:"started_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	Ext            json.RawMessage `json:"ext,omitempty"`
	Version        int64           `json:"version"`
}

// PlanStep is one entry of a run's ordered plan.
type PlanStep struct {
	StepID      string          `json:"step_id"`
	Description string          `json:"description"`
	ToolName    string          `json:"tool_name"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Snapshot is the checkpointed intermediate state of a run. It is replaced as a
// whole on every checkpoint.
type Snapshot struct {
	Results      []StepResult  `json:"results,omitempty"`
	Attempts     int           `json:"attempts,omitempty"`
	PlanAttempts int           `json:"plan_attempts,omitempty"`
	Pending      *PendingTask  `json:"pending,omitempty"`
	Awaiting     *PendingInput `json:"awaiting,omitempty"`

	// SummaryClaimedAt is set by the driver that won the right to write the summary.
	SummaryClaimedAt *time.Time `json:"summary_claimed_at,omitempty"`
}

// StepResult is the recorded output of a completed step.
type StepResult struct {
	StepID      string          `json:"step_id"`
	ToolName    string          `json:"tool_name"`
	Output      json.RawMessage `json:"output,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

// PendingTask tracks an in-flight sandbox task between polls.
type PendingTask struct {
	TaskID       string        `json:"task_id"`
	StepID       string        `json:"step_id"`
	SubmittedAt  time.Time     `json:"submitted_at"`
	LastStatus   SandboxStatus `json:"last_status"`
	Polls        int           `json:"polls"`
	UnknownPolls int           `json:"unknown_polls"`
	PollErrors   int           `json:"poll_errors,omitempty"`
}

// PendingInput records that a step is blocked on a follow-up message newer than AfterSeq.
type PendingInput struct {
	StepID   string `json:"step_id"`
	Prompt   string `json:"prompt,omitempty"`
	AfterSeq int64  `json:"after_seq"`
}

// Clone returns a deep copy of the snapshot so a checkpoint never aliases the
// previously persisted value.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{Attempts: s.Attempts, PlanAttempts: s.PlanAttempts}
	if s.SummaryClaimedAt != nil {
		t := *s.SummaryClaimedAt
		out.SummaryClaimedAt = &t
	}
	if len(s.Results) > 0 {
		out.Results = append([]StepResult(nil), s.Results...)
	}
	if s.Pending != nil {
		p := *s.Pending
		out.Pending = &p
	}
	if s.Awaiting != nil {
		a := *s.Awaiting
		out.Awaiting = &a
	}
	return out
}

// Event represents an entry in a run's append-only event log.
type Event struct {
	RunID     string          `json:"run_id"`
	Seq       int64           `json:"seq"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Message represents a conversation turn scoped to a run.
type Message struct {
	RunID     string          `json:"run_id"`
	Seq       int64           `json:"seq"`
	Role      MessageRole     `json:"role"`
	Content   string          `json:"content"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Type      MessageType     `json:"message_type"`
	CreatedAt time.Time       `json:"created_at"`
}
