package domain

import "encoding/json"

// CreateRunRequest represents the request to create a run.
type CreateRunRequest struct {
	Goal           string          `json:"goal"`
	OwnerID        string          `json:"owner_id"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	MaxSteps       int             `json:"max_steps,omitempty"`
	Debug          bool            `json:"debug,omitempty"`
	Ext            json.RawMessage `json:"ext,omitempty"`
}

// CreateRunResponse is returned after a run is accepted.
type CreateRunResponse struct {
	RunID  string    `json:"run_id"`
	Status RunStatus `json:"status"`
}

// SendMessageRequest carries a follow-up message for a run.
type SendMessageRequest struct {
	OwnerID  string          `json:"owner_id"`
	Content  string          `json:"content"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// SendMessageResponse reports the assigned sequence and the run status after delivery.
type SendMessageResponse struct {
	RunID  string    `json:"run_id"`
	Seq    int64     `json:"seq"`
	Status RunStatus `json:"status"`
}

// OwnerRequest identifies the caller for owner-scoped run actions.
type OwnerRequest struct {
	OwnerID string `json:"owner_id"`
}

// EventPage is one page of a run's event log.
type EventPage struct {
	Items      []Event `json:"items"`
	NextCursor int64   `json:"next_cursor"`
	HasMore    bool    `json:"has_more"`
}

// MessagePage is one page of a run's conversation log.
type MessagePage struct {
	Items      []Message `json:"items"`
	NextCursor int64     `json:"next_cursor"`
	HasMore    bool      `json:"has_more"`
}

// DeltaRequest asks the ledger to apply a signed credit delta.
type DeltaRequest struct {
	UserID         string          `json:"user_id"`
	BusinessType   BusinessType    `json:"business_type"`
	Delta          int64           `json:"delta"`
	SourceType     SourceType      `json:"source_type"`
	SourceID       string          `json:"source_id"`
	OperatorID     string          `json:"operator_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Ext            json.RawMessage `json:"ext,omitempty"`
}

// DeltaResult is the authoritative entry for a delta and whether it was a replay.
type DeltaResult struct {
	Entry    LedgerEntry `json:"entry"`
	Replayed bool        `json:"replayed"`
}

// GrantCreditsRequest is an administrative credit grant.
type GrantCreditsRequest struct {
	OperatorID     string `json:"operator_id"`
	UserID         string `json:"user_id"`
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
}

// SandboxCallbackRequest is a push notification from the sandbox.
type SandboxCallbackRequest struct {
	TaskID string        `json:"task_id"`
	Status SandboxStatus `json:"status"`
}

// ExpireRunsResponse reports how many runs a sweep expired.
type ExpireRunsResponse struct {
	Expired int `json:"expired"`
}

// LedgerListResponse is a page of ledger entries.
type LedgerListResponse struct {
	Items []LedgerEntry `json:"items"`
	Total int64         `json:"total"`
}

// BalanceResponse reports a user's current credit balance.
type BalanceResponse struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}
