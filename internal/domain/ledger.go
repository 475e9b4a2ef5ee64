package domain

import (
	"encoding/json"
	"time"
)

// LedgerEntry is one append-only credit movement.
type LedgerEntry struct {
	LedgerID       string          `json:"ledger_id"`
	UserID         string          `json:"user_id"`
	BusinessType   BusinessType    `json:"business_type"`
	Delta          int64           `json:"delta"`
	BalanceBefore  int64           `json:"balance_before"`
	BalanceAfter   int64           `json:"balance_after"`
	SourceType     SourceType      `json:"source_type"`
	SourceID       string          `json:"source_id"`
	OperatorID     string          `json:"operator_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Ext            json.RawMessage `json:"ext,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// LedgerFilter narrows audit queries. Zero values are ignored.
type LedgerFilter struct {
	UserID       string
	BusinessType BusinessType
	SourceType   SourceType
	SourceID     string
	From         time.Time
	To           time.Time
	Limit        int
	Offset       int
}

// AdminIdempotencyRecord guards a mutating administrative action.
type AdminIdempotencyRecord struct {
	OperatorID     string            `json:"operator_id"`
	Action         string            `json:"action"`
	TargetID       string            `json:"target_id"`
	IdempotencyKey string            `json:"idempotency_key"`
	RequestHash    string            `json:"request_hash"`
	Status         IdempotencyStatus `json:"status"`
	Response       json.RawMessage   `json:"response,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}
