package domain

import "time"

// DateLayout is the calendar date format used for trading days.
const DateLayout = "2006-01-02"

// CompletenessResult answers whether a subject's stored data covers a date range.
type CompletenessResult struct {
	SubjectCode   string             `json:"subject_code"`
	Start         string             `json:"start"`
	End           string             `json:"end"`
	ExpectedCount int                `json:"expected_count"`
	ActualCount   int                `json:"actual_count"`
	MissingDates  []string           `json:"missing_dates,omitempty"`
	Status        CompletenessStatus `json:"status"`
	NextRetryAt   *time.Time         `json:"next_retry_at,omitempty"`
	EvaluatedAt   time.Time          `json:"evaluated_at"`
	FromCache     bool               `json:"from_cache"`
}
