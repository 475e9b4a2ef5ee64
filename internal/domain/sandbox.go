package domain

import "time"

// SandboxSubmitRequest is the body of a sandbox task submission.
type SandboxSubmitRequest struct {
	DatasetID      string   `json:"dataset_id,omitempty"`
	DatasetIDs     []string `json:"dataset_ids"`
	Code           string   `json:"code"`
	Files          []string `json:"files"`
	Libraries      []string `json:"libraries"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
}

// SandboxSubmitResponse is returned by the sandbox after a submission.
type SandboxSubmitResponse struct {
	TaskID string        `json:"task_id"`
	Status SandboxStatus `json:"status"`
}

// SandboxTask is the last observed status of an external sandbox task.
type SandboxTask struct {
	TaskID     string        `json:"task_id"`
	Status     SandboxStatus `json:"status"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// SandboxResult is the normalized result of a sandbox task.
type SandboxResult struct {
	TaskID     string        `json:"task_id"`
	Status     SandboxStatus `json:"status"`
	Available  bool          `json:"available"`
	ExitCode   int           `json:"exit_code"`
	Stdout     string        `json:"stdout"`
	Stderr     string        `json:"stderr"`
	DatasetDir string        `json:"dataset_dir"`
	Message    string        `json:"message,omitempty"`
}
