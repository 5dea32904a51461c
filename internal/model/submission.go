package model

import "time"

// Submission status constants.
const (
	SubmissionRunning   = "running"
	SubmissionCompleted = "completed"
	SubmissionFailed    = "failed"
)

// Submission is the history record of one call into the worker pool.
type Submission struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	ItemCount   int        `json:"item_count"`
	BatchCount  int        `json:"batch_count"`
	OutputCount int        `json:"output_count"`
	ProjectRoot string     `json:"project_root,omitempty"`
	AutoModify  bool       `json:"auto_modify"`
	Error       string     `json:"error,omitempty"`
	DurationMS  *int       `json:"duration_ms,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}
