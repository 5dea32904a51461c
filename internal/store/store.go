package store

import (
	"context"
	"errors"
	"time"

	"github.com/lumyxel/dataforge/internal/model"
)

// ErrInvalidTransition is returned when finishing a submission that is not running.
var ErrInvalidTransition = errors.New("invalid status transition")

// SubmissionStats holds aggregate submission statistics.
type SubmissionStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	TotalItems    int            `json:"total_items"`
	TotalOutputs  int            `json:"total_outputs"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for submission history.
type Store interface {
	CreateSubmission(ctx context.Context, s *model.Submission) error
	GetSubmission(ctx context.Context, id string) (*model.Submission, error)
	ListSubmissions(ctx context.Context, limit, offset int) ([]*model.Submission, int, error)
	FinishSubmission(ctx context.Context, id, status string, outputCount int, errMsg string, duration time.Duration) error
	GetSubmissionStats(ctx context.Context) (*SubmissionStats, error)
	Close() error
}
