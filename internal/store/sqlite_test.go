package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lumyxel/dataforge/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestSubmission() *model.Submission {
	return &model.Submission{
		ID:          model.NewID(),
		Status:      model.SubmissionRunning,
		ItemCount:   5,
		BatchCount:  2,
		ProjectRoot: "/src/app",
		AutoModify:  true,
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}
}

func TestCreateAndGetSubmission(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sub := makeTestSubmission()

	if err := s.CreateSubmission(ctx, sub); err != nil {
		t.Fatalf("CreateSubmission: %v", err)
	}

	got, err := s.GetSubmission(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubmission: %v", err)
	}

	if got.ID != sub.ID {
		t.Errorf("ID = %q, want %q", got.ID, sub.ID)
	}
	if got.Status != model.SubmissionRunning {
		t.Errorf("Status = %q, want %q", got.Status, model.SubmissionRunning)
	}
	if got.ItemCount != 5 || got.BatchCount != 2 {
		t.Errorf("counts = (%d, %d), want (5, 2)", got.ItemCount, got.BatchCount)
	}
	if got.ProjectRoot != "/src/app" {
		t.Errorf("ProjectRoot = %q, want %q", got.ProjectRoot, "/src/app")
	}
	if !got.AutoModify {
		t.Error("AutoModify = false, want true")
	}
	if got.DurationMS != nil || got.FinishedAt != nil {
		t.Error("running submission has duration or finished_at set")
	}
}

func TestGetSubmissionNotFound(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.GetSubmission(context.Background(), "nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSubmission error = %v, want ErrNotFound", err)
	}
}

func TestListSubmissionsPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		sub := makeTestSubmission()
		sub.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second).Truncate(time.Second)
		if err := s.CreateSubmission(ctx, sub); err != nil {
			t.Fatalf("CreateSubmission[%d]: %v", i, err)
		}
	}

	subs, total, err := s.ListSubmissions(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListSubmissions: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(subs) != 2 {
		t.Errorf("len(subs) = %d, want 2", len(subs))
	}

	last, _, err := s.ListSubmissions(ctx, 2, 4)
	if err != nil {
		t.Fatalf("ListSubmissions last page: %v", err)
	}
	if len(last) != 1 {
		t.Errorf("len(last page) = %d, want 1", len(last))
	}
}

func TestListSubmissionsOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := makeTestSubmission()
	old.CreatedAt = time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	recent := makeTestSubmission()
	for _, sub := range []*model.Submission{old, recent} {
		if err := s.CreateSubmission(ctx, sub); err != nil {
			t.Fatalf("CreateSubmission: %v", err)
		}
	}

	subs, _, err := s.ListSubmissions(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListSubmissions: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("len(subs) = %d, want 2", len(subs))
	}
	if subs[0].ID != recent.ID {
		t.Errorf("first = %q, want most recent %q", subs[0].ID, recent.ID)
	}
}

func TestListSubmissionsEmpty(t *testing.T) {
	s := newTestStore(t)

	subs, total, err := s.ListSubmissions(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListSubmissions: %v", err)
	}
	if total != 0 || len(subs) != 0 {
		t.Errorf("got %d rows, total %d, want none", len(subs), total)
	}
}

func TestFinishSubmission(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sub := makeTestSubmission()
	if err := s.CreateSubmission(ctx, sub); err != nil {
		t.Fatalf("CreateSubmission: %v", err)
	}

	if err := s.FinishSubmission(ctx, sub.ID, model.SubmissionCompleted, 4, "", 1500*time.Millisecond); err != nil {
		t.Fatalf("FinishSubmission: %v", err)
	}

	got, err := s.GetSubmission(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubmission: %v", err)
	}
	if got.Status != model.SubmissionCompleted {
		t.Errorf("Status = %q, want %q", got.Status, model.SubmissionCompleted)
	}
	if got.OutputCount != 4 {
		t.Errorf("OutputCount = %d, want 4", got.OutputCount)
	}
	if got.DurationMS == nil || *got.DurationMS != 1500 {
		t.Errorf("DurationMS = %v, want 1500", got.DurationMS)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt not set")
	}
}

func TestFinishSubmissionFailedRecordsError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sub := makeTestSubmission()
	if err := s.CreateSubmission(ctx, sub); err != nil {
		t.Fatalf("CreateSubmission: %v", err)
	}

	if err := s.FinishSubmission(ctx, sub.ID, model.SubmissionFailed, 0, "worker-0 timed out", time.Second); err != nil {
		t.Fatalf("FinishSubmission: %v", err)
	}
	got, err := s.GetSubmission(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubmission: %v", err)
	}
	if got.Error != "worker-0 timed out" {
		t.Errorf("Error = %q, want %q", got.Error, "worker-0 timed out")
	}
}

func TestFinishSubmissionTwice(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sub := makeTestSubmission()
	if err := s.CreateSubmission(ctx, sub); err != nil {
		t.Fatalf("CreateSubmission: %v", err)
	}
	if err := s.FinishSubmission(ctx, sub.ID, model.SubmissionCompleted, 1, "", time.Millisecond); err != nil {
		t.Fatalf("first FinishSubmission: %v", err)
	}

	err := s.FinishSubmission(ctx, sub.ID, model.SubmissionFailed, 0, "late", time.Millisecond)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second FinishSubmission = %v, want ErrInvalidTransition", err)
	}
}

func TestFinishSubmissionNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.FinishSubmission(context.Background(), "missing", model.SubmissionCompleted, 0, "", 0)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("FinishSubmission = %v, want ErrNotFound", err)
	}
}

func TestFinishSubmissionRejectsRunningStatus(t *testing.T) {
	s := newTestStore(t)

	err := s.FinishSubmission(context.Background(), "any", model.SubmissionRunning, 0, "", 0)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("FinishSubmission(running) = %v, want ErrInvalidTransition", err)
	}
}

func TestGetSubmissionStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		sub := makeTestSubmission()
		if err := s.CreateSubmission(ctx, sub); err != nil {
			t.Fatalf("CreateSubmission: %v", err)
		}
		// Finish the first two with 100ms and 200ms.
		if i < 2 {
			dur := time.Duration(100+i*100) * time.Millisecond
			if err := s.FinishSubmission(ctx, sub.ID, model.SubmissionCompleted, 3, "", dur); err != nil {
				t.Fatalf("FinishSubmission: %v", err)
			}
		}
	}

	stats, err := s.GetSubmissionStats(ctx)
	if err != nil {
		t.Fatalf("GetSubmissionStats: %v", err)
	}

	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.CountByStatus[model.SubmissionCompleted] != 2 {
		t.Errorf("completed count = %d, want 2", stats.CountByStatus[model.SubmissionCompleted])
	}
	if stats.CountByStatus[model.SubmissionRunning] != 1 {
		t.Errorf("running count = %d, want 1", stats.CountByStatus[model.SubmissionRunning])
	}
	if stats.TotalItems != 15 {
		t.Errorf("TotalItems = %d, want 15", stats.TotalItems)
	}
	if stats.TotalOutputs != 6 {
		t.Errorf("TotalOutputs = %d, want 6", stats.TotalOutputs)
	}
	if stats.AvgDurationMS != 150 {
		t.Errorf("AvgDurationMS = %f, want 150", stats.AvgDurationMS)
	}
}

func TestGetSubmissionStatsEmpty(t *testing.T) {
	s := newTestStore(t)

	stats, err := s.GetSubmissionStats(context.Background())
	if err != nil {
		t.Fatalf("GetSubmissionStats: %v", err)
	}
	if stats.Total != 0 {
		t.Errorf("Total = %d, want 0", stats.Total)
	}
	if stats.AvgDurationMS != 0 {
		t.Errorf("AvgDurationMS = %f, want 0", stats.AvgDurationMS)
	}
}

func TestMigrationIdempotency(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.db.Exec(createSubmissionsTable); err != nil {
		t.Fatalf("second migration: %v", err)
	}
}
