package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lumyxel/dataforge/internal/model"

	_ "modernc.org/sqlite"
)

const createSubmissionsTable = `
CREATE TABLE IF NOT EXISTS submissions (
    id           TEXT PRIMARY KEY,
    status       TEXT NOT NULL,
    item_count   INTEGER NOT NULL,
    batch_count  INTEGER NOT NULL DEFAULT 0,
    output_count INTEGER NOT NULL DEFAULT 0,
    project_root TEXT NOT NULL DEFAULT '',
    auto_modify  INTEGER NOT NULL DEFAULT 0,
    error        TEXT NOT NULL DEFAULT '',
    duration_ms  INTEGER,
    created_at   DATETIME NOT NULL,
    finished_at  DATETIME
)`

const submissionColumns = `id, status, item_count, batch_count, output_count, project_root,
	auto_modify, error, duration_ms, created_at, finished_at`

// ErrNotFound is returned when a submission is not found.
var ErrNotFound = errors.New("submission not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createSubmissionsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create submissions table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSubmission inserts a new submission record.
func (s *SQLiteStore) CreateSubmission(ctx context.Context, sub *model.Submission) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO submissions (`+submissionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.Status, sub.ItemCount, sub.BatchCount, sub.OutputCount, sub.ProjectRoot,
		sub.AutoModify, sub.Error, sub.DurationMS, sub.CreatedAt, sub.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

// GetSubmission retrieves a submission by ID.
func (s *SQLiteStore) GetSubmission(ctx context.Context, id string) (*model.Submission, error) {
	sub, err := scanSubmission(s.db.QueryRowContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get submission: %w", err)
	}
	return sub, nil
}

// ListSubmissions returns a page of submissions ordered by created_at DESC,
// along with the total count of all submissions.
func (s *SQLiteStore) ListSubmissions(ctx context.Context, limit, offset int) ([]*model.Submission, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM submissions").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count submissions: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	var subs []*model.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan submission: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate submissions: %w", err)
	}

	return subs, total, nil
}

// FinishSubmission moves a running submission to a terminal status and
// records its outcome. It returns ErrNotFound for an unknown id and
// ErrInvalidTransition if the submission is not running or status is not
// terminal.
func (s *SQLiteStore) FinishSubmission(ctx context.Context, id, status string, outputCount int, errMsg string, duration time.Duration) error {
	if status != model.SubmissionCompleted && status != model.SubmissionFailed {
		return fmt.Errorf("finish with status %q: %w", status, ErrInvalidTransition)
	}

	durationMS := int(duration.Milliseconds())
	result, err := s.db.ExecContext(ctx,
		`UPDATE submissions
		SET status = ?, output_count = ?, error = ?, duration_ms = ?, finished_at = ?
		WHERE id = ? AND status = ?`,
		status, outputCount, errMsg, durationMS, time.Now().UTC(), id, model.SubmissionRunning,
	)
	if err != nil {
		return fmt.Errorf("finish submission: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Distinguish a missing row from one that already finished.
		if _, err := s.GetSubmission(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("finish submission %s: %w", id, ErrInvalidTransition)
	}

	return nil
}

// GetSubmissionStats returns aggregate statistics over all submissions.
func (s *SQLiteStore) GetSubmissionStats(ctx context.Context) (*SubmissionStats, error) {
	stats := &SubmissionStats{
		CountByStatus: make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM submissions GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	rows.Close()

	var avg sql.NullFloat64
	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(item_count), 0), COALESCE(SUM(output_count), 0), AVG(duration_ms)
		FROM submissions`,
	).Scan(&stats.TotalItems, &stats.TotalOutputs, &avg)
	if err != nil {
		return nil, fmt.Errorf("aggregate submissions: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (*model.Submission, error) {
	sub := &model.Submission{}
	var duration sql.NullInt64
	var finished sql.NullTime
	if err := row.Scan(
		&sub.ID, &sub.Status, &sub.ItemCount, &sub.BatchCount, &sub.OutputCount, &sub.ProjectRoot,
		&sub.AutoModify, &sub.Error, &duration, &sub.CreatedAt, &finished,
	); err != nil {
		return nil, err
	}
	if duration.Valid {
		d := int(duration.Int64)
		sub.DurationMS = &d
	}
	if finished.Valid {
		t := finished.Time
		sub.FinishedAt = &t
	}
	return sub, nil
}
