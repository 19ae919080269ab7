package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/backportd/backportd/internal/common/tracing"
	"github.com/backportd/backportd/internal/db"
	"github.com/backportd/backportd/internal/db/dialect"
	"github.com/backportd/backportd/internal/job/models"
)

// SQLStore provides SQL-backed job storage over a writer/reader pool pair.
// It works against SQLite and Postgres; driver differences are confined to
// the dialect package.
type SQLStore struct {
	pool *db.Pool
}

// Ensure SQLStore implements Store interface
var _ Store = (*SQLStore)(nil)

// NewSQLStore creates a SQL-backed job store and initializes its schema.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize job schema: %w", err)
	}
	return s, nil
}

// Close is a no-op: the underlying pool is owned by the caller.
func (s *SQLStore) Close() error {
	return nil
}

// initSchema creates the job tables if they don't exist. Statements are
// executed one at a time so the same code path works under pgx, which does
// not accept multi-statement strings.
func (s *SQLStore) initSchema() error {
	drv := s.pool.Driver()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			repo_owner TEXT NOT NULL,
			repo_name TEXT NOT NULL,
			pr_number INTEGER NOT NULL,
			target_branch TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			requester TEXT DEFAULT '',
			comment_id BIGINT DEFAULT 0,
			result_pr INTEGER,
			error TEXT DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS job_log (
			seq %s,
			job_id TEXT NOT NULL,
			ts TIMESTAMP NOT NULL,
			message TEXT NOT NULL
		)`, dialect.AutoIncrementPK(drv)),
		`CREATE INDEX IF NOT EXISTS idx_job_log_job_id ON job_log(job_id, seq)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS job_steps (
			job_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			result %s,
			completed_at TIMESTAMP NOT NULL,
			PRIMARY KEY (job_id, step_id)
		)`, dialect.BlobType(drv)),
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Writer().Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// CreateJob stores a new job.
func (s *SQLStore) CreateJob(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = models.StatusPending
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO jobs (id, repo_owner, repo_name, pr_number, target_branch, status, requester, comment_id, result_pr, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), job.ID, job.RepoOwner, job.RepoName, job.PRNumber, job.TargetBranch, job.Status, job.Requester, job.CommentID, job.ResultPR, job.Error, job.CreatedAt, job.UpdatedAt)
	return err
}

// GetJob retrieves a job by ID.
func (s *SQLStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	ro := s.pool.Reader()
	job, err := scanJob(ro.QueryRowContext(ctx, ro.Rebind(`
		SELECT id, repo_owner, repo_name, pr_number, target_branch, status, requester, comment_id, result_pr, error, created_at, updated_at
		FROM jobs WHERE id = ?
	`), id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobs returns all jobs, most recently created first.
func (s *SQLStore) ListJobs(ctx context.Context) ([]*models.Job, error) {
	ctx, span := tracing.Tracer("backportd-db").Start(ctx, "db.ListJobs")
	defer span.End()

	ro := s.pool.Reader()
	rows, err := ro.QueryContext(ctx, `
		SELECT id, repo_owner, repo_name, pr_number, target_branch, status, requester, comment_id, result_pr, error, created_at, updated_at
		FROM jobs ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, job)
	}
	return result, rows.Err()
}

// ListJobsByStatus returns all jobs with the given status, oldest first, so
// interrupted work is resumed in submission order.
func (s *SQLStore) ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	ro := s.pool.Reader()
	rows, err := ro.QueryContext(ctx, ro.Rebind(`
		SELECT id, repo_owner, repo_name, pr_number, target_branch, status, requester, comment_id, result_pr, error, created_at, updated_at
		FROM jobs WHERE status = ? ORDER BY created_at
	`), status)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, job)
	}
	return result, rows.Err()
}

// UpdateJob applies a partial update inside a transaction so the lifecycle
// check and the write are atomic.
func (s *SQLStore) UpdateJob(ctx context.Context, id string, params UpdateJobParams) (*models.Job, error) {
	w := s.pool.Writer()
	tx, err := w.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	job, err := scanJob(tx.QueryRowContext(ctx, w.Rebind(`
		SELECT id, repo_owner, repo_name, pr_number, target_branch, status, requester, comment_id, result_pr, error, created_at, updated_at
		FROM jobs WHERE id = ?
	`), id))
	if err == sql.ErrNoRows {
		_ = tx.Rollback()
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	if params.Status != nil && *params.Status != job.Status {
		if job.Status.Terminal() {
			_ = tx.Rollback()
			return nil, fmt.Errorf("%w: %s is %s", ErrJobTerminal, id, job.Status)
		}
		if !job.Status.CanTransitionTo(*params.Status) {
			_ = tx.Rollback()
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, *params.Status)
		}
		job.Status = *params.Status
	}
	if params.Error != nil {
		job.Error = *params.Error
	}
	if params.ResultPR != nil {
		pr := *params.ResultPR
		job.ResultPR = &pr
	}
	job.UpdatedAt = time.Now().UTC()

	_, err = tx.ExecContext(ctx, w.Rebind(`
		UPDATE jobs SET status = ?, error = ?, result_pr = ?, updated_at = ? WHERE id = ?
	`), job.Status, job.Error, job.ResultPR, job.UpdatedAt, id)
	if err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return nil, fmt.Errorf("failed to rollback job update: %w", rollbackErr)
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return job, nil
}

// AppendLog appends a timestamped entry to the job's trail. The insert is
// guarded by a job existence check and any error is swallowed: the trail is
// advisory and must never abort a workflow.
func (s *SQLStore) AppendLog(ctx context.Context, id string, message string) {
	w := s.pool.Writer()
	_, _ = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO job_log (job_id, ts, message)
		SELECT ?, ?, ? WHERE EXISTS (SELECT 1 FROM jobs WHERE id = ?)
	`), id, time.Now().UTC(), message, id)
}

// Log returns the job's trail in append order.
func (s *SQLStore) Log(ctx context.Context, id string) ([]models.LogEntry, error) {
	if _, err := s.GetJob(ctx, id); err != nil {
		return nil, err
	}
	ro := s.pool.Reader()
	rows, err := ro.QueryContext(ctx, ro.Rebind(`
		SELECT ts, message FROM job_log WHERE job_id = ? ORDER BY seq
	`), id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	entries := make([]models.LogEntry, 0)
	for rows.Next() {
		var e models.LogEntry
		if err := rows.Scan(&e.Timestamp, &e.Message); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkStepDone records a completed workflow step, overwriting any previous
// result for the same step.
func (s *SQLStore) MarkStepDone(ctx context.Context, jobID, stepID string, result []byte) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO job_steps (job_id, step_id, result, completed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (job_id, step_id) DO UPDATE SET result = excluded.result, completed_at = excluded.completed_at
	`), jobID, stepID, result, time.Now().UTC())
	return err
}

// StepResult returns the recorded result for a step, if any.
func (s *SQLStore) StepResult(ctx context.Context, jobID, stepID string) ([]byte, bool, error) {
	ro := s.pool.Reader()
	var result []byte
	err := ro.QueryRowContext(ctx, ro.Rebind(`
		SELECT result FROM job_steps WHERE job_id = ? AND step_id = ?
	`), jobID, stepID).Scan(&result)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return result, true, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanJob scans one job row.
func scanJob(row rowScanner) (*models.Job, error) {
	job := &models.Job{}
	var resultPR sql.NullInt64
	err := row.Scan(
		&job.ID,
		&job.RepoOwner,
		&job.RepoName,
		&job.PRNumber,
		&job.TargetBranch,
		&job.Status,
		&job.Requester,
		&job.CommentID,
		&resultPR,
		&job.Error,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if resultPR.Valid {
		pr := int(resultPR.Int64)
		job.ResultPR = &pr
	}
	return job, nil
}
