package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/platefork/recipe-extractor/internal/extraction"
)

// JobStore persists extraction jobs in Postgres.
type JobStore struct {
	pool dbPool
}

// NewJobStore creates a JobStore backed by a new connection pool.
func NewJobStore(ctx context.Context, dsn string) (*JobStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	return &JobStore{pool: pool}, nil
}

// NewJobStoreWithPool creates a JobStore over an existing pool.
func NewJobStoreWithPool(pool dbPool) *JobStore {
	return &JobStore{pool: pool}
}

// Close closes the underlying connection pool.
func (s *JobStore) Close() {
	s.pool.Close()
}

const jobColumns = `id, user_id, kind, source_url, upload_id, options, idempotency_token,
	status, progress, message, recipe_id, error_code, error_message, retryable,
	created_at, started_at, completed_at`

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job extraction.Job) error {
	opts, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("marshal job options: %w", err)
	}
	query := `
		INSERT INTO extraction_jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17);
	`
	_, err = s.pool.Exec(ctx, query,
		job.ID,
		job.UserID,
		string(job.Kind),
		job.SourceURL,
		job.UploadID,
		opts,
		job.IdempotencyToken,
		string(job.Status),
		job.Progress,
		job.Message,
		job.RecipeID,
		job.ErrorCode,
		job.ErrorMessage,
		job.Retryable,
		job.CreatedAt,
		job.StartedAt,
		job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (extraction.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM extraction_jobs WHERE id = $1;`
	job, err := scanJob(s.pool.QueryRow(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return extraction.Job{}, extraction.ErrJobNotFound
		}
		return extraction.Job{}, fmt.Errorf("select job: %w", err)
	}
	return job, nil
}

// FindJobByToken resolves a prior submission with the same idempotency token.
func (s *JobStore) FindJobByToken(ctx context.Context, userID, token string) (extraction.Job, bool, error) {
	query := `SELECT ` + jobColumns + ` FROM extraction_jobs
		WHERE user_id = $1 AND idempotency_token = $2;`
	job, err := scanJob(s.pool.QueryRow(ctx, query, userID, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return extraction.Job{}, false, nil
		}
		return extraction.Job{}, false, fmt.Errorf("select job by token: %w", err)
	}
	return job, true, nil
}

// Transition applies upd iff the job is still non-terminal. The WHERE clause
// carries the terminal-state guard so cancellation racing completion resolves
// to whichever UPDATE commits first.
func (s *JobStore) Transition(ctx context.Context, jobID string, upd extraction.JobUpdate) (bool, error) {
	query := `
		UPDATE extraction_jobs
		SET status = $2,
		    progress = GREATEST(progress, $3),
		    message = $4,
		    recipe_id = CASE WHEN $5 <> '' THEN $5 ELSE recipe_id END,
		    error_code = $6,
		    error_message = $7,
		    retryable = $8,
		    started_at = COALESCE(started_at, $9),
		    completed_at = COALESCE($10, completed_at)
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled');
	`
	tag, err := s.pool.Exec(ctx, query,
		jobID,
		string(upd.Status),
		upd.Progress,
		upd.Message,
		upd.RecipeID,
		upd.ErrorCode,
		upd.ErrorMessage,
		upd.Retryable,
		upd.StartedAt,
		upd.CompletedAt,
	)
	if err != nil {
		return false, fmt.Errorf("transition job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	// Distinguish "already terminal" from "no such job".
	var exists bool
	err = s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM extraction_jobs WHERE id = $1);`, jobID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check job exists: %w", err)
	}
	if !exists {
		return false, extraction.ErrJobNotFound
	}
	return false, nil
}

func scanJob(row pgx.Row) (extraction.Job, error) {
	var (
		job  extraction.Job
		kind string
		stat string
		opts []byte
	)
	err := row.Scan(
		&job.ID,
		&job.UserID,
		&kind,
		&job.SourceURL,
		&job.UploadID,
		&opts,
		&job.IdempotencyToken,
		&stat,
		&job.Progress,
		&job.Message,
		&job.RecipeID,
		&job.ErrorCode,
		&job.ErrorMessage,
		&job.Retryable,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
	)
	if err != nil {
		return extraction.Job{}, err
	}
	job.Kind = extraction.JobKind(kind)
	job.Status = extraction.JobStatus(stat)
	if len(opts) > 0 {
		if err := json.Unmarshal(opts, &job.Options); err != nil {
			return extraction.Job{}, fmt.Errorf("unmarshal job options: %w", err)
		}
	}
	job.CreatedAt = job.CreatedAt.UTC()
	normalizeTime(&job.StartedAt)
	normalizeTime(&job.CompletedAt)
	return job, nil
}

func normalizeTime(t **time.Time) {
	if *t == nil {
		return
	}
	utc := (**t).UTC()
	*t = &utc
}
