package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/answer-queue/internal/domain"
	"github.com/cuongbtq/answer-queue/shared/postgresql"
	"github.com/jmoiron/sqlx"
)

const jobColumns = `id, parent_id, worker_class, title, created_by, created_date,
	started_date, worker, worker_ip, completed_date, error, retry_count`

// PostgresStore persists job rows in PostgreSQL
type PostgresStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresStore creates a new PostgresStore instance
func NewPostgresStore(pg *postgresql.Client, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		db:     pg.GetDB(),
		logger: logger,
	}
}

// CreateJobs inserts all jobs in one transaction and returns them with ids assigned
func (s *PostgresStore) CreateJobs(ctx context.Context, jobs []domain.Job) ([]domain.Job, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	created := make([]domain.Job, 0, len(jobs))
	for _, job := range jobs {
		row, err := insertJob(ctx, tx, job)
		if err != nil {
			return nil, err
		}
		created = append(created, *row)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit job creation: %w", err)
	}

	s.logger.Debug("Jobs persisted", slog.Int("count", len(created)))
	return created, nil
}

func insertJob(ctx context.Context, tx *sqlx.Tx, job domain.Job) (*domain.Job, error) {
	query := `
		INSERT INTO jobs (
			parent_id, worker_class, title, created_by, created_date, retry_count
		) VALUES (
			$1, $2, $3, $4, $5, 0
		)
		RETURNING ` + jobColumns

	var row domain.Job
	err := tx.GetContext(ctx, &row, query,
		job.ParentID,
		job.WorkerClass,
		job.Title,
		job.CreatedBy,
		job.CreatedDate,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return &row, nil
}

// GetJob retrieves a job by its id
func (s *PostgresStore) GetJob(ctx context.Context, id int64) (*domain.Job, error) {
	return getJob(ctx, s.db, id)
}

func getJob(ctx context.Context, q sqlx.QueryerContext, id int64) (*domain.Job, error) {
	var job domain.Job
	err := sqlx.GetContext(ctx, q, &job, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// StartJob records start metadata on an incomplete job. Starting a completed
// job changes nothing and returns it as stored.
func (s *PostgresStore) StartJob(ctx context.Context, id int64, worker, workerIP string, at time.Time) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET started_date = $2,
		    worker = $3,
		    worker_ip = $4
		WHERE id = $1
		  AND completed_date IS NULL
		RETURNING ` + jobColumns

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query, id, at, worker, workerIP)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s.GetJob(ctx, id)
		}
		return nil, fmt.Errorf("failed to start job: %w", err)
	}
	return &job, nil
}

// CompleteJob marks a job completed and, under a transaction-scoped advisory
// lock on its parent, counts the siblings still incomplete. fanIn runs inside
// the same transaction so concurrent completions of the last two siblings see
// each other and exactly one of them creates the follow-up job.
func (s *PostgresStore) CompleteJob(ctx context.Context, id int64, at time.Time, fanIn domain.FanInFunc) (*domain.Completion, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var parentID int64
	if err := tx.GetContext(ctx, &parentID, `SELECT parent_id FROM jobs WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to read job parent: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, parentID); err != nil {
		return nil, fmt.Errorf("failed to lock parent %d: %w", parentID, err)
	}

	query := `
		UPDATE jobs
		SET completed_date = $2,
		    error = NULL
		WHERE id = $1
		  AND completed_date IS NULL
		RETURNING ` + jobColumns

	var done domain.Job
	if err := tx.GetContext(ctx, &done, query, id, at); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to complete job: %w", err)
		}
		existing, err := getJob(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit: %w", err)
		}
		return &domain.Completion{Job: *existing, Applied: false}, nil
	}

	var incomplete int
	err = tx.GetContext(ctx, &incomplete, `
		SELECT COUNT(*)
		FROM jobs
		WHERE parent_id = $1
		  AND id <> $2
		  AND completed_date IS NULL
	`, parentID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to count incomplete siblings: %w", err)
	}

	completion := &domain.Completion{
		Job:                done,
		Applied:            true,
		IncompleteSiblings: incomplete,
	}

	if fanIn != nil {
		if followUp := fanIn(done, incomplete); followUp != nil {
			row, err := insertJob(ctx, tx, *followUp)
			if err != nil {
				return nil, err
			}
			completion.FollowUp = row
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit job completion: %w", err)
	}

	return completion, nil
}

// FailJob increments the retry count and stores the error. When the new count
// exceeds retryLimit the job is completed (abandoned); otherwise its start
// metadata is cleared so it reads as queued again. Reports for another attempt
// or another worker than the one recorded are not applied.
func (s *PostgresStore) FailJob(ctx context.Context, attempt domain.FailedAttempt, retryLimit int, at time.Time) (*domain.Failure, error) {
	query := `
		UPDATE jobs
		SET retry_count = retry_count + 1,
		    error = $2,
		    completed_date = CASE
				WHEN retry_count + 1 > $3 THEN $4::timestamptz
				ELSE NULL
			END,
		    started_date = CASE
				WHEN retry_count + 1 > $3 THEN started_date
				ELSE NULL
			END,
		    worker = CASE
				WHEN retry_count + 1 > $3 THEN worker
				ELSE NULL
			END,
		    worker_ip = CASE
				WHEN retry_count + 1 > $3 THEN worker_ip
				ELSE NULL
			END
		WHERE id = $1
		  AND completed_date IS NULL
		  AND retry_count = $5
		  AND ($6::text = '' OR worker IS NULL OR worker = $6::text)
		RETURNING ` + jobColumns

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query, attempt.JobID, attempt.Error, retryLimit, at, attempt.Attempt, attempt.Worker)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			existing, err := s.GetJob(ctx, attempt.JobID)
			if err != nil {
				return nil, err
			}
			return &domain.Failure{Job: *existing, Applied: false}, nil
		}
		return nil, fmt.Errorf("failed to fail job: %w", err)
	}

	return &domain.Failure{
		Job:       job,
		Applied:   true,
		Abandoned: job.CompletedDate != nil,
	}, nil
}

// IncompleteJobs returns every job whose completed_date is null
func (s *PostgresStore) IncompleteJobs(ctx context.Context) ([]domain.Job, error) {
	var jobs []domain.Job
	err := s.db.SelectContext(ctx, &jobs, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE completed_date IS NULL
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list incomplete jobs: %w", err)
	}
	return jobs, nil
}

// ListJobs lists jobs newest first with keyset pagination. It fetches one row
// more than the page size so callers can tell whether another page exists.
func (s *PostgresStore) ListJobs(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	query := `
        SELECT ` + jobColumns + `
        FROM jobs
        WHERE 1=1
    `
	args := []interface{}{}
	argIdx := 1

	if filter.ParentID != 0 {
		query += fmt.Sprintf(" AND parent_id = $%d", argIdx)
		args = append(args, filter.ParentID)
		argIdx++
	}

	if filter.WorkerClass != "" {
		query += fmt.Sprintf(" AND worker_class = $%d", argIdx)
		args = append(args, filter.WorkerClass)
		argIdx++
	}

	switch filter.State {
	case domain.JobStatePending:
		query += " AND completed_date IS NULL AND started_date IS NULL"
	case domain.JobStateStarted:
		query += " AND completed_date IS NULL AND started_date IS NOT NULL"
	case domain.JobStateCompleted:
		query += " AND completed_date IS NOT NULL AND COALESCE(error, '') = ''"
	case domain.JobStateFailed:
		query += " AND completed_date IS NOT NULL AND COALESCE(error, '') <> ''"
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_date, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedDate, filter.Cursor.ID)
		argIdx += 2
	}

	// Order by created_date DESC, id DESC for consistent pagination
	query += " ORDER BY created_date DESC, id DESC"

	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}
