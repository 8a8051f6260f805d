package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/papercomputeco/mnemo/pkg/storage"
)

// queue implements storage.Queue on the consolidation_schedule table.
type queue struct {
	db *sql.DB
}

// Enqueue inserts a job, ignoring duplicates of a still-unfinished rec
// via the partial unique index.
func (q *queue) Enqueue(ctx context.Context, rec uuid.UUID) error {
	query := `
	INSERT INTO consolidation_schedule (rec)
	VALUES ($1)
	ON CONFLICT DO NOTHING
	`
	if _, err := q.db.ExecContext(ctx, query, rec); err != nil {
		return fmt.Errorf("enqueueing job: %w", err)
	}
	return nil
}

// ClaimBatch claims up to n unclaimed jobs, oldest first. SKIP LOCKED
// makes the inner select pass over rows a concurrent claimer holds, so
// no job is ever handed to two workers.
func (q *queue) ClaimBatch(ctx context.Context, n int) ([]storage.Job, error) {
	query := `
	UPDATE consolidation_schedule
	SET started_at = NOW()
	WHERE id IN (
		SELECT id
		FROM consolidation_schedule
		WHERE started_at IS NULL AND finished_at IS NULL
		ORDER BY queued_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	)
	RETURNING id, rec, queued_at, started_at, finished_at, error_msg
	`

	rows, err := q.db.QueryContext(ctx, query, n)
	if err != nil {
		return nil, storage.TransientError{Err: fmt.Errorf("claiming jobs: %w", err)}
	}
	defer rows.Close()

	var jobs []storage.Job
	for rows.Next() {
		var (
			job      storage.Job
			started  sql.NullTime
			finished sql.NullTime
			errorMsg sql.NullString
		)
		if err := rows.Scan(&job.ID, &job.Rec, &job.QueuedAt, &started, &finished, &errorMsg); err != nil {
			return nil, fmt.Errorf("scanning job: %w", err)
		}
		if started.Valid {
			t := started.Time
			job.StartedAt = &t
		}
		if finished.Valid {
			t := finished.Time
			job.FinishedAt = &t
		}
		job.ErrorMsg = errorMsg.String
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating jobs: %w", err)
	}
	return jobs, nil
}

// Finish marks a job done, recording a terminal error if present.
func (q *queue) Finish(ctx context.Context, jobID int64, jobErr error) error {
	var errorMsg sql.NullString
	if jobErr != nil {
		errorMsg = sql.NullString{String: jobErr.Error(), Valid: true}
	}

	query := `
	UPDATE consolidation_schedule
	SET finished_at = NOW(), error_msg = $2
	WHERE id = $1
	`
	if _, err := q.db.ExecContext(ctx, query, jobID, errorMsg); err != nil {
		return fmt.Errorf("finishing job: %w", err)
	}
	return nil
}

// SweepAbandoned resets claims whose worker never finished within
// olderThan, making those jobs claimable again.
func (q *queue) SweepAbandoned(ctx context.Context, olderThan time.Duration) (int, error) {
	query := `
	UPDATE consolidation_schedule
	SET started_at = NULL
	WHERE finished_at IS NULL
	  AND started_at IS NOT NULL
	  AND started_at < NOW() - make_interval(secs => $1)
	`
	res, err := q.db.ExecContext(ctx, query, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("sweeping abandoned claims: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading sweep result: %w", err)
	}
	return int(affected), nil
}

var _ storage.Queue = (*queue)(nil)
