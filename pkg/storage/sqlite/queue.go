package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/papercomputeco/mnemo/pkg/storage"
)

// queue implements storage.Queue on the consolidation_schedule table.
// SQLite serializes writers, so a select-then-update transaction gives
// the same exactly-once claim the Postgres SKIP LOCKED query does.
type queue struct {
	db *sql.DB
}

// Enqueue inserts a job, ignoring duplicates of a still-unfinished rec
// via the partial unique index.
func (q *queue) Enqueue(ctx context.Context, rec uuid.UUID) error {
	query := `
	INSERT INTO consolidation_schedule (rec)
	VALUES (?)
	ON CONFLICT DO NOTHING
	`
	if _, err := q.db.ExecContext(ctx, query, rec.String()); err != nil {
		return fmt.Errorf("enqueueing job: %w", err)
	}
	return nil
}

// ClaimBatch claims up to n unclaimed jobs, oldest first.
func (q *queue) ClaimBatch(ctx context.Context, n int) ([]storage.Job, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storage.TransientError{Err: fmt.Errorf("beginning claim transaction: %w", err)}
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, rec, queued_at
		FROM consolidation_schedule
		WHERE started_at IS NULL AND finished_at IS NULL
		ORDER BY queued_at
		LIMIT ?`, n)
	if err != nil {
		return nil, storage.TransientError{Err: fmt.Errorf("selecting claimable jobs: %w", err)}
	}

	var jobs []storage.Job
	for rows.Next() {
		var (
			job storage.Job
			rec string
		)
		if err := rows.Scan(&job.ID, &rec, &job.QueuedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning job: %w", err)
		}
		job.Rec, err = uuid.Parse(rec)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("parsing job rec: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating jobs: %w", err)
	}
	rows.Close()

	if len(jobs) == 0 {
		return nil, tx.Commit()
	}

	now := time.Now().UTC()
	placeholders := make([]string, len(jobs))
	args := []any{now}
	for i, job := range jobs {
		placeholders[i] = "?"
		args = append(args, job.ID)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE consolidation_schedule
		SET started_at = ?
		WHERE id IN (`+strings.Join(placeholders, ", ")+`)`, args...); err != nil {
		return nil, storage.TransientError{Err: fmt.Errorf("marking jobs started: %w", err)}
	}

	if err := tx.Commit(); err != nil {
		return nil, storage.TransientError{Err: fmt.Errorf("committing claim: %w", err)}
	}

	for i := range jobs {
		t := now
		jobs[i].StartedAt = &t
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
	SET finished_at = CURRENT_TIMESTAMP, error_msg = ?
	WHERE id = ?
	`
	if _, err := q.db.ExecContext(ctx, query, errorMsg, jobID); err != nil {
		return fmt.Errorf("finishing job: %w", err)
	}
	return nil
}

// SweepAbandoned resets claims whose worker never finished within
// olderThan, making those jobs claimable again.
func (q *queue) SweepAbandoned(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	query := `
	UPDATE consolidation_schedule
	SET started_at = NULL
	WHERE finished_at IS NULL
	  AND started_at IS NOT NULL
	  AND started_at < ?
	`
	res, err := q.db.ExecContext(ctx, query, cutoff)
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
