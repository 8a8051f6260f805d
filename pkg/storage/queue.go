package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Job is one row of the consolidation schedule. A job with a nil
// StartedAt is claimable; once claimed it must reach FinishedAt, with
// ErrorMsg recording a terminal failure. Errors are terminal per job: a
// failed job is never retried automatically, a new partial enqueues a
// new job.
type Job struct {
	ID         int64      `json:"id"`
	Rec        uuid.UUID  `json:"rec"`
	QueuedAt   time.Time  `json:"queued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ErrorMsg   string     `json:"error_msg,omitempty"`
}

// Queue is the durable consolidation work schedule.
type Queue interface {
	// Enqueue records that rec needs consolidation. Duplicate enqueues
	// of a rec that is still unfinished are ignored.
	Enqueue(ctx context.Context, rec uuid.UUID) error

	// ClaimBatch atomically claims up to n unclaimed jobs, oldest
	// first, and marks them started. Rows already claimed by a
	// concurrent caller are skipped, never handed out twice.
	ClaimBatch(ctx context.Context, n int) ([]Job, error)

	// Finish marks a job done. A non-nil jobErr is recorded as the
	// job's terminal error message.
	Finish(ctx context.Context, jobID int64, jobErr error) error

	// SweepAbandoned resets claims older than olderThan whose worker
	// never finished, making the jobs claimable again. Returns the
	// number of claims reset.
	SweepAbandoned(ctx context.Context, olderThan time.Duration) (int, error)
}
