package inmemory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/papercomputeco/mnemo/pkg/storage"
)

// queue implements storage.Queue with a mutex-guarded slice. Claiming
// marks started_at under the lock, which gives the same exactly-once
// hand-out the SQL backends get from row locking.
type queue struct {
	mu     sync.Mutex
	nextID int64
	jobs   []*storage.Job
}

func newQueue() *queue {
	return &queue{}
}

// Enqueue inserts a job unless an unfinished one for rec already exists.
func (q *queue) Enqueue(_ context.Context, rec uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, j := range q.jobs {
		if j.Rec == rec && j.FinishedAt == nil {
			return nil
		}
	}

	q.nextID++
	q.jobs = append(q.jobs, &storage.Job{
		ID:       q.nextID,
		Rec:      rec,
		QueuedAt: time.Now().UTC(),
	})
	return nil
}

// ClaimBatch hands out up to n unclaimed jobs, oldest first.
func (q *queue) ClaimBatch(_ context.Context, n int) ([]storage.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	var claimed []storage.Job
	for _, j := range q.jobs {
		if len(claimed) >= n {
			break
		}
		if j.StartedAt != nil || j.FinishedAt != nil {
			continue
		}
		started := now
		j.StartedAt = &started
		claimed = append(claimed, *j)
	}
	return claimed, nil
}

// Finish marks a job done, recording a terminal error if present.
func (q *queue) Finish(_ context.Context, jobID int64, jobErr error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, j := range q.jobs {
		if j.ID != jobID {
			continue
		}
		now := time.Now().UTC()
		j.FinishedAt = &now
		if jobErr != nil {
			j.ErrorMsg = jobErr.Error()
		}
		return nil
	}
	return storage.NotFoundError{}
}

// SweepAbandoned resets stale claims so crashed workers never wedge the
// queue.
func (q *queue) SweepAbandoned(_ context.Context, olderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	reset := 0
	for _, j := range q.jobs {
		if j.FinishedAt == nil && j.StartedAt != nil && j.StartedAt.Before(cutoff) {
			j.StartedAt = nil
			reset++
		}
	}
	return reset, nil
}

// Jobs returns a snapshot of every job, for tests and debugging.
func (q *queue) Jobs() []storage.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]storage.Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		out = append(out, *j)
	}
	return out
}

var _ storage.Queue = (*queue)(nil)
