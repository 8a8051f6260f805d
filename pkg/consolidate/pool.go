package consolidate

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/papercomputeco/mnemo/pkg/retry"
	"github.com/papercomputeco/mnemo/pkg/session"
	"github.com/papercomputeco/mnemo/pkg/storage"
)

var (
	defaultNumWorkers   uint = 3
	defaultBatchSize         = 16
	defaultPollInterval      = 2 * time.Second
	defaultSweepAfter        = 5 * time.Minute
)

// Config is the configuration options for the consolidation pool.
type Config struct {
	// Driver is the storage backend holding the schedule and memories.
	Driver storage.Driver

	// Engine performs the per-session consolidation.
	Engine *Engine

	// Resolver maps triggering memories to their sessions.
	Resolver *session.Resolver

	// NumWorkers is the number of polling workers (defaults to 3).
	NumWorkers uint

	// BatchSize is the maximum jobs claimed per poll (defaults to 16).
	BatchSize int

	// PollInterval is the idle sleep between empty polls (defaults to 2s).
	PollInterval time.Duration

	// SweepAfter is how long a claim may sit unfinished before the
	// sweeper hands it back (defaults to 5m).
	SweepAfter time.Duration

	// Retry governs transient claim failures.
	Retry retry.Policy

	// Logger is the provided zap logger.
	Logger *zap.Logger
}

// Pool drains the consolidation schedule with a set of polling workers
// plus a sweeper that reclaims abandoned jobs.
type Pool struct {
	config *Config
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewPool creates a pool and starts its worker goroutines.
func NewPool(c *Config) (*Pool, error) {
	if c.NumWorkers == 0 {
		c.NumWorkers = defaultNumWorkers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.SweepAfter <= 0 {
		c.SweepAfter = defaultSweepAfter
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = retry.DefaultPolicy()
	}
	if c.NumWorkers > uint(math.MaxInt) {
		return nil, fmt.Errorf("NumWorkers %d exceeds max int", c.NumWorkers)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		config: c,
		cancel: cancel,
		logger: c.Logger,
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}

	p.wg.Add(int(c.NumWorkers) + 1)
	for i := uint(0); i < c.NumWorkers; i++ {
		go p.worker(ctx, i)
	}
	go p.sweeper(ctx)

	return p, nil
}

// Close signals workers to stop and waits for in-flight jobs to drain.
func (p *Pool) Close() {
	p.cancel()
	p.wg.Wait()
}

// worker polls the schedule, claiming and processing batches until the
// pool is closed.
func (p *Pool) worker(ctx context.Context, id uint) {
	defer p.wg.Done()
	p.logger.Debug("consolidation worker started", zap.Uint("worker_id", id))

	for {
		n, err := p.drainOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			p.logger.Error("claim failed", zap.Uint("worker_id", id), zap.Error(err))
		}

		if n > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			p.logger.Debug("consolidation worker stopped", zap.Uint("worker_id", id))
			return
		case <-time.After(p.config.PollInterval):
		}
	}

	p.logger.Debug("consolidation worker stopped", zap.Uint("worker_id", id))
}

// drainOnce claims one batch and processes it, returning the number of
// jobs handled.
func (p *Pool) drainOnce(ctx context.Context) (int, error) {
	var jobs []storage.Job
	err := p.config.Retry.Do(ctx, func(ctx context.Context) error {
		var claimErr error
		jobs, claimErr = p.config.Driver.Queue().ClaimBatch(ctx, p.config.BatchSize)
		return claimErr
	})
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	p.processBatch(ctx, jobs)
	return len(jobs), nil
}

// processBatch groups claimed jobs by owning session so each session is
// consolidated once per batch, then finishes every job. Job errors are
// terminal: they are recorded on the row and the worker moves on.
func (p *Pool) processBatch(ctx context.Context, jobs []storage.Job) {
	bySession := make(map[uuid.UUID][]storage.Job)
	for _, job := range jobs {
		sessionID, err := p.config.Resolver.SessionOf(ctx, job.Rec)
		if err != nil {
			p.finish(ctx, job, err)
			continue
		}
		if sessionID == uuid.Nil {
			// Not a session member; nothing to consolidate.
			p.finish(ctx, job, nil)
			continue
		}
		bySession[sessionID] = append(bySession[sessionID], job)
	}

	for sessionID, sessionJobs := range bySession {
		err := p.config.Engine.ConsolidateSession(ctx, sessionID)
		if err != nil {
			p.logger.Error("consolidation failed",
				zap.String("session_id", sessionID.String()),
				zap.Error(err),
			)
		}
		for _, job := range sessionJobs {
			p.finish(ctx, job, err)
		}
	}
}

func (p *Pool) finish(ctx context.Context, job storage.Job, jobErr error) {
	if err := p.config.Driver.Queue().Finish(ctx, job.ID, jobErr); err != nil {
		p.logger.Error("failed to finish job",
			zap.Int64("job_id", job.ID),
			zap.Error(err),
		)
	}
}

// sweeper periodically returns abandoned claims to the pool.
func (p *Pool) sweeper(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.SweepAfter)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := p.config.Driver.Queue().SweepAbandoned(ctx, p.config.SweepAfter)
			if err != nil {
				p.logger.Error("sweep failed", zap.Error(err))
				continue
			}
			if swept > 0 {
				p.logger.Warn("reclaimed abandoned jobs", zap.Int("count", swept))
			}
		}
	}
}
