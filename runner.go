package eventflow

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job is a named periodic task run by a Runner, such as the saga recovery
// sweep or idempotency record purging.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Runner executes a set of jobs on their intervals and shuts them down
// gracefully. Start blocks until the context is cancelled or Stop is called;
// a job run in progress is allowed to finish.
type Runner struct {
	logger *zap.Logger
	jobs   []Job

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewRunner creates a runner for the given jobs.
func NewRunner(logger *zap.Logger, jobs ...Job) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		logger:   logger,
		jobs:     jobs,
		stopChan: make(chan struct{}),
	}
}

// Start runs all jobs and blocks until shutdown.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		r.logger.Warn("Runner already started")
		return
	}
	r.started = true
	r.mu.Unlock()

	r.logger.Info("Runner starting", zap.Int("job_count", len(r.jobs)))

	for _, job := range r.jobs {
		r.wg.Add(1)
		go r.loop(ctx, job)
	}

	select {
	case <-ctx.Done():
		r.logger.Info("Context cancelled, stopping runner")
		r.Stop()
	case <-r.stopChan:
	}

	r.wg.Wait()
	r.logger.Info("Runner stopped")
}

func (r *Runner) loop(ctx context.Context, job Job) {
	defer r.wg.Done()

	r.logger.Info("Job starting",
		zap.String("job", job.Name),
		zap.Duration("interval", job.Interval),
	)
	defer r.logger.Info("Job stopped", zap.String("job", job.Name))

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-ticker.C:
			select {
			case <-r.stopChan:
				return
			default:
			}
			if err := job.Run(ctx); err != nil {
				r.logger.Error("Job run failed",
					zap.String("job", job.Name),
					zap.Error(err),
				)
			}
		}
	}
}

// Stop shuts the runner down. Safe to call multiple times.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
	})
}
