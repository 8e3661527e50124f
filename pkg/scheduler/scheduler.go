// Package scheduler runs a chain's jobs as a sequential cooperative queue:
// one named job at a time, in fixed order, with a padding delay between
// ticks. A failing job is logged and counted, never fatal; the queue favors
// liveness over immediate consistency.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/packmint/coordinator/internal/metrics"
)

// Job is one named unit of work run once per tick.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Queue is a single chain's job loop.
type Queue struct {
	chainID int64
	jobs    []Job
	delay   time.Duration
	logger  *zap.Logger
	stop    chan struct{}
	done    chan struct{}
}

// New creates a queue that runs the given jobs in order every tick.
func New(chainID int64, delay time.Duration, logger *zap.Logger, jobs ...Job) *Queue {
	return &Queue{
		chainID: chainID,
		jobs:    jobs,
		delay:   delay,
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start blocks, ticking until the context is cancelled or Stop is called.
func (q *Queue) Start(ctx context.Context) {
	defer close(q.done)
	q.logger.Info("Job queue started",
		zap.Int64("chain_id", q.chainID),
		zap.Int("jobs", len(q.jobs)))

	ticker := time.NewTicker(q.delay)
	defer ticker.Stop()

	for {
		q.tick(ctx)
		select {
		case <-ctx.Done():
			q.logger.Info("Job queue stopped", zap.Int64("chain_id", q.chainID))
			return
		case <-q.stop:
			q.logger.Info("Job queue stopped", zap.Int64("chain_id", q.chainID))
			return
		case <-ticker.C:
		}
	}
}

// Stop signals the queue to exit after the in-flight tick and waits for it.
func (q *Queue) Stop() {
	close(q.stop)
	<-q.done
}

// tick runs every job once, sequentially.
func (q *Queue) tick(ctx context.Context) {
	for _, job := range q.jobs {
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		default:
		}
		if err := q.runJob(ctx, job); err != nil {
			metrics.JobErrors.WithLabelValues(chainLabel(q.chainID), job.Name).Inc()
			q.logger.Error("Job failed",
				zap.Int64("chain_id", q.chainID),
				zap.String("job", job.Name),
				zap.Error(err))
			continue
		}
		metrics.JobTicks.WithLabelValues(chainLabel(q.chainID), job.Name).Inc()
	}
}

// runJob isolates one job run; a panic is contained as an error.
func (q *Queue) runJob(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		}
	}()
	return job.Run(ctx)
}

func chainLabel(chainID int64) string {
	return fmt.Sprintf("%d", chainID)
}
