package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hwdeboer1977/algostrats/internal/model"
)

// Job kinds.
const (
	KindDeposit  = "deposit"
	KindWithdraw = "withdraw"
)

// Job is one unit of pipeline work, identified by its source transaction hash.
type Job struct {
	ID         string
	Kind       string
	Payload    interface{}
	EnqueuedAt time.Time
}

// NewJob builds the pipeline job for a decoded event. Identity is the source
// transaction hash, not the log: one transaction is one pipeline run no matter
// how many matching logs it emitted.
func NewJob(kind string, ev model.LogEvent, payload interface{}) Job {
	return Job{
		ID:         ev.TxHash,
		Kind:       kind,
		Payload:    payload,
		EnqueuedAt: time.Now(),
	}
}

// RunFunc executes the full multi-step pipeline for one job.
type RunFunc func(ctx context.Context, job Job) error

// Queue drains jobs strictly FIFO with a single in-flight job. Downstream
// venues are rate- and nonce-sensitive, so concurrent jobs from the same
// source wallet would race; one worker per queue is the backpressure choice.
// A failed job is logged and dropped, never requeued.
type Queue struct {
	name   string
	run    RunFunc
	logger *zap.Logger

	mu   sync.Mutex
	jobs []Job
	seen map[string]struct{}
	busy bool
	wg   sync.WaitGroup
}

// NewQueue builds a queue with its worker function.
func NewQueue(name string, run RunFunc, logger *zap.Logger) (*Queue, error) {
	if run == nil {
		return nil, fmt.Errorf("run func is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		name:   name,
		run:    run,
		logger: logger.With(zap.String("queue", name)),
		seen:   make(map[string]struct{}),
	}, nil
}

// Enqueue appends a job and starts draining if no worker is active. A job id
// already seen by this queue instance is dropped: re-delivered events are
// expected and must not run the pipeline twice.
func (q *Queue) Enqueue(ctx context.Context, job Job) {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	if _, dup := q.seen[job.ID]; dup {
		q.mu.Unlock()
		q.logger.Info("skip duplicate job", zap.String("job_id", job.ID))
		return
	}
	q.seen[job.ID] = struct{}{}
	q.jobs = append(q.jobs, job)
	queued := len(q.jobs)
	startWorker := !q.busy
	if startWorker {
		q.busy = true
	}
	q.wg.Add(1)
	q.mu.Unlock()

	q.logger.Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("kind", job.Kind),
		zap.Int("queued", queued),
	)

	if startWorker {
		go q.drain(ctx)
	}
}

// Wait blocks until every enqueued job has finished. Used at shutdown and in
// tests; new enqueues during Wait extend it.
func (q *Queue) Wait() {
	q.wg.Wait()
}

func (q *Queue) drain(ctx context.Context) {
	for {
		q.mu.Lock()
		if len(q.jobs) == 0 {
			q.busy = false
			q.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.mu.Unlock()

		q.runOne(ctx, job)
		q.wg.Done()

		select {
		case <-ctx.Done():
			// Drop what is still queued; the in-flight job above already ran
			// to completion.
			q.mu.Lock()
			for range q.jobs {
				q.wg.Done()
			}
			q.jobs = nil
			q.busy = false
			q.mu.Unlock()
			return
		default:
		}
	}
}

func (q *Queue) runOne(ctx context.Context, job Job) {
	start := time.Now()
	q.logger.Info("job start", zap.String("job_id", job.ID), zap.String("kind", job.Kind))

	if err := q.run(ctx, job); err != nil {
		q.logger.Error("job failed",
			zap.String("job_id", job.ID),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return
	}
	q.logger.Info("job done",
		zap.String("job_id", job.ID),
		zap.Duration("elapsed", time.Since(start)),
	)
}
