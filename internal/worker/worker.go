// Package worker is the job runtime (spec §4.5): a LISTEN-driven wake-up
// loop backed by a fixed-interval poll loop, claiming batches of due jobs
// with SELECT ... FOR UPDATE SKIP LOCKED and dispatching each to its
// registered handler with retry/dead-letter on failure. Ported directly
// from the reference asyncio worker
// (original_source/workers/src/kura_workers/worker.go) into the
// goroutine+channel shape the teacher's own dual-loop services use
// (services/automation/automation_service.go's runScheduler/
// runChainTriggerChecker pattern, generalized here to listen+poll).
package worker

import (
	"context"
	"database/sql"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kurahq/kura/internal/apperrors"
	"github.com/kurahq/kura/internal/domain"
	"github.com/kurahq/kura/internal/jobqueue"
	"github.com/kurahq/kura/internal/pgnotify"
	"github.com/kurahq/kura/internal/registry"
)

// Metrics is the minimal surface the worker reports through; production
// wires this to infrastructure/metrics, tests can use a no-op.
type Metrics interface {
	JobClaimed(jobType string)
	JobCompleted(jobType string, duration time.Duration)
	JobRetried(jobType string)
	JobDead(jobType string)
}

type noopMetrics struct{}

func (noopMetrics) JobClaimed(string)                  {}
func (noopMetrics) JobCompleted(string, time.Duration) {}
func (noopMetrics) JobRetried(string)                  {}
func (noopMetrics) JobDead(string)                     {}

// Config controls the worker's timing, grounded on the reference Config
// dataclass (poll_interval_seconds, batch_size, max_retries).
type Config struct {
	PollInterval  time.Duration
	BatchSize     int
	MaxRetries    int
	ListenChannel string
}

// Worker claims and processes jobs until Stop is called.
type Worker struct {
	cfg      Config
	queue    *jobqueue.Queue
	registry *registry.Registry
	bus      *pgnotify.Bus
	log      *logrus.Entry
	metrics  Metrics

	wakeCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Worker. bus may be nil, in which case the worker relies
// solely on its poll loop (useful in tests or when LISTEN/NOTIFY isn't
// available).
func New(cfg Config, db *sql.DB, q *jobqueue.Queue, reg *registry.Registry, bus *pgnotify.Bus, log *logrus.Entry, metrics Metrics) *Worker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 3
	}

	w := &Worker{
		cfg: cfg, queue: q, registry: reg, bus: bus, log: log, metrics: metrics,
		wakeCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	if bus != nil {
		bus.OnNotify(func(_ context.Context, _ pgnotify.Notification) {
			w.wake()
		})
	}
	return w
}

func (w *Worker) wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

// Run blocks, processing jobs until ctx is canceled or Stop is called.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		w.drainOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
		case <-w.wakeCh:
		}
	}
}

// Stop signals Run to return and blocks until it has.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

// drainOnce claims and processes batches until a claim returns fewer than a
// full batch, matching the reference loop's "keep draining while there's
// more work immediately available" behavior.
func (w *Worker) drainOnce(ctx context.Context) {
	for {
		jobs, err := w.queue.Claim(ctx, w.cfg.BatchSize)
		if err != nil {
			w.log.WithError(err).Error("worker: claim failed")
			return
		}
		if len(jobs) == 0 {
			return
		}

		for _, job := range jobs {
			w.process(ctx, job)
		}

		if len(jobs) < w.cfg.BatchSize {
			return
		}
	}
}

func (w *Worker) process(ctx context.Context, job domain.Job) {
	start := time.Now()
	w.metrics.JobClaimed(job.JobType)

	handler, ok := w.registry.JobHandler(job.JobType)
	if !ok {
		w.log.WithField("job_type", job.JobType).Warn("worker: no handler registered, dead-lettering")
		_ = w.queue.Dead(ctx, job.ID, "no handler registered for job_type")
		w.metrics.JobDead(job.JobType)
		return
	}

	err := handler(ctx, job)
	if err == nil {
		if cerr := w.queue.Complete(ctx, job.ID); cerr != nil {
			w.log.WithError(cerr).WithField("job_id", job.ID).Error("worker: mark complete failed")
		}
		w.metrics.JobCompleted(job.JobType, time.Since(start))
		return
	}

	w.log.WithError(err).WithFields(logrus.Fields{
		"job_id": job.ID, "job_type": job.JobType, "attempt": job.Attempt,
	}).Warn("worker: job failed")

	maxRetries := job.MaxRetries
	if maxRetries <= 0 {
		maxRetries = w.cfg.MaxRetries
	}

	if apperrors.IsPermanent(err) || job.Attempt >= maxRetries {
		if derr := w.queue.Dead(ctx, job.ID, err.Error()); derr != nil {
			w.log.WithError(derr).Error("worker: dead-letter failed")
		}
		w.metrics.JobDead(job.JobType)
		return
	}

	if rerr := w.queue.Retry(ctx, job.ID, job.Attempt, err.Error()); rerr != nil {
		w.log.WithError(rerr).Error("worker: retry schedule failed")
	}
	w.metrics.JobRetried(job.JobType)
}
