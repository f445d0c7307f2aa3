package enrich

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mnemo_enrich_jobs_total",
		Help: "Enrichment jobs processed, by kind and outcome.",
	}, []string{"kind", "outcome"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mnemo_enrich_job_seconds",
		Help:    "Enrichment job handler duration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mnemo_enrich_queue_depth",
		Help: "Queued plus running enrichment jobs.",
	})
)

// Handler processes one claimed job. Returning an error sends the job back
// through Retry; handlers must therefore be idempotent across attempts.
type Handler func(ctx context.Context, job *Job) error

// Workers drains the queue with a fixed goroutine pool. Pickup is wakeup
// driven with a polling fallback, so dropped wakeups and jobs queued by
// other processes both still run.
type Workers struct {
	queue       *Queue
	logger      *zap.Logger
	handlers    map[string]Handler
	concurrency int
	pollEvery   time.Duration
	maxAttempts int
	backoff     time.Duration
	claimBatch  int

	wg sync.WaitGroup
}

// WorkerOption adjusts a Workers pool.
type WorkerOption func(*Workers)

// WithConcurrency sets the goroutine count (default 4).
func WithConcurrency(n int) WorkerOption {
	return func(w *Workers) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithPollInterval sets the fallback poll period (default 5s).
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Workers) {
		if d > 0 {
			w.pollEvery = d
		}
	}
}

// WithRetryPolicy sets the attempt budget and backoff base (defaults 3 and
// 30s).
func WithRetryPolicy(maxAttempts int, backoff time.Duration) WorkerOption {
	return func(w *Workers) {
		if maxAttempts > 0 {
			w.maxAttempts = maxAttempts
		}
		if backoff > 0 {
			w.backoff = backoff
		}
	}
}

// NewWorkers builds a pool over the queue. Handlers attach with Handle
// before Start.
func NewWorkers(queue *Queue, logger *zap.Logger, opts ...WorkerOption) *Workers {
	w := &Workers{
		queue:       queue,
		logger:      logger,
		handlers:    make(map[string]Handler),
		concurrency: 4,
		pollEvery:   5 * time.Second,
		maxAttempts: 3,
		backoff:     30 * time.Second,
		claimBatch:  5,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Handle registers the consumer for a job kind.
func (w *Workers) Handle(kind string, h Handler) { w.handlers[kind] = h }

// Start launches the pool. Workers run until ctx is cancelled; Wait blocks
// until they have all drained their in-flight job.
func (w *Workers) Start(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go func(n int) {
			defer w.wg.Done()
			w.loop(ctx, n)
		}(i)
	}
}

// Wait blocks until every worker goroutine has exited.
func (w *Workers) Wait() { w.wg.Wait() }

func (w *Workers) loop(ctx context.Context, n int) {
	ticker := time.NewTicker(w.pollEvery)
	defer ticker.Stop()
	for {
		w.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-w.queue.Notify():
		case <-ticker.C:
		}
	}
}

// drain claims and runs jobs until the queue comes up empty.
func (w *Workers) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		jobs, err := w.queue.Claim(ctx, w.claimBatch)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Error("claim enrichment jobs", zap.Error(err))
			}
			return
		}
		if len(jobs) == 0 {
			return
		}
		for _, job := range jobs {
			w.run(ctx, job)
		}
	}
}

func (w *Workers) run(ctx context.Context, job *Job) {
	h, ok := w.handlers[job.Kind]
	if !ok {
		w.fail(ctx, job, fmt.Errorf("%w: %s", ErrUnknownKind, job.Kind))
		return
	}

	start := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	err := h(jobCtx, job)
	cancel()
	jobDuration.WithLabelValues(job.Kind).Observe(time.Since(start).Seconds())

	if err != nil {
		w.fail(ctx, job, err)
		return
	}
	if cerr := w.queue.Complete(ctx, job.ID); cerr != nil {
		w.logger.Error("complete enrichment job",
			zap.Int64("job_id", job.ID), zap.Error(cerr))
		return
	}
	jobsProcessed.WithLabelValues(job.Kind, "done").Inc()
}

func (w *Workers) fail(ctx context.Context, job *Job, cause error) {
	outcome := "retried"
	if job.Attempts >= w.maxAttempts {
		outcome = "failed"
	}
	jobsProcessed.WithLabelValues(job.Kind, outcome).Inc()
	w.logger.Warn("enrichment job failed",
		zap.Int64("job_id", job.ID),
		zap.String("kind", job.Kind),
		zap.String("tenant_id", job.TenantID.String()),
		zap.Int("attempt", job.Attempts),
		zap.Error(cause))
	if rerr := w.queue.Retry(ctx, job, cause.Error(), w.maxAttempts, w.backoff); rerr != nil {
		w.logger.Error("requeue enrichment job",
			zap.Int64("job_id", job.ID), zap.Error(rerr))
	}
}

// ObserveDepth samples the queue depth gauge. Callers run it on a ticker.
func (w *Workers) ObserveDepth(ctx context.Context) {
	n, err := w.queue.Depth(ctx)
	if err != nil {
		w.logger.Warn("queue depth probe", zap.Error(err))
		return
	}
	queueDepth.Set(float64(n))
}
