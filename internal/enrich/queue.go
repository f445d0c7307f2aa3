// Package enrich runs the asynchronous half of the write pipeline.
//
// Writes enqueue durable jobs (entity extraction, embedding backfill, thread
// linking) in the shared enrichment_jobs table, transactionally with the
// data they describe. Workers claim jobs with FOR UPDATE SKIP LOCKED so any
// number of server processes can share one queue, retry transient failures
// with backoff, and give up after a bounded number of attempts. A write
// never waits for, and never fails because of, anything in this package.
package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Job kinds. One consumer per kind.
const (
	KindExtract = "extract_entities"
	KindEmbed   = "embed_pending"
	KindThread  = "link_thread"
)

// Job statuses.
const (
	statusQueued  = "queued"
	statusRunning = "running"
	statusDone    = "done"
	statusFailed  = "failed"
)

// ErrUnknownKind is returned when a claimed job has no registered handler.
var ErrUnknownKind = errors.New("no handler for job kind")

// Job is one queued unit of enrichment work.
type Job struct {
	ID        int64           `json:"id"`
	TenantID  uuid.UUID       `json:"tenant_id"`
	Kind      string          `json:"kind"`
	MetaID    *uuid.UUID      `json:"meta_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Status    string          `json:"status"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	RunAfter  time.Time       `json:"run_after"`
	CreatedAt time.Time       `json:"created_at"`
}

// Queue produces and claims jobs. Producers run inside tenant transactions
// (the shared table stays reachable through the public schema); claiming
// runs directly on the pool.
type Queue struct {
	pool   *pgxpool.Pool
	notify chan struct{}
}

// notifyDepth bounds the in-process wakeup channel. Overflow is harmless:
// workers also poll, so a dropped wakeup only delays pickup.
const notifyDepth = 512

// NewQueue returns a Queue on the shared pool.
func NewQueue(pool *pgxpool.Pool) *Queue {
	return &Queue{pool: pool, notify: make(chan struct{}, notifyDepth)}
}

const jobColumns = `id, tenant_id, kind, meta_id, payload, status, attempts,
	last_error, run_after, created_at`

func scanJob(row pgx.Row) (*Job, error) {
	j := &Job{}
	err := row.Scan(&j.ID, &j.TenantID, &j.Kind, &j.MetaID, &j.Payload,
		&j.Status, &j.Attempts, &j.LastError, &j.RunAfter, &j.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

// Enqueue inserts one job inside the caller's transaction, so the job
// becomes visible exactly when the write it describes commits. Jobs keyed
// by meta id are deduplicated while queued: re-enqueueing the same
// (tenant, kind, meta) is a no-op returning id 0. Callers should Wake the
// workers after their transaction commits.
func (q *Queue) Enqueue(ctx context.Context, tx pgx.Tx, tenantID uuid.UUID, kind string, metaID *uuid.UUID, payload any) (int64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode job payload: %w", err)
	}
	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO public.enrichment_jobs (tenant_id, kind, meta_id, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, kind, meta_id) WHERE meta_id IS NOT NULL AND status = 'queued'
		DO NOTHING
		RETURNING id`, tenantID, kind, metaID, raw).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("enqueue %s job: %w", kind, err)
	}
	return id, nil
}

// Wake nudges the workers without blocking. A full channel means a wakeup
// is already pending, which is all a wakeup can convey.
func (q *Queue) Wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Notify exposes the wakeup channel to the workers.
func (q *Queue) Notify() <-chan struct{} { return q.notify }

// Claim atomically marks up to limit due jobs running and returns them.
// SKIP LOCKED keeps concurrent claimers from colliding; the attempt counter
// increments at claim time so a crashed worker still consumes an attempt.
func (q *Queue) Claim(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := q.pool.Query(ctx, `
		UPDATE enrichment_jobs
		SET status = $1, attempts = attempts + 1, updated_at = now()
		WHERE id IN (
			SELECT id FROM enrichment_jobs
			WHERE status = $2 AND run_after <= now()
			ORDER BY id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, statusRunning, statusQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Complete marks a job done.
func (q *Queue) Complete(ctx context.Context, id int64) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE enrichment_jobs SET status = $2, last_error = '', updated_at = now()
		WHERE id = $1`, id, statusDone)
	return err
}

// Retry returns a failed job to the queue with backoff, or parks it as
// failed once the attempt budget is spent.
func (q *Queue) Retry(ctx context.Context, job *Job, cause string, maxAttempts int, backoff time.Duration) error {
	if job.Attempts >= maxAttempts {
		_, err := q.pool.Exec(ctx, `
			UPDATE enrichment_jobs SET status = $2, last_error = $3, updated_at = now()
			WHERE id = $1`, job.ID, statusFailed, cause)
		return err
	}
	delay := retryDelay(job.Attempts, backoff)
	_, err := q.pool.Exec(ctx, `
		UPDATE enrichment_jobs
		SET status = $2, last_error = $3, run_after = now() + $4, updated_at = now()
		WHERE id = $1`, job.ID, statusQueued, cause, delay)
	return err
}

// Depth reports queued plus running jobs, the number /healthz exposes.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	var n int64
	err := q.pool.QueryRow(ctx, `
		SELECT count(*) FROM enrichment_jobs
		WHERE status IN ($1, $2)`, statusQueued, statusRunning).Scan(&n)
	return n, err
}

// Sweep clears terminal jobs: done rows older than a day, failed rows older
// than a week. Returns how many rows went away.
func (q *Queue) Sweep(ctx context.Context) (int64, error) {
	tag, err := q.pool.Exec(ctx, `
		DELETE FROM enrichment_jobs
		WHERE (status = $1 AND updated_at < now() - interval '1 day')
		   OR (status = $2 AND updated_at < now() - interval '7 days')`,
		statusDone, statusFailed)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Requeue returns running jobs that have sat beyond the stale window back to
// queued. Covers workers that died mid-job; the attempt they consumed at
// claim time still counts.
func (q *Queue) Requeue(ctx context.Context, staleAfter time.Duration) (int64, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE enrichment_jobs SET status = $1, updated_at = now()
		WHERE status = $2 AND updated_at < now() - $3`,
		statusQueued, statusRunning, staleAfter)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// retryDelay doubles the base delay per prior attempt: base, 2x, 4x, capped
// at one hour so a misconfigured budget cannot push a job into next week.
func retryDelay(attempts int, base time.Duration) time.Duration {
	shift := attempts - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 12 {
		shift = 12
	}
	d := base << shift
	if d > time.Hour {
		return time.Hour
	}
	return d
}
