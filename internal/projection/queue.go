package projection

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Queue is the Postgres backed task store.
type Queue struct {
	pool  *pgxpool.Pool
	lease time.Duration
}

// DefaultLease is how long a claimed task stays invisible to other workers.
const DefaultLease = time.Minute

// NewQueue returns a queue over pool.
func NewQueue(pool *pgxpool.Pool) *Queue {
	return &Queue{pool: pool, lease: DefaultLease}
}

// Enqueue adds a task.
func (q *Queue) Enqueue(ctx context.Context, dataID int64, kind Kind) error {
	delta := 0
	if kind == KindDownload {
		delta = 1
	}
	return Insert(ctx, q.pool, dataID, kind, delta)
}

// claimSQL pushes next_run_at past the lease so a crashed worker's tasks
// come back on their own.
const claimSQL = `
UPDATE data_es_projection_task t
   SET next_run_at = $2
  FROM (
        SELECT id
          FROM data_es_projection_task
         WHERE next_run_at <= $1
         ORDER BY next_run_at, id
         LIMIT $3
           FOR UPDATE SKIP LOCKED
       ) due
 WHERE t.id = due.id
RETURNING t.id, t.data_id, t.kind, t.delta_download, t.retry_count, t.next_run_at, COALESCE(t.last_error, '')`

// Claim leases up to limit due tasks.
func (q *Queue) Claim(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	rows, err := q.pool.Query(ctx, claimSQL, now, now.Add(q.lease), limit)
	if err != nil {
		return nil, fmt.Errorf("claim projection tasks: %w", err)
	}
	tasks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Task, error) {
		var t Task
		var kind string
		err := row.Scan(&t.ID, &t.DataID, &kind, &t.DeltaDownload, &t.RetryCount, &t.NextRunAt, &t.LastError)
		t.Kind = Kind(kind)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan projection tasks: %w", err)
	}
	return tasks, nil
}

// Complete removes a finished task.
func (q *Queue) Complete(ctx context.Context, id int64) error {
	if _, err := q.pool.Exec(ctx, `DELETE FROM data_es_projection_task WHERE id = $1`, id); err != nil {
		return fmt.Errorf("complete projection task %d: %w", id, err)
	}
	return nil
}

// Retry records a failure and schedules the next attempt.
func (q *Queue) Retry(ctx context.Context, id int64, retryCount int, nextRunAt time.Time, lastError string) error {
	_, err := q.pool.Exec(ctx, `
UPDATE data_es_projection_task
   SET status = 'retrying', retry_count = $2, next_run_at = $3, last_error = $4
 WHERE id = $1`, id, retryCount, nextRunAt, lastError)
	if err != nil {
		return fmt.Errorf("retry projection task %d: %w", id, err)
	}
	return nil
}

// Bury moves a task that ran out of retries to the dead letter table.
func (q *Queue) Bury(ctx context.Context, t Task, retryCount int, lastError string) error {
	return pgx.BeginFunc(ctx, q.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
INSERT INTO data_es_projection_dlq (data_id, kind, delta_download, retry_count, last_error)
VALUES ($1, $2, $3, $4, $5)`, t.DataID, string(t.Kind), t.DeltaDownload, retryCount, lastError)
		if err != nil {
			return fmt.Errorf("insert projection dlq: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM data_es_projection_task WHERE id = $1`, t.ID); err != nil {
			return fmt.Errorf("delete buried projection task %d: %w", t.ID, err)
		}
		return nil
	})
}

// Pending counts queued tasks.
func (q *Queue) Pending(ctx context.Context) (int64, error) {
	var n int64
	if err := q.pool.QueryRow(ctx, `SELECT count(*) FROM data_es_projection_task`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count projection tasks: %w", err)
	}
	return n, nil
}
