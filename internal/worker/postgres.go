package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/vnmchuo/quota-gateway/internal/ledger"
	"github.com/vnmchuo/quota-gateway/internal/telemetry"
)

// PostgresQueue keeps pending commits in a table. The worker locks one due
// row with SKIP LOCKED and deletes it in the same transaction once replay
// reaches a terminal outcome, so a crash mid-replay leaves the row in place.
type PostgresQueue struct {
	db   ledger.DB
	poll time.Duration
	replayer
}

type PostgresOption func(*PostgresQueue)

// WithPollInterval sets how long Process waits when no row is due. Requeued
// rows become due again after the same interval.
func WithPollInterval(d time.Duration) PostgresOption {
	return func(q *PostgresQueue) { q.poll = d }
}

func NewPostgresQueue(db ledger.DB, l ledger.Ledger, cfg ReplayConfig, log *zap.Logger, opts ...PostgresOption) *PostgresQueue {
	q := &PostgresQueue{
		db:       db,
		poll:     time.Second,
		replayer: replayer{ledger: l, cfg: cfg, log: log},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

const queueSchema = `
CREATE TABLE IF NOT EXISTS pending_commits (
	id BIGSERIAL PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	request_id TEXT NOT NULL,
	input_tokens BIGINT NOT NULL,
	output_tokens BIGINT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	attempts INT NOT NULL DEFAULT 0,
	enqueued_at TIMESTAMPTZ NOT NULL,
	available_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_pending_commits_available ON pending_commits (available_at, id);
`

// EnsureSchema creates the pending_commits table if it doesn't exist.
func (q *PostgresQueue) EnsureSchema(ctx context.Context) error {
	if _, err := q.db.Exec(ctx, queueSchema); err != nil {
		return fmt.Errorf("ensure queue schema: %w", err)
	}
	return nil
}

func (q *PostgresQueue) Enqueue(ctx context.Context, pc *PendingCommit) error {
	if pc.EnqueuedAt.IsZero() {
		pc.EnqueuedAt = time.Now()
	}
	query := `
		INSERT INTO pending_commits (tenant_id, request_id, input_tokens, output_tokens, reason, attempts, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := q.db.Exec(ctx, query,
		pc.TenantID, pc.RequestID, pc.Delta.Input, pc.Delta.Output, pc.Reason, pc.Attempts, pc.EnqueuedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue pending commit: %w", err)
	}
	telemetry.ReconciliationTotal.WithLabelValues("enqueued").Inc()
	return nil
}

// Len reports the rows waiting for replay, due or not.
func (q *PostgresQueue) Len(ctx context.Context) (int64, error) {
	var n int64
	if err := q.db.QueryRow(ctx, `SELECT count(*) FROM pending_commits`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending commits: %w", err)
	}
	return n, nil
}

func (q *PostgresQueue) Process(ctx context.Context) error {
	for ctx.Err() == nil {
		found, err := q.next(ctx)
		if err != nil && ctx.Err() == nil {
			q.log.Warn("reconciliation queue read failed", zap.Error(err))
		}
		if found && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(q.poll):
		}
	}
	return nil
}

// next replays the oldest due row. It reports whether a row was found.
func (q *PostgresQueue) next(ctx context.Context) (bool, error) {
	tx, err := q.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	wctx := context.WithoutCancel(ctx)
	defer func() { _ = tx.Rollback(wctx) }()

	query := `
		SELECT id, tenant_id, request_id, input_tokens, output_tokens, reason, attempts, enqueued_at
		FROM pending_commits
		WHERE available_at <= now()
		ORDER BY id
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`
	var (
		id int64
		pc PendingCommit
	)
	err = tx.QueryRow(ctx, query).Scan(
		&id, &pc.TenantID, &pc.RequestID, &pc.Delta.Input, &pc.Delta.Output, &pc.Reason, &pc.Attempts, &pc.EnqueuedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("select pending commit: %w", err)
	}

	if q.replay(ctx, &pc) == requeue {
		_, err = tx.Exec(wctx,
			`UPDATE pending_commits SET attempts = $2, available_at = now() + make_interval(secs => $3) WHERE id = $1`,
			id, pc.Attempts, q.poll.Seconds(),
		)
	} else {
		_, err = tx.Exec(wctx, `DELETE FROM pending_commits WHERE id = $1`, id)
	}
	if err != nil {
		return true, fmt.Errorf("finish pending commit %d: %w", id, err)
	}
	if err := tx.Commit(wctx); err != nil {
		return true, fmt.Errorf("commit tx: %w", err)
	}
	return true, nil
}
