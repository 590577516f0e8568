package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const schema = `
CREATE TABLE IF NOT EXISTS usage_logs (
	id             UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	tenant_id      TEXT NOT NULL,
	request_id     TEXT NOT NULL,
	provider       TEXT NOT NULL DEFAULT '',
	model          TEXT NOT NULL DEFAULT '',
	input_tokens   BIGINT NOT NULL DEFAULT 0,
	output_tokens  BIGINT NOT NULL DEFAULT 0,
	state          TEXT NOT NULL DEFAULT '',
	status_code    INT NOT NULL DEFAULT 0,
	estimated      BOOLEAN NOT NULL DEFAULT FALSE,
	reconciliation BOOLEAN NOT NULL DEFAULT FALSE,
	cost_usd       DOUBLE PRECISION NOT NULL DEFAULT 0,
	latency_ms     BIGINT NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS usage_logs_tenant_created_idx ON usage_logs (tenant_id, created_at);
`

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create usage_logs schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) LogUsage(ctx context.Context, log *UsageLog) error {
	query := `
		INSERT INTO usage_logs (tenant_id, request_id, provider, model, input_tokens, output_tokens,
			state, status_code, estimated, reconciliation, cost_usd, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		log.TenantID, log.RequestID, log.Provider, log.Model,
		log.InputTokens, log.OutputTokens,
		log.State, log.StatusCode, log.Estimated, log.Reconciliation,
		log.CostUSD, log.LatencyMs,
	).Scan(&log.ID, &log.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to log usage: %w", err)
	}

	return nil
}

func (s *PostgresStore) GetUsageByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*UsageLog, error) {
	query := `
		SELECT id, tenant_id, request_id, provider, model, input_tokens, output_tokens,
			state, status_code, estimated, reconciliation, cost_usd, latency_ms, created_at
		FROM usage_logs
		WHERE tenant_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage logs: %w", err)
	}

	logs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*UsageLog, error) {
		var l UsageLog
		err := row.Scan(
			&l.ID, &l.TenantID, &l.RequestID, &l.Provider, &l.Model,
			&l.InputTokens, &l.OutputTokens,
			&l.State, &l.StatusCode, &l.Estimated, &l.Reconciliation,
			&l.CostUSD, &l.LatencyMs, &l.CreatedAt,
		)
		return &l, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan usage logs: %w", err)
	}

	return logs, nil
}

func (s *PostgresStore) GetTotalCostByTenant(ctx context.Context, tenantID string, from, to time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM usage_logs
		WHERE tenant_id = $1 AND created_at BETWEEN $2 AND $3
	`
	var total float64
	err := s.db.QueryRow(ctx, query, tenantID, from, to).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to get total cost: %w", err)
	}

	return total, nil
}
