package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is satisfied by *pgxpool.Pool.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var _ Store = (*PostgresStore)(nil)

// PostgresStore applies each commit inside one transaction: the commit row is
// inserted first and acts as the idempotency guard, then the tenant row is
// incremented in place.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS plans (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	input_token_limit BIGINT NOT NULL,
	output_token_limit BIGINT NOT NULL,
	price DOUBLE PRECISION NOT NULL DEFAULT 0,
	description TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS tenants (
	id TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL REFERENCES plans(id),
	input_tokens_used BIGINT NOT NULL DEFAULT 0,
	output_tokens_used BIGINT NOT NULL DEFAULT 0,
	last_reset_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS ledger_commits (
	tenant_id TEXT NOT NULL,
	request_id TEXT NOT NULL,
	input_tokens BIGINT NOT NULL,
	output_tokens BIGINT NOT NULL,
	input_used BIGINT NOT NULL DEFAULT 0,
	output_used BIGINT NOT NULL DEFAULT 0,
	input_limit BIGINT NOT NULL DEFAULT 0,
	output_limit BIGINT NOT NULL DEFAULT 0,
	committed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, request_id)
);
`

// EnsureSchema creates the ledger tables if they don't exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("%w: ensure schema: %w", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, tenantID string) (Snapshot, error) {
	query := `
		SELECT t.plan_id, t.input_tokens_used, t.output_tokens_used, t.last_reset_at,
		       p.input_token_limit, p.output_token_limit
		FROM tenants t
		JOIN plans p ON p.id = t.plan_id
		WHERE t.id = $1
	`
	snap := Snapshot{TenantID: tenantID}
	err := s.db.QueryRow(ctx, query, tenantID).Scan(
		&snap.PlanID, &snap.InputUsed, &snap.OutputUsed, &snap.LastResetAt,
		&snap.InputLimit, &snap.OutputLimit,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Snapshot{}, fmt.Errorf("tenant %q: %w", tenantID, ErrNotFound)
		}
		return Snapshot{}, fmt.Errorf("%w: get tenant: %w", ErrUnavailable, err)
	}
	return snap, nil
}

func (s *PostgresStore) TryReserveAndCommit(ctx context.Context, tenantID, requestID string, delta Usage) (CommitResult, error) {
	if err := delta.validate(); err != nil {
		return CommitResult{}, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return CommitResult{}, fmt.Errorf("%w: begin tx: %w", ErrUnavailable, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// A concurrent insert of the same key blocks here until the other
	// transaction finishes, so a duplicate always sees the settled row.
	var committedAt time.Time
	err = tx.QueryRow(ctx, `
		INSERT INTO ledger_commits (tenant_id, request_id, input_tokens, output_tokens)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, request_id) DO NOTHING
		RETURNING committed_at
	`, tenantID, requestID, delta.Input, delta.Output).Scan(&committedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.storedCommit(ctx, tx, tenantID, requestID)
	}
	if err != nil {
		return CommitResult{}, fmt.Errorf("%w: insert commit: %w", ErrUnavailable, err)
	}

	res := CommitResult{
		TenantID:    tenantID,
		RequestID:   requestID,
		Delta:       delta,
		CommittedAt: committedAt,
	}
	err = tx.QueryRow(ctx, `
		UPDATE tenants t
		SET input_tokens_used = t.input_tokens_used + $1,
		    output_tokens_used = t.output_tokens_used + $2
		FROM plans p
		WHERE t.id = $3 AND p.id = t.plan_id
		RETURNING t.input_tokens_used, t.output_tokens_used, p.input_token_limit, p.output_token_limit
	`, delta.Input, delta.Output, tenantID).Scan(
		&res.InputUsed, &res.OutputUsed, &res.InputLimit, &res.OutputLimit,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CommitResult{}, fmt.Errorf("tenant %q: %w", tenantID, ErrNotFound)
		}
		return CommitResult{}, fmt.Errorf("%w: apply delta: %w", ErrUnavailable, err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE ledger_commits
		SET input_used = $1, output_used = $2, input_limit = $3, output_limit = $4
		WHERE tenant_id = $5 AND request_id = $6
	`, res.InputUsed, res.OutputUsed, res.InputLimit, res.OutputLimit, tenantID, requestID)
	if err != nil {
		return CommitResult{}, fmt.Errorf("%w: record commit: %w", ErrUnavailable, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return CommitResult{}, fmt.Errorf("%w: commit tx: %w", ErrUnavailable, err)
	}
	return res, nil
}

func (s *PostgresStore) storedCommit(ctx context.Context, tx pgx.Tx, tenantID, requestID string) (CommitResult, error) {
	res := CommitResult{TenantID: tenantID, RequestID: requestID, Replayed: true}
	err := tx.QueryRow(ctx, `
		SELECT input_tokens, output_tokens, input_used, output_used, input_limit, output_limit, committed_at
		FROM ledger_commits
		WHERE tenant_id = $1 AND request_id = $2
	`, tenantID, requestID).Scan(
		&res.Delta.Input, &res.Delta.Output, &res.InputUsed, &res.OutputUsed,
		&res.InputLimit, &res.OutputLimit, &res.CommittedAt,
	)
	if err != nil {
		return CommitResult{}, fmt.Errorf("%w: load prior commit: %w", ErrUnavailable, err)
	}
	return res, nil
}

func (s *PostgresStore) Reset(ctx context.Context, tenantID string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE tenants
		SET input_tokens_used = 0, output_tokens_used = 0, last_reset_at = now()
		WHERE id = $1
	`, tenantID)
	if err != nil {
		return fmt.Errorf("%w: reset: %w", ErrUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("tenant %q: %w", tenantID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) UpsertPlan(ctx context.Context, plan Plan) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO plans (id, name, input_token_limit, output_token_limit, price, description)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET name = $2, input_token_limit = $3, output_token_limit = $4, price = $5, description = $6
	`, plan.ID, plan.Name, plan.InputTokenLimit, plan.OutputTokenLimit, plan.Price, plan.Description)
	if err != nil {
		return fmt.Errorf("%w: upsert plan: %w", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) CreateTenant(ctx context.Context, tenantID, planID string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO tenants (id, plan_id)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, tenantID, planID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return fmt.Errorf("plan %q: %w", planID, ErrNotFound)
		}
		return fmt.Errorf("%w: create tenant: %w", ErrUnavailable, err)
	}
	return nil
}
