// Package ledger holds the per-tenant token counters and the plan limits they
// are checked against. Every store applies a usage delta atomically and at
// most once per request id.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("ledger: tenant or plan not found")
	ErrUnavailable  = errors.New("ledger: unavailable")
	ErrInvalidDelta = errors.New("ledger: usage delta must be non-negative")
)

type Plan struct {
	ID               string  `json:"id" yaml:"id"`
	Name             string  `json:"name" yaml:"name"`
	InputTokenLimit  int64   `json:"input_token_limit" yaml:"input_token_limit"`
	OutputTokenLimit int64   `json:"output_token_limit" yaml:"output_token_limit"`
	Price            float64 `json:"price" yaml:"price"`
	Description      string  `json:"description" yaml:"description"`
}

// Usage is the (input, output) token pair attributed to one request.
type Usage struct {
	Input  int64 `json:"input_tokens"`
	Output int64 `json:"output_tokens"`
}

func (u Usage) Total() int64 { return u.Input + u.Output }

func (u Usage) validate() error {
	if u.Input < 0 || u.Output < 0 {
		return ErrInvalidDelta
	}
	return nil
}

// Snapshot is a point-in-time read of a tenant's counters and effective limits.
type Snapshot struct {
	TenantID    string     `json:"tenant_id"`
	PlanID      string     `json:"plan_id"`
	InputUsed   int64      `json:"input_tokens_used"`
	OutputUsed  int64      `json:"output_tokens_used"`
	InputLimit  int64      `json:"input_token_limit"`
	OutputLimit int64      `json:"output_token_limit"`
	LastResetAt *time.Time `json:"last_reset_at,omitempty"`
}

// InputRemaining may be negative once a tenant has overshot.
func (s Snapshot) InputRemaining() int64  { return s.InputLimit - s.InputUsed }
func (s Snapshot) OutputRemaining() int64 { return s.OutputLimit - s.OutputUsed }

// CommitResult describes the ledger state right after a delta was applied.
// Replayed is set when the request id had already been committed and the
// stored result is returned unchanged.
type CommitResult struct {
	TenantID    string    `json:"tenant_id"`
	RequestID   string    `json:"request_id"`
	Delta       Usage     `json:"delta"`
	InputUsed   int64     `json:"input_tokens_used"`
	OutputUsed  int64     `json:"output_tokens_used"`
	InputLimit  int64     `json:"input_token_limit"`
	OutputLimit int64     `json:"output_token_limit"`
	Replayed    bool      `json:"replayed"`
	CommittedAt time.Time `json:"committed_at"`
}

func (r CommitResult) InputOverLimit() bool  { return r.InputUsed > r.InputLimit }
func (r CommitResult) OutputOverLimit() bool { return r.OutputUsed > r.OutputLimit }

// Ledger is the contract the enforcement policy depends on.
type Ledger interface {
	Get(ctx context.Context, tenantID string) (Snapshot, error)
	// TryReserveAndCommit adds delta to both counters in one atomic step. A
	// second call with the same (tenantID, requestID) returns the prior result
	// without applying delta again.
	TryReserveAndCommit(ctx context.Context, tenantID, requestID string, delta Usage) (CommitResult, error)
	// Reset zeroes both counters and stamps the reset time. Commit records
	// are kept, so replaying an old request id after a reset stays a no-op.
	Reset(ctx context.Context, tenantID string) error
}

// Provisioner creates plans and tenants. It is used by seeding and tests only.
type Provisioner interface {
	UpsertPlan(ctx context.Context, plan Plan) error
	// CreateTenant is a no-op when the tenant already exists.
	CreateTenant(ctx context.Context, tenantID, planID string) error
}

type Store interface {
	Ledger
	Provisioner
}
