// Package billing keeps the per-request usage log. It is a history for
// reporting and cost; quota counters live in the ledger.
package billing

import (
	"context"
	"time"
)

// UsageLog is one settled request. Reconciliation marks rows whose ledger
// effect was queued for replay or based on an estimated output count.
type UsageLog struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	RequestID      string    `json:"request_id"`
	Provider       string    `json:"provider"`
	Model          string    `json:"model"`
	InputTokens    int64     `json:"input_tokens"`
	OutputTokens   int64     `json:"output_tokens"`
	State          string    `json:"state"`
	StatusCode     int       `json:"status_code"`
	Estimated      bool      `json:"estimated"`
	Reconciliation bool      `json:"reconciliation"`
	CostUSD        float64   `json:"cost_usd"`
	LatencyMs      int64     `json:"latency_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

type Store interface {
	LogUsage(ctx context.Context, log *UsageLog) error
	GetUsageByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*UsageLog, error)
	GetTotalCostByTenant(ctx context.Context, tenantID string, from, to time.Time) (float64, error)
}

// Cost prices a request from per-token USD rates.
func Cost(input, output int64, perInput, perOutput float64) float64 {
	return float64(input)*perInput + float64(output)*perOutput
}
