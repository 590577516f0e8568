package billing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_WindowAndOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	rows := []*UsageLog{
		{TenantID: "t1", RequestID: "old", CostUSD: 1, CreatedAt: now.Add(-48 * time.Hour)},
		{TenantID: "t1", RequestID: "a", CostUSD: 0.5, CreatedAt: now.Add(-2 * time.Hour)},
		{TenantID: "t1", RequestID: "b", CostUSD: 0.25, CreatedAt: now.Add(-time.Hour)},
		{TenantID: "t2", RequestID: "other", CostUSD: 9, CreatedAt: now.Add(-time.Hour)},
	}
	for _, r := range rows {
		require.NoError(t, s.LogUsage(ctx, r))
		assert.NotEmpty(t, r.ID)
	}

	logs, err := s.GetUsageByTenant(ctx, "t1", now.Add(-24*time.Hour), now)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "b", logs[0].RequestID)
	assert.Equal(t, "a", logs[1].RequestID)

	total, err := s.GetTotalCostByTenant(ctx, "t1", now.Add(-24*time.Hour), now)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, total, 1e-9)
}

func TestMemoryStore_StampsCreatedAt(t *testing.T) {
	s := NewMemoryStore()
	l := &UsageLog{TenantID: "t1", RequestID: "r1"}
	require.NoError(t, s.LogUsage(context.Background(), l))
	assert.False(t, l.CreatedAt.IsZero())
}

func TestCost(t *testing.T) {
	assert.InDelta(t, 0.0035, Cost(1000, 500, 0.0000015, 0.000004), 1e-12)
	assert.Zero(t, Cost(0, 0, 1, 1))
}
