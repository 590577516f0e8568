package billing

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MemoryStore struct {
	mu   sync.RWMutex
	logs []*UsageLog
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) LogUsage(ctx context.Context, log *UsageLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}
	cp := *log
	s.mu.Lock()
	s.logs = append(s.logs, &cp)
	s.mu.Unlock()
	return nil
}

// GetUsageByTenant returns rows in [from, to], newest first.
func (s *MemoryStore) GetUsageByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*UsageLog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*UsageLog
	for _, l := range s.logs {
		if l.TenantID != tenantID || l.CreatedAt.Before(from) || l.CreatedAt.After(to) {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	slices.SortStableFunc(out, func(a, b *UsageLog) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) GetTotalCostByTenant(ctx context.Context, tenantID string, from, to time.Time) (float64, error) {
	logs, err := s.GetUsageByTenant(ctx, tenantID, from, to)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, l := range logs {
		total += l.CostUSD
	}
	return total, nil
}
