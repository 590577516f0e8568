package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps counters in process memory. Tenants are locked
// individually so commits for different tenants never contend.
type MemoryStore struct {
	mu      sync.RWMutex
	plans   map[string]Plan
	tenants map[string]*memTenant
	now     func() time.Time
}

type memTenant struct {
	mu          sync.Mutex
	planID      string
	inputUsed   int64
	outputUsed  int64
	lastResetAt *time.Time
	commits     map[string]CommitResult
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plans:   make(map[string]Plan),
		tenants: make(map[string]*memTenant),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) lookup(tenantID string) (*memTenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return nil, fmt.Errorf("tenant %q: %w", tenantID, ErrNotFound)
	}
	return t, nil
}

func (s *MemoryStore) plan(id string) (Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[id]
	if !ok {
		return Plan{}, fmt.Errorf("plan %q: %w", id, ErrNotFound)
	}
	return p, nil
}

func (s *MemoryStore) Get(ctx context.Context, tenantID string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	t, err := s.lookup(tenantID)
	if err != nil {
		return Snapshot{}, err
	}

	t.mu.Lock()
	snap := Snapshot{
		TenantID:    tenantID,
		PlanID:      t.planID,
		InputUsed:   t.inputUsed,
		OutputUsed:  t.outputUsed,
		LastResetAt: t.lastResetAt,
	}
	t.mu.Unlock()

	p, err := s.plan(snap.PlanID)
	if err != nil {
		return Snapshot{}, err
	}
	snap.InputLimit = p.InputTokenLimit
	snap.OutputLimit = p.OutputTokenLimit
	return snap, nil
}

func (s *MemoryStore) TryReserveAndCommit(ctx context.Context, tenantID, requestID string, delta Usage) (CommitResult, error) {
	if err := delta.validate(); err != nil {
		return CommitResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return CommitResult{}, err
	}
	t, err := s.lookup(tenantID)
	if err != nil {
		return CommitResult{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if prior, ok := t.commits[requestID]; ok {
		prior.Replayed = true
		return prior, nil
	}

	p, err := s.plan(t.planID)
	if err != nil {
		return CommitResult{}, err
	}

	t.inputUsed += delta.Input
	t.outputUsed += delta.Output

	res := CommitResult{
		TenantID:    tenantID,
		RequestID:   requestID,
		Delta:       delta,
		InputUsed:   t.inputUsed,
		OutputUsed:  t.outputUsed,
		InputLimit:  p.InputTokenLimit,
		OutputLimit: p.OutputTokenLimit,
		CommittedAt: s.now(),
	}
	t.commits[requestID] = res
	return res, nil
}

func (s *MemoryStore) Reset(ctx context.Context, tenantID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t, err := s.lookup(tenantID)
	if err != nil {
		return err
	}
	now := s.now()

	t.mu.Lock()
	t.inputUsed = 0
	t.outputUsed = 0
	t.lastResetAt = &now
	t.mu.Unlock()
	return nil
}

func (s *MemoryStore) UpsertPlan(_ context.Context, plan Plan) error {
	if plan.ID == "" {
		return fmt.Errorf("plan id is required")
	}
	s.mu.Lock()
	s.plans[plan.ID] = plan
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) CreateTenant(_ context.Context, tenantID, planID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[planID]; !ok {
		return fmt.Errorf("plan %q: %w", planID, ErrNotFound)
	}
	if _, ok := s.tenants[tenantID]; ok {
		return nil
	}
	s.tenants[tenantID] = &memTenant{
		planID:  planID,
		commits: make(map[string]CommitResult),
	}
	return nil
}
