// Package seeder provisions plans, a demo tenant and its API key for local
// runs (RUN_SEED=true).
package seeder

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/vnmchuo/quota-gateway/internal/auth"
	"github.com/vnmchuo/quota-gateway/internal/ledger"
)

const (
	TestAPIKey   = "test-api-key-12345"
	TestTenantID = "00000000-0000-0000-0000-000000000001"
	TestPlanID   = "free"
)

type plansFile struct {
	Plans []ledger.Plan `yaml:"plans"`
}

// DefaultPlans is used when no plans file is configured.
func DefaultPlans() []ledger.Plan {
	return []ledger.Plan{
		{ID: "free", Name: "Free", InputTokenLimit: 1000, OutputTokenLimit: 1000, Description: "Free tier"},
		{ID: "pro", Name: "Pro", InputTokenLimit: 10000, OutputTokenLimit: 10000, Price: 9.99, Description: "Pro tier"},
	}
}

// LoadPlans reads a YAML plans file. An empty path yields DefaultPlans.
func LoadPlans(path string) ([]ledger.Plan, error) {
	if path == "" {
		return DefaultPlans(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plans file: %w", err)
	}
	var f plansFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse plans file: %w", err)
	}
	for i, p := range f.Plans {
		if p.ID == "" {
			return nil, fmt.Errorf("plan %d: id is required", i)
		}
		if p.InputTokenLimit < 0 || p.OutputTokenLimit < 0 {
			return nil, fmt.Errorf("plan %q: limits must be non-negative", p.ID)
		}
	}
	return f.Plans, nil
}

func SeedPlans(ctx context.Context, p ledger.Provisioner, plans []ledger.Plan, log *zap.Logger) error {
	for _, plan := range plans {
		if err := p.UpsertPlan(ctx, plan); err != nil {
			return fmt.Errorf("seed plan %q: %w", plan.ID, err)
		}
		log.Info("plan seeded",
			zap.String("plan_id", plan.ID),
			zap.Int64("input_token_limit", plan.InputTokenLimit),
			zap.Int64("output_token_limit", plan.OutputTokenLimit),
		)
	}
	return nil
}

func SeedTestTenant(ctx context.Context, p ledger.Provisioner, log *zap.Logger) error {
	if err := p.CreateTenant(ctx, TestTenantID, TestPlanID); err != nil {
		return fmt.Errorf("seed tenant: %w", err)
	}
	log.Info("test tenant ready", zap.String("tenant_id", TestTenantID), zap.String("plan_id", TestPlanID))
	return nil
}

// SeedTestAPIKey creates the demo key. An existing key is left alone.
func SeedTestAPIKey(ctx context.Context, store auth.Store, log *zap.Logger) {
	apiKey := &auth.APIKey{
		TenantID:  TestTenantID,
		KeyHash:   auth.HashKey(TestAPIKey),
		RateLimit: 1000000,
		Active:    true,
	}
	if err := store.Create(ctx, apiKey); err != nil {
		log.Info("api key may already exist, skipping", zap.Error(err))
		return
	}
	log.Info("test api key created", zap.String("key", TestAPIKey), zap.String("tenant_id", TestTenantID))
}

// Run seeds everything a local gateway needs to serve TestAPIKey.
func Run(ctx context.Context, p ledger.Provisioner, keys auth.Store, plansPath string, log *zap.Logger) error {
	plans, err := LoadPlans(plansPath)
	if err != nil {
		return err
	}
	if err := SeedPlans(ctx, p, plans, log); err != nil {
		return err
	}
	if err := SeedTestTenant(ctx, p, log); err != nil {
		return err
	}
	SeedTestAPIKey(ctx, keys, log)
	return nil
}
