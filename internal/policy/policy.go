// Package policy enforces tenant quotas around a completion in two phases:
// Admit checks the prompt against the input limit before any provider call,
// and Commit settles the measured usage exactly once afterwards.
package policy

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vnmchuo/quota-gateway/internal/ledger"
	"github.com/vnmchuo/quota-gateway/internal/logger"
	"github.com/vnmchuo/quota-gateway/internal/telemetry"
	"github.com/vnmchuo/quota-gateway/internal/tokencount"
	"github.com/vnmchuo/quota-gateway/internal/worker"
)

var (
	// ErrReconciliationPending means the ledger could not be reached after
	// retries and the usage was queued for replay.
	ErrReconciliationPending = errors.New("billing reconciliation pending")
	ErrAlreadySettled        = errors.New("admission already settled")
)

type Kind string

const (
	KindInput  Kind = "input"
	KindOutput Kind = "output"
)

type QuotaExceededError struct {
	Kind      Kind
	Used      int64
	Requested int64
	Limit     int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s token quota exceeded: used %d, requested %d, limit %d", e.Kind, e.Used, e.Requested, e.Limit)
}

type Status string

const (
	StatusCommitted             Status = "committed"
	StatusReconciliationPending Status = "reconciliation_pending"
	StatusFailed                Status = "failed"
)

// Admission is a request that passed Phase A. It must be settled with
// Commit exactly once.
type Admission struct {
	TenantID    string
	RequestID   string
	InputTokens int64
	Snapshot    ledger.Snapshot
	AdmittedAt  time.Time

	settled atomic.Bool
}

type Settlement struct {
	Status Status
	Delta  ledger.Usage
	// Result is nil unless Status is StatusCommitted.
	Result *ledger.CommitResult
	// Estimated is set when the output count came from the byte estimate;
	// such records are flagged for reconciliation.
	Estimated       bool
	OutputOverLimit bool
}

// NeedsReconciliation reports whether the ledger effect is pending or based
// on an estimate.
func (s *Settlement) NeedsReconciliation() bool {
	return s.Status != StatusCommitted || s.Estimated
}

type Enqueuer interface {
	Enqueue(ctx context.Context, pc *worker.PendingCommit) error
}

type Config struct {
	Count  tokencount.RetryConfig
	Commit tokencount.RetryConfig
}

func DefaultConfig() Config {
	return Config{
		Count: tokencount.DefaultRetryConfig(),
		Commit: tokencount.RetryConfig{
			MaxAttempts:     5,
			InitialInterval: 100 * time.Millisecond,
			MaxElapsed:      10 * time.Second,
		},
	}
}

type Policy struct {
	ledger  ledger.Ledger
	counter tokencount.Counter
	queue   Enqueuer
	cfg     Config
	log     *zap.Logger
}

func New(l ledger.Ledger, counter tokencount.Counter, queue Enqueuer, cfg Config, log *zap.Logger) *Policy {
	return &Policy{
		ledger:  l,
		counter: counter,
		queue:   queue,
		cfg:     cfg,
		log:     log,
	}
}

// Admit counts input and reads the tenant's ledger concurrently. It fails
// closed: an unreachable counter or ledger rejects the request. Concurrent
// admissions for one tenant are not serialized, so a tenant may overshoot
// its limits by the requests already in flight.
func (p *Policy) Admit(ctx context.Context, tenantID, requestID, input string) (*Admission, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	log := logger.FromContext(ctx, p.log).With(
		zap.String("tenant_id", tenantID),
		zap.String("request_id", requestID),
	)

	var (
		inputTokens int
		snap        ledger.Snapshot
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if input == "" {
			return nil
		}
		n, err := tokencount.CountWithRetry(gctx, p.counter, input, p.cfg.Count, log)
		if err != nil {
			return fmt.Errorf("count input: %w", err)
		}
		inputTokens = n
		return nil
	})
	g.Go(func() error {
		s, err := p.ledger.Get(gctx, tenantID)
		if err != nil {
			return fmt.Errorf("read ledger: %w", err)
		}
		snap = s
		return nil
	})
	if err := g.Wait(); err != nil {
		outcome := admitOutcome(err)
		telemetry.AdmissionsTotal.WithLabelValues(outcome).Inc()
		log.Warn("admission failed", zap.String("outcome", outcome), zap.Error(err))
		return nil, err
	}

	requested := int64(inputTokens)
	if snap.InputUsed+requested > snap.InputLimit {
		telemetry.AdmissionsTotal.WithLabelValues("quota_input").Inc()
		return nil, &QuotaExceededError{Kind: KindInput, Used: snap.InputUsed, Requested: requested, Limit: snap.InputLimit}
	}
	if snap.OutputUsed >= snap.OutputLimit {
		telemetry.AdmissionsTotal.WithLabelValues("quota_output").Inc()
		return nil, &QuotaExceededError{Kind: KindOutput, Used: snap.OutputUsed, Limit: snap.OutputLimit}
	}

	telemetry.AdmissionsTotal.WithLabelValues("admitted").Inc()
	log.Debug("request admitted",
		zap.Int64("input_tokens", requested),
		zap.Int64("input_used", snap.InputUsed),
		zap.Int64("input_limit", snap.InputLimit),
	)
	return &Admission{
		TenantID:    tenantID,
		RequestID:   requestID,
		InputTokens: requested,
		Snapshot:    snap,
		AdmittedAt:  time.Now(),
	}, nil
}

func admitOutcome(err error) string {
	switch {
	case errors.Is(err, tokencount.ErrUnavailable):
		return "counter_unavailable"
	case errors.Is(err, ledger.ErrUnavailable):
		return "ledger_unavailable"
	case errors.Is(err, ledger.ErrNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}

// Commit applies (input, output) for an admission. It ignores cancellation
// of ctx so that a departed caller still gets billed. Transient ledger
// failures are retried; once retries run out the delta is queued for replay
// and ErrReconciliationPending is returned alongside the settlement. If it
// cannot be queued the settlement is StatusFailed.
func (p *Policy) Commit(ctx context.Context, adm *Admission, outputTokens int, estimated bool) (*Settlement, error) {
	if !adm.settled.CompareAndSwap(false, true) {
		return nil, ErrAlreadySettled
	}
	ctx = context.WithoutCancel(ctx)
	delta := ledger.Usage{Input: adm.InputTokens, Output: int64(outputTokens)}
	log := logger.FromContext(ctx, p.log).With(
		zap.String("tenant_id", adm.TenantID),
		zap.String("request_id", adm.RequestID),
		zap.Int64("input_tokens", delta.Input),
		zap.Int64("output_tokens", delta.Output),
	)
	settlement := &Settlement{Delta: delta, Estimated: estimated}

	res, err := p.commitWithRetry(ctx, adm, delta, log)
	if err == nil {
		settlement.Status = StatusCommitted
		settlement.Result = &res
		settlement.OutputOverLimit = res.OutputOverLimit()
		if !res.Replayed {
			telemetry.CommittedTokensTotal.WithLabelValues("input").Add(float64(delta.Input))
			telemetry.CommittedTokensTotal.WithLabelValues("output").Add(float64(delta.Output))
		}
		if settlement.OutputOverLimit {
			telemetry.OutputOvershootTotal.Inc()
			log.Warn("output quota overshoot",
				zap.Int64("output_used", res.OutputUsed),
				zap.Int64("output_limit", res.OutputLimit),
			)
		}
		if estimated {
			log.Warn("committed estimated output count, flagged for reconciliation")
		}
		return settlement, nil
	}

	if !errors.Is(err, ledger.ErrUnavailable) {
		settlement.Status = StatusFailed
		log.Error("commit failed", zap.Error(err))
		return settlement, fmt.Errorf("commit usage: %w", err)
	}

	// Nothing will replay the delta unless it reaches the queue.
	settlement.Status = StatusFailed
	pc := &worker.PendingCommit{
		TenantID:   adm.TenantID,
		RequestID:  adm.RequestID,
		Delta:      delta,
		Reason:     err.Error(),
		EnqueuedAt: time.Now(),
	}
	if p.queue == nil {
		telemetry.ReconciliationTotal.WithLabelValues("lost").Inc()
		log.Error("commit retries exhausted and no reconciliation queue configured", zap.Error(err))
		return settlement, fmt.Errorf("commit usage: %w", err)
	}
	if qerr := p.queue.Enqueue(ctx, pc); qerr != nil {
		telemetry.ReconciliationTotal.WithLabelValues("lost").Inc()
		log.Error("commit retries exhausted and enqueue failed", zap.Error(err), zap.NamedError("enqueue_error", qerr))
		return settlement, fmt.Errorf("commit usage: %w", errors.Join(err, qerr))
	}
	settlement.Status = StatusReconciliationPending
	log.Error("commit retries exhausted, queued for reconciliation", zap.Error(err))
	return settlement, fmt.Errorf("%w: %w", ErrReconciliationPending, err)
}

func (p *Policy) commitWithRetry(ctx context.Context, adm *Admission, delta ledger.Usage, log *zap.Logger) (ledger.CommitResult, error) {
	b := backoff.NewExponentialBackOff()
	if p.cfg.Commit.InitialInterval > 0 {
		b.InitialInterval = p.cfg.Commit.InitialInterval
	}

	attempt := 0
	return backoff.Retry(ctx, func() (ledger.CommitResult, error) {
		attempt++
		res, err := p.ledger.TryReserveAndCommit(ctx, adm.TenantID, adm.RequestID, delta)
		if err != nil && !errors.Is(err, ledger.ErrUnavailable) {
			return res, backoff.Permanent(err)
		}
		return res, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(max(p.cfg.Commit.MaxAttempts, 1)),
		backoff.WithMaxElapsedTime(p.cfg.Commit.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			telemetry.CommitRetriesTotal.Inc()
			log.Warn("ledger commit failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("next", next),
				zap.Error(err),
			)
		}),
	)
}
