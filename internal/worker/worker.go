// Package worker replays ledger commits that could not be applied while the
// request was in flight.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/vnmchuo/quota-gateway/internal/ledger"
	"github.com/vnmchuo/quota-gateway/internal/telemetry"
)

var ErrQueueFull = errors.New("reconciliation queue full")

// PendingCommit is a usage delta waiting to be applied. RequestID is the
// idempotency key, so replaying an entry that already landed is harmless.
type PendingCommit struct {
	TenantID   string       `json:"tenant_id"`
	RequestID  string       `json:"request_id"`
	Delta      ledger.Usage `json:"delta"`
	Reason     string       `json:"reason"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
	Attempts   int          `json:"attempts"`
}

type Queue interface {
	Enqueue(ctx context.Context, pc *PendingCommit) error
	Process(ctx context.Context) error // starts the worker loop
}

type ReplayConfig struct {
	// MaxTries bounds the attempts made for one entry before it goes back
	// on the queue.
	MaxTries        uint
	InitialInterval time.Duration
	MaxElapsed      time.Duration
	// MaxAge drops entries enqueued longer ago than this. It must be shorter
	// than the ledger's idempotency window, or a replay could count a request
	// twice. Zero disables the check.
	MaxAge time.Duration
}

// DefaultReplayConfig keeps MaxAge a day short of the Redis ledger's commit
// record TTL.
func DefaultReplayConfig() ReplayConfig {
	return ReplayConfig{
		MaxTries:        5,
		InitialInterval: 500 * time.Millisecond,
		MaxElapsed:      30 * time.Second,
		MaxAge:          ledger.DefaultCommitTTL - 24*time.Hour,
	}
}

type outcome int

const (
	applied outcome = iota
	requeue
	drop
)

type replayer struct {
	ledger ledger.Ledger
	cfg    ReplayConfig
	log    *zap.Logger
}

func commitFields(pc *PendingCommit) []zap.Field {
	return []zap.Field{
		zap.String("tenant_id", pc.TenantID),
		zap.String("request_id", pc.RequestID),
		zap.Int64("input_tokens", pc.Delta.Input),
		zap.Int64("output_tokens", pc.Delta.Output),
		zap.String("reason", pc.Reason),
		zap.Time("enqueued_at", pc.EnqueuedAt),
	}
}

// lost records an entry that will never be applied.
func (r *replayer) lost(pc *PendingCommit, msg string, err error) {
	telemetry.ReconciliationTotal.WithLabelValues("lost").Inc()
	fields := commitFields(pc)
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	r.log.Error(msg, fields...)
}

func (r *replayer) expired(pc *PendingCommit) bool {
	return r.cfg.MaxAge > 0 && !pc.EnqueuedAt.IsZero() && time.Since(pc.EnqueuedAt) > r.cfg.MaxAge
}

func (r *replayer) replay(ctx context.Context, pc *PendingCommit) outcome {
	if r.expired(pc) {
		telemetry.ReconciliationTotal.WithLabelValues("expired").Inc()
		r.log.Error("dropping pending commit older than replay window",
			append(commitFields(pc), zap.Duration("max_age", r.cfg.MaxAge))...)
		return drop
	}

	pc.Attempts++
	log := r.log.With(commitFields(pc)...).With(zap.Int("attempt", pc.Attempts))

	b := backoff.NewExponentialBackOff()
	if r.cfg.InitialInterval > 0 {
		b.InitialInterval = r.cfg.InitialInterval
	}
	res, err := backoff.Retry(ctx, func() (ledger.CommitResult, error) {
		res, err := r.ledger.TryReserveAndCommit(ctx, pc.TenantID, pc.RequestID, pc.Delta)
		if err != nil && !errors.Is(err, ledger.ErrUnavailable) {
			return res, backoff.Permanent(err)
		}
		return res, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(max(r.cfg.MaxTries, 1)),
		backoff.WithMaxElapsedTime(r.cfg.MaxElapsed),
	)

	switch {
	case err == nil:
		telemetry.ReconciliationTotal.WithLabelValues("replayed").Inc()
		log.Info("reconciled pending commit",
			zap.Bool("replayed", res.Replayed),
			zap.Duration("delay", time.Since(pc.EnqueuedAt)),
		)
		return applied
	case errors.Is(err, ledger.ErrUnavailable), ctx.Err() != nil:
		telemetry.ReconciliationTotal.WithLabelValues("requeued").Inc()
		log.Warn("ledger still unavailable, requeueing", zap.Error(err))
		return requeue
	default:
		telemetry.ReconciliationTotal.WithLabelValues("dropped").Inc()
		log.Error("dropping pending commit", zap.Error(err))
		return drop
	}
}
