package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vnmchuo/quota-gateway/internal/ledger"
	"github.com/vnmchuo/quota-gateway/internal/telemetry"
)

// MemoryQueue keeps pending commits in process. Entries still queued when
// Process stops are logged as lost, so it is meant for tests and the memory
// ledger.
type MemoryQueue struct {
	ch chan *PendingCommit
	replayer
}

func NewMemoryQueue(l ledger.Ledger, size int, cfg ReplayConfig, log *zap.Logger) *MemoryQueue {
	return &MemoryQueue{
		ch:       make(chan *PendingCommit, size),
		replayer: replayer{ledger: l, cfg: cfg, log: log},
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, pc *PendingCommit) error {
	if pc.EnqueuedAt.IsZero() {
		pc.EnqueuedAt = time.Now()
	}
	select {
	case q.ch <- pc:
		telemetry.ReconciliationTotal.WithLabelValues("enqueued").Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Len() int { return len(q.ch) }

func (q *MemoryQueue) Process(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			q.abandon()
			return nil
		}
		select {
		case <-ctx.Done():
			q.abandon()
			return nil
		case pc := <-q.ch:
			if q.replay(ctx, pc) != requeue {
				continue
			}
			select {
			case q.ch <- pc:
			default:
				q.lost(pc, "reconciliation queue full, commit lost", nil)
			}
		}
	}
}

// abandon empties the queue on shutdown, logging every delta it drops.
func (q *MemoryQueue) abandon() {
	for {
		select {
		case pc := <-q.ch:
			q.lost(pc, "pending commit lost on shutdown", nil)
		default:
			return
		}
	}
}
