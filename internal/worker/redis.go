package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vnmchuo/quota-gateway/internal/ledger"
	"github.com/vnmchuo/quota-gateway/internal/telemetry"
)

// RedisQueue is a durable list of pending commits. Producers LPUSH and the
// worker BLMOVEs the oldest entry onto a processing list, removing it from
// there only once the entry is applied or dropped. Entries left on the
// processing list by a crashed worker are moved back when Process starts.
type RedisQueue struct {
	client        goredis.Cmdable
	key           string
	processingKey string
	poll          time.Duration
	replayer
}

type RedisOption func(*RedisQueue)

func WithQueueKey(key string) RedisOption {
	return func(q *RedisQueue) { q.key = key }
}

// WithProcessingKey sets the list holding entries being replayed (default
// the queue key plus ":processing").
func WithProcessingKey(key string) RedisOption {
	return func(q *RedisQueue) { q.processingKey = key }
}

// WithPollTimeout bounds each BLMOVE so Process notices cancellation.
func WithPollTimeout(d time.Duration) RedisOption {
	return func(q *RedisQueue) { q.poll = d }
}

func NewRedisQueue(client goredis.Cmdable, l ledger.Ledger, cfg ReplayConfig, log *zap.Logger, opts ...RedisOption) *RedisQueue {
	q := &RedisQueue{
		client:   client,
		key:      "quota:reconcile",
		poll:     time.Second,
		replayer: replayer{ledger: l, cfg: cfg, log: log},
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.processingKey == "" {
		q.processingKey = q.key + ":processing"
	}
	return q
}

func (q *RedisQueue) Enqueue(ctx context.Context, pc *PendingCommit) error {
	if pc.EnqueuedAt.IsZero() {
		pc.EnqueuedAt = time.Now()
	}
	data, err := json.Marshal(pc)
	if err != nil {
		return fmt.Errorf("failed to marshal pending commit: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue pending commit: %w", err)
	}
	telemetry.ReconciliationTotal.WithLabelValues("enqueued").Inc()
	return nil
}

// Len reports the entries waiting for replay, excluding the one in flight.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// restore moves entries a previous worker left mid-replay back onto the
// queue, oldest nearest the head. With several workers on one key this can
// replay an entry twice, which the ledger's idempotency absorbs.
func (q *RedisQueue) restore(ctx context.Context) error {
	moved := 0
	for {
		err := q.client.LMove(ctx, q.processingKey, q.key, "LEFT", "RIGHT").Err()
		if errors.Is(err, goredis.Nil) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to recover in-flight commits: %w", err)
		}
		moved++
	}
	if moved > 0 {
		q.log.Warn("recovered in-flight pending commits", zap.Int("count", moved))
	}
	return nil
}

func (q *RedisQueue) Process(ctx context.Context) error {
	if err := q.restore(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		q.log.Warn("reconciliation queue recovery failed", zap.Error(err))
	}

	for ctx.Err() == nil {
		payload, err := q.client.BLMove(ctx, q.key, q.processingKey, "RIGHT", "LEFT", q.poll).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			q.log.Warn("reconciliation queue read failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(q.poll):
			}
			continue
		}
		q.handle(ctx, payload)
	}
	return nil
}

func (q *RedisQueue) handle(ctx context.Context, payload string) {
	wctx := context.WithoutCancel(ctx)

	var pc PendingCommit
	if err := json.Unmarshal([]byte(payload), &pc); err != nil {
		telemetry.ReconciliationTotal.WithLabelValues("dropped").Inc()
		q.log.Error("dropping undecodable pending commit", zap.String("payload", payload), zap.Error(err))
		q.ack(wctx, payload)
		return
	}

	if q.replay(ctx, &pc) != requeue {
		q.ack(wctx, payload)
		return
	}

	data, err := json.Marshal(&pc)
	if err != nil {
		q.lost(&pc, "failed to requeue pending commit", err)
		q.ack(wctx, payload)
		return
	}
	_, err = q.client.TxPipelined(wctx, func(pipe goredis.Pipeliner) error {
		pipe.LPush(wctx, q.key, data)
		pipe.LRem(wctx, q.processingKey, 1, payload)
		return nil
	})
	if err != nil {
		// The entry is still on the processing list and comes back on restart.
		q.log.Error("failed to requeue pending commit", append(commitFields(&pc), zap.Error(err))...)
	}
}

// ack removes a finished entry from the processing list.
func (q *RedisQueue) ack(ctx context.Context, payload string) {
	if err := q.client.LRem(ctx, q.processingKey, 1, payload).Err(); err != nil {
		q.log.Warn("failed to remove finished pending commit", zap.Error(err))
	}
}
