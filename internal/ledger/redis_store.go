package ledger

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

var _ Store = (*RedisStore)(nil)

// RedisStore keeps tenants and plans in hashes and applies commits with a Lua
// script, so the idempotency check and both increments happen in one step.
type RedisStore struct {
	client    goredis.Cmdable
	keyPrefix string
	commitTTL time.Duration
}

type RedisOption func(*RedisStore)

// WithKeyPrefix sets the key prefix (default "quota:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.keyPrefix = prefix }
}

// DefaultCommitTTL is how long RedisStore keeps commit records. A request ID
// is only idempotent within this window, so replay must happen inside it.
const DefaultCommitTTL = 7 * 24 * time.Hour

// WithCommitTTL sets how long commit records are kept (default
// DefaultCommitTTL). A replay older than this is applied again, so the
// reconciliation worker's MaxAge must stay below it.
func WithCommitTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.commitTTL = ttl }
}

func NewRedisStore(client goredis.Cmdable, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:    client,
		keyPrefix: "quota:",
		commitTTL: DefaultCommitTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) planPrefix() string         { return s.keyPrefix + "plan:" }
func (s *RedisStore) planKey(id string) string   { return s.planPrefix() + id }
func (s *RedisStore) tenantKey(id string) string { return s.keyPrefix + "tenant:" + id }
func (s *RedisStore) commitKey(tenantID, requestID string) string {
	return s.keyPrefix + "commit:" + tenantID + ":" + requestID
}

// commitScript applies one delta.
// KEYS[1] = tenant hash
// KEYS[2] = commit record
// ARGV[1] = plan key prefix
// ARGV[2] = input delta
// ARGV[3] = output delta
// ARGV[4] = now (unix millis)
// ARGV[5] = commit record ttl (seconds)
//
// Returns {status, record}: 0 applied, 1 replayed, -1 tenant or plan missing.
var commitScript = goredis.NewScript(`
local tenant_key = KEYS[1]
local commit_key = KEYS[2]

local prior = redis.call("GET", commit_key)
if prior then
    return {1, prior}
end

local plan_id = redis.call("HGET", tenant_key, "plan_id")
if not plan_id then
    return {-1, ""}
end
local plan_key = ARGV[1] .. plan_id
local in_limit = redis.call("HGET", plan_key, "input_limit")
local out_limit = redis.call("HGET", plan_key, "output_limit")
if not in_limit or not out_limit then
    return {-1, ""}
end

local in_used = redis.call("HINCRBY", tenant_key, "input_used", ARGV[2])
local out_used = redis.call("HINCRBY", tenant_key, "output_used", ARGV[3])
local record = ARGV[2] .. ":" .. ARGV[3] .. ":" .. in_used .. ":" .. out_used .. ":" .. in_limit .. ":" .. out_limit .. ":" .. ARGV[4]
redis.call("SET", commit_key, record, "EX", tonumber(ARGV[5]))
return {0, record}
`)

// resetScript zeroes an existing tenant without creating one.
// KEYS[1] = tenant hash
// ARGV[1] = now (unix millis)
var resetScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return 0
end
redis.call("HSET", KEYS[1], "input_used", "0", "output_used", "0", "last_reset_at", ARGV[1])
return 1
`)

func (s *RedisStore) Get(ctx context.Context, tenantID string) (Snapshot, error) {
	vals, err := s.client.HMGet(ctx, s.tenantKey(tenantID), "plan_id", "input_used", "output_used", "last_reset_at").Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: get tenant: %w", ErrUnavailable, err)
	}
	planID, ok := vals[0].(string)
	if !ok || planID == "" {
		return Snapshot{}, fmt.Errorf("tenant %q: %w", tenantID, ErrNotFound)
	}

	limits, err := s.client.HMGet(ctx, s.planKey(planID), "input_limit", "output_limit").Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: get plan: %w", ErrUnavailable, err)
	}
	if limits[0] == nil || limits[1] == nil {
		return Snapshot{}, fmt.Errorf("plan %q: %w", planID, ErrNotFound)
	}

	snap := Snapshot{
		TenantID:    tenantID,
		PlanID:      planID,
		InputUsed:   parseInt(vals[1]),
		OutputUsed:  parseInt(vals[2]),
		InputLimit:  parseInt(limits[0]),
		OutputLimit: parseInt(limits[1]),
	}
	if ms := parseInt(vals[3]); ms > 0 {
		at := time.UnixMilli(ms).UTC()
		snap.LastResetAt = &at
	}
	return snap, nil
}

func (s *RedisStore) TryReserveAndCommit(ctx context.Context, tenantID, requestID string, delta Usage) (CommitResult, error) {
	if err := delta.validate(); err != nil {
		return CommitResult{}, err
	}

	out, err := commitScript.Run(ctx, s.client,
		[]string{s.tenantKey(tenantID), s.commitKey(tenantID, requestID)},
		s.planPrefix(), delta.Input, delta.Output, time.Now().UnixMilli(), int64(s.commitTTL/time.Second),
	).Slice()
	if err != nil {
		return CommitResult{}, fmt.Errorf("%w: commit: %w", ErrUnavailable, err)
	}
	if len(out) != 2 {
		return CommitResult{}, fmt.Errorf("%w: unexpected commit reply %v", ErrUnavailable, out)
	}

	status, _ := out[0].(int64)
	record, _ := out[1].(string)
	switch status {
	case 0, 1:
		res, err := parseCommitRecord(record)
		if err != nil {
			return CommitResult{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		res.TenantID = tenantID
		res.RequestID = requestID
		res.Replayed = status == 1
		return res, nil
	case -1:
		return CommitResult{}, fmt.Errorf("tenant %q: %w", tenantID, ErrNotFound)
	default:
		return CommitResult{}, fmt.Errorf("%w: unexpected commit status %d", ErrUnavailable, status)
	}
}

func (s *RedisStore) Reset(ctx context.Context, tenantID string) error {
	n, err := resetScript.Run(ctx, s.client, []string{s.tenantKey(tenantID)}, time.Now().UnixMilli()).Int64()
	if err != nil {
		return fmt.Errorf("%w: reset: %w", ErrUnavailable, err)
	}
	if n == 0 {
		return fmt.Errorf("tenant %q: %w", tenantID, ErrNotFound)
	}
	return nil
}

func (s *RedisStore) UpsertPlan(ctx context.Context, plan Plan) error {
	if plan.ID == "" {
		return fmt.Errorf("plan id is required")
	}
	err := s.client.HSet(ctx, s.planKey(plan.ID),
		"name", plan.Name,
		"input_limit", plan.InputTokenLimit,
		"output_limit", plan.OutputTokenLimit,
		"price", strconv.FormatFloat(plan.Price, 'f', -1, 64),
		"description", plan.Description,
	).Err()
	if err != nil {
		return fmt.Errorf("%w: upsert plan: %w", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) CreateTenant(ctx context.Context, tenantID, planID string) error {
	n, err := s.client.Exists(ctx, s.planKey(planID)).Result()
	if err != nil {
		return fmt.Errorf("%w: create tenant: %w", ErrUnavailable, err)
	}
	if n == 0 {
		return fmt.Errorf("plan %q: %w", planID, ErrNotFound)
	}

	key := s.tenantKey(tenantID)
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSetNX(ctx, key, "plan_id", planID)
		pipe.HSetNX(ctx, key, "input_used", 0)
		pipe.HSetNX(ctx, key, "output_used", 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: create tenant: %w", ErrUnavailable, err)
	}
	return nil
}

// parseCommitRecord decodes "in:out:in_used:out_used:in_limit:out_limit:millis".
func parseCommitRecord(record string) (CommitResult, error) {
	parts := strings.Split(record, ":")
	if len(parts) != 7 {
		return CommitResult{}, fmt.Errorf("malformed commit record %q", record)
	}
	nums := make([]int64, len(parts))
	for i, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return CommitResult{}, fmt.Errorf("malformed commit record %q: %w", record, err)
		}
		nums[i] = n
	}
	return CommitResult{
		Delta:       Usage{Input: nums[0], Output: nums[1]},
		InputUsed:   nums[2],
		OutputUsed:  nums[3],
		InputLimit:  nums[4],
		OutputLimit: nums[5],
		CommittedAt: time.UnixMilli(nums[6]).UTC(),
	}, nil
}

func parseInt(v any) int64 {
	str, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
