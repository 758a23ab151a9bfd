package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/councilkit/engine/internal/corekit"
)

const redisKeyPrefix = "ledger:"

// RedisLedger persists runs, steps, and usage events to Redis, grounded
// on RedisExecutionStore/RedisTaskStore pattern of storing
// JSON-encoded records under prefixed keys with an injected *redis.Client,
// generalized from a single debug-record shape to the run/step/usage
// tables this ledger needs plus the owner-scoped monthly-usage index.
type RedisLedger struct {
	client *redis.Client
	logger corekit.Logger
}

// NewRedisLedger builds a RedisLedger against an already-configured
// client; the caller owns the client's lifecycle.
func NewRedisLedger(client *redis.Client, logger corekit.Logger) *RedisLedger {
	if logger == nil {
		logger = corekit.NoOpLogger{}
	}
	return &RedisLedger{client: client, logger: logger}
}

func runKey(runID string) string   { return redisKeyPrefix + "run:" + runID }
func stepsKey(runID string) string { return redisKeyPrefix + "steps:" + runID }
func usageKey(runID string) string { return redisKeyPrefix + "usage:" + runID }
func ownerUsageKey(ownerKeyID string) string {
	return redisKeyPrefix + "owner-usage:" + ownerKeyID
}

func (l *RedisLedger) CreateRun(ctx context.Context, run Run) error {
	if run.Status == "" {
		run.Status = RunRunning
	}
	b, err := json.Marshal(run)
	if err != nil {
		return err
	}
	ok, err := l.client.SetNX(ctx, runKey(run.ID), b, 0).Result()
	if err != nil {
		return fmt.Errorf("ledger: create run: %w", err)
	}
	if !ok {
		return fmt.Errorf("ledger: run %s already exists", run.ID)
	}
	return nil
}

func (l *RedisLedger) getRun(ctx context.Context, runID string) (*Run, error) {
	raw, err := l.client.Get(ctx, runKey(runID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("ledger: run %s not found", runID)
	}
	if err != nil {
		return nil, err
	}
	var r Run
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (l *RedisLedger) EndRun(ctx context.Context, runID string, status RunStatus, latencyMS int64) (bool, error) {
	// A run row is a single key, so the read-modify-write below is the
	// critical section; Redis access here is expected to be low-volume
	// (once per run), so a transaction is not necessary for correctness
	// beyond the one-shot check ExecutionStore.Store
	// comment calls out for idempotent writes.
	r, err := l.getRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if r.Status != RunRunning {
		return false, nil
	}
	now := time.Now()
	r.Status = status
	r.EndedAt = &now
	r.LatencyMS = &latencyMS

	b, err := json.Marshal(r)
	if err != nil {
		return false, err
	}
	if err := l.client.Set(ctx, runKey(runID), b, 0).Err(); err != nil {
		return false, err
	}
	return true, nil
}

func (l *RedisLedger) AddRunStep(ctx context.Context, step RunStep) error {
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now()
	}
	b, err := json.Marshal(step)
	if err != nil {
		return err
	}
	return l.client.RPush(ctx, stepsKey(step.RunID), b).Err()
}

func (l *RedisLedger) RecordUsage(ctx context.Context, event UsageEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	b, err := json.Marshal(event)
	if err != nil {
		return err
	}
	pipe := l.client.TxPipeline()
	pipe.RPush(ctx, usageKey(event.RunID), b)
	if event.OwnerKeyID != nil {
		pipe.RPush(ctx, ownerUsageKey(*event.OwnerKeyID), b)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (l *RedisLedger) loadUsage(ctx context.Context, runID string) ([]UsageEvent, error) {
	raws, err := l.client.LRange(ctx, usageKey(runID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	events := make([]UsageEvent, 0, len(raws))
	for _, raw := range raws {
		var e UsageEvent
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			l.logger.Warn("skipping malformed usage event", map[string]interface{}{"error": err.Error()})
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

func (l *RedisLedger) ListUsageEvents(ctx context.Context, runID string) ([]UsageEvent, error) {
	return l.loadUsage(ctx, runID)
}

func (l *RedisLedger) SumTotalTokens(ctx context.Context, runID string) (int64, error) {
	events, err := l.loadUsage(ctx, runID)
	if err != nil {
		return 0, err
	}
	var sum int64
	for _, e := range events {
		sum += CoalesceTokens(e.TotalTokens, e.PromptTokens, e.CompletionTokens)
	}
	return sum, nil
}

func (l *RedisLedger) SumCost(ctx context.Context, runID string) (float64, error) {
	events, err := l.loadUsage(ctx, runID)
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, e := range events {
		if e.CostEstimated != nil {
			sum += *e.CostEstimated
		}
	}
	return sum, nil
}

func (l *RedisLedger) AnyUsageMissing(ctx context.Context, runID string) (bool, error) {
	events, err := l.loadUsage(ctx, runID)
	if err != nil {
		return false, err
	}
	for _, e := range events {
		if e.UsageMissing {
			return true, nil
		}
	}
	return false, nil
}

func (l *RedisLedger) AnyCostMissing(ctx context.Context, runID string) (bool, error) {
	events, err := l.loadUsage(ctx, runID)
	if err != nil {
		return false, err
	}
	for _, e := range events {
		if e.CostEstimated == nil {
			return true, nil
		}
	}
	return false, nil
}

func (l *RedisLedger) MonthlyTokensUsed(ctx context.Context, ownerKeyID string, now time.Time) (int64, error) {
	start, end := MonthWindow(now)

	raws, err := l.client.LRange(ctx, ownerUsageKey(ownerKeyID), 0, -1).Result()
	if err != nil {
		return 0, err
	}

	var sum int64
	for _, raw := range raws {
		var e UsageEvent
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		if e.CreatedAt.Before(start) || !e.CreatedAt.Before(end) {
			continue
		}
		sum += CoalesceTokens(e.TotalTokens, e.PromptTokens, e.CompletionTokens)
	}
	return sum, nil
}
