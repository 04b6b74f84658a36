package stockd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Return codes of the conditional decrement script. Kept distinct so the
// orchestrator can surface "product missing" and "insufficient stock" as
// different error kinds.
const (
	decrementInsufficient = -1
	decrementMissing      = -2
)

// decrementScript is the server-side conditional decrement: read the counter,
// verify it covers the requested quantity, DECRBY, return the remainder.
// Running it as a single script is the authoritative oversell defense: the
// lease mutex is advisory, and a holder whose lease expired can still reach
// this point. Redis executes scripts single-threaded, so no other decrement
// or increment can interleave between the read and the write.
var decrementScript = redis.NewScript(`
local current_stock = redis.call("GET", KEYS[1])
if not current_stock then
    return -2
end
current_stock = tonumber(current_stock)
local quantity = tonumber(ARGV[1])
if current_stock >= quantity then
    redis.call("DECRBY", KEYS[1], quantity)
    return current_stock - quantity
else
    return -1
end
`)

// StockStore owns the hot per-product counters on a single Redis endpoint.
// It implements the StockCounter capability set.
type StockStore struct {
	redis   *redis.Client
	logger  Logger
	metrics Metrics
}

// NewStockStore creates a stock store over the given Redis client
func NewStockStore(client *redis.Client, logger Logger, metrics Metrics) *StockStore {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}

	return &StockStore{
		redis:   client,
		logger:  logger,
		metrics: metrics,
	}
}

// Seed sets the counter iff absent (SET NX). Idempotent: a second seed for
// the same product leaves the first value in place and returns false.
func (s *StockStore) Seed(ctx context.Context, productID, quantity int64) (bool, error) {
	if s.redis == nil {
		return false, fmt.Errorf("redis not available")
	}

	created, err := s.redis.SetNX(ctx, stockKey(productID), quantity, 0).Result()
	if err != nil {
		s.metrics.Increment(MetricStockError, "operation", "seed")
		return false, fmt.Errorf("failed to seed stock counter: %w", err)
	}

	if created {
		s.logger.Info("stock counter seeded", "product_id", productID, "quantity", quantity)
		s.metrics.Increment(MetricStockSeeded)
	}
	return created, nil
}

// Read returns the current counter value; ok is false when the counter
// does not exist.
func (s *StockStore) Read(ctx context.Context, productID int64) (int64, bool, error) {
	if s.redis == nil {
		return 0, false, fmt.Errorf("redis not available")
	}

	val, err := s.redis.Get(ctx, stockKey(productID)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		s.metrics.Increment(MetricStockError, "operation", "read")
		return 0, false, fmt.Errorf("failed to read stock counter: %w", err)
	}

	intVal, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid stock counter value: %w", err)
	}

	return intVal, true, nil
}

// TryDecrement runs the conditional decrement script against the counter.
func (s *StockStore) TryDecrement(ctx context.Context, productID, quantity int64) (DecrementOutcome, error) {
	if s.redis == nil {
		return DecrementOutcome{}, fmt.Errorf("redis not available")
	}

	result, err := decrementScript.Run(ctx, s.redis, []string{stockKey(productID)}, quantity).Int64()
	if err != nil {
		s.metrics.Increment(MetricStockError, "operation", "decrement")
		return DecrementOutcome{}, fmt.Errorf("failed to decrement stock: %w", err)
	}

	return classifyDecrement(result), nil
}

// Increment unconditionally adds quantity back to the counter and returns the
// new value. Compensation path: always an INCRBY, never a SET, so purchases
// committed by other requests in the meantime stay consumed.
func (s *StockStore) Increment(ctx context.Context, productID, quantity int64) (int64, error) {
	if s.redis == nil {
		return 0, fmt.Errorf("redis not available")
	}

	val, err := s.redis.IncrBy(ctx, stockKey(productID), quantity).Result()
	if err != nil {
		s.metrics.Increment(MetricStockError, "operation", "increment")
		return 0, fmt.Errorf("failed to increment stock: %w", err)
	}

	s.metrics.Increment(MetricStockIncrement)
	return val, nil
}

// classifyDecrement maps a decrement script return code to an outcome.
func classifyDecrement(code int64) DecrementOutcome {
	switch code {
	case decrementMissing:
		return DecrementOutcome{Status: DecrementMissing}
	case decrementInsufficient:
		return DecrementOutcome{Status: DecrementInsufficient}
	default:
		return DecrementOutcome{Status: DecrementOK, Remaining: code}
	}
}
