package stockd

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
)

// releaseScript deletes the lease key only when the stored token matches the
// caller's. GET + compare + DEL execute as one unit at the server, so a lease
// that expired and was re-acquired by another holder is never deleted by the
// stale owner. A non-matching token is a no-op, not an error.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// lockKey is the Redis key holding the lease token for a resource.
func lockKey(resource string) string {
	return "lock:" + resource
}

// Locker provides a lease-based mutex on a single Redis endpoint.
//
// The lease is advisory: the TTL bounds the damage of a crashed holder, but a
// slow holder can outlive its lease. Anything guarded by a Locker must stay
// correct when two holders overlap; for stock that safety net is the
// server-side conditional decrement in StockStore.
type Locker struct {
	redis         *redis.Client
	ttl           time.Duration
	retryAttempts int
	retryDelay    time.Duration
	logger        Logger
	metrics       Metrics
}

// NewLocker creates a lease mutex with the given TTL and retry policy.
// The TTL must exceed the worst-case critical section by a comfortable
// margin; the service default is 10s.
func NewLocker(client *redis.Client, cfg *Config, logger Logger, metrics Metrics) *Locker {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}

	return &Locker{
		redis:         client,
		ttl:           cfg.LockTTL,
		retryAttempts: cfg.RetryAttempts,
		retryDelay:    cfg.RetryDelay,
		logger:        logger,
		metrics:       metrics,
	}
}

// Acquire attempts a single conditional-set of a fresh 128-bit token with the
// configured TTL. Returns ErrLockHeld when another holder owns the lease.
func (l *Locker) Acquire(ctx context.Context, resource string) (*Lease, error) {
	if l.redis == nil {
		return nil, fmt.Errorf("redis not available")
	}

	token := uuid.NewString()
	now := time.Now()

	acquired, err := l.redis.SetNX(ctx, lockKey(resource), token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		return nil, WithContext(ErrLockHeld, map[string]interface{}{
			"resource": resource,
			"ttl":      l.ttl,
		})
	}

	l.metrics.Increment(MetricLockAcquired)
	return &Lease{
		Resource:   resource,
		Token:      token,
		AcquiredAt: now,
		TTL:        l.ttl,
		ValidUntil: now.Add(l.ttl),
	}, nil
}

// AcquireWithRetry attempts Acquire up to the configured attempt bound with a
// fixed delay between attempts, honoring ctx cancellation during the sleeps.
// Exhaustion surfaces ErrLockAcquisition, distinguishable from stock errors.
func (l *Locker) AcquireWithRetry(ctx context.Context, resource string) (*Lease, error) {
	start := time.Now()
	attempts := 0

	var lease *Lease
	backoff := retry.WithMaxRetries(uint64(l.retryAttempts-1), retry.NewConstant(l.retryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		acquired, err := l.Acquire(ctx, resource)
		if err != nil {
			if IsRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		lease = acquired
		return nil
	})

	l.metrics.Timing(MetricLockWaitTime, time.Since(start))
	if err != nil {
		l.metrics.Increment(MetricLockFailed)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, WithContext(ErrLockAcquisition, map[string]interface{}{
			"resource": resource,
			"attempts": attempts,
		})
	}

	if attempts > 1 {
		l.metrics.Increment(MetricLockContention)
		l.logger.Debug("lock acquired after contention",
			"resource", resource,
			"attempts", attempts,
		)
	}
	return lease, nil
}

// Release performs the owner-verified delete. Releasing a lease that expired
// or was taken over is a no-op; release never fails the caller, so it is safe
// in defer paths. A background context is used so a cancelled request still
// cleans up its lease.
func (l *Locker) Release(lease *Lease) {
	if l.redis == nil || lease == nil {
		return
	}

	cleanupCtx := context.Background()
	released, err := releaseScript.Run(cleanupCtx, l.redis, []string{lockKey(lease.Resource)}, lease.Token).Int64()
	if err != nil {
		l.logger.Warn("lock release failed", "resource", lease.Resource, "error", err)
		return
	}
	if released == 0 {
		// Expired or re-acquired by someone else; nothing to do.
		l.logger.Debug("lock release was a no-op", "resource", lease.Resource)
		return
	}

	l.metrics.Increment(MetricLockReleased)
}

// SingleGuard is the single-endpoint StockGuard: bounded-retry lease
// acquisition around the server-side conditional decrement.
type SingleGuard struct {
	locker *Locker
	stock  *StockStore
}

// NewSingleGuard combines a Locker and a StockStore into the pessimistic
// decrement used by single-Redis deployments.
func NewSingleGuard(locker *Locker, stock *StockStore) *SingleGuard {
	return &SingleGuard{locker: locker, stock: stock}
}

// GuardedDecrement acquires the per-product stock lease, runs the conditional
// decrement, and always releases the lease. The decrement script stays
// correct even if the lease expired mid-flight (stale-holder hazard), so a
// TTL overrun degrades mutual exclusion but never safety.
func (g *SingleGuard) GuardedDecrement(ctx context.Context, productID, quantity int64) (DecrementOutcome, error) {
	lease, err := g.locker.AcquireWithRetry(ctx, stockLockResource(productID))
	if err != nil {
		return DecrementOutcome{}, err
	}
	defer g.locker.Release(lease)

	return g.stock.TryDecrement(ctx, productID, quantity)
}
