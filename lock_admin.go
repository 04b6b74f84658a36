package stockd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// LeaseInfo describes an active lease as seen on the endpoint.
type LeaseInfo struct {
	Resource string        // The resource being locked
	LockKey  string        // The Redis key for the lease
	Token    string        // The holder's token
	TTL      time.Duration // Remaining TTL
}

// LockAdmin provides operator utilities for inspecting and cleaning up
// leases on a single endpoint: stuck creations, crashed holders, leases
// that somehow lost their TTL.
type LockAdmin struct {
	redis   *redis.Client
	logger  Logger
	metrics Metrics
}

// NewLockAdmin creates a lock administration utility.
func NewLockAdmin(client *redis.Client, logger Logger, metrics Metrics) *LockAdmin {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}

	return &LockAdmin{
		redis:   client,
		logger:  logger,
		metrics: metrics,
	}
}

// ListLeases returns all active leases on the endpoint.
func (la *LockAdmin) ListLeases(ctx context.Context) ([]LeaseInfo, error) {
	if la.redis == nil {
		return nil, fmt.Errorf("redis not available")
	}

	var leases []LeaseInfo
	var cursor uint64

	for {
		var keys []string
		var err error
		keys, cursor, err = la.redis.Scan(ctx, cursor, "lock:*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan lease keys: %w", err)
		}

		for _, key := range keys {
			ttl, err := la.redis.TTL(ctx, key).Result()
			if err != nil {
				la.logger.Warn("failed to get TTL for lease", "key", key, "error", err)
				continue
			}
			if ttl == -2 {
				// Expired between SCAN and TTL.
				continue
			}

			token, err := la.redis.Get(ctx, key).Result()
			if err != nil {
				la.logger.Warn("failed to get token for lease", "key", key, "error", err)
				continue
			}

			leases = append(leases, LeaseInfo{
				Resource: strings.TrimPrefix(key, "lock:"),
				LockKey:  key,
				Token:    token,
				TTL:      ttl,
			})
		}

		if cursor == 0 {
			break
		}
	}

	la.metrics.Gauge(MetricLockActive, float64(len(leases)))
	return leases, nil
}

// GetLeaseInfo retrieves information about the lease on a specific resource.
func (la *LockAdmin) GetLeaseInfo(ctx context.Context, resource string) (*LeaseInfo, error) {
	if la.redis == nil {
		return nil, fmt.Errorf("redis not available")
	}

	key := lockKey(resource)

	token, err := la.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, ErrLockNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lease token: %w", err)
	}

	ttl, err := la.redis.TTL(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get TTL: %w", err)
	}

	return &LeaseInfo{
		Resource: resource,
		LockKey:  key,
		Token:    token,
		TTL:      ttl,
	}, nil
}

// ForceRelease forcefully releases the lease on a resource, regardless of
// holder. Only for operator intervention when the holder is known dead.
func (la *LockAdmin) ForceRelease(ctx context.Context, resource string) error {
	if la.redis == nil {
		return fmt.Errorf("redis not available")
	}

	deleted, err := la.redis.Del(ctx, lockKey(resource)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete lease: %w", err)
	}
	if deleted == 0 {
		return ErrLockNotFound
	}

	la.logger.Info("forcefully released lease", "resource", resource)
	la.metrics.Increment(MetricLockForced)
	return nil
}

// CleanupPersistentLeases removes leases that have no expiry. Every lease is
// acquired with a TTL, so a persistent one means a crashed migration or a
// manual SET; left alone it would block its resource forever.
func (la *LockAdmin) CleanupPersistentLeases(ctx context.Context) (int, error) {
	leases, err := la.ListLeases(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, lease := range leases {
		if lease.TTL != -1 {
			continue
		}

		deleted, err := la.redis.Del(ctx, lease.LockKey).Result()
		if err != nil {
			la.logger.Warn("failed to delete persistent lease",
				"resource", lease.Resource,
				"error", err,
			)
			continue
		}
		if deleted > 0 {
			removed++
			la.logger.Info("removed persistent lease", "resource", lease.Resource)
			la.metrics.Increment(MetricLockOrphaned)
		}
	}

	return removed, nil
}
