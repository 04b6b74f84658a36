package stockd

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

// Clock drift budget per the Redlock paper: a fraction of the TTL plus a
// small constant for process pauses around the SET call.
const (
	redlockDriftFactor = 0.01
	redlockDriftFloor  = 2 * time.Millisecond
)

// redlockNode is one independent Redis endpoint with its own circuit breaker,
// so a dead endpoint fails fast instead of consuming the validity window.
type redlockNode struct {
	client  *redis.Client
	breaker *CircuitBreaker
}

func (n *redlockNode) do(ctx context.Context, fn func() error) error {
	return n.breaker.Execute(ctx, fn)
}

// Redlock coordinates a lease and the stock counters across N independent,
// non-replicating Redis endpoints. A majority (⌊N/2⌋+1) must agree for a
// lease to be held or a decrement to commit; the lock survives the loss of
// any ⌊N/2⌋ endpoints.
//
// Redlock implements both StockCounter and StockGuard, so the purchase saga
// is identical for single-endpoint and quorum deployments.
type Redlock struct {
	nodes         []*redlockNode
	ttl           time.Duration
	retryAttempts int
	retryDelay    time.Duration
	logger        Logger
	metrics       Metrics
}

// NewRedlock creates a quorum lock/counter coordinator over the given
// endpoint clients. Typical N is 5.
func NewRedlock(clients []*redis.Client, cfg *Config, logger Logger, metrics Metrics) *Redlock {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}

	nodes := make([]*redlockNode, 0, len(clients))
	for _, c := range clients {
		nodes = append(nodes, &redlockNode{
			client:  c,
			breaker: NewCircuitBreaker(5, 30*time.Second),
		})
	}

	return &Redlock{
		nodes:         nodes,
		ttl:           cfg.LockTTL,
		retryAttempts: cfg.RetryAttempts,
		retryDelay:    cfg.RetryDelay,
		logger:        logger,
		metrics:       metrics,
	}
}

// Quorum returns the majority threshold for the configured endpoints.
func (r *Redlock) Quorum() int {
	return len(r.nodes)/2 + 1
}

// drift returns the clock drift budget for the configured TTL.
func (r *Redlock) drift() time.Duration {
	return time.Duration(float64(r.ttl)*redlockDriftFactor) + redlockDriftFloor
}

// Acquire runs the quorum acquisition protocol with bounded retry:
// one token, parallel conditional-set on every endpoint, success iff a
// majority accepted and the elapsed wall time left a usable validity window.
// On a failed round every endpoint is released before the next attempt.
func (r *Redlock) Acquire(ctx context.Context, resource string) (*Lease, error) {
	var lease *Lease
	backoff := retry.WithMaxRetries(uint64(r.retryAttempts-1), retry.NewConstant(r.retryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		l, err := r.acquireOnce(ctx, resource)
		if err != nil {
			if IsRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		lease = l
		return nil
	})

	if err != nil {
		r.metrics.Increment(MetricLockFailed)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, WithContext(ErrLockAcquisition, map[string]interface{}{
			"resource": resource,
			"quorum":   r.Quorum(),
			"nodes":    len(r.nodes),
		})
	}

	r.metrics.Increment(MetricRedlockAcquired)
	return lease, nil
}

func (r *Redlock) acquireOnce(ctx context.Context, resource string) (*Lease, error) {
	token := uuid.NewString()
	start := time.Now()

	acquired := make([]bool, len(r.nodes))
	g, gctx := errgroup.WithContext(ctx)
	for i, node := range r.nodes {
		i, node := i, node
		g.Go(func() error {
			err := node.do(gctx, func() error {
				ok, err := node.client.SetNX(gctx, lockKey(resource), token, r.ttl).Result()
				if err != nil {
					return err
				}
				acquired[i] = ok
				return nil
			})
			if err != nil {
				r.metrics.Increment(MetricRedlockNodeError)
				r.logger.Debug("redlock node acquire error", "node", i, "error", err)
			}
			// Per-node failures never abort the round; the quorum count decides.
			return nil
		})
	}
	_ = g.Wait()

	count := 0
	for _, ok := range acquired {
		if ok {
			count++
		}
	}

	elapsed := time.Since(start)
	validity := r.ttl - elapsed - r.drift()

	if count < r.Quorum() || validity <= 0 {
		// Not ours: undo the endpoints that did accept.
		r.releaseToken(resource, token)
		r.metrics.Increment(MetricRedlockQuorumFailed, "phase", "acquire")
		return nil, WithContext(ErrQuorumNotReached, map[string]interface{}{
			"resource": resource,
			"acquired": count,
			"quorum":   r.Quorum(),
			"validity": validity,
		})
	}

	return &Lease{
		Resource:   resource,
		Token:      token,
		AcquiredAt: start,
		TTL:        r.ttl,
		ValidUntil: start.Add(validity),
	}, nil
}

// Release issues the owner-verified delete on every endpoint, swallowing
// per-endpoint errors. Best-effort by design: unreachable endpoints let
// their lease entries expire via TTL.
func (r *Redlock) Release(lease *Lease) {
	if lease == nil {
		return
	}
	r.releaseToken(lease.Resource, lease.Token)
	r.metrics.Increment(MetricLockReleased)
}

func (r *Redlock) releaseToken(resource, token string) {
	cleanupCtx := context.Background()

	var wg sync.WaitGroup
	for _, node := range r.nodes {
		node := node
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = node.do(cleanupCtx, func() error {
				return releaseScript.Run(cleanupCtx, node.client, []string{lockKey(resource)}, token).Err()
			})
		}()
	}
	wg.Wait()
}

// Seed sets the counter on every endpoint iff absent; true when a majority
// of endpoints created it.
func (r *Redlock) Seed(ctx context.Context, productID, quantity int64) (bool, error) {
	created := make([]bool, len(r.nodes))
	g, gctx := errgroup.WithContext(ctx)
	for i, node := range r.nodes {
		i, node := i, node
		g.Go(func() error {
			_ = node.do(gctx, func() error {
				ok, err := node.client.SetNX(gctx, stockKey(productID), quantity, 0).Result()
				if err != nil {
					return err
				}
				created[i] = ok
				return nil
			})
			return nil
		})
	}
	_ = g.Wait()

	count := 0
	for _, ok := range created {
		if ok {
			count++
		}
	}

	if count > 0 && count >= r.Quorum() {
		r.metrics.Increment(MetricStockSeeded)
		return true, nil
	}
	return false, nil
}

// Read polls every endpoint, ignoring per-endpoint failures. When the number
// of responders reaches quorum it returns the plurality value; otherwise no
// trustworthy value exists and ok is false.
func (r *Redlock) Read(ctx context.Context, productID int64) (int64, bool, error) {
	values := make([]int64, len(r.nodes))
	responded := make([]bool, len(r.nodes))

	g, gctx := errgroup.WithContext(ctx)
	for i, node := range r.nodes {
		i, node := i, node
		g.Go(func() error {
			_ = node.do(gctx, func() error {
				val, err := node.client.Get(gctx, stockKey(productID)).Result()
				if err == redis.Nil {
					return nil
				}
				if err != nil {
					return err
				}
				n, err := strconv.ParseInt(val, 10, 64)
				if err != nil {
					return err
				}
				values[i] = n
				responded[i] = true
				return nil
			})
			return nil
		})
	}
	_ = g.Wait()

	var present []int64
	for i, ok := range responded {
		if ok {
			present = append(present, values[i])
		}
	}

	if len(present) < r.Quorum() {
		return 0, false, nil
	}
	return plurality(present), true, nil
}

// Increment adds quantity on every endpoint and returns the plurality of the
// resulting values. Used by seed repair and purchase compensation.
func (r *Redlock) Increment(ctx context.Context, productID, quantity int64) (int64, error) {
	values := make([]int64, len(r.nodes))
	succeeded := make([]bool, len(r.nodes))

	g, gctx := errgroup.WithContext(ctx)
	for i, node := range r.nodes {
		i, node := i, node
		g.Go(func() error {
			_ = node.do(gctx, func() error {
				val, err := node.client.IncrBy(gctx, stockKey(productID), quantity).Result()
				if err != nil {
					return err
				}
				values[i] = val
				succeeded[i] = true
				return nil
			})
			return nil
		})
	}
	_ = g.Wait()

	var present []int64
	for i, ok := range succeeded {
		if ok {
			present = append(present, values[i])
		}
	}

	if len(present) < r.Quorum() {
		return 0, WithContext(ErrQuorumNotReached, map[string]interface{}{
			"operation":  "increment",
			"product_id": productID,
			"responders": len(present),
			"quorum":     r.Quorum(),
		})
	}

	r.metrics.Increment(MetricStockIncrement)
	return plurality(present), nil
}

// GuardedDecrement acquires the quorum lease, runs the conditional decrement
// on every endpoint, and commits iff a majority decremented AND the lease is
// still within its validity window at the end of the critical section. The
// end-of-section re-check closes the clock-drift hole: without it, a round
// that stalled past the TTL could commit alongside a second holder.
//
// On a failed round the decrement is compensated with an increment on exactly
// the endpoints that decremented; endpoints that rejected the decrement keep
// their counters untouched.
func (r *Redlock) GuardedDecrement(ctx context.Context, productID, quantity int64) (DecrementOutcome, error) {
	lease, err := r.Acquire(ctx, stockLockResource(productID))
	if err != nil {
		return DecrementOutcome{}, err
	}
	defer r.Release(lease)

	codes := make([]int64, len(r.nodes))
	responded := make([]bool, len(r.nodes))

	g, gctx := errgroup.WithContext(ctx)
	for i, node := range r.nodes {
		i, node := i, node
		g.Go(func() error {
			_ = node.do(gctx, func() error {
				code, err := decrementScript.Run(gctx, node.client, []string{stockKey(productID)}, quantity).Int64()
				if err != nil {
					return err
				}
				codes[i] = code
				responded[i] = true
				return nil
			})
			return nil
		})
	}
	_ = g.Wait()

	decremented := make([]*redlockNode, 0, len(r.nodes))
	var remainders []int64
	insufficient, missing := 0, 0
	for i, ok := range responded {
		if !ok {
			continue
		}
		switch {
		case codes[i] >= 0:
			decremented = append(decremented, r.nodes[i])
			remainders = append(remainders, codes[i])
		case codes[i] == decrementInsufficient:
			insufficient++
		case codes[i] == decrementMissing:
			missing++
		}
	}

	if len(decremented) >= r.Quorum() && lease.Valid(time.Now()) {
		r.metrics.Increment(MetricStockDecrement)
		return DecrementOutcome{Status: DecrementOK, Remaining: plurality(remainders)}, nil
	}

	// Failed round: restore the endpoints we actually changed.
	if len(decremented) > 0 {
		r.rollbackDecrement(decremented, productID, quantity)
	}

	if !lease.Valid(time.Now()) {
		r.metrics.Increment(MetricRedlockExpired)
		return DecrementOutcome{}, WithContext(ErrQuorumNotReached, map[string]interface{}{
			"reason":     "lease validity expired during critical section",
			"product_id": productID,
		})
	}

	if missing >= r.Quorum() {
		r.metrics.Increment(MetricStockMissing)
		return DecrementOutcome{Status: DecrementMissing}, nil
	}
	if insufficient >= r.Quorum() {
		r.metrics.Increment(MetricStockInsufficient)
		return DecrementOutcome{Status: DecrementInsufficient}, nil
	}

	r.metrics.Increment(MetricRedlockQuorumFailed, "phase", "decrement")
	return DecrementOutcome{}, WithContext(ErrQuorumNotReached, map[string]interface{}{
		"operation":   "decrement",
		"product_id":  productID,
		"decremented": len(decremented),
		"quorum":      r.Quorum(),
	})
}

// rollbackDecrement restores the counters on the endpoints whose decrement
// succeeded in a round that missed quorum. Best-effort on a background
// context; counters on unreachable endpoints converge via later quorum
// writes.
func (r *Redlock) rollbackDecrement(nodes []*redlockNode, productID, quantity int64) {
	cleanupCtx := context.Background()
	r.metrics.Increment(MetricRedlockRollback)

	var wg sync.WaitGroup
	for _, node := range nodes {
		node := node
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := node.do(cleanupCtx, func() error {
				return node.client.IncrBy(cleanupCtx, stockKey(productID), quantity).Err()
			})
			if err != nil {
				r.logger.Warn("redlock decrement rollback failed",
					"product_id", productID,
					"quantity", quantity,
					"error", err,
				)
			}
		}()
	}
	wg.Wait()
}

// plurality returns the most frequent value; ties break toward the value
// seen first. Callers guarantee vals is non-empty.
func plurality(vals []int64) int64 {
	counts := make(map[int64]int, len(vals))
	best := vals[0]
	bestCount := 0
	for _, v := range vals {
		counts[v]++
		if counts[v] > bestCount {
			best = v
			bestCount = counts[v]
		}
	}
	return best
}

// String describes the deployment for logs.
func (r *Redlock) String() string {
	return fmt.Sprintf("redlock(n=%d, quorum=%d, ttl=%s)", len(r.nodes), r.Quorum(), r.ttl)
}
