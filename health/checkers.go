package health

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Pinger is implemented by the broker and by every store
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker is unhealthy when Ping fails
type PingChecker struct {
	name   string
	pinger Pinger
}

// NewPingChecker checks p under name
func NewPingChecker(name string, p Pinger) *PingChecker {
	return &PingChecker{name: name, pinger: p}
}

func (c *PingChecker) Name() string { return c.name }

func (c *PingChecker) Check(ctx context.Context) CheckResult {
	return timed(func(res *CheckResult) {
		if err := c.pinger.Ping(ctx); err != nil {
			res.Status = StatusUnhealthy
			res.Message = "ping failed"
			res.Error = err.Error()
			return
		}
		res.Status = StatusHealthy
		res.Message = "reachable"
	})
}

// RedisChecker sends PING
type RedisChecker struct {
	client redis.UniversalClient
}

// NewRedisChecker checks client
func NewRedisChecker(client redis.UniversalClient) *RedisChecker {
	return &RedisChecker{client: client}
}

func (c *RedisChecker) Name() string { return "redis" }

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	return timed(func(res *CheckResult) {
		pong, err := c.client.Ping(ctx).Result()
		if err != nil {
			res.Status = StatusUnhealthy
			res.Message = "ping failed"
			res.Error = err.Error()
			return
		}
		res.Status = StatusHealthy
		res.Message = pong
	})
}

// BacklogSource reports pending outbox records per partition
type BacklogSource interface {
	Backlog(ctx context.Context) (map[string]int, error)
}

// BacklogChecker degrades once the outbox backlog exceeds a threshold
type BacklogChecker struct {
	source    BacklogSource
	threshold int
}

// NewBacklogChecker degrades above threshold pending records
func NewBacklogChecker(source BacklogSource, threshold int) *BacklogChecker {
	return &BacklogChecker{source: source, threshold: threshold}
}

func (c *BacklogChecker) Name() string { return "outbox_backlog" }

func (c *BacklogChecker) Check(ctx context.Context) CheckResult {
	return timed(func(res *CheckResult) {
		backlog, err := c.source.Backlog(ctx)
		if err != nil {
			res.Status = StatusUnhealthy
			res.Message = "backlog unavailable"
			res.Error = err.Error()
			return
		}

		total, deepest, deepestKey := 0, 0, ""
		for key, n := range backlog {
			total += n
			if n > deepest || (n == deepest && key < deepestKey) {
				deepest, deepestKey = n, key
			}
		}
		res.Details["pending"] = total
		res.Details["partitions"] = len(backlog)
		if deepestKey != "" {
			res.Details["deepestPartition"] = deepestKey
			res.Details["deepestPending"] = deepest
		}

		if c.threshold > 0 && total > c.threshold {
			res.Status = StatusDegraded
			res.Message = fmt.Sprintf("%d pending records exceed threshold %d", total, c.threshold)
			return
		}
		res.Status = StatusHealthy
		res.Message = fmt.Sprintf("%d pending records", total)
	})
}

func timed(fn func(res *CheckResult)) CheckResult {
	start := time.Now()
	res := CheckResult{Timestamp: start, Details: make(map[string]any)}
	fn(&res)
	res.Duration = time.Since(start)
	res.Details["responseTimeMs"] = res.Duration.Milliseconds()
	return res
}
