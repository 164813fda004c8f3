package health

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/statusnotify/internal/rabbitmq"
)

// ConnectionSource is the part of the connection manager a check needs
type ConnectionSource interface {
	IsConnected() bool
	Acquire(ctx context.Context) (rabbitmq.Connection, error)
}

// PoolStats is the part of the channel pool a check needs
type PoolStats interface {
	Idle() int
	Live() int
	MaxChannels() int
}

// ConnectionChecker reports the broker connection state
type ConnectionChecker struct {
	source  ConnectionSource
	connect bool
}

// NewConnectionChecker creates a connection checker. With connect set, a
// missing connection is acquired before reporting.
func NewConnectionChecker(source ConnectionSource, connect bool) *ConnectionChecker {
	return &ConnectionChecker{source: source, connect: connect}
}

func (c *ConnectionChecker) Name() string {
	return "rabbitmq"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]interface{}{},
	}

	connected := c.source.IsConnected()
	if !connected && c.connect {
		if _, err := c.source.Acquire(ctx); err != nil {
			result.Status = StatusUnhealthy
			result.Message = "connection unavailable"
			result.Error = err.Error()
			result.Details["retryable"] = rabbitmq.IsRetryable(err)
			result.Duration = time.Since(start)
			return result
		}
		connected = c.source.IsConnected()
	}

	result.Details["connected"] = connected
	if !connected {
		result.Status = StatusUnhealthy
		result.Message = "no open connection"
	} else {
		result.Status = StatusHealthy
		result.Message = "connection is open"
	}
	result.Duration = time.Since(start)
	return result
}

// ChannelPoolChecker reports pool occupancy. A capped pool at or above the
// degraded ratio is reported degraded.
type ChannelPoolChecker struct {
	pool          PoolStats
	degradedRatio float64
}

// NewChannelPoolChecker creates a pool checker degraded at 90% of the cap
func NewChannelPoolChecker(pool PoolStats) *ChannelPoolChecker {
	return &ChannelPoolChecker{pool: pool, degradedRatio: 0.9}
}

func (c *ChannelPoolChecker) Name() string {
	return "channel_pool"
}

func (c *ChannelPoolChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	idle, live, limit := c.pool.Idle(), c.pool.Live(), c.pool.MaxChannels()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Status:    StatusHealthy,
		Message:   "channel pool is healthy",
		Details: map[string]interface{}{
			"idle":         idle,
			"live":         live,
			"max_channels": limit,
		},
	}

	if limit > 0 && float64(live) >= c.degradedRatio*float64(limit) {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d of %d channels in use", live, limit)
	}
	result.Duration = time.Since(start)
	return result
}
