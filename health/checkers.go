package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/glimte/mmate-transit/messaging"
	"github.com/glimte/mmate-transit/transports/rabbitmq"
)

func newResult(name string) CheckResult {
	return CheckResult{Name: name, Timestamp: time.Now(), Details: make(map[string]any)}
}

func (r CheckResult) fail(status Status, message string, err error) CheckResult {
	r.Status = status
	r.Message = message
	if err != nil {
		r.Error = err.Error()
	}
	r.Duration = time.Since(r.Timestamp)
	return r
}

func (r CheckResult) ok(message string) CheckResult {
	r.Status = StatusHealthy
	r.Message = message
	r.Duration = time.Since(r.Timestamp)
	r.Details["response_time_ms"] = r.Duration.Milliseconds()
	return r
}

// RabbitMQChecker checks the broker connection by opening a channel and
// passively declaring a built-in exchange
type RabbitMQChecker struct {
	manager *rabbitmq.ConnectionManager
}

func NewRabbitMQChecker(manager *rabbitmq.ConnectionManager) *RabbitMQChecker {
	return &RabbitMQChecker{manager: manager}
}

func (c *RabbitMQChecker) Name() string {
	return "rabbitmq"
}

func (c *RabbitMQChecker) Check(context.Context) CheckResult {
	result := newResult(c.Name())

	conn, err := c.manager.GetConnection()
	if err != nil {
		return result.fail(StatusUnhealthy, "no connection", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		return result.fail(StatusUnhealthy, "failed to open channel", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclarePassive("amq.fanout", "fanout", true, false, false, false, nil); err != nil {
		return result.fail(StatusDegraded, "exchange check failed", err)
	}
	result.Details["connection_open"] = !conn.IsClosed()
	return result.ok("connection is healthy")
}

// ChannelPoolChecker checks that a publishing channel can be checked out
type ChannelPoolChecker struct {
	pool *rabbitmq.ChannelPool
}

func NewChannelPoolChecker(pool *rabbitmq.ChannelPool) *ChannelPoolChecker {
	return &ChannelPoolChecker{pool: pool}
}

func (c *ChannelPoolChecker) Name() string {
	return "channel_pool"
}

func (c *ChannelPoolChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name())
	result.Details["pool_size"] = c.pool.Size()

	ch, err := c.pool.Get(ctx)
	if err != nil {
		return result.fail(StatusUnhealthy, "failed to get channel from pool", err)
	}
	c.pool.Put(ch)
	return result.ok("channel pool is healthy")
}

// RedisChecker pings the server behind a redis client
type RedisChecker struct {
	client redis.UniversalClient
}

func NewRedisChecker(client redis.UniversalClient) *RedisChecker {
	return &RedisChecker{client: client}
}

func (c *RedisChecker) Name() string {
	return "redis"
}

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name())
	if err := c.client.Ping(ctx).Err(); err != nil {
		return result.fail(StatusUnhealthy, "ping failed", err)
	}
	return result.ok("server is reachable")
}

// BusChecker reports whether a bus is consuming
type BusChecker struct {
	bus *messaging.Bus
}

func NewBusChecker(bus *messaging.Bus) *BusChecker {
	return &BusChecker{bus: bus}
}

func (c *BusChecker) Name() string {
	return "bus"
}

func (c *BusChecker) Check(context.Context) CheckResult {
	result := newResult(c.Name())
	if !c.bus.Started() {
		return result.fail(StatusUnhealthy, "bus is not started", nil)
	}
	result.Details["endpoints"] = c.bus.ReceiveAddresses()
	return result.ok("bus is consuming")
}

// GoroutineChecker degrades and then fails as the goroutine count passes
// its thresholds. Every in-flight delivery holds at least one goroutine.
type GoroutineChecker struct {
	warning  int
	critical int
}

func NewGoroutineChecker(warning, critical int) *GoroutineChecker {
	return &GoroutineChecker{warning: warning, critical: critical}
}

func (c *GoroutineChecker) Name() string {
	return "goroutines"
}

func (c *GoroutineChecker) Check(context.Context) CheckResult {
	result := newResult(c.Name())
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()
	result.Details["goroutines"] = goroutines
	result.Details["memory_sys_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC

	switch {
	case c.critical > 0 && goroutines > c.critical:
		return result.fail(StatusUnhealthy, fmt.Sprintf("too many goroutines: %d", goroutines), nil)
	case c.warning > 0 && goroutines > c.warning:
		return result.fail(StatusDegraded, fmt.Sprintf("high goroutine count: %d", goroutines), nil)
	}
	return result.ok("goroutine count is normal")
}
