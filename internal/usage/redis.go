// Package usage provides a Redis-backed daily AI usage counter for
// deployments that keep hot counters out of Postgres.
package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"reviewdesk/internal/types"
)

// Config configures a RedisCounter.
type Config struct {
	KeyPrefix string
	// TTL bounds how long a day's counter survives. It must exceed one day so
	// a counter read near midnight is not expired early.
	TTL time.Duration
}

// DefaultConfig returns the counter settings used in production.
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "reviewdesk:ai:",
		TTL:       48 * time.Hour,
	}
}

// RedisCounter implements billing.UsageCounter with one INCR key per
// account and UTC day.
type RedisCounter struct {
	client redis.UniversalClient
	config Config
}

// NewRedisCounter creates a RedisCounter. The client can be *redis.Client,
// *redis.ClusterClient or *redis.Ring.
func NewRedisCounter(client redis.UniversalClient, config Config) (*RedisCounter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	defaults := DefaultConfig()
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaults.KeyPrefix
	}
	if config.TTL <= 24*time.Hour {
		config.TTL = defaults.TTL
	}
	return &RedisCounter{client: client, config: config}, nil
}

// DailyAIUsage returns the count for day, zero when the key does not exist.
func (c *RedisCounter) DailyAIUsage(ctx context.Context, accountID string, day time.Time) (int, error) {
	n, err := c.client.Get(ctx, c.key(accountID, day)).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to read AI usage", err)
	}
	return n, nil
}

// IncrementAIUsage adds one to the day's counter and refreshes its TTL in a
// single transaction.
func (c *RedisCounter) IncrementAIUsage(ctx context.Context, accountID string, day time.Time) (int, error) {
	key := c.key(accountID, day)

	var incr *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, c.config.TTL)
		return nil
	})
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to record AI usage", err)
	}
	return int(incr.Val()), nil
}

// releaseScript decrements a counter without letting it go below zero or
// recreating an expired key.
var releaseScript = redis.NewScript(`
local v = tonumber(redis.call('GET', KEYS[1]) or '0')
if v > 0 then
	return redis.call('DECR', KEYS[1])
end
return 0
`)

// DecrementAIUsage releases one reserved generation.
func (c *RedisCounter) DecrementAIUsage(ctx context.Context, accountID string, day time.Time) error {
	if err := releaseScript.Run(ctx, c.client, []string{c.key(accountID, day)}).Err(); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release AI usage", err)
	}
	return nil
}

// Ping checks connectivity for health checks.
func (c *RedisCounter) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCounter) key(accountID string, day time.Time) string {
	return c.config.KeyPrefix + accountID + ":" + day.UTC().Format(time.DateOnly)
}
