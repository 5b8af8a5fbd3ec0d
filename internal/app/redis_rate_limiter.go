/**
 * @description
 * Distributed rate limiting for the webhook ingress, backed by Redis. The counter
 * is shared across replicas so a chatty or misbehaving source is throttled
 * consistently no matter which instance receives the delivery.
 *
 * The limiter is optional: a nil limiter, a zero limit, or a Redis error all
 * fail open, because dropping legitimate rail traffic is worse than letting a
 * burst through.
 */

package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var webhookRateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisWebhookRateLimiter implements fixed-window rate limiting using Redis.
type RedisWebhookRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisWebhookRateLimiter creates a limiter with the given key prefix.
func NewRedisWebhookRateLimiter(client redis.UniversalClient, prefix string) *RedisWebhookRateLimiter {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "nyumbani:rate_limit"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisWebhookRateLimiter{
		client: client,
		prefix: trimmedPrefix,
	}
}

// Consume counts one request for the (scope, subject) pair and reports whether
// the window limit is exceeded, with the seconds remaining until the window
// resets. A nil limiter or non-positive limit permits everything.
func (r *RedisWebhookRateLimiter) Consume(
	ctx context.Context,
	scope string,
	subject string,
	limit int,
	window time.Duration,
) (exceeded bool, retryAfterSeconds int, err error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return false, 0, nil
	}

	normalizedScope := strings.TrimSpace(scope)
	normalizedSubject := strings.TrimSpace(subject)
	if normalizedScope == "" || normalizedSubject == "" {
		return false, 0, nil
	}

	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := fmt.Sprintf("%s:%s:%s", r.prefix, normalizedScope, normalizedSubject)
	rawResult, err := webhookRateLimitScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return false, 0, err
	}

	values, ok := rawResult.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, fmt.Errorf("unexpected rate limit script result: %v", rawResult)
	}
	count, ok := toInt64(values[0])
	if !ok {
		return false, 0, fmt.Errorf("unexpected rate limit count: %v", values[0])
	}
	ttlMs, ok := toInt64(values[1])
	if !ok {
		return false, 0, fmt.Errorf("unexpected rate limit ttl: %v", values[1])
	}

	if count <= int64(limit) {
		return false, 0, nil
	}
	return true, int(math.Ceil(float64(ttlMs) / 1000.0)), nil
}

func toInt64(v interface{}) (int64, bool) {
	switch value := v.(type) {
	case int64:
		return value, true
	case int:
		return int64(value), true
	default:
		return 0, false
	}
}
