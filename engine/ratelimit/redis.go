// Copyright 2025 ConvoFlow Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"convoflow/platform/shared/logger"
)

// RedisLimiter is the distributed fixed-window implementation for
// multi-instance deployments. The bucket key embeds the calendar minute, so
// INCR on the key is the whole window bookkeeping; the key expires shortly
// after its minute ends.
//
// On Redis errors the limiter fails open: refusing every turn during a
// Redis outage would be worse than briefly exceeding a tenant's budget.
type RedisLimiter struct {
	client *redis.Client
	log    *logger.Logger
}

// NewRedisLimiter connects to Redis using a redis:// URL and verifies the
// connection.
func NewRedisLimiter(redisURL string, log *logger.Logger) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if log == nil {
		log = logger.New("ratelimit")
	}
	return &RedisLimiter{client: client, log: log}, nil
}

// NewRedisLimiterWithClient wraps an existing client. Used by tests with
// miniredis.
func NewRedisLimiterWithClient(client *redis.Client, log *logger.Logger) *RedisLimiter {
	if log == nil {
		log = logger.New("ratelimit")
	}
	return &RedisLimiter{client: client, log: log}
}

// TryConsume atomically increments the minute bucket and refuses once the
// limit is exceeded.
func (l *RedisLimiter) TryConsume(ctx context.Context, tenantID, conversationID string, limitPerMinute int) bool {
	if limitPerMinute <= 0 {
		return true
	}

	minute := time.Now().Truncate(time.Minute).Unix()
	key := fmt.Sprintf("ratelimit:%s:%s:%d", tenantID, conversationID, minute)

	pipe := l.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		l.log.Warn(tenantID, conversationID, "redis rate limit check failed, failing open", map[string]interface{}{
			"error": err.Error(),
		})
		return true
	}

	return incr.Val() <= int64(limitPerMinute)
}

// Flush removes all rate limit buckets for a tenant. Administrative
// operation.
func (l *RedisLimiter) Flush(ctx context.Context, tenantID string) error {
	pattern := fmt.Sprintf("ratelimit:%s:*", tenantID)

	iter := l.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if err := l.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("failed to flush rate limit key %s: %w", iter.Val(), err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan rate limit keys: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
