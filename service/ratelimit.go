// Copyright 2025 PolicyForge
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

package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// RateLimiter enforces a per-client sliding window. With Redis
// configured the window is shared across instances; without it, a
// per-process in-memory window is used. Redis failures fail open:
// degraded limiting beats refusing policy generations.
type RateLimiter struct {
	client         *redis.Client
	limitPerMinute int

	mu      sync.Mutex
	windows map[string]*localWindow
}

type localWindow struct {
	count     int
	resetTime time.Time
}

// NewRateLimiter creates a limiter. redisURL may be empty for the
// in-memory fallback.
func NewRateLimiter(redisURL string, limitPerMinute int) (*RateLimiter, error) {
	rl := &RateLimiter{
		limitPerMinute: limitPerMinute,
		windows:        make(map[string]*localWindow),
	}

	if redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		rl.client = redis.NewClient(opts)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rl.client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
	}

	return rl, nil
}

// Allow checks and records one request for the client. Returns false
// when the client exceeded its per-minute limit.
func (rl *RateLimiter) Allow(ctx context.Context, clientID string) bool {
	if rl.limitPerMinute <= 0 {
		return true
	}
	if rl.client == nil {
		return rl.allowLocal(clientID)
	}

	now := time.Now()
	key := fmt.Sprintf("ratelimit:%s", clientID)

	pipe := rl.client.Pipeline()

	// Sliding window: drop timestamps older than a minute, count the
	// remainder, record this request, and expire idle keys.
	minScore := now.Add(-time.Minute).Unix()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", minScore))
	pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, &redis.Z{
		Score:  float64(now.Unix()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe.Expire(ctx, key, 2*time.Minute)

	cmds, err := pipe.Exec(ctx)
	if err != nil {
		// Fail open on Redis errors
		return true
	}

	count := cmds[1].(*redis.IntCmd).Val()
	return count < int64(rl.limitPerMinute)
}

// allowLocal applies the in-memory fixed window used when Redis is not
// configured.
func (rl *RateLimiter) allowLocal(clientID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	w, ok := rl.windows[clientID]
	if !ok || now.After(w.resetTime) {
		rl.windows[clientID] = &localWindow{count: 1, resetTime: now.Add(time.Minute)}
		return true
	}

	w.count++
	return w.count <= rl.limitPerMinute
}

// Close releases the Redis connection pool.
func (rl *RateLimiter) Close() error {
	if rl.client != nil {
		return rl.client.Close()
	}
	return nil
}
