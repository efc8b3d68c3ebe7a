// Copyright 2025 Nooterra
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

package coordinator

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// RateLimiter is the injected limiting capability: Allow reports whether one
// more request from key fits in the current window.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// redisLimiter counts requests per key per minute window with INCR+EXPIRE.
// Shared across coordinator replicas.
type redisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

func NewRedisLimiter(redisURL string, perMinute int) (RateLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("rate limiter: redis ping: %w", err)
	}
	log.Printf("[RateLimit] using redis limiter (%d/min)", perMinute)
	return &redisLimiter{client: client, limit: perMinute, window: time.Minute}, nil
}

func (l *redisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	bucket := fmt.Sprintf("ratelimit:%s:%d", key, time.Now().Unix()/int64(l.window.Seconds()))
	n, err := l.client.Incr(ctx, bucket).Result()
	if err != nil {
		return false, err
	}
	if n == 1 {
		l.client.Expire(ctx, bucket, l.window)
	}
	return n <= int64(l.limit), nil
}

// memoryLimiter is the single-process fallback when no Redis is configured.
type memoryLimiter struct {
	mu     sync.Mutex
	counts map[string]int
	epoch  int64
	limit  int
	window time.Duration
}

func NewMemoryLimiter(perMinute int) RateLimiter {
	return &memoryLimiter{
		counts: make(map[string]int),
		limit:  perMinute,
		window: time.Minute,
	}
}

func (l *memoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := time.Now().Unix() / int64(l.window.Seconds())
	l.mu.Lock()
	defer l.mu.Unlock()
	if now != l.epoch {
		l.epoch = now
		l.counts = make(map[string]int)
	}
	l.counts[key]++
	return l.counts[key] <= l.limit, nil
}

// rateLimitMiddleware rejects over-limit clients with 429. The key is the
// API key holder when present, else the client IP.
func rateLimitMiddleware(limiter RateLimiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("x-api-key")
		if key == "" {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			key = host
		}
		ok, err := limiter.Allow(r.Context(), key)
		if err != nil {
			// Limiter outages must not take the API down.
			log.Printf("[RateLimit] limiter error, allowing request: %v", err)
			ok = true
		}
		if !ok {
			requestsLimited.Inc()
			writeError(w, http.StatusTooManyRequests, "rate_limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}
