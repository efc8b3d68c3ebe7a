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
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func TestMemoryLimiterAllowsThenBlocks(t *testing.T) {
	limiter := NewMemoryLimiter(3)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ok, err := limiter.Allow(ctx, "client-1")
		if err != nil || !ok {
			t.Fatalf("request %d should be allowed (ok=%t err=%v)", i+1, ok, err)
		}
	}
	ok, err := limiter.Allow(ctx, "client-1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("fourth request in the window should be blocked")
	}
	// A different client has its own bucket.
	ok, _ = limiter.Allow(ctx, "client-2")
	if !ok {
		t.Fatal("other clients should not share the bucket")
	}
}

func TestRedisLimiterAllowsThenBlocks(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter := &redisLimiter{
		client: redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		limit:  2,
		window: time.Minute,
	}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		ok, err := limiter.Allow(ctx, "did:noot:req")
		if err != nil || !ok {
			t.Fatalf("request %d should be allowed (ok=%t err=%v)", i+1, ok, err)
		}
	}
	ok, err := limiter.Allow(ctx, "did:noot:req")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("third request should be blocked")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := rateLimitMiddleware(NewMemoryLimiter(1), next)

	req := httptest.NewRequest("GET", "/v1/workflows/x", nil)
	req.RemoteAddr = "10.1.2.3:4455"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: status %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status %d, want 429", rec.Code)
	}
}
