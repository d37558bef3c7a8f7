package ratelimit_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/nulpointcorp/apirelay/internal/kv"
	"github.com/nulpointcorp/apirelay/internal/ratelimit"
	"github.com/nulpointcorp/apirelay/pkg/relayerr"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, func() {
		client.Close()
		mr.Close()
	}
}

func TestWindowLimiter_AllowsUnderLimit(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	const limit = 10
	limiter := ratelimit.NewWindowLimiter(kv.New(rdb))
	ctx := context.Background()

	for i := 0; i < limit; i++ {
		err := limiter.CheckAndReserve(ctx, "key-1", 60, limit)
		if err != nil {
			t.Fatalf("unexpected error at iteration %d: %v", i, err)
		}
	}
}

func TestWindowLimiter_BlocksOverLimit(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	const limit = 3
	limiter := ratelimit.NewWindowLimiter(kv.New(rdb))
	ctx := context.Background()

	for i := 0; i < limit; i++ {
		err := limiter.CheckAndReserve(ctx, "key-1", 60, limit)
		if err != nil {
			t.Fatalf("unexpected error at iteration %d: %v", i, err)
		}
	}

	// The (limit+1)th request must be blocked.
	err := limiter.CheckAndReserve(ctx, "key-1", 60, limit)
	re, ok := relayerr.As(err)
	if !ok {
		t.Fatalf("expected a relayerr.Error after limit exceeded, got %v", err)
	}
	if re.Kind != relayerr.RateLimited {
		t.Errorf("kind = %s, want %s after limit exceeded", re.Kind, relayerr.RateLimited)
	}
}

func TestWindowLimiter_FailsWhenRedisDown(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	// Close Redis before making any calls — admission must fail the request.
	cleanup()

	limiter := ratelimit.NewWindowLimiter(kv.New(rdb))
	ctx := context.Background()

	err := limiter.CheckAndReserve(ctx, "key-1", 60, 5)
	re, ok := relayerr.As(err)
	if !ok {
		t.Fatalf("expected a relayerr.Error when Redis is unavailable, got %v", err)
	}
	if re.Kind != relayerr.StoreUnavailable {
		t.Errorf("kind = %s, want %s when Redis is unavailable", re.Kind, relayerr.StoreUnavailable)
	}
}
