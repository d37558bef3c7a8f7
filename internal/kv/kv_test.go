package kv_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nulpointcorp/apirelay/internal/kv"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*kv.Store, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kv.New(client)
	return store, func() {
		client.Close()
		mr.Close()
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.Set(ctx, "foo", "bar", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	v, ok, err := store.Get(ctx, "foo")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || v != "bar" {
		t.Fatalf("Get = (%q, %v), want (bar, true)", v, ok)
	}
}

func TestGetMissIsNotError(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	_, ok, err := store.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing key")
	}
}

func TestHashOps(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.HSet(ctx, "h", map[string]any{"a": "1", "b": "2"}); err != nil {
		t.Fatalf("HSet: %v", err)
	}
	m, err := store.HGetAll(ctx, "h")
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	if m["a"] != "1" || m["b"] != "2" {
		t.Fatalf("HGetAll = %v", m)
	}

	n, err := store.HIncrBy(ctx, "h", "c", 5)
	if err != nil {
		t.Fatalf("HIncrBy: %v", err)
	}
	if n != 5 {
		t.Fatalf("HIncrBy = %d, want 5", n)
	}
}

func TestChunkedScanFindsAllMatchingKeys(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		if err := store.Set(ctx, "prefix:"+string(rune('a'+i)), "v", 0); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	if err := store.Set(ctx, "other:key", "v", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	keys, err := store.ChunkedScan(ctx, "prefix:*")
	if err != nil {
		t.Fatalf("ChunkedScan: %v", err)
	}
	if len(keys) != 25 {
		t.Fatalf("ChunkedScan returned %d keys, want 25", len(keys))
	}
}

func TestScanAndProcessVisitsEveryKey(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := store.Set(ctx, "p:"+string(rune('a'+i)), "v", 0); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}

	seen := map[string]bool{}
	err := store.ScanAndProcess(ctx, "p:*", func(keys []string) error {
		for _, k := range keys {
			seen[k] = true
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ScanAndProcess: %v", err)
	}
	if len(seen) != 10 {
		t.Fatalf("visited %d keys, want 10", len(seen))
	}
}

func TestChunkedDeleteRemovesAll(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	ids := []string{"1", "2", "3"}
	for _, id := range ids {
		if err := store.Set(ctx, "item:"+id, "v", 0); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}

	err := store.ChunkedDelete(ctx, ids, func(id string) string { return "item:" + id })
	if err != nil {
		t.Fatalf("ChunkedDelete: %v", err)
	}

	n, err := store.Exists(ctx, "item:1", "item:2", "item:3")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if n != 0 {
		t.Fatalf("Exists = %d, want 0", n)
	}
}
