package index_test

import (
	"context"
	"regexp"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/nulpointcorp/apirelay/internal/index"
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

func TestGetAllIDsReturnsFromIndexSetWithoutScanning(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	idx := index.New(store, "usage:daily:index:2026-07-31")
	if err := idx.Add(ctx, "key-1"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	ids, err := idx.GetAllIDs(ctx, "usage:daily:*:2026-07-31", regexp.MustCompile(`usage:daily:(.+):2026-07-31`))
	if err != nil {
		t.Fatalf("GetAllIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != "key-1" {
		t.Fatalf("GetAllIDs = %v, want [key-1]", ids)
	}
}

func TestGetAllIDsFallsBackToScanAndRebuildsIndex(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	// Simulate data written without the index having been maintained.
	if err := store.Set(ctx, "usage:daily:key-9:2026-07-31", "1", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	idx := index.New(store, "usage:daily:index:2026-07-31")
	ids, err := idx.GetAllIDs(ctx, "usage:daily:*:2026-07-31", regexp.MustCompile(`usage:daily:(.+):2026-07-31`))
	if err != nil {
		t.Fatalf("GetAllIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != "key-9" {
		t.Fatalf("GetAllIDs = %v, want [key-9]", ids)
	}

	members, err := idx.Members(ctx)
	if err != nil {
		t.Fatalf("Members: %v", err)
	}
	if len(members) != 1 || members[0] != "key-9" {
		t.Fatalf("index was not rebuilt: %v", members)
	}
}

func TestGetAllIDsSetsEmptyMarkerWhenNothingFound(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	idx := index.New(store, "usage:daily:index:2099-01-01")
	ids, err := idx.GetAllIDs(ctx, "usage:daily:*:2099-01-01", regexp.MustCompile(`usage:daily:(.+):2099-01-01`))
	if err != nil {
		t.Fatalf("GetAllIDs: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("GetAllIDs = %v, want empty", ids)
	}

	marker, ok, err := store.Get(ctx, "usage:daily:index:2099-01-01:empty")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || marker != "1" {
		t.Fatal("expected empty marker to be set")
	}
}

func TestAddClearsEmptyMarker(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	idx := index.New(store, "usage:daily:index:2026-08-01")
	if err := store.Set(ctx, "usage:daily:index:2026-08-01:empty", "1", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if err := idx.Add(ctx, "key-1"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	_, ok, err := store.Get(ctx, "usage:daily:index:2026-08-01:empty")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected empty marker to be cleared by Add")
	}
}
