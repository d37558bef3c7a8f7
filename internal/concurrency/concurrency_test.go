package concurrency_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nulpointcorp/apirelay/internal/concurrency"
	"github.com/nulpointcorp/apirelay/internal/kv"
	"github.com/redis/go-redis/v9"
)

func newTestManager(t *testing.T) (*concurrency.Manager, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kv.New(client)
	return concurrency.New(store), func() {
		client.Close()
		mr.Close()
	}
}

func TestAcquireReleaseLease(t *testing.T) {
	m, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()
	scope := concurrency.ActiveKeyScope("key-1")

	n, err := m.Acquire(ctx, scope, "req-1", 300)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}

	n, err = m.Acquire(ctx, scope, "req-2", 300)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}

	n, err = m.Release(ctx, scope, "req-1")
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if n != 1 {
		t.Fatalf("count after release = %d, want 1", n)
	}

	got, err := m.Get(ctx, scope)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != 1 {
		t.Fatalf("Get = %d, want 1", got)
	}
}

func TestReleaseIsIdempotentAndNotAMember(t *testing.T) {
	m, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()
	scope := concurrency.ActiveKeyScope("key-2")

	if _, err := m.Acquire(ctx, scope, "req-1", 300); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := m.Release(ctx, scope, "req-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	n, err := m.Get(ctx, scope)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if n != 0 {
		t.Fatalf("Get after release = %d, want 0", n)
	}
}

func TestRefreshLeaseFailsForUnknownRequest(t *testing.T) {
	m, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()
	scope := concurrency.ActiveKeyScope("key-3")

	ok, err := m.RefreshLease(ctx, scope, "never-acquired", 300)
	if err != nil {
		t.Fatalf("RefreshLease: %v", err)
	}
	if ok {
		t.Fatal("expected RefreshLease to fail for a request never acquired")
	}
}

func TestQueueEnterLeaveAndStats(t *testing.T) {
	m, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	n, err := m.QueueEnter(ctx, "key-4", 5*time.Second)
	if err != nil {
		t.Fatalf("QueueEnter: %v", err)
	}
	if n != 1 {
		t.Fatalf("queue depth = %d, want 1", n)
	}

	if err := m.RecordOutcome(ctx, "key-4", concurrency.StatSuccess, 42*time.Millisecond); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}

	stats, err := m.QueueStats(ctx, "key-4")
	if err != nil {
		t.Fatalf("QueueStats: %v", err)
	}
	if stats["entered"] != "1" || stats["success"] != "1" {
		t.Fatalf("stats = %v", stats)
	}

	if _, err := m.QueueLeave(ctx, "key-4"); err != nil {
		t.Fatalf("QueueLeave: %v", err)
	}
}

func TestAccountLockMutualExclusion(t *testing.T) {
	m, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	res, err := m.AcquireAccountLock(ctx, "acct-1", "req-a", time.Second, 0)
	if err != nil {
		t.Fatalf("AcquireAccountLock: %v", err)
	}
	if !res.Acquired {
		t.Fatal("expected first lock acquisition to succeed")
	}

	res2, err := m.AcquireAccountLock(ctx, "acct-1", "req-b", time.Second, 0)
	if err != nil {
		t.Fatalf("AcquireAccountLock: %v", err)
	}
	if res2.Acquired {
		t.Fatal("expected second acquisition to fail while held")
	}
	if res2.Wait != -time.Millisecond {
		t.Fatalf("Wait = %v, want -1ms (held by another request)", res2.Wait)
	}

	ok, err := m.ReleaseAccountLock(ctx, "acct-1", "req-a")
	if err != nil {
		t.Fatalf("ReleaseAccountLock: %v", err)
	}
	if !ok {
		t.Fatal("expected release to succeed for the owning request")
	}

	res3, err := m.AcquireAccountLock(ctx, "acct-1", "req-c", time.Second, 0)
	if err != nil {
		t.Fatalf("AcquireAccountLock: %v", err)
	}
	if !res3.Acquired {
		t.Fatal("expected acquisition to succeed after release")
	}
}

func TestAccountLockEnforcesMinDelay(t *testing.T) {
	m, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	res, _ := m.AcquireAccountLock(ctx, "acct-2", "req-a", time.Second, 0)
	if !res.Acquired {
		t.Fatal("expected acquisition")
	}
	if _, err := m.ReleaseAccountLock(ctx, "acct-2", "req-a"); err != nil {
		t.Fatalf("ReleaseAccountLock: %v", err)
	}

	res2, err := m.AcquireAccountLock(ctx, "acct-2", "req-b", time.Second, 10*time.Second)
	if err != nil {
		t.Fatalf("AcquireAccountLock: %v", err)
	}
	if res2.Acquired {
		t.Fatal("expected acquisition to be delayed by min-delay window")
	}
	if res2.Wait <= 0 {
		t.Fatalf("Wait = %v, want > 0", res2.Wait)
	}
}

func TestStickySessionSetLookupDelete(t *testing.T) {
	m, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	if err := m.StickySet(ctx, "sess-1", "acct-9", time.Hour); err != nil {
		t.Fatalf("StickySet: %v", err)
	}

	got, ok, err := m.StickyLookup(ctx, "sess-1")
	if err != nil {
		t.Fatalf("StickyLookup: %v", err)
	}
	if !ok || got != "acct-9" {
		t.Fatalf("StickyLookup = (%q, %v), want (acct-9, true)", got, ok)
	}

	if err := m.StickyDelete(ctx, "sess-1"); err != nil {
		t.Fatalf("StickyDelete: %v", err)
	}
	_, ok, err = m.StickyLookup(ctx, "sess-1")
	if err != nil {
		t.Fatalf("StickyLookup: %v", err)
	}
	if ok {
		t.Fatal("expected mapping to be gone after delete")
	}
}
