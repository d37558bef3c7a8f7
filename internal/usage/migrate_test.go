package usage_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nulpointcorp/apirelay/internal/calendar"
	"github.com/nulpointcorp/apirelay/internal/kv"
	"github.com/nulpointcorp/apirelay/internal/usage"
	"github.com/redis/go-redis/v9"
)

func newTestMigrator(t *testing.T) (*usage.Migrator, *usage.Accountant, *kv.Store, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kv.New(client)
	clock := calendar.New(0)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return usage.NewMigrator(store, clock, log), usage.New(store, clock, log, 5), store, func() {
		client.Close()
		mr.Close()
	}
}

func TestRebuildUsageIndexV2RepopulatesFromScan(t *testing.T) {
	mig, _, store, cleanup := newTestMigrator(t)
	defer cleanup()
	ctx := context.Background()

	// Simulate counters written before indices existed.
	if err := store.HSet(ctx, "usage:daily:key-1:2026-07-31", map[string]any{"requests": 1}); err != nil {
		t.Fatalf("HSet: %v", err)
	}
	if err := store.HSet(ctx, "usage:model:daily:claude-sonnet-4-5:2026-07-31", map[string]any{"requests": 1}); err != nil {
		t.Fatalf("HSet: %v", err)
	}
	if err := store.HSet(ctx, "usage:key-1:model:daily:claude-sonnet-4-5:2026-07-31", map[string]any{"requests": 1}); err != nil {
		t.Fatalf("HSet: %v", err)
	}

	if err := mig.RebuildUsageIndexV2(ctx); err != nil {
		t.Fatalf("RebuildUsageIndexV2: %v", err)
	}

	keyMembers, err := store.SMembers(ctx, "usage:daily:index:2026-07-31")
	if err != nil {
		t.Fatalf("SMembers: %v", err)
	}
	if len(keyMembers) != 1 || keyMembers[0] != "key-1" {
		t.Fatalf("key index = %v, want [key-1]", keyMembers)
	}

	modelMembers, err := store.SMembers(ctx, "usage:model:daily:index:2026-07-31")
	if err != nil {
		t.Fatalf("SMembers: %v", err)
	}
	if len(modelMembers) != 1 || modelMembers[0] != "claude-sonnet-4-5" {
		t.Fatalf("model index = %v, want [claude-sonnet-4-5]", modelMembers)
	}

	kmMembers, err := store.SMembers(ctx, "usage:keymodel:daily:index:2026-07-31")
	if err != nil {
		t.Fatalf("SMembers: %v", err)
	}
	if len(kmMembers) != 1 || kmMembers[0] != "key-1:claude-sonnet-4-5" {
		t.Fatalf("keymodel index = %v, want [key-1:claude-sonnet-4-5]", kmMembers)
	}
}

func TestRebuildUsageIndexV2IsIdempotent(t *testing.T) {
	mig, _, store, cleanup := newTestMigrator(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.HSet(ctx, "usage:daily:key-1:2026-07-31", map[string]any{"requests": 1}); err != nil {
		t.Fatalf("HSet: %v", err)
	}
	if err := mig.RebuildUsageIndexV2(ctx); err != nil {
		t.Fatalf("RebuildUsageIndexV2: %v", err)
	}

	// Remove the evidence; a second run must be a no-op (guarded by the marker).
	if err := store.Del(ctx, "usage:daily:key-1:2026-07-31"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if err := store.Del(ctx, "usage:daily:index:2026-07-31"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if err := mig.RebuildUsageIndexV2(ctx); err != nil {
		t.Fatalf("RebuildUsageIndexV2 (second run): %v", err)
	}

	n, err := store.Exists(ctx, "usage:daily:index:2026-07-31")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if n != 0 {
		t.Fatal("expected second run to be a no-op guarded by the migration marker")
	}
}

func TestAggregateAlltimeModelStatsSumsMonthlyBuckets(t *testing.T) {
	mig, _, store, cleanup := newTestMigrator(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.HSet(ctx, "usage:key-1:model:monthly:claude-sonnet-4-5:2026-06", map[string]any{"inputTokens": 10}); err != nil {
		t.Fatalf("HSet: %v", err)
	}
	if err := store.HSet(ctx, "usage:key-1:model:monthly:claude-sonnet-4-5:2026-07", map[string]any{"inputTokens": 5}); err != nil {
		t.Fatalf("HSet: %v", err)
	}

	if err := mig.AggregateAlltimeModelStats(ctx); err != nil {
		t.Fatalf("AggregateAlltimeModelStats: %v", err)
	}

	fields, err := store.HGetAll(ctx, "usage:key-1:model:alltime:claude-sonnet-4-5")
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	if fields["inputTokens"] != "15" {
		t.Fatalf("inputTokens = %q, want 15", fields["inputTokens"])
	}
}

func TestDeriveGlobalStatsSumsPerKeyTotals(t *testing.T) {
	mig, _, store, cleanup := newTestMigrator(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.HSet(ctx, "usage:key-1", map[string]any{"requests": 3, "inputTokens": 30}); err != nil {
		t.Fatalf("HSet: %v", err)
	}
	if err := store.HSet(ctx, "usage:key-2", map[string]any{"requests": 2, "inputTokens": 20}); err != nil {
		t.Fatalf("HSet: %v", err)
	}

	if err := mig.DeriveGlobalStats(ctx); err != nil {
		t.Fatalf("DeriveGlobalStats: %v", err)
	}

	fields, err := store.HGetAll(ctx, "usage:global:total")
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	if fields["requests"] != "5" {
		t.Fatalf("requests = %q, want 5", fields["requests"])
	}
	if fields["inputTokens"] != "50" {
		t.Fatalf("inputTokens = %q, want 50", fields["inputTokens"])
	}
}

func TestDeriveGlobalStatsSkipsWhenAlreadyPresent(t *testing.T) {
	mig, _, store, cleanup := newTestMigrator(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.HSet(ctx, "usage:global:total", map[string]any{"requests": 99}); err != nil {
		t.Fatalf("HSet: %v", err)
	}
	if err := store.HSet(ctx, "usage:key-1", map[string]any{"requests": 3}); err != nil {
		t.Fatalf("HSet: %v", err)
	}

	if err := mig.DeriveGlobalStats(ctx); err != nil {
		t.Fatalf("DeriveGlobalStats: %v", err)
	}

	fields, err := store.HGetAll(ctx, "usage:global:total")
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	if fields["requests"] != "99" {
		t.Fatalf("requests = %q, want unchanged 99", fields["requests"])
	}
}

func TestReconstructWeeklyClaudeCostSumsDailyOpusBuckets(t *testing.T) {
	mig, a, store, cleanup := newTestMigrator(t)
	defer cleanup()
	ctx := context.Background()

	// A Monday 00:00-reset key with one Opus request already recorded in its
	// daily per-model buckets. Reconstruction targets the period containing
	// the clock's current time, so the usage is recorded at that time too.
	now := time.Now()
	period := calendar.New(0).WeeklyResetPeriodString(now, 1, 0)
	err := a.IncrementTokenUsage(ctx, usage.TokenUsageParams{
		KeyID:           "key-1",
		Model:           "claude-opus-4-1-20250805",
		AccountType:     "claude-official",
		Delta:           usage.TokenDelta{InputTokens: 1},
		RatedCost:       2.0,
		WeeklyResetDay:  1,
		WeeklyResetHour: 0,
		Now:             now.Unix(),
	})
	if err != nil {
		t.Fatalf("IncrementTokenUsage: %v", err)
	}

	if err := store.Del(ctx, "usage:opus:weekly:key-1:"+period); err != nil {
		t.Fatalf("Del: %v", err)
	}

	err = mig.ReconstructWeeklyClaudeCost(ctx, []string{"key-1"}, map[string]usage.WeeklyReset{
		"key-1": {ResetDay: 1, ResetHour: 0},
	})
	if err != nil {
		t.Fatalf("ReconstructWeeklyClaudeCost: %v", err)
	}

	v, ok, err := store.Get(ctx, "usage:opus:weekly:key-1:"+period)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected weekly opus counter to be reconstructed")
	}
	if v != "2.000000" {
		t.Fatalf("weekly opus cost = %q, want 2.000000", v)
	}
}
