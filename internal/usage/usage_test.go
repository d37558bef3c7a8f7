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

func unixTime(unixSeconds int64) time.Time { return time.Unix(unixSeconds, 0) }

func newTestAccountant(t *testing.T) (*usage.Accountant, *kv.Store, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kv.New(client)
	clock := calendar.New(0)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return usage.New(store, clock, log, 5), store, func() {
		client.Close()
		mr.Close()
	}
}

// 2026-07-31T12:00:00Z
const testNow int64 = 1785499200

func TestIncrementTokenUsageWritesPerKeyTotals(t *testing.T) {
	a, store, cleanup := newTestAccountant(t)
	defer cleanup()
	ctx := context.Background()

	err := a.IncrementTokenUsage(ctx, usage.TokenUsageParams{
		KeyID:       "key-1",
		Model:       "claude-sonnet-4-5-20250929",
		Platform:    "anthropic",
		AccountID:   "acct-1",
		AccountType: "claude-official",
		RequestID:   "req-1",
		Delta: usage.TokenDelta{
			InputTokens:  100,
			OutputTokens: 200,
		},
		RealCost:  0.01,
		RatedCost: 0.012,
		Now:       testNow,
	})
	if err != nil {
		t.Fatalf("IncrementTokenUsage: %v", err)
	}

	fields, err := store.HGetAll(ctx, "usage:key-1")
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	if fields["inputTokens"] != "100" {
		t.Fatalf("inputTokens = %q, want 100", fields["inputTokens"])
	}
	if fields["outputTokens"] != "200" {
		t.Fatalf("outputTokens = %q, want 200", fields["outputTokens"])
	}
	if fields["allTokens"] != "300" {
		t.Fatalf("allTokens = %q, want 300", fields["allTokens"])
	}
	if fields["requests"] != "1" {
		t.Fatalf("requests = %q, want 1", fields["requests"])
	}
}

func TestIncrementTokenUsageAccumulatesAcrossCalls(t *testing.T) {
	a, store, cleanup := newTestAccountant(t)
	defer cleanup()
	ctx := context.Background()

	params := usage.TokenUsageParams{
		KeyID:       "key-1",
		Model:       "claude-sonnet-4-5-20250929",
		AccountType: "claude-official",
		Delta:       usage.TokenDelta{InputTokens: 10, OutputTokens: 10},
		Now:         testNow,
	}

	for i := 0; i < 3; i++ {
		if err := a.IncrementTokenUsage(ctx, params); err != nil {
			t.Fatalf("IncrementTokenUsage[%d]: %v", i, err)
		}
	}

	fields, err := store.HGetAll(ctx, "usage:key-1")
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	if fields["requests"] != "3" {
		t.Fatalf("requests = %q, want 3", fields["requests"])
	}
	if fields["inputTokens"] != "30" {
		t.Fatalf("inputTokens = %q, want 30", fields["inputTokens"])
	}
}

func TestIncrementTokenUsageWritesCostAggregatesAndRecord(t *testing.T) {
	a, store, cleanup := newTestAccountant(t)
	defer cleanup()
	ctx := context.Background()

	err := a.IncrementTokenUsage(ctx, usage.TokenUsageParams{
		KeyID:       "key-1",
		Model:       "gpt-5",
		AccountType: "openai",
		Delta:       usage.TokenDelta{InputTokens: 50},
		RealCost:    1.5,
		RatedCost:   2.0,
		Now:         testNow,
	})
	if err != nil {
		t.Fatalf("IncrementTokenUsage: %v", err)
	}

	v, ok, err := store.Get(ctx, "usage:cost:total:key-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || v != "2" {
		t.Fatalf("rated total cost = %q, ok=%v, want 2", v, ok)
	}

	real, ok, err := store.Get(ctx, "usage:cost:real:total:key-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || real != "1.5" {
		t.Fatalf("real total cost = %q, ok=%v, want 1.5", real, ok)
	}

	records, err := store.LRange(ctx, "usage:records:key-1", 0, -1)
	if err != nil {
		t.Fatalf("LRange: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
}

func TestIncrementTokenUsageSkipsOpusCounterForNonClaudeFamily(t *testing.T) {
	a, store, cleanup := newTestAccountant(t)
	defer cleanup()
	ctx := context.Background()

	err := a.IncrementTokenUsage(ctx, usage.TokenUsageParams{
		KeyID:       "key-1",
		Model:       "gpt-5",
		AccountType: "openai",
		Delta:       usage.TokenDelta{InputTokens: 50},
		RatedCost:   1.0,
		Now:         testNow,
	})
	if err != nil {
		t.Fatalf("IncrementTokenUsage: %v", err)
	}

	n, err := store.Exists(ctx, "usage:opus:total:key-1")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if n != 0 {
		t.Fatal("expected no opus counter for a non-Claude-family model")
	}
}

func TestIncrementTokenUsageTracksOpusCounterForEligibleAccount(t *testing.T) {
	a, store, cleanup := newTestAccountant(t)
	defer cleanup()
	ctx := context.Background()

	err := a.IncrementTokenUsage(ctx, usage.TokenUsageParams{
		KeyID:           "key-1",
		Model:           "claude-opus-4-1-20250805",
		AccountType:     "claude-console",
		Delta:           usage.TokenDelta{InputTokens: 50},
		RatedCost:       3.0,
		WeeklyResetDay:  1,
		WeeklyResetHour: 0,
		Now:             testNow,
	})
	if err != nil {
		t.Fatalf("IncrementTokenUsage: %v", err)
	}

	n, err := store.Exists(ctx, "usage:opus:total:key-1")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if n != 1 {
		t.Fatal("expected an opus counter for an eligible Claude-family request")
	}

	v, ok, err := store.Get(ctx, "usage:opus:total:key-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || v != "3" {
		t.Fatalf("opus total = %q, want 3", v)
	}
}

func TestIncrementTokenUsageMaintainsIndices(t *testing.T) {
	a, store, cleanup := newTestAccountant(t)
	defer cleanup()
	ctx := context.Background()
	clock := calendar.New(0)

	err := a.IncrementTokenUsage(ctx, usage.TokenUsageParams{
		KeyID: "key-1",
		Model: "claude-sonnet-4-5-20250929",
		Delta: usage.TokenDelta{InputTokens: 1},
		Now:   testNow,
	})
	if err != nil {
		t.Fatalf("IncrementTokenUsage: %v", err)
	}

	bucket := clock.DateString(clock.In(unixTime(testNow)))
	members, err := store.SMembers(ctx, "usage:daily:index:"+bucket)
	if err != nil {
		t.Fatalf("SMembers: %v", err)
	}
	if len(members) != 1 || members[0] != "key-1" {
		t.Fatalf("daily key index = %v, want [key-1]", members)
	}
}

func TestIncrementAccountUsageWritesTotals(t *testing.T) {
	a, store, cleanup := newTestAccountant(t)
	defer cleanup()
	ctx := context.Background()

	err := a.IncrementAccountUsage(ctx, usage.AccountUsageParams{
		AccountID: "acct-1",
		Model:     "claude-sonnet-4-5-20250929",
		Delta:     usage.TokenDelta{InputTokens: 7, OutputTokens: 3},
		Now:       testNow,
	})
	if err != nil {
		t.Fatalf("IncrementAccountUsage: %v", err)
	}

	fields, err := store.HGetAll(ctx, "account_usage:acct-1")
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	if fields["allTokens"] != "10" {
		t.Fatalf("allTokens = %q, want 10", fields["allTokens"])
	}
}
