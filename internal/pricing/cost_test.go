package pricing

import (
	"math"
	"testing"
)

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func claudeSonnetTable() Table {
	return Table{
		"claude-sonnet-4-20250514": {
			InputCostPerToken:  3.0 / 1_000_000,
			OutputCostPerToken: 15.0 / 1_000_000,
		},
	}
}

func TestCalculate200KTierEntersAndBillsCacheOffEffectiveInput(t *testing.T) {
	table := claudeSonnetTable()

	req := Request{
		Model:         "claude-sonnet-4-20250514[1m]",
		AnthropicBeta: "",
		Usage: Usage{
			InputTokens:         150000,
			CacheCreationTokens: 60000,
			CacheReadTokens:     10000,
			OutputTokens:        5000,
		},
	}

	b := Calculate(table, req, nil)

	if !b.IsLongContextRequest {
		t.Fatal("expected IsLongContextRequest = true")
	}

	basePrice := table["claude-sonnet-4-20250514"].InputCostPerToken
	effectiveInput := basePrice * 2 // no *_above_200k field present → 2x base fallback

	wantInput := float64(150000) * effectiveInput
	if !approxEqual(b.Input, wantInput) {
		t.Fatalf("Input = %v, want %v", b.Input, wantInput)
	}

	wantCacheWrite := float64(60000) * (effectiveInput * 1.25)
	if !approxEqual(b.CacheWrite, wantCacheWrite) {
		t.Fatalf("CacheWrite = %v, want %v", b.CacheWrite, wantCacheWrite)
	}

	wantCacheRead := float64(10000) * (effectiveInput * 0.1)
	if !approxEqual(b.CacheRead, wantCacheRead) {
		t.Fatalf("CacheRead = %v, want %v", b.CacheRead, wantCacheRead)
	}
}

func TestCalculateFastModeMultipliesInputOutputNotCache(t *testing.T) {
	table := claudeSonnetTable()
	entry := table["claude-sonnet-4-20250514"]
	entry.ProviderSpecific.Fast = 6
	table["claude-sonnet-4-20250514"] = entry

	req := Request{
		Model:         "claude-sonnet-4-20250514",
		AnthropicBeta: "fast-mode-2026-02-01",
		Speed:         "fast",
		Usage: Usage{
			InputTokens:     1000,
			OutputTokens:    1000,
			CacheReadTokens: 1000,
		},
	}

	b := Calculate(table, req, nil)

	basePrice := entry.InputCostPerToken
	wantInput := float64(1000) * basePrice * 6
	if !approxEqual(b.Input, wantInput) {
		t.Fatalf("Input = %v, want %v", b.Input, wantInput)
	}

	baseOutput := entry.OutputCostPerToken
	wantOutput := float64(1000) * baseOutput * 6
	if !approxEqual(b.Output, wantOutput) {
		t.Fatalf("Output = %v, want %v", b.Output, wantOutput)
	}

	wantCacheRead := float64(1000) * basePrice * 0.1
	if !approxEqual(b.CacheRead, wantCacheRead) {
		t.Fatalf("CacheRead = %v, want %v (no fast multiplier)", b.CacheRead, wantCacheRead)
	}
}

func TestCalculateFastModeMissingMultiplierFallsBackToOne(t *testing.T) {
	table := claudeSonnetTable()

	req := Request{
		Model:         "claude-sonnet-4-20250514",
		AnthropicBeta: "fast-mode-2026-02-01",
		Speed:         "fast",
		Usage:         Usage{InputTokens: 1000, OutputTokens: 1000},
	}

	b := Calculate(table, req, nil)

	basePrice := table["claude-sonnet-4-20250514"].InputCostPerToken
	wantInput := float64(1000) * basePrice
	if !approxEqual(b.Input, wantInput) {
		t.Fatalf("Input = %v, want %v (1x fallback)", b.Input, wantInput)
	}
}

func TestCalculateEphemeralSplitBillsSeparately(t *testing.T) {
	table := claudeSonnetTable()

	req := Request{
		Model: "claude-sonnet-4-20250514",
		Usage: Usage{
			InputTokens: 1000,
			CacheCreation: &CacheCreationSplit{
				Ephemeral5mInputTokens: 400,
				Ephemeral1hInputTokens: 100,
			},
		},
	}

	b := Calculate(table, req, nil)

	basePrice := table["claude-sonnet-4-20250514"].InputCostPerToken
	want5m := float64(400) * (basePrice * 1.25)
	want1h := float64(100) * (basePrice * 2)

	if !approxEqual(b.Ephemeral5m, want5m) {
		t.Fatalf("Ephemeral5m = %v, want %v", b.Ephemeral5m, want5m)
	}
	if !approxEqual(b.Ephemeral1h, want1h) {
		t.Fatalf("Ephemeral1h = %v, want %v", b.Ephemeral1h, want1h)
	}
	if !approxEqual(b.CacheWrite, want5m+want1h) {
		t.Fatalf("CacheWrite = %v, want %v", b.CacheWrite, want5m+want1h)
	}
}

func TestMicroDollarsRounds(t *testing.T) {
	if got := MicroDollars(0.0000015); got != 2 {
		t.Fatalf("MicroDollars(0.0000015) = %d, want 2", got)
	}
	if got := MicroDollars(0); got != 0 {
		t.Fatalf("MicroDollars(0) = %d, want 0", got)
	}
}
