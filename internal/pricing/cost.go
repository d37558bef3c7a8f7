package pricing

import (
	"log/slog"
	"strconv"
	"strings"
)

const longContextThreshold = 200_000

// oneMillionSuffix marks a request that opted into the 1M-context beta via
// the model name itself rather than (or in addition to) the beta header.
const oneMillionSuffix = "[1m]"

const (
	context1mBetaFlag = "context-1m-2025-08-07"
	fastModeBetaFlag  = "fast-mode-2026-02-01"
)

// defaultFastMultiplier is never applied automatically — see Calculate.
const defaultFastMultiplier = 6.0

// CacheCreationSplit carries the ephemeral cache-write breakdown a provider
// adapter parsed out of the upstream usage event, when available.
type CacheCreationSplit struct {
	Ephemeral5mInputTokens int64
	Ephemeral1hInputTokens int64
}

// Usage is the token accounting an upstream adapter reports for one
// completed (or streamed-to-completion) request.
type Usage struct {
	InputTokens         int64
	OutputTokens        int64
	CacheCreationTokens int64 // aggregate cache-write tokens, used when CacheCreation is nil
	CacheReadTokens     int64
	CacheCreation       *CacheCreationSplit
}

// Request bundles everything Calculate needs about the call being priced.
type Request struct {
	Model         string
	Usage         Usage
	AnthropicBeta string // raw anthropic-beta header value, comma-separated flags
	Speed         string // request_speed / speed field, e.g. "fast"
}

// Breakdown is the itemized cost of a single request, in USD.
type Breakdown struct {
	Input                float64
	Output               float64
	CacheWrite           float64
	CacheRead            float64
	Ephemeral5m          float64
	Ephemeral1h          float64
	Total                float64
	IsLongContextRequest bool
}

// Calculate computes the cost of req against table. It is a pure function:
// no I/O, no locking beyond what the caller already did to obtain table.
func Calculate(table Table, req Request, log *slog.Logger) Breakdown {
	baseModel, suffix1m := stripOneMillionSuffix(req.Model)
	price := table[baseModel]

	beta := req.AnthropicBeta
	context1mRequested := suffix1m || strings.Contains(beta, context1mBetaFlag)

	u := req.Usage
	totalInput := u.InputTokens + u.CacheCreationTokens + u.CacheReadTokens
	longContext := context1mRequested && totalInput > longContextThreshold

	claudeFamily := isClaudeFamily(baseModel)

	inputPrice, outputPrice := price.InputCostPerToken, price.OutputCostPerToken
	if longContext {
		inputPrice, outputPrice = tieredPrices(price, claudeFamily, inputPrice, outputPrice)
	}

	cacheCreatePrice, cacheReadPrice, ephemeral1hPrice := cachePrices(price, claudeFamily, inputPrice)

	fastRequested := strings.Contains(beta, fastModeBetaFlag) &&
		(req.Speed == "fast")
	if fastRequested {
		multiplier := price.ProviderSpecific.Fast
		if multiplier <= 0 {
			if log != nil {
				log.Warn("pricing: fast mode requested but no multiplier configured, billing at 1x",
					"model", req.Model)
			}
			multiplier = 1
		}
		inputPrice *= multiplier
		outputPrice *= multiplier
	}

	b := Breakdown{
		Input:                float64(u.InputTokens) * inputPrice,
		Output:               float64(u.OutputTokens) * outputPrice,
		CacheRead:            float64(u.CacheReadTokens) * cacheReadPrice,
		IsLongContextRequest: longContext,
	}

	if split := u.CacheCreation; split != nil {
		b.Ephemeral5m = float64(split.Ephemeral5mInputTokens) * cacheCreatePrice
		b.Ephemeral1h = float64(split.Ephemeral1hInputTokens) * ephemeral1hPrice
		b.CacheWrite = b.Ephemeral5m + b.Ephemeral1h
	} else {
		b.CacheWrite = float64(u.CacheCreationTokens) * cacheCreatePrice
	}

	b.Total = b.Input + b.Output + b.CacheWrite + b.CacheRead
	return b
}

// tieredPrices resolves the 200K+ tier input/output prices. Claude-family
// models without explicit *_above_200k fields fall back to 2x base input
// and unchanged base output.
func tieredPrices(price ModelPrice, claudeFamily bool, baseInput, baseOutput float64) (input, output float64) {
	input, output = baseInput, baseOutput

	if price.InputAbove200k > 0 {
		input = price.InputAbove200k
	} else if claudeFamily {
		input = baseInput * 2
	}

	if price.OutputAbove200k > 0 {
		output = price.OutputAbove200k
	}

	return input, output
}

// cachePrices resolves the cache-write, cache-read, and 1h-ephemeral-write
// prices. Claude-family models derive all three from the input price after
// the 200K+ tier (the Fast Mode multiplier does not reach cache prices);
// other models read explicit table fields with a price-tier 1h-cache
// fallback.
func cachePrices(price ModelPrice, claudeFamily bool, effectiveInput float64) (cacheCreate, cacheRead, ephemeral1h float64) {
	if claudeFamily {
		return effectiveInput * 1.25, effectiveInput * 0.1, effectiveInput * 2
	}

	cacheCreate = price.CacheCreateCostPerToken
	cacheRead = price.CacheReadCostPerToken

	ephemeral1h = price.CacheCreateAbove1hr
	if ephemeral1h <= 0 {
		ephemeral1h = familyDefault1hPrice(price)
	}

	return cacheCreate, cacheRead, ephemeral1h
}

// familyDefault1hPrice resolves a per-token 1h-cache price from the
// model's base input price tier (Opus-, Sonnet- or Haiku-priced). It does
// not look at the model name.
func familyDefault1hPrice(price ModelPrice) float64 {
	// Values are $/MTok resolved by keyword match against the model name is
	// not available here (only the price row is) — callers pass prices
	// already keyed by model, so we infer tier from the base input price
	// instead: this mirrors how the source table groups models by cost
	// bracket.
	switch {
	case price.InputCostPerToken >= 10.0/1_000_000: // Opus-tier
		return 30.0 / 1_000_000
	case price.InputCostPerToken >= 2.0/1_000_000: // Sonnet-tier
		return 6.0 / 1_000_000
	default: // Haiku-tier
		return 1.8 / 1_000_000
	}
}

func isClaudeFamily(model string) bool {
	return strings.Contains(strings.ToLower(model), "claude")
}

func stripOneMillionSuffix(model string) (base string, hadSuffix bool) {
	if strings.HasSuffix(model, oneMillionSuffix) {
		return strings.TrimSuffix(model, oneMillionSuffix), true
	}
	return model, false
}

// MicroDollars rounds a USD float to an integer micro-dollar amount,
// matching the storage convention used by usage accounting.
func MicroDollars(usd float64) int64 {
	v := usd * 1_000_000
	if v < 0 {
		return -int64(-v + 0.5)
	}
	return int64(v + 0.5)
}

// FormatUSD renders a cost as a fixed-point decimal string for legacy
// string-typed cost keys.
func FormatUSD(usd float64) string {
	return strconv.FormatFloat(usd, 'f', 6, 64)
}
