// Package usage implements the multi-dimensional accounting pipeline: every
// completed request fans out into per-key, per-key-and-model, global-per-model,
// and global counters across total/daily/monthly/hourly buckets, plus the
// cost aggregates, usage record list, and weekly-Opus counter used by quota
// enforcement.
package usage

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"time"

	"github.com/nulpointcorp/apirelay/internal/calendar"
	"github.com/nulpointcorp/apirelay/internal/index"
	"github.com/nulpointcorp/apirelay/internal/kv"
	"github.com/redis/go-redis/v9"
)

func unixToTime(unixSeconds int64) time.Time { return time.Unix(unixSeconds, 0) }

// claudeAccountTypes are the account types eligible for weekly-Opus
// accounting alongside a Claude-family model, per the relay's quota rules.
var claudeAccountTypes = map[string]bool{
	"claude-official": true,
	"claude-console":  true,
	"ccr":             true,
}

// TokenDelta is the set of per-event token counts fanned out across every
// accounting dimension. AllTokens is not accepted from the caller — it is
// always derived as the sum of the four token kinds, matching the counters
// Accountant writes.
type TokenDelta struct {
	InputTokens         int64
	OutputTokens        int64
	CacheCreationTokens int64
	CacheReadTokens     int64
	Ephemeral5mTokens   int64
	Ephemeral1hTokens   int64
	IsLongContext       bool
}

func (d TokenDelta) allTokens() int64 {
	return d.InputTokens + d.OutputTokens + d.CacheCreationTokens + d.CacheReadTokens
}

// Record is the immutable per-request usage event appended to a key's
// capped history list.
type Record struct {
	Timestamp            int64   `json:"timestamp"`
	Model                string  `json:"model"`
	AccountID            string  `json:"accountId"`
	AccountType          string  `json:"accountType"`
	RequestID            string  `json:"requestId"`
	InputTokens          int64   `json:"inputTokens"`
	OutputTokens         int64   `json:"outputTokens"`
	CacheCreationTokens  int64   `json:"cacheCreateTokens"`
	CacheReadTokens      int64   `json:"cacheReadTokens"`
	Ephemeral5mTokens    int64   `json:"ephemeral5mTokens"`
	Ephemeral1hTokens    int64   `json:"ephemeral1hTokens"`
	IsLongContextRequest bool    `json:"isLongContextRequest"`
	RealCost             float64 `json:"realCost"`
	RatedCost            float64 `json:"ratedCost"`
	ResponseTimeMS       int64   `json:"responseTimeMs"`
}

// TokenUsageParams bundles the arguments incrementTokenUsage takes in the
// source system: everything Accountant.IncrementTokenUsage needs to fan a
// completed request out across every accounting dimension.
type TokenUsageParams struct {
	KeyID           string
	Model           string
	Platform        string // used only to normalize Bedrock model ids
	AccountID       string
	AccountType     string
	RequestID       string
	Delta           TokenDelta
	RealCost        float64
	RatedCost       float64
	ResponseTimeMS  int64
	WeeklyResetDay  int   // 1-7 ISO, Monday=1
	WeeklyResetHour int   // 0-23
	Now             int64 // unix seconds; the caller's clock, so backfills can replay history
}

// Accountant drives every usage-write pipeline against the store. All
// timestamps it is given are interpreted through clock, so deployments in
// any timezone bucket consistently.
type Accountant struct {
	store                *kv.Store
	clock                *calendar.Clock
	log                  *slog.Logger
	metricsWindowMinutes int
}

// New builds an Accountant. metricsWindowMinutes sizes the TTL on the
// rolling system:metrics:minute:* buckets (2x the window, so a reader can
// always see one full window of trailing history).
func New(store *kv.Store, clock *calendar.Clock, log *slog.Logger, metricsWindowMinutes int) *Accountant {
	if metricsWindowMinutes <= 0 {
		metricsWindowMinutes = 5
	}
	return &Accountant{store: store, clock: clock, log: log, metricsWindowMinutes: metricsWindowMinutes}
}

// IncrementTokenUsage applies the full per-key accounting fan-out for one
// completed request: per-key/per-key-and-model/global-per-model/global
// counters across every bucket, cost aggregates, the usage record, the
// system minute bucket, and (when eligible) the weekly-Opus counter.
func (a *Accountant) IncrementTokenUsage(ctx context.Context, p TokenUsageParams) error {
	model := NormalizeModelName(p.Model, p.Platform)
	now := p.Now
	t := unixToTime(now)

	dateBucket := a.clock.DateString(t)
	hourBucket := a.clock.HourString(t)
	monthBucket := a.clock.MonthString(t)

	pipe := a.store.TxPipeline()

	// 1. per-key: total/daily/monthly/hourly.
	a.incrKeyHash(pipe, keyTotalKey(p.KeyID), p.Delta, 0)
	a.incrKeyHash(pipe, keyPeriodKey(periodDaily, p.KeyID, dateBucket), p.Delta, dailyTTL)
	a.incrKeyHash(pipe, keyPeriodKey(periodMonthly, p.KeyID, monthBucket), p.Delta, monthlyTTL)
	a.incrKeyHash(pipe, keyPeriodKey(periodHourly, p.KeyID, hourBucket), p.Delta, hourlyTTL)

	// 2. per-key-and-model: daily/monthly/hourly/alltime, plus cost micros.
	kmAlltime := keyModelAlltimeKey(p.KeyID, model)
	kmDaily := keyModelPeriodKey(p.KeyID, periodDaily, model, dateBucket)
	kmMonthly := keyModelPeriodKey(p.KeyID, periodMonthly, model, monthBucket)
	kmHourly := keyModelPeriodKey(p.KeyID, periodHourly, model, hourBucket)

	a.incrKeyHash(pipe, kmAlltime, p.Delta, 0)
	a.incrKeyHash(pipe, kmDaily, p.Delta, dailyTTL)
	a.incrKeyHash(pipe, kmMonthly, p.Delta, monthlyTTL)
	a.incrKeyHash(pipe, kmHourly, p.Delta, hourlyTTL)

	realMicro := microDollars(p.RealCost)
	ratedMicro := microDollars(p.RatedCost)
	for _, key := range []string{kmAlltime, kmDaily, kmMonthly, kmHourly} {
		pipe.HIncrBy(ctx, key, "realCostMicro", realMicro)
		pipe.HIncrBy(ctx, key, "ratedCostMicro", ratedMicro)
	}

	// 3. global-per-model: daily/monthly/hourly (no "total" series in the
	// schema for this dimension; alltime visibility comes from the
	// per-key-and-model alltime rows aggregated during backfill).
	a.incrKeyHash(pipe, modelGlobalPeriodKey(periodDaily, model, dateBucket), p.Delta, dailyTTL)
	a.incrKeyHash(pipe, modelGlobalPeriodKey(periodMonthly, model, monthBucket), p.Delta, monthlyTTL)
	a.incrKeyHash(pipe, modelGlobalPeriodKey(periodHourly, model, hourBucket), p.Delta, hourlyTTL)

	// 4. global: total/daily/monthly (no hourly series for global).
	a.incrKeyHash(pipe, globalTotalKey(), p.Delta, 0)
	a.incrKeyHash(pipe, globalPeriodKey(periodDaily, dateBucket), p.Delta, dailyTTL)
	a.incrKeyHash(pipe, globalPeriodKey(periodMonthly, monthBucket), p.Delta, monthlyTTL)

	// 5. system minute bucket.
	minuteKey := systemMinuteKey(now / 60)
	pipe.HIncrBy(ctx, minuteKey, "requests", 1)
	pipe.HIncrBy(ctx, minuteKey, "totalTokens", p.Delta.allTokens())
	pipe.HIncrBy(ctx, minuteKey, "inputTokens", p.Delta.InputTokens)
	pipe.HIncrBy(ctx, minuteKey, "outputTokens", p.Delta.OutputTokens)
	pipe.Expire(ctx, minuteKey, time.Duration(2*a.metricsWindowMinutes)*time.Minute)

	// 6. usage record.
	rec := Record{
		Timestamp:           now,
		Model:                model,
		AccountID:            p.AccountID,
		AccountType:          p.AccountType,
		RequestID:            p.RequestID,
		InputTokens:          p.Delta.InputTokens,
		OutputTokens:         p.Delta.OutputTokens,
		CacheCreationTokens:  p.Delta.CacheCreationTokens,
		CacheReadTokens:      p.Delta.CacheReadTokens,
		Ephemeral5mTokens:    p.Delta.Ephemeral5mTokens,
		Ephemeral1hTokens:    p.Delta.Ephemeral1hTokens,
		IsLongContextRequest: p.Delta.IsLongContext,
		RealCost:             p.RealCost,
		RatedCost:            p.RatedCost,
		ResponseTimeMS:       p.ResponseTimeMS,
	}
	if blob, err := json.Marshal(rec); err == nil {
		recKey := recordsKey(p.KeyID)
		pipe.LPush(ctx, recKey, blob)
		pipe.LTrim(ctx, recKey, 0, recordListCap-1)
		pipe.Expire(ctx, recKey, recordListTTL)
	} else {
		a.log.Warn("usage: failed to marshal record", "error", err, "keyId", p.KeyID)
	}

	// 7. cost aggregates.
	pipe.IncrByFloat(ctx, ratedCostKey(periodTotal, p.KeyID, ""), p.RatedCost)
	pipe.IncrByFloat(ctx, ratedCostKey(periodDaily, p.KeyID, dateBucket), p.RatedCost)
	pipe.Expire(ctx, ratedCostKey(periodDaily, p.KeyID, dateBucket), costDailyTTL)
	pipe.IncrByFloat(ctx, ratedCostKey(periodMonthly, p.KeyID, monthBucket), p.RatedCost)
	pipe.Expire(ctx, ratedCostKey(periodMonthly, p.KeyID, monthBucket), costMonthlyTTL)
	pipe.IncrByFloat(ctx, ratedCostKey(periodHourly, p.KeyID, hourBucket), p.RatedCost)
	pipe.Expire(ctx, ratedCostKey(periodHourly, p.KeyID, hourBucket), costHourlyTTL)

	pipe.IncrByFloat(ctx, realCostKey(periodTotal, p.KeyID, ""), p.RealCost)
	pipe.IncrByFloat(ctx, realCostKey(periodDaily, p.KeyID, dateBucket), p.RealCost)
	pipe.Expire(ctx, realCostKey(periodDaily, p.KeyID, dateBucket), costRealTTL)

	// 8. weekly-Opus counter.
	eligible := IsClaudeFamily(model) && claudeAccountTypes[p.AccountType]
	var opusPeriod string
	if eligible {
		opusPeriod = a.clock.WeeklyResetPeriodString(t, p.WeeklyResetDay, p.WeeklyResetHour)
		pipe.IncrByFloat(ctx, opusWeeklyKey(p.KeyID, opusPeriod), p.RatedCost)
		pipe.Expire(ctx, opusWeeklyKey(p.KeyID, opusPeriod), opusWeeklyTTL)
		pipe.IncrByFloat(ctx, opusTotalKey(p.KeyID), p.RatedCost)
		pipe.IncrByFloat(ctx, opusRealWeeklyKey(p.KeyID, opusPeriod), p.RealCost)
		pipe.Expire(ctx, opusRealWeeklyKey(p.KeyID, opusPeriod), opusWeeklyTTL)
		pipe.IncrByFloat(ctx, opusRealTotalKey(p.KeyID), p.RealCost)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	// 4 (indices): maintained outside the token-counter pipeline since Index
	// issues its own SADD+DEL pair; failures here are logged, not fatal —
	// the getAllIdsByIndex fallback rebuilds from a scan if a marker is
	// ever left stale.
	a.maintainIndices(ctx, p.KeyID, model, dateBucket, hourBucket, monthBucket)

	return nil
}

func (a *Accountant) maintainIndices(ctx context.Context, keyID, model, dateBucket, hourBucket, monthBucket string) {
	indices := []*index.Index{
		index.New(a.store, keyIndexKey(periodDaily, dateBucket)),
		index.New(a.store, keyIndexKey(periodHourly, hourBucket)),
		index.New(a.store, modelIndexKey(periodDaily, dateBucket)),
		index.New(a.store, modelIndexKey(periodHourly, hourBucket)),
		index.New(a.store, modelIndexKey(periodMonthly, monthBucket)),
	}
	ids := []string{keyID, keyID, model, model, model}

	for i, idx := range indices {
		if err := idx.Add(ctx, ids[i]); err != nil {
			a.log.Warn("usage: failed to maintain index", "index", idx, "error", err)
		}
	}

	monthsIdx := index.New(a.store, modelMonthlyMonthsKey())
	if err := monthsIdx.Add(ctx, monthBucket); err != nil {
		a.log.Warn("usage: failed to record month", "error", err)
	}

	kmDailyIdx := index.New(a.store, keyModelIndexKey(periodDaily, dateBucket))
	kmHourlyIdx := index.New(a.store, keyModelIndexKey(periodHourly, hourBucket))
	pair := keyID + ":" + model
	if err := kmDailyIdx.Add(ctx, pair); err != nil {
		a.log.Warn("usage: failed to maintain keymodel daily index", "error", err)
	}
	if err := kmHourlyIdx.Add(ctx, pair); err != nil {
		a.log.Warn("usage: failed to maintain keymodel hourly index", "error", err)
	}
}

// AccountUsageParams bundles what incrementAccountUsage needs: the
// provider-account-scoped mirror of IncrementTokenUsage, used for
// per-account dashboards rather than key quota enforcement, so it carries
// no cost fields.
type AccountUsageParams struct {
	AccountID string
	Model     string
	Platform  string
	Delta     TokenDelta
	Now       int64
}

// IncrementAccountUsage fans a completed request out across the account's
// total/daily/hourly counters and the account-scoped indices.
func (a *Accountant) IncrementAccountUsage(ctx context.Context, p AccountUsageParams) error {
	model := NormalizeModelName(p.Model, p.Platform)
	t := unixToTime(p.Now)
	dateBucket := a.clock.DateString(t)
	hourBucket := a.clock.HourString(t)

	pipe := a.store.TxPipeline()
	a.incrKeyHash(pipe, accountTotalKey(p.AccountID), p.Delta, 0)
	a.incrKeyHash(pipe, accountPeriodKey(periodDaily, p.AccountID, dateBucket), p.Delta, dailyTTL)
	a.incrKeyHash(pipe, accountPeriodKey(periodHourly, p.AccountID, hourBucket), p.Delta, hourlyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	dailyIdx := index.New(a.store, accountIndexKey(periodDaily, dateBucket))
	hourlyIdx := index.New(a.store, accountIndexKey(periodHourly, hourBucket))
	if err := dailyIdx.Add(ctx, p.AccountID); err != nil {
		a.log.Warn("usage: failed to maintain account daily index", "error", err)
	}
	if err := hourlyIdx.Add(ctx, p.AccountID); err != nil {
		a.log.Warn("usage: failed to maintain account hourly index", "error", err)
	}

	modelDailyIdx := index.New(a.store, accountModelIndexKey(periodDaily, dateBucket))
	modelHourlyIdx := index.New(a.store, accountModelIndexKey(periodHourly, hourBucket))
	if err := modelDailyIdx.Add(ctx, model); err != nil {
		a.log.Warn("usage: failed to maintain account model daily index", "error", err)
	}
	if err := modelHourlyIdx.Add(ctx, model); err != nil {
		a.log.Warn("usage: failed to maintain account model hourly index", "error", err)
	}

	return nil
}

// incrKeyHash queues the standard field fan-out (steps 2's token counters)
// against one hash key. ttl of 0 leaves the key without an expiry.
func (a *Accountant) incrKeyHash(pipe redis.Pipeliner, key string, d TokenDelta, ttl time.Duration) {
	ctx := context.Background()
	pipe.HIncrBy(ctx, key, "inputTokens", d.InputTokens)
	pipe.HIncrBy(ctx, key, "outputTokens", d.OutputTokens)
	pipe.HIncrBy(ctx, key, "cacheCreateTokens", d.CacheCreationTokens)
	pipe.HIncrBy(ctx, key, "cacheReadTokens", d.CacheReadTokens)
	pipe.HIncrBy(ctx, key, "allTokens", d.allTokens())
	pipe.HIncrBy(ctx, key, "requests", 1)
	pipe.HIncrBy(ctx, key, "ephemeral5mTokens", d.Ephemeral5mTokens)
	pipe.HIncrBy(ctx, key, "ephemeral1hTokens", d.Ephemeral1hTokens)
	if d.IsLongContext {
		pipe.HIncrBy(ctx, key, "longContextInputTokens", d.InputTokens)
		pipe.HIncrBy(ctx, key, "longContextOutputTokens", d.OutputTokens)
		pipe.HIncrBy(ctx, key, "longContextRequests", 1)
	}
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
}

func microDollars(usd float64) int64 {
	return int64(math.Round(usd * 1e6))
}
