package usage

import (
	"fmt"
	"time"
)

const (
	dailyTTL   = 32 * 24 * time.Hour
	monthlyTTL = 365 * 24 * time.Hour
	hourlyTTL  = 7 * 24 * time.Hour

	costDailyTTL   = 30 * 24 * time.Hour
	costHourlyTTL  = 7 * 24 * time.Hour
	costMonthlyTTL = 90 * 24 * time.Hour
	costRealTTL    = 90 * 24 * time.Hour

	recordListCap = 200
	recordListTTL = 90 * 24 * time.Hour

	opusWeeklyTTL = 14 * 24 * time.Hour
)

// period names the four accounting granularities used across usage:*.
// Global aggregates skip hourly (no usage:global:hourly:* key exists);
// per-key-and-model aggregates use "alltime" in place of "total".
const (
	periodTotal   = "total"
	periodDaily   = "daily"
	periodMonthly = "monthly"
	periodHourly  = "hourly"
	periodAlltime = "alltime"
)

func ttlFor(period string) time.Duration {
	switch period {
	case periodDaily:
		return dailyTTL
	case periodMonthly:
		return monthlyTTL
	case periodHourly:
		return hourlyTTL
	default: // total, alltime
		return 0
	}
}

// ── per-key ──────────────────────────────────────────────────────────────

func keyTotalKey(keyID string) string { return "usage:" + keyID }

func keyPeriodKey(period, keyID, bucket string) string {
	return fmt.Sprintf("usage:%s:%s:%s", period, keyID, bucket)
}

// ── global per-model ─────────────────────────────────────────────────────

func modelGlobalPeriodKey(period, model, bucket string) string {
	return fmt.Sprintf("usage:model:%s:%s:%s", period, model, bucket)
}

// ── per-key-and-model ────────────────────────────────────────────────────

func keyModelAlltimeKey(keyID, model string) string {
	return fmt.Sprintf("usage:%s:model:%s:%s", keyID, periodAlltime, model)
}

func keyModelPeriodKey(keyID, period, model, bucket string) string {
	return fmt.Sprintf("usage:%s:model:%s:%s:%s", keyID, period, model, bucket)
}

// ── global ───────────────────────────────────────────────────────────────

func globalTotalKey() string { return "usage:global:total" }

func globalPeriodKey(period, bucket string) string {
	return fmt.Sprintf("usage:global:%s:%s", period, bucket)
}

// ── indices ──────────────────────────────────────────────────────────────

func keyIndexKey(period, bucket string) string { return fmt.Sprintf("usage:%s:index:%s", period, bucket) }

func keyModelIndexKey(period, bucket string) string {
	return fmt.Sprintf("usage:keymodel:%s:index:%s", period, bucket)
}

func modelIndexKey(period, bucket string) string {
	return fmt.Sprintf("usage:model:%s:index:%s", period, bucket)
}

func modelMonthlyMonthsKey() string { return "usage:model:monthly:months" }

// ── account usage (incrementAccountUsage) ───────────────────────────────

func accountTotalKey(accountID string) string { return "account_usage:" + accountID }

func accountPeriodKey(period, accountID, bucket string) string {
	return fmt.Sprintf("account_usage:%s:%s:%s", period, accountID, bucket)
}

func accountIndexKey(period, bucket string) string {
	return fmt.Sprintf("account_usage:%s:index:%s", period, bucket)
}

func accountModelIndexKey(period, bucket string) string {
	return fmt.Sprintf("account_usage:model:%s:index:%s", period, bucket)
}

// ── system / records / cost / opus ───────────────────────────────────────

func systemMinuteKey(unixMinute int64) string {
	return fmt.Sprintf("system:metrics:minute:%d", unixMinute)
}

func recordsKey(keyID string) string { return "usage:records:" + keyID }

// ratedCostKey covers usage:cost:{daily|monthly|hourly|total}:<keyId>[:<bucket>].
func ratedCostKey(period, keyID, bucket string) string {
	if bucket == "" {
		return fmt.Sprintf("usage:cost:%s:%s", period, keyID)
	}
	return fmt.Sprintf("usage:cost:%s:%s:%s", period, keyID, bucket)
}

// realCostKey covers usage:cost:real:{daily|total}:<keyId>[:<bucket>] — the
// schema has no real-cost series for monthly/hourly, only daily and total.
func realCostKey(period, keyID, bucket string) string {
	if bucket == "" {
		return fmt.Sprintf("usage:cost:real:%s:%s", period, keyID)
	}
	return fmt.Sprintf("usage:cost:real:%s:%s:%s", period, keyID, bucket)
}

func opusWeeklyKey(keyID, period string) string {
	return fmt.Sprintf("usage:opus:weekly:%s:%s", keyID, period)
}
func opusTotalKey(keyID string) string { return "usage:opus:total:" + keyID }
func opusRealWeeklyKey(keyID, period string) string {
	return fmt.Sprintf("usage:opus:real:weekly:%s:%s", keyID, period)
}
func opusRealTotalKey(keyID string) string { return "usage:opus:real:total:" + keyID }

func migrationMarkerKey(name string) string { return "system:migration:" + name }
