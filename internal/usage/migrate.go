package usage

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nulpointcorp/apirelay/internal/calendar"
	"github.com/nulpointcorp/apirelay/internal/index"
	"github.com/nulpointcorp/apirelay/internal/kv"
)

const migrationLockTTL = 5 * time.Minute

var (
	keyModelMonthlyPattern = regexp.MustCompile(`^usage:([^:]+):model:monthly:(.+):\d{4}-\d{2}$`)
	keyTotalPattern        = regexp.MustCompile(`^usage:([^:]+)$`)
)

// Migrator runs the one-shot and recurring backfill jobs that keep derived
// aggregates consistent after an index schema change or a period of degraded
// writes. Every one-shot job is guarded by a system:migration:<name> marker
// so rerunning it is a no-op; the recurring weekly job has no marker and is
// only serialized by a distributed lock, overwriting its value on each run.
type Migrator struct {
	store *kv.Store
	clock *calendar.Clock
	log   *slog.Logger
}

// NewMigrator builds a Migrator backed by store.
func NewMigrator(store *kv.Store, clock *calendar.Clock, log *slog.Logger) *Migrator {
	return &Migrator{store: store, clock: clock, log: log}
}

func (m *Migrator) alreadyRan(ctx context.Context, name string) (bool, error) {
	_, ok, err := m.store.Get(ctx, migrationMarkerKey(name))
	return ok, err
}

func (m *Migrator) markDone(ctx context.Context, name string) error {
	return m.store.Set(ctx, migrationMarkerKey(name), "1", 0)
}

// acquireLock is a plain SETNX distributed lock with a TTL safety valve,
// used by jobs that must not run concurrently across multiple relay
// instances rather than merely once ever.
func (m *Migrator) acquireLock(ctx context.Context, name string) (bool, error) {
	return m.store.SetNX(ctx, "system:migration:lock:"+name, "1", migrationLockTTL)
}

func (m *Migrator) releaseLock(ctx context.Context, name string) error {
	return m.store.Del(ctx, "system:migration:lock:"+name)
}

// RebuildUsageIndexV2 scans every usage:* key pattern and repopulates the
// key/model/keymodel index sets, including the composite keymodel indices
// introduced alongside them. Safe to rerun; guarded by a one-shot marker.
func (m *Migrator) RebuildUsageIndexV2(ctx context.Context) error {
	const name = "usage-index-v2"
	if done, err := m.alreadyRan(ctx, name); err != nil {
		return err
	} else if done {
		return nil
	}

	if err := m.rebuildKeyIndex(ctx, periodDaily, `^usage:daily:([^:]+):(.+)$`); err != nil {
		return err
	}
	if err := m.rebuildKeyIndex(ctx, periodHourly, `^usage:hourly:([^:]+):(.+)$`); err != nil {
		return err
	}
	if err := m.rebuildModelIndex(ctx, periodDaily, `^usage:model:daily:(.+):([^:]+)$`); err != nil {
		return err
	}
	if err := m.rebuildModelIndex(ctx, periodHourly, `^usage:model:hourly:(.+):([^:]+)$`); err != nil {
		return err
	}
	if err := m.rebuildModelIndex(ctx, periodMonthly, `^usage:model:monthly:(.+):([^:]+)$`); err != nil {
		return err
	}
	if err := m.rebuildKeyModelIndex(ctx, periodDaily, `^usage:([^:]+):model:daily:(.+):([^:]+)$`); err != nil {
		return err
	}
	if err := m.rebuildKeyModelIndex(ctx, periodHourly, `^usage:([^:]+):model:hourly:(.+):([^:]+)$`); err != nil {
		return err
	}

	return m.markDone(ctx, name)
}

// rebuildKeyIndex scans usage:<period>:*:<bucket> keys and, for every bucket
// it discovers, adds every key id found into that bucket's index set.
func (m *Migrator) rebuildKeyIndex(ctx context.Context, period, extractPattern string) error {
	pattern := fmt.Sprintf("usage:%s:*", period)
	re := regexp.MustCompile(extractPattern)
	buckets := map[string][]string{}

	err := m.store.ScanAndProcess(ctx, pattern, func(keys []string) error {
		for _, k := range keys {
			match := re.FindStringSubmatch(k)
			if len(match) != 3 {
				continue
			}
			id, bucket := match[1], match[2]
			if id == "index" {
				continue // the index set itself, not a data key
			}
			buckets[bucket] = append(buckets[bucket], id)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for bucket, ids := range buckets {
		idx := index.New(m.store, keyIndexKey(period, bucket))
		for _, id := range ids {
			if err := idx.Add(ctx, id); err != nil {
				m.log.Warn("usage: migration failed to add key index member", "error", err, "bucket", bucket)
			}
		}
	}
	return nil
}

func (m *Migrator) rebuildModelIndex(ctx context.Context, period, extractPattern string) error {
	pattern := fmt.Sprintf("usage:model:%s:*", period)
	re := regexp.MustCompile(extractPattern)
	buckets := map[string][]string{}

	err := m.store.ScanAndProcess(ctx, pattern, func(keys []string) error {
		for _, k := range keys {
			match := re.FindStringSubmatch(k)
			if len(match) != 3 {
				continue
			}
			model, bucket := match[1], match[2]
			if model == "index" {
				continue // the index set itself, not a data key
			}
			buckets[bucket] = append(buckets[bucket], model)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for bucket, models := range buckets {
		idx := index.New(m.store, modelIndexKey(period, bucket))
		for _, model := range models {
			if err := idx.Add(ctx, model); err != nil {
				m.log.Warn("usage: migration failed to add model index member", "error", err, "bucket", bucket)
			}
		}
	}
	return nil
}

func (m *Migrator) rebuildKeyModelIndex(ctx context.Context, period, extractPattern string) error {
	pattern := fmt.Sprintf("usage:*:model:%s:*", period)
	re := regexp.MustCompile(extractPattern)
	buckets := map[string][]string{}

	err := m.store.ScanAndProcess(ctx, pattern, func(keys []string) error {
		for _, k := range keys {
			match := re.FindStringSubmatch(k)
			if len(match) != 4 {
				continue
			}
			keyID, model, bucket := match[1], match[2], match[3]
			pair := keyID + ":" + model
			buckets[bucket] = append(buckets[bucket], pair)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for bucket, pairs := range buckets {
		idx := index.New(m.store, keyModelIndexKey(period, bucket))
		for _, pair := range pairs {
			if err := idx.Add(ctx, pair); err != nil {
				m.log.Warn("usage: migration failed to add keymodel index member", "error", err, "bucket", bucket)
			}
		}
	}
	return nil
}

// AggregateAlltimeModelStats sums every per-key-per-model-monthly hash into
// usage:<keyId>:model:alltime:<model>, adding onto whatever the alltime row
// already holds. Reruns are stopped by the alltime-model-stats marker; no
// per-month record of what was merged is kept.
func (m *Migrator) AggregateAlltimeModelStats(ctx context.Context) error {
	const name = "alltime-model-stats"
	if done, err := m.alreadyRan(ctx, name); err != nil {
		return err
	} else if done {
		return nil
	}

	err := m.store.ScanAndProcess(ctx, "usage:*:model:monthly:*:*", func(keys []string) error {
		for _, k := range keys {
			match := keyModelMonthlyPattern.FindStringSubmatch(k)
			if len(match) != 3 {
				continue
			}
			keyID, model := match[1], match[2]

			fields, err := m.store.HGetAll(ctx, k)
			if err != nil {
				return err
			}
			if len(fields) == 0 {
				continue
			}

			alltimeKey := keyModelAlltimeKey(keyID, model)
			for field, raw := range fields {
				n, err := strconv.ParseInt(raw, 10, 64)
				if err != nil {
					continue
				}
				if _, err := m.store.HIncrBy(ctx, alltimeKey, field, n); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	return m.markDone(ctx, name)
}

// DeriveGlobalStats populates usage:global:total from the sum of every
// per-key total hash, only when usage:global:total does not already exist —
// once the live accounting path has written to it, this job stands down.
func (m *Migrator) DeriveGlobalStats(ctx context.Context) error {
	const name = "global-stats"
	if done, err := m.alreadyRan(ctx, name); err != nil {
		return err
	} else if done {
		return nil
	}

	if n, err := m.store.Exists(ctx, globalTotalKey()); err != nil {
		return err
	} else if n > 0 {
		return m.markDone(ctx, name)
	}

	totals := map[string]int64{}
	err := m.store.ScanAndProcess(ctx, "usage:*", func(keys []string) error {
		for _, k := range keys {
			if !keyTotalPattern.MatchString(k) {
				continue
			}
			fields, err := m.store.HGetAll(ctx, k)
			if err != nil {
				return err
			}
			for field, raw := range fields {
				n, err := strconv.ParseInt(raw, 10, 64)
				if err != nil {
					continue
				}
				totals[field] += n
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for field, n := range totals {
		if _, err := m.store.HIncrBy(ctx, globalTotalKey(), field, n); err != nil {
			return err
		}
	}

	return m.markDone(ctx, name)
}

// WeeklyReset is a key's configured rolling-reset boundary: ResetDay is
// 1-7 ISO (Monday=1), ResetHour is 0-23.
type WeeklyReset struct {
	ResetDay  int
	ResetHour int
}

// ReconstructWeeklyClaudeCost is the daily top-of-day job that recomputes
// each key's current-period usage:opus:weekly value from that key's daily
// Claude-family per-model cost buckets, run under a distributed lock since multiple relay
// instances may fire the same cron tick. keyIDs enumerates the candidate
// keys (normally the daily key index for "today"); resets supplies each
// key's weeklyResetDay/Hour, defaulting to Monday 00:00 when absent.
func (m *Migrator) ReconstructWeeklyClaudeCost(ctx context.Context, keyIDs []string, resets map[string]WeeklyReset) error {
	const lockName = "weekly-claude-cost"
	acquired, err := m.acquireLock(ctx, lockName)
	if err != nil {
		return err
	}
	if !acquired {
		m.log.Info("usage: weekly Claude cost reconstruction already running elsewhere, skipping")
		return nil
	}
	defer func() {
		if err := m.releaseLock(ctx, lockName); err != nil {
			m.log.Warn("usage: failed to release weekly Claude cost lock", "error", err)
		}
	}()

	now := m.clock.Now()

	for _, keyID := range keyIDs {
		day, hour := 1, 0
		if r, ok := resets[keyID]; ok {
			day, hour = r.ResetDay, r.ResetHour
		}

		period := m.clock.WeeklyResetPeriodString(now, day, hour)
		start := m.clock.WeeklyResetPeriodStartDate(now, day, hour)

		var total float64
		for d := start; !d.After(now); d = d.AddDate(0, 0, 1) {
			bucket := m.clock.DateString(d)
			members, err := m.store.SMembers(ctx, keyModelIndexKey(periodDaily, bucket))
			if err != nil {
				m.log.Warn("usage: failed to read keymodel daily index during weekly reconstruction", "error", err)
				continue
			}
			for _, pair := range members {
				model, found := strings.CutPrefix(pair, keyID+":")
				if !found || !IsClaudeFamily(model) {
					continue
				}
				fields, err := m.store.HGetAll(ctx, keyModelPeriodKey(keyID, periodDaily, model, bucket))
				if err != nil {
					continue
				}
				raw, ok := fields["ratedCostMicro"]
				if !ok {
					continue
				}
				micro, err := strconv.ParseInt(raw, 10, 64)
				if err != nil {
					continue
				}
				total += float64(micro) / 1e6
			}
		}

		if err := m.store.Set(ctx, opusWeeklyKey(keyID, period), formatCost(total), opusWeeklyTTL); err != nil {
			return err
		}
	}

	return nil
}

// InitializeMissingCostKeys seeds any missing usage:cost:* key to "0" via
// SETNX so readers never observe a permanent miss for a period that has
// token activity but predates the cost-accounting rollout. It never
// overwrites a value a live request has already written.
func (m *Migrator) InitializeMissingCostKeys(ctx context.Context, keyIDs []string, bucket, period string) error {
	const name = "cost-init"
	if done, err := m.alreadyRan(ctx, name); err != nil {
		return err
	} else if done {
		return nil
	}

	for _, keyID := range keyIDs {
		if _, err := m.store.SetNX(ctx, ratedCostKey(period, keyID, bucket), "0", ttlFor(period)); err != nil {
			return err
		}
		if period == periodDaily || period == periodTotal {
			if _, err := m.store.SetNX(ctx, realCostKey(period, keyID, bucket), "0", ttlFor(period)); err != nil {
				return err
			}
		}
	}

	return m.markDone(ctx, name)
}

func formatCost(usd float64) string {
	return strconv.FormatFloat(usd, 'f', 6, 64)
}
