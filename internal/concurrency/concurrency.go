// Package concurrency implements the lease-based active-request counters,
// FIFO admission queue counters and stats, per-account serialization locks,
// and sticky-session mappings that the relay orchestrator and API-key
// admission path depend on. Every mutating operation is a single atomic
// server-side script — never a read-modify-write pair of round trips.
package concurrency

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/nulpointcorp/apirelay/internal/kv"
)

// Defaults per the configurable timeout model. Callers normally source
// these from configuration; internal/config sets its own defaults as
// literals rather than reading these constants.
const (
	DefaultLeaseSeconds         = 300
	DefaultRenewIntervalSeconds = 30
	DefaultCleanupGraceSeconds  = 30
	DefaultStickyTTLHours       = 1
	DefaultRenewalThresholdMin  = 10

	queueStatsTTL        = 7 * 24 * time.Hour
	waitSampleTTL        = 24 * time.Hour
	perKeyWaitSampleCap  = 500
	globalWaitSampleCap  = 2000
	accountLockLastTTLSec = 60
)

// Manager is the single entry point for every concurrency primitive. It is
// stateless beyond the store handle and is safe for concurrent use.
type Manager struct {
	store *kv.Store
}

// New builds a Manager backed by store.
func New(store *kv.Store) *Manager {
	return &Manager{store: store}
}

// ── key helpers ──────────────────────────────────────────────────────────

// ActiveKeyScope returns the lease-set key for an API Key's own concurrency.
func ActiveKeyScope(apiKeyID string) string { return "concurrency:" + apiKeyID }

// ActiveConsoleAccountScope returns the lease-set key for a console
// account's own concurrency, a separate namespace from API-Key concurrency.
func ActiveConsoleAccountScope(accountID string) string {
	return "concurrency:console_account:" + accountID
}

func queueKey(apiKeyID string) string         { return "concurrency:queue:" + apiKeyID }
func queueStatsKey(apiKeyID string) string    { return "concurrency:queue:stats:" + apiKeyID }
func waitTimesKey(apiKeyID string) string     { return "concurrency:queue:wait_times:" + apiKeyID }
func globalWaitTimesKey() string              { return "concurrency:queue:wait_times:global" }
func accountLockKey(accountID string) string  { return "user_msg_queue_lock:" + accountID }
func accountLastKey(accountID string) string  { return "user_msg_queue_last:" + accountID }
func stickyKey(sessionHash string) string     { return "sticky_session:" + sessionHash }

// QueueStat names the counters tracked in the per-key stats hash.
type QueueStat string

const (
	StatEntered          QueueStat = "entered"
	StatSuccess          QueueStat = "success"
	StatTimeout          QueueStat = "timeout"
	StatCancelled        QueueStat = "cancelled"
	StatSocketChanged    QueueStat = "socket_changed"
	StatRejectedOverload QueueStat = "rejected_overload"
)

// ── active concurrency (lease-based) ─────────────────────────────────────

// Acquire admits requestID into scope's lease set and returns the
// post-admission member count. leaseSeconds bounds how long the lease is
// valid before it is treated as stale by any subsequent operation.
func (m *Manager) Acquire(ctx context.Context, scope, requestID string, leaseSeconds int) (int64, error) {
	now := time.Now()
	expireAt := now.Add(time.Duration(leaseSeconds) * time.Second).UnixMilli()
	ttl := leaseSeconds + DefaultCleanupGraceSeconds
	if ttl < 60 {
		ttl = 60
	}

	v, err := m.store.RunScript(ctx, leaseAcquireScript,
		[]string{scope}, now.UnixMilli(), requestID, expireAt, ttl)
	if err != nil {
		return 0, err
	}
	return toInt64(v)
}

// RefreshLease extends requestID's lease if it is still present. Returns
// false when the lease had already expired or was released.
func (m *Manager) RefreshLease(ctx context.Context, scope, requestID string, leaseSeconds int) (bool, error) {
	now := time.Now()
	expireAt := now.Add(time.Duration(leaseSeconds) * time.Second).UnixMilli()

	v, err := m.store.RunScript(ctx, leaseRefreshScript,
		[]string{scope}, now.UnixMilli(), requestID, expireAt)
	if err != nil {
		return false, err
	}
	n, err := toInt64(v)
	return n == 1, err
}

// Release removes requestID from scope's lease set and returns the new
// member count.
func (m *Manager) Release(ctx context.Context, scope, requestID string) (int64, error) {
	v, err := m.store.RunScript(ctx, leaseReleaseScript,
		[]string{scope}, requestID, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return toInt64(v)
}

// Get evicts stale members and returns the active count for scope.
func (m *Manager) Get(ctx context.Context, scope string) (int64, error) {
	v, err := m.store.RunScript(ctx, leaseCountScript, []string{scope}, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return toInt64(v)
}

// ── admission queue ──────────────────────────────────────────────────────

// QueueEnter increments the admission queue counter for apiKeyID, bounding
// its TTL to timeout plus a safety margin, and records an "entered" stat.
func (m *Manager) QueueEnter(ctx context.Context, apiKeyID string, timeout time.Duration) (int64, error) {
	ttlSec := int(timeout.Seconds()) + 30
	v, err := m.store.RunScript(ctx, queueIncrScript, []string{queueKey(apiKeyID)}, ttlSec)
	if err != nil {
		return 0, err
	}
	n, err := toInt64(v)
	if err != nil {
		return 0, err
	}
	if err := m.bumpStat(ctx, apiKeyID, StatEntered); err != nil {
		return n, err
	}
	return n, nil
}

// QueueLeave decrements the admission queue counter for apiKeyID.
func (m *Manager) QueueLeave(ctx context.Context, apiKeyID string) (int64, error) {
	v, err := m.store.RunScript(ctx, queueDecrScript, []string{queueKey(apiKeyID)})
	if err != nil {
		return 0, err
	}
	return toInt64(v)
}

// RecordOutcome increments the named stat counter and, for terminal
// outcomes, records the observed wait time into both the per-key and
// global wait-time sample lists.
func (m *Manager) RecordOutcome(ctx context.Context, apiKeyID string, stat QueueStat, wait time.Duration) error {
	if err := m.bumpStat(ctx, apiKeyID, stat); err != nil {
		return err
	}
	if stat != StatSuccess {
		return nil
	}
	ms := strconv.FormatInt(wait.Milliseconds(), 10)
	if _, err := m.store.RunScript(ctx, samplePushScript,
		[]string{waitTimesKey(apiKeyID)}, ms, perKeyWaitSampleCap, int(waitSampleTTL.Seconds())); err != nil {
		return err
	}
	_, err := m.store.RunScript(ctx, samplePushScript,
		[]string{globalWaitTimesKey()}, ms, globalWaitSampleCap, int(waitSampleTTL.Seconds()))
	return err
}

func (m *Manager) bumpStat(ctx context.Context, apiKeyID string, stat QueueStat) error {
	_, err := m.store.RunScript(ctx, statsIncrScript,
		[]string{queueStatsKey(apiKeyID)}, string(stat), int(queueStatsTTL.Seconds()))
	return err
}

// QueueStats returns the current stat counters for apiKeyID.
func (m *Manager) QueueStats(ctx context.Context, apiKeyID string) (map[string]string, error) {
	return m.store.HGetAll(ctx, queueStatsKey(apiKeyID))
}

// ── per-account serialization lock ───────────────────────────────────────

// LockResult is the outcome of an account lock acquisition attempt.
type LockResult struct {
	Acquired bool
	// Wait is how long the caller should back off before retrying. It is
	// negative when a different request currently holds the lock outright
	// (as opposed to the holder having just released it too recently).
	Wait time.Duration
}

// AcquireAccountLock attempts to serialize access to accountID for
// requestID. lockTTL bounds how long the lock is held if never released;
// minDelay enforces a minimum gap between consecutive completions on the
// same account.
func (m *Manager) AcquireAccountLock(ctx context.Context, accountID, requestID string, lockTTL, minDelay time.Duration) (LockResult, error) {
	now := time.Now().UnixMilli()
	v, err := m.store.RunScript(ctx, accountLockAcquireScript,
		[]string{accountLockKey(accountID), accountLastKey(accountID)},
		requestID, lockTTL.Milliseconds(), minDelay.Milliseconds(), now)
	if err != nil {
		return LockResult{}, err
	}

	pair, ok := v.([]any)
	if !ok || len(pair) != 2 {
		return LockResult{}, fmt.Errorf("concurrency: unexpected lock script result %T", v)
	}
	acquired, err := toInt64(pair[0])
	if err != nil {
		return LockResult{}, err
	}
	waitMs, err := toInt64(pair[1])
	if err != nil {
		return LockResult{}, err
	}

	return LockResult{Acquired: acquired == 1, Wait: time.Duration(waitMs) * time.Millisecond}, nil
}

// ReleaseAccountLock releases accountID's lock if requestID still owns it,
// recording the completion time used by the next acquire's delay check.
func (m *Manager) ReleaseAccountLock(ctx context.Context, accountID, requestID string) (bool, error) {
	v, err := m.store.RunScript(ctx, accountLockReleaseScript,
		[]string{accountLockKey(accountID), accountLastKey(accountID)},
		requestID, time.Now().UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := toInt64(v)
	return n == 1, err
}

// ForceReleaseAccountLock unconditionally clears accountID's lock, for
// administrative recovery from a stuck holder.
func (m *Manager) ForceReleaseAccountLock(ctx context.Context, accountID string) error {
	return m.store.Del(ctx, accountLockKey(accountID))
}

// ── sticky sessions ──────────────────────────────────────────────────────

// StickyLookup returns the account mapped to sessionHash, if any.
func (m *Manager) StickyLookup(ctx context.Context, sessionHash string) (string, bool, error) {
	return m.store.Get(ctx, stickyKey(sessionHash))
}

// StickySet maps sessionHash to accountID for ttl.
func (m *Manager) StickySet(ctx context.Context, sessionHash, accountID string, ttl time.Duration) error {
	return m.store.Set(ctx, stickyKey(sessionHash), accountID, ttl)
}

// StickyDelete removes a stale or no-longer-valid sticky mapping.
func (m *Manager) StickyDelete(ctx context.Context, sessionHash string) error {
	return m.store.Del(ctx, stickyKey(sessionHash))
}

// StickyRenewIfNeeded extends sessionHash's mapping back to ttl when its
// remaining lifetime has dropped under threshold. Returns the TTL observed
// before any renewal (-1 if the key carried no TTL, which cannot happen for
// keys created through StickySet; -2 if the key does not exist).
func (m *Manager) StickyRenewIfNeeded(ctx context.Context, sessionHash string, ttl, threshold time.Duration) (time.Duration, error) {
	v, err := m.store.RunScript(ctx, stickyRenewScript,
		[]string{stickyKey(sessionHash)}, int(ttl.Seconds()), int(threshold.Seconds()))
	if err != nil {
		return 0, err
	}
	secs, err := toInt64(v)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs) * time.Second, nil
}

// ── helpers ──────────────────────────────────────────────────────────────

func toInt64(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case string:
		return strconv.ParseInt(t, 10, 64)
	default:
		return 0, fmt.Errorf("concurrency: unexpected script result type %T", v)
	}
}
