// Package apikey authenticates API Keys by hash lookup and runs the
// ordered pre-admission checks (model restriction, cost caps, weekly-Opus
// cap, rate-limit window, concurrency/queue admission) before a request is
// allowed to reach the scheduler.
package apikey

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/nulpointcorp/apirelay/internal/concurrency"
	"github.com/nulpointcorp/apirelay/internal/kv"
	"github.com/nulpointcorp/apirelay/internal/ratelimit"
	"github.com/nulpointcorp/apirelay/internal/usage"
	"github.com/nulpointcorp/apirelay/pkg/relayerr"
)

// Key is the API-Key record as read out of `apikey:<id>`.
type Key struct {
	ID                     string
	IsDeleted              bool
	IsActive               bool
	ExpiresAt              int64 // unix seconds, 0 = never
	ActivatedAt            int64 // unix seconds, 0 = not yet activated
	ActivationDurationSec  int64 // 0 = no first-use window
	EnableModelRestriction bool
	RestrictedModels       []string
	DailyCostLimit         float64
	TotalCostLimit         float64
	WeeklyOpusCostLimit    float64
	AccountType            string // drives Opus-eligibility per usage.IsClaudeFamily
	RateLimitWindowSec     int64  // default 60
	RateLimitRequests      int64
	MaxConcurrency         int64
	AllowedClients         []string
	BoundAccountID         string // restricts scheduling to one account, "" = unrestricted
	BoundGroupID           string // restricts scheduling to one account group, "" = unrestricted
}

// Store resolves and mutates API-Key records and their hash-lookup map.
type Store struct {
	store *kv.Store
}

// NewStore builds a Store backed by store.
func NewStore(store *kv.Store) *Store {
	return &Store{store: store}
}

func hashMapKey() string            { return "apikey:hash_map" }
func legacyHashKey(hash string) string { return "apikey_hash:" + hash }
func keyHashKey(id string) string   { return "apikey:" + id }

// Lookup resolves hashedKey to a Key, consulting the legacy per-hash
// structure and back-filling the hash map on a miss there, per §4.9.
func (s *Store) Lookup(ctx context.Context, hashedKey string) (Key, error) {
	keyID, ok, err := s.store.HGet(ctx, hashMapKey(), hashedKey)
	if err != nil {
		return Key{}, relayerr.Wrap(relayerr.StoreUnavailable, err)
	}
	if !ok {
		legacy, err := s.store.HGetAll(ctx, legacyHashKey(hashedKey))
		if err != nil {
			return Key{}, relayerr.Wrap(relayerr.StoreUnavailable, err)
		}
		legacyID, legacyOK := legacy["keyId"]
		if !legacyOK || legacyID == "" {
			return Key{}, relayerr.New(relayerr.InvalidCredentials, "unknown API key")
		}
		if err := s.store.HSet(ctx, hashMapKey(), map[string]any{hashedKey: legacyID}); err != nil {
			return Key{}, relayerr.Wrap(relayerr.StoreUnavailable, err)
		}
		keyID = legacyID
	}

	fields, err := s.store.HGetAll(ctx, keyHashKey(keyID))
	if err != nil {
		return Key{}, relayerr.Wrap(relayerr.StoreUnavailable, err)
	}
	if len(fields) == 0 {
		// Mapping points at a key that no longer exists; drop it.
		_ = s.store.HDel(ctx, hashMapKey(), hashedKey)
		return Key{}, relayerr.New(relayerr.InvalidCredentials, "API key mapping is stale")
	}
	return decodeKey(keyID, fields), nil
}

// Activate records a first use for keys with an activation window.
func (s *Store) Activate(ctx context.Context, id string, now time.Time) error {
	return s.store.HSet(ctx, keyHashKey(id), map[string]any{"activatedAt": now.Unix()})
}

func decodeKey(id string, fields map[string]string) Key {
	k := Key{
		ID:                    id,
		IsDeleted:             fields["isDeleted"] == "true",
		IsActive:              fields["isActive"] == "true",
		ExpiresAt:             atoi64(fields["expiresAt"]),
		ActivatedAt:           atoi64(fields["activatedAt"]),
		ActivationDurationSec: atoi64(fields["activationDuration"]),
		EnableModelRestriction: fields["enableModelRestriction"] == "true",
		AccountType:           fields["accountType"],
		RateLimitWindowSec:    atoi64Default(fields["rateLimitWindow"], 60),
		RateLimitRequests:     atoi64(fields["rateLimitRequests"]),
		MaxConcurrency:        atoi64(fields["maxConcurrency"]),
		BoundAccountID:        fields["boundAccountId"],
		BoundGroupID:          fields["boundGroupId"],
	}
	k.DailyCostLimit, _ = strconv.ParseFloat(fields["dailyCostLimit"], 64)
	k.TotalCostLimit, _ = strconv.ParseFloat(fields["totalCostLimit"], 64)
	k.WeeklyOpusCostLimit, _ = strconv.ParseFloat(fields["weeklyOpusCostLimit"], 64)
	if raw := fields["restrictedModels"]; raw != "" {
		k.RestrictedModels = strings.Split(raw, ",")
	}
	if raw := fields["allowedClients"]; raw != "" {
		k.AllowedClients = strings.Split(raw, ",")
	}
	return k
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func atoi64Default(s string, def int64) int64 {
	if s == "" {
		return def
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// Validate checks the validity predicates from §4.9's Authentication step.
func (k Key) Validate(now time.Time) error {
	if k.IsDeleted {
		return relayerr.New(relayerr.KeyDeleted, "API key was deleted")
	}
	if !k.IsActive {
		return relayerr.New(relayerr.KeyInactive, "API key is not active")
	}
	if k.ExpiresAt > 0 && now.Unix() > k.ExpiresAt {
		return relayerr.New(relayerr.KeyExpired, "API key has expired")
	}
	if k.ActivationDurationSec > 0 && k.ActivatedAt > 0 {
		deadline := k.ActivatedAt + k.ActivationDurationSec
		if now.Unix() > deadline {
			return relayerr.New(relayerr.KeyExpired, "activation window has elapsed")
		}
	}
	return nil
}

// Admission runs the ordered pre-admission checks and, on success, admits
// requestID into the key's concurrency lease set.
type Admission struct {
	store       *kv.Store
	concurrency *concurrency.Manager
	limiter     *ratelimit.WindowLimiter
}

// NewAdmission builds an Admission checker.
func NewAdmission(store *kv.Store, cm *concurrency.Manager) *Admission {
	return &Admission{store: store, concurrency: cm, limiter: ratelimit.NewWindowLimiter(store)}
}

// CheckParams bundles one request's admission-relevant facts.
type CheckParams struct {
	Key              Key
	Model            string
	NormalizedModel  string // for the Opus-eligibility check
	RequestID        string
	LeaseSeconds     int
	QueueTimeout     time.Duration
	Today            string // calendar.Clock.DateString for the daily cost key
	OpusWeeklyPeriod string // calendar.Clock.WeeklyResetPeriodString, "" disables the check
}

// Outcome is what the caller needs to release resources on every exit path.
type Outcome struct {
	Admitted    bool
	Queued      bool
	WaitStarted time.Time
}

// Admit runs every pre-admission check in order and, on success, acquires
// the concurrency lease (queueing first if the key is already saturated).
func (a *Admission) Admit(ctx context.Context, p CheckParams) (Outcome, error) {
	if p.Key.EnableModelRestriction && !containsFold(p.Key.RestrictedModels, p.Model) {
		return Outcome{}, relayerr.New(relayerr.ModelNotAllowed, "model is not in the key's restricted list")
	}

	if err := a.checkCostCaps(ctx, p); err != nil {
		return Outcome{}, err
	}

	if err := a.checkWeeklyOpusCap(ctx, p); err != nil {
		return Outcome{}, err
	}

	if err := a.limiter.CheckAndReserve(ctx, p.Key.ID, p.Key.RateLimitWindowSec, p.Key.RateLimitRequests); err != nil {
		return Outcome{}, err
	}

	return a.admitConcurrency(ctx, p)
}

func (a *Admission) checkCostCaps(ctx context.Context, p CheckParams) error {
	if p.Key.DailyCostLimit > 0 {
		v, _, err := a.store.Get(ctx, "usage:cost:daily:"+p.Key.ID+":"+p.Today)
		if err != nil {
			return relayerr.Wrap(relayerr.StoreUnavailable, err)
		}
		cur, _ := strconv.ParseFloat(v, 64)
		if cur >= p.Key.DailyCostLimit {
			return relayerr.New(relayerr.QuotaExceeded, "daily cost limit reached")
		}
	}
	if p.Key.TotalCostLimit > 0 {
		v, _, err := a.store.Get(ctx, "usage:cost:total:"+p.Key.ID)
		if err != nil {
			return relayerr.Wrap(relayerr.StoreUnavailable, err)
		}
		cur, _ := strconv.ParseFloat(v, 64)
		if cur >= p.Key.TotalCostLimit {
			return relayerr.New(relayerr.QuotaExceeded, "total cost limit reached")
		}
	}
	return nil
}

func (a *Admission) checkWeeklyOpusCap(ctx context.Context, p CheckParams) error {
	if p.Key.WeeklyOpusCostLimit <= 0 || p.OpusWeeklyPeriod == "" {
		return nil
	}
	if !usage.IsClaudeFamily(p.NormalizedModel) {
		return nil
	}
	v, _, err := a.store.Get(ctx, "usage:opus:weekly:"+p.Key.ID+":"+p.OpusWeeklyPeriod)
	if err != nil {
		return relayerr.Wrap(relayerr.StoreUnavailable, err)
	}
	cur, _ := strconv.ParseFloat(v, 64)
	if cur >= p.Key.WeeklyOpusCostLimit {
		return relayerr.New(relayerr.QuotaExceeded, "weekly Opus cost cap reached")
	}
	return nil
}

func (a *Admission) admitConcurrency(ctx context.Context, p CheckParams) (Outcome, error) {
	scope := concurrency.ActiveKeyScope(p.Key.ID)
	if p.Key.MaxConcurrency <= 0 {
		if _, err := a.concurrency.Acquire(ctx, scope, p.RequestID, p.LeaseSeconds); err != nil {
			return Outcome{}, relayerr.Wrap(relayerr.StoreUnavailable, err)
		}
		return Outcome{Admitted: true}, nil
	}

	active, err := a.concurrency.Get(ctx, scope)
	if err != nil {
		return Outcome{}, relayerr.Wrap(relayerr.StoreUnavailable, err)
	}
	if active < p.Key.MaxConcurrency {
		if _, err := a.concurrency.Acquire(ctx, scope, p.RequestID, p.LeaseSeconds); err != nil {
			return Outcome{}, relayerr.Wrap(relayerr.StoreUnavailable, err)
		}
		return Outcome{Admitted: true}, nil
	}

	return a.queueThenAdmit(ctx, p, scope)
}

func (a *Admission) queueThenAdmit(ctx context.Context, p CheckParams, scope string) (Outcome, error) {
	waitStart := time.Now()
	if _, err := a.concurrency.QueueEnter(ctx, p.Key.ID, p.QueueTimeout); err != nil {
		return Outcome{}, relayerr.Wrap(relayerr.StoreUnavailable, err)
	}

	const pollInterval = 50 * time.Millisecond
	deadline := waitStart.Add(p.QueueTimeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		active, err := a.concurrency.Get(ctx, scope)
		if err != nil {
			_, _ = a.concurrency.QueueLeave(ctx, p.Key.ID)
			return Outcome{}, relayerr.Wrap(relayerr.StoreUnavailable, err)
		}
		if active < p.Key.MaxConcurrency {
			if _, err := a.concurrency.Acquire(ctx, scope, p.RequestID, p.LeaseSeconds); err != nil {
				_, _ = a.concurrency.QueueLeave(ctx, p.Key.ID)
				return Outcome{}, relayerr.Wrap(relayerr.StoreUnavailable, err)
			}
			_, _ = a.concurrency.QueueLeave(ctx, p.Key.ID)
			_ = a.concurrency.RecordOutcome(ctx, p.Key.ID, concurrency.StatSuccess, time.Since(waitStart))
			return Outcome{Admitted: true, Queued: true, WaitStarted: waitStart}, nil
		}

		select {
		case <-ctx.Done():
			_, _ = a.concurrency.QueueLeave(ctx, p.Key.ID)
			_ = a.concurrency.RecordOutcome(ctx, p.Key.ID, concurrency.StatCancelled, time.Since(waitStart))
			return Outcome{}, relayerr.New(relayerr.ClientDisconnect, "client disconnected while queued")
		case now := <-ticker.C:
			if now.After(deadline) {
				_, _ = a.concurrency.QueueLeave(ctx, p.Key.ID)
				_ = a.concurrency.RecordOutcome(ctx, p.Key.ID, concurrency.StatTimeout, time.Since(waitStart))
				return Outcome{}, relayerr.New(relayerr.QueueTimeout, "admission queue wait exceeded queueTimeoutMs")
			}
		}
	}
}

// Release decrements the key's concurrency lease. It is safe to call on
// every exit path (success, error, cancellation) — the underlying script
// no-ops if requestID is not a member.
func (a *Admission) Release(ctx context.Context, keyID, requestID string) error {
	_, err := a.concurrency.Release(ctx, concurrency.ActiveKeyScope(keyID), requestID)
	return err
}

// RenewLease refreshes requestID's lease; call this on a renewIntervalSec
// ticker for the lifetime of the in-flight request.
func (a *Admission) RenewLease(ctx context.Context, keyID, requestID string, leaseSeconds int) (bool, error) {
	return a.concurrency.RefreshLease(ctx, concurrency.ActiveKeyScope(keyID), requestID, leaseSeconds)
}

func containsFold(list []string, target string) bool {
	for _, v := range list {
		if strings.EqualFold(v, target) {
			return true
		}
	}
	return false
}
