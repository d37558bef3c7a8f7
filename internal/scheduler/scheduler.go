// Package scheduler selects an upstream account for a request: one
// algorithm shared by every platform (anthropic, openai, openai_responses,
// gemini, bedrock, azure, droid, ccr), differing only in where
// its candidate accounts come from. See Store for the per-platform hash
// layout this package reads directly out of the KV store.
package scheduler

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nulpointcorp/apirelay/internal/concurrency"
	"github.com/nulpointcorp/apirelay/internal/kv"
	"github.com/nulpointcorp/apirelay/pkg/relayerr"
)

const defaultPriority = 50

// Account is the AccountLike union the scheduler sorts and filters on,
// independent of which platform hash it was read from.
type Account struct {
	ID             string
	Platform       string
	Priority       int
	Status         string
	Schedulable    bool
	IsActive       bool
	EndpointType   string // droid accounts only; "" elsewhere
	SupportedModels []string
	ModelMapping   map[string]string
	CreatedAt      int64
	LastUsedAt     int64
}

var blockedStatus = map[string]bool{
	"error":        true,
	"unauthorized": true,
	"blocked":      true,
	"temp_error":   true,
}

// Binding is a key's platform-specific account restriction, resolved from
// its stored config before scheduling.
type Binding struct {
	// AccountID is set for a single-account binding.
	AccountID string
	// GroupID is set for a group binding ("group:<gid>").
	GroupID string
}

func (b Binding) isSet() bool { return b.AccountID != "" || b.GroupID != "" }

// Request is everything the scheduler needs to pick an account.
type Request struct {
	Platform    string
	Endpoint    string // anthropic|openai|comm|gemini|bedrock|droid
	Model       string
	KeyID       string
	SessionHash string // "" disables sticky lookup
	Binding     Binding
}

// Store resolves candidate accounts for a platform. Each platform's
// concrete store (backed by `<platform>:account:<id>` hashes and the
// `<platform>:account:index` set) implements this against internal/kv.
type Store interface {
	// All returns every account of the platform.
	All(ctx context.Context) ([]Account, error)
	// ByID returns a single account, if it exists.
	ByID(ctx context.Context, id string) (Account, bool, error)
	// GroupMembers returns the account ids belonging to group gid.
	GroupMembers(ctx context.Context, gid string) ([]string, error)
	// Touch updates lastUsedAt for accountID to now.
	Touch(ctx context.Context, accountID string, now time.Time) error
}

// Scheduler runs the resolve/filter/sticky/sort/publish algorithm.
type Scheduler struct {
	store       Store
	concurrency *concurrency.Manager
	stickyTTL   time.Duration
	renewalMin  time.Duration
}

// New builds a Scheduler. stickyTTL and renewalThreshold come from
// session.stickyTtlHours / session.renewalThresholdMinutes.
func New(store Store, cm *concurrency.Manager, stickyTTL, renewalThreshold time.Duration) *Scheduler {
	return &Scheduler{store: store, concurrency: cm, stickyTTL: stickyTTL, renewalMin: renewalThreshold}
}

// Select runs the full algorithm and returns the chosen account.
func (s *Scheduler) Select(ctx context.Context, req Request) (Account, error) {
	candidates, bindingLimited, err := s.resolveCandidates(ctx, req)
	if err != nil {
		return Account{}, err
	}

	filtered := filter(candidates, req)
	if len(filtered) == 0 {
		return Account{}, relayerr.NoAccount(bindingLimited)
	}

	stickyEligible := req.SessionHash != "" && !singleAccountBinding(req.Binding)
	if stickyEligible {
		if acc, ok, err := s.stickyLookup(ctx, req, filtered); err != nil {
			return Account{}, err
		} else if ok {
			return acc, nil
		}
	}

	sortAccounts(filtered)
	chosen := filtered[0]

	if err := s.publish(ctx, req, chosen, stickyEligible); err != nil {
		return Account{}, err
	}
	return chosen, nil
}

func singleAccountBinding(b Binding) bool { return b.AccountID != "" }

func (s *Scheduler) resolveCandidates(ctx context.Context, req Request) ([]Account, bool, error) {
	switch {
	case req.Binding.AccountID != "":
		acc, ok, err := s.store.ByID(ctx, req.Binding.AccountID)
		if err != nil {
			return nil, false, relayerr.Wrap(relayerr.StoreUnavailable, err)
		}
		if !ok {
			return nil, true, nil
		}
		return []Account{acc}, true, nil

	case req.Binding.GroupID != "":
		ids, err := s.store.GroupMembers(ctx, req.Binding.GroupID)
		if err != nil {
			return nil, false, relayerr.Wrap(relayerr.StoreUnavailable, err)
		}
		out := make([]Account, 0, len(ids))
		for _, id := range ids {
			acc, ok, err := s.store.ByID(ctx, id)
			if err != nil {
				return nil, false, relayerr.Wrap(relayerr.StoreUnavailable, err)
			}
			if ok {
				out = append(out, acc)
			}
		}
		return out, true, nil

	default:
		all, err := s.store.All(ctx)
		if err != nil {
			return nil, false, relayerr.Wrap(relayerr.StoreUnavailable, err)
		}
		return all, false, nil
	}
}

func filter(accounts []Account, req Request) []Account {
	out := make([]Account, 0, len(accounts))
	for _, a := range accounts {
		if !a.IsActive {
			continue
		}
		if blockedStatus[a.Status] {
			continue
		}
		if !a.Schedulable {
			continue
		}
		if !endpointCompatible(a, req.Endpoint) {
			continue
		}
		if !modelCompatible(a, req.Model) {
			continue
		}
		out = append(out, a)
	}
	return out
}

func endpointCompatible(a Account, endpoint string) bool {
	if a.Platform != "droid" {
		// comm is universal; anthropic/openai endpoints are interchangeable
		// for every non-droid platform.
		return true
	}
	if endpoint == "comm" {
		return true
	}
	return strings.EqualFold(a.EndpointType, endpoint) ||
		(isAnthropicOrOpenAI(a.EndpointType) && isAnthropicOrOpenAI(endpoint))
}

func isAnthropicOrOpenAI(endpoint string) bool {
	e := strings.ToLower(endpoint)
	return e == "anthropic" || e == "openai"
}

func modelCompatible(a Account, model string) bool {
	if len(a.SupportedModels) > 0 && !containsFold(a.SupportedModels, model) {
		return false
	}
	if len(a.ModelMapping) > 0 {
		for k := range a.ModelMapping {
			if strings.EqualFold(k, model) {
				return true
			}
		}
		return false
	}
	return true
}

func containsFold(list []string, target string) bool {
	for _, v := range list {
		if strings.EqualFold(v, target) {
			return true
		}
	}
	return false
}

func sortAccounts(accounts []Account) {
	sort.SliceStable(accounts, func(i, j int) bool {
		pi, pj := priorityOf(accounts[i]), priorityOf(accounts[j])
		if pi != pj {
			return pi < pj
		}
		if accounts[i].LastUsedAt != accounts[j].LastUsedAt {
			return accounts[i].LastUsedAt < accounts[j].LastUsedAt
		}
		return accounts[i].CreatedAt < accounts[j].CreatedAt
	})
}

func priorityOf(a Account) int {
	if a.Priority == 0 {
		return defaultPriority
	}
	return a.Priority
}

func stickyKey(req Request) string {
	keyPart := req.KeyID
	if keyPart == "" {
		keyPart = "default"
	}
	return req.Platform + ":" + req.Endpoint + ":" + keyPart + ":" + req.SessionHash
}

func (s *Scheduler) stickyLookup(ctx context.Context, req Request, filtered []Account) (Account, bool, error) {
	accountID, ok, err := s.concurrency.StickyLookup(ctx, stickyKey(req))
	if err != nil {
		return Account{}, false, relayerr.Wrap(relayerr.StoreUnavailable, err)
	}
	if !ok {
		return Account{}, false, nil
	}
	for _, a := range filtered {
		if a.ID == accountID {
			if _, err := s.concurrency.StickyRenewIfNeeded(ctx, stickyKey(req), s.stickyTTL, s.renewalMin); err != nil {
				return Account{}, false, relayerr.Wrap(relayerr.StoreUnavailable, err)
			}
			return a, true, nil
		}
	}
	// Mapped account is no longer a valid candidate; drop the stale mapping
	// and fall through to a fresh selection.
	_ = s.concurrency.StickyDelete(ctx, stickyKey(req))
	return Account{}, false, nil
}

func (s *Scheduler) publish(ctx context.Context, req Request, chosen Account, stickyEligible bool) error {
	if err := s.store.Touch(ctx, chosen.ID, time.Now()); err != nil {
		return relayerr.Wrap(relayerr.StoreUnavailable, err)
	}
	if stickyEligible {
		if err := s.concurrency.StickySet(ctx, stickyKey(req), chosen.ID, s.stickyTTL); err != nil {
			return relayerr.Wrap(relayerr.StoreUnavailable, err)
		}
	}
	return nil
}

// RedisStore is the Store implementation backed directly by internal/kv,
// reading the `<platform>:account:<id>` hash layout from §6.
type RedisStore struct {
	store    *kv.Store
	platform string
}

// NewRedisStore builds a Store for one platform's hashes.
func NewRedisStore(store *kv.Store, platform string) *RedisStore {
	return &RedisStore{store: store, platform: platform}
}

func (r *RedisStore) indexKey() string  { return r.platform + ":account:index" }
func (r *RedisStore) hashKey(id string) string { return r.platform + ":account:" + id }

func (r *RedisStore) All(ctx context.Context) ([]Account, error) {
	ids, err := r.store.SMembers(ctx, r.indexKey())
	if err != nil {
		return nil, err
	}
	out := make([]Account, 0, len(ids))
	for _, id := range ids {
		acc, ok, err := r.ByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, acc)
		}
	}
	return out, nil
}

func (r *RedisStore) ByID(ctx context.Context, id string) (Account, bool, error) {
	fields, err := r.store.HGetAll(ctx, r.hashKey(id))
	if err != nil {
		return Account{}, false, err
	}
	if len(fields) == 0 {
		return Account{}, false, nil
	}
	return decodeAccount(id, r.platform, fields), true, nil
}

func (r *RedisStore) GroupMembers(ctx context.Context, gid string) ([]string, error) {
	return r.store.SMembers(ctx, "account_group_members:"+gid)
}

func (r *RedisStore) Touch(ctx context.Context, accountID string, now time.Time) error {
	return r.store.HSet(ctx, r.hashKey(accountID), map[string]any{
		"lastUsedAt": now.UnixMilli(),
	})
}

func decodeAccount(id, platform string, fields map[string]string) Account {
	a := Account{
		ID:           id,
		Platform:     platform,
		Priority:     atoiDefault(fields["priority"], defaultPriority),
		Status:       fields["status"],
		Schedulable:  fields["schedulable"] != "false",
		IsActive:     fields["isActive"] != "false",
		EndpointType: fields["endpointType"],
		CreatedAt:    atoi64(fields["createdAt"]),
		LastUsedAt:   atoi64(fields["lastUsedAt"]),
	}
	if raw := fields["supportedModels"]; raw != "" {
		a.SupportedModels = strings.Split(raw, ",")
	}
	if raw := fields["modelMapping"]; raw != "" {
		a.ModelMapping = map[string]string{}
		for _, pair := range strings.Split(raw, ",") {
			kv := strings.SplitN(pair, ":", 2)
			if len(kv) == 2 {
				a.ModelMapping[kv[0]] = kv[1]
			}
		}
	}
	return a
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
