// Package kv provides a typed adapter over a single networked key-value
// store keyspace (Redis-compatible). Every other control-plane component —
// concurrency primitives, indexing, usage accounting, the scheduler, API-key
// auth — talks to the store exclusively through this package so that the
// bit-exact key schema lives in one place.
//
// Errors from the underlying client are wrapped into ErrUnavailable so
// callers can decide, per the caller's own error-handling policy, whether to
// degrade (best-effort dashboard reads, backfill jobs) or fail the request
// (admission-path reads).
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable is returned (wrapped) when the store cannot be reached.
// Best-effort callers may treat this as an empty result; admission-path
// callers must fail the request.
var ErrUnavailable = errors.New("kv: store unavailable")

// Store is the typed surface every control-plane component depends on.
// It wraps a go-redis client; tests construct one against miniredis.
type Store struct {
	cli *redis.Client
}

// New wraps an already-connected *redis.Client.
func New(cli *redis.Client) *Store {
	return &Store{cli: cli}
}

// Connect parses url, dials, and verifies connectivity with a PING.
func Connect(ctx context.Context, url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("kv: parse url: %w", err)
	}

	cli := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("kv: ping: %w", wrapErr(err))
	}

	return &Store{cli: cli}, nil
}

// Client exposes the underlying redis.Client for components (rate-limit
// windows, scripts) that need direct access to run a *redis.Script.
func (s *Store) Client() *redis.Client { return s.cli }

// Ping reports whether the store is currently reachable. Used by readiness
// probes and as the best-effort degrade signal.
func (s *Store) Ping(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return s.cli.Ping(pingCtx).Err() == nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.cli.Close()
}

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// ── Strings ──────────────────────────────────────────────────────────────

// Get returns the string value for key. ok is false on a miss.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.cli.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapErr(err)
	}
	return v, true, nil
}

// Set stores value under key. A zero ttl means no expiry.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.cli.Set(ctx, key, value, ttl).Err(); err != nil {
		return wrapErr(err)
	}
	return nil
}

// SetNX stores value under key only if it does not already exist. Returns
// true if the value was written.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.cli.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, wrapErr(err)
	}
	return ok, nil
}

// Del deletes one or more keys. Missing keys are not an error.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.cli.Del(ctx, keys...).Err(); err != nil {
		return wrapErr(err)
	}
	return nil
}

// Exists reports how many of the given keys exist.
func (s *Store) Exists(ctx context.Context, keys ...string) (int64, error) {
	n, err := s.cli.Exists(ctx, keys...).Result()
	if err != nil {
		return 0, wrapErr(err)
	}
	return n, nil
}

// Expire sets a TTL on an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.cli.Expire(ctx, key, ttl).Err(); err != nil {
		return wrapErr(err)
	}
	return nil
}

// IncrBy atomically increments an integer string value.
func (s *Store) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	v, err := s.cli.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, wrapErr(err)
	}
	return v, nil
}

// ── Hashes ───────────────────────────────────────────────────────────────

// HGet reads a single hash field.
func (s *Store) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := s.cli.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapErr(err)
	}
	return v, true, nil
}

// HGetAll reads every field of a hash. Returns an empty, non-nil map on miss.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.cli.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrapErr(err)
	}
	return m, nil
}

// HSet writes one or more field/value pairs.
func (s *Store) HSet(ctx context.Context, key string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	if err := s.cli.HSet(ctx, key, fields).Err(); err != nil {
		return wrapErr(err)
	}
	return nil
}

// HSetNX writes a single field only if it is not already set.
func (s *Store) HSetNX(ctx context.Context, key, field, value string) (bool, error) {
	ok, err := s.cli.HSetNX(ctx, key, field, value).Result()
	if err != nil {
		return false, wrapErr(err)
	}
	return ok, nil
}

// HDel removes one or more fields from a hash.
func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := s.cli.HDel(ctx, key, fields...).Err(); err != nil {
		return wrapErr(err)
	}
	return nil
}

// HIncrBy atomically increments an integer hash field.
func (s *Store) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	v, err := s.cli.HIncrBy(ctx, key, field, delta).Result()
	if err != nil {
		return 0, wrapErr(err)
	}
	return v, nil
}

// ── Sets ─────────────────────────────────────────────────────────────────

// SAdd adds members to a set.
func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.cli.SAdd(ctx, key, args...).Err(); err != nil {
		return wrapErr(err)
	}
	return nil
}

// SRem removes members from a set.
func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.cli.SRem(ctx, key, args...).Err(); err != nil {
		return wrapErr(err)
	}
	return nil
}

// SMembers returns every member of a set.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	m, err := s.cli.SMembers(ctx, key).Result()
	if err != nil {
		return nil, wrapErr(err)
	}
	return m, nil
}

// SIsMember reports whether member is in the set.
func (s *Store) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := s.cli.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, wrapErr(err)
	}
	return ok, nil
}

// SCard returns the cardinality of a set.
func (s *Store) SCard(ctx context.Context, key string) (int64, error) {
	n, err := s.cli.SCard(ctx, key).Result()
	if err != nil {
		return 0, wrapErr(err)
	}
	return n, nil
}

// ── Sorted sets ──────────────────────────────────────────────────────────

// ZAdd adds or updates a member's score.
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := s.cli.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return wrapErr(err)
	}
	return nil
}

// ZRem removes a member from a sorted set.
func (s *Store) ZRem(ctx context.Context, key, member string) error {
	if err := s.cli.ZRem(ctx, key, member).Err(); err != nil {
		return wrapErr(err)
	}
	return nil
}

// ZRemRangeByScore removes every member with score in [min, max].
func (s *Store) ZRemRangeByScore(ctx context.Context, key, min, max string) error {
	if err := s.cli.ZRemRangeByScore(ctx, key, min, max).Err(); err != nil {
		return wrapErr(err)
	}
	return nil
}

// ZCard returns the cardinality of a sorted set.
func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.cli.ZCard(ctx, key).Result()
	if err != nil {
		return 0, wrapErr(err)
	}
	return n, nil
}

// ZScore returns the score of member, if present.
func (s *Store) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	v, err := s.cli.ZScore(ctx, key, member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrapErr(err)
	}
	return v, true, nil
}

// ── Lists ────────────────────────────────────────────────────────────────

// LPush prepends a value to a list.
func (s *Store) LPush(ctx context.Context, key, value string) error {
	if err := s.cli.LPush(ctx, key, value).Err(); err != nil {
		return wrapErr(err)
	}
	return nil
}

// LTrim keeps only the [start, stop] range of a list.
func (s *Store) LTrim(ctx context.Context, key string, start, stop int64) error {
	if err := s.cli.LTrim(ctx, key, start, stop).Err(); err != nil {
		return wrapErr(err)
	}
	return nil
}

// LRange returns the [start, stop] range of a list.
func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	v, err := s.cli.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, wrapErr(err)
	}
	return v, nil
}

// ── Pipelines ────────────────────────────────────────────────────────────

// Pipeline exposes a redis.Pipeliner for callers that need to batch several
// heterogeneous operations into a single round trip.
func (s *Store) Pipeline() redis.Pipeliner {
	return s.cli.Pipeline()
}

// TxPipeline exposes a MULTI/EXEC-wrapped redis.Pipeliner for callers that
// need every queued command to apply atomically as a unit.
func (s *Store) TxPipeline() redis.Pipeliner {
	return s.cli.TxPipeline()
}

// ── Scripts ──────────────────────────────────────────────────────────────

// RunScript executes a pre-compiled Lua script atomically, server-side.
func (s *Store) RunScript(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error) {
	v, err := script.Run(ctx, s.cli, keys, args...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, wrapErr(err)
	}
	return v, nil
}
