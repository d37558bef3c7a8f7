// Package ratelimit implements the relay's per-API-Key rate-limit window:
// a fixed window (not a sliding one) keyed by a stored window-start unix
// second, with independent requests/tokens/cost counters that reset
// atomically together when the window rolls. One Lua script owns the
// whole roll-or-increment decision so two concurrent requests can never
// observe two different window starts.
package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/apirelay/internal/kv"
	"github.com/nulpointcorp/apirelay/pkg/relayerr"
)

// admitScript evicts the window if it has expired, then checks requests+1
// against the limit before incrementing — the "check before admission"
// requirement from §4.9.4. tokens/cost are incremented separately during
// post-request accounting, never here.
//
// KEYS[1] = rate_limit:window_start:<keyId>
// KEYS[2] = rate_limit:requests:<keyId>
// KEYS[3] = rate_limit:tokens:<keyId>
// KEYS[4] = rate_limit:cost:<keyId>
// ARGV[1] = now (unix seconds)
// ARGV[2] = windowSeconds
// ARGV[3] = requestLimit (0 = unlimited)
// Returns: 1 if admitted, 0 if the window's request limit is exhausted.
var admitScript = redis.NewScript(`
local windowStartKey = KEYS[1]
local requestsKey     = KEYS[2]
local tokensKey       = KEYS[3]
local costKey         = KEYS[4]
local now             = tonumber(ARGV[1])
local window          = tonumber(ARGV[2])
local limit           = tonumber(ARGV[3])

local start = tonumber(redis.call('GET', windowStartKey))
if not start or (now - start) >= window then
	start = now
	redis.call('SET', windowStartKey, start, 'EX', window * 2)
	redis.call('SET', requestsKey, 0, 'EX', window * 2)
	redis.call('SET', tokensKey, 0, 'EX', window * 2)
	redis.call('SET', costKey, 0, 'EX', window * 2)
end

if limit > 0 then
	local current = tonumber(redis.call('GET', requestsKey)) or 0
	if current + 1 > limit then
		return 0
	end
end

redis.call('INCR', requestsKey)
return 1
`)

func windowStartKey(id string) string { return "rate_limit:window_start:" + id }
func requestsKey(id string) string    { return "rate_limit:requests:" + id }
func tokensKey(id string) string      { return "rate_limit:tokens:" + id }
func costKey(id string) string        { return "rate_limit:cost:" + id }

// WindowLimiter runs the fixed-window admission check and the post-request
// token/cost increments for one API Key.
type WindowLimiter struct {
	store *kv.Store
}

// NewWindowLimiter builds a WindowLimiter backed by store.
func NewWindowLimiter(store *kv.Store) *WindowLimiter {
	return &WindowLimiter{store: store}
}

// CheckAndReserve admits one request against keyID's window, rolling the
// window if it has expired. windowSeconds defaults to 60 when 0.
func (w *WindowLimiter) CheckAndReserve(ctx context.Context, keyID string, windowSeconds, requestLimit int64) error {
	if windowSeconds <= 0 {
		windowSeconds = 60
	}
	v, err := w.store.RunScript(ctx,
		admitScript,
		[]string{windowStartKey(keyID), requestsKey(keyID), tokensKey(keyID), costKey(keyID)},
		time.Now().Unix(), windowSeconds, requestLimit)
	if err != nil {
		return relayerr.Wrap(relayerr.StoreUnavailable, err)
	}
	n, ok := v.(int64)
	if !ok {
		return nil
	}
	if n == 0 {
		return relayerr.New(relayerr.RateLimited, "rate-limit window's request budget is exhausted")
	}
	return nil
}

// costFallbackTTL bounds the cost counter's lifetime between window rolls;
// the admit script re-creates it with the real window TTL on every roll, so
// this only matters for a key that never triggers another admission.
const costFallbackTTL = 24 * time.Hour

// RecordUsage increments the current window's token and cost counters
// during post-request accounting, per §4.9.4's "tokens and cost are ...
// incremented during §7 accounting" note.
func (w *WindowLimiter) RecordUsage(ctx context.Context, keyID string, tokens int64, cost float64) error {
	if _, err := w.store.IncrBy(ctx, tokensKey(keyID), tokens); err != nil {
		return err
	}
	// cost is a float counter; there is no atomic float-incr helper on
	// kv.Store, so accumulate it with a read-then-write rather than a
	// server-side script — acceptable here because cost accuracy is
	// reconciled by the usage accounting pipeline, not enforced by this
	// counter alone.
	v, _, err := w.store.Get(ctx, costKey(keyID))
	if err != nil {
		return err
	}
	cur, _ := strconv.ParseFloat(v, 64)
	return w.store.Set(ctx, costKey(keyID), strconv.FormatFloat(cur+cost, 'f', -1, 64), costFallbackTTL)
}
