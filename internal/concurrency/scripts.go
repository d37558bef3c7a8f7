package concurrency

import "github.com/redis/go-redis/v9"

// Every primitive in this package is a single atomic Lua script, following
// the sliding-window pattern used for request-rate limiting: one round trip,
// no read-modify-write races across concurrent requests.

// leaseAcquireScript evicts stale members, adds the caller's lease, bounds
// the key's own TTL to outlive the lease by a cleanup grace period, and
// returns the post-admission member count.
// KEYS[1] = scope key (sorted set)
// ARGV[1] = now (ms)
// ARGV[2] = requestId
// ARGV[3] = expireAt (ms)
// ARGV[4] = key ttl (seconds)
var leaseAcquireScript = redis.NewScript(`
	redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
	redis.call('ZADD', KEYS[1], ARGV[3], ARGV[2])
	redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[4]) * 1000)
	return redis.call('ZCARD', KEYS[1])
`)

// leaseRefreshScript renews an existing member's expiry only if it is still
// present after stale eviction.
// KEYS[1] = scope key
// ARGV[1] = now (ms)
// ARGV[2] = requestId
// ARGV[3] = new expireAt (ms)
var leaseRefreshScript = redis.NewScript(`
	redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
	if redis.call('ZSCORE', KEYS[1], ARGV[2]) then
		redis.call('ZADD', KEYS[1], ARGV[3], ARGV[2])
		return 1
	end
	return 0
`)

// leaseReleaseScript removes a member, evicts any other stale members, and
// deletes the key entirely once empty.
// KEYS[1] = scope key
// ARGV[1] = requestId
// ARGV[2] = now (ms)
var leaseReleaseScript = redis.NewScript(`
	redis.call('ZREM', KEYS[1], ARGV[1])
	redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
	local count = redis.call('ZCARD', KEYS[1])
	if count == 0 then
		redis.call('DEL', KEYS[1])
	end
	return count
`)

// leaseCountScript evicts stale members and reports the current count.
// KEYS[1] = scope key
// ARGV[1] = now (ms)
var leaseCountScript = redis.NewScript(`
	redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
	return redis.call('ZCARD', KEYS[1])
`)

// queueIncrScript increments the queue counter and sets its TTL atomically.
// KEYS[1] = queue key
// ARGV[1] = ttl seconds
var queueIncrScript = redis.NewScript(`
	local n = redis.call('INCR', KEYS[1])
	redis.call('EXPIRE', KEYS[1], tonumber(ARGV[1]))
	return n
`)

// queueDecrScript decrements the queue counter, deleting it once it would
// go non-positive so it never lingers below zero.
// KEYS[1] = queue key
var queueDecrScript = redis.NewScript(`
	local n = redis.call('DECR', KEYS[1])
	if n <= 0 then
		redis.call('DEL', KEYS[1])
	end
	return n
`)

// statsIncrScript bumps a queue-stats hash field and refreshes its TTL in
// one round trip.
// KEYS[1] = stats hash key
// ARGV[1] = field name
// ARGV[2] = ttl seconds
var statsIncrScript = redis.NewScript(`
	redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
	redis.call('EXPIRE', KEYS[1], tonumber(ARGV[2]))
	return 1
`)

// samplePushScript appends a wait-time sample, caps the list length, and
// refreshes its TTL in one round trip.
// KEYS[1] = list key
// ARGV[1] = value (ms)
// ARGV[2] = cap
// ARGV[3] = ttl seconds
var samplePushScript = redis.NewScript(`
	redis.call('LPUSH', KEYS[1], ARGV[1])
	redis.call('LTRIM', KEYS[1], 0, tonumber(ARGV[2]) - 1)
	redis.call('EXPIRE', KEYS[1], tonumber(ARGV[3]))
	return 1
`)

// accountLockAcquireScript implements the per-account serialization lock.
// Returns {acquired (0/1), waitMs (-1 when another requestId holds it)}.
// KEYS[1] = lock key
// KEYS[2] = last-completion-time key
// ARGV[1] = requestId
// ARGV[2] = lock ttl (ms)
// ARGV[3] = min delay since last completion (ms)
// ARGV[4] = now (ms)
var accountLockAcquireScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 1 then
		return {0, -1}
	end
	local last = redis.call('GET', KEYS[2])
	if last then
		local waitMs = tonumber(ARGV[3]) - (tonumber(ARGV[4]) - tonumber(last))
		if waitMs > 0 then
			return {0, waitMs}
		end
	end
	redis.call('SET', KEYS[1], ARGV[1], 'PX', tonumber(ARGV[2]))
	return {1, 0}
`)

// accountLockReleaseScript releases the lock only if the caller still owns
// it, and records the completion time used by the next acquire's delay
// check.
// KEYS[1] = lock key
// KEYS[2] = last-completion-time key
// ARGV[1] = requestId
// ARGV[2] = now (ms)
var accountLockReleaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		redis.call('SET', KEYS[2], ARGV[2], 'EX', 60)
		redis.call('DEL', KEYS[1])
		return 1
	end
	return 0
`)

// stickyRenewScript reads the mapping's remaining TTL and extends it back
// to the full duration only when it has fallen under the renewal
// threshold, returning the TTL observed before any renewal.
// KEYS[1] = sticky key
// ARGV[1] = full ttl (seconds)
// ARGV[2] = renewal threshold (seconds)
var stickyRenewScript = redis.NewScript(`
	local ttl = redis.call('TTL', KEYS[1])
	if ttl >= 0 and ttl < tonumber(ARGV[2]) then
		redis.call('EXPIRE', KEYS[1], tonumber(ARGV[1]))
	end
	return ttl
`)
