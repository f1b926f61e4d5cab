package marqs

import "github.com/redis/go-redis/v9"

// The scripts below give enqueue, dequeue, ack, nack, heartbeat, and
// capacity computation their atomicity. Each follows the same shape as
// smartwalle/dq's schedule/active/retry scripts: KEYS name the structures
// touched, ARGV carries everything that would otherwise require a
// round trip to compute, and the script returns just enough for the
// caller to finish the operation in Go (tracing, error classification).

// rebalanceParentSnippet is inlined into every script that mutates a
// child queue, so the parent's score always tracks the minimum score of
// its children, and the parent drops a child that has emptied out.
const rebalanceParentSnippet = `
local function rebalance_parent(child_key, parent_key, member)
  local head = redis.call("ZRANGE", child_key, 0, 0, "WITHSCORES")
  if #head == 0 then
    redis.call("ZREM", parent_key, member)
  else
    redis.call("ZADD", parent_key, head[2], member)
  end
end
`

// enqueueScript adds a message body, indexes it in its child queue, and
// rebalances the parent queue-of-queues.
//
// KEYS[1] = child queue key
// KEYS[2] = parent queue key
// KEYS[3] = message key
// ARGV[1] = queue name (the member stored in the parent ZSET)
// ARGV[2] = message id
// ARGV[3] = serialized message body
// ARGV[4] = enqueue score (ms)
var enqueueScript = redis.NewScript(rebalanceParentSnippet + `
redis.call("SET", KEYS[3], ARGV[3])
redis.call("ZADD", KEYS[1], ARGV[4], ARGV[2])
rebalance_parent(KEYS[1], KEYS[2], ARGV[1])
return 1
`)

// dequeueScript pops the oldest due message from a child queue, subject
// to the three nested concurrency ceilings, and moves it into the
// visibility set.
//
// KEYS[1] = child queue key
// KEYS[2] = env parent queue key
// KEYS[3] = global (shared) parent queue key
// KEYS[4] = visibility key
// KEYS[5] = queue concurrency limit key
// KEYS[6] = env concurrency limit key
// KEYS[7] = org concurrency limit key
// KEYS[8] = queue current-concurrency key
// KEYS[9] = env current-concurrency key
// KEYS[10] = org current-concurrency key
// ARGV[1] = queue name (parent member)
// ARGV[2] = visibility timeout (ms)
// ARGV[3] = now (ms)
// ARGV[4] = default queue concurrency limit
// ARGV[5] = default env concurrency limit
// ARGV[6] = default org concurrency limit
//
// Every message is enqueued into both the env-scoped parent and the
// global parent (Broker.Enqueue writes both), so a dequeue from either
// one must rebalance both — otherwise the parent not used for selection
// keeps a stale score, or a ghost entry for a child that just emptied.
//
// Returns {} if nothing is available (no due message or a limit is
// saturated), or {messageId, originalScore} on success.
var dequeueScript = redis.NewScript(rebalanceParentSnippet + `
local function limit_of(limit_key, default_limit)
  local v = redis.call("GET", limit_key)
  if v == false then return tonumber(default_limit) end
  return tonumber(v)
end

local org_cur = redis.call("SCARD", KEYS[10])
local org_lim = limit_of(KEYS[7], ARGV[6])
if org_cur >= org_lim then return {} end

local env_cur = redis.call("SCARD", KEYS[9])
local env_lim = limit_of(KEYS[6], ARGV[5])
if env_cur >= env_lim then return {} end

local queue_cur = redis.call("SCARD", KEYS[8])
local queue_lim = limit_of(KEYS[5], ARGV[4])
if queue_cur >= queue_lim then return {} end

local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[3], "LIMIT", 0, 1, "WITHSCORES")
if #due == 0 then return {} end

local message_id = due[1]
local original_score = due[2]

redis.call("ZREM", KEYS[1], message_id)
redis.call("ZADD", KEYS[4], tonumber(ARGV[3]) + tonumber(ARGV[2]), message_id)
redis.call("SADD", KEYS[8], message_id)
redis.call("SADD", KEYS[9], message_id)
redis.call("SADD", KEYS[10], message_id)

rebalance_parent(KEYS[1], KEYS[2], ARGV[1])
rebalance_parent(KEYS[1], KEYS[3], ARGV[1])

return {message_id, original_score}
`)

// ackScript removes a delivered message for good.
//
// KEYS[1] = message key
// KEYS[2] = visibility key
// KEYS[3] = queue current-concurrency key
// KEYS[4] = env current-concurrency key
// KEYS[5] = org current-concurrency key
// KEYS[6] = global current-concurrency key (unused — see DESIGN.md;
//           carried for signature parity with a would-be fourth ceiling)
// ARGV[1] = message id
var ackScript = redis.NewScript(`
redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("SREM", KEYS[3], ARGV[1])
redis.call("SREM", KEYS[4], ARGV[1])
redis.call("SREM", KEYS[5], ARGV[1])
return 1
`)

// nackScript returns an in-flight message to its child queue with a new
// score, releasing all three concurrency slots it held.
//
// KEYS[1] = message key (unused by the script body; the body stays in place)
// KEYS[2] = child queue key
// KEYS[3] = env parent queue key
// KEYS[4] = global (shared) parent queue key
// KEYS[5] = queue current-concurrency key
// KEYS[6] = env current-concurrency key
// KEYS[7] = org current-concurrency key
// KEYS[8] = visibility key
// ARGV[1] = queue name (parent member)
// ARGV[2] = message id
// ARGV[3] = now (ms, unused — kept for signature parity with the
//           documented nack contract; the caller-supplied new score
//           already encodes any backoff relative to now)
// ARGV[4] = new score (ms)
//
// Both parents are written by Enqueue, so both must be rebalanced here
// too — otherwise only the env parent tracks the child's new score and
// the global sharedQueue parent goes stale.
//
// Returns 0 without effect if the message is no longer in the visibility
// set — it already lost the race against an ack or an earlier nack.
var nackScript = redis.NewScript(rebalanceParentSnippet + `
local deadline = redis.call("ZSCORE", KEYS[8], ARGV[2])
if deadline == false then return 0 end

redis.call("ZREM", KEYS[8], ARGV[2])
redis.call("SREM", KEYS[5], ARGV[2])
redis.call("SREM", KEYS[6], ARGV[2])
redis.call("SREM", KEYS[7], ARGV[2])

redis.call("ZADD", KEYS[2], ARGV[4], ARGV[2])
rebalance_parent(KEYS[2], KEYS[3], ARGV[1])
rebalance_parent(KEYS[2], KEYS[4], ARGV[1])

return 1
`)

// heartbeatScript extends a message's visibility deadline, clamped to a
// maximum absolute deadline.
//
// KEYS[1] = visibility key
// ARGV[1] = message id
// ARGV[2] = extension (ms)
// ARGV[3] = max deadline (ms, absolute)
//
// Returns the new deadline, or -1 if the message has no current lease.
var heartbeatScript = redis.NewScript(`
local current = redis.call("ZSCORE", KEYS[1], ARGV[1])
if current == false then return -1 end

local extended = tonumber(current) + tonumber(ARGV[2])
local max_deadline = tonumber(ARGV[3])
if extended > max_deadline then extended = max_deadline end

redis.call("ZADD", KEYS[1], extended, ARGV[1])
return extended
`)

// computeCapacitiesScript reports the current and limit values for all
// three concurrency ceilings in one round trip.
//
// KEYS[1] = queue current-concurrency key
// KEYS[2] = env current-concurrency key
// KEYS[3] = org current-concurrency key
// KEYS[4] = queue concurrency limit key
// KEYS[5] = env concurrency limit key
// KEYS[6] = org concurrency limit key
// ARGV[1] = default queue concurrency limit
// ARGV[2] = default env concurrency limit
// ARGV[3] = default org concurrency limit
//
// Returns {queueCurrent, queueLimit, envCurrent, envLimit, orgCurrent, orgLimit}.
var computeCapacitiesScript = redis.NewScript(`
local function limit_of(limit_key, default_limit)
  local v = redis.call("GET", limit_key)
  if v == false then return tonumber(default_limit) end
  return tonumber(v)
end

local queue_cur = redis.call("SCARD", KEYS[1])
local env_cur = redis.call("SCARD", KEYS[2])
local org_cur = redis.call("SCARD", KEYS[3])

return {
  queue_cur, limit_of(KEYS[4], ARGV[1]),
  env_cur, limit_of(KEYS[5], ARGV[2]),
  org_cur, limit_of(KEYS[6], ARGV[3]),
}
`)
