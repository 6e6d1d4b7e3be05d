package redis

import "github.com/go-redis/redis/v8"

// promoteScript moves due delayed jobs and reservations whose TTR lease has
// expired back onto the ready set of one tube.
//
// KEYS[1] delayed zset, KEYS[2] reserved zset, KEYS[3] ready zset.
// ARGV[1] now in unix milliseconds, ARGV[2] job hash key prefix.
var promoteScript = redis.NewScript(`
local moved = 0

local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  local pri = redis.call('HGET', ARGV[2] .. id, 'pri')
  if pri then
    redis.call('ZADD', KEYS[3], pri, id)
    redis.call('HSET', ARGV[2] .. id, 'state', 'ready')
    moved = moved + 1
  end
end

local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[2], id)
  local pri = redis.call('HGET', ARGV[2] .. id, 'pri')
  if pri then
    redis.call('ZADD', KEYS[3], pri, id)
    redis.call('HSET', ARGV[2] .. id, 'state', 'ready')
    redis.call('HINCRBY', ARGV[2] .. id, 'timeouts', 1)
    moved = moved + 1
  end
end

return moved
`)

// reserveScript pops the most urgent ready job across tubes and records its
// reservation in one step, so a job is never out of every set.
//
// KEYS are pairs of ready zset and reserved zset, one pair per tube.
// ARGV[1] now in unix milliseconds, ARGV[2] job hash key prefix.
// Returns false when nothing is ready, {id} when the job hash is gone and
// {id, field, value, ...} otherwise.
var reserveScript = redis.NewScript(`
local best, bestScore, bestIdx
for i = 1, #KEYS, 2 do
  local head = redis.call('ZRANGE', KEYS[i], 0, 0, 'WITHSCORES')
  if head[1] then
    local score = tonumber(head[2])
    if best == nil or score < bestScore or (score == bestScore and head[1] < best) then
      best, bestScore, bestIdx = head[1], score, i
    end
  end
end
if best == nil then
  return false
end

redis.call('ZREM', KEYS[bestIdx], best)
local key = ARGV[2] .. best
local fields = redis.call('HGETALL', key)
if #fields == 0 then
  return {best}
end

local ttr = tonumber(redis.call('HGET', key, 'ttr')) or 0
redis.call('ZADD', KEYS[bestIdx + 1], tonumber(ARGV[1]) + ttr, best)
redis.call('HSET', key, 'state', 'reserved')
redis.call('HINCRBY', key, 'reserves', 1)
table.insert(fields, 1, best)
return fields
`)

// deleteScript removes a job only while it is still reserved.
//
// KEYS[1] reserved zset, KEYS[2] job hash. ARGV[1] job id.
var deleteScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('DEL', KEYS[2])
return 1
`)

// releaseScript moves a reserved job to its ready or delayed zset.
//
// KEYS[1] reserved zset, KEYS[2] job hash, KEYS[3] target zset.
// ARGV[1] job id, ARGV[2] new state, ARGV[3] priority, ARGV[4] target score.
var releaseScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[2], 'state', ARGV[2], 'pri', ARGV[3])
redis.call('HINCRBY', KEYS[2], 'releases', 1)
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
return 1
`)

// buryScript moves a reserved job onto the buried list.
//
// KEYS[1] reserved zset, KEYS[2] job hash, KEYS[3] buried list.
// ARGV[1] job id, ARGV[2] priority.
var buryScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[2], 'state', 'buried', 'pri', ARGV[2])
redis.call('HINCRBY', KEYS[2], 'buries', 1)
redis.call('RPUSH', KEYS[3], ARGV[1])
return 1
`)

// kickScript moves up to ARGV[2] buried jobs back to ready, oldest first.
// Ids whose hash was deleted while buried are dropped.
//
// KEYS[1] buried list, KEYS[2] ready zset. ARGV[1] job hash key prefix.
var kickScript = redis.NewScript(`
local kicked = 0
local bound = tonumber(ARGV[2])
while kicked < bound do
  local id = redis.call('LPOP', KEYS[1])
  if not id then
    break
  end
  local key = ARGV[1] .. id
  local pri = redis.call('HGET', key, 'pri')
  if pri then
    redis.call('HSET', key, 'state', 'ready')
    redis.call('HINCRBY', key, 'kicks', 1)
    redis.call('ZADD', KEYS[2], pri, id)
    kicked = kicked + 1
  end
end
return kicked
`)
