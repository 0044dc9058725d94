package queue

import "github.com/redis/go-redis/v9"

// addScript registers a job id, writes its hash and pushes it to wait in
// one atomic step. A previous failed run with the same id is cleared first.
// Returns 0 when the id is still live.
//
// KEYS: jobs set, job hash, wait list, failed zset
// ARGV: jobId, name, payload, maxAttempts, backoffDelayMs, createdAtMs
var addScript = redis.NewScript(`
if redis.call('SADD', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('DEL', KEYS[2])
redis.call('HSET', KEYS[2],
  'name', ARGV[2],
  'payload', ARGV[3],
  'attemptsMade', 0,
  'maxAttempts', ARGV[4],
  'backoffDelayMs', ARGV[5],
  'state', 'waiting',
  'progress', 0,
  'createdAt', ARGV[6])
redis.call('LPUSH', KEYS[3], ARGV[1])
return 1
`)

// promoteScript moves due delayed jobs back to the wait list.
//
// KEYS: delayed zset, wait list
// ARGV: nowMs, limit, job key prefix
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('HSET', ARGV[3] .. id, 'state', 'waiting')
  redis.call('LPUSH', KEYS[2], id)
end
return #due
`)
