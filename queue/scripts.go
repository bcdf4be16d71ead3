package queue

import "github.com/IsaacDSC/rqueue/script"

// Operation names as registered with the script registry
const (
	opEnqueue = "enqueue"
	opDequeue = "dequeue"
	opRelease = "release"
	opRequeue = "requeue"
	opSweep   = "sweep"
)

// KEYS[1] pending, KEYS[2] values
// ARGV[1] id, ARGV[2] envelope
const enqueueScript = `
redis.call('LPUSH', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
return {ARGV[1], ARGV[2]}
`

// KEYS[1] pending, KEYS[2] working, KEYS[3] values
// ARGV[1] now in millis
const dequeueScript = `
local id = redis.call('RPOP', KEYS[1])
if not id then
  return nil
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
local payload = redis.call('HGET', KEYS[3], id)
if not payload then
  return nil
end
return {id, payload}
`

// KEYS[1] working, KEYS[2] values
// ARGV[1] id
const releaseScript = `
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
return ARGV[1]
`

// KEYS[1] working, KEYS[2] pending
// ARGV[1] id
//
// The id is only pushed back when it was checked out, so requeueing twice
// never duplicates it in pending.
const requeueScript = `
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
  redis.call('LPUSH', KEYS[2], ARGV[1])
end
return ARGV[1]
`

// KEYS[1] working, KEYS[2] pending
// ARGV[1] now in millis, ARGV[2] interval in millis
const sweepScript = `
local cutoff = tonumber(ARGV[1]) - tonumber(ARGV[2])
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', cutoff)
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[2], id)
end
return #ids
`

func definitions() []script.Definition {
	return []script.Definition{
		{Name: opEnqueue, Source: enqueueScript},
		{Name: opDequeue, Source: dequeueScript},
		{Name: opRelease, Source: releaseScript},
		{Name: opRequeue, Source: requeueScript},
		{Name: opSweep, Source: sweepScript},
	}
}
