package redis

import (
	goredis "github.com/redis/go-redis/v9"
)

// Keys used by the store, relative to the prefix:
//
//	job:<id>                 hash with the fields of a job
//	queues                   set of queue names
//	queue:<q>:state:<state>  set of job ids per state
//	queue:<q>:scheduled      zset of leasable job ids by run_at (ms)
//	queue:<q>:ready          zset of due jobs by -priority, member "<run_at>|<id>"
//	leases                   zset of active job ids by lease_until (ms)
//	dlq                      zset of dead letter ids by failed_at (ms)
//	dlq:<id>                 dead letter record as JSON
//
// Scripts derive keys from the prefix in ARGV[1], so the store requires
// a single Redis instance, not a cluster.
const prelude = `
local prefix = ARGV[1]

local function pad(s)
  return string.rep('0', 20 - string.len(s)) .. s
end

local function ms(s)
  return math.floor(tonumber(s) / 1000000)
end

local function unindex(key)
  local f = redis.call('HMGET', key, 'id', 'queue', 'state', 'run_at')
  if not f[1] then
    return
  end
  local q = prefix .. 'queue:' .. f[2]
  redis.call('ZREM', q .. ':scheduled', f[1])
  redis.call('ZREM', q .. ':ready', pad(f[4]) .. '|' .. f[1])
  redis.call('ZREM', prefix .. 'leases', f[1])
  redis.call('SREM', q .. ':state:' .. f[3], f[1])
end

local function index(key)
  local f = redis.call('HMGET', key, 'id', 'queue', 'state', 'run_at', 'pending_children', 'lease_until')
  local q = prefix .. 'queue:' .. f[2]
  redis.call('SADD', prefix .. 'queues', f[2])
  redis.call('SADD', q .. ':state:' .. f[3], f[1])
  if (f[3] == 'waiting' or f[3] == 'delayed') and tonumber(f[5]) == 0 then
    redis.call('ZADD', q .. ':scheduled', ms(f[4]), f[1])
  elseif f[3] == 'active' then
    redis.call('ZADD', prefix .. 'leases', ms(f[6]), f[1])
  end
end
`

// ARGV: prefix, id, field/value pairs...
var createScript = goredis.NewScript(prelude + `
local key = prefix .. 'job:' .. ARGV[2]
if redis.call('EXISTS', key) == 1 then
  return 'dup'
end
redis.call('HSET', key, unpack(ARGV, 3))
index(key)
return 'ok'
`)

// ARGV: prefix, id, lease token, field/value pairs...
var updateScript = goredis.NewScript(prelude + `
local key = prefix .. 'job:' .. ARGV[2]
if redis.call('EXISTS', key) == 0 then
  return 'notfound'
end
local cur = redis.call('HMGET', key, 'state', 'lease_token')
if cur[1] == 'active' and cur[2] ~= ARGV[3] then
  return 'leaselost'
end
unindex(key)
redis.call('HSET', key, unpack(ARGV, 4))
index(key)
return 'ok'
`)

// ARGV: prefix, id
var deleteScript = goredis.NewScript(prelude + `
local key = prefix .. 'job:' .. ARGV[2]
unindex(key)
return redis.call('DEL', key)
`)

// ARGV: prefix, queue, now, token, worker id, default timeout, margin
var leaseScript = goredis.NewScript(prelude + `
local q = prefix .. 'queue:' .. ARGV[2]
local due = redis.call('ZRANGEBYSCORE', q .. ':scheduled', '-inf', ms(ARGV[3]))
for _, id in ipairs(due) do
  local f = redis.call('HMGET', prefix .. 'job:' .. id, 'priority', 'run_at')
  redis.call('ZREM', q .. ':scheduled', id)
  if f[1] then
    redis.call('ZADD', q .. ':ready', -tonumber(f[1]), pad(f[2]) .. '|' .. id)
  end
end
while true do
  local head = redis.call('ZRANGE', q .. ':ready', 0, 0)
  if #head == 0 then
    return false
  end
  redis.call('ZREM', q .. ':ready', head[1])
  local id = string.sub(head[1], 22)
  local key = prefix .. 'job:' .. id
  local f = redis.call('HMGET', key, 'state', 'timeout')
  if f[1] == 'waiting' or f[1] == 'delayed' then
    local timeout = tonumber(f[2])
    if timeout <= 0 then
      timeout = tonumber(ARGV[6])
    end
    local expiry = tonumber(ARGV[3]) + timeout + tonumber(ARGV[7])
    unindex(key)
    redis.call('HSET', key,
      'state', 'active',
      'lease_token', ARGV[4],
      'worker_id', ARGV[5],
      'started', ARGV[3],
      'updated', ARGV[3],
      'lease_until', string.format('%.0f', expiry))
    index(key)
    return id
  end
end
`)

// ARGV: prefix, id, now
var resolveChildScript = goredis.NewScript(prelude + `
local key = prefix .. 'job:' .. ARGV[2]
if redis.call('EXISTS', key) == 0 then
  return 'notfound'
end
local pending = tonumber(redis.call('HGET', key, 'pending_children'))
if pending > 0 then
  unindex(key)
  redis.call('HSET', key, 'pending_children', tostring(pending - 1), 'updated', ARGV[3])
  index(key)
end
return 'ok'
`)

// ARGV: prefix, now
var recoverScript = goredis.NewScript(prelude + `
local ids = redis.call('ZRANGEBYSCORE', prefix .. 'leases', '-inf', ms(ARGV[2]))
local n = 0
for _, id in ipairs(ids) do
  local key = prefix .. 'job:' .. id
  local f = redis.call('HMGET', key, 'state', 'lease_until')
  if f[1] == 'active' and tonumber(f[2]) <= tonumber(ARGV[2]) then
    unindex(key)
    redis.call('HSET', key,
      'state', 'waiting',
      'lease_token', '',
      'lease_until', '0',
      'worker_id', '',
      'updated', ARGV[2])
    index(key)
    n = n + 1
  end
end
return n
`)

// ARGV: prefix, id, expected status, record
var updateDeadLetterScript = goredis.NewScript(`
local key = ARGV[1] .. 'dlq:' .. ARGV[2]
local cur = redis.call('GET', key)
if not cur then
  return 'notfound'
end
if cjson.decode(cur)['status'] ~= ARGV[3] then
  return 'conflict'
end
redis.call('SET', key, ARGV[4])
return 'ok'
`)
