package redisstore

import "github.com/redis/go-redis/v9"

// commitScript applies a store.Txn atomically.
//
// ARGV[1] the JSON encoded transaction
// ARGV[2] key prefix
// ARGV[3] approximate stream length cap
//
// Returns {1, ""} on success or {0, path} when a condition on path does not hold.
// Every applied write or remove appends an event with the full record to the parent stream.
var commitScript = redis.NewScript(`
local txn = cjson.decode(ARGV[1])
local prefix = ARGV[2]
local maxlen = ARGV[3]

local function record_key(path)
	return prefix .. 'rec:' .. path
end

local function split(path)
	return string.match(path, '^([^/]+)/([^/]+)$')
end

local function to_map(flat)
	local m = {}
	for i = 1, #flat, 2 do
		m[flat[i]] = flat[i + 1]
	end
	return m
end

local function emit(parent, kind, key, flat)
	redis.call('XADD', prefix .. 'events:' .. parent, 'MAXLEN', '~', maxlen, '*',
		'kind', kind, 'key', key, 'record', cjson.encode(to_map(flat)))
end

for _, c in ipairs(txn.conditions or {}) do
	local k = record_key(c.path)
	local ok
	if c.kind == 'exists' then
		ok = redis.call('EXISTS', k) == 1
	elseif c.kind == 'absent' then
		ok = redis.call('EXISTS', k) == 0
	elseif c.kind == 'equals' then
		ok = redis.call('HGET', k, c.field) == (c.value or '')
	else
		ok = false
	end
	if not ok then
		return {0, c.path}
	end
end

for _, w in ipairs(txn.writes or {}) do
	local k = record_key(w.path)
	local parent, key = split(w.path)
	local kind = 'child_changed'
	if redis.call('EXISTS', k) == 0 then
		kind = 'child_added'
	end

	local args = {}
	for field, value in pairs(w.fields) do
		table.insert(args, field)
		table.insert(args, value)
	end
	redis.call('HSET', k, unpack(args))
	redis.call('SADD', prefix .. 'idx:' .. parent, key)

	emit(parent, kind, key, redis.call('HGETALL', k))
end

for _, path in ipairs(txn.removes or {}) do
	local k = record_key(path)
	if redis.call('EXISTS', k) == 1 then
		local parent, key = split(path)
		local flat = redis.call('HGETALL', k)
		redis.call('DEL', k)
		redis.call('SREM', prefix .. 'idx:' .. parent, key)
		emit(parent, 'child_removed', key, flat)
	end
end

return {1, ''}
`)
