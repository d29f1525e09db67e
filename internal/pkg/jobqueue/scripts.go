package jobqueue

import "github.com/redis/go-redis/v9"

// enqueueScript 原子地创建任务哈希并投递到 Stream，避免“有状态无消息”的中间态。
// KEYS[1] = job hash, KEYS[2] = stream
// ARGV[1] = job id, ARGV[2] = request JSON, ARGV[3] = created_at, ARGV[4] = stream maxlen
// 返回: 1 = 成功, 0 = id 已存在
var enqueueScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 1 then
		return 0
	end
	redis.call('HSET', KEYS[1],
		'id', ARGV[1],
		'state', 'queued',
		'progress', 0,
		'request', ARGV[2],
		'created_at', ARGV[3])
	redis.call('XADD', KEYS[2], 'MAXLEN', ARGV[4], '*', 'job_id', ARGV[1])
	return 1
`)

// claimScript 将 queued 任务切换为 active。
// KEYS[1] = job hash
// ARGV[1] = worker, ARGV[2] = started_at
// 返回: 'claimed' / 'missing' / 当前状态
var claimScript = redis.NewScript(`
	local state = redis.call('HGET', KEYS[1], 'state')
	if not state then
		return 'missing'
	end
	if state ~= 'queued' then
		return state
	end
	redis.call('HSET', KEYS[1], 'state', 'active', 'started_at', ARGV[2], 'worker', ARGV[1])
	return 'claimed'
`)

// progressScript 只在 active 状态下单调推进进度。
// KEYS[1] = job hash
// ARGV[1] = progress
// 返回: 1 = 已更新, 0 = 不大于当前值, -1 = 非 active, -2 = 不存在
var progressScript = redis.NewScript(`
	local state = redis.call('HGET', KEYS[1], 'state')
	if not state then
		return -2
	end
	if state ~= 'active' then
		return -1
	end
	local current = tonumber(redis.call('HGET', KEYS[1], 'progress') or '0') or 0
	local value = tonumber(ARGV[1])
	if value > current then
		redis.call('HSET', KEYS[1], 'progress', value)
		return 1
	end
	return 0
`)

// finishScript 将 active 任务切换到终态，并设置保留期。
// KEYS[1] = job hash
// ARGV[1] = 'completed' | 'failed', ARGV[2] = result JSON 或失败原因,
// ARGV[3] = finished_at, ARGV[4] = TTL 秒（0 表示永久保留）
// 返回: 1 = 成功, -1 = 非 active, -2 = 不存在
var finishScript = redis.NewScript(`
	local state = redis.call('HGET', KEYS[1], 'state')
	if not state then
		return -2
	end
	if state ~= 'active' then
		return -1
	end
	if ARGV[1] == 'completed' then
		redis.call('HSET', KEYS[1], 'state', 'completed', 'progress', 100, 'result', ARGV[2], 'finished_at', ARGV[3])
	else
		redis.call('HSET', KEYS[1], 'state', 'failed', 'failure_reason', ARGV[2], 'finished_at', ARGV[3])
	end
	local ttl = tonumber(ARGV[4])
	if ttl and ttl > 0 then
		redis.call('EXPIRE', KEYS[1], ttl)
	end
	return 1
`)
