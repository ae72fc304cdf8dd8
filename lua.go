package cmdbus

const (
	luaCommitEvents = `
		-- Atomically append events after an optimistic version check
		-- KEYS[1] = stream hash (field _version_)
		-- KEYS[2] = stream event list (index == stream position)
		-- KEYS[3] = aggregate version index (sorted set, lex order)
		-- KEYS[4] = snapshot value key
		-- KEYS[5] = snapshot version key
		-- ARGV[1] = lex lower bound of versions that signal a conflict
		-- ARGV[2] = snapshot data ("" to skip)
		-- ARGV[3] = snapshot version
		-- ARGV[4..N] = pairs of padded version, event body without its
		--              leading "{"
		-- Returns: {1, firstPosition} on success, or {0} on conflict

		local newer = redis.call('ZRANGEBYLEX', KEYS[3], ARGV[1], '+', 'LIMIT', 0, 1)
		if #newer > 0 then
			return {0}
		end

		local pos = tonumber(redis.call('HGET', KEYS[1], '_version_') or '-1')
		local first = pos + 1

		for i = 4, #ARGV, 2 do
			pos = pos + 1
			local body = '{"_version_":' .. string.format('%d', pos) .. ',' .. ARGV[i + 1]
			redis.call('RPUSH', KEYS[2], body)
			redis.call('ZADD', KEYS[3], 0, ARGV[i] .. '|' .. string.format('%d', pos))
		end

		redis.call('HSET', KEYS[1], '_version_', string.format('%d', pos))

		if ARGV[2] ~= '' then
			redis.call('SET', KEYS[4], ARGV[2])
			redis.call('SET', KEYS[5], ARGV[3])
		end

		return {1, first}
		`

	luaLoadAggregate = `
		-- Atomically get the snapshot and the events recorded after it
		-- KEYS[1] = snapshot value key
		-- KEYS[2] = snapshot version key
		-- KEYS[3] = aggregate version index
		-- KEYS[4] = stream event list
		-- ARGV[1] = padded version width
		-- ARGV[2] = "1" to read the snapshot
		-- Returns: {snapshot_data, events}

		local snap = ''
		local ver = -1
		if ARGV[2] == '1' then
			snap = redis.call('GET', KEYS[1]) or ''
			if snap ~= '' then
				ver = tonumber(redis.call('GET', KEYS[2]) or '-1')
			end
		end

		local from = '[' .. string.format('%0' .. ARGV[1] .. 'd', ver + 1)
		local members = redis.call('ZRANGEBYLEX', KEYS[3], from, '+')
		local events = {}
		for i, m in ipairs(members) do
			local sep = string.find(m, '|', 1, true)
			local pos = tonumber(string.sub(m, sep + 1))
			events[i] = redis.call('LINDEX', KEYS[4], pos) or ''
		end
		return {snap, events}
		`

	luaPutSnapshot = `
		-- Atomically save snapshot only if new version is greater than stored
		-- KEYS[1] = snapshot value key
		-- KEYS[2] = snapshot version key
		-- ARGV[1] = snapshot data
		-- ARGV[2] = snapshot version

		local newVer = tonumber(ARGV[2])
		local storedVer = redis.call('GET', KEYS[2])

		if storedVer then
			if newVer <= tonumber(storedVer) then
				return 0
			end
		end

		redis.call('SET', KEYS[1], ARGV[1])
		redis.call('SET', KEYS[2], ARGV[2])
		return 1
		`
)
