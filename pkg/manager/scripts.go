package manager

import "github.com/redis/go-redis/v9"

// bucketsFilterLT 在 KEYS 指定的各个哈希中找出值小于 ARGV[1] 的字段，最多 ARGV[2] 个
var bucketsFilterLT = redis.NewScript(`
local result, count = {}, 0
local value = tonumber(ARGV[1])
local limit = tonumber(ARGV[2] or 100)
for _, key in ipairs(KEYS) do
  local bulk = redis.call('hgetall', key)
  for i = 1, #bulk, 2 do
    local v = tonumber(bulk[i + 1])
    if v and v < value then
      table.insert(result, bulk[i])
      count = count + 1
      if count >= limit then
        return result
      end
    end
  end
end
return result
`)

// bucketHDel 删除桶中的字段，桶为空时从桶集合中移除
var bucketHDel = redis.NewScript(`
local result = redis.call('hdel', KEYS[1], ARGV[1])
if redis.call('hlen', KEYS[1]) < 1 then
  redis.call('srem', KEYS[2], KEYS[1])
end
return result
`)

// unlockScript 只有持有者才能删除锁
var unlockScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
  return redis.call('del', KEYS[1])
end
return 0
`)

// refreshScript 只有持有者才能续期
var refreshScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
  return redis.call('pexpire', KEYS[1], ARGV[2])
end
return 0
`)
