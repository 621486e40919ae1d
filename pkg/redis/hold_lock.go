package redis

import (
	"context"

	rd "github.com/redis/go-redis/v9"
)

// luaReleaseIfMatch 仅当锁值匹配时才删除，避免误删新请求的占位。
var luaReleaseIfMatch = rd.NewScript(`
local lockKey = KEYS[1]
local owner = ARGV[1]
if redis.call('GET', lockKey) == owner then
  return redis.call('DEL', lockKey)
end
return 0
`)

// ReleaseIfMatch 安全释放占位锁，返回是否真正删除。
func ReleaseIfMatch(ctx context.Context, rdb rd.Scripter, key, owner string) (bool, error) {
	n, err := luaReleaseIfMatch.Run(ctx, rdb, []string{key}, owner).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
