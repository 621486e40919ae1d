package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// GuardTTL 是幂等回补标记的保留时间。
const GuardTTL = 7 * 24 * time.Hour

// luaIncrementOnce 通过 SETNX 标记保证「同一幂等键只回补一次」。
// 返回 {applied, remaining}，库存 key 不存在时返回 {-1, 0}。
// guard 为空时直接回补（仅供审计修复路径使用）。
var luaIncrementOnce = rd.NewScript(`
local stockKey = KEYS[1]
local guardKey = KEYS[2]
local quantity = tonumber(ARGV[1])
local ttlSec = tonumber(ARGV[2])

if redis.call('EXISTS', stockKey) == 0 then
  return {-1, 0}
end

if guardKey ~= '' then
  if redis.call('SETNX', guardKey, '1') == 0 then
    return {0, tonumber(redis.call('GET', stockKey) or '0')}
  end
  redis.call('EXPIRE', guardKey, ttlSec)
end
return {1, redis.call('INCRBY', stockKey, quantity)}
`)

// IncrementOnce 幂等回补库存：
// - 首次回补返回 applied=true
// - 重复回补返回 applied=false（不会重复加库存）
// - 库存 key 不存在返回 ErrStockMissing，不会凭空创建库存
func IncrementOnce(ctx context.Context, rdb rd.Scripter, saleID, guard string, quantity int64) (remaining int64, applied bool, err error) {
	guardKey := ""
	if guard != "" {
		guardKey = StockGuardKey(guard)
	}
	res, err := luaIncrementOnce.Run(ctx, rdb, []string{StockKey(saleID), guardKey},
		quantity, int64(GuardTTL/time.Second)).Int64Slice()
	if err != nil {
		return 0, false, err
	}
	if len(res) != 2 {
		return 0, false, ErrUnexpectedReply
	}
	if res[0] < 0 {
		return 0, false, ErrStockMissing
	}
	return res[1], res[0] == 1, nil
}
