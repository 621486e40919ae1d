package inventory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	rediskey "flash_sale_engine/pkg/redis"

	rd "github.com/redis/go-redis/v9"
)

// luaTryDecrement：Redis 内原子「读库存 → 判断 ≥ 扣减量 → DECRBY」
// KEYS[1]=库存key，ARGV[1]=扣减数量
// 返回 {1, 扣减后剩余}；不足返回 {0, 当前库存}；key 不存在返回 {-1, 0}
var luaTryDecrement = rd.NewScript(`
local key = KEYS[1]
local decr = tonumber(ARGV[1])
local current = redis.call('GET', key)
if not current then
  return {-1, 0}
end
current = tonumber(current)
if current >= decr then
  return {1, redis.call('DECRBY', key, decr)}
end
return {0, current}
`)

// luaAdjust：带非负校验的修正，只给审计修复路径使用。
// 返回 {1, 修正后库存}；会变负返回 {0, 当前库存}；key 不存在返回 {-1, 0}
var luaAdjust = rd.NewScript(`
local key = KEYS[1]
local delta = tonumber(ARGV[1])
local current = redis.call('GET', key)
if not current then
  return {-1, 0}
end
current = tonumber(current)
if current + delta < 0 then
  return {0, current}
end
return {1, redis.call('INCRBY', key, delta)}
`)

// RedisCounter 是共享的权威库存计数器，所有改写都在单个 Lua 脚本内完成。
type RedisCounter struct {
	rdb     *rd.Client
	timeout time.Duration

	// 仅供 Peek 降级展示，绝不用于扣减判断
	lastKnown sync.Map
}

func NewRedisCounter(rdb *rd.Client, timeout time.Duration) *RedisCounter {
	if timeout <= 0 {
		timeout = 300 * time.Millisecond
	}
	return &RedisCounter{rdb: rdb, timeout: timeout}
}

func (c *RedisCounter) TryDecrement(ctx context.Context, saleID string, qty int64) (int64, error) {
	if qty <= 0 {
		return 0, ErrInvalidQuantity
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := luaTryDecrement.Run(ctx, c.rdb, []string{rediskey.StockKey(saleID)}, qty).Int64Slice()
	if err != nil {
		// 存储不可达时拒绝扣减（fail closed），绝不假设成功
		return 0, unavailable(err)
	}
	if len(res) != 2 {
		return 0, unavailable(rediskey.ErrUnexpectedReply)
	}
	switch res[0] {
	case 1:
		c.lastKnown.Store(saleID, res[1])
		return res[1], nil
	case 0:
		c.lastKnown.Store(saleID, res[1])
		return res[1], ErrInsufficientInventory
	default:
		return 0, ErrSaleNotLoaded
	}
}

func (c *RedisCounter) Increment(ctx context.Context, saleID string, qty int64, guard string) (int64, bool, error) {
	if qty <= 0 {
		return 0, false, ErrInvalidQuantity
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	remaining, applied, err := rediskey.IncrementOnce(ctx, c.rdb, saleID, guard, qty)
	if err != nil {
		if errors.Is(err, rediskey.ErrStockMissing) {
			return 0, false, ErrSaleNotLoaded
		}
		return 0, false, unavailable(err)
	}
	c.lastKnown.Store(saleID, remaining)
	return remaining, applied, nil
}

func (c *RedisCounter) Available(ctx context.Context, saleID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	n, err := c.rdb.Get(ctx, rediskey.StockKey(saleID)).Int64()
	if err != nil {
		if rediskey.IsNil(err) {
			return 0, ErrSaleNotLoaded
		}
		return 0, unavailable(err)
	}
	c.lastKnown.Store(saleID, n)
	return n, nil
}

// Peek 读取展示用库存；Redis 出错时降级返回最后一次观察到的值。
func (c *RedisCounter) Peek(ctx context.Context, saleID string) (Stock, error) {
	n, err := c.Available(ctx, saleID)
	if err == nil {
		return Stock{Available: n}, nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		if v, ok := c.lastKnown.Load(saleID); ok {
			return Stock{Available: v.(int64), Stale: true}, nil
		}
	}
	return Stock{}, err
}

func (c *RedisCounter) Load(ctx context.Context, saleID string, qty int64, overwrite bool) (bool, error) {
	if qty < 0 {
		return false, ErrInvalidQuantity
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	key := rediskey.StockKey(saleID)
	if overwrite {
		if err := c.rdb.Set(ctx, key, qty, 0).Err(); err != nil {
			return false, unavailable(err)
		}
		c.lastKnown.Store(saleID, qty)
		return true, nil
	}
	ok, err := c.rdb.SetNX(ctx, key, qty, 0).Result()
	if err != nil {
		return false, unavailable(err)
	}
	if ok {
		c.lastKnown.Store(saleID, qty)
	}
	return ok, nil
}

func (c *RedisCounter) Adjust(ctx context.Context, saleID string, delta int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := luaAdjust.Run(ctx, c.rdb, []string{rediskey.StockKey(saleID)}, delta).Int64Slice()
	if err != nil {
		return 0, unavailable(err)
	}
	if len(res) != 2 {
		return 0, unavailable(rediskey.ErrUnexpectedReply)
	}
	switch res[0] {
	case 1:
		c.lastKnown.Store(saleID, res[1])
		return res[1], nil
	case 0:
		return res[1], ErrNegativeAdjustment
	default:
		return 0, ErrSaleNotLoaded
	}
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
