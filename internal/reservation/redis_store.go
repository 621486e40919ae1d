package reservation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	rediskey "flash_sale_engine/pkg/redis"

	rd "github.com/redis/go-redis/v9"
)

// luaPut：写入预占记录 + 过期索引 + 活动汇总，id 已存在时返回 0。
// KEYS[1]=记录 KEYS[2]=过期索引 KEYS[3]=汇总
var luaPut = rd.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1],
  'id', ARGV[1], 'sale_id', ARGV[2], 'product_id', ARGV[3], 'user_id', ARGV[4],
  'qty', ARGV[5], 'created_at', ARGV[6], 'expires_at', ARGV[7], 'state', 'held')
redis.call('ZADD', KEYS[2], ARGV[7], ARGV[1])
redis.call('HINCRBY', KEYS[3], 'held:' .. ARGV[2], tonumber(ARGV[5]))
redis.call('HINCRBY', KEYS[3], 'count:' .. ARGV[2], 1)
return 1
`)

// luaFinalize：仅 held 且未过期的记录可被结清；结清即删除，库存不动。
// 返回 {'ok', 字段...} / {'not_found'} / {'expired'}
var luaFinalize = rd.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if (not state) or state ~= 'held' then
  return {'not_found'}
end
local expiresAt = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
if expiresAt <= tonumber(ARGV[2]) then
  return {'expired'}
end
local fields = redis.call('HGETALL', KEYS[1])
local sale = redis.call('HGET', KEYS[1], 'sale_id')
local qty = tonumber(redis.call('HGET', KEYS[1], 'qty'))
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HINCRBY', KEYS[3], 'held:' .. sale, -qty)
redis.call('HINCRBY', KEYS[3], 'count:' .. sale, -1)
local out = {'ok'}
for i = 1, #fields do
  out[#out + 1] = fields[i]
end
return out
`)

// luaMarkReleasing：held → releasing，已是 releasing 时原样返回，便于中断后续做。
var luaMarkReleasing = rd.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {'not_found'}
end
redis.call('HSET', KEYS[1], 'state', 'releasing')
local fields = redis.call('HGETALL', KEYS[1])
local out = {'ok'}
for i = 1, #fields do
  out[#out + 1] = fields[i]
end
return out
`)

// luaDelete：存在才删除，并回退活动汇总；保证同一记录只被扣除一次。
var luaDelete = rd.NewScript(`
local sale = redis.call('HGET', KEYS[1], 'sale_id')
if not sale then
  return 0
end
local qty = tonumber(redis.call('HGET', KEYS[1], 'qty'))
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HINCRBY', KEYS[3], 'held:' .. sale, -qty)
redis.call('HINCRBY', KEYS[3], 'count:' .. sale, -1)
return 1
`)

// RedisStore 把预占账本放在共享 Redis 中，所有状态迁移都由 Lua 脚本完成。
type RedisStore struct {
	rdb     *rd.Client
	timeout time.Duration
}

func NewRedisStore(rdb *rd.Client, timeout time.Duration) *RedisStore {
	if timeout <= 0 {
		timeout = 300 * time.Millisecond
	}
	return &RedisStore{rdb: rdb, timeout: timeout}
}

func (s *RedisStore) keys(id string) []string {
	return []string{
		rediskey.ReservationKey(id),
		rediskey.ReservationExpiryKey(),
		rediskey.ReservationOutstandingKey(),
	}
}

func (s *RedisStore) Put(ctx context.Context, r Reservation) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := luaPut.Run(ctx, s.rdb, s.keys(r.ID),
		r.ID, r.SaleID, r.ProductID, r.UserID, r.Quantity,
		r.CreatedAt.UnixMilli(), r.ExpiresAt.UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("put reservation %s: %w: %w", r.ID, ErrStoreUnavailable, err)
	}
	if n == 0 {
		return ErrDuplicateID
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (Reservation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	m, err := s.rdb.HGetAll(ctx, rediskey.ReservationKey(id)).Result()
	if err != nil {
		return Reservation{}, fmt.Errorf("get reservation %s: %w: %w", id, ErrStoreUnavailable, err)
	}
	if len(m) == 0 {
		return Reservation{}, ErrReservationNotFound
	}
	return parseRecord(m)
}

func (s *RedisStore) Finalize(ctx context.Context, id string, now time.Time) (Reservation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := luaFinalize.Run(ctx, s.rdb, s.keys(id), id, now.UnixMilli()).StringSlice()
	if err != nil {
		return Reservation{}, fmt.Errorf("finalize reservation %s: %w: %w", id, ErrStoreUnavailable, err)
	}
	return decodeReply(out)
}

func (s *RedisStore) MarkReleasing(ctx context.Context, id string) (Reservation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := luaMarkReleasing.Run(ctx, s.rdb, s.keys(id)[:1]).StringSlice()
	if err != nil {
		return Reservation{}, fmt.Errorf("mark releasing %s: %w: %w", id, ErrStoreUnavailable, err)
	}
	return decodeReply(out)
}

func (s *RedisStore) Delete(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := luaDelete.Run(ctx, s.rdb, s.keys(id), id).Int()
	if err != nil {
		return false, fmt.Errorf("delete reservation %s: %w: %w", id, ErrStoreUnavailable, err)
	}
	return n == 1, nil
}

func (s *RedisStore) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 500
	}
	ids, err := s.rdb.ZRangeByScore(ctx, rediskey.ReservationExpiryKey(), &rd.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list due reservations: %w: %w", ErrStoreUnavailable, err)
	}
	return ids, nil
}

func (s *RedisStore) Outstanding(ctx context.Context, saleID string) (int64, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	vals, err := s.rdb.HMGet(ctx, rediskey.ReservationOutstandingKey(), "held:"+saleID, "count:"+saleID).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("outstanding %s: %w: %w", saleID, ErrStoreUnavailable, err)
	}
	qty, err := int64Field(vals[0])
	if err != nil {
		return 0, 0, err
	}
	count, err := int64Field(vals[1])
	if err != nil {
		return 0, 0, err
	}
	return qty, count, nil
}

func decodeReply(out []string) (Reservation, error) {
	if len(out) == 0 {
		return Reservation{}, rediskey.ErrUnexpectedReply
	}
	switch out[0] {
	case "ok":
	case "not_found":
		return Reservation{}, ErrReservationNotFound
	case "expired":
		return Reservation{}, ErrReservationExpired
	default:
		return Reservation{}, rediskey.ErrUnexpectedReply
	}
	fields := out[1:]
	if len(fields)%2 != 0 {
		return Reservation{}, rediskey.ErrUnexpectedReply
	}
	m := make(map[string]string, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		m[fields[i]] = fields[i+1]
	}
	return parseRecord(m)
}

func parseRecord(m map[string]string) (Reservation, error) {
	qty, err := strconv.ParseInt(m["qty"], 10, 64)
	if err != nil {
		return Reservation{}, fmt.Errorf("invalid qty %q", m["qty"])
	}
	created, err := strconv.ParseInt(m["created_at"], 10, 64)
	if err != nil {
		return Reservation{}, fmt.Errorf("invalid created_at %q", m["created_at"])
	}
	expires, err := strconv.ParseInt(m["expires_at"], 10, 64)
	if err != nil {
		return Reservation{}, fmt.Errorf("invalid expires_at %q", m["expires_at"])
	}
	return Reservation{
		ID:        m["id"],
		SaleID:    m["sale_id"],
		ProductID: m["product_id"],
		UserID:    m["user_id"],
		Quantity:  qty,
		CreatedAt: time.UnixMilli(created).UTC(),
		ExpiresAt: time.UnixMilli(expires).UTC(),
		State:     State(m["state"]),
	}, nil
}

func int64Field(v any) (int64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	case int64:
		return x, nil
	default:
		return 0, fmt.Errorf("unsupported field type %T", v)
	}
}
