package admission

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	rediskey "flash_sale_engine/pkg/redis"

	rd "github.com/redis/go-redis/v9"
)

// luaJoin：原子分配位置。KEYS[1]=entry KEYS[2]=seq
// 返回 {'new'|'exists', pos, joined_at, state}
var luaJoin = rd.NewScript(`
local pos = redis.call('HGET', KEYS[1], 'pos')
if pos then
  return {'exists', pos, redis.call('HGET', KEYS[1], 'joined_at'), redis.call('HGET', KEYS[1], 'state')}
end
pos = tostring(redis.call('INCR', KEYS[2]))
redis.call('HSET', KEYS[1], 'pos', pos, 'joined_at', ARGV[1], 'state', 'waiting')
return {'new', pos, ARGV[1], 'waiting'}
`)

// luaLookup：一次读出排队记录、占位、水位以及放行时间，保证视图一致。
// KEYS[1]=entry KEYS[2]=watermark KEYS[3]=hold KEYS[4]=admit_log
var luaLookup = rd.NewScript(`
local pos = redis.call('HGET', KEYS[1], 'pos')
if not pos then
  return {'not_queued'}
end
local wm = redis.call('GET', KEYS[2]) or '0'
local hold = redis.call('GET', KEYS[3]) or ''
local admitted = ''
if tonumber(pos) <= tonumber(wm) then
  local marks = redis.call('ZRANGEBYSCORE', KEYS[4], pos, '+inf', 'LIMIT', 0, 1)
  if #marks > 0 then
    admitted = marks[1]
  end
end
return {'ok', pos, redis.call('HGET', KEYS[1], 'joined_at'), redis.call('HGET', KEYS[1], 'state'), hold, wm, admitted}
`)

// luaAdvance：水位增长不超过队尾，每次推进记录放行时间。
// KEYS[1]=watermark KEYS[2]=seq KEYS[3]=admit_log
var luaAdvance = rd.NewScript(`
local wm = tonumber(redis.call('GET', KEYS[1]) or '0')
local tail = tonumber(redis.call('GET', KEYS[2]) or '0')
local target = wm + tonumber(ARGV[1])
if target > tail then
  target = tail
end
if target <= wm then
  return wm
end
redis.call('SET', KEYS[1], target)
redis.call('ZADD', KEYS[3], target, tostring(target) .. ':' .. ARGV[2])
return target
`)

// luaTransition：只有 waiting 的记录可以进入 removed / purchased。
// KEYS[1]=entry KEYS[2]=hold
var luaTransition = rd.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
  return 'not_queued'
end
if state == ARGV[1] then
  return 'ok'
end
if state ~= 'waiting' then
  return 'closed'
end
redis.call('HSET', KEYS[1], 'state', ARGV[1])
if ARGV[1] == 'purchased' then
  redis.call('DEL', KEYS[2])
end
return 'ok'
`)

// luaClaim：已放行、仍在 waiting 且没有占位时，写入预占 ID（SET NX）。
// KEYS[1]=entry KEYS[2]=watermark KEYS[3]=hold
var luaClaim = rd.NewScript(`
local pos = redis.call('HGET', KEYS[1], 'pos')
if not pos then
  return 'not_queued'
end
if redis.call('HGET', KEYS[1], 'state') ~= 'waiting' then
  return 'closed'
end
local wm = tonumber(redis.call('GET', KEYS[2]) or '0')
if tonumber(pos) > wm then
  return 'not_admitted'
end
if redis.call('SET', KEYS[3], ARGV[1], 'NX') then
  return 'ok'
end
return 'hold_active'
`)

// RedisStore 是共享的排队状态，位置分配与水位推进都在 Lua 中完成。
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

func (s *RedisStore) Join(ctx context.Context, saleID, userID string, now time.Time) (Entry, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := luaJoin.Run(ctx, s.rdb,
		[]string{rediskey.QueueEntryKey(saleID, userID), rediskey.QueueSeqKey(saleID)},
		now.UnixMilli(),
	).StringSlice()
	if err != nil {
		return Entry{}, false, fmt.Errorf("join %s/%s: %w: %w", saleID, userID, ErrStoreUnavailable, err)
	}
	if len(out) != 4 {
		return Entry{}, false, rediskey.ErrUnexpectedReply
	}
	e, err := parseEntry(saleID, userID, out[1], out[2], out[3])
	if err != nil {
		return Entry{}, false, err
	}
	return e, out[0] == "new", nil
}

func (s *RedisStore) Lookup(ctx context.Context, saleID, userID string) (Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := luaLookup.Run(ctx, s.rdb, []string{
		rediskey.QueueEntryKey(saleID, userID),
		rediskey.QueueWatermarkKey(saleID),
		rediskey.QueueHoldKey(saleID, userID),
		rediskey.QueueAdmitLogKey(saleID),
	}).StringSlice()
	if err != nil {
		return Record{}, fmt.Errorf("lookup %s/%s: %w: %w", saleID, userID, ErrStoreUnavailable, err)
	}
	if len(out) == 1 && out[0] == "not_queued" {
		return Record{}, ErrNotQueued
	}
	if len(out) != 7 {
		return Record{}, rediskey.ErrUnexpectedReply
	}
	e, err := parseEntry(saleID, userID, out[1], out[2], out[3])
	if err != nil {
		return Record{}, err
	}
	wm, err := strconv.ParseInt(out[5], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("invalid watermark %q", out[5])
	}
	rec := Record{Entry: e, Hold: out[4], Watermark: wm}
	if out[6] != "" {
		_, ms, ok := strings.Cut(out[6], ":")
		if !ok {
			return Record{}, fmt.Errorf("invalid admit mark %q", out[6])
		}
		at, err := strconv.ParseInt(ms, 10, 64)
		if err != nil {
			return Record{}, fmt.Errorf("invalid admit mark %q", out[6])
		}
		rec.AdmittedAt = time.UnixMilli(at).UTC()
	}
	return rec, nil
}

func (s *RedisStore) Advance(ctx context.Context, saleID string, by int64, now time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	wm, err := luaAdvance.Run(ctx, s.rdb, []string{
		rediskey.QueueWatermarkKey(saleID),
		rediskey.QueueSeqKey(saleID),
		rediskey.QueueAdmitLogKey(saleID),
	}, by, now.UnixMilli()).Int64()
	if err != nil {
		return 0, fmt.Errorf("advance %s: %w: %w", saleID, ErrStoreUnavailable, err)
	}
	return wm, nil
}

func (s *RedisStore) Transition(ctx context.Context, saleID, userID string, to Status) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := luaTransition.Run(ctx, s.rdb, []string{
		rediskey.QueueEntryKey(saleID, userID),
		rediskey.QueueHoldKey(saleID, userID),
	}, string(to)).Text()
	if err != nil {
		return fmt.Errorf("transition %s/%s: %w: %w", saleID, userID, ErrStoreUnavailable, err)
	}
	return replyErr(res)
}

func (s *RedisStore) Claim(ctx context.Context, saleID, userID, reservationID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := luaClaim.Run(ctx, s.rdb, []string{
		rediskey.QueueEntryKey(saleID, userID),
		rediskey.QueueWatermarkKey(saleID),
		rediskey.QueueHoldKey(saleID, userID),
	}, reservationID).Text()
	if err != nil {
		return fmt.Errorf("claim %s/%s: %w: %w", saleID, userID, ErrStoreUnavailable, err)
	}
	return replyErr(res)
}

func (s *RedisStore) Unclaim(ctx context.Context, saleID, userID, reservationID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ok, err := rediskey.ReleaseIfMatch(ctx, s.rdb, rediskey.QueueHoldKey(saleID, userID), reservationID)
	if err != nil {
		return false, fmt.Errorf("unclaim %s/%s: %w: %w", saleID, userID, ErrStoreUnavailable, err)
	}
	return ok, nil
}

func (s *RedisStore) Snapshot(ctx context.Context, saleID string) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	vals, err := s.rdb.MGet(ctx, rediskey.QueueSeqKey(saleID), rediskey.QueueWatermarkKey(saleID)).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot %s: %w: %w", saleID, ErrStoreUnavailable, err)
	}
	tail, err := intOrZero(vals[0])
	if err != nil {
		return Snapshot{}, err
	}
	wm, err := intOrZero(vals[1])
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{SaleID: saleID, Tail: tail, Watermark: wm, Depth: tail - wm}, nil
}

func replyErr(res string) error {
	switch res {
	case "ok":
		return nil
	case "not_queued":
		return ErrNotQueued
	case "closed":
		return ErrEntryClosed
	case "not_admitted":
		return ErrNotAdmitted
	case "hold_active":
		return ErrHoldActive
	default:
		return rediskey.ErrUnexpectedReply
	}
}

func parseEntry(saleID, userID, pos, joinedAt, state string) (Entry, error) {
	p, err := strconv.ParseInt(pos, 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("invalid position %q", pos)
	}
	ms, err := strconv.ParseInt(joinedAt, 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("invalid joined_at %q", joinedAt)
	}
	return Entry{
		SaleID:   saleID,
		UserID:   userID,
		Position: p,
		JoinedAt: time.UnixMilli(ms).UTC(),
		State:    Status(state),
	}, nil
}

func intOrZero(v any) (int64, error) {
	if v == nil {
		return 0, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("unsupported field type %T", v)
	}
	return strconv.ParseInt(s, 10, 64)
}
