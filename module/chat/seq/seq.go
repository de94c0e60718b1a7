package seq

import (
	"context"
	"time"

	"PPGate/tools/errs"

	"github.com/redis/go-redis/v9"
)

// 段内原子发号：KEYS[1]=key; ARGV[1]=need; ARGV[2]=nowMs
// 返回：{0,start,end,nowMs} 成功；{1} notfound；{3,curr,end} 用尽
var luaInSegment = redis.NewScript(`
  local k = KEYS[1]
  local need = tonumber(ARGV[1])
  local nowms = tonumber(ARGV[2])

  local curr = redis.call('HGET', k, 'curr')
  local endv = redis.call('HGET', k, 'end')
  if not curr or not endv then
    return {1}
  end
  curr = tonumber(curr); endv = tonumber(endv)

  local newv = curr + need
  if newv > endv then
    return {3, curr, endv}
  end
  redis.call('HSET', k, 'curr', newv, 'mill', nowms)
  return {0, curr + 1, endv, nowms}
`)

// 领到新段后的原子装载+发号：KEYS[1]=key; ARGV[1]=need; ARGV[2]=segStart; ARGV[3]=segEnd; ARGV[4]=nowMs; ARGV[5]=ttlMs
// 现有段仍有余量 -> 直接从现有段发号，新段作废；
// 现有段用尽且不比新段旧 -> {4}，新段已过期需重新领段；
// 否则装载新段（只前进不后退）并发号。
var luaInstallSegment = redis.NewScript(`
  local k = KEYS[1]
  local need = tonumber(ARGV[1])
  local segStart = tonumber(ARGV[2])
  local segEnd = tonumber(ARGV[3])
  local nowms = tonumber(ARGV[4])
  local ttl = tonumber(ARGV[5])

  local curr = redis.call('HGET', k, 'curr')
  local endv = redis.call('HGET', k, 'end')
  if curr and endv then
    curr = tonumber(curr); endv = tonumber(endv)
    if curr + need <= endv then
      redis.call('HSET', k, 'curr', curr + need, 'mill', nowms)
      return {0, curr + 1, endv, nowms}
    end
    if endv >= segEnd then
      return {4, curr, endv}
    end
  end

  if segStart - 1 + need > segEnd then
    return {3, segStart - 1, segEnd}
  end
  redis.call('HSET', k, 'curr', segStart - 1 + need, 'end', segEnd, 'mill', nowms)
  redis.call('PEXPIRE', k, ttl)
  return {0, segStart, segEnd, nowms}
`)

type DAOIface interface {
	AllocSegment(ctx context.Context, conversationID string, block int64) (start, end int64, err error)
}

// Allocator 会话内单调发号。Rdb 为空时每次直接向 Mongo 领号
type Allocator struct {
	Rdb         redis.Scripter
	DAO         DAOIface
	BlockSizeFn func(conversationID string, want int64) int64
	KeyFn       func(conversationID string) string
	SegmentTTL  time.Duration
	MaxRetry    int
}

func defaultBlock(_ string, want int64) int64 {
	if want <= 0 {
		want = 1
	}
	if want < 32 {
		return 256
	} // 冷会话小段
	return want * 8 // 热会话放大
}

func defaultKey(conv string) string { return "seq:blk:" + conv }

func (a *Allocator) ensure() {
	if a.BlockSizeFn == nil {
		a.BlockSizeFn = defaultBlock
	}
	if a.KeyFn == nil {
		a.KeyFn = defaultKey
	}
	if a.SegmentTTL <= 0 {
		a.SegmentTTL = time.Hour
	}
	if a.MaxRetry == 0 {
		a.MaxRetry = 10
	}
}

// Malloc 分配 need 个连续 seq，返回起始 start 与 mill 时间戳
func (a *Allocator) Malloc(ctx context.Context, conversationID string, need int64) (start int64, mill int64, err error) {
	a.ensure()
	if need <= 0 {
		need = 1
	}
	nowms := time.Now().UnixMilli()
	if a.Rdb == nil {
		s, _, e := a.DAO.AllocSegment(ctx, conversationID, need)
		if e != nil {
			return 0, 0, errs.WrapMsg(e, "alloc seq from mongo", "conv", conversationID)
		}
		return s, nowms, nil
	}
	key := a.KeyFn(conversationID)

	// 1) 先尝试在现有段内发号
	if res, e := luaInSegment.Run(ctx, a.Rdb, []string{key}, need, nowms).Result(); e == nil {
		arr := res.([]interface{})
		switch arr[0].(int64) {
		case 0:
			return arr[1].(int64), arr[3].(int64), nil
		case 1, 3:
			// not found / exceeded -> 回源
		default:
			return 0, 0, errs.New("unknown redis state", "state", arr[0])
		}
	}

	// 2) 回源 Mongo 领段 -> 条件装载并发号。并发回源时先装载者胜出，其余从其段内发号
	var lastErr error
	for i := 0; i < a.MaxRetry; i++ {
		block := a.BlockSizeFn(conversationID, need)
		if block < need {
			block = need
		}

		segStart, segEnd, e := a.DAO.AllocSegment(ctx, conversationID, block)
		if e != nil {
			lastErr = e
			break
		}

		state, start, mill, e := a.install(ctx, key, need, segStart, segEnd, nowms)
		if e != nil {
			lastErr = e
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if state == 0 {
			return start, mill, nil
		}
		// 更新的段已装载且已用尽：本段过期，重新领段
	}
	if lastErr == nil {
		lastErr = errs.New("malloc retry exceeded", "conv", conversationID)
	}
	return 0, 0, errs.WrapMsg(lastErr, "alloc seq", "conv", conversationID)
}

func (a *Allocator) install(ctx context.Context, key string, need, segStart, segEnd, nowms int64) (state, start, mill int64, err error) {
	res, err := luaInstallSegment.Run(ctx, a.Rdb, []string{key}, need, segStart, segEnd, nowms, a.SegmentTTL.Milliseconds()).Result()
	if err != nil {
		return 0, 0, 0, err
	}
	arr := res.([]interface{})
	state = arr[0].(int64)
	if state == 0 {
		return 0, arr[1].(int64), arr[3].(int64), nil
	}
	return state, 0, 0, nil
}
