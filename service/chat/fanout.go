package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"PPGate/logger"
	"PPGate/tools/errs"
	"PPGate/tools/safe"

	"go.uber.org/zap"
)

type FanoutConf struct {
	Retries        int           // 成员查询失败后的后台重试次数
	Backoff        time.Duration // 首次重试间隔，之后翻倍
	ResolveTimeout time.Duration
}

func (c *FanoutConf) norm() {
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.Backoff <= 0 {
		c.Backoff = 200 * time.Millisecond
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = 3 * time.Second
	}
}

// Fanout 频道 -> 成员快照。每次投递都实时查询，不做缓存
type Fanout struct {
	conf       FanoutConf
	membership Membership
	log        *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

func NewFanout(conf FanoutConf, membership Membership) *Fanout {
	safe.MustNotNil(membership, "membership")
	conf.norm()
	return &Fanout{
		conf:       conf,
		membership: membership,
		log:        logger.Named("fanout"),
		stop:       make(chan struct{}),
	}
}

// ResolveMembers 返回当前成员（去重）。未知频道 ErrUnknownChannel，其余失败归为 ErrMembershipUnavailable
func (f *Fanout) ResolveMembers(ctx context.Context, channelID string) ([]string, error) {
	members, err := f.membership.MembersOf(ctx, channelID)
	if err != nil {
		switch {
		case errors.Is(err, errs.ErrUnknownChannel):
			return nil, err
		case errors.Is(err, errs.ErrMembershipUnavailable):
			return nil, err
		default:
			return nil, errs.ErrMembershipUnavailable.WrapMsg(err.Error(), "channel", channelID)
		}
	}
	seen := make(map[string]struct{}, len(members))
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m == "" {
			continue
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out, nil
}

// Defer 成员查询失败后在后台按退避重试。成功时以新的成员快照调用 deliver；
// 频道消失、重试耗尽或关闭时调用 abandon，两者恰好调用其一。
// 未启用重试时返回 false，回调都不会被调用。
func (f *Fanout) Defer(channelID string, deliver func(ctx context.Context, members []string), abandon func(err error)) bool {
	if f.conf.Retries == 0 {
		return false
	}
	f.wg.Add(1)
	safe.Go("fanout-retry", func() {
		defer f.wg.Done()
		wait := f.conf.Backoff
		var lastErr error
		for attempt := 1; attempt <= f.conf.Retries; attempt++ {
			t := time.NewTimer(wait)
			select {
			case <-f.stop:
				t.Stop()
				abandon(errs.ErrMembershipUnavailable.WrapMsg("fan-out stopped", "channel", channelID))
				return
			case <-t.C:
			}
			wait *= 2

			ctx, cancel := context.WithTimeout(context.Background(), f.conf.ResolveTimeout)
			members, err := f.ResolveMembers(ctx, channelID)
			cancel()
			if err == nil {
				deliver(context.Background(), members)
				f.log.Info("deferred channel fan-out delivered",
					zap.String("channel", channelID), zap.Int("attempt", attempt))
				return
			}
			lastErr = err
			if errors.Is(err, errs.ErrUnknownChannel) {
				f.log.Warn("deferred fan-out: channel gone", zap.String("channel", channelID))
				abandon(err)
				return
			}
			f.log.Warn("deferred fan-out attempt failed",
				zap.String("channel", channelID), zap.Int("attempt", attempt), zap.Error(err))
		}
		f.log.Error("deferred fan-out gave up; recipients must catch up from history",
			zap.String("channel", channelID))
		abandon(lastErr)
	})
	return true
}

func (f *Fanout) Close() {
	f.stopOnce.Do(func() { close(f.stop) })
	f.wg.Wait()
}

func contains(users []string, u string) bool {
	for _, x := range users {
		if x == u {
			return true
		}
	}
	return false
}

func without(users []string, drop string) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		if u != drop {
			out = append(out, u)
		}
	}
	return out
}
