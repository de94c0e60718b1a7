package chat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"PPGate/logger"
	"PPGate/tools/safe"

	"go.uber.org/zap"
)

type PresenceConf struct {
	Debounce      time.Duration // 0 表示不合并
	NotifyTimeout time.Duration
	MirrorRefresh time.Duration // 镜像带 TTL 时的续期周期，0 不续期
}

type presenceEvent struct {
	user   string
	online bool
	settle bool // 防抖窗口到期
}

// PresenceTracker 由 Registry 的上下线事件驱动，通知联系人和同频道成员。
// 事件先入队（不阻塞 Registry），由单个 worker 按到达顺序处理。
type PresenceTracker struct {
	reg        *Registry
	router     *Router
	contacts   Contacts
	membership Membership
	mirror     PresenceMirror
	metrics    *Metrics
	log        *zap.Logger

	debounce      atomic.Int64
	notifyTimeout time.Duration
	mirrorRefresh time.Duration

	mu     sync.Mutex
	queue  []presenceEvent
	signal chan struct{}

	// 以下只在 worker 内访问
	announced map[string]bool
	timers    map[string]*time.Timer
}

func NewPresenceTracker(conf PresenceConf, reg *Registry, router *Router, contacts Contacts, membership Membership, metrics *Metrics) *PresenceTracker {
	safe.MustNotNil(reg, "registry")
	safe.MustNotNil(router, "router")
	safe.MustNotNil(contacts, "contacts")
	safe.MustNotNil(membership, "membership")
	if conf.NotifyTimeout <= 0 {
		conf.NotifyTimeout = 5 * time.Second
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	p := &PresenceTracker{
		reg:           reg,
		router:        router,
		contacts:      contacts,
		membership:    membership,
		metrics:       metrics,
		log:           logger.Named("presence"),
		notifyTimeout: conf.NotifyTimeout,
		mirrorRefresh: conf.MirrorRefresh,
		signal:        make(chan struct{}, 1),
		announced:     make(map[string]bool),
		timers:        make(map[string]*time.Timer),
	}
	p.SetDebounce(conf.Debounce)
	reg.Subscribe(p.OnTransition)
	return p
}

// SetMirror 启动前设置
func (p *PresenceTracker) SetMirror(m PresenceMirror) { p.mirror = m }

// SetDebounce 可在运行期热更新（远端配置变更）
func (p *PresenceTracker) SetDebounce(d time.Duration) {
	if d < 0 {
		d = 0
	}
	p.debounce.Store(int64(d))
}

func (p *PresenceTracker) Debounce() time.Duration { return time.Duration(p.debounce.Load()) }

func (p *PresenceTracker) IsOnline(userID string) bool { return p.reg.Online(userID) }

// OnTransition Registry 回调，只入队
func (p *PresenceTracker) OnTransition(t Transition) {
	p.enqueue(presenceEvent{user: t.UserID, online: t.Online})
}

func (p *PresenceTracker) enqueue(ev presenceEvent) {
	p.mu.Lock()
	p.queue = append(p.queue, ev)
	p.mu.Unlock()
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// Run 阻塞直到 ctx 结束
func (p *PresenceTracker) Run(ctx context.Context) {
	defer func() {
		for u, t := range p.timers {
			t.Stop()
			delete(p.timers, u)
		}
	}()
	var refresh <-chan time.Time
	if p.mirror != nil && p.mirrorRefresh > 0 {
		tk := time.NewTicker(p.mirrorRefresh)
		defer tk.Stop()
		refresh = tk.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-refresh:
			p.refreshMirror(ctx)
			continue
		case <-p.signal:
		}
		p.mu.Lock()
		batch := p.queue
		p.queue = nil
		p.mu.Unlock()

		for _, ev := range batch {
			p.handle(ctx, ev)
		}
	}
}

func (p *PresenceTracker) handle(ctx context.Context, ev presenceEvent) {
	if ev.settle {
		delete(p.timers, ev.user)
		p.announceIfChanged(ctx, ev.user, p.reg.Online(ev.user))
		return
	}

	p.mirrorWrite(ctx, ev.user, ev.online)

	window := p.Debounce()
	if window <= 0 {
		p.announceIfChanged(ctx, ev.user, ev.online)
		return
	}
	if t, ok := p.timers[ev.user]; ok {
		t.Stop()
	}
	user := ev.user
	p.timers[user] = time.AfterFunc(window, func() {
		p.enqueue(presenceEvent{user: user, settle: true})
	})
}

func (p *PresenceTracker) announceIfChanged(ctx context.Context, user string, online bool) {
	if p.announced[user] == online {
		return
	}
	if online {
		p.announced[user] = true
	} else {
		delete(p.announced, user)
	}
	p.announce(ctx, user, online)
}

func (p *PresenceTracker) announce(ctx context.Context, user string, online bool) {
	nctx, cancel := context.WithTimeout(ctx, p.notifyTimeout)
	defer cancel()

	audience := p.Audience(nctx, user)
	if len(audience) == 0 {
		return
	}
	n := p.router.Deliver(nctx, audience, PresenceFrame(user, online).Encode())
	p.metrics.presenceNotices.Inc()
	p.log.Debug("presence announced",
		zap.String("user", user), zap.Bool("online", online),
		zap.Int("audience", len(audience)), zap.Int("handles", n))
}

// Audience 联系人 ∪ 所在频道成员，不含自己。单个来源失败只记日志
func (p *PresenceTracker) Audience(ctx context.Context, user string) []string {
	seen := map[string]struct{}{user: {}}
	var out []string
	add := func(ids []string) {
		for _, id := range ids {
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}

	if cs, err := p.contacts.ContactsOf(ctx, user); err != nil {
		p.log.Warn("contacts lookup failed", zap.String("user", user), zap.Error(err))
	} else {
		add(cs)
	}

	chans, err := p.membership.ChannelsOf(ctx, user)
	if err != nil {
		p.log.Warn("channels lookup failed", zap.String("user", user), zap.Error(err))
		return out
	}
	for _, ch := range chans {
		members, err := p.membership.MembersOf(ctx, ch)
		if err != nil {
			p.log.Warn("channel members lookup failed", zap.String("channel", ch), zap.Error(err))
			continue
		}
		add(members)
	}
	return out
}

func (p *PresenceTracker) mirrorWrite(ctx context.Context, user string, online bool) {
	if p.mirror == nil {
		return
	}
	mctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	var err error
	if online {
		err = p.mirror.SetOnline(mctx, user)
	} else {
		err = p.mirror.SetOffline(mctx, user)
	}
	if err != nil {
		p.log.Warn("presence mirror write failed", zap.String("user", user), zap.Bool("online", online), zap.Error(err))
	}
}

// refreshMirror 为当前在线用户续期
func (p *PresenceTracker) refreshMirror(ctx context.Context) {
	seen := make(map[string]struct{})
	p.reg.Range(func(userID string, _ Handle) {
		if _, ok := seen[userID]; ok {
			return
		}
		seen[userID] = struct{}{}
		p.mirrorWrite(ctx, userID, true)
	})
}
