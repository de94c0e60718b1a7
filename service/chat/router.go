package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"PPGate/logger"
	"PPGate/tools/errs"
	"PPGate/tools/ids"
	"PPGate/tools/safe"

	"go.uber.org/zap"
)

type RouterConf struct {
	NodeID          string
	DeliveryTimeout time.Duration // 单连接入队上限
	PersistTimeout  time.Duration
	RelayTimeout    time.Duration
}

func (c *RouterConf) norm() {
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 2 * time.Second
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 5 * time.Second
	}
	if c.RelayTimeout <= 0 {
		c.RelayTimeout = time.Second
	}
}

// Router 先落库，再解析收件人，最后投递到在线连接
type Router struct {
	conf    RouterConf
	reg     *Registry
	store   Persistence
	fanout  *Fanout
	relay   Relay
	locks   *keyedLock
	metrics *Metrics
	log     *zap.Logger
	clock   func() time.Time

	// 会话 -> 等待成员重试的已落库消息，按 seq 排列
	deferMu  sync.Mutex
	deferred map[string][]*Message
}

func NewRouter(conf RouterConf, reg *Registry, store Persistence, fanout *Fanout, metrics *Metrics) *Router {
	safe.MustNotNil(reg, "registry")
	safe.MustNotNil(store, "persistence")
	safe.MustNotNil(fanout, "fanout")
	conf.norm()
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Router{
		conf:    conf,
		reg:     reg,
		store:   store,
		fanout:  fanout,
		locks:   newKeyedLock(),
		metrics: metrics,
		log:     logger.Named("router"),
		clock:   time.Now,

		deferred: make(map[string][]*Message),
	}
}

// SetRelay 启动前设置；nil 表示单进程
func (r *Router) SetRelay(relay Relay) { r.relay = relay }

// Route 返回落库后的消息。落库失败返回 ErrPersistence 且不投递；
// 落库成功但成员解析失败时同时返回消息和错误（seq 已分配）。
func (r *Router) Route(ctx context.Context, in *Message) (*Message, error) {
	if err := validateOutgoing(in); err != nil {
		return nil, err
	}
	kind := "direct"
	if in.To.IsChannel() {
		kind = "channel"
	}
	key := in.ConversationKey()

	// 同一会话的落库与入队在同一把锁内，保证 seq 顺序即投递顺序
	unlock := r.locks.Lock(key)
	defer unlock()

	msg := *in
	msg.ID = ids.GenerateString()
	msg.CreatedAt = r.clock().UTC()
	msg.Seq = 0

	pctx, cancel := context.WithTimeout(ctx, r.conf.PersistTimeout)
	seq, err := r.store.Store(pctx, &msg)
	cancel()
	if err != nil {
		r.metrics.routed.WithLabelValues(kind, "persist_error").Inc()
		if !errors.Is(err, errs.ErrPersistence) {
			err = errs.ErrPersistence.WrapMsg(err.Error(), "conv", key)
		}
		r.log.Warn("persist failed", zap.String("conv", key), zap.String("sender", msg.SenderID), zap.Error(err))
		return nil, err
	}
	msg.Seq = seq
	out := &msg

	// 发送方断开不影响已落库消息的投递
	dctx := context.WithoutCancel(ctx)

	// 前面还有等待重试的消息：排在其后，由重试按 seq 一起投递
	if r.queueBehindDeferred(key, out) {
		r.metrics.routed.WithLabelValues(kind, "queued").Inc()
		return out, nil
	}

	recipients, err := r.recipients(dctx, out)
	if err != nil {
		switch {
		case errors.Is(err, errs.ErrMembershipUnavailable):
			r.metrics.routed.WithLabelValues(kind, "membership_unavailable").Inc()
			r.deferFanout(key, out)
		case errors.Is(err, errs.ErrUnknownChannel):
			r.metrics.routed.WithLabelValues(kind, "unknown_channel").Inc()
		case errors.Is(err, errs.ErrNoPermission):
			r.metrics.routed.WithLabelValues(kind, "not_member").Inc()
		default:
			r.metrics.routed.WithLabelValues(kind, "error").Inc()
		}
		r.log.Warn("resolve recipients failed", zap.String("conv", key), zap.Int64("seq", seq), zap.Error(err))
		return out, err
	}

	r.deliverMessage(dctx, out, recipients)
	r.metrics.routed.WithLabelValues(kind, "ok").Inc()
	return out, nil
}

// Signal 输入中/已读等瞬时事件：不落库，走同一条投递路径
func (r *Router) Signal(ctx context.Context, from string, to Recipient, payload []byte) (int, error) {
	if !to.Valid() {
		return 0, errs.ErrArgs.WrapMsg("recipient must be exactly one of user or channel")
	}
	var users []string
	if to.IsChannel() {
		members, err := r.fanout.ResolveMembers(ctx, to.ChannelID)
		if err != nil {
			return 0, err
		}
		if !contains(members, from) {
			return 0, notMember(from, to.ChannelID)
		}
		users = without(members, from)
	} else {
		users = []string{to.UserID}
	}
	return r.Deliver(ctx, users, payload), nil
}

func (r *Router) recipients(ctx context.Context, m *Message) ([]string, error) {
	if !m.To.IsChannel() {
		return []string{m.To.UserID}, nil
	}
	members, err := r.fanout.ResolveMembers(ctx, m.To.ChannelID)
	if err != nil {
		return nil, err
	}
	if !contains(members, m.SenderID) {
		return nil, notMember(m.SenderID, m.To.ChannelID)
	}
	return without(members, m.SenderID), nil
}

func notMember(user, channelID string) error {
	return errs.ErrNoPermission.WrapMsg("sender is not a channel member", "user", user, "channel", channelID)
}

// queueBehindDeferred 调用方持有会话锁
func (r *Router) queueBehindDeferred(key string, m *Message) bool {
	r.deferMu.Lock()
	defer r.deferMu.Unlock()
	q, ok := r.deferred[key]
	if !ok {
		return false
	}
	r.deferred[key] = append(q, m)
	return true
}

// deferFanout 调用方持有会话锁；重试回调会重新获取同一把锁
func (r *Router) deferFanout(key string, m *Message) {
	r.deferMu.Lock()
	r.deferred[key] = []*Message{m}
	r.deferMu.Unlock()

	started := r.fanout.Defer(m.To.ChannelID,
		func(ctx context.Context, members []string) { r.drainDeferred(ctx, key, members) },
		func(err error) { r.abandonDeferred(key, err) },
	)
	if !started {
		r.deferMu.Lock()
		delete(r.deferred, key)
		r.deferMu.Unlock()
		r.log.Warn("channel fan-out dropped, retries disabled", zap.String("conv", key), zap.Int64("seq", m.Seq))
	}
}

func (r *Router) takeDeferred(key string) []*Message {
	r.deferMu.Lock()
	defer r.deferMu.Unlock()
	q := r.deferred[key]
	delete(r.deferred, key)
	return q
}

// drainDeferred 在会话锁内按 seq 投递排队消息，之后的 Route 才能直接投递
func (r *Router) drainDeferred(ctx context.Context, key string, members []string) {
	unlock := r.locks.Lock(key)
	defer unlock()
	for _, m := range r.takeDeferred(key) {
		if !contains(members, m.SenderID) {
			r.log.Warn("deferred message from non-member not delivered",
				zap.String("conv", key), zap.String("sender", m.SenderID), zap.Int64("seq", m.Seq))
			continue
		}
		r.deliverMessage(ctx, m, without(members, m.SenderID))
	}
}

func (r *Router) abandonDeferred(key string, err error) {
	unlock := r.locks.Lock(key)
	defer unlock()
	q := r.takeDeferred(key)
	if len(q) == 0 {
		return
	}
	r.log.Error("deferred fan-out abandoned; recipients must catch up from history",
		zap.String("conv", key), zap.Int64("first_seq", q[0].Seq), zap.Int64("last_seq", q[len(q)-1].Seq),
		zap.Int("count", len(q)), zap.Error(err))
}

func (r *Router) pendingDeferred(key string) int {
	r.deferMu.Lock()
	defer r.deferMu.Unlock()
	return len(r.deferred[key])
}

func (r *Router) deliverMessage(ctx context.Context, m *Message, users []string) {
	r.Deliver(ctx, users, MessageFrame(m).Encode())
}

// Deliver 投递到这些用户的所有本地连接并转发给其他进程；返回成功入队的连接数。
// 无在线连接不算错误。
func (r *Router) Deliver(ctx context.Context, users []string, payload []byte) int {
	n := r.deliverLocal(ctx, users, payload)
	r.publish(ctx, users, payload)
	return n
}

func (r *Router) deliverLocal(ctx context.Context, users []string, payload []byte) int {
	n := 0
	for _, u := range users {
		for _, h := range r.reg.Lookup(u) {
			if r.deliverTo(ctx, u, h, payload) {
				n++
			}
		}
	}
	return n
}

// deliverTo 入队失败（超时/已关闭）即摘除该连接，不影响调用方
func (r *Router) deliverTo(ctx context.Context, userID string, h Handle, payload []byte) bool {
	dctx, cancel := context.WithTimeout(ctx, r.conf.DeliveryTimeout)
	err := h.Deliver(dctx, payload)
	cancel()
	if err == nil {
		r.metrics.deliveries.WithLabelValues("ok").Inc()
		return true
	}
	r.metrics.deliveries.WithLabelValues("failed").Inc()
	r.log.Warn("delivery failed, dropping handle",
		zap.String("user", userID), zap.String("handle", h.ID()), zap.Error(err))
	r.reg.Deregister(h)
	h.Close("delivery failed")
	return false
}

func (r *Router) publish(ctx context.Context, users []string, payload []byte) {
	if r.relay == nil || len(users) == 0 {
		return
	}
	data, err := encodeEnvelope(relayEnvelope{Origin: r.conf.NodeID, Users: users, Payload: payload})
	if err != nil {
		r.log.Error("encode relay envelope", zap.Error(err))
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.conf.RelayTimeout)
	defer cancel()
	if err := r.relay.Publish(pctx, data); err != nil {
		r.metrics.relayed.WithLabelValues("out", "error").Inc()
		r.log.Warn("relay publish failed", zap.Error(err))
		return
	}
	r.metrics.relayed.WithLabelValues("out", "ok").Inc()
}

// HandleRelayed 处理其他进程转发来的信封，只投本地连接；自己发出的忽略
func (r *Router) HandleRelayed(ctx context.Context, data []byte) error {
	env, err := decodeEnvelope(data)
	if err != nil {
		r.metrics.relayed.WithLabelValues("in", "error").Inc()
		return errs.ErrArgs.WrapMsg("bad relay envelope", "err", err.Error())
	}
	if env.Origin == r.conf.NodeID {
		return nil
	}
	r.metrics.relayed.WithLabelValues("in", "ok").Inc()
	r.deliverLocal(ctx, env.Users, env.Payload)
	return nil
}

func validateOutgoing(m *Message) error {
	if m == nil {
		return errs.ErrArgs.WrapMsg("nil message")
	}
	if m.SenderID == "" {
		return errs.ErrArgs.WrapMsg("message without sender")
	}
	if !m.To.Valid() {
		return errs.ErrArgs.WrapMsg("recipient must be exactly one of user or channel")
	}
	return m.Body.Validate()
}
