package chat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"PPGate/logger"
	"PPGate/tools/safe"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type SessionState int32

const (
	StateUnauthenticated SessionState = iota
	StateAuthenticating
	StateActive
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type SessionConf struct {
	AuthTimeout     time.Duration // 准入期限，超时未认证即断开
	MaxAuthAttempts int
	InboundQueue    int
	ReplyTimeout    time.Duration
	SendRate        float64 // 每秒 send 帧上限，<=0 不限
	SendBurst       int
}

func (c *SessionConf) norm() {
	if c.MaxAuthAttempts <= 0 {
		c.MaxAuthAttempts = 3
	}
	if c.InboundQueue <= 0 {
		c.InboundQueue = 64
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = 2 * time.Second
	}
	if c.SendBurst <= 0 {
		c.SendBurst = 1
	}
}

// Session 单连接的生命周期状态机：
// Unauthenticated -> Authenticating -> Active -> Closed。
// 入站帧经 Push 入队，由 Run 串行处理，不依赖具体传输层。
type Session struct {
	conf    SessionConf
	handle  Handle
	auth    Authenticator
	reg     *Registry
	router  *Router
	disp    *Dispatcher
	metrics *Metrics
	log     *zap.Logger
	limiter *rate.Limiter

	state    atomic.Int32
	userID   atomic.Value // string
	failures int

	inbound chan ClientFrame

	lifeMu     sync.Mutex
	closed     bool
	registered bool
	closeOnce  sync.Once
	done       chan struct{}
}

func NewSession(conf SessionConf, h Handle, auth Authenticator, reg *Registry, router *Router, metrics *Metrics) *Session {
	safe.MustNotNil(h, "handle")
	safe.MustNotNil(auth, "authenticator")
	safe.MustNotNil(reg, "registry")
	safe.MustNotNil(router, "router")
	conf.norm()
	if metrics == nil {
		metrics = NewMetrics()
	}
	limit := rate.Inf
	if conf.SendRate > 0 {
		limit = rate.Limit(conf.SendRate)
	}
	s := &Session{
		conf:    conf,
		handle:  h,
		auth:    auth,
		reg:     reg,
		router:  router,
		disp:    defaultDispatcher(),
		metrics: metrics,
		log:     logger.Named("session").With(zap.String("handle", h.ID())),
		limiter: rate.NewLimiter(limit, conf.SendBurst),
		inbound: make(chan ClientFrame, conf.InboundQueue),
		done:    make(chan struct{}),
	}
	s.userID.Store("")
	return s
}

func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

func (s *Session) UserID() string { return s.userID.Load().(string) }

func (s *Session) Handle() Handle { return s.handle }

func (s *Session) Done() <-chan struct{} { return s.done }

// Push 入队一帧；队列满时阻塞（反压到读循环），会话已关闭返回 false
func (s *Session) Push(f ClientFrame) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.inbound <- f:
		return true
	case <-s.done:
		return false
	}
}

// Run 串行处理入站帧，直到会话关闭或 ctx 结束
func (s *Session) Run(ctx context.Context) {
	defer s.Close("session ended")

	var authDeadline <-chan time.Time
	if s.conf.AuthTimeout > 0 {
		t := time.NewTimer(s.conf.AuthTimeout)
		defer t.Stop()
		authDeadline = t.C
	}
	for {
		select {
		case <-ctx.Done():
			s.Close("server shutdown")
			return
		case <-s.done:
			return
		case <-authDeadline:
			authDeadline = nil
			if s.State() != StateActive {
				s.reply(AuthErrorFrame("auth_timeout"))
				s.Close("auth timeout")
				return
			}
		case f := <-s.inbound:
			s.handleFrame(ctx, f)
		}
	}
}

func (s *Session) handleFrame(ctx context.Context, f ClientFrame) {
	switch s.State() {
	case StateUnauthenticated:
		switch f.Type {
		case FrameAuth:
			s.authenticate(ctx, f.Token)
		case FramePing:
			s.reply(PongFrame())
		default:
			s.reply(ErrorFrame(ReasonUnauthenticated))
		}
	case StateActive:
		if err := s.disp.Dispatch(ctx, s, f); err != nil {
			s.reply(ErrorFrame(ReasonUnsupported))
		}
	default:
		// Authenticating 只在 authenticate 内短暂出现；Closed 直接丢弃
	}
}

func (s *Session) authenticate(ctx context.Context, token string) {
	if !s.state.CompareAndSwap(int32(StateUnauthenticated), int32(StateAuthenticating)) {
		return
	}
	actx, cancel := context.WithTimeout(ctx, s.conf.ReplyTimeout)
	userID, err := s.auth.Validate(actx, token)
	cancel()
	if err != nil {
		s.failures++
		s.state.CompareAndSwap(int32(StateAuthenticating), int32(StateUnauthenticated))
		s.log.Info("auth failed", zap.Int("attempt", s.failures), zap.Error(err))
		s.reply(AuthErrorFrame(ReasonOf(err)))
		if s.failures >= s.conf.MaxAuthAttempts {
			s.Close("too many auth failures")
		}
		return
	}

	s.userID.Store(userID)
	if !s.state.CompareAndSwap(int32(StateAuthenticating), int32(StateActive)) {
		return
	}
	// 先注册再回 auth_ok：auth_ok 之后的消息要么已在补拉快照里，要么实时送达。
	// auth_ok 在注册锁内写入，排在所有实时投递之前
	var okErr error
	err = s.register(userID, func() { okErr = s.send(AuthOKFrame(userID)) })
	if err != nil {
		s.log.Error("register handle failed", zap.String("user", userID), zap.Error(err))
		s.Close("duplicate handle")
		return
	}
	if okErr != nil {
		s.Close("reply failed")
		return
	}
	s.log.Info("session active", zap.String("user", userID))
}

func (s *Session) register(userID string, admitted func()) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.closed {
		return nil
	}
	if err := s.reg.RegisterThen(userID, s.handle, admitted); err != nil {
		return err
	}
	s.registered = true
	return nil
}

// Close 幂等；已注册的连接恰好注销一次
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		prev := SessionState(s.state.Swap(int32(StateClosed)))

		s.lifeMu.Lock()
		s.closed = true
		registered := s.registered
		s.registered = false
		s.lifeMu.Unlock()

		if registered {
			s.reg.Deregister(s.handle)
		}
		s.handle.Close(reason)
		close(s.done)
		s.metrics.sessions.WithLabelValues(prev.String()).Inc()
		s.log.Info("session closed", zap.String("user", s.UserID()), zap.String("state", prev.String()), zap.String("reason", reason))
	})
}

// reply 写回本连接；写不进去说明连接已坏，直接关闭
func (s *Session) reply(f ServerFrame) {
	if err := s.send(f); err != nil {
		s.Close("reply failed")
	}
}

func (s *Session) send(f ServerFrame) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.conf.ReplyTimeout)
	defer cancel()
	return s.handle.Deliver(ctx, f.Encode())
}

func (s *Session) signal(ctx context.Context, to Recipient, payload []byte) {
	if _, err := s.router.Signal(ctx, s.UserID(), to, payload); err != nil {
		s.reply(ErrorFrame(ReasonOf(err)))
	}
}
