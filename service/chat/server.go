package chat

import (
	"context"
	"net/http"
	"sync"
	"time"

	"PPGate/logger"
	"PPGate/tools/safe"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Conf struct {
	NodeID      string
	Session     SessionConf
	Conn        ConnConf
	Router      RouterConf
	Presence    PresenceConf
	Fanout      FanoutConf
	AllowOrigin func(origin string) bool // nil 放行全部
}

// Deps 外部协作方；Relay 与 Mirror 可为空
type Deps struct {
	Auth       Authenticator
	Store      Persistence
	Membership Membership
	Contacts   Contacts
	Relay      Relay
	Mirror     PresenceMirror
}

// Server 组装 Registry / Router / Fanout / Presence，并接入 websocket
type Server struct {
	conf Conf
	deps Deps
	log  *zap.Logger

	reg      *Registry
	fanout   *Fanout
	router   *Router
	presence *PresenceTracker
	metrics  *Metrics
	upgrader websocket.Upgrader

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	closing  bool
	sessions map[*Session]struct{}
	wg       sync.WaitGroup
}

func NewServer(conf Conf, deps Deps) *Server {
	safe.MustNotNil(deps.Auth, "auth")
	safe.MustNotNil(deps.Store, "store")
	safe.MustNotNil(deps.Membership, "membership")
	safe.MustNotNil(deps.Contacts, "contacts")

	conf.Router.NodeID = conf.NodeID
	metrics := NewMetrics()
	reg := NewRegistry()
	fanout := NewFanout(conf.Fanout, deps.Membership)
	router := NewRouter(conf.Router, reg, deps.Store, fanout, metrics)
	if deps.Relay != nil {
		router.SetRelay(deps.Relay)
	}
	presence := NewPresenceTracker(conf.Presence, reg, router, deps.Contacts, deps.Membership, metrics)
	if deps.Mirror != nil {
		presence.SetMirror(deps.Mirror)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		conf:     conf,
		deps:     deps,
		log:      logger.Named("gateway"),
		reg:      reg,
		fanout:   fanout,
		router:   router,
		presence: presence,
		metrics:  metrics,
		baseCtx:  ctx,
		cancel:   cancel,
		sessions: make(map[*Session]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || conf.AllowOrigin == nil {
				return true
			}
			return conf.AllowOrigin(origin)
		},
	}
	return s
}

func (s *Server) Registry() *Registry { return s.reg }

func (s *Server) Router() *Router { return s.router }

func (s *Server) Presence() *PresenceTracker { return s.presence }

func (s *Server) Metrics() *Metrics { return s.metrics }

// SetDebounce 远端配置热更新
func (s *Server) SetDebounce(d time.Duration) { s.presence.SetDebounce(d) }

// Run 启动后台 worker，阻塞到 ctx 结束
func (s *Server) Run(ctx context.Context) error {
	s.wg.Add(1)
	safe.Go("presence", func() {
		defer s.wg.Done()
		s.presence.Run(s.baseCtx)
	})
	users, handles := s.reg.Stats()
	s.log.Info("gateway running", zap.String("node", s.conf.NodeID), zap.Int("users", users), zap.Int("handles", handles))
	<-ctx.Done()
	return nil
}

// NewSession 为一条已建立的连接创建会话并登记；关停中返回 nil
func (s *Server) NewSession(h Handle) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil
	}
	sess := NewSession(s.conf.Session, h, s.deps.Auth, s.reg, s.router, s.metrics)
	s.sessions[sess] = struct{}{}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer safe.Recover("session")
		sess.Run(s.baseCtx)
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
	}()
	return sess
}

// HandleRelayed 其他进程转发来的信封
func (s *Server) HandleRelayed(ctx context.Context, data []byte) error {
	return s.router.HandleRelayed(ctx, data)
}

// Shutdown 关闭所有会话并等待后台协程退出
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	open := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()

	for _, sess := range open {
		sess.Close("server shutdown")
	}
	s.cancel()
	s.fanout.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("gateway stopped", zap.Int("sessions", len(open)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
