package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"PPGate/data/database/mgo/mongoutil"
	"PPGate/global/config"
	"PPGate/logger"
	"PPGate/middleware"
	"PPGate/middleware/security"
	chatmsg "PPGate/module/chat/message"
	"PPGate/module/message"
	"PPGate/module/user"
	"PPGate/service/chat"
	"PPGate/service/mgo"
	"PPGate/service/nacos"
	"PPGate/service/natsx"
	"PPGate/service/storage"
	redisutil "PPGate/service/storage/redis"
	"PPGate/tools/errs"
	sec "PPGate/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// 存储后端需要同时提供这三项
type backend interface {
	chat.Persistence
	chat.Membership
	chat.Contacts
}

type app struct {
	cfg    *config.Config
	loader *config.Loader
	nodeID string
	log    *zap.Logger

	origins *middleware.OriginPolicy
	auth    *user.Authenticator
	store   backend
	mongo   *mgo.MongoManager
	rdb     *redis.Client
	nats    *natsx.NatsManager
	relay   *natsx.Bridge
	idem    *natsx.MemIdem
	watcher *nacos.Watcher
	naming  *nacos.Registry
	gateway *chat.Server
	metrics *prometheus.Registry
}

func newApp(cfg *config.Config, loader *config.Loader) *app {
	host, _ := os.Hostname()
	return &app{
		cfg:     cfg,
		loader:  loader,
		nodeID:  fmt.Sprintf("%s-%d", host, cfg.NodeID),
		log:     logger.Named("main"),
		origins: middleware.NewOriginPolicy(cfg.HTTP.AllowedOrigins),
	}
}

func (a *app) init(ctx context.Context) error {
	if a.cfg.Auth.Secret == "" {
		return errs.ErrArgs.WrapMsg("auth.secret is required")
	}
	a.auth = user.NewAuthenticator(sec.Options{
		Secret: []byte(a.cfg.Auth.Secret),
		Alg:    a.cfg.Auth.Alg,
		TTL:    a.cfg.Auth.TTL,
	})

	if a.cfg.Redis.Addr != "" {
		rdb, err := redisutil.NewClient(ctx, redisutil.Config{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
			PoolSize: a.cfg.Redis.PoolSize,
		})
		if err != nil {
			return err
		}
		a.rdb = rdb
	}
	if err := a.initStorage(ctx); err != nil {
		return err
	}
	if err := a.seedChannels(ctx); err != nil {
		return err
	}
	if err := a.initRelay(); err != nil {
		return err
	}
	a.initGateway()
	if a.relay != nil {
		if err := a.relay.Subscribe(a.gateway.HandleRelayed); err != nil {
			return err
		}
	}
	if err := a.initNacos(); err != nil {
		return err
	}
	return a.initMetrics()
}

func (a *app) initStorage(ctx context.Context) error {
	switch a.cfg.Storage.Driver {
	case config.StorageMemory:
		a.log.Warn("using in-memory storage, messages are lost on restart")
		a.store = chatmsg.NewMemoryStore()
		return nil
	case config.StorageMongo:
	default:
		return errs.ErrArgs.WrapMsg("unknown storage driver", "driver", a.cfg.Storage.Driver)
	}

	mc := a.cfg.Mongo
	mcfg := &mongoutil.Config{
		Uri:         mc.URI,
		Address:     mc.Address,
		Database:    mc.Database,
		Username:    mc.Username,
		Password:    mc.Password,
		AuthSource:  mc.AuthSource,
		MaxPoolSize: mc.MaxPoolSize,
		MaxRetry:    mc.MaxRetry,
	}
	if err := mcfg.ValidateAndSetDefaults(); err != nil {
		return err
	}
	a.mongo = mgo.NewManager(mcfg)
	a.mongo.StartAsync(ctx)

	wctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := a.mongo.WaitReady(wctx); err != nil {
		return err
	}

	// 注意不要把 nil *redis.Client 塞进接口
	var scripter redis.Scripter
	if a.rdb != nil {
		scripter = a.rdb
	}
	st := chatmsg.NewStore(a.mongo, scripter)
	if err := st.EnsureIndexes(ctx); err != nil {
		return err
	}
	a.store = st
	return nil
}

func (a *app) seedChannels(ctx context.Context) error {
	for id, members := range a.cfg.Storage.Channels {
		switch st := a.store.(type) {
		case *chatmsg.MemoryStore:
			st.AddChannel(id, members...)
		case *chatmsg.Store:
			if err := st.UpsertChannel(ctx, id, id, members...); err != nil {
				return err
			}
		}
		a.log.Info("channel seeded", zap.String("channel", id), zap.Int("members", len(members)))
	}
	return nil
}

func (a *app) initGateway() {
	gw := a.cfg.Gateway
	conf := chat.Conf{
		NodeID: a.nodeID,
		Session: chat.SessionConf{
			AuthTimeout:     gw.AuthTimeout,
			MaxAuthAttempts: gw.MaxAuthAttempts,
			InboundQueue:    gw.InboundQueueSize,
			ReplyTimeout:    gw.DeliveryTimeout,
			SendRate:        gw.SendRate,
			SendBurst:       gw.SendBurst,
		},
		Conn: chat.ConnConf{
			SendQueue:      gw.SendQueueSize,
			WriteWait:      gw.WriteWait,
			PongWait:       gw.PongWait,
			PingInterval:   gw.PingInterval,
			MaxMessageSize: gw.MaxMessageSize,
		},
		Router: chat.RouterConf{
			DeliveryTimeout: gw.DeliveryTimeout,
			PersistTimeout:  gw.PersistTimeout,
		},
		Presence: chat.PresenceConf{Debounce: gw.PresenceDebounce},
		Fanout: chat.FanoutConf{
			Retries: gw.FanoutRetries,
			Backoff: gw.FanoutBackoff,
		},
		AllowOrigin: a.origins.Allow,
	}
	deps := chat.Deps{
		Auth:       a.auth,
		Store:      a.store,
		Membership: a.store,
		Contacts:   a.store,
	}
	if a.relay != nil {
		deps.Relay = a.relay
	}
	if a.rdb != nil {
		ttl := a.cfg.Redis.PresenceTTL
		deps.Mirror = storage.NewPresenceStore(a.rdb, a.nodeID, ttl)
		conf.Presence.MirrorRefresh = ttl / 2
	}
	a.gateway = chat.NewServer(conf, deps)
}

func (a *app) initRelay() error {
	if len(a.cfg.Nats.Servers) == 0 {
		return nil
	}
	mode, err := natsx.ParseMode(a.cfg.Nats.Mode)
	if err != nil {
		return err
	}
	a.idem = natsx.NewMemIdem(5 * time.Minute)
	m, err := natsx.NewNatsManager(natsx.NatsxConfig{
		Servers:  a.cfg.Nats.Servers,
		Name:     a.cfg.Nats.Name,
		User:     a.cfg.Nats.User,
		Password: a.cfg.Nats.Pass,
	}, natsx.NatsxIdemMiddleware(a.idem, 0))
	if err != nil {
		return err
	}
	a.nats = m
	bridge, err := natsx.NewBridge(m, natsx.RelayConf{
		Subject: a.cfg.Nats.Subject,
		Mode:    mode,
		Stream:  a.cfg.Nats.Stream,
		MaxAge:  a.cfg.Nats.MaxAge,
		Retries: 2,
	})
	if err != nil {
		return err
	}
	a.relay = bridge
	a.log.Info("relay enabled", zap.Strings("servers", a.cfg.Nats.Servers),
		zap.String("subject", a.cfg.Nats.Subject), zap.Stringer("mode", mode))
	return nil
}

func (a *app) initNacos() error {
	nc := a.cfg.Nacos
	if !nc.Enabled {
		return nil
	}
	conf := nacos.Conf{
		Host:      nc.Host,
		Port:      nc.Port,
		Namespace: nc.Namespace,
		Username:  nc.Username,
		Password:  nc.Password,
	}
	cc, err := nacos.NewConfigClient(conf)
	if err != nil {
		return err
	}
	a.watcher = nacos.NewWatcher(cc, nc.DataID, nc.Group, a.applyRemote)

	naming, err := nacos.NewNamingClient(conf)
	if err != nil {
		return err
	}
	ip, port, err := advertise(nc.AdvertiseIP, a.cfg.HTTP.Addr)
	if err != nil {
		return err
	}
	a.naming = nacos.NewRegistry(naming, nc.ServiceName, ip, port)
	a.naming.SetMeta("node", a.nodeID)
	if err := a.naming.Register(); err != nil {
		return err
	}
	if a.nats != nil {
		return a.naming.AddFeature("relay")
	}
	return nil
}

// applyRemote 远端 YAML 合并后只热更新可以在线调整的项
func (a *app) applyRemote(content string) error {
	cfg, err := a.loader.MergeYAML(content)
	if err != nil {
		return err
	}
	if err := logger.SetLevel(cfg.Level); err != nil {
		return err
	}
	a.gateway.SetDebounce(cfg.Gateway.PresenceDebounce)
	a.origins.Update(cfg.HTTP.AllowedOrigins)
	return nil
}

func advertise(ip, addr string) (string, uint64, error) {
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, errs.ErrArgs.WrapMsg("bad http.addr", "addr", addr)
	}
	port, err := strconv.ParseUint(p, 10, 16)
	if err != nil {
		return "", 0, errs.ErrArgs.WrapMsg("bad http.addr port", "addr", addr)
	}
	if ip == "" {
		ip = host
	}
	if ip == "" || ip == "0.0.0.0" {
		ip = outboundIP()
	}
	return ip, port, nil
}

func outboundIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && !ipn.IP.IsLoopback() && ipn.IP.To4() != nil {
			return ipn.IP.String()
		}
	}
	return "127.0.0.1"
}

func (a *app) initMetrics() error {
	if !a.cfg.Metrics.Enabled {
		return nil
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := a.gateway.Metrics().Register(reg, a.gateway.Registry()); err != nil {
		return errs.WrapMsg(err, "register metrics")
	}
	a.metrics = reg
	return nil
}

func (a *app) engine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.AccessLog())

	mids := middleware.NewManager()
	mids.Set("cors", middleware.CORS(a.origins))
	r.Use(mids.Use())

	a.gateway.Routes(r)
	message.NewHistory(a.store, a.store).Register(r, security.Middleware(a.auth))

	dir := a.cfg.HTTP.UploadDir
	for _, sub := range []string{"profiles", "files"} {
		p := filepath.Join(dir, sub)
		if err := os.MkdirAll(p, 0o755); err != nil {
			a.log.Warn("create upload dir", zap.String("dir", p), zap.Error(err))
			continue
		}
		r.Static("/uploads/"+sub, p)
	}

	if a.metrics != nil {
		middleware.GET(r, a.cfg.Metrics.Path, gin.WrapH(promhttp.HandlerFor(a.metrics, promhttp.HandlerOpts{})), middleware.RouteOpt{})
	}
	middleware.GET(r, "/healthz", a.healthz, middleware.RouteOpt{})
	return r
}

func (a *app) healthz(c *gin.Context) {
	users, handles := a.gateway.Registry().Stats()
	body := gin.H{"node": a.nodeID, "storage": a.cfg.Storage.Driver, "users": users, "handles": handles}
	if a.mongo != nil {
		if _, ok := a.mongo.TryGetDB(); !ok {
			body["status"] = "degraded"
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
	}
	body["status"] = "ok"
	c.JSON(http.StatusOK, body)
}

func (a *app) close() {
	if a.naming != nil {
		if err := a.naming.Deregister(); err != nil {
			a.log.Warn("nacos deregister", zap.Error(err))
		}
	}
	if a.nats != nil {
		_ = a.nats.Close()
	}
	if a.idem != nil {
		a.idem.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.mongo != nil {
		select {
		case <-a.mongo.Done():
		case <-time.After(5 * time.Second):
		}
	}
}
