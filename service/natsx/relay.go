package natsx

import (
	"context"
	"time"

	"PPGate/service/chat"
)

const RelayBiz = "gateway.relay"

var _ chat.Relay = (*Bridge)(nil)

type RelayConf struct {
	Subject string        `mapstructure:"subject"`
	Mode    NatsxMode     `mapstructure:"-"`
	Stream  string        `mapstructure:"stream"`  // 仅 jetstream
	MaxAge  time.Duration `mapstructure:"max_age"` // 仅 jetstream
	Retries int           `mapstructure:"retries"`
	Backoff time.Duration `mapstructure:"backoff"`
}

func (c *RelayConf) setDefaults() {
	if c.Subject == "" {
		c.Subject = "ppgate.relay"
	}
	if c.Mode == JetStreamPush && c.Stream == "" {
		c.Stream = "PPGATE_RELAY"
	}
	if c.MaxAge <= 0 {
		c.MaxAge = time.Minute
	}
	if c.Backoff <= 0 {
		c.Backoff = 50 * time.Millisecond
	}
}

// route 广播：不设队列组，每个网关都要收到。jetstream 下每个网关一个临时推送消费者，只收订阅后的信封
func (c RelayConf) route() NatsxRoute {
	r := NatsxRoute{Biz: RelayBiz, Subject: c.Subject, Mode: c.Mode}
	if c.Mode == JetStreamPush {
		r.Stream = c.Stream
		r.StreamMaxAge = c.MaxAge
		r.DeliverNew = true
	}
	return r
}

// subscriber NatsManager 同时实现 Publisher 与 subscriber
type subscriber interface {
	RegisterRoute(r NatsxRoute) error
	Subscribe(biz string, h NatsxHandler) error
}

// Bridge 把网关间转发的信封挂到 NATS 广播主题上，每个网关都订阅。
// jetstream 模式下发布有服务端确认，重试按 Nats-Msg-Id 在服务端去重
type Bridge struct {
	pub *NatsxSyncPublisher
	sub subscriber
}

func NewBridge(m *NatsManager, conf RelayConf) (*Bridge, error) {
	return newBridge(m, m, conf)
}

func newBridge(pub Publisher, sub subscriber, conf RelayConf) (*Bridge, error) {
	conf.setDefaults()
	if err := sub.RegisterRoute(conf.route()); err != nil {
		return nil, err
	}
	return &Bridge{
		pub: &NatsxSyncPublisher{P: pub, Retries: conf.Retries, Backoff: conf.Backoff},
		sub: sub,
	}, nil
}

// Publish 每条信封一个新 msgID，重试时复用，接收端据此去重
func (b *Bridge) Publish(ctx context.Context, data []byte) error {
	return b.pub.Publish(ctx, RelayBiz, data, withMsgID(nil, ""))
}

// Subscribe 收到的信封交给 fn（通常是 Server.HandleRelayed）
func (b *Bridge) Subscribe(fn func(ctx context.Context, data []byte) error) error {
	return b.sub.Subscribe(RelayBiz, func(ctx context.Context, msg NatsxMessage) error {
		return fn(ctx, msg.Data)
	})
}
