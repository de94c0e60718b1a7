package chat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"PPGate/logger"
	"PPGate/tools/errs"
	"PPGate/tools/ids"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ---- 常量参数（建议值） ----
type ConnConf struct {
	SendQueue      int           // 每连接发送队列长度
	WriteWait      time.Duration // 单次写超时
	PongWait       time.Duration // 读超时，收到 pong 续期
	PingInterval   time.Duration // 必须小于 PongWait
	MaxMessageSize int64
}

func (c *ConnConf) norm() {
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 * 1024
	}
}

// WsConn 一条 websocket 连接。只有写协程写 socket，Deliver 只入队
type WsConn struct {
	id        string
	createdAt time.Time
	conf      ConnConf
	ws        *websocket.Conn
	log       *zap.Logger

	send       chan []byte
	closed     chan struct{}
	closeOnce  sync.Once
	alive      atomic.Bool
	reason     atomic.Value // string
	writerDone chan struct{}
}

func NewWsConn(ws *websocket.Conn, conf ConnConf) *WsConn {
	conf.norm()
	c := &WsConn{
		id:         ids.GenerateString(),
		createdAt:  time.Now(),
		conf:       conf,
		ws:         ws,
		send:       make(chan []byte, conf.SendQueue),
		closed:     make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	c.log = logger.Named("ws").With(zap.String("handle", c.id))
	c.alive.Store(true)
	c.reason.Store("")
	return c
}

func (c *WsConn) ID() string           { return c.id }
func (c *WsConn) CreatedAt() time.Time { return c.createdAt }
func (c *WsConn) Alive() bool          { return c.alive.Load() }

func (c *WsConn) Deliver(ctx context.Context, payload []byte) error {
	if !c.alive.Load() {
		return errs.ErrDelivery.WrapMsg("connection closed", "handle", c.id)
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.closed:
		return errs.ErrDelivery.WrapMsg("connection closed", "handle", c.id)
	case <-ctx.Done():
		return errs.ErrDelivery.WrapMsg("enqueue timeout", "handle", c.id, "err", ctx.Err())
	}
}

// Close 不阻塞；写协程负责发 Close 帧并关闭底层连接
func (c *WsConn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.alive.Store(false)
		c.reason.Store(reason)
		close(c.closed)
	})
}

// writePump 业务帧优先，其次定时 ping；关闭时尽量把已入队的帧写完
func (c *WsConn) writePump() {
	ticker := time.NewTicker(c.conf.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		close(c.writerDone)
	}()

	for {
		select {
		case payload := <-c.send:
			if err := c.write(payload); err != nil {
				c.log.Debug("write payload failed", zap.Error(err))
				c.Close("write error")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(c.conf.WriteWait)); err != nil {
				c.log.Debug("ping failed", zap.Error(err))
				c.Close("ping error")
				return
			}
		case <-c.closed:
			c.flush()
			reason, _ := c.reason.Load().(string)
			if len(reason) > 120 {
				reason = reason[:120]
			}
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
				time.Now().Add(c.conf.WriteWait))
			return
		}
	}
}

func (c *WsConn) flush() {
	for {
		select {
		case payload := <-c.send:
			if err := c.write(payload); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *WsConn) write(payload []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.conf.WriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// readPump 只读不写；onFrame 返回 false 时停止读取
func (c *WsConn) readPump(onFrame func([]byte) bool) error {
	c.ws.SetReadLimit(c.conf.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.conf.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.conf.PongWait))
	})
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		// 任意入站帧都视为存活
		_ = c.ws.SetReadDeadline(time.Now().Add(c.conf.PongWait))
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		if !onFrame(data) {
			return nil
		}
	}
}
