package chat

import (
	"errors"
	"net"
	"time"

	"PPGate/middleware/security"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// HandleWS 升级为 websocket；URL/Cookie 中带令牌时直接进入认证
func (s *Server) HandleWS(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已写回 HTTP 错误
		s.log.Info("upgrade websocket failed", zap.String("remote", c.ClientIP()), zap.Error(err))
		return
	}

	conn := NewWsConn(ws, s.conf.Conn)
	sess := s.NewSession(conn)
	if sess == nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}
	go conn.writePump()

	if tok := security.TokenFromRequest(c.Request); tok != "" {
		sess.Push(ClientFrame{Type: FrameAuth, Token: tok})
	}

	// ---- 读循环：只读，不写；出错即退出（写协程收尾） ----
	rerr := conn.readPump(func(data []byte) bool {
		f, perr := ParseClientFrame(data)
		if perr != nil {
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			conn.log.Debug("bad frame", zap.ByteString("sample", sample), zap.Error(perr))
			sess.reply(ErrorFrame(ReasonInvalid))
			return true
		}
		return sess.Push(f)
	})

	reason := "client closed"
	switch {
	case rerr == nil:
		reason = "session closed"
	case websocket.IsCloseError(rerr, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		conn.log.Debug("peer closed", zap.Error(rerr))
	case isTimeout(rerr):
		reason = "read timeout"
		conn.log.Info("read timeout", zap.String("user", sess.UserID()))
	case errors.Is(rerr, websocket.ErrReadLimit):
		reason = "frame too large"
		conn.log.Info("frame too large", zap.String("user", sess.UserID()))
	default:
		reason = "read error"
		conn.log.Debug("read error", zap.Error(rerr))
	}
	sess.Close(reason)
	<-conn.writerDone
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Routes 挂载 websocket 入口
func (s *Server) Routes(r gin.IRoutes) {
	r.GET("/chat", s.HandleWS)
	r.GET("/socket", s.HandleWS)
}
