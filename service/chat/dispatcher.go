package chat

import (
	"context"

	"PPGate/tools/errs"
)

// FrameHandler 处理已认证会话的一类入站帧
type FrameHandler func(ctx context.Context, s *Session, f ClientFrame)

type Dispatcher struct {
	handlers map[FrameType]FrameHandler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[FrameType]FrameHandler)}
}

// Register 启动前调用，非并发安全
func (d *Dispatcher) Register(t FrameType, h FrameHandler) { d.handlers[t] = h }

func (d *Dispatcher) Dispatch(ctx context.Context, s *Session, f ClientFrame) error {
	h, ok := d.handlers[f.Type]
	if !ok {
		return errs.ErrArgs.WrapMsg("no handler for frame", "type", f.Type)
	}
	h(ctx, s, f)
	return nil
}

// defaultDispatcher Active 状态下的帧处理
func defaultDispatcher() *Dispatcher {
	d := NewDispatcher()
	d.Register(FrameSend, handleSend)
	d.Register(FrameTyping, handleTyping)
	d.Register(FrameRead, handleRead)
	d.Register(FramePing, handlePing)
	d.Register(FrameLogout, handleLogout)
	d.Register(FrameAuth, func(_ context.Context, s *Session, _ ClientFrame) {
		s.reply(ErrorFrame(ReasonAlreadyAuthenticated))
	})
	return d
}

func handleSend(ctx context.Context, s *Session, f ClientFrame) {
	if !s.limiter.Allow() {
		s.reply(NackFrame(f.Ref, ReasonRateLimited, 0))
		return
	}
	body := f.Body
	if body.Type == "" {
		body.Type = BodyText
	}
	msg := &Message{
		ClientRef: f.Ref,
		SenderID:  s.UserID(),
		To:        f.To,
		Body:      body,
	}
	out, err := s.router.Route(ctx, msg)
	if err != nil {
		var seq int64
		if out != nil {
			seq = out.Seq
		}
		s.reply(NackFrame(f.Ref, ReasonOf(err), seq))
		return
	}
	s.reply(AckFrame(f.Ref, out.Seq, out.ID))
}

func handleTyping(ctx context.Context, s *Session, f ClientFrame) {
	s.signal(ctx, f.To, TypingFrame(s.UserID(), f.To).Encode())
}

func handleRead(ctx context.Context, s *Session, f ClientFrame) {
	s.signal(ctx, f.To, ReadFrame(s.UserID(), f.To, f.Seq).Encode())
}

func handlePing(_ context.Context, s *Session, _ ClientFrame) {
	s.reply(PongFrame())
}

func handleLogout(_ context.Context, s *Session, _ ClientFrame) {
	s.Close("logout")
}
