package chat

import (
	"context"
	"strings"
	"time"

	"PPGate/tools/errs"
)

const (
	BodyText = "text"
	BodyFile = "file"
)

// Recipient 单聊对端或频道，二选一
type Recipient struct {
	UserID    string `json:"user,omitempty"`
	ChannelID string `json:"channel,omitempty"`
}

func (r Recipient) IsChannel() bool { return r.ChannelID != "" }

func (r Recipient) Valid() bool {
	return (r.UserID == "") != (r.ChannelID == "")
}

type Body struct {
	Type    string `json:"message_type"`
	Content string `json:"content,omitempty"`
	FileURL string `json:"file_url,omitempty"`
}

func (b Body) Validate() error {
	switch b.Type {
	case BodyText:
		if strings.TrimSpace(b.Content) == "" {
			return errs.ErrArgs.WrapMsg("empty text body")
		}
	case BodyFile:
		if strings.TrimSpace(b.FileURL) == "" {
			return errs.ErrArgs.WrapMsg("file body without url")
		}
	default:
		return errs.ErrArgs.WrapMsg("unknown message type", "type", b.Type)
	}
	return nil
}

// Message 落库后不再修改；Seq 由存储层按会话单调分配
type Message struct {
	ID        string    `json:"message_id"`
	ClientRef string    `json:"ref,omitempty"`
	SenderID  string    `json:"from"`
	To        Recipient `json:"to"`
	Body      Body      `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	Seq       int64     `json:"seq"`
}

// ConversationKey 单聊 dm:<小>:<大>，频道 ch:<id>
func (m *Message) ConversationKey() string {
	if m.To.IsChannel() {
		return ChannelKey(m.To.ChannelID)
	}
	return DMKey(m.SenderID, m.To.UserID)
}

func DMKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return "dm:" + a + ":" + b
}

func ChannelKey(channelID string) string { return "ch:" + channelID }

// Handle 一条已接入的物理连接；归属用户在准入时绑定，之后不变
type Handle interface {
	ID() string
	CreatedAt() time.Time
	Alive() bool
	// Deliver 入队一帧；ctx 到期或连接关闭时立即返回
	Deliver(ctx context.Context, payload []byte) error
	Close(reason string)
}

// Transition 用户在线状态切换事件
type Transition struct {
	UserID string
	Online bool
	At     time.Time
}
