package chat

import "context"

// Authenticator 校验令牌，失败返回 errs.ErrAuth 族错误
type Authenticator interface {
	Validate(ctx context.Context, token string) (userID string, err error)
}

// Persistence 消息存储。Store 返回会话内单调递增的 seq
type Persistence interface {
	Store(ctx context.Context, msg *Message) (seq int64, err error)
	FetchSince(ctx context.Context, conversationKey string, afterSeq int64, limit int) ([]*Message, error)
}

// Membership 频道成员；未知频道返回 errs.ErrUnknownChannel，存储不可用返回 errs.ErrMembershipUnavailable
type Membership interface {
	MembersOf(ctx context.Context, channelID string) ([]string, error)
	ChannelsOf(ctx context.Context, userID string) ([]string, error)
}

type Contacts interface {
	ContactsOf(ctx context.Context, userID string) ([]string, error)
}

// Relay 跨进程广播，内容对网关不透明
type Relay interface {
	Publish(ctx context.Context, data []byte) error
}

// PresenceMirror 在线状态镜像（如 Redis），失败只记日志
type PresenceMirror interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
}
