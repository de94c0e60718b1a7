package model

import (
	"time"

	"go.mongodb.org/mongo-driver/mongo"
)

const MsgTableName = "msg"

// 字段名常量，查询/索引统一引用
const (
	MsgFieldMessageID      = "message_id"
	MsgFieldConversationID = "conversation_id"
	MsgFieldSeq            = "seq"
	MsgFieldSendID         = "send_id"
	MsgFieldRecvID         = "recv_id"
	MsgFieldChannelID      = "channel_id"
	MsgFieldCreateTime     = "create_time"
)

// MsgDocModel 一条已落库的消息。(conversation_id, seq) 唯一
type MsgDocModel struct {
	MessageID      string `bson:"message_id"`
	ConversationID string `bson:"conversation_id"` // dm:<min>:<max> / ch:<id>
	Seq            int64  `bson:"seq"`

	SendID    string `bson:"send_id"`
	RecvID    string `bson:"recv_id,omitempty"`    // 单聊对端；频道为空
	ChannelID string `bson:"channel_id,omitempty"` // 频道；单聊为空
	ClientRef string `bson:"client_ref,omitempty"`

	ContentType string `bson:"content_type"` // text / file
	Content     string `bson:"content,omitempty"`
	FileURL     string `bson:"file_url,omitempty"`

	CreateTime time.Time `bson:"create_time"`
}

func (*MsgDocModel) GetTableName() string { return MsgTableName }

func (m *MsgDocModel) Collection(db *mongo.Database) *mongo.Collection {
	return db.Collection(m.GetTableName())
}
