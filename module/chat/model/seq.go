package model

import (
	"time"

	"go.mongodb.org/mongo-driver/mongo"
)

const (
	SeqConvFieldConversationID = "conversation_id"
	SeqConvFieldIssuedSeq      = "issued_seq"
	SeqConvFieldMaxSeq         = "max_seq"
	SeqConvFieldCreateTime     = "create_time"
	SeqConvFieldUpdateTime     = "update_time"
)

// SeqConversation 会话消息流的发号水位。
// IssuedSeq 为已发出的最大序号（Redis 段缓存时可能大于实际落库的 MaxSeq）。
type SeqConversation struct {
	ConversationID string `bson:"conversation_id"`
	IssuedSeq      int64  `bson:"issued_seq"`
	MaxSeq         int64  `bson:"max_seq"` // 已落库的最大序号

	CreateTime time.Time `bson:"create_time"`
	UpdateTime time.Time `bson:"update_time"`
}

func (*SeqConversation) GetTableName() string {
	return "seq_conversation"
}

func (sess *SeqConversation) Collection(db *mongo.Database) *mongo.Collection {
	return db.Collection(sess.GetTableName())
}
