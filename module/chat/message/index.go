package message

import (
	"context"

	"PPGate/data/database"
	"PPGate/data/database/mgo/mongoutil"
	chatmodel "PPGate/module/chat/model"
	"PPGate/module/chat/seq"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Indexes 消息与频道集合的索引
func Indexes() map[string][]mongo.IndexModel {
	var msg, ch database.Table = &chatmodel.MsgDocModel{}, &chatmodel.Channel{}
	return map[string][]mongo.IndexModel{
		msg.GetTableName(): {
			{
				Keys: bson.D{{Key: chatmodel.MsgFieldConversationID, Value: 1},
					{Key: chatmodel.MsgFieldSeq, Value: 1}},
				Options: options.Index().SetUnique(true).SetName("ix_conv_seq"),
			},
			{
				Keys: bson.D{{Key: chatmodel.MsgFieldSendID, Value: 1},
					{Key: chatmodel.MsgFieldRecvID, Value: 1}},
				Options: options.Index().SetName("ix_sender_peer"),
			},
			{
				Keys:    bson.D{{Key: chatmodel.MsgFieldRecvID, Value: 1}},
				Options: options.Index().SetName("ix_recv"),
			},
		},
		ch.GetTableName(): {
			{
				Keys:    bson.D{{Key: chatmodel.ChannelFieldChannelID, Value: 1}},
				Options: options.Index().SetUnique(true).SetName("uniq_channel"),
			},
			{
				Keys:    bson.D{{Key: chatmodel.ChannelFieldMembers, Value: 1}},
				Options: options.Index().SetName("ix_members"),
			},
		},
	}
}

// EnsureIndexes 启动时建索引（含发号水位集合）
func (s *Store) EnsureIndexes(ctx context.Context) error {
	db, err := mongoutil.Current(s.src)
	if err != nil {
		return err
	}
	return mongoutil.EnsureIndexes(ctx, db, mongoutil.MergeIndexes(Indexes(), seq.Indexes()))
}
