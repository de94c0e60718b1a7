package seq

import (
	chatmodel "PPGate/module/chat/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// Indexes 发号水位集合的索引
func Indexes() map[string][]mongo.IndexModel {
	seq := chatmodel.SeqConversation{}
	return map[string][]mongo.IndexModel{
		seq.GetTableName(): {{
			Keys:    bson.D{{Key: chatmodel.SeqConvFieldConversationID, Value: 1}},
			Options: mongoIndexOptions(true, "uniq_conv"),
		}},
	}
}
