package model

import (
	"time"

	"go.mongodb.org/mongo-driver/mongo"
)

const (
	ChannelFieldChannelID  = "channel_id"
	ChannelFieldName       = "name"
	ChannelFieldMembers    = "members"
	ChannelFieldUpdateTime = "update_time"
)

// Channel 频道及其成员。成员列表整体存放在文档里，频道规模按百人级考虑
type Channel struct {
	ChannelID  string    `bson:"channel_id"`
	Name       string    `bson:"name"`
	Members    []string  `bson:"members"`
	CreateTime time.Time `bson:"create_time"`
	UpdateTime time.Time `bson:"update_time"`
}

func (*Channel) GetTableName() string { return "channel" }

func (c *Channel) Collection(db *mongo.Database) *mongo.Collection {
	return db.Collection(c.GetTableName())
}
