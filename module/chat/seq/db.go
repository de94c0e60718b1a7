package seq

import (
	"context"
	"errors"
	"time"

	"PPGate/data/database/mgo/mongoutil"
	chatmodel "PPGate/module/chat/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type DAO struct{ Src mongoutil.DBSource }

func NewDAO(src mongoutil.DBSource) *DAO { return &DAO{Src: src} }

func (d *DAO) coll() (*mongo.Collection, error) {
	db, err := mongoutil.Current(d.Src)
	if err != nil {
		return nil, err
	}
	seq := chatmodel.SeqConversation{}
	return seq.Collection(db), nil
}

// AllocSegment 原子从 Mongo 领一段：issued_seq += block，返回 [start,end]
func (d *DAO) AllocSegment(ctx context.Context, conversationID string, block int64) (start, end int64, err error) {
	if block <= 0 {
		block = 256
	}
	c, err := d.coll()
	if err != nil {
		return 0, 0, err
	}
	now := time.Now()

	filter := bson.M{chatmodel.SeqConvFieldConversationID: conversationID}
	update := bson.M{
		"$inc":         bson.M{chatmodel.SeqConvFieldIssuedSeq: block},
		"$setOnInsert": bson.M{chatmodel.SeqConvFieldMaxSeq: int64(0), chatmodel.SeqConvFieldCreateTime: now},
		"$set":         bson.M{chatmodel.SeqConvFieldUpdateTime: now},
	}

	var before struct {
		IssuedSeq int64 `bson:"issued_seq"`
	}
	err = c.FindOneAndUpdate(
		ctx, filter, update,
		options.FindOneAndUpdate().
			SetUpsert(true).
			SetReturnDocument(options.Before),
	).Decode(&before)
	if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		return 0, 0, err
	}
	old := before.IssuedSeq // 不存在时视为0
	return old + 1, old + block, nil
}

// AdvanceCommit 提交已落库水位：max_seq = max(max_seq, toSeq)
func (d *DAO) AdvanceCommit(ctx context.Context, conversationID string, toSeq int64) error {
	c, err := d.coll()
	if err != nil {
		return err
	}
	_, err = c.UpdateOne(ctx,
		bson.M{chatmodel.SeqConvFieldConversationID: conversationID},
		bson.M{"$max": bson.M{chatmodel.SeqConvFieldMaxSeq: toSeq}, "$set": bson.M{chatmodel.SeqConvFieldUpdateTime: time.Now()}},
		options.Update().SetUpsert(true),
	)
	return err
}
