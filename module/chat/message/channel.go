package message

import (
	"context"
	"errors"
	"sort"
	"time"

	chatmodel "PPGate/module/chat/model"
	"PPGate/tools/errs"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MembersOf 频道当前成员。频道不存在返回 ErrUnknownChannel，其余失败 ErrMembershipUnavailable
func (s *Store) MembersOf(ctx context.Context, channelID string) ([]string, error) {
	coll, err := s.channelColl()
	if err != nil {
		return nil, errs.ErrMembershipUnavailable.WrapMsg(err.Error(), "channel", channelID)
	}
	var ch chatmodel.Channel
	err = coll.FindOne(ctx,
		bson.M{chatmodel.ChannelFieldChannelID: channelID},
		options.FindOne().SetProjection(bson.M{chatmodel.ChannelFieldMembers: 1, chatmodel.ChannelFieldChannelID: 1}),
	).Decode(&ch)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return nil, errs.ErrUnknownChannel.WrapMsg("no such channel", "channel", channelID)
	case err != nil:
		return nil, errs.ErrMembershipUnavailable.WrapMsg(err.Error(), "channel", channelID)
	}
	return ch.Members, nil
}

// ChannelsOf 用户所在的频道
func (s *Store) ChannelsOf(ctx context.Context, userID string) ([]string, error) {
	coll, err := s.channelColl()
	if err != nil {
		return nil, errs.ErrMembershipUnavailable.WrapMsg(err.Error(), "user", userID)
	}
	cur, err := coll.Find(ctx,
		bson.M{chatmodel.ChannelFieldMembers: userID},
		options.Find().SetProjection(bson.M{chatmodel.ChannelFieldChannelID: 1}),
	)
	if err != nil {
		return nil, errs.ErrMembershipUnavailable.WrapMsg(err.Error(), "user", userID)
	}
	defer cur.Close(ctx)

	var chans []chatmodel.Channel
	if err := cur.All(ctx, &chans); err != nil {
		return nil, errs.ErrMembershipUnavailable.WrapMsg(err.Error(), "user", userID)
	}
	out := make([]string, 0, len(chans))
	for _, c := range chans {
		out = append(out, c.ChannelID)
	}
	sort.Strings(out)
	return out, nil
}

// UpsertChannel 创建频道或追加成员
func (s *Store) UpsertChannel(ctx context.Context, channelID, name string, members ...string) error {
	coll, err := s.channelColl()
	if err != nil {
		return err
	}
	if members == nil {
		members = []string{}
	}
	now := time.Now()
	_, err = coll.UpdateOne(ctx,
		bson.M{chatmodel.ChannelFieldChannelID: channelID},
		bson.M{
			"$setOnInsert": bson.M{chatmodel.ChannelFieldName: name, "create_time": now},
			"$addToSet":    bson.M{chatmodel.ChannelFieldMembers: bson.M{"$each": members}},
			"$set":         bson.M{chatmodel.ChannelFieldUpdateTime: now},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return errs.ErrPersistence.WrapMsg(err.Error(), "channel", channelID)
	}
	return nil
}

// RemoveMember 频道移除成员
func (s *Store) RemoveMember(ctx context.Context, channelID, userID string) error {
	coll, err := s.channelColl()
	if err != nil {
		return err
	}
	res, err := coll.UpdateOne(ctx,
		bson.M{chatmodel.ChannelFieldChannelID: channelID},
		bson.M{
			"$pull": bson.M{chatmodel.ChannelFieldMembers: userID},
			"$set":  bson.M{chatmodel.ChannelFieldUpdateTime: time.Now()},
		},
	)
	if err != nil {
		return errs.ErrPersistence.WrapMsg(err.Error(), "channel", channelID)
	}
	if res.MatchedCount == 0 {
		return errs.ErrUnknownChannel.WrapMsg("no such channel", "channel", channelID)
	}
	return nil
}
