package message

import (
	"context"

	chatmodel "PPGate/module/chat/model"
	"PPGate/service/chat"
	"PPGate/tools/errs"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	defaultFetchLimit = 50
	maxFetchLimit     = 200
)

// FetchSince 会话内 seq > afterSeq 的消息，按 seq 升序
func (s *Store) FetchSince(ctx context.Context, conv string, afterSeq int64, limit int) ([]*chat.Message, error) {
	coll, err := s.msgColl()
	if err != nil {
		return nil, err
	}
	limit = clampLimit(limit, defaultFetchLimit, maxFetchLimit)

	cur, err := coll.Find(ctx,
		bson.M{
			chatmodel.MsgFieldConversationID: conv,
			chatmodel.MsgFieldSeq:            bson.M{"$gt": afterSeq},
		},
		options.Find().
			SetSort(bson.D{{Key: chatmodel.MsgFieldSeq, Value: 1}}).
			SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, errs.ErrPersistence.WrapMsg(err.Error(), "conv", conv)
	}
	defer cur.Close(ctx)

	var docs []*chatmodel.MsgDocModel
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errs.ErrPersistence.WrapMsg(err.Error(), "conv", conv)
	}
	out := make([]*chat.Message, 0, len(docs))
	for _, d := range docs {
		out = append(out, fromDoc(d))
	}
	return out, nil
}
