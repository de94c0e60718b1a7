package message

import (
	"context"
	"sort"

	chatmodel "PPGate/module/chat/model"
	"PPGate/tools/errs"

	"go.mongodb.org/mongo-driver/bson"
)

// ContactsOf 单聊往来过的用户（发出或收到过私信）
func (s *Store) ContactsOf(ctx context.Context, userID string) ([]string, error) {
	coll, err := s.msgColl()
	if err != nil {
		return nil, err
	}
	sent, err := coll.Distinct(ctx, chatmodel.MsgFieldRecvID, bson.M{
		chatmodel.MsgFieldSendID: userID,
		chatmodel.MsgFieldRecvID: bson.M{"$exists": true, "$ne": ""},
	})
	if err != nil {
		return nil, errs.ErrPersistence.WrapMsg(err.Error(), "user", userID)
	}
	recv, err := coll.Distinct(ctx, chatmodel.MsgFieldSendID, bson.M{chatmodel.MsgFieldRecvID: userID})
	if err != nil {
		return nil, errs.ErrPersistence.WrapMsg(err.Error(), "user", userID)
	}

	seen := map[string]struct{}{userID: {}}
	var out []string
	for _, vs := range [][]interface{}{sent, recv} {
		for _, v := range vs {
			id, ok := v.(string)
			if !ok || id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}
