package message

import (
	"context"

	"PPGate/service/chat"
	"PPGate/tools/errs"

	"go.uber.org/zap"
)

// Store 发号 -> 写消息 -> 推进会话水位。返回分配到的 seq
func (s *Store) Store(ctx context.Context, m *chat.Message) (int64, error) {
	coll, err := s.msgColl()
	if err != nil {
		return 0, err
	}
	conv := m.ConversationKey()

	// 1) 发号
	seqNo, _, err := s.alloc.Malloc(ctx, conv, 1)
	if err != nil {
		return 0, errs.ErrPersistence.WrapMsg(err.Error(), "conv", conv)
	}

	// 2) 写消息
	if _, err := coll.InsertOne(ctx, toDoc(m, conv, seqNo)); err != nil {
		return 0, errs.ErrPersistence.WrapMsg(err.Error(), "conv", conv, "seq", seqNo)
	}

	// 3) 推进会话级 MaxSeq；失败不影响消息本身
	if err := s.dao.AdvanceCommit(ctx, conv, seqNo); err != nil {
		s.log.Warn("advance max_seq failed", zap.String("conv", conv), zap.Int64("seq", seqNo), zap.Error(err))
	}
	return seqNo, nil
}
