package message

import (
	"PPGate/data/database/mgo/mongoutil"
	"PPGate/logger"
	chatmodel "PPGate/module/chat/model"
	"PPGate/module/chat/seq"
	"PPGate/service/chat"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

var (
	_ chat.Persistence = (*Store)(nil)
	_ chat.Membership  = (*Store)(nil)
	_ chat.Contacts    = (*Store)(nil)
)

// Store Mongo 上的消息/频道/联系人存储。连接断开期间所有操作返回 ErrPersistence
type Store struct {
	src   mongoutil.DBSource
	dao   *seq.DAO
	alloc *seq.Allocator
	log   *zap.Logger
}

// NewStore rdb 为空时序号每次直接向 Mongo 领取
func NewStore(src mongoutil.DBSource, rdb redis.Scripter) *Store {
	dao := seq.NewDAO(src)
	return &Store{
		src:   src,
		dao:   dao,
		alloc: &seq.Allocator{Rdb: rdb, DAO: dao},
		log:   logger.Named("store"),
	}
}

func (s *Store) msgColl() (*mongo.Collection, error) {
	db, err := mongoutil.Current(s.src)
	if err != nil {
		return nil, err
	}
	msg := chatmodel.MsgDocModel{}
	return msg.Collection(db), nil
}

func (s *Store) channelColl() (*mongo.Collection, error) {
	db, err := mongoutil.Current(s.src)
	if err != nil {
		return nil, err
	}
	ch := chatmodel.Channel{}
	return ch.Collection(db), nil
}
