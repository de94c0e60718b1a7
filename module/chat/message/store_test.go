package message

import (
	"context"
	"errors"
	"testing"
	"time"

	"PPGate/data/database/mgo/mongoutil"
	"PPGate/service/chat"
	"PPGate/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

func TestMongoStore(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	defer mt.Close()

	mt.Run("store allocates seq and inserts", func(mt *mtest.T) {
		s := NewStore(mongoutil.StaticDB{DB: mt.DB}, nil)
		mt.AddMockResponses(
			// findAndModify on seq_conversation: issued_seq was 4
			bson.D{{Key: "ok", Value: 1}, {Key: "value", Value: bson.D{{Key: "issued_seq", Value: int64(4)}}}},
			mtest.CreateSuccessResponse(), // insert msg
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}), // advance max_seq
		)
		seq, err := s.Store(context.Background(), dm("alice", "bob", "hi"))
		require.NoError(t, err)
		assert.Equal(t, int64(5), seq)
	})

	mt.Run("insert failure is a persistence error", func(mt *mtest.T) {
		s := NewStore(mongoutil.StaticDB{DB: mt.DB}, nil)
		mt.AddMockResponses(
			bson.D{{Key: "ok", Value: 1}, {Key: "value", Value: bson.D{{Key: "issued_seq", Value: int64(0)}}}},
			mtest.CreateWriteErrorsResponse(mtest.WriteError{Index: 0, Code: 11000, Message: "duplicate key"}),
		)
		_, err := s.Store(context.Background(), dm("alice", "bob", "hi"))
		assert.True(t, errors.Is(err, errs.ErrPersistence))
	})

	mt.Run("fetch since", func(mt *mtest.T) {
		s := NewStore(mongoutil.StaticDB{DB: mt.DB}, nil)
		at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "ppgate.msg", mtest.FirstBatch,
			bson.D{{Key: "message_id", Value: "m3"}, {Key: "conversation_id", Value: "dm:alice:bob"}, {Key: "seq", Value: int64(3)},
				{Key: "send_id", Value: "alice"}, {Key: "recv_id", Value: "bob"}, {Key: "content_type", Value: "text"},
				{Key: "content", Value: "hi"}, {Key: "create_time", Value: at}},
			bson.D{{Key: "message_id", Value: "m4"}, {Key: "conversation_id", Value: "dm:alice:bob"}, {Key: "seq", Value: int64(4)},
				{Key: "send_id", Value: "bob"}, {Key: "recv_id", Value: "alice"}, {Key: "content_type", Value: "file"},
				{Key: "file_url", Value: "/uploads/files/x.png"}, {Key: "create_time", Value: at}},
		))
		got, err := s.FetchSince(context.Background(), "dm:alice:bob", 2, 10)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "m3", got[0].ID)
		assert.Equal(t, chat.Recipient{UserID: "bob"}, got[0].To)
		assert.Equal(t, int64(4), got[1].Seq)
		assert.Equal(t, "/uploads/files/x.png", got[1].Body.FileURL)
		assert.True(t, got[1].CreatedAt.Equal(at))
	})

	mt.Run("members of", func(mt *mtest.T) {
		s := NewStore(mongoutil.StaticDB{DB: mt.DB}, nil)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "ppgate.channel", mtest.FirstBatch,
			bson.D{{Key: "channel_id", Value: "general"}, {Key: "members", Value: bson.A{"alice", "bob"}}}))
		members, err := s.MembersOf(context.Background(), "general")
		require.NoError(t, err)
		assert.Equal(t, []string{"alice", "bob"}, members)
	})

	mt.Run("unknown channel", func(mt *mtest.T) {
		s := NewStore(mongoutil.StaticDB{DB: mt.DB}, nil)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "ppgate.channel", mtest.FirstBatch))
		_, err := s.MembersOf(context.Background(), "nope")
		assert.True(t, errors.Is(err, errs.ErrUnknownChannel))
	})

	mt.Run("membership unavailable", func(mt *mtest.T) {
		s := NewStore(mongoutil.StaticDB{DB: mt.DB}, nil)
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 11600, Name: "InterruptedAtShutdown", Message: "shutting down"}))
		_, err := s.MembersOf(context.Background(), "general")
		assert.True(t, errors.Is(err, errs.ErrMembershipUnavailable))
		assert.False(t, errors.Is(err, errs.ErrUnknownChannel))
	})

	mt.Run("contacts from direct history", func(mt *mtest.T) {
		s := NewStore(mongoutil.StaticDB{DB: mt.DB}, nil)
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "values", Value: bson.A{"carol", "bob"}}),
			mtest.CreateSuccessResponse(bson.E{Key: "values", Value: bson.A{"bob", "dave", "alice"}}),
		)
		got, err := s.ContactsOf(context.Background(), "alice")
		require.NoError(t, err)
		assert.Equal(t, []string{"bob", "carol", "dave"}, got)
	})

	mt.Run("remove member from unknown channel", func(mt *mtest.T) {
		s := NewStore(mongoutil.StaticDB{DB: mt.DB}, nil)
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}, bson.E{Key: "nModified", Value: 0}))
		err := s.RemoveMember(context.Background(), "nope", "bob")
		assert.True(t, errors.Is(err, errs.ErrUnknownChannel))
	})
}

func TestStoreWithoutConnection(t *testing.T) {
	s := NewStore(mongoutil.StaticDB{}, nil)
	_, err := s.Store(context.Background(), dm("alice", "bob", "hi"))
	assert.True(t, errors.Is(err, errs.ErrPersistence))

	_, err = s.MembersOf(context.Background(), "general")
	assert.True(t, errors.Is(err, errs.ErrMembershipUnavailable))
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 50, clampLimit(0, 50, 200))
	assert.Equal(t, 200, clampLimit(1000, 50, 200))
	assert.Equal(t, 7, clampLimit(7, 50, 200))
}
