package chat

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTokens = fakeAuth{"t-alice": "alice", "t-bob": "bob", "t-carol": "carol"}

func startSession(t *testing.T, rig *testRig, conf SessionConf) (*Session, *fakeHandle) {
	t.Helper()
	h := newFakeHandle()
	s := NewSession(conf, h, testTokens, rig.reg, rig.router, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-s.Done()
	})
	return s, h
}

func activeSession(t *testing.T, rig *testRig, conf SessionConf, token string) (*Session, *fakeHandle) {
	t.Helper()
	s, h := startSession(t, rig, conf)
	require.True(t, s.Push(ClientFrame{Type: FrameAuth, Token: token}))
	h.waitFrames(t, FrameAuthOK, 1)
	require.Eventually(t, func() bool { return len(rig.reg.Lookup(s.UserID())) > 0 }, time.Second, 5*time.Millisecond)
	return s, h
}

func TestSessionRegistersBeforeAuthOK(t *testing.T) {
	rig := newRig(t)
	h := newFakeHandle()
	var handlesAtAuthOK atomic.Int64
	handlesAtAuthOK.Store(-1)
	h.onDeliver = func(p []byte) {
		var f ServerFrame
		if json.Unmarshal(p, &f) == nil && f.Type == FrameAuthOK {
			_, n := rig.reg.Stats()
			handlesAtAuthOK.Store(int64(n))
		}
	}
	s := NewSession(SessionConf{}, h, testTokens, rig.reg, rig.router, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	defer func() {
		cancel()
		<-s.Done()
	}()

	s.Push(ClientFrame{Type: FrameAuth, Token: "t-alice"})
	h.waitFrames(t, FrameAuthOK, 1)
	// 客户端看到 auth_ok 时连接已在注册表里
	assert.Equal(t, int64(1), handlesAtAuthOK.Load())
	assert.Equal(t, StateActive, s.State())

	// auth_ok 之后投递的消息排在它后面
	_, err := rig.router.Route(context.Background(), textTo("bob", "alice", "right after"))
	require.NoError(t, err)
	frames := h.Frames()
	require.Len(t, frames, 2)
	assert.Equal(t, FrameAuthOK, frames[0].Type)
	assert.Equal(t, FrameMessage, frames[1].Type)
}

func sendFrame(ref, to, content string) ClientFrame {
	return ClientFrame{Type: FrameSend, Ref: ref, To: Recipient{UserID: to}, Body: Body{Content: content}}
}

func TestSessionAuthenticate(t *testing.T) {
	rig := newRig(t)
	s, h := startSession(t, rig, SessionConf{})
	assert.Equal(t, StateUnauthenticated, s.State())

	s.Push(ClientFrame{Type: FrameAuth, Token: "forged"})
	errsGot := h.waitFrames(t, FrameAuthError, 1)
	assert.Equal(t, ReasonBadCredentials, errsGot[0].Reason)
	assert.Equal(t, StateUnauthenticated, s.State())
	assert.False(t, rig.reg.Online("alice"))

	s.Push(ClientFrame{Type: FrameAuth, Token: "t-alice"})
	ok := h.waitFrames(t, FrameAuthOK, 1)
	assert.Equal(t, "alice", ok[0].UserID)
	require.Eventually(t, func() bool { return rig.reg.Online("alice") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, "alice", s.UserID())
	assert.Equal(t, []Handle{h}, rig.reg.Lookup("alice"))

	s.Push(ClientFrame{Type: FrameAuth, Token: "t-bob"})
	got := h.waitFrames(t, FrameError, 1)
	assert.Equal(t, ReasonAlreadyAuthenticated, got[0].Reason)
	assert.Equal(t, "alice", s.UserID())
}

func TestSessionRejectsFramesBeforeAuth(t *testing.T) {
	rig := newRig(t)
	s, h := startSession(t, rig, SessionConf{})

	s.Push(sendFrame("r1", "bob", "sneaky"))
	got := h.waitFrames(t, FrameError, 1)
	assert.Equal(t, ReasonUnauthenticated, got[0].Reason)

	s.Push(ClientFrame{Type: FramePing})
	h.waitFrames(t, FramePong, 1)

	assert.Zero(t, rig.store.count())
	assert.Equal(t, StateUnauthenticated, s.State())
}

func TestSessionClosesAfterMaxAuthAttempts(t *testing.T) {
	rig := newRig(t)
	s, h := startSession(t, rig, SessionConf{MaxAuthAttempts: 2})

	s.Push(ClientFrame{Type: FrameAuth, Token: "x"})
	s.Push(ClientFrame{Type: FrameAuth, Token: "y"})

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session not closed")
	}
	assert.Len(t, h.framesOf(FrameAuthError), 2)
	assert.True(t, h.isClosed())
	assert.Equal(t, StateClosed, s.State())
	assert.False(t, s.Push(ClientFrame{Type: FrameAuth, Token: "t-alice"}))
}

func TestSessionAuthTimeout(t *testing.T) {
	rig := newRig(t)
	s, h := startSession(t, rig, SessionConf{AuthTimeout: 30 * time.Millisecond})

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session not closed")
	}
	got := h.framesOf(FrameAuthError)
	require.Len(t, got, 1)
	assert.Equal(t, "auth_timeout", got[0].Reason)
	assert.True(t, h.isClosed())
}

func TestSessionAuthTimeoutIgnoredOnceActive(t *testing.T) {
	rig := newRig(t)
	s, h := activeSession(t, rig, SessionConf{AuthTimeout: 30 * time.Millisecond}, "t-alice")

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, StateActive, s.State())
	assert.False(t, h.isClosed())
}

func TestSessionSendAckAndNack(t *testing.T) {
	rig := newRig(t)
	bob := rig.online(t, "bob")
	s, h := activeSession(t, rig, SessionConf{}, "t-alice")

	s.Push(sendFrame("r1", "bob", "hi"))
	acks := h.waitFrames(t, FrameAck, 1)
	assert.Equal(t, "r1", acks[0].Ref)
	assert.Equal(t, int64(1), acks[0].Seq)
	assert.NotEmpty(t, acks[0].MessageID)

	msgs := bob.waitFrames(t, FrameMessage, 1)
	assert.Equal(t, acks[0].MessageID, msgs[0].Message.ID)
	assert.Equal(t, BodyText, msgs[0].Message.Body.Type)
	assert.Equal(t, "r1", msgs[0].Message.ClientRef)
	// 发送方不会收到自己消息的回显
	assert.Empty(t, h.framesOf(FrameMessage))

	rig.store.beforeStore = func(*Message) error { return errors.New("mongo down") }
	s.Push(sendFrame("r2", "bob", "again"))
	nacks := h.waitFrames(t, FrameNack, 1)
	assert.Equal(t, "r2", nacks[0].Ref)
	assert.Equal(t, ReasonPersistence, nacks[0].Reason)
	assert.Zero(t, nacks[0].Seq)
	assert.Len(t, bob.framesOf(FrameMessage), 1)

	rig.store.beforeStore = nil
	s.Push(ClientFrame{Type: FrameSend, Ref: "r3", To: Recipient{UserID: "bob"}, Body: Body{Type: BodyText}})
	nacks = h.waitFrames(t, FrameNack, 2)
	assert.Equal(t, ReasonInvalid, nacks[1].Reason)
}

func TestSessionSendRateLimited(t *testing.T) {
	rig := newRig(t)
	s, h := activeSession(t, rig, SessionConf{SendRate: 0.001, SendBurst: 1}, "t-alice")

	s.Push(sendFrame("r1", "bob", "one"))
	s.Push(sendFrame("r2", "bob", "two"))

	h.waitFrames(t, FrameAck, 1)
	nacks := h.waitFrames(t, FrameNack, 1)
	assert.Equal(t, "r2", nacks[0].Ref)
	assert.Equal(t, ReasonRateLimited, nacks[0].Reason)
	assert.Equal(t, 1, rig.store.count())
}

func TestSessionUnsupportedFrame(t *testing.T) {
	rig := newRig(t)
	s, h := activeSession(t, rig, SessionConf{}, "t-alice")

	s.Push(ClientFrame{Type: "dance"})
	got := h.waitFrames(t, FrameError, 1)
	assert.Equal(t, ReasonUnsupported, got[0].Reason)
	assert.Equal(t, StateActive, s.State())
}

func TestSessionTypingAndRead(t *testing.T) {
	rig := newRig(t)
	bob := rig.online(t, "bob")
	s, h := activeSession(t, rig, SessionConf{}, "t-alice")

	s.Push(ClientFrame{Type: FrameTyping, To: Recipient{UserID: "bob"}})
	s.Push(ClientFrame{Type: FrameRead, To: Recipient{UserID: "bob"}, Seq: 7})

	typing := bob.waitFrames(t, FrameTyping, 1)
	assert.Equal(t, "alice", typing[0].From)
	read := bob.waitFrames(t, FrameRead, 1)
	assert.Equal(t, int64(7), read[0].Seq)
	assert.Zero(t, rig.store.count())

	s.Push(ClientFrame{Type: FrameTyping, To: Recipient{ChannelID: "missing"}})
	got := h.waitFrames(t, FrameError, 1)
	assert.Equal(t, ReasonUnknownChannel, got[0].Reason)
}

func TestSessionLogoutDeregistersOnce(t *testing.T) {
	rig := newRig(t)
	var offline atomic.Int32
	rig.reg.Subscribe(func(tr Transition) {
		if tr.UserID == "alice" && !tr.Online {
			offline.Add(1)
		}
	})
	s, h := activeSession(t, rig, SessionConf{}, "t-alice")

	s.Push(ClientFrame{Type: FrameLogout})
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("logout did not close session")
	}
	s.Close("again")
	s.Close("and again")

	assert.True(t, h.isClosed())
	assert.False(t, rig.reg.Online("alice"))
	assert.Equal(t, int32(1), offline.Load())
	assert.Equal(t, StateClosed, s.State())
}

func TestSessionCloseBeforeAuthNeverRegisters(t *testing.T) {
	rig := newRig(t)
	h := newFakeHandle()
	s := NewSession(SessionConf{}, h, testTokens, rig.reg, rig.router, nil)
	s.Close("client gone")

	s.authenticate(context.Background(), "t-alice")
	assert.False(t, rig.reg.Online("alice"))
	assert.True(t, h.isClosed())
}

func TestSessionCloseOnBrokenReply(t *testing.T) {
	rig := newRig(t)
	h := newFakeHandle()
	s := NewSession(SessionConf{ReplyTimeout: 10 * time.Millisecond}, h, testTokens, rig.reg, rig.router, nil)
	h.Close("peer vanished")

	s.reply(PongFrame())
	select {
	case <-s.Done():
	default:
		t.Fatal("session should close when its own handle is dead")
	}
}

func TestSessionChannelBroadcast(t *testing.T) {
	rig := newRig(t)
	rig.membership.set("general", "alice", "bob", "carol")
	alice, ah := activeSession(t, rig, SessionConf{}, "t-alice")
	_, bh := activeSession(t, rig, SessionConf{}, "t-bob")
	_, ch := activeSession(t, rig, SessionConf{}, "t-carol")

	alice.Push(ClientFrame{Type: FrameSend, Ref: "g1", To: Recipient{ChannelID: "general"}, Body: Body{Type: BodyText, Content: "standup?"}})

	ack := ah.waitFrames(t, FrameAck, 1)
	for _, h := range []*fakeHandle{bh, ch} {
		got := h.waitFrames(t, FrameMessage, 1)
		assert.Equal(t, ack[0].MessageID, got[0].Message.ID)
		assert.Equal(t, "general", got[0].Message.To.ChannelID)
		assert.Equal(t, "alice", got[0].Message.SenderID)
	}
	assert.Empty(t, ah.framesOf(FrameMessage))
}

func TestSessionStateString(t *testing.T) {
	assert.Equal(t, "unauthenticated", StateUnauthenticated.String())
	assert.Equal(t, "authenticating", StateAuthenticating.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", SessionState(42).String())
}
