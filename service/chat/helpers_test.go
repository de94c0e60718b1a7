package chat

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"PPGate/tools/errs"

	"github.com/stretchr/testify/require"
)

var handleSeq atomic.Int64

// fakeHandle 记录收到的帧；block=true 时模拟写不进去的慢连接
type fakeHandle struct {
	id      string
	created time.Time
	block   bool
	// onDeliver 在记录帧之前调用
	onDeliver func(payload []byte)

	mu     sync.Mutex
	frames [][]byte

	alive     atomic.Bool
	closeOnce sync.Once
	closed    chan struct{}
	reason    atomic.Value
}

func newFakeHandle() *fakeHandle {
	h := &fakeHandle{
		id:      "h" + strconv.FormatInt(handleSeq.Add(1), 10),
		created: time.Now(),
		closed:  make(chan struct{}),
	}
	h.alive.Store(true)
	return h
}

func newBlockingHandle() *fakeHandle {
	h := newFakeHandle()
	h.block = true
	return h
}

func (h *fakeHandle) ID() string           { return h.id }
func (h *fakeHandle) CreatedAt() time.Time { return h.created }
func (h *fakeHandle) Alive() bool          { return h.alive.Load() }

func (h *fakeHandle) Deliver(ctx context.Context, payload []byte) error {
	if !h.alive.Load() {
		return errs.ErrDelivery.WrapMsg("closed")
	}
	if h.block {
		select {
		case <-ctx.Done():
			return errs.ErrDelivery.WrapMsg("timeout")
		case <-h.closed:
			return errs.ErrDelivery.WrapMsg("closed")
		}
	}
	if h.onDeliver != nil {
		h.onDeliver(payload)
	}
	h.mu.Lock()
	h.frames = append(h.frames, payload)
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) Close(reason string) {
	h.closeOnce.Do(func() {
		h.reason.Store(reason)
		h.alive.Store(false)
		close(h.closed)
	})
}

func (h *fakeHandle) isClosed() bool {
	select {
	case <-h.closed:
		return true
	default:
		return false
	}
}

func (h *fakeHandle) Frames() []ServerFrame {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ServerFrame, 0, len(h.frames))
	for _, b := range h.frames {
		var f ServerFrame
		if err := json.Unmarshal(b, &f); err == nil {
			out = append(out, f)
		}
	}
	return out
}

func (h *fakeHandle) framesOf(t FrameType) []ServerFrame {
	var out []ServerFrame
	for _, f := range h.Frames() {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

func (h *fakeHandle) waitFrames(t *testing.T, typ FrameType, n int) []ServerFrame {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.framesOf(typ)) >= n },
		2*time.Second, 5*time.Millisecond, "handle %s waiting for %d %s frames", h.id, n, typ)
	return h.framesOf(typ)
}

// memStore 按会话分配 seq；beforeStore 可注入检查或错误
type memStore struct {
	mu          sync.Mutex
	seqs        map[string]int64
	msgs        []*Message
	beforeStore func(m *Message) error
}

func newMemStore() *memStore { return &memStore{seqs: make(map[string]int64)} }

func (s *memStore) Store(_ context.Context, m *Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.beforeStore != nil {
		if err := s.beforeStore(m); err != nil {
			return 0, err
		}
	}
	key := m.ConversationKey()
	s.seqs[key]++
	cp := *m
	cp.Seq = s.seqs[key]
	s.msgs = append(s.msgs, &cp)
	return cp.Seq, nil
}

func (s *memStore) FetchSince(_ context.Context, key string, after int64, limit int) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Message
	for _, m := range s.msgs {
		if m.ConversationKey() == key && m.Seq > after {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

type fakeMembership struct {
	mu       sync.Mutex
	channels map[string][]string
	failN    int // 前 failN 次 MembersOf 返回不可用
	calls    int
}

func newFakeMembership() *fakeMembership {
	return &fakeMembership{channels: make(map[string][]string)}
}

func (f *fakeMembership) set(channel string, members ...string) {
	f.mu.Lock()
	f.channels[channel] = members
	f.mu.Unlock()
}

func (f *fakeMembership) MembersOf(_ context.Context, channel string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failN > 0 {
		f.failN--
		return nil, errs.ErrMembershipUnavailable.WrapMsg("injected")
	}
	m, ok := f.channels[channel]
	if !ok {
		return nil, errs.ErrUnknownChannel.WrapMsg("no such channel", "channel", channel)
	}
	return append([]string(nil), m...), nil
}

func (f *fakeMembership) ChannelsOf(_ context.Context, user string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for ch, members := range f.channels {
		for _, m := range members {
			if m == user {
				out = append(out, ch)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

type fakeContacts map[string][]string

func (f fakeContacts) ContactsOf(_ context.Context, user string) ([]string, error) {
	return f[user], nil
}

type fakeAuth map[string]string

func (f fakeAuth) Validate(_ context.Context, token string) (string, error) {
	if u, ok := f[token]; ok {
		return u, nil
	}
	return "", errs.ErrAuth.WrapMsg("unknown token")
}

type captureRelay struct {
	mu   sync.Mutex
	sent [][]byte
}

func (c *captureRelay) Publish(_ context.Context, data []byte) error {
	c.mu.Lock()
	c.sent = append(c.sent, data)
	c.mu.Unlock()
	return nil
}

func (c *captureRelay) envelopes() []relayEnvelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []relayEnvelope
	for _, d := range c.sent {
		if e, err := decodeEnvelope(d); err == nil {
			out = append(out, e)
		}
	}
	return out
}

// testRig 一套内存协作方上的 Registry/Router/Fanout
type testRig struct {
	reg        *Registry
	store      *memStore
	membership *fakeMembership
	fanout     *Fanout
	router     *Router
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	reg := NewRegistry()
	store := newMemStore()
	ms := newFakeMembership()
	fan := NewFanout(FanoutConf{Retries: 5, Backoff: 10 * time.Millisecond}, ms)
	t.Cleanup(fan.Close)
	router := NewRouter(RouterConf{NodeID: "node-a", DeliveryTimeout: 50 * time.Millisecond}, reg, store, fan, NewMetrics())
	return &testRig{reg: reg, store: store, membership: ms, fanout: fan, router: router}
}

func (r *testRig) online(t *testing.T, user string) *fakeHandle {
	t.Helper()
	h := newFakeHandle()
	require.NoError(t, r.reg.Register(user, h))
	return h
}

func textTo(from, to string, content string) *Message {
	return &Message{SenderID: from, To: Recipient{UserID: to}, Body: Body{Type: BodyText, Content: content}}
}

func textToChannel(from, channel string, content string) *Message {
	return &Message{SenderID: from, To: Recipient{ChannelID: channel}, Body: Body{Type: BodyText, Content: content}}
}
